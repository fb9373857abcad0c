// Copyright 2024-2026 Aiku AI

package telegram

import "github.com/prometheus/client_golang/prometheus"

var updatesReceived = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "mmtg",
	Subsystem: "telegram",
	Name:      "updates_received_total",
	Help:      "Updates returned by getUpdates.",
})

var pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "mmtg",
	Subsystem: "telegram",
	Name:      "poll_errors_total",
	Help:      "Failed getUpdates calls.",
})

var eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mmtg",
	Subsystem: "telegram",
	Name:      "events_published_total",
	Help:      "Events published to handlers by type.",
}, []string{"type"})

var currentOffset = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mmtg",
	Subsystem: "telegram",
	Name:      "offset",
	Help:      "Offset requested by the next getUpdates call.",
})

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{updatesReceived, pollErrors, eventsPublished, currentOffset}
}

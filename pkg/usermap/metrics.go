// Copyright 2024-2026 Aiku AI

package usermap

import "github.com/prometheus/client_golang/prometheus"

var persistRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mmtg",
	Subsystem: "usermap",
	Name:      "persist_requests_total",
	Help:      "Mutations that requested a write of the backing file.",
}, []string{"file"})

var writesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mmtg",
	Subsystem: "usermap",
	Name:      "writes_total",
	Help:      "Writes of the backing file by result.",
}, []string{"file", "result"})

var mapEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "mmtg",
	Subsystem: "usermap",
	Name:      "entries",
	Help:      "Number of id/name pairs held in memory.",
}, []string{"file"})

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{persistRequests, writesTotal, mapEntries}
}

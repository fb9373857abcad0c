// Copyright 2024-2026 Aiku AI

package connector

import "github.com/prometheus/client_golang/prometheus"

const (
	directionToMattermost = "telegram_to_mattermost"
	directionToTelegram   = "mattermost_to_telegram"
)

var relayedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mmtg",
	Subsystem: "bridge",
	Name:      "relayed_messages_total",
	Help:      "Messages relayed by direction.",
}, []string{"direction"})

var droppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mmtg",
	Subsystem: "bridge",
	Name:      "dropped_messages_total",
	Help:      "Messages not relayed by reason.",
}, []string{"reason"})

// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipwatch_bus_published_total",
		Help: "Total number of events published on the in-memory bus",
	}, []string{"event"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipwatch_bus_dropped_total",
		Help: "Total number of in-memory bus event drops by event and reason",
	}, []string{"event", "reason"})
)

// IncBusPublished records a delivered bus event.
func IncBusPublished(event string) {
	if event == "" {
		event = "unknown"
	}
	BusPublishedTotal.WithLabelValues(event).Inc()
}

// IncBusDropReason records a dropped bus event with a concrete reason.
func IncBusDropReason(event, reason string) {
	if event == "" {
		event = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(event, reason).Inc()
}

// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipwatch_store_writes_total",
		Help: "Persistent store writes by store and outcome",
	}, []string{"store", "outcome"}) // store=tokens|skips|statistics|settings outcome=success|failure

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipwatch_commands_total",
		Help: "Commands dispatched over the control surface by name and outcome",
	}, []string{"command", "outcome"}) // outcome=ok|error
)

func IncStoreWrite(store, outcome string) {
	storeWritesTotal.WithLabelValues(store, outcome).Inc()
}

func IncCommand(command, outcome string) {
	commandsTotal.WithLabelValues(command, outcome).Inc()
}

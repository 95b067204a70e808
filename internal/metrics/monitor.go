// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skipwatch_polls_total",
		Help: "Total number of playback polls issued",
	})

	pollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skipwatch_poll_errors_total",
		Help: "Total number of playback polls that failed and were skipped",
	})

	trackChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipwatch_track_changes_total",
		Help: "Track change classifications",
	}, []string{"outcome"}) // outcome=skipped|completed|paused_then_changed|revisit

	libraryRemovalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skipwatch_library_removals_total",
		Help: "Tracks automatically removed from the library after crossing the skip threshold",
	})
)

func IncPoll()      { pollsTotal.Inc() }
func IncPollError() { pollErrorsTotal.Inc() }

func IncTrackChange(outcome string) {
	trackChangesTotal.WithLabelValues(outcome).Inc()
}

func IncLibraryRemoval() { libraryRemovalsTotal.Inc() }

// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipwatch_upstream_requests_total",
		Help: "Upstream API requests by endpoint and outcome",
	}, []string{"endpoint", "status"}) // status=2xx|4xx|5xx|error

	upstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipwatch_upstream_retries_total",
		Help: "Upstream request retries by endpoint and reason",
	}, []string{"endpoint", "reason"}) // reason=backoff|rate_limited|unauthorized

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skipwatch_upstream_request_duration_seconds",
		Help:    "Wall time of upstream API requests including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skipwatch_token_refresh_total",
		Help: "OAuth token refresh attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure
)

func IncUpstreamRequest(endpoint, status string) {
	upstreamRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

func IncUpstreamRetry(endpoint, reason string) {
	upstreamRetriesTotal.WithLabelValues(endpoint, reason).Inc()
}

func ObserveUpstreamDuration(endpoint string, seconds float64) {
	upstreamRequestDuration.WithLabelValues(endpoint).Observe(seconds)
}

func IncTokenRefresh(outcome string) {
	tokenRefreshTotal.WithLabelValues(outcome).Inc()
}

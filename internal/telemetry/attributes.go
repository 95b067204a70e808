// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPURLKey        = "http.url"

	// Upstream request attributes
	UpstreamEndpointKey = "upstream.endpoint"
	UpstreamAttemptKey  = "upstream.attempt"

	// Playback attributes
	TrackIDKey = "playback.track_id"
	ArtistKey  = "playback.artist"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// UpstreamAttributes creates span attributes for one upstream API attempt.
func UpstreamAttributes(method, endpoint string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(UpstreamEndpointKey, endpoint),
		attribute.Int(UpstreamAttemptKey, attempt),
	}
}

// PlaybackAttributes creates span attributes for the currently observed track.
func PlaybackAttributes(trackID, artist string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if trackID != "" {
		attrs = append(attrs, attribute.String(TrackIDKey, trackID))
	}
	if artist != "" {
		attrs = append(attrs, attribute.String(ArtistKey, artist))
	}
	return attrs
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}

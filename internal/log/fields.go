// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldSessionID = "session_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Playback fields
	FieldTrackID  = "track_id"
	FieldTrack    = "track"
	FieldArtist   = "artist"
	FieldDevice   = "device"
	FieldProgress = "progress_pct"

	// Transport fields
	FieldEndpoint = "endpoint"
	FieldStatus   = "status"
	FieldAttempt  = "attempt"

	// Path fields
	FieldPath = "path"
)

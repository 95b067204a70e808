// SPDX-License-Identifier: MIT

package spotify

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout marks a request that hit the client-side deadline.
	ErrTimeout = errors.New("upstream request timed out")

	// ErrNetwork marks a transport-level failure before any response.
	ErrNetwork = errors.New("network error")
)

// UpstreamError is a non-retryable (or retry-exhausted) upstream response.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Message)
}

// RateLimitError reports a 429 with the Retry-After the upstream asked for.
// The client honors it internally; callers only see it when the retry
// budget is exhausted while still rate-limited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Status == 404
}

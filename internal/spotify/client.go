// SPDX-License-Identifier: MIT

// Package spotify is the upstream boundary: a resilient authenticated
// HTTP client (retry, backoff, rate limit, 401 refresh) and the typed
// wrappers over the Web API surface the monitor consumes.
package spotify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/skipwatch/skipwatch/internal/auth"
	"github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/metrics"
	"github.com/skipwatch/skipwatch/internal/telemetry"
)

// Options configures the client pipeline.
type Options struct {
	Timeout        time.Duration // total per-request deadline
	MaxAttempts    int           // retry budget for 5xx/network failures
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RateLimit      rate.Limit // requests per second to the upstream
	RateLimitBurst int
}

const (
	defaultTimeout        = 10 * time.Second
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 10 * time.Second
	defaultRateLimit      = 10
	defaultRateLimitBurst = 5
	defaultRetryAfter     = 1 * time.Second

	backoffFactor = 1.5
	slowWarnAfter = 1 * time.Second
)

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	return opts
}

// Client is the single shared upstream client. Its retry policy and the
// token manager's refresh guard are shared state across all callers.
type Client struct {
	baseURL     string
	accountsURL string
	httpClient  *http.Client
	auth        *auth.Manager
	limiter     *rate.Limiter
	opts        Options
	logger      zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewClient builds the client. baseURL is the API host (no trailing
// slash); accountsURL is the OAuth host.
func NewClient(am *auth.Manager, baseURL, accountsURL string, opts Options) *Client {
	opts = normalizeOptions(opts)
	transport := otelhttp.NewTransport(&http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	})

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accountsURL: strings.TrimRight(accountsURL, "/"),
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		auth:    am,
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateLimitBurst),
		opts:    opts,
		logger:  log.WithComponent("spotify"),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

// do runs one logical request through the pipeline and returns the
// response body. endpoint is a metrics/trace label, not the URL.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, silent bool) ([]byte, int, error) {
	if err := c.auth.EnsureValid(ctx); err != nil {
		return nil, 0, err
	}

	endpoint := routeLabel(path)
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	tracer := telemetry.Tracer("skipwatch.spotify")
	ctx, span := tracer.Start(ctx, "spotify.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String(telemetry.HTTPMethodKey, method),
		attribute.String(telemetry.UpstreamEndpointKey, endpoint),
	)
	defer span.End()

	start := time.Now()
	data, status, err := c.attemptLoop(ctx, span, method, fullURL, endpoint, body, silent)
	elapsed := time.Since(start)

	metrics.ObserveUpstreamDuration(endpoint, elapsed.Seconds())
	span.SetAttributes(attribute.Int(telemetry.HTTPStatusCodeKey, status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, status, err
	}
	span.SetStatus(codes.Ok, "")

	if elapsed > slowWarnAfter && !silent {
		c.logger.Warn().
			Str("event", "spotify.request.slow").
			Str(log.FieldEndpoint, endpoint).
			Dur("elapsed", elapsed).
			Msg("upstream request exceeded 1s")
	}
	return data, status, nil
}

// attemptLoop executes attempts until success, a terminal error, or the
// retry budget is spent. A 401 is recovered by one shared refresh and one
// replay; it does not consume the backoff budget.
func (c *Client) attemptLoop(ctx context.Context, span trace.Span, method, fullURL, endpoint string, body []byte, silent bool) ([]byte, int, error) {
	tracer := telemetry.Tracer("skipwatch.spotify")

	refreshed := false
	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= c.opts.MaxAttempts; {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, classifyNetErr(err)
		}

		token, ok := c.auth.Get()
		if !ok {
			return nil, 0, auth.ErrUnauthorized
		}

		attemptCtx, attemptSpan := tracer.Start(ctx, "spotify.request.attempt", trace.WithSpanKind(trace.SpanKindClient))
		attemptSpan.SetAttributes(telemetry.UpstreamAttributes(method, endpoint, attempt)...)

		data, status, err := c.execute(attemptCtx, method, fullURL, token, body)

		if err != nil {
			attemptSpan.RecordError(err)
			attemptSpan.SetStatus(codes.Error, err.Error())
		} else {
			attemptSpan.SetAttributes(attribute.Int(telemetry.HTTPStatusCodeKey, status))
			if status >= http.StatusBadRequest {
				attemptSpan.SetStatus(codes.Error, http.StatusText(status))
			} else {
				attemptSpan.SetStatus(codes.Ok, "")
			}
		}
		attemptSpan.End()

		switch {
		case err != nil:
			// Network failure: retry with backoff.
			metrics.IncUpstreamRequest(endpoint, "error")
			lastErr, lastStatus = err, 0

		case status < http.StatusMultipleChoices:
			metrics.IncUpstreamRequest(endpoint, "2xx")
			return data, status, nil

		case status == http.StatusUnauthorized:
			metrics.IncUpstreamRequest(endpoint, "4xx")
			if refreshed {
				return nil, status, auth.ErrUnauthorized
			}
			refreshed = true
			metrics.IncUpstreamRetry(endpoint, "unauthorized")
			if !silent {
				c.logger.Debug().
					Str("event", "spotify.request.refresh_retry").
					Str(log.FieldEndpoint, endpoint).
					Msg("401 from upstream, refreshing token")
			}
			if rerr := c.auth.Refresh(ctx); rerr != nil {
				return nil, status, rerr
			}
			// Replay without consuming the backoff budget.
			continue

		case status == http.StatusTooManyRequests:
			metrics.IncUpstreamRequest(endpoint, "4xx")
			wait := retryAfter(data)
			if attempt == c.opts.MaxAttempts {
				return nil, status, &RateLimitError{RetryAfter: wait}
			}
			metrics.IncUpstreamRetry(endpoint, "rate_limited")
			if !silent {
				c.logger.Warn().
					Str("event", "spotify.request.rate_limited").
					Str(log.FieldEndpoint, endpoint).
					Dur("retry_after", wait).
					Msg("429 from upstream, honoring Retry-After")
			}
			if serr := sleepWithContext(ctx, wait); serr != nil {
				return nil, status, classifyNetErr(serr)
			}
			attempt++
			continue

		case status >= http.StatusInternalServerError:
			metrics.IncUpstreamRequest(endpoint, "5xx")
			lastErr = &UpstreamError{Status: status, Message: strings.TrimSpace(string(data))}
			lastStatus = status

		default:
			// Other 4xx: terminal.
			metrics.IncUpstreamRequest(endpoint, "4xx")
			return nil, status, &UpstreamError{Status: status, Message: strings.TrimSpace(string(data))}
		}

		if attempt == c.opts.MaxAttempts {
			break
		}
		wait := c.backoffFor(attempt)
		metrics.IncUpstreamRetry(endpoint, "backoff")
		if !silent {
			c.logger.Debug().
				Str("event", "spotify.request.retry").
				Str(log.FieldEndpoint, endpoint).
				Int(log.FieldAttempt, attempt).
				Dur("backoff", wait).
				Msg("retrying after transient failure")
		}
		if serr := sleepWithContext(ctx, wait); serr != nil {
			return nil, lastStatus, classifyNetErr(serr)
		}
		attempt++
	}

	span.SetAttributes(attribute.Int(telemetry.HTTPStatusCodeKey, lastStatus))
	if lastErr != nil {
		if lastStatus == 0 {
			return nil, 0, classifyNetErr(lastErr)
		}
		return nil, lastStatus, lastErr
	}
	return nil, lastStatus, &UpstreamError{Status: lastStatus, Message: "retries exhausted"}
}

// execute performs exactly one HTTP round trip. The 429 Retry-After header
// is smuggled back through the body when the response carries none.
func (c *Client) execute(ctx context.Context, method, fullURL, token string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		// Preserve the header for retryAfter; the body is unused on 429.
		return []byte(resp.Header.Get("Retry-After")), resp.StatusCode, nil
	}
	return data, resp.StatusCode, nil
}

func retryAfter(headerValue []byte) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(string(headerValue))); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}

// backoffFor returns min(initial·1.5^(attempt−1), max) × U(0.9, 1.1).
func (c *Client) backoffFor(attempt int) time.Duration {
	base := float64(c.opts.InitialBackoff) * math.Pow(backoffFactor, float64(attempt-1))
	if capped := float64(c.opts.MaxBackoff); base > capped {
		base = capped
	}
	c.mu.Lock()
	jitter := 0.9 + 0.2*c.rnd.Float64()
	c.mu.Unlock()
	return time.Duration(base * jitter)
}

func classifyNetErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// routeLabel strips identifiers out of a path so metrics cardinality
// stays bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/v1/tracks/") {
		return "/v1/tracks/{id}"
	}
	return path
}

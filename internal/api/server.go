// SPDX-License-Identifier: MIT

// Package api is the localhost control surface: commands in over HTTP,
// events out over SSE. It binds the core dispatch table and the event
// bus to a chi router; it holds no domain logic of its own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/skipwatch/skipwatch/internal/bus"
	"github.com/skipwatch/skipwatch/internal/core"
	"github.com/skipwatch/skipwatch/internal/log"
)

const (
	// drainTimeout bounds graceful shutdown.
	drainTimeout = 5 * time.Second

	readHeaderTimeout = 5 * time.Second

	// maxCommandBody bounds command argument payloads.
	maxCommandBody = 1 << 20
)

// Server is the HTTP binding. Construct with New, run with Run.
type Server struct {
	core   *core.Core
	bus    *bus.Bus
	addr   string
	logger zerolog.Logger

	// RateLimitPerMinute caps command requests per client IP. Zero uses
	// the default of 300.
	rateLimit int
}

// Options configures the server.
type Options struct {
	Addr               string
	RateLimitPerMinute int
}

// New builds a server bound to the given core and bus.
func New(c *core.Core, b *bus.Bus, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:17600"
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 300
	}
	return &Server{
		core:      c,
		bus:       b,
		addr:      opts.Addr,
		logger:    log.WithComponent("api"),
		rateLimit: opts.RateLimitPerMinute,
	}
}

// Run serves until ctx is cancelled, then drains for up to 5 s.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("event", "api.listening").
			Str("addr", s.addr).
			Msg("control api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("control api shutdown: %w", err)
	}
	return nil
}

// Handler returns the full route tree, exposed for httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	r.Use(requestID)
	r.Use(accessLog(s.logger))

	r.Route("/api", func(r chi.Router) {
		r.With(commandRateLimit(s.rateLimit)).Post("/commands/{name}", s.handleCommand)
		r.Get("/events", s.handleEvents)
	})
	r.Get("/auth/callback", s.handleAuthCallback)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// response is the command envelope: {ok, data, error?}.
type response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{OK: false, Error: "unreadable request body"})
		return
	}
	var args json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, response{OK: false, Error: "invalid JSON body"})
			return
		}
		args = body
	}

	data, err := s.core.Dispatch(r.Context(), name, args)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrUnknownCommand) {
			status = http.StatusNotFound
		} else if errors.Is(err, core.ErrStateMismatch) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, response{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true, Data: data})
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		s.logger.Warn().
			Str("event", "api.oauth.denied").
			Str("reason", errParam).
			Msg("authorization denied by user")
		writeCallbackPage(w, http.StatusBadRequest, "Authorization was denied. You can close this window.")
		return
	}

	args, _ := json.Marshal(map[string]string{
		"code":  q.Get("code"),
		"state": q.Get("state"),
	})
	if _, err := s.core.Dispatch(r.Context(), "CompleteAuth", args); err != nil {
		s.logger.Error().Err(err).
			Str("event", "api.oauth.failed").
			Msg("code exchange failed")
		writeCallbackPage(w, http.StatusBadRequest, "Authentication failed. Check the daemon logs and try again.")
		return
	}
	writeCallbackPage(w, http.StatusOK, "Authentication complete. You can close this window.")
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCallbackPage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!doctype html><html><body><p>%s</p></body></html>", msg)
}


// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	// sseKeepAlive is the comment-frame interval keeping idle proxies
	// from closing the stream.
	sseKeepAlive = 15 * time.Second

	// sseBuffer is the per-client event buffer; a client that falls this
	// far behind starts losing events.
	sseBuffer = 64
)

// handleEvents streams the bus to one client as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.bus.Subscribe(sseBuffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug().
		Str("event", "api.sse.connected").
		Str("remote", r.RemoteAddr).
		Msg("event stream client connected")

	keepalive := time.NewTicker(sseKeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug().
				Str("event", "api.sse.disconnected").
				Str("remote", r.RemoteAddr).
				Msg("event stream client disconnected")
			return

		case ev, open := <-sub.C():
			if !open {
				return
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				s.logger.Warn().Err(err).
					Str("event", "api.sse.marshal_failed").
					Str("type", ev.Type).
					Msg("dropping unmarshalable event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

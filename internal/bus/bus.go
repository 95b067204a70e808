// SPDX-License-Identifier: MIT

// Package bus is the outbound half of the command/event surface: domain
// events and playback snapshots fan out to every subscribed shell client.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/metrics"
)

// Event types emitted on the external surface.
const (
	EventPlaybackUpdate    = "playbackUpdate"
	EventAuthStatusChanged = "authStatusChanged"
	EventTrackSkipped      = "trackSkipped"
	EventTrackChanged      = "trackChanged"
)

// Auth status payloads for EventAuthStatusChanged.
const (
	AuthAuthenticated   = "authenticated"
	AuthUnauthenticated = "unauthenticated"
	AuthAuthenticating  = "authenticating"
)

// Event is a single outbound message. Payload must be JSON-marshalable;
// it crosses the process boundary on the SSE stream.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Bus is an in-memory fan-out. Publish never blocks: a subscriber that
// cannot keep up loses the event, the monitor's hot loop must not stall
// on a slow shell.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool
}

const dropLogEvery = 100

var dropCount atomic.Uint64

func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Publish delivers ev to all current subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	metrics.IncBusPublished(ev.Type)
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.IncBusDropReason(ev.Type, "subscriber_full")
			count := dropCount.Add(1)
			if count%dropLogEvery == 0 {
				logger := log.WithComponent("bus")
				logger.Warn().
					Str("event", "bus.drop").
					Str("type", ev.Type).
					Uint64("dropped", count).
					Msg("subscriber not keeping up, dropping events")
			}
		}
	}
}

// Subscribe registers a new subscriber with the given channel buffer.
// Buffers smaller than 1 are raised to 1.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscriber{b: b, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Close terminates all subscribers. Further publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Subscriber is one consumer of the event stream.
type Subscriber struct {
	b    *Bus
	ch   chan Event
	once sync.Once
}

// C returns the receive channel. It is closed when the subscriber or the
// bus closes.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if _, ok := s.b.subs[s]; ok {
			delete(s.b.subs, s)
			close(s.ch)
		}
	})
}

// SPDX-License-Identifier: MIT

package log

import (
	"sync"

	"github.com/rs/zerolog"
)

// Sink receives a copy of every line emitted through the global logger.
// The log store attaches itself here so the shell-visible log and the
// process log stay in sync.
type Sink interface {
	Append(level zerolog.Level, msg string)
}

var (
	sinkMu sync.RWMutex
	sink   Sink
)

// AttachSink registers the sink. Passing nil detaches it.
func AttachSink(s Sink) {
	sinkMu.Lock()
	sink = s
	sinkMu.Unlock()
}

type sinkHook struct{}

func (sinkHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level == zerolog.NoLevel || message == "" {
		return
	}
	sinkMu.RLock()
	s := sink
	sinkMu.RUnlock()
	if s != nil {
		s.Append(level, message)
	}
}

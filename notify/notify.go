// Package notify fans operator-facing toasts out to registered sinks (the
// SSE stream, the terminal view, the diagnostics log).
package notify

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"goama/log"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warning"
	LevelError Level = "error"
)

// Toast is one notification. IDs come from the injected sequence and are
// unique per process, so sinks can deduplicate after reconnects.
type Toast struct {
	ID      uint64    `json:"id"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Sink receives toasts. Calls arrive from the emitting goroutine and must
// not block.
type Sink interface {
	Toast(Toast)
}

// NewSequence returns a process-wide monotonic id generator. Callers own
// the sequence and inject it; the package keeps no global counter.
func NewSequence() func() uint64 {
	var n atomic.Uint64
	return func() uint64 { return n.Add(1) }
}

type Center struct {
	next func() uint64
	now  func() time.Time

	mu    sync.RWMutex
	sinks []Sink
}

func NewCenter(next func() uint64) *Center {
	return &Center{next: next, now: time.Now}
}

func (c *Center) AddSink(s Sink) {
	c.mu.Lock()
	c.sinks = append(c.sinks, s)
	c.mu.Unlock()
}

func (c *Center) Notify(level Level, message string) {
	t := Toast{
		ID:      c.next(),
		Level:   level,
		Message: message,
		Time:    c.now(),
	}
	switch level {
	case LevelError:
		log.Error(message)
	case LevelWarn:
		log.Warn(message)
	default:
		log.Info(message)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sinks {
		s.Toast(t)
	}
}

func (c *Center) Infof(format string, args ...any) {
	c.Notify(LevelInfo, fmt.Sprintf(format, args...))
}

func (c *Center) Warnf(format string, args ...any) {
	c.Notify(LevelWarn, fmt.Sprintf(format, args...))
}

func (c *Center) Errorf(format string, args ...any) {
	c.Notify(LevelError, fmt.Sprintf(format, args...))
}

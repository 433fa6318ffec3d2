package main

import (
	"sync"
	"time"

	"goama/recorder"
)

// multiSink fans recorder events out to every registered sink. Sinks can be
// added after the controller is built, before recording starts.
type multiSink struct {
	mu    sync.RWMutex
	sinks []recorder.Sink
}

func (m *multiSink) add(s recorder.Sink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

func (m *multiSink) each(fn func(recorder.Sink)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		fn(s)
	}
}

func (m *multiSink) RecordingStarted(device string) {
	m.each(func(s recorder.Sink) { s.RecordingStarted(device) })
}

func (m *multiSink) RecordingStopped() {
	m.each(func(s recorder.Sink) { s.RecordingStopped() })
}

func (m *multiSink) RecordingTick(elapsed time.Duration) {
	m.each(func(s recorder.Sink) { s.RecordingTick(elapsed) })
}

func (m *multiSink) Level(rms float64) {
	m.each(func(s recorder.Sink) { s.Level(rms) })
}

func (m *multiSink) NoVoiceWarning() {
	m.each(func(s recorder.Sink) { s.NoVoiceWarning() })
}

func (m *multiSink) VoiceCleared() {
	m.each(func(s recorder.Sink) { s.VoiceCleared() })
}

// Package session owns the live conversation: the append-only message
// timeline and the orchestrator that drives one turn at a time through
// transcription, answering and synthesis.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Mode selects the answer pipeline. The wire names follow the backend.
type Mode string

const (
	ModeRetrieval Mode = "rag"
	ModeFreeForm  Mode = "llm"
)

// Languages the console offers. STT collapses them, answers do not.
var Languages = []string{"fr", "moore", "dioula", "fulfulde", "en"}

func ValidLanguage(l string) bool {
	for _, known := range Languages {
		if l == known {
			return true
		}
	}
	return false
}

func ValidMode(m Mode) bool { return m == ModeRetrieval || m == ModeFreeForm }

// Attachment is a synthesized audio clip riding on an assistant message.
type Attachment struct {
	Data []byte
	MIME string
}

// Message is one timeline entry. Messages are immutable once appended.
type Message struct {
	ID        uuid.UUID
	Role      Role
	Text      string
	Audio     *Attachment
	Timestamp time.Time
}

// Config is the per-turn conversation configuration. The orchestrator
// snapshots it at dispatch so mid-turn changes only affect later turns.
type Config struct {
	Language  string
	Mode      Mode
	AutoVoice bool
	Voice     string
	// Fullscreen is presentation-only; it never affects dispatch.
	Fullscreen bool
}

// State is the orchestrator phase. Exactly one turn runs at a time.
type State int

const (
	StateIdle State = iota
	StateTranscribing
	StateAnswering
	StateSynthesizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTranscribing:
		return "awaiting-transcription"
	case StateAnswering:
		return "awaiting-answer"
	case StateSynthesizing:
		return "awaiting-synthesis"
	}
	return "unknown"
}

// Timeline is the append-only message log. The orchestrator is its only
// writer; readers (web handlers, TUI) take snapshots.
type Timeline struct {
	mu   sync.RWMutex
	msgs []Message
}

// Append adds one message. The orchestrator is the only production caller.
func (t *Timeline) Append(m Message) {
	t.mu.Lock()
	t.msgs = append(t.msgs, m)
	t.mu.Unlock()
}

func (t *Timeline) clear() {
	t.mu.Lock()
	t.msgs = nil
	t.mu.Unlock()
}

// Messages returns a copy of the timeline in insertion order.
func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

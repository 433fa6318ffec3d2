package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goama/log"
	"goama/recorder"
)

var (
	// ErrBusy rejects a submission while a turn is in flight. Submissions
	// are never queued.
	ErrBusy = errors.New("a turn is already in progress")
)

// Placeholder texts shown in place of missing content. The console speaks
// French to its operators regardless of the conversation language.
const (
	NoAnswerText    = "(Aucune réponse)"
	InaudibleText   = "(inaudible)"
	AudioMarkerText = "[Audio généré]"
)

// DefaultVoice is used when the config carries no voice id.
const DefaultVoice = "fr-FR-HenriNeural"

type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, format, language string) (string, error)
}

type RetrievalProvider interface {
	AskRetrieval(ctx context.Context, question, language string) (string, error)
}

type FreeFormProvider interface {
	AskFreeForm(ctx context.Context, question string) (string, error)
}

type Synthesizer interface {
	Speak(ctx context.Context, text, voice string) ([]byte, error)
}

// Notifier receives operator-facing failure notices.
type Notifier interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
}

// EventSink observes the session. Calls arrive from the turn goroutine and
// from submit paths; implementations must not block.
type EventSink interface {
	MessageAppended(Message)
	StateChanged(State)
	TimelineCleared()
}

// HistoryRecorder persists a completed turn. Nil disables persistence.
type HistoryRecorder interface {
	RecordTurn(msgs []Message) error
}

// Options wires an Orchestrator. Transcriber, Retrieval, FreeForm,
// Synthesizer and Notifier are required; the rest have defaults.
type Options struct {
	Transcriber Transcriber
	Retrieval   RetrievalProvider
	FreeForm    FreeFormProvider
	Synthesizer Synthesizer
	Notifier    Notifier
	History     HistoryRecorder

	Config Config

	// Now and NewID are test seams.
	Now   func() time.Time
	NewID func() uuid.UUID
}

// Orchestrator serializes the conversation: one turn at a time, user
// message appended before any network call, timeline single-writer.
type Orchestrator struct {
	timeline *Timeline

	transcriber Transcriber
	retrieval   RetrievalProvider
	freeform    FreeFormProvider
	synth       Synthesizer
	notifier    Notifier
	history     HistoryRecorder

	now   func() time.Time
	newID func() uuid.UUID

	mu     sync.Mutex
	cfg    Config
	state  State
	lastTS time.Time
	turn   sync.WaitGroup

	sinkMu sync.RWMutex
	sinks  []EventSink
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Transcriber == nil:
		return nil, errors.New("session: Transcriber is required")
	case opts.Retrieval == nil:
		return nil, errors.New("session: Retrieval provider is required")
	case opts.FreeForm == nil:
		return nil, errors.New("session: FreeForm provider is required")
	case opts.Synthesizer == nil:
		return nil, errors.New("session: Synthesizer is required")
	case opts.Notifier == nil:
		return nil, errors.New("session: Notifier is required")
	}

	cfg := opts.Config
	if cfg.Language == "" {
		cfg.Language = "fr"
	}
	if !ValidLanguage(cfg.Language) {
		return nil, errors.New("session: unknown language " + cfg.Language)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRetrieval
	}
	if !ValidMode(cfg.Mode) {
		return nil, errors.New("session: unknown mode " + string(cfg.Mode))
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.New
	}

	return &Orchestrator{
		timeline:    &Timeline{},
		transcriber: opts.Transcriber,
		retrieval:   opts.Retrieval,
		freeform:    opts.FreeForm,
		synth:       opts.Synthesizer,
		notifier:    opts.Notifier,
		history:     opts.History,
		now:         now,
		newID:       newID,
		cfg:         cfg,
		state:       StateIdle,
	}, nil
}

func (o *Orchestrator) Timeline() *Timeline { return o.timeline }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Configure replaces the conversation configuration. An in-flight turn keeps
// the snapshot it was dispatched with.
func (o *Orchestrator) Configure(cfg Config) error {
	if !ValidLanguage(cfg.Language) {
		return errors.New("session: unknown language " + cfg.Language)
	}
	if !ValidMode(cfg.Mode) {
		return errors.New("session: unknown mode " + string(cfg.Mode))
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) AddSink(s EventSink) {
	o.sinkMu.Lock()
	o.sinks = append(o.sinks, s)
	o.sinkMu.Unlock()
}

// Wait blocks until the in-flight turn, if any, finishes.
func (o *Orchestrator) Wait() { o.turn.Wait() }

// SubmitText starts a text turn. Whitespace-only input is a silent no-op.
// The user message is on the timeline before SubmitText returns.
func (o *Orchestrator) SubmitText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrBusy
	}
	snap := o.cfg
	o.appendLocked(RoleUser, trimmed, nil)
	o.setStateLocked(StateAnswering)
	o.turn.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.turn.Done()
		start := time.Now()
		metrics := log.TurnMetrics{
			Mode:     string(snap.Mode),
			Language: snap.Language,
			Voice:    snap.AutoVoice,
		}
		turnMsgs := []Message{o.lastMessage()}
		turnMsgs = o.runAnswer(trimmed, snap, &metrics, turnMsgs)
		metrics.TotalMs = msSince(start)
		o.finishTurn(metrics, turnMsgs)
	}()
	return nil
}

// SubmitClip starts a voice turn from a finished recording. Transcription
// failures leave the timeline untouched.
func (o *Orchestrator) SubmitClip(clip recorder.Clip) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrBusy
	}
	snap := o.cfg
	o.setStateLocked(StateTranscribing)
	o.turn.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.turn.Done()
		start := time.Now()
		metrics := log.TurnMetrics{
			Mode:         string(snap.Mode),
			Language:     snap.Language,
			Voice:        snap.AutoVoice,
			AudioLengthS: clip.Duration.Seconds(),
			ClipKB:       clip.KB(),
		}

		tStart := time.Now()
		text, err := o.transcriber.Transcribe(context.Background(), clip.Data, clip.Format, STTLanguage(snap.Language))
		metrics.TranscribeMs = msSince(tStart)
		if err != nil {
			o.notifier.Errorf("%v", err)
			metrics.TotalMs = msSince(start)
			o.finishTurn(metrics, nil)
			return
		}

		userText := strings.TrimSpace(text)
		if userText == "" {
			userText = InaudibleText
		}
		o.mu.Lock()
		o.appendLocked(RoleUser, userText, nil)
		o.setStateLocked(StateAnswering)
		o.mu.Unlock()

		turnMsgs := []Message{o.lastMessage()}
		turnMsgs = o.runAnswer(userText, snap, &metrics, turnMsgs)
		metrics.TotalMs = msSince(start)
		o.finishTurn(metrics, turnMsgs)
	}()
	return nil
}

// Clear empties the timeline. Rejected while a turn is in flight.
func (o *Orchestrator) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return ErrBusy
	}
	o.timeline.clear()
	o.eachSink(func(s EventSink) { s.TimelineCleared() })
	log.Info("timeline cleared")
	return nil
}

// STTLanguage collapses the conversation language for transcription: the
// recognizer only distinguishes English from everything else.
func STTLanguage(language string) string {
	if language == "en" {
		return "en"
	}
	return "fr"
}

// runAnswer dispatches the question through the snapshotted mode, appends
// the assistant answer and, with autoVoice, the audio companion message.
func (o *Orchestrator) runAnswer(question string, snap Config, metrics *log.TurnMetrics, turnMsgs []Message) []Message {
	aStart := time.Now()
	var answer string
	var err error
	if snap.Mode == ModeFreeForm {
		answer, err = o.freeform.AskFreeForm(context.Background(), question)
	} else {
		answer, err = o.retrieval.AskRetrieval(context.Background(), question, snap.Language)
	}
	metrics.AnswerMs = msSince(aStart)
	if err != nil {
		o.notifier.Errorf("%v", err)
		return turnMsgs
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = NoAnswerText
	}
	o.mu.Lock()
	o.appendLocked(RoleAssistant, answer, nil)
	o.mu.Unlock()
	turnMsgs = append(turnMsgs, o.lastMessage())

	if !snap.AutoVoice {
		return turnMsgs
	}

	o.mu.Lock()
	o.setStateLocked(StateSynthesizing)
	o.mu.Unlock()

	sStart := time.Now()
	audio, err := o.synth.Speak(context.Background(), answer, snap.Voice)
	metrics.SynthesisMs = msSince(sStart)
	if err != nil {
		// The text answer stays; only the voice companion is lost.
		o.notifier.Errorf("%v", err)
		return turnMsgs
	}

	o.mu.Lock()
	o.appendLocked(RoleAssistant, AudioMarkerText, &Attachment{Data: audio, MIME: "audio/mpeg"})
	o.mu.Unlock()
	return append(turnMsgs, o.lastMessage())
}

func (o *Orchestrator) finishTurn(metrics log.TurnMetrics, turnMsgs []Message) {
	if len(turnMsgs) > 0 && o.history != nil {
		if err := o.history.RecordTurn(turnMsgs); err != nil {
			log.Errorf("record turn: %v", err)
		}
	}
	log.Turn(metrics)

	o.mu.Lock()
	o.setStateLocked(StateIdle)
	o.mu.Unlock()
}

// appendLocked stamps and appends a message. Timestamps never go backwards
// even if the wall clock does.
func (o *Orchestrator) appendLocked(role Role, text string, audio *Attachment) {
	ts := o.now()
	if ts.Before(o.lastTS) {
		ts = o.lastTS
	}
	o.lastTS = ts

	m := Message{
		ID:        o.newID(),
		Role:      role,
		Text:      text,
		Audio:     audio,
		Timestamp: ts,
	}
	o.timeline.Append(m)
	log.Exchange(string(role), text)
	o.eachSink(func(s EventSink) { s.MessageAppended(m) })
}

func (o *Orchestrator) lastMessage() Message {
	msgs := o.timeline.Messages()
	return msgs[len(msgs)-1]
}

func (o *Orchestrator) setStateLocked(s State) {
	o.state = s
	o.eachSink(func(sink EventSink) { sink.StateChanged(s) })
}

func (o *Orchestrator) eachSink(fn func(EventSink)) {
	o.sinkMu.RLock()
	defer o.sinkMu.RUnlock()
	for _, s := range o.sinks {
		fn(s)
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}

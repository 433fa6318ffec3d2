package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"goama/recorder"
)

type fakeBackend struct {
	mu sync.Mutex

	transcribeText string
	transcribeErr  error
	transcribeLang string
	transcribeFmt  string

	retrievalAnswer string
	retrievalErr    error
	retrievalQ      string
	retrievalLang   string
	retrievalCalls  int

	freeformAnswer string
	freeformErr    error
	freeformQ      string
	freeformCalls  int

	speakAudio []byte
	speakErr   error
	speakText  string
	speakVoice string
	speakCalls int

	// gate, when set, blocks the answer providers until released.
	gate chan struct{}
}

func (f *fakeBackend) Transcribe(_ context.Context, _ []byte, format, language string) (string, error) {
	f.mu.Lock()
	f.transcribeFmt = format
	f.transcribeLang = language
	f.mu.Unlock()
	return f.transcribeText, f.transcribeErr
}

func (f *fakeBackend) AskRetrieval(_ context.Context, question, language string) (string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.retrievalQ = question
	f.retrievalLang = language
	f.retrievalCalls++
	f.mu.Unlock()
	return f.retrievalAnswer, f.retrievalErr
}

func (f *fakeBackend) AskFreeForm(_ context.Context, question string) (string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.freeformQ = question
	f.freeformCalls++
	f.mu.Unlock()
	return f.freeformAnswer, f.freeformErr
}

func (f *fakeBackend) Speak(_ context.Context, text, voice string) ([]byte, error) {
	f.mu.Lock()
	f.speakText = text
	f.speakVoice = voice
	f.speakCalls++
	f.mu.Unlock()
	return f.speakAudio, f.speakErr
}

type fakeNotifier struct {
	mu       sync.Mutex
	errors   []string
	warnings []string
}

func (n *fakeNotifier) Errorf(format string, args ...any) {
	n.mu.Lock()
	n.errors = append(n.errors, fmt.Sprintf(format, args...))
	n.mu.Unlock()
}

func (n *fakeNotifier) Warnf(format string, args ...any) {
	n.mu.Lock()
	n.warnings = append(n.warnings, fmt.Sprintf(format, args...))
	n.mu.Unlock()
}

func (n *fakeNotifier) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errors)
}

type recordingSink struct {
	mu      sync.Mutex
	events  []string
	cleared int
}

func (s *recordingSink) MessageAppended(m Message) {
	s.mu.Lock()
	s.events = append(s.events, "msg:"+string(m.Role)+":"+m.Text)
	s.mu.Unlock()
}

func (s *recordingSink) StateChanged(st State) {
	s.mu.Lock()
	s.events = append(s.events, "state:"+st.String())
	s.mu.Unlock()
}

func (s *recordingSink) TimelineCleared() {
	s.mu.Lock()
	s.cleared++
	s.mu.Unlock()
}

type fakeHistory struct {
	mu    sync.Mutex
	turns [][]Message
}

func (h *fakeHistory) RecordTurn(msgs []Message) error {
	h.mu.Lock()
	h.turns = append(h.turns, msgs)
	h.mu.Unlock()
	return nil
}

func newTestOrchestrator(t *testing.T, backend *fakeBackend, cfg Config) (*Orchestrator, *fakeNotifier) {
	t.Helper()
	notifier := &fakeNotifier{}
	o, err := New(Options{
		Transcriber: backend,
		Retrieval:   backend,
		FreeForm:    backend,
		Synthesizer: backend,
		Notifier:    notifier,
		Config:      cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, notifier
}

func testClip() recorder.Clip {
	return recorder.Clip{
		Data:     []byte("RIFFxxxx"),
		Format:   "wav",
		Frames:   16000,
		Duration: time.Second,
	}
}

func TestSubmitTextAppendsUserBeforeAnswer(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "ok", gate: make(chan struct{})}
	o, _ := newTestOrchestrator(t, backend, Config{})

	if err := o.SubmitText("  bonjour  "); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	// The user message and the busy state are visible before the answer
	// provider has returned.
	msgs := o.Timeline().Messages()
	if len(msgs) != 1 {
		t.Fatalf("timeline = %d messages before answer", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Text != "bonjour" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if o.State() != StateAnswering {
		t.Errorf("state = %v", o.State())
	}

	close(backend.gate)
	o.Wait()

	msgs = o.Timeline().Messages()
	if len(msgs) != 2 {
		t.Fatalf("timeline = %d messages after answer", len(msgs))
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Text != "ok" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if o.State() != StateIdle {
		t.Errorf("final state = %v", o.State())
	}
}

func TestSubmitTextWhitespaceNoOp(t *testing.T) {
	backend := &fakeBackend{}
	o, _ := newTestOrchestrator(t, backend, Config{})

	if err := o.SubmitText("   \n\t "); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	o.Wait()
	if o.Timeline().Len() != 0 {
		t.Error("whitespace submission reached the timeline")
	}
	if backend.retrievalCalls != 0 {
		t.Error("whitespace submission reached the backend")
	}
}

func TestSubmitWhileBusyRejected(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "ok", gate: make(chan struct{})}
	o, _ := newTestOrchestrator(t, backend, Config{})

	if err := o.SubmitText("premier"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if err := o.SubmitText("deuxième"); !errors.Is(err, ErrBusy) {
		t.Errorf("second SubmitText = %v, want ErrBusy", err)
	}
	if err := o.SubmitClip(testClip()); !errors.Is(err, ErrBusy) {
		t.Errorf("SubmitClip = %v, want ErrBusy", err)
	}
	if err := o.Clear(); !errors.Is(err, ErrBusy) {
		t.Errorf("Clear = %v, want ErrBusy", err)
	}

	close(backend.gate)
	o.Wait()

	// The rejected submissions left no trace.
	if got := o.Timeline().Len(); got != 2 {
		t.Errorf("timeline = %d messages", got)
	}
	if backend.retrievalCalls != 1 {
		t.Errorf("retrieval calls = %d", backend.retrievalCalls)
	}
}

func TestRetrievalModeCarriesLanguage(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "réponse"}
	o, _ := newTestOrchestrator(t, backend, Config{Language: "moore", Mode: ModeRetrieval})

	o.SubmitText("quand semer ?")
	o.Wait()

	if backend.retrievalQ != "quand semer ?" || backend.retrievalLang != "moore" {
		t.Errorf("retrieval call = (%q, %q)", backend.retrievalQ, backend.retrievalLang)
	}
	if backend.freeformCalls != 0 {
		t.Error("free-form provider called in retrieval mode")
	}
}

func TestFreeFormModeOmitsLanguage(t *testing.T) {
	backend := &fakeBackend{freeformAnswer: "42"}
	o, _ := newTestOrchestrator(t, backend, Config{Language: "dioula", Mode: ModeFreeForm})

	o.SubmitText("combien ?")
	o.Wait()

	if backend.freeformQ != "combien ?" {
		t.Errorf("free-form question = %q", backend.freeformQ)
	}
	if backend.retrievalCalls != 0 {
		t.Error("retrieval provider called in free-form mode")
	}
}

func TestEmptyAnswerBecomesPlaceholder(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "   "}
	o, notifier := newTestOrchestrator(t, backend, Config{})

	o.SubmitText("question")
	o.Wait()

	msgs := o.Timeline().Messages()
	if len(msgs) != 2 || msgs[1].Text != NoAnswerText {
		t.Fatalf("timeline = %+v", msgs)
	}
	if notifier.errorCount() != 0 {
		t.Error("empty answer must not notify an error")
	}
}

func TestAnswerErrorNotifiesAndAppendsNothing(t *testing.T) {
	backend := &fakeBackend{retrievalErr: errors.New("backend indisponible")}
	o, notifier := newTestOrchestrator(t, backend, Config{})

	o.SubmitText("question")
	o.Wait()

	if got := o.Timeline().Len(); got != 1 {
		t.Errorf("timeline = %d messages, want only the user message", got)
	}
	if notifier.errorCount() != 1 {
		t.Errorf("notifications = %d", notifier.errorCount())
	}
	if !strings.Contains(notifier.errors[0], "backend indisponible") {
		t.Errorf("notification = %q", notifier.errors[0])
	}
	if o.State() != StateIdle {
		t.Errorf("state = %v", o.State())
	}
}

func TestAutoVoiceAppendsAudioCompanion(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "la fibre arrive", speakAudio: []byte{1, 2, 3}}
	o, _ := newTestOrchestrator(t, backend, Config{AutoVoice: true})

	o.SubmitText("la fibre ?")
	o.Wait()

	msgs := o.Timeline().Messages()
	if len(msgs) != 3 {
		t.Fatalf("timeline = %d messages", len(msgs))
	}
	audio := msgs[2]
	if audio.Role != RoleAssistant || audio.Text != AudioMarkerText {
		t.Errorf("audio message = %+v", audio)
	}
	if audio.Audio == nil || len(audio.Audio.Data) != 3 {
		t.Errorf("attachment = %+v", audio.Audio)
	}
	if backend.speakText != "la fibre arrive" || backend.speakVoice != DefaultVoice {
		t.Errorf("speak call = (%q, %q)", backend.speakText, backend.speakVoice)
	}
}

func TestAutoVoiceSpeaksPlaceholderAnswer(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "", speakAudio: []byte{9}}
	o, _ := newTestOrchestrator(t, backend, Config{AutoVoice: true})

	o.SubmitText("question")
	o.Wait()

	if backend.speakText != NoAnswerText {
		t.Errorf("spoken text = %q", backend.speakText)
	}
}

func TestSynthesisFailurePreservesAnswer(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "texte ok", speakErr: errors.New("synthèse en panne")}
	o, notifier := newTestOrchestrator(t, backend, Config{AutoVoice: true})

	o.SubmitText("question")
	o.Wait()

	msgs := o.Timeline().Messages()
	if len(msgs) != 2 {
		t.Fatalf("timeline = %d messages", len(msgs))
	}
	if msgs[1].Text != "texte ok" {
		t.Errorf("answer = %q", msgs[1].Text)
	}
	if notifier.errorCount() != 1 {
		t.Errorf("notifications = %d", notifier.errorCount())
	}
	if o.State() != StateIdle {
		t.Errorf("state = %v", o.State())
	}
}

func TestAutoVoiceOffSkipsSynthesis(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "ok"}
	o, _ := newTestOrchestrator(t, backend, Config{AutoVoice: false})

	o.SubmitText("question")
	o.Wait()

	if backend.speakCalls != 0 {
		t.Errorf("speak calls = %d", backend.speakCalls)
	}
}

func TestConfigSnapshotAtDispatch(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "ok", gate: make(chan struct{})}
	o, _ := newTestOrchestrator(t, backend, Config{Language: "fr", Mode: ModeRetrieval})

	o.SubmitText("question")
	if err := o.Configure(Config{Language: "en", Mode: ModeFreeForm}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	close(backend.gate)
	o.Wait()

	// The in-flight turn keeps its snapshot.
	if backend.retrievalLang != "fr" {
		t.Errorf("retrieval language = %q", backend.retrievalLang)
	}
	if backend.freeformCalls != 0 {
		t.Error("mode change leaked into the in-flight turn")
	}
}

func TestSubmitClipCollapsesLanguage(t *testing.T) {
	cases := []struct {
		language string
		want     string
	}{
		{"fr", "fr"},
		{"moore", "fr"},
		{"dioula", "fr"},
		{"fulfulde", "fr"},
		{"en", "en"},
	}
	for _, tc := range cases {
		backend := &fakeBackend{transcribeText: "texte", retrievalAnswer: "ok"}
		o, _ := newTestOrchestrator(t, backend, Config{Language: tc.language})
		if err := o.SubmitClip(testClip()); err != nil {
			t.Fatalf("%s: SubmitClip: %v", tc.language, err)
		}
		o.Wait()
		if backend.transcribeLang != tc.want {
			t.Errorf("%s: stt language = %q, want %q", tc.language, backend.transcribeLang, tc.want)
		}
		if backend.retrievalLang != tc.language {
			t.Errorf("%s: answer language = %q", tc.language, backend.retrievalLang)
		}
	}
}

func TestSubmitClipTranscriptionFailure(t *testing.T) {
	backend := &fakeBackend{transcribeErr: errors.New("transcribe: HTTP 500")}
	o, notifier := newTestOrchestrator(t, backend, Config{})

	if err := o.SubmitClip(testClip()); err != nil {
		t.Fatalf("SubmitClip: %v", err)
	}
	o.Wait()

	if o.Timeline().Len() != 0 {
		t.Error("failed transcription reached the timeline")
	}
	if notifier.errorCount() != 1 {
		t.Errorf("notifications = %d", notifier.errorCount())
	}
	if backend.retrievalCalls != 0 {
		t.Error("answer dispatched after failed transcription")
	}
	if o.State() != StateIdle {
		t.Errorf("state = %v", o.State())
	}
}

func TestSubmitClipEmptyTranscription(t *testing.T) {
	backend := &fakeBackend{transcribeText: "  ", retrievalAnswer: "ok"}
	o, _ := newTestOrchestrator(t, backend, Config{})

	o.SubmitClip(testClip())
	o.Wait()

	msgs := o.Timeline().Messages()
	if len(msgs) != 2 || msgs[0].Text != InaudibleText {
		t.Fatalf("timeline = %+v", msgs)
	}
	// The placeholder is still submitted as the question.
	if backend.retrievalQ != InaudibleText {
		t.Errorf("question = %q", backend.retrievalQ)
	}
}

func TestClearEmptiesTimeline(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "ok"}
	o, _ := newTestOrchestrator(t, backend, Config{})
	sink := &recordingSink{}
	o.AddSink(sink)

	o.SubmitText("question")
	o.Wait()
	if err := o.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if o.Timeline().Len() != 0 {
		t.Error("timeline not empty after Clear")
	}
	if sink.cleared != 1 {
		t.Errorf("cleared events = %d", sink.cleared)
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	backend := &fakeBackend{retrievalAnswer: "ok", speakAudio: []byte{1}}
	notifier := &fakeNotifier{}
	o, err := New(Options{
		Transcriber: backend,
		Retrieval:   backend,
		FreeForm:    backend,
		Synthesizer: backend,
		Notifier:    notifier,
		Config:      Config{AutoVoice: true},
		Now: func() time.Time {
			t := ticks[i%len(ticks)]
			i++
			return t
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o.SubmitText("question")
	o.Wait()

	msgs := o.Timeline().Messages()
	if len(msgs) != 3 {
		t.Fatalf("timeline = %d messages", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Errorf("timestamp %d (%v) before %d (%v)", i, msgs[i].Timestamp, i-1, msgs[i-1].Timestamp)
		}
	}
}

func TestEventOrdering(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "réponse", speakAudio: []byte{1}}
	o, _ := newTestOrchestrator(t, backend, Config{AutoVoice: true})
	sink := &recordingSink{}
	o.AddSink(sink)

	o.SubmitText("question")
	o.Wait()

	want := []string{
		"msg:user:question",
		"state:awaiting-answer",
		"msg:assistant:réponse",
		"state:awaiting-synthesis",
		"msg:assistant:" + AudioMarkerText,
		"state:idle",
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != len(want) {
		t.Fatalf("events = %v", sink.events)
	}
	for i, w := range want {
		if sink.events[i] != w {
			t.Errorf("event %d = %q, want %q", i, sink.events[i], w)
		}
	}
}

func TestHistoryRecordsCompletedTurn(t *testing.T) {
	backend := &fakeBackend{retrievalAnswer: "ok", speakAudio: []byte{1}}
	notifier := &fakeNotifier{}
	history := &fakeHistory{}
	o, err := New(Options{
		Transcriber: backend,
		Retrieval:   backend,
		FreeForm:    backend,
		Synthesizer: backend,
		Notifier:    notifier,
		History:     history,
		Config:      Config{AutoVoice: true},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o.SubmitText("question")
	o.Wait()

	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.turns) != 1 || len(history.turns[0]) != 3 {
		t.Fatalf("turns = %+v", history.turns)
	}
	if history.turns[0][0].Role != RoleUser || history.turns[0][1].Role != RoleAssistant {
		t.Errorf("turn roles = %v %v", history.turns[0][0].Role, history.turns[0][1].Role)
	}
}

// Full voice turn as an operator in mooré with voice replies enabled.
func TestVoiceTurnInMoore(t *testing.T) {
	backend := &fakeBackend{
		transcribeText:  "wend na kõ-d laafi",
		retrievalAnswer: "Laafi. Le réseau est stable à Ouahigouya.",
		speakAudio:      []byte{0xFF, 0xF3},
	}
	o, notifier := newTestOrchestrator(t, backend, Config{Language: "moore", Mode: ModeRetrieval, AutoVoice: true})

	if err := o.SubmitClip(testClip()); err != nil {
		t.Fatalf("SubmitClip: %v", err)
	}
	o.Wait()

	msgs := o.Timeline().Messages()
	if len(msgs) != 3 {
		t.Fatalf("timeline = %d messages", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Text != "wend na kõ-d laafi" {
		t.Errorf("user = %+v", msgs[0])
	}
	if msgs[1].Text != "Laafi. Le réseau est stable à Ouahigouya." {
		t.Errorf("assistant = %+v", msgs[1])
	}
	if msgs[2].Text != AudioMarkerText || msgs[2].Audio == nil {
		t.Errorf("audio companion = %+v", msgs[2])
	}
	if backend.transcribeLang != "fr" {
		t.Errorf("stt language = %q", backend.transcribeLang)
	}
	if notifier.errorCount() != 0 {
		t.Errorf("notifications = %v", notifier.errors)
	}
	if o.State() != StateIdle {
		t.Errorf("state = %v", o.State())
	}
}

// Text turn in free-form mode without voice, back to back with a second turn.
func TestConsecutiveTextTurns(t *testing.T) {
	backend := &fakeBackend{freeformAnswer: "première réponse"}
	o, _ := newTestOrchestrator(t, backend, Config{Mode: ModeFreeForm})

	o.SubmitText("première question")
	o.Wait()
	backend.freeformAnswer = "seconde réponse"
	if err := o.SubmitText("seconde question"); err != nil {
		t.Fatalf("second turn rejected: %v", err)
	}
	o.Wait()

	msgs := o.Timeline().Messages()
	if len(msgs) != 4 {
		t.Fatalf("timeline = %d messages", len(msgs))
	}
	order := []string{"première question", "première réponse", "seconde question", "seconde réponse"}
	for i, want := range order {
		if msgs[i].Text != want {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Text, want)
		}
	}
	if backend.freeformCalls != 2 {
		t.Errorf("free-form calls = %d", backend.freeformCalls)
	}
}

func TestConfigureValidates(t *testing.T) {
	backend := &fakeBackend{}
	o, _ := newTestOrchestrator(t, backend, Config{})

	if err := o.Configure(Config{Language: "de", Mode: ModeRetrieval}); err == nil {
		t.Error("unknown language accepted")
	}
	if err := o.Configure(Config{Language: "fr", Mode: "chat"}); err == nil {
		t.Error("unknown mode accepted")
	}
	if err := o.Configure(Config{Language: "fr", Mode: ModeFreeForm}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if got := o.Config().Voice; got != DefaultVoice {
		t.Errorf("voice defaulted to %q", got)
	}
}

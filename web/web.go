// Package web serves the browser console: one HTML page, a JSON API for
// actions, and a server-sent-events stream carrying timeline appends, state
// changes, audio levels and toasts.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/tmaxmax/go-sse"

	"goama/log"
	"goama/recorder"
	"goama/session"
	"goama/store"
)

//go:embed templates/*
var templateFS embed.FS

// Conversation is the slice of the orchestrator the handlers drive.
type Conversation interface {
	SubmitText(text string) error
	Clear() error
	State() session.State
	Config() session.Config
	Configure(cfg session.Config) error
	Timeline() *session.Timeline
}

// Recorder toggles microphone capture. The finished clip reaches the
// orchestrator through the recorder's own callback, not through here.
type Recorder interface {
	Start() error
	Stop() error
	Recording() bool
}

// Backend is the slice of the robot client the admin pages proxy to.
type Backend interface {
	Health(ctx context.Context) (json.RawMessage, error)
	Stats(ctx context.Context) (json.RawMessage, error)
	AdminMetrics(ctx context.Context) (json.RawMessage, error)
	Capabilities(ctx context.Context) (json.RawMessage, error)
	Salutations(ctx context.Context) (json.RawMessage, error)
	Restart(ctx context.Context) error
	DialogueSettings(ctx context.Context) (json.RawMessage, error)
	UpdateDialogueSettings(ctx context.Context, raw json.RawMessage) error
	NetworkSettings(ctx context.Context) (json.RawMessage, error)
	UpdateNetworkSettings(ctx context.Context, raw json.RawMessage) error
	AudioIndex(ctx context.Context) (json.RawMessage, error)
	UploadAudio(ctx context.Context, filename string, data []byte) (json.RawMessage, error)
	DeleteAudio(ctx context.Context, id string) error
	ConvertAudio(ctx context.Context, id string) (json.RawMessage, error)
}

// HistoryStore reads persisted sessions and caches settings documents.
type HistoryStore interface {
	Sessions() ([]store.SessionInfo, error)
	Messages(sessionID string) ([]store.StoredMessage, error)
	SaveSettings(kind string, raw json.RawMessage) error
	CachedSettings(kind string) (json.RawMessage, bool, error)
}

type Server struct {
	conv     Conversation
	recorder Recorder
	backend  Backend
	history  HistoryStore

	templates *template.Template
	sseSrv    *sse.Server
}

func NewServer(conv Conversation, rec Recorder, backend Backend, history HistoryStore) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Server{
		conv:      conv,
		recorder:  rec,
		backend:   backend,
		history:   history,
		templates: tmpl,
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic},
				}, true
			},
		},
	}, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleConsole)
	mux.Handle("GET /events", s.sseSrv)

	mux.HandleFunc("POST /api/submit", s.handleSubmit)
	mux.HandleFunc("POST /api/record/start", s.handleRecordStart)
	mux.HandleFunc("POST /api/record/stop", s.handleRecordStop)
	mux.HandleFunc("POST /api/clear", s.handleClear)
	mux.HandleFunc("GET /api/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handleSetConfig)
	mux.HandleFunc("GET /api/messages/{id}/audio", s.handleMessageAudio)

	mux.HandleFunc("GET /api/history", s.handleHistoryList)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistoryMessages)

	mux.HandleFunc("GET /api/settings/{kind}", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings/{kind}", s.handlePutSettings)

	mux.HandleFunc("GET /api/backend/health", s.proxyJSON(func(ctx context.Context) (json.RawMessage, error) { return s.backend.Health(ctx) }))
	mux.HandleFunc("GET /api/backend/stats", s.proxyJSON(func(ctx context.Context) (json.RawMessage, error) { return s.backend.Stats(ctx) }))
	mux.HandleFunc("GET /api/backend/metrics", s.proxyJSON(func(ctx context.Context) (json.RawMessage, error) { return s.backend.AdminMetrics(ctx) }))
	mux.HandleFunc("GET /api/backend/capabilities", s.proxyJSON(func(ctx context.Context) (json.RawMessage, error) { return s.backend.Capabilities(ctx) }))
	mux.HandleFunc("GET /api/backend/salutations", s.proxyJSON(func(ctx context.Context) (json.RawMessage, error) { return s.backend.Salutations(ctx) }))
	mux.HandleFunc("POST /api/backend/restart", s.handleRestart)

	mux.HandleFunc("GET /api/audio", s.proxyJSON(func(ctx context.Context) (json.RawMessage, error) { return s.backend.AudioIndex(ctx) }))
	mux.HandleFunc("POST /api/audio", s.handleAudioUpload)
	mux.HandleFunc("DELETE /api/audio/{id}", s.handleAudioDelete)
	mux.HandleFunc("POST /api/audio/{id}/convert", s.handleAudioConvert)

	return mux
}

// Shutdown closes the SSE stream and waits briefly for clients to drop.
func (s *Server) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	e.AppendData("bye")
	_ = s.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.sseSrv.Shutdown(ctx)
}

type consolePageData struct {
	Messages  []session.Message
	Config    session.Config
	State     string
	Recording bool
	Languages []string
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	data := consolePageData{
		Messages:  s.conv.Timeline().Messages(),
		Config:    s.conv.Config(),
		State:     s.conv.State().String(),
		Recording: s.recorder.Recording(),
		Languages: session.Languages,
	}
	if err := s.templates.ExecuteTemplate(w, "console.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.conv.SubmitText(body.Text); err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, map[string]string{"state": s.conv.State().String()})
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.Start(); err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"recording": true})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	err := s.recorder.Stop()
	if err != nil && !errors.Is(err, recorder.ErrNotRecording) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"recording": false})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.conv.Clear(); err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "cleared"})
}

type timelineMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	HasAudio  bool      `json:"has_audio,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func toTimelineMessage(m session.Message) timelineMessage {
	return timelineMessage{
		ID:        m.ID.String(),
		Role:      string(m.Role),
		Text:      m.Text,
		HasAudio:  m.Audio != nil,
		Timestamp: m.Timestamp,
	}
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	msgs := s.conv.Timeline().Messages()
	out := make([]timelineMessage, len(msgs))
	for i, m := range msgs {
		out[i] = toTimelineMessage(m)
	}
	writeJSON(w, out)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"state":     s.conv.State().String(),
		"recording": s.recorder.Recording(),
	})
}

type configBody struct {
	Language   string `json:"language"`
	Mode       string `json:"mode"`
	AutoVoice  bool   `json:"auto_voice"`
	Voice      string `json:"voice"`
	Fullscreen bool   `json:"fullscreen"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.conv.Config()
	writeJSON(w, configBody{
		Language:   cfg.Language,
		Mode:       string(cfg.Mode),
		AutoVoice:  cfg.AutoVoice,
		Voice:      cfg.Voice,
		Fullscreen: cfg.Fullscreen,
	})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var body configBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	err := s.conv.Configure(session.Config{
		Language:   body.Language,
		Mode:       session.Mode(body.Mode),
		AutoVoice:  body.AutoVoice,
		Voice:      body.Voice,
		Fullscreen: body.Fullscreen,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.handleGetConfig(w, r)
}

// handleMessageAudio streams a synthesized attachment so the page can play
// the audio companion messages.
func (s *Server) handleMessageAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, m := range s.conv.Timeline().Messages() {
		if m.ID.String() == id {
			if m.Audio == nil {
				http.Error(w, "message has no audio", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", m.Audio.MIME)
			w.Write(m.Audio.Data)
			return
		}
	}
	http.Error(w, "unknown message", http.StatusNotFound)
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.history.Sessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []store.SessionInfo{}
	}
	writeJSON(w, infos)
}

func (s *Server) handleHistoryMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.history.Messages(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []store.StoredMessage{}
	}
	writeJSON(w, msgs)
}

func settingsKind(r *http.Request) (string, bool) {
	kind := r.PathValue("kind")
	return kind, kind == "dialogue" || kind == "network"
}

// handleGetSettings serves the backend's settings document, falling back to
// the last cached copy when the backend is unreachable. The fallback is
// flagged so the page can warn the operator the values may be stale.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	kind, ok := settingsKind(r)
	if !ok {
		http.Error(w, "unknown settings kind", http.StatusNotFound)
		return
	}
	fetch := s.backend.DialogueSettings
	if kind == "network" {
		fetch = s.backend.NetworkSettings
	}

	raw, err := fetch(r.Context())
	if err == nil {
		if saveErr := s.history.SaveSettings(kind, raw); saveErr != nil {
			log.Errorf("cache %s settings: %v", kind, saveErr)
		}
		writeJSON(w, map[string]any{"settings": raw, "fallback": false})
		return
	}

	cached, ok, cacheErr := s.history.CachedSettings(kind)
	if cacheErr != nil || !ok {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	log.Warnf("serving cached %s settings: %v", kind, err)
	writeJSON(w, map[string]any{"settings": cached, "fallback": true})
}

// handlePutSettings writes backend-first, then refreshes the local copy.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	kind, ok := settingsKind(r)
	if !ok {
		http.Error(w, "unknown settings kind", http.StatusNotFound)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(raw) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	update := s.backend.UpdateDialogueSettings
	if kind == "network" {
		update = s.backend.UpdateNetworkSettings
	}
	if err := update(r.Context(), raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := s.history.SaveSettings(kind, raw); err != nil {
		log.Errorf("cache %s settings: %v", kind, err)
	}
	writeJSON(w, map[string]string{"status": "saved"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Restart(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "restarting"})
}

func (s *Server) handleAudioUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	raw, err := s.backend.UploadAudio(r.Context(), header.Filename, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, raw)
}

func (s *Server) handleAudioDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeleteAudio(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleAudioConvert(w http.ResponseWriter, r *http.Request) {
	raw, err := s.backend.ConvertAudio(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, raw)
}

func (s *Server) proxyJSON(fetch func(context.Context) (json.RawMessage, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := fetch(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, raw)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("write response: %v", err)
	}
}

// writeSubmitError maps rejections to statuses the page understands: busy
// turns and double-starts are 409, a missing microphone is 503.
func writeSubmitError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var devErr *recorder.DeviceUnavailableError
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, recorder.ErrAlreadyRecording):
		status = http.StatusConflict
	case errors.As(err, &devErr):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

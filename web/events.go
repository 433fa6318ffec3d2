package web

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/tmaxmax/go-sse"

	"goama/log"
	"goama/notify"
	"goama/session"
)

// Event types pushed on the stream. The page switches on these.
var (
	messageSSEType   = sse.Type("message")
	stateSSEType     = sse.Type("state")
	clearedSSEType   = sse.Type("cleared")
	toastSSEType     = sse.Type("toast")
	levelSSEType     = sse.Type("level")
	recordingSSEType = sse.Type("recording")
)

// Events adapts the SSE server to the session, notify and recorder sink
// interfaces. Publishing never blocks the caller; go-sse buffers per client.
type Events struct {
	srv *sse.Server
}

func (s *Server) Events() *Events { return &Events{srv: s.sseSrv} }

func (e *Events) publish(typ sse.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("marshal %s event: %v", typ, err)
		return
	}
	msg := &sse.Message{Type: typ}
	msg.AppendData(string(data))
	if err := e.srv.Publish(msg); err != nil {
		log.Errorf("publish %s event: %v", typ, err)
	}
}

// session.EventSink

func (e *Events) MessageAppended(m session.Message) {
	e.publish(messageSSEType, toTimelineMessage(m))
}

func (e *Events) StateChanged(st session.State) {
	e.publish(stateSSEType, map[string]string{"state": st.String()})
}

func (e *Events) TimelineCleared() {
	e.publish(clearedSSEType, map[string]string{"status": "cleared"})
}

// notify.Sink

func (e *Events) Toast(t notify.Toast) {
	e.publish(toastSSEType, t)
}

// recorder.Sink

func (e *Events) RecordingStarted(device string) {
	e.publish(recordingSSEType, map[string]any{"recording": true, "device": device})
}

func (e *Events) RecordingStopped() {
	e.publish(recordingSSEType, map[string]any{"recording": false})
}

func (e *Events) RecordingTick(elapsed time.Duration) {
	e.publish(recordingSSEType, map[string]any{
		"recording": true,
		"elapsed":   strconv.FormatFloat(elapsed.Seconds(), 'f', 1, 64),
	})
}

func (e *Events) Level(rms float64) {
	e.publish(levelSSEType, map[string]float64{"rms": rms})
}

func (e *Events) NoVoiceWarning() {
	e.publish(toastSSEType, map[string]string{"level": "warning", "message": "Aucune voix détectée"})
}

func (e *Events) VoiceCleared() {
	e.publish(toastSSEType, map[string]string{"level": "info", "message": "Voix détectée"})
}

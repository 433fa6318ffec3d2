package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"goama/notify"
	"goama/session"
)

// Messages pushed into the TUI from the session, notify and recorder sinks.
type timelineMsg struct{ m session.Message }
type stateMsg struct{ s session.State }
type clearedMsg struct{}
type toastMsg struct{ t notify.Toast }
type levelMsg struct{ rms float64 }
type recordingMsg struct {
	recording bool
	device    string
}
type recordingTickMsg struct{ elapsed time.Duration }

var (
	styleHeader    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	styleStatus    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleUser      = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	styleAssistant = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	styleRecording = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleToastErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleToastWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	styleToastInfo = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	styleMeter     = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	styleInput     = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
)

type conversation interface {
	SubmitText(text string) error
	Clear() error
	Config() session.Config
	Timeline() *session.Timeline
}

type recordControl interface {
	Start() error
	Stop() error
	Recording() bool
}

type tuiModel struct {
	conv conversation
	rec  recordControl

	messages []session.Message
	input    string
	state    session.State

	recording  bool
	device     string
	recElapsed float64
	level      float64

	toast      string
	toastLevel notify.Level

	width, height int
}

func newTUIModel(conv conversation, rec recordControl) tuiModel {
	return tuiModel{
		conv:     conv,
		rec:      rec,
		messages: conv.Timeline().Messages(),
	}
}

// NewTUIProgram builds the terminal view. Register the program's sink on the
// orchestrator, notify center and recorder before starting it.
func NewTUIProgram(conv conversation, rec recordControl) *tea.Program {
	return tea.NewProgram(newTUIModel(conv, rec), tea.WithAltScreen())
}

// tuiSink forwards session, toast and recorder events into the program.
type tuiSink struct{ p *tea.Program }

func NewTUISink(p *tea.Program) *tuiSink { return &tuiSink{p: p} }

func (s *tuiSink) MessageAppended(m session.Message) { s.p.Send(timelineMsg{m: m}) }
func (s *tuiSink) StateChanged(st session.State)     { s.p.Send(stateMsg{s: st}) }
func (s *tuiSink) TimelineCleared()                  { s.p.Send(clearedMsg{}) }
func (s *tuiSink) Toast(t notify.Toast)              { s.p.Send(toastMsg{t: t}) }
func (s *tuiSink) RecordingStarted(device string) {
	s.p.Send(recordingMsg{recording: true, device: device})
}
func (s *tuiSink) RecordingStopped()                   { s.p.Send(recordingMsg{recording: false}) }
func (s *tuiSink) RecordingTick(elapsed time.Duration) { s.p.Send(recordingTickMsg{elapsed: elapsed}) }
func (s *tuiSink) Level(rms float64)                   { s.p.Send(levelMsg{rms: rms}) }
func (s *tuiSink) NoVoiceWarning() {
	s.p.Send(toastMsg{t: notify.Toast{Level: notify.LevelWarn, Message: "Aucune voix détectée"}})
}
func (s *tuiSink) VoiceCleared() {
	s.p.Send(toastMsg{t: notify.Toast{Level: notify.LevelInfo, Message: "Voix détectée"}})
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case timelineMsg:
		m.messages = append(m.messages, msg.m)

	case stateMsg:
		m.state = msg.s

	case clearedMsg:
		m.messages = nil

	case toastMsg:
		m.toast = msg.t.Message
		m.toastLevel = msg.t.Level

	case recordingMsg:
		m.recording = msg.recording
		m.device = msg.device
		if !msg.recording {
			m.level = 0
			m.recElapsed = 0
		}

	case recordingTickMsg:
		m.recElapsed = msg.elapsed.Seconds()

	case levelMsg:
		// Smoothed so the meter does not flicker.
		m.level = m.level*0.6 + msg.rms*0.4
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit

	case "enter":
		if err := m.conv.SubmitText(m.input); err != nil {
			m.toast = err.Error()
			m.toastLevel = notify.LevelWarn
			return m, nil
		}
		m.input = ""

	case "ctrl+r":
		var err error
		if m.rec.Recording() {
			err = m.rec.Stop()
		} else {
			err = m.rec.Start()
		}
		if err != nil {
			m.toast = err.Error()
			m.toastLevel = notify.LevelError
		}

	case "ctrl+l":
		if err := m.conv.Clear(); err != nil {
			m.toast = err.Error()
			m.toastLevel = notify.LevelWarn
		}

	case "ctrl+y":
		if text, ok := lastAnswer(m.messages); ok {
			if err := clipboard.WriteAll(text); err != nil {
				m.toast = fmt.Sprintf("presse-papiers: %v", err)
				m.toastLevel = notify.LevelError
			} else {
				m.toast = "Réponse copiée"
				m.toastLevel = notify.LevelInfo
			}
		}

	case "backspace":
		if len(m.input) > 0 {
			runes := []rune(m.input)
			m.input = string(runes[:len(runes)-1])
		}

	default:
		if msg.Type == tea.KeyRunes {
			m.input += string(msg.Runes)
		} else if msg.Type == tea.KeySpace {
			m.input += " "
		}
	}
	return m, nil
}

// lastAnswer returns the most recent assistant text, skipping the audio
// marker messages.
func lastAnswer(msgs []session.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant && msgs[i].Text != session.AudioMarkerText {
			return msgs[i].Text, true
		}
	}
	return "", false
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Chargement..."
	}

	var b strings.Builder
	b.WriteString(styleHeader.Render("goama — Assistant Orange"))
	b.WriteString("\n")
	b.WriteString(styleStatus.Render(m.statusLine()))
	b.WriteString("\n\n")

	// Leave room for header, status, meter, input and toast.
	visible := m.height - 7
	if visible < 1 {
		visible = 1
	}
	msgs := m.messages
	if len(msgs) > visible {
		msgs = msgs[len(msgs)-visible:]
	}
	for _, msg := range msgs {
		b.WriteString(renderMessage(msg, m.width))
		b.WriteString("\n")
	}
	for i := len(msgs); i < visible; i++ {
		b.WriteString("\n")
	}

	b.WriteString(m.meterLine())
	b.WriteString("\n")
	b.WriteString(styleInput.Render("> " + m.input + "█"))
	b.WriteString("\n")
	b.WriteString(m.toastLine())
	return b.String()
}

func (m tuiModel) statusLine() string {
	cfg := m.conv.Config()
	voice := "voix off"
	if cfg.AutoVoice {
		voice = "voix on"
	}
	parts := []string{
		"mode " + string(cfg.Mode),
		"langue " + cfg.Language,
		voice,
		m.state.String(),
	}
	line := strings.Join(parts, " | ")
	if m.recording {
		rec := fmt.Sprintf("● REC %.1fs", m.recElapsed)
		if m.device != "" {
			rec += " (" + m.device + ")"
		}
		line += "  " + styleRecording.Render(rec)
	}
	return line
}

func (m tuiModel) meterLine() string {
	width := 30
	filled := int(m.level * float64(width) * 3)
	if filled > width {
		filled = width
	}
	return styleMeter.Render("[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]")
}

func (m tuiModel) toastLine() string {
	if m.toast == "" {
		return ""
	}
	switch m.toastLevel {
	case notify.LevelError:
		return styleToastErr.Render(m.toast)
	case notify.LevelWarn:
		return styleToastWarn.Render(m.toast)
	}
	return styleToastInfo.Render(m.toast)
}

func renderMessage(msg session.Message, width int) string {
	prefix := "robot  "
	style := styleAssistant
	if msg.Role == session.RoleUser {
		prefix = "vous   "
		style = styleUser
	}
	text := msg.Text
	max := width - len(prefix) - 1
	if max > 0 && len([]rune(text)) > max {
		text = string([]rune(text)[:max-1]) + "…"
	}
	return style.Render(prefix + text)
}

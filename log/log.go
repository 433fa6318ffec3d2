package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog      zerolog.Logger
	diagFile     *os.File
	exchangeFile *os.File
	logMu        sync.Mutex
	logReady     bool
	pid          int
	dir          string
)

// TurnMetrics captures the latency breakdown of one completed
// conversation turn.
type TurnMetrics struct {
	Mode         string
	Language     string
	Voice        bool
	AudioLengthS float64
	ClipKB       float64
	TranscribeMs float64
	AnswerMs     float64
	SynthesisMs  float64
	TotalMs      float64
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: GOAMA_LOG_PATH environment variable
	envPath := os.Getenv("GOAMA_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	exchangePath := filepath.Join(dir, "conversation_log.txt")
	exchangeFile, err = os.OpenFile(exchangePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if exchangeFile != nil {
		exchangeFile.Close()
		exchangeFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Turn records the structured timing of one completed turn.
func Turn(m TurnMetrics) {
	if !logReady {
		return
	}

	diagLog.Info().
		Str("mode", m.Mode).
		Str("language", m.Language).
		Bool("voice", m.Voice).
		Float64("audio_s", m.AudioLengthS).
		Float64("clip_kb", m.ClipKB).
		Float64("transcribe_ms", m.TranscribeMs).
		Float64("answer_ms", m.AnswerMs).
		Float64("synthesis_ms", m.SynthesisMs).
		Float64("total_ms", m.TotalMs).
		Msg("turn")
}

// Backend records one boundary call against the robot backend.
func Backend(op string, status int, totalMs, ttfbMs float64, connReused bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("op", op).
		Int("status", status).
		Float64("total_ms", totalMs).
		Float64("ttfb_ms", ttfbMs).
		Bool("conn_reused", connReused).
		Msg("backend_call")
}

// Exchange appends one line per timeline entry to the conversation log,
// mirroring what the operator saw in the console.
func Exchange(role, text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, role, text)
	exchangeFile.WriteString(line)
}

func SessionStart(backend, mode, language string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("backend", backend).
		Str("mode", mode).
		Str("language", language).
		Msg("session_start")
}

func SessionEnd(turns int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("turns", turns).
		Msg("session_end")
}

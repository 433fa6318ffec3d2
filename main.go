// goama is the admin console for the Orange assistant robot: a live
// voice/text conversation session served to the browser, with an optional
// terminal view.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"goama/audio"
	"goama/config"
	"goama/doctor"
	"goama/encoder"
	"goama/llm"
	"goama/log"
	"goama/notify"
	"goama/recorder"
	"goama/robot"
	"goama/session"
	"goama/shutdown"
	"goama/store"
	"goama/web"
)

var version = "dev"

func main() {
	configFlag := flag.String("config", "goama.yaml", "Configuration file path")
	backendFlag := flag.String("backend", "", "Robot backend base URL (overrides config)")
	addrFlag := flag.String("addr", "", "Console listen address (overrides config)")
	langFlag := flag.String("lang", "", "Conversation language: fr, moore, dioula, fulfulde, en")
	modeFlag := flag.String("mode", "", "Answer mode: rag or llm")
	voiceFlag := flag.String("voice", "", "Synthesis voice id")
	formatFlag := flag.String("format", "", "Clip format: wav or flac")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device interactively")
	logPathFlag := flag.String("logpath", "", "Log directory path (default: OS-specific location, use ./ for current dir)")
	storeFlag := flag.String("store", "", "History database path (overrides config)")
	tuiFlag := flag.Bool("tui", false, "Run with terminal view")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060)")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("goama %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(&cfg, *backendFlag, *addrFlag, *langFlag, *modeFlag, *voiceFlag, *formatFlag, *deviceFlag, *storeFlag)

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if *doctorFlag {
		os.Exit(doctor.Run(cfg.BackendURL))
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
	}

	if err := run(cfg, *setupFlag, *tuiFlag); err != nil {
		log.Errorf("%v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// applyFlagOverrides lets flags win over the YAML file for the fields the
// teacher tool traditionally exposes on the command line.
func applyFlagOverrides(cfg *config.Config, backend, addr, lang, mode, voice, format, device, storePath string) {
	if backend != "" {
		cfg.BackendURL = backend
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}
	if lang != "" {
		cfg.Language = lang
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if voice != "" {
		cfg.Voice = voice
	}
	if format != "" {
		cfg.ClipFormat = format
	}
	if device != "" {
		cfg.Device = device
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
}

func run(cfg config.Config, setup, withTUI bool) error {
	storePath := cfg.StorePath
	if storePath == "" {
		storePath = filepath.Join(log.Dir(), "goama.db")
	}
	st, err := store.Open(storePath)
	if err != nil {
		return err
	}
	defer st.Close()

	client := robot.NewClient(cfg.BackendURL)

	var freeform session.FreeFormProvider = client
	if cfg.FreeFormProvider == config.ProviderOpenAI {
		provider, err := llm.NewOpenAI(cfg.LLM)
		if err != nil {
			return err
		}
		freeform = provider
	}

	center := notify.NewCenter(notify.NewSequence())

	sessionID := uuid.NewString()
	orch, err := session.New(session.Options{
		Transcriber: client,
		Retrieval:   client,
		FreeForm:    freeform,
		Synthesizer: client,
		Notifier:    center,
		History:     st.History(sessionID),
		Config:      cfg.Session(),
	})
	if err != nil {
		return err
	}
	log.SessionStart(cfg.BackendURL, cfg.Mode, cfg.Language)

	recSinks := &multiSink{}
	ctrl, micErr := buildRecorder(cfg, setup, orch, recSinks)
	if micErr != nil {
		// The console still runs for text turns.
		log.Warnf("microphone unavailable: %v", micErr)
	}
	var rec web.Recorder = ctrl
	if ctrl == nil {
		rec = &noMicRecorder{err: micErr}
	}

	srv, err := web.NewServer(orch, rec, client, st)
	if err != nil {
		return err
	}
	events := srv.Events()
	orch.AddSink(events)
	center.AddSink(events)
	recSinks.add(events)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Routes()}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("console listening on http://" + cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	shutdown.Notify(sig)

	if withTUI {
		program := NewTUIProgram(orch, rec)
		sink := NewTUISink(program)
		orch.AddSink(sink)
		center.AddSink(sink)
		recSinks.add(sink)

		done := make(chan error, 1)
		go func() {
			_, err := program.Run()
			done <- err
		}()
		select {
		case err := <-done:
			if err != nil {
				log.Errorf("terminal view: %v", err)
			}
		case <-sig:
			program.Quit()
			<-done
		case err := <-httpErr:
			program.Quit()
			<-done
			return err
		}
	} else {
		fmt.Printf("goama %s — console on http://%s (Ctrl+C to stop)\n", version, cfg.ListenAddr)
		select {
		case <-sig:
		case err := <-httpErr:
			return err
		}
	}

	return stop(httpSrv, srv, orch, ctrl)
}

// buildRecorder acquires the audio stack. sinks stays registered even when
// parts are added after construction.
func buildRecorder(cfg config.Config, setup bool, orch *session.Orchestrator, sinks *multiSink) (*recorder.Controller, error) {
	audioCtx, err := audio.NewContext()
	if err != nil {
		return nil, err
	}

	var device *audio.DeviceInfo
	if setup {
		device, err = audio.SelectDevice(audioCtx)
		if err != nil {
			audioCtx.Close()
			return nil, err
		}
	} else if cfg.Device != "" {
		device, err = findDevice(audioCtx, cfg.Device)
		if err != nil {
			audioCtx.Close()
			return nil, err
		}
	}
	if device != nil && audio.IsBluetooth(device.Name) {
		log.Warn("bluetooth microphone selected, transcription quality may suffer")
	}

	capture, err := audioCtx.NewCapture(device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		audioCtx.Close()
		return nil, err
	}

	detector, err := recorder.NewVAD()
	if err != nil {
		log.Warnf("voice detection disabled: %v", err)
		detector = nil
	}

	return recorder.New(capture, recorder.Config{
		Format:   cfg.ClipFormat,
		Sink:     sinks,
		Detector: detector,
		OnClip: func(clip recorder.Clip) {
			if err := orch.SubmitClip(clip); err != nil {
				log.Warnf("clip dropped: %v", err)
			}
		},
	})
}

func findDevice(ctx audio.Context, name string) (*audio.DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if strings.EqualFold(devices[i].Name, name) {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), strings.ToLower(name)) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no capture device matches %q", name)
}

func stop(httpSrv *http.Server, srv *web.Server, orch *session.Orchestrator, ctrl *recorder.Controller) error {
	if ctrl != nil && ctrl.Recording() {
		if err := ctrl.Stop(); err != nil {
			log.Errorf("stop recording: %v", err)
		}
	}
	orch.Wait()
	log.SessionEnd(orch.Timeline().Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("close event stream: %v", err)
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	log.Close()
	return nil
}

// noMicRecorder stands in when audio initialization failed so the web
// handlers still have something to reject record requests with.
type noMicRecorder struct{ err error }

func (r *noMicRecorder) Start() error {
	return &recorder.DeviceUnavailableError{Err: r.err}
}

func (r *noMicRecorder) Stop() error     { return nil }
func (r *noMicRecorder) Recording() bool { return false }

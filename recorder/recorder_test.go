package recorder

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"goama/audio"
	"goama/encoder"
)

type captureSink struct {
	mu       sync.Mutex
	started  int
	stopped  int
	levels   int
	warnings int
}

func (s *captureSink) RecordingStarted(string) {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}

func (s *captureSink) RecordingStopped() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

func (s *captureSink) RecordingTick(time.Duration) {}

func (s *captureSink) Level(float64) {
	s.mu.Lock()
	s.levels++
	s.mu.Unlock()
}

func (s *captureSink) NoVoiceWarning() {
	s.mu.Lock()
	s.warnings++
	s.mu.Unlock()
}

func (s *captureSink) VoiceCleared() {}

func pcmChunk(frames int) []byte {
	data := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16((i%300)*40))
	}
	return data
}

func newTestController(t *testing.T, onClip func(Clip)) (*Controller, *audio.FakeCapture, *captureSink) {
	t.Helper()
	ctx := audio.NewFakeContext()
	capture, err := ctx.NewCapture(nil, audio.CaptureConfig{
		SampleRate: encoder.SampleRate, Channels: encoder.Channels,
	})
	if err != nil {
		t.Fatal(err)
	}
	sink := &captureSink{}
	ctrl, err := New(capture, Config{Format: "wav", OnClip: onClip, Sink: sink})
	if err != nil {
		t.Fatal(err)
	}
	return ctrl, capture.(*audio.FakeCapture), sink
}

func TestStartStopProducesClip(t *testing.T) {
	var clips []Clip
	ctrl, capture, sink := newTestController(t, func(c Clip) { clips = append(clips, c) })

	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ctrl.Recording() {
		t.Fatal("controller should be recording after Start")
	}

	// half a second of audio, in uneven chunks
	for i := 0; i < 10; i++ {
		capture.Emit(pcmChunk(800))
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ctrl.Recording() {
		t.Fatal("controller should be idle after Stop")
	}
	if capture.Running() {
		t.Fatal("capture device still hot after Stop")
	}

	if len(clips) != 1 {
		t.Fatalf("expected 1 clip, got %d", len(clips))
	}
	clip := clips[0]
	if clip.Format != "wav" {
		t.Errorf("Format = %q, want wav", clip.Format)
	}
	if clip.Frames != 8000 {
		t.Errorf("Frames = %d, want 8000", clip.Frames)
	}
	if clip.Duration != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", clip.Duration)
	}
	if len(clip.Data) != encoder.HeaderSize+8000*2 {
		t.Errorf("clip size = %d, want %d", len(clip.Data), encoder.HeaderSize+8000*2)
	}
	if sink.started != 1 || sink.stopped != 1 {
		t.Errorf("sink events started=%d stopped=%d, want 1/1", sink.started, sink.stopped)
	}
	if sink.levels == 0 {
		t.Error("expected level events during capture")
	}
}

func TestDoubleStartRejected(t *testing.T) {
	ctrl, capture, _ := newTestController(t, nil)

	if err := ctrl.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := ctrl.Start(); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start = %v, want ErrAlreadyRecording", err)
	}
	if capture.StartCount() != 1 {
		t.Errorf("device started %d times, want 1", capture.StartCount())
	}
	ctrl.Stop()
}

func TestStopWhileIdle(t *testing.T) {
	ctrl, capture, _ := newTestController(t, nil)
	if err := ctrl.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Stop while idle = %v, want ErrNotRecording", err)
	}
	if capture.StopCount() != 0 {
		t.Error("idle Stop must not touch the device")
	}
}

func TestStartDeviceUnavailable(t *testing.T) {
	ctx := audio.NewFakeContext()
	ctx.StartErr = audio.ErrStart
	capture, err := ctx.NewCapture(nil, audio.CaptureConfig{})
	if err != nil {
		t.Fatal(err)
	}
	ctrl, err := New(capture, Config{Format: "wav"})
	if err != nil {
		t.Fatal(err)
	}

	err = ctrl.Start()
	var devErr *DeviceUnavailableError
	if !errors.As(err, &devErr) {
		t.Fatalf("Start = %v, want DeviceUnavailableError", err)
	}
	if ctrl.Recording() {
		t.Fatal("controller must stay idle after failed acquisition")
	}

	// Controller recovers once the device works again
	ctx.StartErr = nil
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start after recovery: %v", err)
	}
	ctrl.Stop()
}

func TestShortClipDropped(t *testing.T) {
	var clips []Clip
	ctrl, capture, _ := newTestController(t, func(c Clip) { clips = append(clips, c) })

	if err := ctrl.Start(); err != nil {
		t.Fatal(err)
	}
	capture.Emit(pcmChunk(100)) // ~6ms, below the 100ms floor
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(clips) != 0 {
		t.Fatalf("expected short clip to be dropped, got %d clips", len(clips))
	}
	if capture.Running() {
		t.Fatal("device must be released even when the clip is dropped")
	}
}

func TestFlacClip(t *testing.T) {
	ctx := audio.NewFakeContext()
	capture, err := ctx.NewCapture(nil, audio.CaptureConfig{})
	if err != nil {
		t.Fatal(err)
	}
	var clips []Clip
	ctrl, err := New(capture, Config{Format: "flac", OnClip: func(c Clip) { clips = append(clips, c) }})
	if err != nil {
		t.Fatal(err)
	}

	if err := ctrl.Start(); err != nil {
		t.Fatal(err)
	}
	fake := capture.(*audio.FakeCapture)
	for i := 0; i < 8; i++ {
		fake.Emit(pcmChunk(encoder.BlockSize))
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(clips) != 1 {
		t.Fatalf("expected 1 clip, got %d", len(clips))
	}
	if got := clips[0].Data; len(got) < 4 || string(got[:4]) != "fLaC" {
		t.Error("flac clip missing magic")
	}
}

func TestUnknownFormat(t *testing.T) {
	ctx := audio.NewFakeContext()
	capture, _ := ctx.NewCapture(nil, audio.CaptureConfig{})
	if _, err := New(capture, Config{Format: "ogg"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

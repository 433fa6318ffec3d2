package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"goama/audio"
	"goama/encoder"
)

var (
	// ErrAlreadyRecording is returned when Start is called while a
	// recording is open. The second acquisition is rejected, never queued.
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNotRecording is returned by Stop when no recording is open.
	ErrNotRecording = errors.New("no recording in progress")
)

// DeviceUnavailableError wraps a microphone acquisition failure so callers
// can distinguish it from turn-scoped transcription failures.
type DeviceUnavailableError struct {
	Err error
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("micro indisponible: %v", e.Err)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// Clip is a finalized, immutable audio recording.
type Clip struct {
	Data     []byte
	Format   string // "wav" or "flac"
	Frames   uint64
	Duration time.Duration
}

// KB reports the encoded clip size in kilobytes.
func (c Clip) KB() float64 { return float64(len(c.Data)) / 1024 }

// Sink receives UI-facing events from an open recording. All methods are
// called from controller goroutines; implementations must not block.
type Sink interface {
	RecordingStarted(device string)
	RecordingStopped()
	RecordingTick(elapsed time.Duration)
	Level(rms float64)
	NoVoiceWarning()
	VoiceCleared()
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RecordingStarted(string)     {}
func (NopSink) RecordingStopped()           {}
func (NopSink) RecordingTick(time.Duration) {}
func (NopSink) Level(float64)               {}
func (NopSink) NoVoiceWarning()             {}
func (NopSink) VoiceCleared()               {}

// VoiceDetector classifies captured PCM as speech or silence. The webrtc
// implementation lives in vad.go; tests inject stubs.
type VoiceDetector interface {
	Process(pcm []byte)
	HasSpeechTick() bool
	Reset()
}

// minClipFrames drops accidental taps: clips under 100ms carry no speech.
const minClipFrames = encoder.SampleRate / 10

// Config wires a Controller.
type Config struct {
	Format   string // clip container, "wav" or "flac"
	OnClip   func(Clip)
	Sink     Sink
	Detector VoiceDetector // optional
}

// Controller owns the microphone for the live session. It is a two-state
// machine (idle, recording); Start acquires the device and accumulates PCM
// chunks, Stop finalizes them into a single Clip, releases the device on
// every exit path, and hands the clip to OnClip.
type Controller struct {
	capture  audio.CaptureDevice
	format   string
	onClip   func(Clip)
	sink     Sink
	detector VoiceDetector

	mu  sync.Mutex
	rec *recording
}

func New(capture audio.CaptureDevice, cfg Config) (*Controller, error) {
	if cfg.Format != "wav" && cfg.Format != "flac" {
		return nil, fmt.Errorf("unknown clip format %q", cfg.Format)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	return &Controller{
		capture:  capture,
		format:   cfg.Format,
		onClip:   cfg.OnClip,
		sink:     sink,
		detector: cfg.Detector,
	}, nil
}

// recording holds the state of one open microphone acquisition.
type recording struct {
	enc        encoder.Encoder
	blockChan  chan []int16
	encodeDone chan struct{}
	tickDone   chan struct{}
	startedAt  time.Time

	bufMu       sync.Mutex
	sampleBuf   []int16
	totalFrames uint64
	stopped     bool
}

// Recording reports whether a recording is currently open.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec != nil
}

// Start acquires the microphone and begins accumulating audio. A Start
// while recording returns ErrAlreadyRecording without touching the device.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec != nil {
		return ErrAlreadyRecording
	}

	enc, err := encoder.New(c.format)
	if err != nil {
		return err
	}

	rec := &recording{
		enc:        enc,
		blockChan:  make(chan []int16, 64),
		encodeDone: make(chan struct{}),
		tickDone:   make(chan struct{}),
		startedAt:  time.Now(),
	}

	go func() {
		defer close(rec.encodeDone)
		for block := range rec.blockChan {
			start := time.Now()
			rec.enc.EncodeBlock(block)
			rec.enc.AddEncodeTime(time.Since(start))
		}
	}()

	if c.detector != nil {
		c.detector.Reset()
	}

	c.capture.SetCallback(func(data []byte, frameCount uint32) {
		c.feed(rec, data, frameCount)
	})

	if err := c.capture.Start(); err != nil {
		c.capture.ClearCallback()
		close(rec.blockChan)
		<-rec.encodeDone
		close(rec.tickDone)
		return &DeviceUnavailableError{Err: err}
	}

	go c.tickLoop(rec)

	c.rec = rec
	c.sink.RecordingStarted(c.capture.DeviceName())
	return nil
}

// Stop finalizes the open recording, releases the device and emits the clip
// through OnClip. Stop while idle returns ErrNotRecording; callers treat it
// as a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	c.mu.Unlock()
	if rec == nil {
		return ErrNotRecording
	}
	return c.finalize(rec)
}

func (c *Controller) finalize(rec *recording) error {
	// Release the device before draining: no capture track may stay hot
	// after stop, even if encoding fails below.
	c.capture.Stop()
	c.capture.ClearCallback()
	close(rec.tickDone)
	c.sink.RecordingStopped()

	rec.bufMu.Lock()
	rec.stopped = true
	if len(rec.sampleBuf) > 0 {
		partial := make([]int16, len(rec.sampleBuf))
		copy(partial, rec.sampleBuf)
		rec.blockChan <- partial
		rec.sampleBuf = nil
	}
	frames := rec.totalFrames
	rec.bufMu.Unlock()

	close(rec.blockChan)
	<-rec.encodeDone

	if err := rec.enc.Close(); err != nil {
		return fmt.Errorf("finalizing clip: %w", err)
	}

	if frames < minClipFrames {
		return nil // nothing worth transcribing
	}

	clip := Clip{
		Data:     rec.enc.Bytes(),
		Format:   c.format,
		Frames:   frames,
		Duration: time.Duration(float64(frames) / float64(encoder.SampleRate) * float64(time.Second)),
	}
	if c.onClip != nil {
		c.onClip(clip)
	}
	return nil
}

// feed runs on the capture thread: buffer samples, hand full blocks to the
// encode goroutine, report level and voice activity.
func (c *Controller) feed(rec *recording, data []byte, frameCount uint32) {
	rec.bufMu.Lock()
	if rec.stopped {
		rec.bufMu.Unlock()
		return
	}
	rec.totalFrames += uint64(frameCount)
	for i := 0; i+1 < len(data); i += 2 {
		rec.sampleBuf = append(rec.sampleBuf, int16(binary.LittleEndian.Uint16(data[i:])))
	}
	var blocks [][]int16
	for len(rec.sampleBuf) >= encoder.BlockSize {
		block := make([]int16, encoder.BlockSize)
		copy(block, rec.sampleBuf[:encoder.BlockSize])
		rec.sampleBuf = rec.sampleBuf[encoder.BlockSize:]
		blocks = append(blocks, block)
	}
	rec.bufMu.Unlock()

	for _, block := range blocks {
		rec.blockChan <- block
	}

	if len(data) > 1 {
		var sumSquares float64
		for i := 0; i+1 < len(data); i += 2 {
			sample := int16(binary.LittleEndian.Uint16(data[i:]))
			normalized := float64(sample) / 32768.0
			sumSquares += normalized * normalized
		}
		c.sink.Level(math.Sqrt(sumSquares / float64(len(data)/2)))
		if c.detector != nil {
			c.detector.Process(data)
		}
	}
}

func (c *Controller) tickLoop(rec *recording) {
	mon := newSilenceMonitor()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rec.tickDone:
			return
		case <-ticker.C:
			c.sink.RecordingTick(time.Since(rec.startedAt))
			if c.detector == nil {
				continue
			}
			switch mon.Tick(c.detector.HasSpeechTick()) {
			case SilenceWarn, SilenceRepeat:
				c.sink.NoVoiceWarning()
			case SilenceWarnClear:
				c.sink.VoiceCleared()
			}
		}
	}
}

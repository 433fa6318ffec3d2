package audio

import (
	"errors"
	"sync"
)

// FakeContext is an in-memory capture backend for headless tests. Chunks are
// pushed explicitly through FakeCapture.Emit, so tests control exactly what
// PCM the consumer sees and when.
type FakeContext struct {
	StartErr error // injected into every capture's Start

	mu       sync.Mutex
	captures []*FakeCapture
}

func NewFakeContext() *FakeContext { return &FakeContext{} }

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake-0", Name: "fake mic"}}, nil
}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &FakeCapture{ctx: f}
	f.captures = append(f.captures, c)
	return c, nil
}

func (f *FakeContext) Close() {}

// Captures returns every capture device handed out so far.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.captures...)
}

type FakeCapture struct {
	ctx *FakeContext

	mu      sync.Mutex
	cb      DataCallback
	started bool
	startN  int
	stopN   int
}

// ErrStart is a ready-made acquisition failure for tests that set
// FakeContext.StartErr without caring about the exact value.
var ErrStart = errors.New("fake capture start refused")

func (c *FakeCapture) Start() error {
	c.ctx.mu.Lock()
	startErr := c.ctx.StartErr
	c.ctx.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if startErr != nil {
		return startErr
	}
	c.started = true
	c.startN++
	return nil
}

func (c *FakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.started = false
		c.stopN++
	}
}

func (c *FakeCapture) Close() { c.Stop() }

func (c *FakeCapture) SetCallback(cb DataCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *FakeCapture) ClearCallback() {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
}

func (c *FakeCapture) DeviceName() string { return "fake mic" }

// Emit feeds one PCM chunk to the registered callback, as the platform
// capture thread would. Chunks emitted while stopped are dropped.
func (c *FakeCapture) Emit(data []byte) {
	c.mu.Lock()
	cb := c.cb
	started := c.started
	c.mu.Unlock()
	if !started || cb == nil {
		return
	}
	cb(data, uint32(len(data)/2))
}

// Running reports whether the device is currently capturing. After a stop
// the device must not be hot.
func (c *FakeCapture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// StartCount and StopCount expose lifecycle counters for release assertions.
func (c *FakeCapture) StartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startN
}

func (c *FakeCapture) StopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopN
}

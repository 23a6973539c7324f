package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrPermissionDenied means the microphone could not be acquired.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrSuperseded is returned by Start when Stop ran while the device was
	// being acquired. The device has already been released.
	ErrSuperseded = errors.New("capture superseded")
	ErrAlreadyRunning = errors.New("capture already running")
)

type CaptureConfig struct {
	WindowSize int // samples per frame
	SendBuffer int // windows queued between the device callback and the sink
}

// Capture turns microphone input into fixed-size PCM frames for one call at a
// time.
type Capture struct {
	config CaptureConfig
	open   SourceFactory
	sink   FrameSink
	logger *slog.Logger

	mu      sync.Mutex
	gen     uint64
	source  Source
	callID  string
	pending []float32
	frames  chan Frame
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewCapture(cfg CaptureConfig, open SourceFactory, sink FrameSink, logger *slog.Logger) (*Capture, error) {
	if open == nil {
		return nil, errors.New("source factory cannot be nil")
	}
	if sink == nil {
		return nil, errors.New("frame sink cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}
	return &Capture{
		config: cfg,
		open:   open,
		sink:   sink,
		logger: logger,
	}, nil
}

// Start acquires the microphone and begins emitting frames tagged with callID.
// It blocks while the device is acquired.
func (c *Capture) Start(callID string) error {
	c.mu.Lock()
	if c.source != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	gen := c.gen
	c.mu.Unlock()

	src, err := c.open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	c.mu.Lock()
	if c.gen != gen || c.source != nil {
		c.mu.Unlock()
		_ = src.Close()
		return ErrSuperseded
	}
	c.source = src
	c.callID = callID
	c.pending = make([]float32, 0, c.config.WindowSize*2)
	c.frames = make(chan Frame, c.config.SendBuffer)
	c.done = make(chan struct{})
	frames, done := c.frames, c.done
	c.mu.Unlock()

	c.wg.Add(1)
	go c.forward(frames, done)

	if err := src.Start(func(samples []float32) { c.push(gen, samples) }); err != nil {
		c.Stop()
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	c.logger.Info("Audio capture started",
		"call_id", callID,
		"sample_rate", SampleRate,
		"window_size", c.config.WindowSize)
	return nil
}

// Stop releases the microphone. Safe to call at any time, any number of times.
func (c *Capture) Stop() {
	c.mu.Lock()
	c.gen++
	src, done := c.source, c.done
	callID := c.callID
	c.source = nil
	c.done = nil
	c.frames = nil
	c.pending = nil
	c.callID = ""
	c.mu.Unlock()

	if src == nil {
		return
	}
	if err := src.Close(); err != nil {
		c.logger.Error("Failed to release microphone", "error", err)
	}
	close(done)
	c.wg.Wait()
	c.logger.Info("Audio capture stopped", "call_id", callID)
}

// Running reports whether a microphone is currently held.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source != nil
}

// push runs on the device callback thread.
func (c *Capture) push(gen uint64, samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.source == nil {
		return
	}

	c.pending = append(c.pending, samples...)
	for len(c.pending) >= c.config.WindowSize {
		window := c.pending[:c.config.WindowSize]
		frame := Frame{CallID: c.callID, Samples: FloatToPCM16(window)}
		c.pending = append(c.pending[:0], c.pending[c.config.WindowSize:]...)

		select {
		case c.frames <- frame:
		default:
			c.logger.Warn("Audio send queue full, dropping frame", "call_id", c.callID)
		}
	}
}

func (c *Capture) forward(frames <-chan Frame, done <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-done:
			return
		case frame := <-frames:
			if !c.sink(frame) {
				c.logger.Debug("Audio frame dropped by transport", "call_id", frame.CallID)
			}
		}
	}
}

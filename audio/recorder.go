package audio

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/gen2brain/malgo"
)

var _ Source = (*MalgoSource)(nil)

// MalgoSource captures the default input device as mono float32 at
// SampleRate. Resampling and echo cancellation are left to miniaudio and the
// platform.
type MalgoSource struct {
	periodFrames int
	logger       *slog.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// NewMalgoSourceFactory returns a SourceFactory that opens the default
// microphone for every call.
func NewMalgoSourceFactory(periodFrames int, logger *slog.Logger) SourceFactory {
	return func() (Source, error) {
		return NewMalgoSource(periodFrames, logger)
	}
}

// NewMalgoSource initializes the audio context and the capture device but
// does not start it.
func NewMalgoSource(periodFrames int, logger *slog.Logger) (*MalgoSource, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	return &MalgoSource{
		periodFrames: periodFrames,
		logger:       logger,
		ctx:          ctx,
	}, nil
}

func (s *MalgoSource) Start(onSamples func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return fmt.Errorf("audio context already released")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	if s.periodFrames > 0 {
		deviceConfig.PeriodSizeInFrames = uint32(s.periodFrames)
	}
	if runtime.GOOS == "linux" {
		deviceConfig.Alsa.NoMMap = 1
	}

	captureCallback := func(_, input []byte, _ uint32) {
		samples := BytesToFloat32(input)
		if len(samples) > 0 {
			onSamples(samples)
		}
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: captureCallback,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	s.device = device
	return nil
}

// Close stops the device and frees the context. Calling it twice is a no-op.
func (s *MalgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		if err := s.device.Stop(); err != nil {
			s.logger.Warn("Failed to stop capture device", "error", err)
		}
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		if err := s.ctx.Uninit(); err != nil {
			s.logger.Warn("Failed to uninit audio context", "error", err)
		}
		s.ctx.Free()
		s.ctx = nil
	}
	return nil
}

package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

var _ Source = (*WAVSource)(nil)

// WAVSource plays a 16-bit WAV file in a loop at real-time pace in place of
// a microphone. Multi-channel files are downmixed to mono.
type WAVSource struct {
	samples []float32
	chunk   int
	logger  *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewWAVSourceFactory decodes path once and hands out a fresh source per
// call. chunk is the number of samples delivered per callback.
func NewWAVSourceFactory(path string, chunk int, logger *slog.Logger) (SourceFactory, error) {
	samples, err := LoadWAV(path)
	if err != nil {
		return nil, err
	}
	if chunk <= 0 {
		chunk = 1024
	}
	logger.Info("Using WAV file as audio input", "path", path, "duration", SamplesDuration(len(samples)))
	return func() (Source, error) {
		return &WAVSource{samples: samples, chunk: chunk, logger: logger}, nil
	}, nil
}

// LoadWAV decodes a 16-bit WAV file at SampleRate into mono float32 samples.
func LoadWAV(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file %s", path)
	}
	if int(decoder.SampleRate) != SampleRate {
		return nil, fmt.Errorf("wav file %s is %d Hz, want %d", path, decoder.SampleRate, SampleRate)
	}
	if decoder.BitDepth != 16 {
		return nil, fmt.Errorf("wav file %s is %d-bit, want 16", path, decoder.BitDepth)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav file: %w", err)
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		return nil, errors.New("wav file has no channels")
	}

	pcm := make([]int16, len(buf.Data)/channels)
	for i := range pcm {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		pcm[i] = int16(sum / channels)
	}
	return PCM16ToFloat(pcm), nil
}

func (s *WAVSource) Start(onSamples func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("wav source already started")
	}
	if len(s.samples) == 0 {
		return errors.New("wav source is empty")
	}
	s.started = true
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.run(onSamples, s.stop)
	return nil
}

func (s *WAVSource) run(onSamples func([]float32), stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(SamplesDuration(s.chunk))
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			end := min(pos+s.chunk, len(s.samples))
			onSamples(s.samples[pos:end])
			pos = end
			if pos == len(s.samples) {
				pos = 0
			}
		}
	}
}

func (s *WAVSource) Close() error {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		s.wg.Wait()
	}
	return nil
}

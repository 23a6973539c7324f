package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var _ Output = (*Player)(nil)

// Player renders a Timeline to the default output device through PortAudio.
// The timeline clock advances with every buffer the device pulls.
type Player struct {
	*Timeline
	logger *slog.Logger
	stream *portaudio.Stream
	once   sync.Once
}

// NewPlayer opens and starts a mono float32 output stream at SampleRate.
func NewPlayer(framesPerBuffer int, logger *slog.Logger) (*Player, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	player := &Player{
		Timeline: NewTimeline(SampleRate),
		logger:   logger,
	}

	stream, err := portaudio.OpenDefaultStream(
		0,        // no input
		Channels, // mono output
		float64(SampleRate),
		framesPerBuffer,
		player.audioCallback,
	)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}
	player.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}

	logger.Info("Audio playback started", "sample_rate", SampleRate, "frames_per_buffer", framesPerBuffer)
	return player, nil
}

func (p *Player) audioCallback(out []float32) {
	p.Render(out)
}

func (p *Player) Close() error {
	p.once.Do(func() {
		if err := p.stream.Stop(); err != nil {
			p.logger.Error("failed to stop audio stream", "error", err)
		}
		if err := p.stream.Close(); err != nil {
			p.logger.Error("failed to close audio stream", "error", err)
		}
		portaudio.Terminate()
	})
	return nil
}

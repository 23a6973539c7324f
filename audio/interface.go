// audio/interface.go
package audio

import "time"

// Source is a microphone input. Start acquires the device and delivers mono
// float32 samples at SampleRate to onSamples until Close is called.
type Source interface {
	Start(onSamples func([]float32)) error
	Close() error
}

// SourceFactory opens a fresh Source for each call.
type SourceFactory func() (Source, error)

// Output is an audio destination with its own clock. Now reports the output
// position; segments scheduled before Now are trimmed, not delayed.
type Output interface {
	Now() time.Duration
	Schedule(start time.Duration, samples []float32) Segment
}

// Segment is a scheduled piece of audio that can be cancelled before it plays.
type Segment interface {
	Stop()
}

// FrameSink receives captured frames. Implementations must not block.
type FrameSink func(Frame) bool

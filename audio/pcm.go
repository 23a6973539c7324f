package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// SampleRate is the fixed rate of every frame on the wire.
	SampleRate = 16000
	// Channels is fixed to mono.
	Channels = 1
	// DefaultWindowSize is the number of samples per captured frame.
	DefaultWindowSize = 4096
)

// Frame is one window of 16-bit mono PCM at SampleRate. Frames are not
// modified after construction.
type Frame struct {
	CallID  string
	From    string // originating participant for group calls, empty when unknown
	Samples []int16
}

// Duration is the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples))
}

// Bytes returns the little-endian wire encoding of the samples.
func (f Frame) Bytes() []byte {
	return PCM16ToBytes(f.Samples)
}

// SamplesDuration converts a sample count at SampleRate into a duration.
func SamplesDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// FloatToPCM16 clamps each sample to [-1, 1] and scales negatives by 32768 and
// non-negatives by 32767 (rounded to nearest), so both ends of the int16 range
// are reachable and nothing wraps.
func FloatToPCM16(src []float32) []int16 {
	dst := make([]int16, len(src))
	for i, v := range src {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		} else if v != v { // NaN
			v = 0
		}
		if v < 0 {
			dst[i] = int16(math.Round(float64(v) * 32768))
		} else {
			dst[i] = int16(math.Round(float64(v) * 32767))
		}
	}
	return dst
}

// PCM16ToFloat is the inverse of FloatToPCM16.
func PCM16ToFloat(src []int16) []float32 {
	dst := make([]float32, len(src))
	for i, v := range src {
		if v < 0 {
			dst[i] = float32(v) / 32768
		} else {
			dst[i] = float32(v) / 32767
		}
	}
	return dst
}

// PCM16ToBytes encodes samples little-endian.
func PCM16ToBytes(src []int16) []byte {
	dst := make([]byte, len(src)*2)
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
	}
	return dst
}

// BytesToPCM16 decodes little-endian samples. A trailing odd byte is dropped.
func BytesToPCM16(b []byte) []int16 {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}

// BytesToFloat32 decodes little-endian IEEE-754 samples as delivered by the
// capture device. Trailing partial samples are dropped.
func BytesToFloat32(b []byte) []float32 {
	n := len(b) / 4
	dst := make([]float32, n)
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return dst
}

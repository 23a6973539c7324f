package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestFloatToPCM16_Scale(t *testing.T) {
	got := FloatToPCM16([]float32{-1, -0.5, 0, 0.5, 1})
	want := []int16{-32768, -16384, 0, 16384, 32767}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFloatToPCM16_Clamp(t *testing.T) {
	got := FloatToPCM16([]float32{-3.5, 2, float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN())})
	want := []int16{-32768, 32767, 32767, -32768, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPCMRoundTrip(t *testing.T) {
	step := 1.0 / 32767.0

	back := PCM16ToFloat(FloatToPCM16([]float32{0.5}))
	if d := math.Abs(float64(back[0]) - 0.5); d > step {
		t.Errorf("0.5 round trip off by %g (> one step %g)", d, step)
	}

	back = PCM16ToFloat(FloatToPCM16([]float32{-1, 1}))
	if back[0] != -1 {
		t.Errorf("-1 round trip: got %v", back[0])
	}
	if back[1] > 1 || back[1] < 1-float32(step) {
		t.Errorf("1 round trip: got %v, want <= 1 and within one step", back[1])
	}
}

func TestPCMRoundTrip_AllSamples(t *testing.T) {
	// Every int16 value must survive int16 -> float -> int16 unchanged.
	src := make([]int16, 0, 65536)
	for v := math.MinInt16; v <= math.MaxInt16; v++ {
		src = append(src, int16(v))
	}
	back := FloatToPCM16(PCM16ToFloat(src))
	for i := range src {
		if back[i] != src[i] {
			t.Fatalf("sample %d did not round trip: got %d", src[i], back[i])
		}
	}
}

func TestBytesRoundTrip(t *testing.T) {
	src := []int16{0, 1, -1, 32767, -32768, 1234}
	got := BytesToPCM16(PCM16ToBytes(src))
	if len(got) != len(src) {
		t.Fatalf("length: got %d, want %d", len(got), len(src))
	}
	for i := range src {
		if got[i] != src[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], src[i])
		}
	}
}

func TestBytesToPCM16_OddLength(t *testing.T) {
	got := BytesToPCM16([]byte{0x01, 0x00, 0xff})
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("got %v, want [1]", got)
	}
}

func TestBytesToFloat32(t *testing.T) {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(-1))
	got := BytesToFloat32(buf)
	if len(got) != 2 || got[0] != 0.25 || got[1] != -1 {
		t.Errorf("got %v, want [0.25 -1]", got)
	}
}

func TestFrameDuration(t *testing.T) {
	f := Frame{Samples: make([]int16, DefaultWindowSize)}
	if got := f.Duration(); got != 256*time.Millisecond {
		t.Errorf("4096 samples at 16kHz: got %v, want 256ms", got)
	}
}

package audio

import (
	"testing"
	"time"
)

func TestTimeline_ClockAdvancesWithRender(t *testing.T) {
	tl := NewTimeline(16000)
	if tl.Now() != 0 {
		t.Fatalf("initial clock: %v", tl.Now())
	}
	tl.Render(make([]float32, 160))
	if got := tl.Now(); got != 10*time.Millisecond {
		t.Errorf("after 160 samples: got %v, want 10ms", got)
	}
}

func TestTimeline_PlacesSegmentsAtStart(t *testing.T) {
	tl := NewTimeline(16000)
	// 2 samples starting at sample 3
	tl.Schedule(SamplesDuration(3), []float32{0.5, 0.25})

	out := make([]float32, 4)
	tl.Render(out)
	want := []float32{0, 0, 0, 0.5}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("buffer 1: got %v, want %v", out, want)
		}
	}

	tl.Render(out)
	want = []float32{0.25, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("buffer 2: got %v, want %v", out, want)
		}
	}
	if tl.Pending() != 0 {
		t.Errorf("finished segment still pending")
	}
}

func TestTimeline_MixAndClip(t *testing.T) {
	tl := NewTimeline(16000)
	tl.Schedule(0, []float32{0.75, -0.75, 0.1})
	tl.Schedule(0, []float32{0.75, -0.75, 0.1})

	out := make([]float32, 3)
	tl.Render(out)
	if out[0] != 1 || out[1] != -1 {
		t.Errorf("mix not clipped: %v", out)
	}
	if d := out[2] - 0.2; d > 1e-6 || d < -1e-6 {
		t.Errorf("mix: got %v, want 0.2", out[2])
	}
}

func TestTimeline_StopCancelsSegment(t *testing.T) {
	tl := NewTimeline(16000)
	seg := tl.Schedule(SamplesDuration(2), []float32{1, 1})
	seg.Stop()
	seg.Stop()

	out := make([]float32, 4)
	tl.Render(out)
	for i, v := range out {
		if v != 0 {
			t.Errorf("sample %d: cancelled segment rendered %v", i, v)
		}
	}
}

func TestTimeline_PastSegmentDropped(t *testing.T) {
	tl := NewTimeline(16000)
	tl.Render(make([]float32, 10))
	tl.Schedule(0, []float32{1, 1})

	out := make([]float32, 2)
	tl.Render(out)
	if out[0] != 0 || out[1] != 0 {
		t.Errorf("segment in the past was rendered: %v", out)
	}
	if tl.Pending() != 0 {
		t.Errorf("past segment left pending")
	}
}

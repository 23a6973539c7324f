package audio

import (
	"sync"
	"time"
)

var _ Output = (*Timeline)(nil)

// Timeline mixes scheduled segments into a mono output stream. Its clock is
// the number of samples rendered so far, so Now only advances when Render is
// called by the output device.
type Timeline struct {
	rate int64

	mu       sync.Mutex
	pos      int64
	segments map[*timelineSegment]struct{}
}

type timelineSegment struct {
	timeline *Timeline
	start    int64
	samples  []float32
}

func NewTimeline(sampleRate int) *Timeline {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return &Timeline{
		rate:     int64(sampleRate),
		segments: make(map[*timelineSegment]struct{}),
	}
}

func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDuration(t.pos)
}

func (t *Timeline) Schedule(start time.Duration, samples []float32) Segment {
	seg := &timelineSegment{
		timeline: t,
		start:    t.toSamples(start),
		samples:  samples,
	}
	t.mu.Lock()
	t.segments[seg] = struct{}{}
	t.mu.Unlock()
	return seg
}

// Render fills out with the mix of every segment overlapping the next
// len(out) samples and advances the clock. Finished segments are dropped.
func (t *Timeline) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.pos
	to := from + int64(len(out))
	for seg := range t.segments {
		end := seg.start + int64(len(seg.samples))
		if end <= from {
			delete(t.segments, seg)
			continue
		}
		if seg.start >= to {
			continue
		}
		lo := max(seg.start, from)
		hi := min(end, to)
		for p := lo; p < hi; p++ {
			out[p-from] += seg.samples[p-seg.start]
		}
		if end <= to {
			delete(t.segments, seg)
		}
	}
	for i, v := range out {
		if v > 1 {
			out[i] = 1
		} else if v < -1 {
			out[i] = -1
		}
	}
	t.pos = to
}

// Pending reports how many segments are scheduled and not yet fully played.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.segments)
}

func (t *Timeline) toSamples(d time.Duration) int64 {
	return int64(d) * t.rate / int64(time.Second)
}

func (t *Timeline) toDuration(n int64) time.Duration {
	return time.Duration(n * int64(time.Second) / t.rate)
}

func (s *timelineSegment) Stop() {
	s.timeline.mu.Lock()
	delete(s.timeline.segments, s)
	s.timeline.mu.Unlock()
}

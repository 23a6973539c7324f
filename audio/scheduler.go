package audio

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Scheduler places decoded frames on an Output back to back. Each call has
// its own playback context holding a cursor: a frame starts at
// max(cursor, now) and moves the cursor to its end. Frames that arrive faster
// than real time queue up gaplessly; a late frame snaps the cursor to now, so
// latency never accumulates.
type Scheduler struct {
	output Output
	logger *slog.Logger

	mu       sync.Mutex
	contexts map[string]*playbackContext
}

type playbackContext struct {
	cursor   time.Duration
	segments []scheduledSegment
}

type scheduledSegment struct {
	end     time.Duration
	segment Segment
}

func NewScheduler(output Output, logger *slog.Logger) (*Scheduler, error) {
	if output == nil {
		return nil, errors.New("output cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Scheduler{
		output:   output,
		logger:   logger,
		contexts: make(map[string]*playbackContext),
	}, nil
}

// Schedule decodes frame and queues it on the output. It returns the start
// time the frame was placed at.
func (s *Scheduler) Schedule(frame Frame) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.output.Now()
	ctx, ok := s.contexts[frame.CallID]
	if !ok {
		ctx = &playbackContext{cursor: now}
		s.contexts[frame.CallID] = ctx
		s.logger.Info("Playback context created", "call_id", frame.CallID, "cursor", now)
	}

	start := ctx.cursor
	if now > start {
		if len(ctx.segments) > 0 {
			s.logger.Debug("Playback underrun, snapping cursor to now",
				"call_id", frame.CallID,
				"behind", now-start)
		}
		start = now
	}

	seg := s.output.Schedule(start, PCM16ToFloat(frame.Samples))
	ctx.cursor = start + frame.Duration()

	// forget segments that already finished playing
	live := ctx.segments[:0]
	for _, ss := range ctx.segments {
		if ss.end > now {
			live = append(live, ss)
		}
	}
	ctx.segments = append(live, scheduledSegment{end: ctx.cursor, segment: seg})
	return start
}

// Close tears down the playback context of callID, cancelling every segment
// that has not finished playing.
func (s *Scheduler) Close(callID string) {
	s.mu.Lock()
	ctx, ok := s.contexts[callID]
	delete(s.contexts, callID)
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, ss := range ctx.segments {
		ss.segment.Stop()
	}
	s.logger.Info("Playback context closed", "call_id", callID, "cancelled", len(ctx.segments))
}

// CloseAll tears down every playback context.
func (s *Scheduler) CloseAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Close(id)
	}
}

// Cursor returns the playback cursor of callID.
func (s *Scheduler) Cursor(callID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[callID]
	if !ok {
		return 0, false
	}
	return ctx.cursor, true
}

// Active reports whether callID has a playback context.
func (s *Scheduler) Active(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contexts[callID]
	return ok
}

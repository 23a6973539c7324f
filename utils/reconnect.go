package utils

import "time"

type ReconnectStrategy interface {
	NextDelay() time.Duration
	Reset()
}

var _ ReconnectStrategy = (*ExponentialBackoff)(nil)

type ExponentialBackoff struct {
	initialDelay time.Duration
	currentDelay time.Duration
	maxDelay     time.Duration
}

func NewExponentialBackoff() *ExponentialBackoff {
	return NewExponentialBackoffWith(1*time.Second, 30*time.Second)
}

// NewExponentialBackoffWith uses the given bounds; non-positive values fall
// back to the defaults.
func NewExponentialBackoffWith(initial, max time.Duration) *ExponentialBackoff {
	if initial <= 0 {
		initial = 1 * time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if max < initial {
		max = initial
	}
	return &ExponentialBackoff{
		initialDelay: initial,
		currentDelay: initial,
		maxDelay:     max,
	}
}

func (e *ExponentialBackoff) NextDelay() time.Duration {
	delay := e.currentDelay
	e.currentDelay *= 2
	if e.currentDelay > e.maxDelay {
		e.currentDelay = e.maxDelay
	}
	return delay
}

func (e *ExponentialBackoff) Reset() {
	e.currentDelay = e.initialDelay
}

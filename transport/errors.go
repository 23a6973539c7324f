package transport

import (
	"errors"
	"fmt"
)

var ErrHandlerRegistered = errors.New("handler already registered")

// Error reports that the control or audio channel is unavailable or closed.
// The call state machine treats it as a transport failure.
type Error struct {
	Channel string // "control" or "audio"
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s channel %s: %v", e.Channel, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransportError reports whether err is (or wraps) a *Error.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

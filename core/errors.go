package core

import "errors"

var (
	// ErrConcurrentCallRejected is logged when an invitation arrives while a
	// call is in progress. It is never returned to callers.
	ErrConcurrentCallRejected = errors.New("concurrent call rejected")
	ErrCallInProgress         = errors.New("call already in progress")
	ErrNoCall                 = errors.New("no call to act on")
	ErrInvalidIdentity        = errors.New("invalid identity")
	ErrClientClosed           = errors.New("client closed")
	ErrNotRunning             = errors.New("client not running")
)

package core

import (
	"github.com/lisuiheng/voicecall-go/audio"
	"github.com/lisuiheng/voicecall-go/signaling"
)

// Event is anything that can drive the call state machine. The set is closed.
type Event interface {
	event()
}

type (
	InitiateCall struct {
		Peer string
	}
	StartGroupCall struct {
		Group   string
		Members []string
	}
	// LocalAccept answers an incoming call or joins a group call.
	LocalAccept struct{}
	LocalReject struct{}
	// LocalHangup ends, cancels or leaves the current call.
	LocalHangup    struct{}
	SignalReceived struct {
		Signal signaling.Signal
	}
	AudioReceived struct {
		Frame audio.Frame
	}
	TransportFailure struct {
		Err error
	}
	// CaptureStarted reports the outcome of microphone acquisition for the
	// session that was current at Epoch.
	CaptureStarted struct {
		Epoch uint64
		Err   error
	}
	RingTimeout struct {
		Epoch uint64
	}
)

func (InitiateCall) event()     {}
func (StartGroupCall) event()   {}
func (LocalAccept) event()      {}
func (LocalReject) event()      {}
func (LocalHangup) event()      {}
func (SignalReceived) event()   {}
func (AudioReceived) event()    {}
func (TransportFailure) event() {}
func (CaptureStarted) event()   {}
func (RingTimeout) event()      {}

// NoticeKind classifies a user-visible outcome.
type NoticeKind string

const (
	NoticeIncomingCall     NoticeKind = "incoming_call"
	NoticeGroupInvitation  NoticeKind = "group_invitation"
	NoticeCallConnected    NoticeKind = "call_connected"
	NoticeCallEnded        NoticeKind = "call_ended"
	NoticeCallRejected     NoticeKind = "call_rejected"
	NoticeCallCancelled    NoticeKind = "call_cancelled"
	NoticeRingTimeout      NoticeKind = "ring_timeout"
	NoticeBusy             NoticeKind = "busy"
	NoticePermissionDenied NoticeKind = "permission_denied"
	NoticeConnectionLost   NoticeKind = "connection_lost"
)

type Notice struct {
	Kind   NoticeKind
	CallID string
	Peer   string
	Group  string
	Err    error
}

// Notifier surfaces call outcomes to the user.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lisuiheng/voicecall-go/audio"
	"github.com/lisuiheng/voicecall-go/signaling"
	"github.com/lisuiheng/voicecall-go/transport"
)

// Signaler is the outbound side of the transport.
type Signaler interface {
	SendControl(sig signaling.Signal) error
	SendCommand(ctx context.Context, cmd signaling.Command) error
	Bind(ctx context.Context, callID string, withAudio bool) error
	Release(callID string)
}

// Media drives capture and playback. StartCapture returns immediately; its
// outcome comes back as a CaptureStarted event carrying epoch.
type Media interface {
	StartCapture(epoch uint64, callID string)
	StopCapture()
	Play(frame audio.Frame)
	StopPlayback(callID string)
}

type Deps struct {
	Session  Session
	Signaler Signaler
	Media    Media
	Notifier Notifier
	Logger   *slog.Logger

	// After delivers ev after d and returns a cancel func. Nil disables the
	// ringing timeout.
	After       func(d time.Duration, ev Event) (cancel func())
	RingTimeout time.Duration
	NewCallID   func() string
	Now         func() time.Time
}

// Machine is the per-client call state machine. It is not safe for
// concurrent use; one event loop owns it.
type Machine struct {
	deps Deps

	state      State
	call       *CallSession
	epoch      uint64
	cancelRing func()
	observers  []func(from, to State, call CallSession)
}

func NewMachine(deps Deps) (*Machine, error) {
	if deps.Session.Identity == "" {
		return nil, fmt.Errorf("%w: session identity missing", ErrInvalidIdentity)
	}
	if deps.Signaler == nil {
		return nil, errors.New("signaler cannot be nil")
	}
	if deps.Media == nil {
		return nil, errors.New("media cannot be nil")
	}
	if deps.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if deps.Notifier == nil {
		deps.Notifier = NotifierFunc(func(Notice) {})
	}
	if deps.NewCallID == nil {
		deps.NewCallID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Machine{deps: deps, state: StateIdle}, nil
}

// OnStateChange registers an observer called on every transition, including
// the transient Ending state.
func (m *Machine) OnStateChange(fn func(from, to State, call CallSession)) {
	m.observers = append(m.observers, fn)
}

func (m *Machine) State() State { return m.state }

// Call returns a copy of the current session.
func (m *Machine) Call() (CallSession, bool) {
	if m.call == nil {
		return CallSession{}, false
	}
	return m.call.clone(), true
}

// Epoch identifies the current session for async completions.
func (m *Machine) Epoch() uint64 { return m.epoch }

// Handle applies one event. Errors are returned only for local intents that
// cannot be carried out; inbound events never fail.
func (m *Machine) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case InitiateCall:
		return m.initiate(ctx, e.Peer)
	case StartGroupCall:
		return m.startGroup(ctx, e.Group, e.Members)
	case LocalAccept:
		return m.accept(ctx)
	case LocalReject:
		return m.reject()
	case LocalHangup:
		return m.hangup(ctx)
	case SignalReceived:
		m.onSignal(ctx, e.Signal)
	case AudioReceived:
		if m.state == StateActive && e.Frame.CallID == m.call.ID {
			m.deps.Media.Play(e.Frame)
		}
	case TransportFailure:
		m.onTransportFailure(ctx, e.Err)
	case CaptureStarted:
		m.onCaptureStarted(ctx, e)
	case RingTimeout:
		m.onRingTimeout(e)
	default:
		m.deps.Logger.Debug("Unknown event", "event", fmt.Sprintf("%T", ev))
	}
	return nil
}

func (m *Machine) initiate(ctx context.Context, peer string) error {
	if err := ValidateIdentity(peer); err != nil {
		return err
	}
	if peer == m.deps.Session.Identity {
		return fmt.Errorf("%w: cannot call yourself", ErrInvalidIdentity)
	}
	if m.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrCallInProgress, m.state)
	}

	m.begin(CallSession{
		ID:        m.deps.NewCallID(),
		Peer:      peer,
		Direction: DirectionOutgoing,
		Type:      CallIndividual,
	})
	if err := m.deps.Signaler.Bind(ctx, m.call.ID, false); err != nil {
		m.fail(err)
		return err
	}
	if err := m.send(signaling.Signal{Kind: signaling.KindInvite, CallID: m.call.ID, To: peer}); err != nil {
		m.fail(err)
		return err
	}
	m.transition(StateOutgoingRinging)
	m.armRing()
	return nil
}

func (m *Machine) startGroup(ctx context.Context, group string, members []string) error {
	if err := ValidateIdentity(group); err != nil {
		return fmt.Errorf("group: %w", err)
	}
	if m.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrCallInProgress, m.state)
	}

	m.begin(CallSession{
		ID:        m.deps.NewCallID(),
		Peer:      m.deps.Session.Identity,
		Group:     group,
		Members:   []string{m.deps.Session.Identity},
		Direction: DirectionGroupInitiated,
		Type:      CallGroup,
	})
	id := m.call.ID
	if err := m.deps.Signaler.Bind(ctx, id, true); err != nil {
		m.fail(err)
		return err
	}
	if err := m.send(signaling.Signal{Kind: signaling.KindGroupInvite, CallID: id, Group: group, Members: members}); err != nil {
		m.fail(err)
		return err
	}
	if err := m.deps.Signaler.SendCommand(ctx, signaling.StartGroupCall(id, group)); err != nil {
		m.fail(err)
		return err
	}
	m.activate()
	return nil
}

func (m *Machine) accept(ctx context.Context) error {
	if m.state != StateIncomingRinging {
		return fmt.Errorf("%w: nothing to accept in %s", ErrNoCall, m.state)
	}
	if m.call.Type == CallIndividual {
		return m.answer(ctx)
	}
	if err := m.joinGroup(ctx); err != nil {
		m.fail(err)
		return err
	}
	return nil
}

// answer accepts the ringing 1:1 call as the callee. On failure the session
// is already back in Idle.
func (m *Machine) answer(ctx context.Context) error {
	id := m.call.ID
	if err := m.send(signaling.Signal{Kind: signaling.KindAccept, CallID: id, To: m.call.Peer}); err != nil {
		m.fail(err)
		return err
	}
	err := m.deps.Signaler.Bind(ctx, id, true)
	if err == nil {
		err = m.deps.Signaler.SendCommand(ctx, signaling.JoinCall(id))
	}
	if err != nil {
		m.abort(err)
		return err
	}
	m.activate()
	return nil
}

func (m *Machine) joinGroup(ctx context.Context) error {
	id, group := m.call.ID, m.call.Group
	m.call.Direction = DirectionGroupJoined
	if err := m.deps.Signaler.Bind(ctx, id, true); err != nil {
		return err
	}
	if err := m.deps.Signaler.SendCommand(ctx, signaling.JoinGroupCall(id, group)); err != nil {
		return err
	}
	if err := m.send(signaling.Signal{Kind: signaling.KindGroupJoin, CallID: id, Group: group}); err != nil {
		return err
	}
	m.call.addMember(m.deps.Session.Identity)
	m.activate()
	return nil
}

func (m *Machine) reject() error {
	if m.state != StateIncomingRinging {
		return fmt.Errorf("%w: nothing to reject in %s", ErrNoCall, m.state)
	}
	if m.call.Type == CallIndividual {
		if err := m.send(signaling.Signal{Kind: signaling.KindReject, CallID: m.call.ID, To: m.call.Peer}); err != nil {
			m.deps.Logger.Warn("Failed to send reject", "call_id", m.call.ID, "error", err)
		}
	}
	m.finish()
	return nil
}

func (m *Machine) hangup(ctx context.Context) error {
	switch m.state {
	case StateOutgoingRinging:
		if err := m.send(signaling.Signal{Kind: signaling.KindCancel, CallID: m.call.ID, To: m.call.Peer}); err != nil {
			m.deps.Logger.Warn("Failed to send cancel", "call_id", m.call.ID, "error", err)
		}
		m.finish()
		return nil
	case StateIncomingRinging:
		return m.reject()
	case StateActive:
		m.notify(NoticeCallEnded, nil)
		m.end(ctx, true)
		return nil
	}
	return fmt.Errorf("%w: nothing to hang up in %s", ErrNoCall, m.state)
}

func (m *Machine) onSignal(ctx context.Context, sig signaling.Signal) {
	log := m.deps.Logger.With("type", sig.Kind, "call_id", sig.CallID, "from", sig.From)

	if sig.Kind == signaling.KindInvite || sig.Kind == signaling.KindGroupInvite {
		m.onInvite(ctx, sig, log)
		return
	}
	if m.call == nil || !m.matches(sig) {
		log.Debug("Ignoring signal for another call", "state", m.state)
		return
	}

	switch sig.Kind {
	case signaling.KindAccept:
		if m.state != StateOutgoingRinging || m.call.Type != CallIndividual {
			break
		}
		id, peer := m.call.ID, m.call.Peer
		err := m.deps.Signaler.Bind(ctx, id, true)
		if err == nil {
			err = m.deps.Signaler.SendCommand(ctx, signaling.StartCall(id, peer))
		}
		if err != nil {
			m.abort(err)
			return
		}
		m.activate()
		return

	case signaling.KindReject:
		if m.state == StateOutgoingRinging && m.call.Type == CallIndividual {
			m.notify(NoticeCallRejected, nil)
			m.finish()
			return
		}

	case signaling.KindCancel:
		if m.state == StateIncomingRinging && m.call.Type == CallIndividual {
			m.notify(NoticeCallCancelled, nil)
			m.finish()
			return
		}

	case signaling.KindEnd:
		if m.call.Type != CallIndividual {
			break
		}
		switch m.state {
		case StateActive:
			m.notify(NoticeCallEnded, nil)
			m.end(ctx, false)
			return
		case StateOutgoingRinging, StateIncomingRinging:
			m.notify(NoticeCallCancelled, nil)
			m.finish()
			return
		}

	case signaling.KindGroupJoin:
		if m.call.Type == CallGroup && sig.From != "" {
			m.call.addMember(sig.From)
			log.Info("Member joined group call", "group", m.call.Group, "members", len(m.call.Members))
			return
		}

	case signaling.KindGroupLeave:
		if m.call.Type == CallGroup && sig.From != "" {
			m.call.removeMember(sig.From)
			log.Info("Member left group call", "group", m.call.Group, "members", len(m.call.Members))
			return
		}

	case signaling.KindGroupEnded:
		if m.call.Type != CallGroup {
			break
		}
		switch m.state {
		case StateActive:
			m.notify(NoticeCallEnded, nil)
			m.end(ctx, false)
			return
		case StateIncomingRinging:
			m.notify(NoticeCallCancelled, nil)
			m.finish()
			return
		}
	}
	log.Debug("Signal not handled in state", "state", m.state)
}

// matches reports whether sig concerns the current call. Relay notices may
// omit the call id, in which case they apply to the current call.
func (m *Machine) matches(sig signaling.Signal) bool {
	if sig.CallID == "" {
		return sig.Kind == signaling.KindEnd || sig.Kind == signaling.KindGroupEnded
	}
	return sig.CallID == m.call.ID
}

func (m *Machine) onInvite(ctx context.Context, sig signaling.Signal, log *slog.Logger) {
	if sig.From == "" || sig.From == m.deps.Session.Identity {
		log.Debug("Ignoring invite without a usable sender")
		return
	}
	if m.call != nil && sig.CallID == m.call.ID {
		log.Debug("Ignoring duplicate invite")
		return
	}

	group := sig.Kind == signaling.KindGroupInvite
	if m.state == StateIdle {
		call := CallSession{
			ID:        sig.CallID,
			Peer:      sig.From,
			Direction: DirectionIncoming,
			Type:      CallIndividual,
		}
		if group {
			call.Type = CallGroup
			call.Group = sig.Group
			call.Members = []string{sig.From}
		}
		m.begin(call)
		if err := m.deps.Signaler.Bind(ctx, call.ID, false); err != nil {
			log.Warn("Failed to bind incoming call", "error", err)
		}
		m.transition(StateIncomingRinging)
		m.armRing()
		if group {
			m.notify(NoticeGroupInvitation, nil)
		} else {
			m.notify(NoticeIncomingCall, nil)
		}
		return
	}

	if !group && m.state == StateOutgoingRinging && m.call.Type == CallIndividual && m.call.Peer == sig.From {
		m.tieBreak(ctx, sig, log)
		return
	}

	log.Info("Declining invite", "state", m.state, "reason", ErrConcurrentCallRejected)
	m.deps.Notifier.Notify(Notice{Kind: NoticeBusy, CallID: sig.CallID, Peer: sig.From, Group: sig.Group, Err: ErrConcurrentCallRejected})
	if group {
		return
	}
	if err := m.send(signaling.Signal{Kind: signaling.KindReject, CallID: sig.CallID, To: sig.From}); err != nil {
		log.Warn("Failed to decline invite", "error", err)
	}
}

// tieBreak resolves two clients calling each other at once. The smaller
// identity keeps its call; the larger cancels its own and answers the
// smaller's, so both converge on one call id.
func (m *Machine) tieBreak(ctx context.Context, sig signaling.Signal, log *slog.Logger) {
	if m.deps.Session.Identity < sig.From {
		log.Info("Simultaneous call, keeping own call", "own_call_id", m.call.ID)
		return
	}

	own := m.call.ID
	log.Info("Simultaneous call, answering peer's call", "own_call_id", own)
	m.cancelRinging()
	if err := m.send(signaling.Signal{Kind: signaling.KindCancel, CallID: own, To: sig.From}); err != nil {
		log.Warn("Failed to cancel own call", "error", err)
	}
	m.deps.Signaler.Release(own)

	m.epoch++
	m.call.ID = sig.CallID
	m.call.Direction = DirectionIncoming
	if err := m.answer(ctx); err != nil {
		log.Warn("Failed to answer peer's call", "error", err)
	}
}

func (m *Machine) onTransportFailure(ctx context.Context, err error) {
	if m.state == StateIdle {
		return
	}
	var te *transport.Error
	if errors.As(err, &te) && te.Channel == "audio" && m.state != StateActive {
		m.deps.Logger.Debug("Audio channel lost outside a call", "error", err)
		return
	}
	m.deps.Logger.Warn("Transport failure, ending call", "call_id", m.call.ID, "state", m.state, "error", err)
	m.notify(NoticeConnectionLost, err)
	if m.state == StateActive {
		m.end(ctx, false)
		return
	}
	m.finish()
}

func (m *Machine) onCaptureStarted(ctx context.Context, e CaptureStarted) {
	if e.Epoch != m.epoch || m.state != StateActive {
		m.deps.Logger.Debug("Discarding stale capture completion", "epoch", e.Epoch, "current", m.epoch)
		return
	}
	switch {
	case e.Err == nil:
		m.deps.Logger.Debug("Capture running", "call_id", m.call.ID)
	case errors.Is(e.Err, audio.ErrSuperseded):
	default:
		m.deps.Logger.Error("Microphone unavailable, ending call", "call_id", m.call.ID, "error", e.Err)
		m.notify(NoticePermissionDenied, e.Err)
		m.end(ctx, true)
	}
}

func (m *Machine) onRingTimeout(e RingTimeout) {
	if e.Epoch != m.epoch {
		return
	}
	switch {
	case m.state == StateOutgoingRinging:
		if err := m.send(signaling.Signal{Kind: signaling.KindCancel, CallID: m.call.ID, To: m.call.Peer}); err != nil {
			m.deps.Logger.Warn("Failed to send cancel", "call_id", m.call.ID, "error", err)
		}
	case m.state == StateIncomingRinging && m.call.Type == CallIndividual:
		if err := m.send(signaling.Signal{Kind: signaling.KindReject, CallID: m.call.ID, To: m.call.Peer}); err != nil {
			m.deps.Logger.Warn("Failed to send reject", "call_id", m.call.ID, "error", err)
		}
	case m.state == StateIncomingRinging:
	default:
		return
	}
	m.deps.Logger.Info("Ringing timed out", "call_id", m.call.ID)
	m.notify(NoticeRingTimeout, nil)
	m.finish()
}

func (m *Machine) begin(call CallSession) {
	m.epoch++
	call.State = m.state
	call.CreatedAt = m.deps.Now()
	m.call = &call
}

func (m *Machine) activate() {
	m.cancelRinging()
	m.transition(StateActive)
	m.notify(NoticeCallConnected, nil)
	m.deps.Media.StartCapture(m.epoch, m.call.ID)
}

// end tears down an active call through Ending. With announce the peer (or
// group) is told; otherwise the call already ended remotely.
func (m *Machine) end(ctx context.Context, announce bool) {
	call := *m.call
	m.transition(StateEnding)
	m.deps.Media.StopCapture()
	m.deps.Media.StopPlayback(call.ID)

	if announce {
		if call.Type == CallGroup {
			if err := m.deps.Signaler.SendCommand(ctx, signaling.LeaveGroupCall(call.ID, call.Group)); err != nil {
				m.deps.Logger.Warn("Failed to leave group call", "call_id", call.ID, "error", err)
			}
			if err := m.send(signaling.Signal{Kind: signaling.KindGroupLeave, CallID: call.ID, Group: call.Group}); err != nil {
				m.deps.Logger.Warn("Failed to send group leave", "call_id", call.ID, "error", err)
			}
		} else {
			if err := m.send(signaling.Signal{Kind: signaling.KindEnd, CallID: call.ID, To: call.Peer}); err != nil {
				m.deps.Logger.Warn("Failed to send end", "call_id", call.ID, "error", err)
			}
			if err := m.deps.Signaler.SendCommand(ctx, signaling.EndCall(call.ID)); err != nil {
				m.deps.Logger.Warn("Failed to send END_CALL", "call_id", call.ID, "error", err)
			}
		}
	}
	m.finish()
}

// finish returns to Idle. From Active it must go through end first.
func (m *Machine) finish() {
	if m.call == nil {
		return
	}
	m.cancelRinging()
	m.deps.Signaler.Release(m.call.ID)
	m.epoch++
	m.transition(StateIdle)
	m.call = nil
}

// fail abandons the session after a local send or bind error.
func (m *Machine) fail(err error) {
	if m.call == nil {
		return
	}
	m.deps.Logger.Error("Call setup failed", "call_id", m.call.ID, "error", err)
	m.notify(NoticeConnectionLost, err)
	if m.state == StateActive {
		m.end(context.Background(), false)
		return
	}
	m.finish()
}

// abort abandons a 1:1 call whose accept was already exchanged. The peer
// considers the call live, so it is told with an end.
func (m *Machine) abort(err error) {
	if m.call == nil {
		return
	}
	id, peer := m.call.ID, m.call.Peer
	m.deps.Logger.Error("Call setup failed after accept", "call_id", id, "error", err)
	m.notify(NoticeConnectionLost, err)
	if err := m.send(signaling.Signal{Kind: signaling.KindEnd, CallID: id, To: peer}); err != nil {
		m.deps.Logger.Warn("Failed to send end", "call_id", id, "error", err)
	}
	m.finish()
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	var snapshot CallSession
	if m.call != nil {
		m.call.State = to
		snapshot = m.call.clone()
	}
	m.deps.Logger.Info("Call state changed", "from", from, "to", to, "call_id", snapshot.ID)
	for _, fn := range m.observers {
		fn(from, to, snapshot)
	}
}

func (m *Machine) armRing() {
	if m.deps.After == nil || m.deps.RingTimeout <= 0 {
		return
	}
	m.cancelRinging()
	m.cancelRing = m.deps.After(m.deps.RingTimeout, RingTimeout{Epoch: m.epoch})
}

func (m *Machine) cancelRinging() {
	if m.cancelRing != nil {
		m.cancelRing()
		m.cancelRing = nil
	}
}

func (m *Machine) send(sig signaling.Signal) error {
	return m.deps.Signaler.SendControl(sig)
}

func (m *Machine) notify(kind NoticeKind, err error) {
	n := Notice{Kind: kind, Err: err}
	if m.call != nil {
		n.CallID, n.Peer, n.Group = m.call.ID, m.call.Peer, m.call.Group
	}
	m.deps.Notifier.Notify(n)
}

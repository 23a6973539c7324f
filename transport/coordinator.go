// Package transport routes call traffic over the two per-client channels: the
// long-lived control channel carrying signals, and the lazily opened audio
// channel carrying colon commands and raw PCM.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lisuiheng/voicecall-go/audio"
	"github.com/lisuiheng/voicecall-go/pkg/interfaces"
	"github.com/lisuiheng/voicecall-go/signaling"
)

// Dialer opens a new, connected channel.
type Dialer func(ctx context.Context) (interfaces.TransportProtocol, error)

// Binding associates a call with its channels.
type Binding struct {
	Control string // identity the control channel is registered under
	Audio   bool
}

type Coordinator struct {
	identity  string
	dialAudio Dialer
	logger    *slog.Logger

	mu        sync.Mutex
	control   interfaces.TransportProtocol
	audio     interfaces.TransportProtocol
	audioCall string // call currently holding the audio binding
	bindings  map[string]Binding
	onControl func(signaling.Signal)
	onAudio   func(audio.Frame)
	onFailure func(error)
}

func NewCoordinator(identity string, control interfaces.TransportProtocol, dialAudio Dialer, logger *slog.Logger) (*Coordinator, error) {
	if identity == "" {
		return nil, errors.New("identity cannot be empty")
	}
	if control == nil {
		return nil, errors.New("control channel cannot be nil")
	}
	if dialAudio == nil {
		return nil, errors.New("audio dialer cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Coordinator{
		identity:  identity,
		control:   control,
		dialAudio: dialAudio,
		logger:    logger,
		bindings:  make(map[string]Binding),
	}, nil
}

// OnControlEvent registers the single consumer of inbound signals.
func (c *Coordinator) OnControlEvent(h func(signaling.Signal)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onControl != nil {
		return fmt.Errorf("%w: control", ErrHandlerRegistered)
	}
	c.onControl = h
	return nil
}

// OnAudioFrame registers the single consumer of inbound audio.
func (c *Coordinator) OnAudioFrame(h func(audio.Frame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onAudio != nil {
		return fmt.Errorf("%w: audio", ErrHandlerRegistered)
	}
	c.onAudio = h
	return nil
}

// OnFailure registers a callback for audio channel loss.
func (c *Coordinator) OnFailure(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = h
}

// SetControl replaces the control channel after a reconnect.
func (c *Coordinator) SetControl(control interfaces.TransportProtocol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = control
}

// Control returns the current control channel.
func (c *Coordinator) Control() interfaces.TransportProtocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control
}

// SendControl stamps the local identity on sig and transmits it.
func (c *Coordinator) SendControl(sig signaling.Signal) error {
	sig.From = c.identity
	data, err := signaling.Encode(sig)
	if err != nil {
		return err
	}

	c.mu.Lock()
	control := c.control
	c.mu.Unlock()

	if err := control.Send(data, interfaces.MsgText); err != nil {
		return &Error{Channel: "control", Op: "send", Err: err}
	}
	c.logger.Debug("Signal sent", "type", sig.Kind, "call_id", sig.CallID, "to", sig.To, "group", sig.Group)
	return nil
}

// SendCommand transmits a colon command on the audio channel, opening the
// channel first if needed.
func (c *Coordinator) SendCommand(ctx context.Context, cmd signaling.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	ch, err := c.ensureAudio(ctx)
	if err != nil {
		return err
	}
	if err := ch.Send([]byte(cmd.String()), interfaces.MsgText); err != nil {
		c.dropAudio(ch)
		return &Error{Channel: "audio", Op: "send", Err: err}
	}
	c.logger.Debug("Audio command sent", "command", cmd.String())
	return nil
}

// SendAudioFrame transmits frame if the audio channel is open and bound to
// the frame's call. Otherwise the frame is dropped; audio is best effort and
// never queued.
func (c *Coordinator) SendAudioFrame(frame audio.Frame) bool {
	c.mu.Lock()
	ch := c.audio
	bound := c.audioCall != "" && c.audioCall == frame.CallID
	c.mu.Unlock()

	if ch == nil || !bound {
		return false
	}
	if err := ch.Send(frame.Bytes(), interfaces.MsgBinary); err != nil {
		c.logger.Debug("Audio frame dropped", "call_id", frame.CallID, "error", err)
		return false
	}
	return true
}

// Bind records callID on the control channel and, with withAudio, moves the
// audio binding to it. Only one call holds the audio binding at a time.
func (c *Coordinator) Bind(ctx context.Context, callID string, withAudio bool) error {
	if callID == "" {
		return errors.New("call id cannot be empty")
	}
	if withAudio {
		if _, err := c.ensureAudio(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	b := Binding{Control: c.identity}
	if withAudio {
		if c.audioCall != "" && c.audioCall != callID {
			prev := c.bindings[c.audioCall]
			prev.Audio = false
			c.bindings[c.audioCall] = prev
			c.logger.Warn("Audio binding moved", "from", c.audioCall, "to", callID)
		}
		c.audioCall = callID
		b.Audio = true
	} else if c.audioCall == callID {
		c.audioCall = ""
	}
	c.bindings[callID] = b
	return nil
}

// Release forgets callID. The audio channel stays open for the next call.
func (c *Coordinator) Release(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, callID)
	if c.audioCall == callID {
		c.audioCall = ""
	}
}

// Binding returns the channels bound to callID.
func (c *Coordinator) Binding(callID string) (Binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[callID]
	return b, ok
}

// AudioOpen reports whether the audio channel is currently established.
func (c *Coordinator) AudioOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio != nil
}

// Run pumps the control channel into the control handler until the channel
// closes or ctx is done. A closed channel is reported as a *Error; the
// coordinator never reconnects by itself.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	control := c.control
	c.mu.Unlock()

	in := control.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return &Error{Channel: "control", Op: "receive", Err: interfaces.ErrChannelClosed}
			}
			if msg.Type != interfaces.MsgText {
				c.logger.Debug("Ignoring non-text control message", "type", msg.Type)
				continue
			}
			sig, err := signaling.Decode(msg.Payload)
			if err != nil {
				c.logger.Warn("Dropping malformed signal", "error", err, "raw", string(msg.Payload))
				continue
			}
			c.deliverSignal(sig)
		}
	}
}

// Close closes both channels.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	control, ch := c.control, c.audio
	c.audio = nil
	c.audioCall = ""
	c.mu.Unlock()

	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	errs = append(errs, control.Close())
	return errors.Join(errs...)
}

func (c *Coordinator) ensureAudio(ctx context.Context) (interfaces.TransportProtocol, error) {
	c.mu.Lock()
	if c.audio != nil {
		ch := c.audio
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	ch, err := c.dialAudio(ctx)
	if err != nil {
		return nil, &Error{Channel: "audio", Op: "open", Err: err}
	}

	c.mu.Lock()
	if c.audio != nil {
		// lost a race with another opener
		existing := c.audio
		c.mu.Unlock()
		_ = ch.Close()
		return existing, nil
	}
	c.audio = ch
	c.mu.Unlock()

	c.logger.Info("Audio channel opened", "identity", c.identity)
	go c.pumpAudio(ch)
	return ch, nil
}

func (c *Coordinator) pumpAudio(ch interfaces.TransportProtocol) {
	for msg := range ch.Receive() {
		switch msg.Type {
		case interfaces.MsgBinary:
			c.deliverAudio(msg.Payload)
		case interfaces.MsgText:
			cmd, err := signaling.ParseCommand(string(msg.Payload))
			if err != nil {
				c.logger.Warn("Dropping malformed audio channel command", "error", err, "raw", string(msg.Payload))
				continue
			}
			sig, ok := cmd.Signal()
			if !ok {
				c.logger.Warn("Unexpected command on audio channel", "command", cmd.String())
				continue
			}
			c.deliverSignal(sig)
		}
	}

	if c.dropAudio(ch) {
		c.logger.Warn("Audio channel closed", "identity", c.identity)
		c.mu.Lock()
		h := c.onFailure
		c.mu.Unlock()
		if h != nil {
			h(&Error{Channel: "audio", Op: "receive", Err: interfaces.ErrChannelClosed})
		}
	}
}

// dropAudio forgets ch if it is still the current audio channel and reports
// whether it was.
func (c *Coordinator) dropAudio(ch interfaces.TransportProtocol) bool {
	c.mu.Lock()
	current := c.audio == ch
	if current {
		c.audio = nil
		if c.audioCall != "" {
			b := c.bindings[c.audioCall]
			b.Audio = false
			c.bindings[c.audioCall] = b
			c.audioCall = ""
		}
	}
	c.mu.Unlock()
	if current {
		_ = ch.Close()
	}
	return current
}

func (c *Coordinator) deliverSignal(sig signaling.Signal) {
	c.mu.Lock()
	h := c.onControl
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("No control handler, dropping signal", "type", sig.Kind)
		return
	}
	h(sig)
}

func (c *Coordinator) deliverAudio(payload []byte) {
	c.mu.Lock()
	h := c.onAudio
	callID := c.audioCall
	c.mu.Unlock()
	if h == nil || callID == "" {
		return
	}
	h(audio.Frame{CallID: callID, Samples: audio.BytesToPCM16(payload)})
}

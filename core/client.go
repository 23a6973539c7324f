package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lisuiheng/voicecall-go/audio"
	"github.com/lisuiheng/voicecall-go/pkg/interfaces"
	"github.com/lisuiheng/voicecall-go/protocols/websocket"
	"github.com/lisuiheng/voicecall-go/signaling"
	"github.com/lisuiheng/voicecall-go/transport"
	"github.com/lisuiheng/voicecall-go/utils"
	"golang.org/x/sync/errgroup"
)

// Client is one voice call endpoint. A single event loop owns the call state
// machine; transport pumps, device callbacks and timers post events to it.
type Client struct {
	config  Config
	session Session
	logger  *slog.Logger

	machine   *Machine
	coord     *transport.Coordinator
	capture   *audio.Capture
	scheduler *audio.Scheduler
	output    audio.Output
	notifier  Notifier
	backoff   utils.ReconnectStrategy

	events    chan envelope
	closeChan chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	connected atomic.Bool

	mu       sync.RWMutex
	snapshot Status

	// set by options
	openSource audio.SourceFactory
}

type envelope struct {
	ev    Event
	reply chan error
}

// Status is a point-in-time view of the client.
type Status struct {
	Identity  string
	State     State
	Call      *CallSession
	Connected bool
}

type Option func(*Client)

// WithSourceFactory replaces the microphone.
func WithSourceFactory(open audio.SourceFactory) Option {
	return func(c *Client) { c.openSource = open }
}

// WithOutput replaces the speaker.
func WithOutput(out audio.Output) Option {
	return func(c *Client) { c.output = out }
}

func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

func WithReconnectStrategy(s utils.ReconnectStrategy) Option {
	return func(c *Client) { c.backoff = s }
}

// NewClient wires the audio pipeline, the transport and the state machine.
// Nothing is dialed until Run.
func NewClient(cfg Config, log *slog.Logger, opts ...Option) (*Client, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	session, err := NewSession(cfg.System.Identity)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:    cfg,
		session:   session,
		logger:    log.With("identity", session.Identity),
		events:    make(chan envelope, 256),
		closeChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = NotifierFunc(func(n Notice) {
			c.logger.Info("Call notice", "kind", n.Kind, "call_id", n.CallID, "peer", n.Peer, "group", n.Group, "error", n.Err)
		})
	}
	if c.backoff == nil {
		c.backoff = utils.NewExponentialBackoffWith(cfg.System.Network.ReconnectInitial, cfg.System.Network.ReconnectMax)
	}
	if c.openSource == nil {
		if cfg.Audio.InputFile != "" {
			c.openSource, err = audio.NewWAVSourceFactory(cfg.Audio.InputFile, cfg.Audio.PeriodFrames, c.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to load audio input file: %w", err)
			}
		} else {
			c.openSource = audio.NewMalgoSourceFactory(cfg.Audio.PeriodFrames, c.logger)
		}
	}
	if c.output == nil {
		player, err := audio.NewPlayer(cfg.Audio.FramesPerBuffer, c.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio player: %w", err)
		}
		c.output = player
	}

	control, err := c.newControl()
	if err != nil {
		return nil, err
	}
	c.coord, err = transport.NewCoordinator(session.Identity, control, c.dialAudio, c.logger.With("component", "transport"))
	if err != nil {
		return nil, err
	}
	if err := c.coord.OnControlEvent(func(sig signaling.Signal) { c.post(SignalReceived{Signal: sig}) }); err != nil {
		return nil, err
	}
	if err := c.coord.OnAudioFrame(func(f audio.Frame) { c.post(AudioReceived{Frame: f}) }); err != nil {
		return nil, err
	}
	c.coord.OnFailure(func(err error) { c.post(TransportFailure{Err: err}) })

	c.capture, err = audio.NewCapture(audio.CaptureConfig{
		WindowSize: cfg.Audio.WindowSize,
		SendBuffer: cfg.Audio.SendBuffer,
	}, c.openSource, c.coord.SendAudioFrame, c.logger.With("component", "capture"))
	if err != nil {
		return nil, err
	}
	c.scheduler, err = audio.NewScheduler(c.output, c.logger.With("component", "playback"))
	if err != nil {
		return nil, err
	}

	c.machine, err = NewMachine(Deps{
		Session:     session,
		Signaler:    c.coord,
		Media:       (*clientMedia)(c),
		Notifier:    c.notifier,
		Logger:      c.logger.With("component", "call"),
		After:       c.after,
		RingTimeout: cfg.Call.RingTimeout,
	})
	if err != nil {
		return nil, err
	}
	c.machine.OnStateChange(func(_, _ State, _ CallSession) { c.refresh() })
	c.refresh()
	return c, nil
}

func (c *Client) newControl() (*websocket.WSProtocol, error) {
	return websocket.NewWebSocketProtocol(websocket.Config{
		URL:          c.config.System.Network.ControlURL,
		Identity:     c.session.Identity,
		AccessToken:  c.config.System.Network.AccessToken,
		DialTimeout:  c.config.System.Network.DialTimeout,
		WriteTimeout: c.config.System.Network.WriteTimeout,
		Kind:         "control",
	})
}

func (c *Client) dialAudio(ctx context.Context) (interfaces.TransportProtocol, error) {
	ch, err := websocket.NewWebSocketProtocol(websocket.Config{
		URL:          c.config.System.Network.AudioURL,
		Identity:     c.session.Identity,
		AccessToken:  c.config.System.Network.AccessToken,
		DialTimeout:  c.config.System.Network.DialTimeout,
		WriteTimeout: c.config.System.Network.WriteTimeout,
		Kind:         "audio",
	})
	if err != nil {
		return nil, err
	}
	if err := ch.Connect(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// Run connects the control channel and processes events until ctx is done or
// Close is called. A failed first connection is returned; later losses are
// retried with backoff.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("client already running")
	}
	defer c.running.Store(false)

	c.logger.Info("Starting client main loop")
	defer c.logger.Info("Client main loop stopped")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closeChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.connect(ctx, nil); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.loop(gctx) })
	g.Go(func() error { return c.maintainControl(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connect dials the control channel. A nil ch dials the one the coordinator
// was created with.
func (c *Client) connect(ctx context.Context, ch *websocket.WSProtocol) error {
	if ch != nil {
		c.coord.SetControl(ch)
	}
	c.logger.Info("Connecting to relay", "url", c.config.System.Network.ControlURL)
	if err := c.controlChannel().Connect(ctx); err != nil {
		c.logger.Error("Failed to connect to relay", "error", err)
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	c.connected.Store(true)
	c.logger.Info("Connected to relay")
	return nil
}

func (c *Client) controlChannel() interfaces.TransportProtocol {
	return c.coord.Control()
}

// maintainControl pumps the control channel and redials it when it drops.
func (c *Client) maintainControl(ctx context.Context) error {
	for {
		err := c.coord.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.connected.Store(false)
		c.logger.Warn("Control channel lost", "error", err)
		c.post(TransportFailure{Err: err})

		for {
			delay := c.backoff.NextDelay()
			c.logger.Info("Reconnecting", "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			ch, err := c.newControl()
			if err != nil {
				return err
			}
			if err := c.connect(ctx, ch); err != nil {
				continue
			}
			c.backoff.Reset()
			break
		}
	}
}

func (c *Client) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.shutdownCall()
			return ctx.Err()
		case env := <-c.events:
			err := c.machine.Handle(ctx, env.ev)
			c.refresh()
			if env.reply != nil {
				env.reply <- err
			}
		}
	}
}

// shutdownCall ends any call in progress when the loop stops.
func (c *Client) shutdownCall() {
	if c.machine.State() == StateIdle {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.machine.Handle(shutdownCtx, LocalHangup{}); err != nil {
		c.logger.Debug("Hangup on shutdown", "error", err)
	}
	c.refresh()
}

// post queues an event from a pump or callback. It never blocks after Close.
func (c *Client) post(ev Event) {
	select {
	case c.events <- envelope{ev: ev}:
	case <-c.closeChan:
	}
}

// submit queues a local intent and waits for the machine's verdict.
func (c *Client) submit(ev Event) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case c.events <- envelope{ev: ev, reply: reply}:
	case <-c.closeChan:
		return ErrClientClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.closeChan:
		return ErrClientClosed
	}
}

func (c *Client) after(d time.Duration, ev Event) func() {
	t := time.AfterFunc(d, func() { c.post(ev) })
	return func() { t.Stop() }
}

// Call starts a 1:1 call to peer.
func (c *Client) Call(peer string) error { return c.submit(InitiateCall{Peer: peer}) }

// Accept answers the ringing call. For group invitations it joins.
func (c *Client) Accept() error { return c.submit(LocalAccept{}) }

func (c *Client) Reject() error { return c.submit(LocalReject{}) }

// Hangup ends, cancels or leaves the current call.
func (c *Client) Hangup() error { return c.submit(LocalHangup{}) }

// StartGroupCall opens a group call and invites members.
func (c *Client) StartGroupCall(group string, members []string) error {
	return c.submit(StartGroupCall{Group: group, Members: members})
}

// Join joins the group call this client was invited to.
func (c *Client) Join() error { return c.Accept() }

// Leave leaves the current group call.
func (c *Client) Leave() error { return c.Hangup() }

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snapshot
	s.Connected = c.connected.Load()
	if s.Call != nil {
		call := s.Call.clone()
		s.Call = &call
	}
	return s
}

// refresh copies machine state for Status. Called from the loop only, or
// before the loop starts.
func (c *Client) refresh() {
	s := Status{Identity: c.session.Identity, State: c.machine.State()}
	if call, ok := c.machine.Call(); ok {
		s.Call = &call
	}
	c.mu.Lock()
	c.snapshot = s
	c.mu.Unlock()
}

// Close stops the loop and releases devices and channels.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("Closing client")
		close(c.closeChan)

		c.capture.Stop()
		c.scheduler.CloseAll()

		var errs []error
		errs = append(errs, c.coord.Close())
		if closer, ok := c.output.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
		c.connected.Store(false)
		err = errors.Join(errs...)
	})
	return err
}

// clientMedia adapts the client's audio pipeline to Media.
type clientMedia Client

func (m *clientMedia) StartCapture(epoch uint64, callID string) {
	c := (*Client)(m)
	select {
	case <-c.closeChan:
		return
	default:
	}
	go func() {
		err := c.capture.Start(callID)
		c.post(CaptureStarted{Epoch: epoch, Err: err})
	}()
}

func (m *clientMedia) StopCapture() { m.capture.Stop() }

func (m *clientMedia) Play(frame audio.Frame) { m.scheduler.Schedule(frame) }

func (m *clientMedia) StopPlayback(callID string) { m.scheduler.Close(callID) }

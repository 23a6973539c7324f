package core

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lisuiheng/voicecall-go/audio"
	"github.com/lisuiheng/voicecall-go/logger"
	"github.com/lisuiheng/voicecall-go/relay"
	"go.opentelemetry.io/otel/metric/noop"
)

// toneSource emits a constant signal every 10ms until closed.
type toneSource struct {
	stop chan struct{}
	wg   sync.WaitGroup
}

func (s *toneSource) Start(onSamples func([]float32)) error {
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				samples := make([]float32, 160)
				for i := range samples {
					samples[i] = 0.25
				}
				onSamples(samples)
			}
		}
	}()
	return nil
}

func (s *toneSource) Close() error {
	if s.stop != nil {
		close(s.stop)
		s.wg.Wait()
		s.stop = nil
	}
	return nil
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) Notify(n Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *noticeLog) has(kind NoticeKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.ContainsFunc(l.notices, func(n Notice) bool { return n.Kind == kind })
}

type endpoint struct {
	client   *Client
	timeline *audio.Timeline
	notices  *noticeLog
}

func startRelay(t *testing.T) string {
	t.Helper()
	metrics, err := relay.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	hub, err := relay.NewHub(nil, metrics, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startEndpoint(t *testing.T, base, identity string) *endpoint {
	t.Helper()
	var cfg Config
	cfg.System.Identity = identity
	cfg.System.Network.ControlURL = base + "/ws/control"
	cfg.System.Network.AudioURL = base + "/ws/audio"
	cfg.System.Network.ReconnectInitial = 50 * time.Millisecond
	cfg.System.Network.ReconnectMax = time.Second
	cfg.Audio.WindowSize = 160
	cfg.Call.RingTimeout = 10 * time.Second

	ep := &endpoint{timeline: audio.NewTimeline(audio.SampleRate), notices: &noticeLog{}}
	c, err := NewClient(cfg, logger.Discard(),
		WithSourceFactory(func() (audio.Source, error) { return &toneSource{}, nil }),
		WithOutput(ep.timeline),
		WithNotifier(ep.notices),
	)
	if err != nil {
		t.Fatal(err)
	}
	ep.client = c

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("%s run: %v", identity, err)
		}
		_ = c.Close()
	})

	waitFor(t, identity+" connected", func() bool { return c.Status().Connected })
	return ep
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (ep *endpoint) inState(s State) func() bool {
	return func() bool { return ep.client.Status().State == s }
}

func TestClient_IntentsRequireRunning(t *testing.T) {
	var cfg Config
	cfg.System.Identity = "alice"
	cfg.System.Network.ControlURL = "ws://127.0.0.1:1/ws/control"
	cfg.System.Network.AudioURL = "ws://127.0.0.1:1/ws/audio"

	c, err := NewClient(cfg, logger.Discard(),
		WithSourceFactory(func() (audio.Source, error) { return &toneSource{}, nil }),
		WithOutput(audio.NewTimeline(audio.SampleRate)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Call("bob"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("got %v, want ErrNotRunning", err)
	}
	if s := c.Status(); s.State != StateIdle || s.Connected || s.Identity != "alice" {
		t.Errorf("status %+v", s)
	}
}

func TestClient_RejectsInvalidIdentity(t *testing.T) {
	var cfg Config
	cfg.System.Identity = "a:b"
	cfg.System.Network.ControlURL = "ws://127.0.0.1:1/ws/control"
	cfg.System.Network.AudioURL = "ws://127.0.0.1:1/ws/audio"
	if _, err := NewClient(cfg, logger.Discard()); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("got %v, want ErrInvalidIdentity", err)
	}
}

func TestClient_OneToOneCallThroughRelay(t *testing.T) {
	base := startRelay(t)
	alice := startEndpoint(t, base, "alice")
	bob := startEndpoint(t, base, "bob")

	if err := alice.client.Call("bob"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob ringing", bob.inState(StateIncomingRinging))
	if !bob.notices.has(NoticeIncomingCall) {
		t.Error("bob was not told about the call")
	}
	if err := alice.client.Call("carol"); !errors.Is(err, ErrCallInProgress) {
		t.Errorf("second call: got %v, want ErrCallInProgress", err)
	}

	if err := bob.client.Accept(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice active", alice.inState(StateActive))
	waitFor(t, "bob active", bob.inState(StateActive))

	aliceCall := alice.client.Status().Call
	bobCall := bob.client.Status().Call
	if aliceCall == nil || bobCall == nil || aliceCall.ID != bobCall.ID {
		t.Fatalf("call ids differ: %+v %+v", aliceCall, bobCall)
	}

	waitFor(t, "audio at bob", func() bool { return bob.timeline.Pending() > 0 })
	waitFor(t, "audio at alice", func() bool { return alice.timeline.Pending() > 0 })

	if err := alice.client.Hangup(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice idle", alice.inState(StateIdle))
	waitFor(t, "bob idle", bob.inState(StateIdle))
	if !bob.notices.has(NoticeCallEnded) {
		t.Error("bob was not told the call ended")
	}
}

func TestClient_RejectedCall(t *testing.T) {
	base := startRelay(t)
	alice := startEndpoint(t, base, "alice")
	bob := startEndpoint(t, base, "bob")

	if err := alice.client.Call("bob"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob ringing", bob.inState(StateIncomingRinging))
	if err := bob.client.Reject(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice idle", alice.inState(StateIdle))
	waitFor(t, "alice notice", func() bool { return alice.notices.has(NoticeCallRejected) })
	if bob.client.Status().State != StateIdle {
		t.Errorf("bob: %s", bob.client.Status().State)
	}
}

func TestClient_GroupCallSurvivesInitiatorLeaving(t *testing.T) {
	base := startRelay(t)
	alice := startEndpoint(t, base, "alice")
	bob := startEndpoint(t, base, "bob")
	carol := startEndpoint(t, base, "carol")

	if err := alice.client.StartGroupCall("team", []string{"bob", "carol"}); err != nil {
		t.Fatal(err)
	}
	if s := alice.client.Status(); s.State != StateActive || s.Call == nil || s.Call.Type != CallGroup {
		t.Fatalf("alice: %+v", s)
	}
	waitFor(t, "bob invited", bob.inState(StateIncomingRinging))
	waitFor(t, "carol invited", carol.inState(StateIncomingRinging))
	if !carol.notices.has(NoticeGroupInvitation) {
		t.Error("carol was not told about the group call")
	}

	if err := carol.client.Join(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "carol active", carol.inState(StateActive))
	waitFor(t, "audio at alice", func() bool { return alice.timeline.Pending() > 0 })

	if err := alice.client.Leave(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice idle", alice.inState(StateIdle))
	waitFor(t, "carol sees alice leave", func() bool {
		call := carol.client.Status().Call
		return call != nil && !slices.Contains(call.Members, "alice")
	})
	time.Sleep(100 * time.Millisecond)
	if s := carol.client.Status().State; s != StateActive {
		t.Errorf("carol: got %s, want active", s)
	}
}

func TestClient_GroupInvitationsEndWhenInitiatorLeavesAlone(t *testing.T) {
	base := startRelay(t)
	alice := startEndpoint(t, base, "alice")
	bob := startEndpoint(t, base, "bob")
	carol := startEndpoint(t, base, "carol")

	if err := alice.client.StartGroupCall("team", []string{"bob", "carol"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob invited", bob.inState(StateIncomingRinging))
	waitFor(t, "carol invited", carol.inState(StateIncomingRinging))

	if err := alice.client.Leave(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob idle", bob.inState(StateIdle))
	waitFor(t, "carol idle", carol.inState(StateIdle))
	if !bob.notices.has(NoticeCallCancelled) {
		t.Error("bob was not told the group call ended")
	}
	if err := bob.client.Join(); !errors.Is(err, ErrNoCall) {
		t.Errorf("join after end: got %v, want ErrNoCall", err)
	}
}

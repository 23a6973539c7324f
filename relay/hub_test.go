package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lisuiheng/voicecall-go/logger"
	"github.com/lisuiheng/voicecall-go/pkg/interfaces"
	"github.com/lisuiheng/voicecall-go/protocols/websocket"
	"github.com/lisuiheng/voicecall-go/signaling"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type testRelay struct {
	hub *Hub
	srv *httptest.Server
}

func newTestRelay(t *testing.T, groups map[string][]string) *testRelay {
	t.Helper()
	metrics, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return newTestRelayWithMetrics(t, groups, metrics)
}

func newTestRelayWithMetrics(t *testing.T, groups map[string][]string, metrics *Metrics) *testRelay {
	t.Helper()
	hub, err := NewHub(groups, metrics, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return &testRelay{hub: hub, srv: srv}
}

func (r *testRelay) url(channel string) string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws/" + channel
}

// dial connects identity on channel and waits until the hub has registered it.
func (r *testRelay) dial(t *testing.T, channel, identity string) *websocket.WSProtocol {
	t.Helper()
	p, err := websocket.NewWebSocketProtocol(websocket.Config{URL: r.url(channel), Identity: identity, Kind: channel})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("dial %s/%s: %v", channel, identity, err)
	}
	t.Cleanup(func() { _ = p.Close() })

	conns := r.hub.control
	if channel == "audio" {
		conns = r.hub.audio
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.hub.mu.Lock()
		ready := conns[identity] != nil
		r.hub.mu.Unlock()
		if ready {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s/%s never registered", channel, identity)
	return nil
}

func recv(t *testing.T, p *websocket.WSProtocol) interfaces.Message {
	t.Helper()
	select {
	case msg, ok := <-p.Receive():
		if !ok {
			t.Fatal("channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return interfaces.Message{}
}

func expectSilence(t *testing.T, p *websocket.WSProtocol) {
	t.Helper()
	select {
	case msg := <-p.Receive():
		t.Fatalf("unexpected message %v %q", msg.Type, msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func sendText(t *testing.T, p *websocket.WSProtocol, text string) {
	t.Helper()
	if err := p.Send([]byte(text), interfaces.MsgText); err != nil {
		t.Fatal(err)
	}
}

func TestDuplicateIdentityRefused(t *testing.T) {
	r := newTestRelay(t, nil)
	r.dial(t, "control", "alice")

	p, err := websocket.NewWebSocketProtocol(websocket.Config{URL: r.url("control"), Identity: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	err = p.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("got %v, want 409", err)
	}
}

func TestControl_RoutesByRecipient(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, "control", "alice")
	bob := r.dial(t, "control", "bob")
	carol := r.dial(t, "control", "carol")

	// the relay stamps the real sender
	sendText(t, alice, `{"type":"invite","call_id":"c1","from":"mallory","to":"bob"}`)

	sig, err := signaling.Decode(recv(t, bob).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Kind != signaling.KindInvite || sig.From != "alice" || sig.CallID != "c1" {
		t.Errorf("got %+v", sig)
	}
	expectSilence(t, carol)
}

func TestControl_GroupFanOut(t *testing.T) {
	r := newTestRelay(t, map[string][]string{"team": {"alice", "bob", "carol"}})
	alice := r.dial(t, "control", "alice")
	bob := r.dial(t, "control", "bob")
	carol := r.dial(t, "control", "carol")
	dave := r.dial(t, "control", "dave")

	sendText(t, alice, `{"type":"group_invite","call_id":"g1","from":"alice","group":"team"}`)
	for _, p := range []*websocket.WSProtocol{bob, carol} {
		sig, err := signaling.Decode(recv(t, p).Payload)
		if err != nil {
			t.Fatal(err)
		}
		if sig.Kind != signaling.KindGroupInvite || sig.Group != "team" || sig.From != "alice" {
			t.Errorf("got %+v", sig)
		}
	}
	expectSilence(t, alice)
	expectSilence(t, dave)
}

func TestControl_UnknownGroupReachesEveryone(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, "control", "alice")
	bob := r.dial(t, "control", "bob")

	sendText(t, alice, `{"type":"group_leave","call_id":"g1","from":"alice","group":"adhoc"}`)
	if sig, _ := signaling.Decode(recv(t, bob).Payload); sig.Kind != signaling.KindGroupLeave {
		t.Errorf("got %+v", sig)
	}
	expectSilence(t, alice)
}

func TestAudio_OneToOne(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, "audio", "alice")
	bob := r.dial(t, "audio", "bob")

	// the callee may join before the caller starts
	sendText(t, bob, "JOIN_CALL:c1")
	sendText(t, alice, "START_CALL:c1:bob")
	time.Sleep(50 * time.Millisecond)

	if err := alice.Send([]byte{1, 0, 2, 0}, interfaces.MsgBinary); err != nil {
		t.Fatal(err)
	}
	msg := recv(t, bob)
	if msg.Type != interfaces.MsgBinary || len(msg.Payload) != 4 {
		t.Errorf("got %v %v", msg.Type, msg.Payload)
	}
	if err := bob.Send([]byte{9, 9}, interfaces.MsgBinary); err != nil {
		t.Fatal(err)
	}
	if msg := recv(t, alice); msg.Type != interfaces.MsgBinary {
		t.Errorf("got %v", msg.Type)
	}

	sendText(t, alice, "END_CALL:c1")
	if msg := recv(t, bob); string(msg.Payload) != "CALL_ENDED:c1" {
		t.Errorf("got %q", msg.Payload)
	}
	expectSilence(t, alice)
	if n := r.hub.ActiveCalls(); n != 0 {
		t.Errorf("active calls: %d", n)
	}
}

func TestAudio_DisconnectEndsOneToOne(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, "audio", "alice")
	bob := r.dial(t, "audio", "bob")

	sendText(t, alice, "START_CALL:c1:bob")
	sendText(t, bob, "JOIN_CALL:c1")
	time.Sleep(50 * time.Millisecond)

	_ = alice.Close()
	if msg := recv(t, bob); string(msg.Payload) != "CALL_ENDED:c1" {
		t.Errorf("got %q", msg.Payload)
	}
}

func TestAudio_GroupLifecycle(t *testing.T) {
	r := newTestRelay(t, map[string][]string{"team": {"alice", "bob", "carol"}})
	alice := r.dial(t, "audio", "alice")
	bob := r.dial(t, "audio", "bob")
	carol := r.dial(t, "audio", "carol")

	sendText(t, alice, "START_GROUP_CALL:g1:team")
	for _, p := range []*websocket.WSProtocol{bob, carol} {
		if msg := recv(t, p); string(msg.Payload) != "GROUP_CALL_INVITATION:g1:team:alice" {
			t.Errorf("got %q", msg.Payload)
		}
	}

	sendText(t, carol, "JOIN_GROUP_CALL:g1:team")
	time.Sleep(50 * time.Millisecond)
	if err := carol.Send([]byte{5, 0}, interfaces.MsgBinary); err != nil {
		t.Fatal(err)
	}
	if msg := recv(t, alice); msg.Type != interfaces.MsgBinary {
		t.Errorf("got %v", msg.Type)
	}

	sendText(t, alice, "LEAVE_GROUP_CALL:g1:team")
	time.Sleep(50 * time.Millisecond)
	if r.hub.ActiveCalls() != 1 {
		t.Fatal("group call ended while carol is still in it")
	}

	sendText(t, carol, "LEAVE_GROUP_CALL:g1:team")
	if msg := recv(t, bob); string(msg.Payload) != "GROUP_CALL_ENDED:g1" {
		t.Errorf("got %q", msg.Payload)
	}
	expectSilence(t, carol)
}

func TestGroupEnded_ReachesUnjoinedInviteesOnControl(t *testing.T) {
	r := newTestRelay(t, nil)
	aliceCtl := r.dial(t, "control", "alice")
	bobCtl := r.dial(t, "control", "bob")
	aliceAudio := r.dial(t, "audio", "alice")

	sendText(t, aliceCtl, `{"type":"group_invite","call_id":"g1","from":"alice","group":"adhoc","members":["bob"]}`)
	if sig, _ := signaling.Decode(recv(t, bobCtl).Payload); sig.Kind != signaling.KindGroupInvite {
		t.Fatalf("got %+v", sig)
	}
	sendText(t, aliceAudio, "START_GROUP_CALL:g1:adhoc")
	time.Sleep(50 * time.Millisecond)

	sendText(t, aliceAudio, "LEAVE_GROUP_CALL:g1:adhoc")
	sig, err := signaling.Decode(recv(t, bobCtl).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Kind != signaling.KindGroupEnded || sig.CallID != "g1" || sig.Group != "adhoc" {
		t.Errorf("got %+v", sig)
	}
	expectSilence(t, aliceCtl)
	if n := r.hub.ActiveCalls(); n != 0 {
		t.Errorf("active calls: %d", n)
	}
}

func TestJoinEndedGroupCallRefused(t *testing.T) {
	r := newTestRelay(t, nil)
	bob := r.dial(t, "audio", "bob")

	sendText(t, bob, "JOIN_GROUP_CALL:gone:team")
	if msg := recv(t, bob); string(msg.Payload) != "GROUP_CALL_ENDED:gone" {
		t.Errorf("got %q", msg.Payload)
	}
	if n := r.hub.ActiveCalls(); n != 0 {
		t.Errorf("join created a call: %d", n)
	}
}

func TestMetrics_CountSignals(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	r := newTestRelayWithMetrics(t, nil, metrics)
	alice := r.dial(t, "control", "alice")
	bob := r.dial(t, "control", "bob")

	sendText(t, alice, `{"type":"invite","call_id":"c1","from":"alice","to":"bob"}`)
	recv(t, bob)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var signals, clients int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				switch m.Name {
				case "voicecall.relay.signals":
					signals += dp.Value
				case "voicecall.relay.clients":
					clients += dp.Value
				}
			}
		}
	}
	if signals != 1 {
		t.Errorf("signals: got %d, want 1", signals)
	}
	if clients != 2 {
		t.Errorf("clients: got %d, want 2", clients)
	}
}

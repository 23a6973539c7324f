// Package relay is the server both channels connect to. It routes control
// signals between identities and bridges call audio between participants.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/lisuiheng/voicecall-go/pkg/interfaces"
	"github.com/lisuiheng/voicecall-go/protocols/websocket"
	"github.com/lisuiheng/voicecall-go/signaling"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type call struct {
	id           string
	group        string
	participants map[string]bool
	invitees     map[string]bool
	joined       map[string]bool // everyone who ever took part
}

func (c *call) add(identity string) {
	c.participants[identity] = true
	c.joined[identity] = true
}

// outbound is one message to deliver after the hub lock is released.
type outbound struct {
	conn *websocket.ServerConn
	text string
	data []byte
}

type Hub struct {
	groups  map[string][]string
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	control  map[string]*websocket.ServerConn
	audio    map[string]*websocket.ServerConn
	calls    map[string]*call
	memberOf map[string]string // identity -> call id on the audio channel
}

func NewHub(groups map[string][]string, metrics *Metrics, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if metrics == nil {
		return nil, errors.New("metrics cannot be nil")
	}
	return &Hub{
		groups:   groups,
		logger:   logger,
		metrics:  metrics,
		control:  make(map[string]*websocket.ServerConn),
		audio:    make(map[string]*websocket.ServerConn),
		calls:    make(map[string]*call),
		memberOf: make(map[string]string),
	}, nil
}

// Handler serves /ws/control/{identity} and /ws/audio/{identity}.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/control/{identity}", h.serveControl)
	mux.HandleFunc("GET /ws/audio/{identity}", h.serveAudio)
	return mux
}

func validIdentity(id string) bool {
	return id != "" && !strings.ContainsAny(id, ":/")
}

// register claims identity in conns, refusing duplicates before upgrading.
func (h *Hub) register(w http.ResponseWriter, r *http.Request, conns map[string]*websocket.ServerConn, channel string) (string, *websocket.ServerConn, bool) {
	identity := r.PathValue("identity")
	if !validIdentity(identity) {
		http.Error(w, "invalid identity", http.StatusBadRequest)
		return "", nil, false
	}

	h.mu.Lock()
	_, taken := conns[identity]
	if !taken {
		conns[identity] = nil // reserved until the upgrade completes
	}
	h.mu.Unlock()
	if taken {
		h.logger.Warn("Duplicate identity refused", "identity", identity, "channel", channel)
		http.Error(w, "identity already connected", http.StatusConflict)
		return "", nil, false
	}

	conn, err := websocket.Accept(w, r)
	if err != nil {
		h.mu.Lock()
		delete(conns, identity)
		h.mu.Unlock()
		h.logger.Error("Websocket upgrade failed", "identity", identity, "channel", channel, "error", err)
		return "", nil, false
	}

	h.metrics.Clients.Add(context.Background(), 1, metric.WithAttributes(attribute.String("channel", channel)))
	h.mu.Lock()
	conns[identity] = conn
	h.mu.Unlock()
	h.logger.Info("Client connected", "identity", identity, "channel", channel)
	return identity, conn, true
}

func (h *Hub) unregister(identity string, conns map[string]*websocket.ServerConn, channel string) {
	h.mu.Lock()
	conn := conns[identity]
	delete(conns, identity)
	h.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	h.metrics.Clients.Add(context.Background(), -1, metric.WithAttributes(attribute.String("channel", channel)))
	h.logger.Info("Client disconnected", "identity", identity, "channel", channel)
}

func (h *Hub) serveControl(w http.ResponseWriter, r *http.Request) {
	identity, conn, ok := h.register(w, r, h.control, "control")
	if !ok {
		return
	}
	defer h.unregister(identity, h.control, "control")

	for {
		msg, err := conn.Read()
		if err != nil {
			return
		}
		if msg.Type != interfaces.MsgText {
			continue
		}
		sig, err := signaling.Decode(msg.Payload)
		if err != nil {
			h.logger.Warn("Dropping malformed signal", "from", identity, "error", err)
			continue
		}
		sig.From = identity
		h.routeSignal(sig)
	}
}

// routeSignal delivers sig to its addressee, or to every group member but
// the sender.
func (h *Hub) routeSignal(sig signaling.Signal) {
	data, err := signaling.Encode(sig)
	if err != nil {
		h.logger.Error("Failed to encode signal", "error", err)
		return
	}

	h.mu.Lock()
	var targets []string
	if sig.To != "" {
		targets = []string{sig.To}
	} else {
		targets = h.recipientsLocked(sig.Group, sig.Members, h.control)
	}
	var invited *call
	if sig.Kind == signaling.KindGroupInvite {
		invited = h.callLocked(sig.CallID, sig.Group)
	}
	var out []outbound
	for _, t := range targets {
		if t == sig.From {
			continue
		}
		if invited != nil {
			invited.invitees[t] = true
		}
		if conn := h.control[t]; conn != nil {
			out = append(out, outbound{conn: conn, text: string(data)})
		}
	}
	h.mu.Unlock()

	if len(out) == 0 {
		h.logger.Debug("No recipient for signal", "type", sig.Kind, "to", sig.To, "group", sig.Group)
	}
	h.metrics.Signals.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(sig.Kind))))
	h.deliver(out)
}

// recipientsLocked resolves a group to identities: the configured directory,
// then the members named by the sender, then everyone connected.
func (h *Hub) recipientsLocked(group string, named []string, conns map[string]*websocket.ServerConn) []string {
	if members, ok := h.groups[group]; ok {
		return members
	}
	if len(named) > 0 {
		return named
	}
	all := make([]string, 0, len(conns))
	for id := range conns {
		all = append(all, id)
	}
	slices.Sort(all)
	return all
}

func (h *Hub) serveAudio(w http.ResponseWriter, r *http.Request) {
	identity, conn, ok := h.register(w, r, h.audio, "audio")
	if !ok {
		return
	}
	defer h.unregister(identity, h.audio, "audio")
	defer h.leave(identity)

	for {
		msg, err := conn.Read()
		if err != nil {
			return
		}
		switch msg.Type {
		case interfaces.MsgBinary:
			h.forward(identity, msg.Payload)
		case interfaces.MsgText:
			cmd, err := signaling.ParseCommand(string(msg.Payload))
			if err != nil {
				h.logger.Warn("Dropping malformed command", "from", identity, "error", err)
				continue
			}
			h.handleCommand(identity, cmd)
		}
	}
}

func (h *Hub) handleCommand(from string, cmd signaling.Command) {
	log := h.logger.With("from", from, "command", cmd.Verb, "call_id", cmd.CallID)
	var out []outbound

	h.mu.Lock()
	switch cmd.Verb {
	case signaling.VerbStartCall:
		c := h.callLocked(cmd.CallID, "")
		c.add(from)
		c.add(cmd.Peer)
		h.memberOf[from] = c.id
		if _, busy := h.memberOf[cmd.Peer]; !busy {
			h.memberOf[cmd.Peer] = c.id
		}
		log.Info("Call started", "peer", cmd.Peer)

	case signaling.VerbJoinCall:
		c := h.callLocked(cmd.CallID, "")
		c.add(from)
		h.memberOf[from] = c.id
		log.Info("Joined call", "participants", len(c.participants))

	case signaling.VerbEndCall:
		c, ok := h.calls[cmd.CallID]
		if !ok {
			break
		}
		text := signaling.CallEnded(c.id).String()
		for p := range c.participants {
			if p != from {
				out = h.appendAudioLocked(out, p, text)
			}
		}
		h.dropCallLocked(c)
		log.Info("Call ended")

	case signaling.VerbStartGroupCall:
		c := h.callLocked(cmd.CallID, cmd.Group)
		c.add(from)
		h.memberOf[from] = c.id
		text := signaling.GroupCallInvitation(c.id, cmd.Group, from).String()
		for _, m := range h.recipientsLocked(cmd.Group, nil, h.audio) {
			if m == from {
				continue
			}
			c.invitees[m] = true
			out = h.appendAudioLocked(out, m, text)
		}
		log.Info("Group call started", "group", cmd.Group, "invitees", len(c.invitees))

	case signaling.VerbJoinGroupCall:
		c, ok := h.calls[cmd.CallID]
		if !ok {
			out = h.appendAudioLocked(out, from, signaling.GroupCallEnded(cmd.CallID).String())
			log.Info("Join refused, group call already ended")
			break
		}
		c.add(from)
		h.memberOf[from] = c.id
		log.Info("Joined group call", "group", cmd.Group, "participants", len(c.participants))

	case signaling.VerbLeaveGroupCall:
		if c, ok := h.calls[cmd.CallID]; ok {
			out = h.removeLocked(out, c, from)
			log.Info("Left group call", "group", c.group)
		}

	default:
		log.Warn("Unexpected command from client")
	}
	h.mu.Unlock()

	h.deliver(out)
}

// leave removes a disconnected identity from its call.
func (h *Hub) leave(identity string) {
	var out []outbound
	h.mu.Lock()
	if id, ok := h.memberOf[identity]; ok {
		if c, ok := h.calls[id]; ok {
			if c.group == "" {
				text := signaling.CallEnded(c.id).String()
				for p := range c.participants {
					if p != identity {
						out = h.appendAudioLocked(out, p, text)
					}
				}
				h.dropCallLocked(c)
			} else {
				out = h.removeLocked(out, c, identity)
			}
		}
		delete(h.memberOf, identity)
	}
	h.mu.Unlock()
	h.deliver(out)
}

// removeLocked takes identity out of a group call and closes the call once
// it is empty, telling invitees who never joined.
func (h *Hub) removeLocked(out []outbound, c *call, identity string) []outbound {
	delete(c.participants, identity)
	if h.memberOf[identity] == c.id {
		delete(h.memberOf, identity)
	}
	if len(c.participants) > 0 {
		return out
	}
	text := signaling.GroupCallEnded(c.id).String()
	ended, err := signaling.Encode(signaling.Signal{Kind: signaling.KindGroupEnded, CallID: c.id, Group: c.group})
	if err != nil {
		h.logger.Error("Failed to encode signal", "error", err)
	}
	for m := range c.invitees {
		if c.joined[m] {
			continue
		}
		out = h.appendAudioLocked(out, m, text)
		if conn := h.control[m]; conn != nil && ended != nil {
			out = append(out, outbound{conn: conn, text: string(ended)})
		}
	}
	h.dropCallLocked(c)
	h.logger.Info("Group call ended", "call_id", c.id, "group", c.group)
	return out
}

func (h *Hub) callLocked(id, group string) *call {
	if c, ok := h.calls[id]; ok {
		return c
	}
	c := &call{
		id:           id,
		group:        group,
		participants: make(map[string]bool),
		invitees:     make(map[string]bool),
		joined:       make(map[string]bool),
	}
	h.calls[id] = c
	h.metrics.Calls.Add(context.Background(), 1)
	return c
}

func (h *Hub) dropCallLocked(c *call) {
	if _, ok := h.calls[c.id]; !ok {
		return
	}
	for p := range c.participants {
		if h.memberOf[p] == c.id {
			delete(h.memberOf, p)
		}
	}
	delete(h.calls, c.id)
	h.metrics.Calls.Add(context.Background(), -1)
}

func (h *Hub) appendAudioLocked(out []outbound, identity, text string) []outbound {
	if conn := h.audio[identity]; conn != nil {
		out = append(out, outbound{conn: conn, text: text})
	}
	return out
}

// forward relays a PCM frame to every other participant of the sender's call.
func (h *Hub) forward(from string, data []byte) {
	var out []outbound
	h.mu.Lock()
	if c, ok := h.calls[h.memberOf[from]]; ok {
		for p := range c.participants {
			if p == from {
				continue
			}
			if conn := h.audio[p]; conn != nil {
				out = append(out, outbound{conn: conn, data: data})
			}
		}
	}
	h.mu.Unlock()

	if len(out) == 0 {
		return
	}
	h.metrics.Frames.Add(context.Background(), int64(len(out)))
	h.metrics.Bytes.Add(context.Background(), int64(len(data)*len(out)))
	h.deliver(out)
}

func (h *Hub) deliver(out []outbound) {
	for _, o := range out {
		var err error
		if o.data != nil {
			err = o.conn.WriteBinary(o.data)
		} else {
			err = o.conn.WriteText(o.text)
		}
		if err != nil {
			h.logger.Debug("Delivery failed", "error", err)
		}
	}
}

// ActiveCalls reports the number of calls with participants.
func (h *Hub) ActiveCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

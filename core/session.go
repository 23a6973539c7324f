package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Session is the local client identity. Identities appear in URL paths and
// in the colon grammar, so they must not contain ':' or '/'.
type Session struct {
	Identity string
}

func NewSession(identity string) (Session, error) {
	if err := ValidateIdentity(identity); err != nil {
		return Session{}, err
	}
	return Session{Identity: identity}, nil
}

func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if strings.ContainsAny(identity, ":/") {
		return fmt.Errorf("%w: %q contains ':' or '/'", ErrInvalidIdentity, identity)
	}
	return nil
}

// State is the call state of a client.
type State string

const (
	StateIdle            State = "idle"
	StateOutgoingRinging State = "outgoing_ringing"
	StateIncomingRinging State = "incoming_ringing"
	StateActive          State = "active"
	StateEnding          State = "ending"
)

type Direction string

const (
	DirectionOutgoing       Direction = "outgoing"
	DirectionIncoming       Direction = "incoming"
	DirectionGroupInitiated Direction = "group-initiated"
	DirectionGroupJoined    Direction = "group-joined"
)

type CallType string

const (
	CallIndividual CallType = "individual"
	CallGroup      CallType = "group"
)

// CallSession is one call attempt, from intent or invitation until Idle.
type CallSession struct {
	ID        string
	Peer      string // 1:1 peer, or the inviter of a group call
	Group     string
	Members   []string
	Direction Direction
	Type      CallType
	State     State
	CreatedAt time.Time
}

func (c CallSession) clone() CallSession {
	c.Members = slices.Clone(c.Members)
	return c
}

func (c *CallSession) addMember(id string) {
	if !slices.Contains(c.Members, id) {
		c.Members = append(c.Members, id)
	}
}

func (c *CallSession) removeMember(id string) {
	c.Members = slices.DeleteFunc(c.Members, func(m string) bool { return m == id })
}

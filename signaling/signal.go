// Package signaling defines the call control messages exchanged on the
// control channel and the colon-delimited commands of the audio channel.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocolViolation marks malformed or unexpected signaling text. It is
// logged and ignored by receivers, never fatal.
var ErrProtocolViolation = errors.New("protocol violation")

// Kind identifies a control signal.
type Kind string

const (
	KindInvite      Kind = "invite"
	KindAccept      Kind = "accept"
	KindReject      Kind = "reject"
	KindCancel      Kind = "cancel"
	KindEnd         Kind = "end"
	KindGroupInvite Kind = "group_invite"
	KindGroupJoin   Kind = "group_join"
	KindGroupLeave  Kind = "group_leave"
	KindGroupEnded  Kind = "group_ended"
)

// Grouped reports whether k belongs to the group call variant.
func (k Kind) Grouped() bool {
	switch k {
	case KindGroupInvite, KindGroupJoin, KindGroupLeave, KindGroupEnded:
		return true
	}
	return false
}

func (k Kind) valid() bool {
	switch k {
	case KindInvite, KindAccept, KindReject, KindCancel, KindEnd,
		KindGroupInvite, KindGroupJoin, KindGroupLeave, KindGroupEnded:
		return true
	}
	return false
}

// Signal is one control message. To addresses a single identity, Group fans
// out to the members of a group except From.
type Signal struct {
	Kind    Kind     `json:"type"`
	CallID  string   `json:"call_id"`
	From    string   `json:"from"`
	To      string   `json:"to,omitempty"`
	Group   string   `json:"group,omitempty"`
	Members []string `json:"members,omitempty"`
}

// Validate checks the fields required by the signal kind.
func (s Signal) Validate() error {
	if !s.Kind.valid() {
		return fmt.Errorf("%w: unknown signal type %q", ErrProtocolViolation, s.Kind)
	}
	if s.CallID == "" && s.Kind != KindGroupEnded {
		return fmt.Errorf("%w: %s without call id", ErrProtocolViolation, s.Kind)
	}
	if s.Kind.Grouped() {
		if s.Group == "" && s.Kind != KindGroupEnded {
			return fmt.Errorf("%w: %s without group", ErrProtocolViolation, s.Kind)
		}
		return nil
	}
	if s.To == "" && s.From == "" {
		return fmt.Errorf("%w: %s without peer", ErrProtocolViolation, s.Kind)
	}
	return nil
}

// Encode returns the JSON wire form of s.
func Encode(s Signal) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signal: %w", err)
	}
	return data, nil
}

// Decode parses and validates one JSON control message.
func Decode(data []byte) (Signal, error) {
	if len(data) == 0 {
		return Signal{}, fmt.Errorf("%w: empty message", ErrProtocolViolation)
	}
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

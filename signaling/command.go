package signaling

import (
	"fmt"
	"strings"
)

// Verb is the first field of an audio channel text command.
type Verb string

const (
	VerbStartCall      Verb = "START_CALL"
	VerbJoinCall       Verb = "JOIN_CALL"
	VerbEndCall        Verb = "END_CALL"
	VerbStartGroupCall Verb = "START_GROUP_CALL"
	VerbJoinGroupCall  Verb = "JOIN_GROUP_CALL"
	VerbLeaveGroupCall Verb = "LEAVE_GROUP_CALL"

	VerbCallEnded           Verb = "CALL_ENDED"
	VerbGroupCallInvitation Verb = "GROUP_CALL_INVITATION"
	VerbGroupCallEnded      Verb = "GROUP_CALL_ENDED"
)

// Command is a colon-delimited control frame on the audio channel, e.g.
// START_CALL:<callId>:<peer>.
type Command struct {
	Verb   Verb
	CallID string
	Peer   string // START_CALL target
	Group  string
	From   string // GROUP_CALL_INVITATION sender
}

func StartCall(callID, peer string) Command {
	return Command{Verb: VerbStartCall, CallID: callID, Peer: peer}
}

func JoinCall(callID string) Command { return Command{Verb: VerbJoinCall, CallID: callID} }

func EndCall(callID string) Command { return Command{Verb: VerbEndCall, CallID: callID} }

func StartGroupCall(callID, group string) Command {
	return Command{Verb: VerbStartGroupCall, CallID: callID, Group: group}
}

func JoinGroupCall(callID, group string) Command {
	return Command{Verb: VerbJoinGroupCall, CallID: callID, Group: group}
}

func LeaveGroupCall(callID, group string) Command {
	return Command{Verb: VerbLeaveGroupCall, CallID: callID, Group: group}
}

func CallEnded(callID string) Command { return Command{Verb: VerbCallEnded, CallID: callID} }

func GroupCallInvitation(callID, group, from string) Command {
	return Command{Verb: VerbGroupCallInvitation, CallID: callID, Group: group, From: from}
}

func GroupCallEnded(callID string) Command {
	return Command{Verb: VerbGroupCallEnded, CallID: callID}
}

// fields lists the arguments after the verb, in wire order, and how many of
// them may be omitted from the end.
func (c Command) fields() (args []string, optional int) {
	switch c.Verb {
	case VerbStartCall:
		return []string{c.CallID, c.Peer}, 0
	case VerbJoinCall, VerbEndCall:
		return []string{c.CallID}, 0
	case VerbStartGroupCall, VerbJoinGroupCall, VerbLeaveGroupCall:
		return []string{c.CallID, c.Group}, 0
	case VerbGroupCallInvitation:
		return []string{c.CallID, c.Group, c.From}, 0
	case VerbCallEnded, VerbGroupCallEnded:
		return []string{c.CallID}, 1
	}
	return nil, 0
}

// String formats c in the colon grammar. Optional trailing fields are left
// out when empty.
func (c Command) String() string {
	args, optional := c.fields()
	for optional > 0 && len(args) > 0 && args[len(args)-1] == "" {
		args = args[:len(args)-1]
		optional--
	}
	return strings.Join(append([]string{string(c.Verb)}, args...), ":")
}

// Validate rejects unknown verbs, missing fields and fields containing the
// delimiter.
func (c Command) Validate() error {
	args, optional := c.fields()
	if args == nil {
		return fmt.Errorf("%w: unknown command %q", ErrProtocolViolation, c.Verb)
	}
	for i, a := range args {
		if strings.Contains(a, ":") {
			return fmt.Errorf("%w: %s field %d contains ':'", ErrProtocolViolation, c.Verb, i+1)
		}
		if a == "" && i < len(args)-optional {
			return fmt.Errorf("%w: %s missing field %d", ErrProtocolViolation, c.Verb, i+1)
		}
	}
	return nil
}

// ParseCommand parses one colon grammar frame. Extra trailing fields are
// ignored, as the relay always did.
func ParseCommand(text string) (Command, error) {
	parts := strings.Split(strings.TrimSpace(text), ":")
	c := Command{Verb: Verb(parts[0])}
	want, optional := c.fields()
	if want == nil {
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrProtocolViolation, parts[0])
	}
	args := parts[1:]
	if len(args) < len(want)-optional {
		return Command{}, fmt.Errorf("%w: %s needs %d fields, got %d", ErrProtocolViolation, c.Verb, len(want)-optional, len(args))
	}
	get := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	switch c.Verb {
	case VerbStartCall:
		c.CallID, c.Peer = get(0), get(1)
	case VerbStartGroupCall, VerbJoinGroupCall, VerbLeaveGroupCall:
		c.CallID, c.Group = get(0), get(1)
	case VerbGroupCallInvitation:
		c.CallID, c.Group, c.From = get(0), get(1), get(2)
	default:
		c.CallID = get(0)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Signal translates an inbound command into the control signal it stands
// for. Only relay-originated verbs have one.
func (c Command) Signal() (Signal, bool) {
	switch c.Verb {
	case VerbCallEnded:
		return Signal{Kind: KindEnd, CallID: c.CallID}, true
	case VerbGroupCallInvitation:
		return Signal{Kind: KindGroupInvite, CallID: c.CallID, Group: c.Group, From: c.From}, true
	case VerbGroupCallEnded:
		return Signal{Kind: KindGroupEnded, CallID: c.CallID}, true
	}
	return Signal{}, false
}

// pkg/interfaces/transport.go
package interfaces

import (
	"context"
	"errors"
)

var (
	ErrConnectionFailed    = errors.New("connection failed")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrChannelClosed       = errors.New("channel closed")
)

// TransportProtocol is one duplex message channel. Receive is closed when the
// underlying connection drops or Close is called.
type TransportProtocol interface {
	Connect(ctx context.Context) error
	Send(data []byte, msgType MessageType) error
	Receive() <-chan Message
	Close() error
	ProtocolType() string
}

type Message struct {
	Payload []byte
	Type    MessageType
}

type MessageType int

const (
	MsgText    MessageType = iota // JSON signals or colon commands
	MsgBinary                     // raw PCM
	MsgControl                    // websocket control frames
)

func (t MessageType) String() string {
	switch t {
	case MsgText:
		return "text"
	case MsgBinary:
		return "binary"
	case MsgControl:
		return "control"
	default:
		return "unknown"
	}
}

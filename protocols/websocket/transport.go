// protocols/websocket/transport.go
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lisuiheng/voicecall-go/pkg/interfaces"
)

var _ interfaces.TransportProtocol = (*WSProtocol)(nil)

// WSProtocol is a client websocket channel registered under an identity.
// Writes are serialized; reads are pumped into the Receive channel.
type WSProtocol struct {
	config    Config
	msgChan   chan interfaces.Message
	closeChan chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

// Config 定义单个通道(control 或 audio)的websocket配置
type Config struct {
	// URL is the endpoint prefix; the identity is appended as the last path
	// segment, e.g. ws://host:9098/ws/audio + alice.
	URL          string
	Identity     string
	AccessToken  string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Kind names the channel in logs and errors ("control" or "audio").
	Kind string
}

func NewWebSocketProtocol(config Config) (*WSProtocol, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: websocket url missing", interfaces.ErrConnectionFailed)
	}
	if config.Identity == "" {
		return nil, fmt.Errorf("%w: identity missing", interfaces.ErrConnectionFailed)
	}
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConnectionFailed, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrUnsupportedProtocol, u.Scheme)
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	return &WSProtocol{
		config:    config,
		msgChan:   make(chan interfaces.Message, 100),
		closeChan: make(chan struct{}),
	}, nil
}

// Endpoint is the full URL dialed for this identity.
func (p *WSProtocol) Endpoint() string {
	return strings.TrimRight(p.config.URL, "/") + "/" + url.PathEscape(p.config.Identity)
}

func (p *WSProtocol) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.closeChan:
		return interfaces.ErrChannelClosed
	default:
	}
	if p.conn != nil {
		return nil
	}

	headers := http.Header{}
	if p.config.AccessToken != "" {
		headers.Set("Authorization", fmt.Sprintf("Bearer %s", p.config.AccessToken))
	}
	headers.Set("Client-Id", p.config.Identity)

	ctx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, p.Endpoint(), headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: %s channel: %v (status %d)", interfaces.ErrConnectionFailed, p.config.Kind, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s channel: %v", interfaces.ErrConnectionFailed, p.config.Kind, err)
	}
	p.conn = conn

	go p.readPump(conn)
	return nil
}

func (p *WSProtocol) readPump(conn *websocket.Conn) {
	defer close(p.msgChan)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case p.msgChan <- interfaces.Message{Payload: data, Type: convertMsgType(msgType)}:
		case <-p.closeChan:
			return
		}
	}
}

func convertMsgType(wsType int) interfaces.MessageType {
	switch wsType {
	case websocket.TextMessage:
		return interfaces.MsgText
	case websocket.BinaryMessage:
		return interfaces.MsgBinary
	default:
		return interfaces.MsgControl
	}
}

func (p *WSProtocol) Send(data []byte, msgType interfaces.MessageType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.closeChan:
		return interfaces.ErrChannelClosed
	default:
	}
	if p.conn == nil {
		return interfaces.ErrConnectionFailed
	}

	wsType := websocket.TextMessage
	if msgType == interfaces.MsgBinary {
		wsType = websocket.BinaryMessage
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
	if err := p.conn.WriteMessage(wsType, data); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrChannelClosed, err)
	}
	return nil
}

func (p *WSProtocol) Receive() <-chan interfaces.Message {
	return p.msgChan
}

func (p *WSProtocol) ProtocolType() string { return "websocket" }

func (p *WSProtocol) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeChan)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.conn == nil {
			// nothing was dialed, so no pump will close the receive channel
			close(p.msgChan)
			return
		}
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = p.conn.Close()
	})
	return err
}

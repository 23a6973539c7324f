package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lisuiheng/voicecall-go/pkg/interfaces"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	ReadBufferSize:    1024 * 16,
	WriteBufferSize:   1024 * 16,
	EnableCompression: false, // raw PCM does not compress
}

// ServerConn is the accepting side of a channel. Gorilla connections allow
// one concurrent writer, so writes are serialized here.
type ServerConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Accept upgrades an HTTP request to a websocket channel.
func Accept(w http.ResponseWriter, r *http.Request) (*ServerConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &ServerConn{conn: conn, writeTimeout: 5 * time.Second}, nil
}

// Read blocks for the next data message. Control frames are handled by
// gorilla and never returned.
func (c *ServerConn) Read() (interfaces.Message, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return interfaces.Message{}, err
	}
	return interfaces.Message{Payload: data, Type: convertMsgType(msgType)}, nil
}

func (c *ServerConn) WriteText(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

func (c *ServerConn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *ServerConn) write(wsType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return interfaces.ErrChannelClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(wsType, data)
}

func (c *ServerConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

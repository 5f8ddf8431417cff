package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Codec handles reading and writing frames over a websocket connection.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteFrame serialises and sends a frame over the websocket. This is
// the only method that touches the socket; callers on the hot path
// must route through a session.Writer's non-blocking queue instead of
// calling this directly from multiple goroutines under load.
func (c *Codec) WriteFrame(f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// ReadFrame reads and deserialises a single frame from the websocket.
// No framing state is kept across frames: each binary message is
// exactly one frame.
func (c *Codec) ReadFrame() (*Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	return DecodeFrame(data)
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// SetReadDeadline arms the read deadline used to enforce the auth
// window and the application-level ping/pong liveness check. Every
// successfully decoded frame, not just Ping/Pong, pushes it out again.
func (c *Codec) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the remote network address of the connection.
func (c *Codec) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

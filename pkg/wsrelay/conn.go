// Package wsrelay is a relay transport over websockets. The relay dials the
// server's /relay endpoint with the relayhttp-v1 subprotocol; each websocket
// becomes one relay channel, carrying one relaywire frame per binary message.
package wsrelay

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/relayhttp/pkg/relaywire"
)

// Subprotocol is the websocket subprotocol spoken by both ends
const Subprotocol = "relayhttp-v1"

const closeGracePeriod = time.Second

// Conn is a relaywire.FrameConn over a websocket
type Conn struct {
	ws        *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established websocket
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(relaywire.MaxFrameSize)
	return &Conn{ws: ws}
}

// ReadFrame reads the next binary message as a frame. A normal websocket
// close is reported as io.EOF.
func (c *Conn) ReadFrame() (*relaywire.Frame, error) {
	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return relaywire.Unmarshal(b)
	}
}

// WriteFrame writes a frame as one binary message
func (c *Conn) WriteFrame(f *relaywire.Frame) error {
	b := relaywire.Marshal(f)
	if len(b) > relaywire.MaxFrameSize {
		return relaywire.ErrFrameTooLarge
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// Close sends a websocket close message and closes the socket exactly once
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			werr = fmt.Errorf("websocket close message: %w", werr)
		} else {
			werr = nil
		}
		c.closeErr = c.ws.Close()
		if c.closeErr == nil {
			c.closeErr = werr
		}
	})
	return c.closeErr
}

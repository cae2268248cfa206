package relaywire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/oklog/ulid/v2"

	"github.com/sammck-go/relayhttp/pkg/asyncobj"
	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relay"
)

// Client is the relay end of a FrameConn. It sends requests and matches the
// replies that come back by ID, so any number of requests may be in flight on
// one connection.
type Client struct {
	asyncobj.Helper
	conn FrameConn

	// pending is guarded by Helper.Lock
	pending map[string]chan *Frame
}

// NewClient wraps conn and starts reading replies from it
func NewClient(lg logger.Logger, conn FrameConn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *Frame),
	}
	c.InitHelper(lg, c)
	c.PanicOnError(c.Activate())
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.IsStartedShutdown() {
				c.StartShutdown(nil)
			} else {
				c.StartShutdown(c.DLogErrorf("Read failed: %s", err))
			}
			return
		}
		switch f.Kind {
		case KindReply:
			c.Lock.Lock()
			reply := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.Lock.Unlock()
			if reply == nil {
				c.DLogf("Dropping reply to unknown request %s", f.ID)
				continue
			}
			reply <- f
		case KindClose:
			c.DLogf("Server closed connection")
			c.StartShutdown(nil)
			return
		default:
			c.DLogf("Ignoring unexpected %s frame", f.Kind)
		}
	}
}

// Do sends a request and waits for its reply. A fresh ULID is assigned to
// msg.ID.
func (c *Client) Do(ctx context.Context, msg *relay.Message) (*relay.Message, error) {
	id := ulid.Make().String()
	reply := make(chan *Frame, 1)

	c.Lock.Lock()
	if c.isClosing() {
		c.Lock.Unlock()
		return nil, fmt.Errorf("%s: %w", c.Prefix(), relay.ErrClosed)
	}
	c.pending[id] = reply
	c.Lock.Unlock()

	defer func() {
		c.Lock.Lock()
		delete(c.pending, id)
		c.Lock.Unlock()
	}()

	msg.ID = id
	if err := c.conn.WriteFrame(FromMessage(KindRequest, msg)); err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", c.Prefix(), err)
	}
	c.TLogf("Sent request %s %s %s", id, msg.Method, msg.URL)

	select {
	case f := <-reply:
		return f.Message(), nil
	case <-c.ShutdownStartedChan():
		return nil, fmt.Errorf("%s: connection closed awaiting reply: %w", c.Prefix(), relay.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) isClosing() bool {
	select {
	case <-c.ShutdownStartedChan():
		return true
	default:
		return false
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	if completionErr == nil {
		if err := c.conn.WriteFrame(&Frame{Kind: KindClose}); err != nil {
			c.TLogf("Close frame not sent: %s", err)
		}
	}
	if err := c.conn.Close(); err != nil {
		c.DLogf("Close of connection failed, ignoring: %s", err)
	}
	return completionErr
}

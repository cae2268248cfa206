package relaywire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/sammck-go/relayhttp/pkg/asyncobj"
	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relay"
)

// requestQueueSize is the number of received requests buffered ahead of
// TryReceiveRequest
const requestQueueSize = 64

// ErrAlreadyReplied is returned by Reply on a request context that has
// already been replied to
var ErrAlreadyReplied = errors.New("relaywire: request already replied to")

// Channel is the server end of a FrameConn. It implements relay.Channel: a
// reader goroutine decodes request frames into a queue that TryReceiveRequest
// pops, and replies are written back as reply frames with the request's ID.
type Channel struct {
	asyncobj.Helper
	conn       FrameConn
	remoteAddr string

	state    atomic.Int32
	requests chan *Frame

	// readErr is set by the reader before it starts shutdown
	readErr error
}

// NewChannel wraps conn. remoteAddr is reported on requests whose frames do
// not carry one. Nothing is read from conn until Open.
func NewChannel(lg logger.Logger, conn FrameConn, remoteAddr string) *Channel {
	c := &Channel{
		conn:       conn,
		remoteAddr: remoteAddr,
		requests:   make(chan *Frame, requestQueueSize),
	}
	c.InitHelper(lg, c)
	c.state.Store(int32(relay.StateCreated))
	return c
}

// State returns the channel's communication state
func (c *Channel) State() relay.State {
	return relay.State(c.state.Load())
}

// Open starts reading frames
func (c *Channel) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(relay.StateCreated), int32(relay.StateOpening)) {
		return fmt.Errorf("%s: cannot open channel in state %s: %w", c.Prefix(), c.State(), relay.ErrClosed)
	}
	err := c.DoOnceActivate(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		go c.readLoop()
		return nil
	})
	if err != nil {
		return err
	}
	c.state.CompareAndSwap(int32(relay.StateOpening), int32(relay.StateOpen))
	c.DLogf("Open")
	return nil
}

func (c *Channel) readLoop() {
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.IsStartedShutdown() {
				c.DLogf("Connection ended: %s", err)
				c.StartShutdown(nil)
			} else {
				c.Lock.Lock()
				c.readErr = err
				c.Lock.Unlock()
				c.StartShutdown(c.DLogErrorf("Read failed: %s", err))
			}
			return
		}
		switch f.Kind {
		case KindRequest:
			select {
			case c.requests <- f:
			case <-c.ShutdownStartedChan():
				return
			}
		case KindClose:
			c.DLogf("Peer closed channel")
			c.StartShutdown(nil)
			return
		default:
			c.DLogf("Ignoring unexpected %s frame", f.Kind)
		}
	}
}

// TryReceiveRequest waits for the next request. After the channel has closed
// it returns relay.ErrClosed, or relay.ErrFaulted if it failed.
func (c *Channel) TryReceiveRequest(ctx context.Context) (relay.RequestContext, error) {
	select {
	case f := <-c.requests:
		return c.newRequestContext(f), nil
	default:
	}
	select {
	case f := <-c.requests:
		return c.newRequestContext(f), nil
	case <-c.ShutdownStartedChan():
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) closedErr() error {
	c.Lock.Lock()
	readErr := c.readErr
	c.Lock.Unlock()
	if readErr != nil {
		return fmt.Errorf("%w: %s", relay.ErrFaulted, readErr)
	}
	return relay.ErrClosed
}

// Close sends a close frame, closes the connection and waits for shutdown to
// complete or ctx to be done. It is safe to call more than once.
func (c *Channel) Close(ctx context.Context) error {
	c.StartShutdown(nil)
	select {
	case <-c.ShutdownDoneChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (c *Channel) HandleOnceShutdown(completionErr error) error {
	c.state.Store(int32(relay.StateClosing))
	if completionErr == nil {
		if err := c.conn.WriteFrame(&Frame{Kind: KindClose}); err != nil {
			c.TLogf("Close frame not sent: %s", err)
		}
	}
	err := c.conn.Close()
	if err != nil {
		c.DLogf("Close of connection failed, ignoring: %s", err)
	}
	if completionErr != nil {
		c.state.Store(int32(relay.StateFaulted))
	} else {
		c.state.Store(int32(relay.StateClosed))
	}
	c.DLogf("Closed")
	return completionErr
}

func (c *Channel) newRequestContext(f *Frame) *requestContext {
	msg := f.Message()
	if msg.RemoteAddr == "" {
		msg.RemoteAddr = c.remoteAddr
	}
	return &requestContext{channel: c, id: f.ID, msg: msg}
}

// requestContext is one received request
type requestContext struct {
	channel *Channel
	id      string
	msg     *relay.Message
	replied atomic.Bool
	closed  atomic.Bool
}

func (r *requestContext) RequestMessage() *relay.Message {
	return r.msg
}

func (r *requestContext) Reply(ctx context.Context, reply *relay.Message) error {
	if !r.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.channel.IsStartedShutdown() {
		return r.channel.closedErr()
	}
	f := FromMessage(KindReply, reply)
	f.ID = r.id
	if err := r.channel.conn.WriteFrame(f); err != nil {
		return fmt.Errorf("%w: %s", relay.ErrCommunication, err)
	}
	return nil
}

func (r *requestContext) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.msg.Close()
	}
	return nil
}

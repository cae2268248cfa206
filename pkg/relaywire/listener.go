package relaywire

import (
	"context"
	"fmt"

	"github.com/sammck-go/relayhttp/pkg/asyncobj"
	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relay"
)

// acceptQueueSize is the number of connected channels buffered ahead of
// AcceptChannel
const acceptQueueSize = 16

// Listener is the transport-independent half of a relay.Listener. A
// transport offers each channel it connects; AcceptChannel hands them out in
// order. After Close, AcceptChannel reports that no more channels will come,
// and channels still waiting in the queue are closed.
type Listener struct {
	asyncobj.Helper
	channels chan *Channel
	stats    ConnStats

	// onShutdown, if set, releases transport resources during shutdown
	onShutdown func() error
}

// NewListener creates a Listener. onShutdown may be nil.
func NewListener(lg logger.Logger, onShutdown func() error) *Listener {
	l := &Listener{
		channels:   make(chan *Channel, acceptQueueSize),
		onShutdown: onShutdown,
	}
	l.InitHelper(lg, l)
	return l
}

// Open activates the listener
func (l *Listener) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.IsStartedShutdown() {
		return relay.ErrClosed
	}
	if err := l.Activate(); err != nil {
		return fmt.Errorf("%w: %s", relay.ErrClosed, err)
	}
	return nil
}

// Stats returns the listener's connection counts
func (l *Listener) Stats() *ConnStats {
	return &l.stats
}

// Offer queues a newly connected channel for AcceptChannel. It fails if the
// listener is not open or ctx is done first; the caller then still owns ch.
func (l *Listener) Offer(ctx context.Context, ch *Channel) error {
	if !l.IsActivated() || l.IsStartedShutdown() {
		return relay.ErrClosed
	}
	select {
	case l.channels <- ch:
		id := l.stats.New()
		l.stats.Track(ch)
		l.DLogf("%s Queued channel #%d", &l.stats, id)
		if l.IsStartedShutdown() {
			// shutdown may have drained the queue before the send
			l.drain()
		}
		return nil
	case <-l.ShutdownStartedChan():
		return relay.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcceptChannel waits for the next offered channel. It returns (nil, nil)
// once the listener has been closed.
func (l *Listener) AcceptChannel(ctx context.Context) (relay.Channel, error) {
	select {
	case ch := <-l.channels:
		return ch, nil
	default:
	}
	select {
	case ch := <-l.channels:
		return ch, nil
	case <-l.ShutdownStartedChan():
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the listener and waits for shutdown to complete or ctx to be
// done
func (l *Listener) Close(ctx context.Context) error {
	l.StartShutdown(nil)
	select {
	case <-l.ShutdownDoneChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (l *Listener) HandleOnceShutdown(completionErr error) error {
	var err error
	if l.onShutdown != nil {
		err = l.onShutdown()
		if err != nil {
			l.DLogf("Transport shutdown failed, ignoring: %s", err)
		}
	}
	l.drain()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// drain closes every channel still waiting to be accepted
func (l *Listener) drain() {
	for {
		select {
		case ch := <-l.channels:
			l.DLogf("Closing unaccepted channel")
			ch.StartShutdown(nil)
		default:
			return
		}
	}
}

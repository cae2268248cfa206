package chshare

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/sammck-go/relayhttp/pkg/asyncobj"
	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relay"
)

// ServerState is the lifecycle state of a Server
type ServerState int32

const (
	// ServerStateNew is the state of a Server that has not been opened
	ServerStateNew ServerState = iota

	// ServerStateOpen is the state of a Server that is accepting channels
	ServerStateOpen

	// ServerStateClosing is the state of a Server whose Close is in progress
	ServerStateClosing

	// ServerStateClosed is the state of a Server that has finished closing
	ServerStateClosed
)

func (s ServerState) String() string {
	switch s {
	case ServerStateNew:
		return "new"
	case ServerStateOpen:
		return "open"
	case ServerStateClosing:
		return "closing"
	case ServerStateClosed:
		return "closed"
	}
	return fmt.Sprintf("ServerState(%d)", int32(s))
}

var (
	// ErrAlreadyStarted is returned by Open on any call after the first
	ErrAlreadyStarted = errors.New("server has already been started")

	// ErrServerClosed completes a pending Open that was overtaken by Close
	ErrServerClosed = errors.New("server closed")
)

// Server accepts channels from a relay listener and dispatches the requests
// that arrive on them into a RequestHandler. Each channel gets its own
// adaptive receive window.
type Server struct {
	logger.Logger
	config   Config
	listener relay.Listener
	handler  RequestHandler
	adapter  MessageAdapter

	state atomic.Int32

	// ctx is canceled by Close; every blocking call the server issues uses it
	ctx    context.Context
	cancel context.CancelFunc

	openOp atomic.Pointer[asyncobj.Op]

	registry *channelRegistry
	stats    *Stats

	// wg counts the accept loop, channel openers and receive pumps
	wg sync.WaitGroup

	// acceptDone is closed once no more channels can be accepted: when the
	// accept loop exits, or when Open finishes without starting it
	acceptDone chan struct{}

	transientLog rate.Sometimes
}

// NewServer creates a new Server. The server does nothing until Open is called.
func NewServer(config Config, listener relay.Listener, handler RequestHandler, adapter MessageAdapter) (*Server, error) {
	if listener == nil {
		return nil, errors.New("server requires a relay listener")
	}
	if handler == nil {
		return nil, errors.New("server requires a request handler")
	}
	if adapter == nil {
		return nil, errors.New("server requires a message adapter")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Logger:       config.Logger,
		config:       config,
		listener:     listener,
		handler:      handler,
		adapter:      adapter,
		ctx:          ctx,
		cancel:       cancel,
		registry:     newChannelRegistry(),
		acceptDone:   make(chan struct{}),
		stats:        newStats(config.Metrics, config.MetricsPrefix),
		transientLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	s.DLogf("Window initial=%d, minimum=%d, maximum=%d",
		config.InitialWindow(), config.MinimumWindow(), config.MaxConcurrentRequests)
	return s, nil
}

// State returns the server's lifecycle state
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) isOpen() bool {
	return s.State() == ServerStateOpen
}

// Stats returns the server's live counters
func (s *Server) Stats() *Stats {
	return s.stats
}

// Snapshot returns a copy of the server's counters along with its state
func (s *Server) Snapshot() StatsSnapshot {
	snap := s.stats.Snapshot()
	snap.State = s.State().String()
	return snap
}

// Config returns the validated configuration
func (s *Server) Config() Config {
	return s.config
}

// Open opens the listener and starts accepting channels. The returned Op
// completes successfully once the first accept cycle has been launched, or
// fails if the listener cannot be opened. Calling Open more than once fails
// with ErrAlreadyStarted.
func (s *Server) Open() *asyncobj.Op {
	if !s.state.CompareAndSwap(int32(ServerStateNew), int32(ServerStateOpen)) {
		return asyncobj.CompletedOp(fmt.Errorf("%s: %w", s.Prefix(), ErrAlreadyStarted))
	}
	op := asyncobj.NewOp(s.Logger)
	s.openOp.Store(op)
	s.wg.Add(1)
	go s.openListener(op)
	return op
}

func (s *Server) openListener(op *asyncobj.Op) {
	defer s.wg.Done()
	accepting := false
	defer func() {
		if !accepting {
			close(s.acceptDone)
		}
	}()
	s.DLogf("Opening listener")
	err := safeCall(func() error { return s.listener.Open(s.ctx) })
	if err != nil {
		op.TryComplete(false, s.ELogErrorf("Listener failed to open: %s", err))
		return
	}
	if !s.isOpen() {
		op.TryComplete(false, fmt.Errorf("%s: %w", s.Prefix(), ErrServerClosed))
		return
	}
	s.ILogf("Listening for relay channels")
	accepting = true
	s.wg.Add(1)
	go s.acceptLoop()
	op.TryComplete(false, nil)
}

// Close stops accepting channels, closes the listener and every registered
// channel, and cancels in-flight handler work. Close never fails; errors from
// closing individual resources are logged at debug level and dropped. Calling
// Close on a server that is not open is a no-op that succeeds immediately.
func (s *Server) Close() *asyncobj.Op {
	if !s.state.CompareAndSwap(int32(ServerStateOpen), int32(ServerStateClosing)) {
		return asyncobj.CompletedOp(nil)
	}
	s.DLogf("Closing server")
	s.cancel()
	if op := s.openOp.Load(); op != nil {
		op.Cancel()
	}
	op := asyncobj.NewOp(s.Logger)
	go s.closeAll(op)
	return op
}

func (s *Server) closeAll(op *asyncobj.Op) {
	var errs *multierror.Error
	err := safeCall(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.CloseTimeout)
		defer cancel()
		return s.listener.Close(ctx)
	})
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing listener: %w", err))
	}
	s.waitAccepting()

	n := 0
	for {
		cs, ok := s.registry.Take()
		if !ok {
			break
		}
		n++
		if err := s.closeChannel(cs.ch); err != nil {
			errs = multierror.Append(errs, err)
		}
		s.stats.channelClosed()
	}

	if err := errs.ErrorOrNil(); err != nil {
		s.DLogf("Ignoring errors during close: %s", err)
	}
	s.state.Store(int32(ServerStateClosed))
	s.ILogf("Server closed (%d channels closed)", n)
	op.Complete(false, nil)
}

// waitAccepting waits, at most CloseTimeout, for an accept that is in flight
// to finish. A channel it returns is closed by the accept loop itself.
func (s *Server) waitAccepting() {
	t := time.NewTimer(s.config.CloseTimeout)
	defer t.Stop()
	select {
	case <-s.acceptDone:
	case <-t.C:
		s.DLogf("Accept loop still running after %s", s.config.CloseTimeout)
	}
}

func (s *Server) closeChannel(ch relay.Channel) error {
	err := safeCall(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.CloseTimeout)
		defer cancel()
		return ch.Close(ctx)
	})
	if err != nil {
		return fmt.Errorf("closing channel: %w", err)
	}
	return nil
}

// Run opens the server, waits for ctx to be canceled, then closes the server
func (s *Server) Run(ctx context.Context) error {
	if err := s.Open().WaitContext(ctx); err != nil {
		s.Close().Wait()
		return err
	}
	<-ctx.Done()
	return s.Close().Wait()
}

// WaitIdle waits until the accept loop and every receive pump have exited.
// This normally only happens after Close.
func (s *Server) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failOpen fails a still pending Open. It has no effect once Open has completed.
func (s *Server) failOpen(err error) {
	if op := s.openOp.Load(); op != nil {
		op.TryComplete(false, err)
	}
}

// cancelOpen cancels a still pending Open
func (s *Server) cancelOpen() {
	if op := s.openOp.Load(); op != nil {
		op.Cancel()
	}
}

// logTransient logs a transient failure, throttled so that a listener or
// channel that keeps failing does not flood the log
func (s *Server) logTransient(lg logger.Logger, what string, err error) {
	s.transientLog.Do(func() {
		lg.WLogf("Transient failure in %s, retrying: %s", what, err)
	})
}

// safeCall calls f, converting a panic into an error
func safeCall(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}

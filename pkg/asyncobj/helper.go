// Package asyncobj provides the asynchronous-operation primitives that the
// relay server is built on: Op, a single step that completes exactly once with
// a captured error, and Helper, which manages exactly-once asynchronous
// shutdown of long-lived objects such as listeners and channels.
package asyncobj

import (
	"context"
	"sync"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

// OnceShutdownHandler is an interface that must be implemented by the object managed by Helper
type OnceShutdownHandler interface {
	// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
	// as an advisory completion value, actually shut down, then return the real completion value.
	// This method will never be called while shutdown is deferred.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is an interface implemented by objects that provide
// asynchronous shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If the object
	// has already been scheduled for shutdown, it has no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is complete.
	ShutdownDoneChan() <-chan struct{}

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

// Helper is a base that manages clean asynchronous object shutdown for an
// object that implements OnceShutdownHandler
type Helper struct {
	logger.Logger

	// Lock is a general-purpose fine-grained mutex for this helper; it may be used
	// by derived objects as well
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	// shutdownDeferCount is the number of outstanding DeferShutdown calls
	shutdownDeferCount int

	isActivated         bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	isDoneShutdown      bool

	// shutdownErr contains the final completion status after isDoneShutdown is true
	shutdownErr error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	// wg is waited on before shutdown is considered complete; one count per child
	wg sync.WaitGroup
}

// InitHelper initializes a new Helper in place
func (h *Helper) InitHelper(lg logger.Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = lg
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// NewHelper creates a new Helper on the heap
func NewHelper(lg logger.Logger, shutdownHandler OnceShutdownHandler) *Helper {
	h := &Helper{}
	h.InitHelper(lg, shutdownHandler)
	return h
}

// asyncDoStartedShutdown starts background processing of shutdown *after*
// h.isStartedShutdown has been set and h.shutdownErr holds the advisory error
func (h *Helper) asyncDoStartedShutdown() {
	h.TLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		err := h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		h.Lock.Lock()
		h.shutdownErr = err
		h.Lock.Unlock()
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.TLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// Activate sets the "activated" flag for this helper. Does nothing
// if already activated. Fails if shutdown has already been started.
func (h *Helper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// IsActivated returns true if this helper has been activated
func (h *Helper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isActivated
}

// DoOnceActivate runs activate with shutdown deferred, then marks the object
// activated. If activate fails, shutdown is started with its error. If the
// object is already active it returns nil without calling activate.
func (h *Helper) DoOnceActivate(activate func() error) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		return h.Errorf("shutdown already started; cannot activate")
	}
	h.shutdownDeferCount++
	h.Lock.Unlock()

	err := activate()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.UndeferShutdown()
	return err
}

// DeferShutdown increments the shutdown defer count, preventing shutdown from
// starting. Returns an error if shutdown has already started. Each successful
// call must be paired with UndeferShutdown.
func (h *Helper) DeferShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started")
	}
	h.shutdownDeferCount++
	return nil
}

// UndeferShutdown decrements the shutdown defer count, and if it becomes zero
// allows a scheduled shutdown to start. It is a no-op if there is nothing
// deferred, so it can be paired unconditionally with DeferShutdown.
func (h *Helper) UndeferShutdown() {
	h.Lock.Lock()
	if h.shutdownDeferCount < 1 {
		h.Lock.Unlock()
		return
	}
	h.shutdownDeferCount--
	doShutdownNow := h.shutdownDeferCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// ShutdownOnContext begins background monitoring of ctx, and
// starts shutting down with the context's error when it is done.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true if shutdown has begun. It continues to return true after shutdown
// is complete
func (h *Helper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsScheduledShutdown returns true if StartShutdown has been called, even if
// the start is still deferred
func (h *Helper) IsScheduledShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isScheduledShutdown
}

// IsDoneShutdown returns true if shutdown is complete.
func (h *Helper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownStartedChan returns a channel that will be closed as soon as shutdown is initiated
func (h *Helper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that will be closed after shutdown is done
func (h *Helper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown waits for the shutdown to complete, then returns the shutdown status.
// It does not initiate shutdown.
func (h *Helper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// Shutdown performs a synchronous shutdown. It initiates shutdown if it has
// not already started, waits for the shutdown to complete, then returns
// the final shutdown status
func (h *Helper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown of the object. If the object
// has already been scheduled for shutdown, it has no effect. If shutdown has
// been deferred, actual starting of the shutdown process is delayed until the
// last UndeferShutdown.
func (h *Helper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownDeferCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with an advisory completion status of nil, and returns the
// final completion status
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild adds a child object that will be actively shut down after
// HandleOnceShutdown returns, before this object's shutdown is considered
// complete. If the child finishes on its own first, it is simply waited for.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			h.Lock.Lock()
			err := h.shutdownErr
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}

package asyncobj

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

// ErrAlreadyCompleted is the panic value (wrapped) raised when Complete is called
// more than once on the same Op. It always indicates a programming error.
var ErrAlreadyCompleted = errors.New("asyncobj: operation completed more than once")

// ErrCanceled is the completion error of an Op that was canceled. It matches
// context.Canceled with errors.Is.
var ErrCanceled = fmt.Errorf("asyncobj: operation canceled: %w", context.Canceled)

// UnhandledHook, if set, is invoked with the recovered value whenever a
// continuation registered with OnComplete panics. The panic is always logged
// at error level regardless.
var UnhandledHook func(op *Op, recovered interface{})

// Op is a single asynchronous step. It completes exactly once, either
// successfully or with an error, and records whether it completed
// synchronously (on the goroutine that started it, before the starter
// returned). Continuations registered with OnComplete run exactly once.
type Op struct {
	logger logger.Logger

	lock sync.Mutex

	completed     bool
	completedSync bool
	err           error

	// done is closed exactly once, when the op completes
	done chan struct{}

	continuations []func(*Op)
}

// NewOp creates a new, incomplete Op. logger receives reports of panicking
// continuations; it may be nil.
func NewOp(lg logger.Logger) *Op {
	if lg == nil {
		lg = logger.NilLogger()
	}
	return &Op{
		logger: lg,
		done:   make(chan struct{}),
	}
}

// CompletedOp returns an Op that has already completed synchronously with err
func CompletedOp(err error) *Op {
	o := NewOp(nil)
	o.Complete(true, err)
	return o
}

// Complete records completion and runs registered continuations. Calling
// Complete twice on the same Op panics with an error wrapping
// ErrAlreadyCompleted.
func (o *Op) Complete(completedSync bool, err error) {
	if !o.TryComplete(completedSync, err) {
		panic(fmt.Errorf("%w (second completion error: %v)", ErrAlreadyCompleted, err))
	}
}

// TryComplete completes the Op if it has not already completed. Returns
// false, and has no effect, if it was already complete. It is intended for
// places where several paths legitimately race to finish the same Op.
func (o *Op) TryComplete(completedSync bool, err error) bool {
	o.lock.Lock()
	if o.completed {
		o.lock.Unlock()
		return false
	}
	o.completed = true
	o.completedSync = completedSync
	o.err = err
	continuations := o.continuations
	o.continuations = nil
	close(o.done)
	o.lock.Unlock()

	for _, c := range continuations {
		o.invoke(c)
	}
	return true
}

// Cancel completes the Op asynchronously with ErrCanceled if it has not already
// completed. Returns true if this call canceled it.
func (o *Op) Cancel() bool {
	return o.TryComplete(false, ErrCanceled)
}

// OnComplete registers a continuation. If the Op is already complete the
// continuation runs immediately on the calling goroutine.
func (o *Op) OnComplete(c func(*Op)) {
	o.lock.Lock()
	if !o.completed {
		o.continuations = append(o.continuations, c)
		o.lock.Unlock()
		return
	}
	o.lock.Unlock()
	o.invoke(c)
}

// invoke runs a continuation, reporting rather than propagating a panic
func (o *Op) invoke(c func(*Op)) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.ELogf("unhandled panic in completion continuation: %v\n%s", r, debug.Stack())
			if hook := UnhandledHook; hook != nil {
				hook(o, r)
			}
		}
	}()
	c(o)
}

// Then chains another step onto this one. When o succeeds, next is called to
// start the following step, and the returned Op completes with that step's
// result. If o fails, next is never called and the returned Op fails with o's
// error.
func (o *Op) Then(next func() *Op) *Op {
	result := NewOp(o.logger)
	o.OnComplete(func(prev *Op) {
		if err := prev.Err(); err != nil {
			result.Complete(prev.CompletedSynchronously(), err)
			return
		}
		n := next()
		if n == nil {
			result.Complete(prev.CompletedSynchronously(), nil)
			return
		}
		n.OnComplete(func(n *Op) {
			result.Complete(prev.CompletedSynchronously() && n.CompletedSynchronously(), n.Err())
		})
	})
	return result
}

// Done returns a chan that is closed when the Op completes
func (o *Op) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the Op completes and returns its error
func (o *Op) Wait() error {
	<-o.done
	return o.Err()
}

// WaitContext blocks until the Op completes or ctx is done. If ctx finishes
// first its error is returned; the Op is unaffected.
func (o *Op) WaitContext(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the completion error, or nil if the Op succeeded or has not yet
// completed
func (o *Op) Err() error {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.err
}

// IsCompleted returns true once the Op has completed
func (o *Op) IsCompleted() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.completed
}

// CompletedSynchronously reports the sync flag passed to Complete
func (o *Op) CompletedSynchronously() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.completedSync
}

// IsCanceled returns true if the Op completed with ErrCanceled
func (o *Op) IsCanceled() bool {
	return errors.Is(o.Err(), ErrCanceled)
}

// Go runs f in a new goroutine and returns an Op that completes asynchronously
// with f's result. A panic in f is captured as the Op's error.
func Go(lg logger.Logger, f func() error) *Op {
	o := NewOp(lg)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("asyncobj: panic: %v", r)
			}
			o.Complete(false, err)
		}()
		err = f()
	}()
	return o
}

package relay

import (
	"context"
	"errors"
	"io"
	"net"
)

var (
	// ErrTimeout reports that an operation did not finish in time. It is transient.
	ErrTimeout = errors.New("relay: timeout")

	// ErrCommunication reports a generic, recoverable communication failure
	ErrCommunication = errors.New("relay: communication failure")

	// ErrAborted reports that the listener or channel was aborted. No further
	// work will come from it.
	ErrAborted = errors.New("relay: communication object aborted")

	// ErrFaulted reports that the listener or channel failed. No further work
	// will come from it.
	ErrFaulted = errors.New("relay: communication object faulted")

	// ErrClosed reports use of a listener or channel after Close
	ErrClosed = errors.New("relay: communication object closed")
)

// Kind classifies an error returned by AcceptChannel or TryReceiveRequest
type Kind int

const (
	// KindNone is the classification of a nil error
	KindNone Kind = iota

	// KindTransient errors mean "nothing this time"; the operation may be retried
	KindTransient

	// KindFatal errors mean the source will produce nothing more
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify sorts an error into the relay error taxonomy. Aborted, faulted and
// closed objects are fatal, as are io.EOF and net.ErrClosed. Timeouts,
// communication failures and anything unrecognized are transient.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrAborted) ||
		errors.Is(err, ErrFaulted) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) {
		return KindFatal
	}
	return KindTransient
}

// IsFatal returns true if err is classified KindFatal
func IsFatal(err error) bool {
	return Classify(err) == KindFatal
}

// IsTimeout returns true if err is a relay timeout, a context deadline, or a
// net.Error timeout
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Package relay declares the boundary between the relay HTTP server core and a
// relay transport.
//
// A relay transport produces Channels through a Listener. A Channel is a duplex
// endpoint over which request/reply pairs flow: each inbound request arrives
// wrapped in a RequestContext, which exposes a single-use Reply and must be
// closed exactly once. The server core never looks inside a transport; it only
// drives these interfaces, so the same core can serve requests arriving over a
// websocket relay, an SSH relay, or an in-process loop.
//
// Blocking methods take a context.Context in place of a timeout. The core
// passes contexts with no deadline, which corresponds to an unbounded wait.
package relay

import (
	"context"
	"fmt"
)

// State is the communication state of a Listener or Channel
type State int32

const (
	// StateCreated is the state of an object that has not been opened
	StateCreated State = iota

	// StateOpening is the state of an object whose Open is in progress
	StateOpening

	// StateOpen is the state of an object that can be used for communication
	StateOpen

	// StateClosing is the state of an object whose Close is in progress
	StateClosing

	// StateClosed is the state of an object that has been closed normally
	StateClosed

	// StateFaulted is the state of an object that failed and can no longer be used
	StateFaulted
)

var stateNames = [...]string{"created", "opening", "open", "closing", "closed", "faulted"}

func (s State) String() string {
	if s < StateCreated || s > StateFaulted {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Listener produces Channels from a relay transport
type Listener interface {
	// Open prepares the listener to accept channels
	Open(ctx context.Context) error

	// Close stops the listener. Pending and future AcceptChannel calls
	// return promptly.
	Close(ctx context.Context) error

	// AcceptChannel waits for the next channel. It returns (nil, nil) when the
	// listener will never produce another channel.
	AcceptChannel(ctx context.Context) (Channel, error)
}

// Channel is an open duplex endpoint produced by a Listener
type Channel interface {
	// State returns the channel's current communication state
	State() State

	// Open completes the channel's setup; requests can be received after it
	// succeeds
	Open(ctx context.Context) error

	// Close shuts the channel down. It is safe to call more than once.
	Close(ctx context.Context) error

	// TryReceiveRequest waits for the next inbound request. It returns
	// (nil, nil) when no request was received this time.
	TryReceiveRequest(ctx context.Context) (RequestContext, error)
}

// RequestContext wraps exactly one inbound request message
type RequestContext interface {
	// RequestMessage returns the inbound message
	RequestMessage() *Message

	// Reply sends the outbound message. It may be called at most once.
	Reply(ctx context.Context, reply *Message) error

	// Close releases the context. It must be called exactly once, after the
	// reply completes or fails.
	Close() error
}

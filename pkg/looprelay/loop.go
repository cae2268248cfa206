// Package looprelay is an in-process relay transport. A Server maintains a
// namespace of named loop listeners; dialing a name connects a relay client
// to a new channel on that listener over a local socketpair. It lets the
// relay HTTP server be exercised end to end without any network relay.
package looprelay

import (
	"context"
	"fmt"
	"sync"

	"github.com/prep/socketpair"

	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relaywire"
)

// Server maintains a namespace of loop names with listening Listeners
type Server struct {
	logger.Logger
	lock    sync.Mutex
	entries map[string]*Listener
}

// NewServer creates a new Server
func NewServer(lg logger.Logger) *Server {
	return &Server{
		Logger:  lg.Fork("LoopServer"),
		entries: make(map[string]*Listener),
	}
}

func (s *Server) String() string {
	return s.Logger.Prefix()
}

// Listen creates a Listener registered at name. Only one listener can be
// registered at a given name at a time; the name is released when the
// listener shuts down.
func (s *Server) Listen(name string) (*Listener, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.entries[name] != nil {
		return nil, fmt.Errorf("%s: Loop listener already registered for name: %s", s.Prefix(), name)
	}
	l := newListener(s.Logger, name, s)
	s.entries[name] = l
	return l, nil
}

// unregister removes l from the namespace. Has no effect if l is not the
// current listener for its name.
func (s *Server) unregister(l *Listener) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	remove := s.entries[l.name] == l
	if remove {
		delete(s.entries, l.name)
	}
	return remove
}

// Dial connects a new relay client to the listener registered at name
func (s *Server) Dial(ctx context.Context, name string) (*relaywire.Client, error) {
	s.lock.Lock()
	l := s.entries[name]
	s.lock.Unlock()
	if l == nil {
		return nil, fmt.Errorf("%s: Nothing listening on loop name: %s", s.Prefix(), name)
	}
	return l.Dial(ctx)
}

// Listener is a relay.Listener whose channels are created by Dial
type Listener struct {
	*relaywire.Listener
	name   string
	server *Server
}

// NewListener creates a Listener that is not registered in any namespace. It
// can only be reached through its own Dial.
func NewListener(lg logger.Logger, name string) *Listener {
	return newListener(lg, name, nil)
}

func newListener(lg logger.Logger, name string, server *Server) *Listener {
	l := &Listener{name: name, server: server}
	l.Listener = relaywire.NewListener(lg.Fork("loop(%s)", name), func() error {
		if l.server != nil {
			l.server.unregister(l)
		}
		return nil
	})
	return l
}

// Name returns the name the listener was created with
func (l *Listener) Name() string {
	return l.name
}

// Dial creates a new channel on the listener and returns the relay client
// connected to it. The channel is queued for AcceptChannel.
func (l *Listener) Dial(ctx context.Context) (*relaywire.Client, error) {
	serverConn, clientConn, err := socketpair.New("unix")
	if err != nil {
		return nil, l.DLogErrorf("Unable to create socketpair: %s", err)
	}
	_, n := l.Stats().Counts()
	ch := relaywire.NewChannel(l.Fork("channel#%d", n+1), relaywire.NewStreamConn(serverConn), "loop:"+l.name)
	if err := l.Offer(ctx, ch); err != nil {
		serverConn.Close()
		clientConn.Close()
		return nil, fmt.Errorf("%s: dial failed: %w", l.Prefix(), err)
	}
	return relaywire.NewClient(l.Fork("client"), relaywire.NewStreamConn(clientConn)), nil
}

package chshare

import (
	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relay"
)

// channelState is the server's record of one accepted channel
type channelState struct {
	logger.Logger
	server *Server
	id     int64
	ch     relay.Channel

	// window is set once the channel has opened, before any pump starts
	window *Window
}

func newChannelState(s *Server, id int64, ch relay.Channel) *channelState {
	return &channelState{
		Logger: s.Fork("channel#%d", id),
		server: s,
		id:     id,
		ch:     ch,
	}
}

// retire removes the channel from the registry and closes it. If the channel
// is no longer registered, whoever removed it is responsible for closing it
// and retire does nothing.
func (cs *channelState) retire(reason error) {
	s := cs.server
	if !s.registry.Remove(cs) {
		return
	}
	cs.DLogf("Retiring channel: %s", reason)
	if err := s.closeChannel(cs.ch); err != nil {
		cs.DLogf("Ignoring error: %s", err)
	}
	s.stats.channelClosed()
}

// startPump launches one receive slot on a channel
func (s *Server) startPump(cs *channelState) {
	s.wg.Add(1)
	go s.pump(cs)
}

// pump is one receive slot. It receives a request, dispatches it, replies, and
// then either receives again or, if the window shrank, exits. Requests within
// one slot are strictly sequential; concurrency comes from the number of slots.
func (s *Server) pump(cs *channelState) {
	defer s.wg.Done()
	for {
		if cs.ch.State() != relay.StateOpen {
			cs.TLogf("Channel is %s; receive slot exiting", cs.ch.State())
			cs.retire(relay.ErrClosed)
			return
		}

		rc, err := cs.ch.TryReceiveRequest(s.ctx)
		switch relay.Classify(err) {
		case relay.KindFatal:
			if s.isOpen() {
				cs.retire(err)
			}
			return
		case relay.KindTransient:
			s.logTransient(cs.Logger, "receive", err)
			continue
		}
		if rc == nil {
			// Nothing received; a later reply completion will resume receiving.
			return
		}

		s.stats.requestStarted()
		cs.window.Begin()
		if cs.window.TryGrow() {
			size := cs.window.Size()
			cs.TLogf("Window grew to %d", size)
			s.stats.windowChanged(cs.id, size)
			s.startPump(cs)
		}

		if !s.dispatch(cs, rc) {
			return
		}
	}
}

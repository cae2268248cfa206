package chshare

import (
	"github.com/sammck-go/relayhttp/pkg/relay"
)

// acceptLoop accepts channels until the server leaves the open state or the
// listener reports that it has no more channels. Each accepted channel is
// registered and then opened on its own goroutine, so a slow channel open
// never holds up the next accept.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer close(s.acceptDone)
	for s.isOpen() {
		ch, err := s.listener.AcceptChannel(s.ctx)
		switch relay.Classify(err) {
		case relay.KindTransient:
			s.logTransient(s.Logger, "accept", err)
			continue
		case relay.KindFatal:
			if s.isOpen() {
				s.DLogf("Listener stopped: %s", err)
			}
			ch = nil
		}

		if ch == nil {
			if s.isOpen() {
				s.ILogf("Listener has no more channels; no longer accepting")
				s.cancelOpen()
			}
			return
		}

		cs := s.registerChannel(ch)
		if cs == nil {
			return
		}
		s.wg.Add(1)
		go s.openChannel(cs)
	}
}

// registerChannel adds a newly accepted channel to the registry. If the server
// began closing concurrently, the channel is closed here instead and nil is
// returned.
func (s *Server) registerChannel(ch relay.Channel) *channelState {
	id := s.stats.channelOpened()
	cs := newChannelState(s, id, ch)
	s.registry.Add(cs)
	if !s.isOpen() {
		// Close may have drained the registry before Add; whoever removes the
		// channel closes it.
		cs.retire(ErrServerClosed)
		return nil
	}
	cs.DLogf("Accepted channel")
	return cs
}

// openChannel opens an accepted channel and starts its initial receive pumps
func (s *Server) openChannel(cs *channelState) {
	defer s.wg.Done()
	err := safeCall(func() error { return cs.ch.Open(s.ctx) })
	if err != nil {
		err = cs.DLogErrorf("Channel failed to open: %s", err)
		s.failOpen(err)
		cs.retire(err)
		return
	}
	cs.window = NewWindow(s.config.InitialWindow(), s.config.MinimumWindow(), s.config.MaxConcurrentRequests)
	n := cs.window.Size()
	s.stats.windowChanged(cs.id, n)
	cs.DLogf("Channel open; starting %d receive pumps", n)
	for i := 0; i < n; i++ {
		s.startPump(cs)
	}
}

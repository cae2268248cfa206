package chshare

import "sync"

// channelRegistry is an unordered, goroutine-safe bag of open channels. The
// accept loop adds to it; Close drains it with Take, which is destructive, so
// no channel is ever handed to two closers. Entries are compared by pointer.
type channelRegistry struct {
	lock     sync.Mutex
	channels []*channelState
}

// newChannelRegistry creates an empty registry
func newChannelRegistry() *channelRegistry {
	return &channelRegistry{}
}

// Add puts a channel in the registry
func (r *channelRegistry) Add(ch *channelState) {
	r.lock.Lock()
	r.channels = append(r.channels, ch)
	r.lock.Unlock()
}

// Take removes and returns an arbitrary channel. ok is false if the registry
// is empty.
func (r *channelRegistry) Take() (ch *channelState, ok bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := len(r.channels)
	if n == 0 {
		return nil, false
	}
	ch = r.channels[n-1]
	r.channels[n-1] = nil
	r.channels = r.channels[:n-1]
	return ch, true
}

// Remove takes a specific channel out of the registry. Returns false if it was
// not present, which means someone else has already taken it.
func (r *channelRegistry) Remove(ch *channelState) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i, c := range r.channels {
		if c == ch {
			last := len(r.channels) - 1
			r.channels[i] = r.channels[last]
			r.channels[last] = nil
			r.channels = r.channels[:last]
			return true
		}
	}
	return false
}

// Len returns the number of registered channels
func (r *channelRegistry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.channels)
}

package chshare

import (
	"sync/atomic"

	"github.com/sammck-go/relayhttp/pkg/relay"
)

// pendingReply carries a reply that is being sent back over its channel,
// together with the request context it answers. Both are released exactly
// once, whether the reply succeeds or fails.
type pendingReply struct {
	channel *channelState
	rc      relay.RequestContext
	reply   *relay.Message

	released atomic.Bool
}

func newPendingReply(cs *channelState, rc relay.RequestContext, reply *relay.Message) *pendingReply {
	return &pendingReply{
		channel: cs,
		rc:      rc,
		reply:   reply,
	}
}

// release closes the request context and the reply message. Errors and
// panics from either are swallowed.
func (p *pendingReply) release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	if err := safeCall(p.rc.Close); err != nil {
		p.channel.DLogf("Ignoring error closing request context: %s", err)
	}
	if p.reply != nil {
		if err := safeCall(p.reply.Close); err != nil {
			p.channel.DLogf("Ignoring error closing reply message: %s", err)
		}
	}
}

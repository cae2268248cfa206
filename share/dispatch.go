package chshare

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jpillora/sizestr"

	"github.com/sammck-go/relayhttp/pkg/relay"
)

// ErrNoResponse is reported when a handler returns neither a response nor an error
var ErrNoResponse = errors.New("handler returned no response")

// dispatch runs one received request through the adapter and handler, sends
// the reply, and settles the window. It returns true if the calling receive
// slot should go on receiving, false if the window shrank and the slot must
// exit.
func (s *Server) dispatch(cs *channelState, rc relay.RequestContext) bool {
	reply := s.processRequest(cs, rc)
	pr := newPendingReply(cs, rc, reply)
	if err := s.sendReply(pr); err != nil {
		cs.DLogf("Reply failed: %s", err)
	}
	return s.finishReply(pr)
}

// processRequest produces the reply message for a request. It never returns
// nil: adapter and handler failures become error replies.
func (s *Server) processRequest(cs *channelState, rc relay.RequestContext) (reply *relay.Message) {
	var (
		req *http.Request
		msg *relay.Message
	)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			cs.ELogf("Recovered while processing request: %s", err)
			s.stats.requestFailed()
			if req == nil {
				reply = s.toMessage(cs, NewErrorResponse(nil, http.StatusBadRequest, err))
			} else {
				reply = s.toMessage(cs, NewErrorResponse(req, http.StatusInternalServerError, err))
			}
			if msg != nil {
				reply = s.withID(msg, reply)
			}
		}
	}()

	msg = rc.RequestMessage()
	if msg == nil {
		s.stats.requestFailed()
		return s.toMessage(cs, NewErrorResponse(nil, http.StatusBadRequest, errors.New("request context carries no message")))
	}
	cs.TLogf("Request %s %s %s (%s)", msg.ID, msg.Method, msg.URL, sizestr.ToString(int64(len(msg.Body))))

	var err error
	req, err = s.adapter.ToRequest(s.ctx, msg)
	if err == nil && req == nil {
		err = errors.New("adapter produced no request")
	}
	if err != nil {
		cs.DLogf("Malformed request %s: %s", msg.ID, err)
		s.stats.requestFailed()
		req = nil
		return s.withID(msg, s.toMessage(cs, NewErrorResponse(nil, http.StatusBadRequest, err)))
	}

	resp, err := s.callHandler(req)
	switch {
	case s.ctx.Err() != nil:
		discardResponse(resp)
		cs.DLogf("Request %s canceled", msg.ID)
		s.stats.requestFailed()
		s.cancelOpen()
		resp = NewErrorResponse(req, http.StatusInternalServerError, context.Canceled)
	case err != nil:
		discardResponse(resp)
		cs.DLogf("Handler failed for %s: %s", msg.ID, err)
		s.stats.requestFailed()
		resp = NewErrorResponse(req, http.StatusInternalServerError, err)
	case resp == nil:
		s.stats.requestFailed()
		resp = NewErrorResponse(req, http.StatusInternalServerError, ErrNoResponse)
	}
	return s.withID(msg, s.toMessage(cs, resp))
}

// callHandler invokes the handler on the calling goroutine, turning a panic
// into an error
func (s *Server) callHandler(req *http.Request) (resp *http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.Handle(s.ctx, req)
}

// toMessage converts a response using the adapter, falling back to the
// server's own conversion of an internal-error response if the adapter fails
func (s *Server) toMessage(cs *channelState, resp *http.Response) (msg *relay.Message) {
	defer func() {
		if r := recover(); r != nil {
			cs.ELogf("Recovered while converting response: %v", r)
			discardResponse(resp)
			msg = responseToMessage(NewErrorResponse(resp.Request, http.StatusInternalServerError, fmt.Errorf("panic: %v", r)))
		}
	}()
	msg, err := s.adapter.ToMessage(resp)
	if err == nil && msg == nil {
		err = errors.New("adapter produced no message")
	}
	if err != nil {
		cs.DLogf("Unable to convert response: %s", err)
		discardResponse(resp)
		return responseToMessage(NewErrorResponse(resp.Request, http.StatusInternalServerError, err))
	}
	return msg
}

func (s *Server) withID(req *relay.Message, reply *relay.Message) *relay.Message {
	if reply.ID == "" {
		reply.ID = req.ID
	}
	return reply
}

// sendReply sends the reply over the channel. Cancellation of the server does
// not prevent the attempt.
func (s *Server) sendReply(pr *pendingReply) error {
	ctx := context.WithoutCancel(s.ctx)
	pr.channel.TLogf("Reply %s %d (%s)", pr.reply.ID, pr.reply.StatusCode, sizestr.ToString(int64(len(pr.reply.Body))))
	return safeCall(func() error { return pr.rc.Reply(ctx, pr.reply) })
}

// finishReply settles a completed reply, successful or not: it retires the
// outstanding request, releases the request context and the reply, and asks
// the window whether to shrink. Returns true if the slot should keep
// receiving.
func (s *Server) finishReply(pr *pendingReply) bool {
	cs := pr.channel
	cs.window.End()
	s.stats.requestFinished()
	pr.release()
	if cs.window.TryShrink() {
		size := cs.window.Size()
		cs.TLogf("Window shrank to %d", size)
		s.stats.windowChanged(cs.id, size)
		return false
	}
	return true
}

func discardResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}

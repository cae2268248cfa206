package chshare

import (
	"context"
	"net/http"

	"github.com/sammck-go/relayhttp/pkg/relay"
)

// RequestHandler is the HTTP pipeline that requests are dispatched into. ctx is
// canceled when the server closes; handlers should treat that cooperatively.
type RequestHandler interface {
	Handle(ctx context.Context, req *http.Request) (*http.Response, error)
}

// RequestHandlerFunc adapts an ordinary function to a RequestHandler
type RequestHandlerFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Handle calls f(ctx, req)
func (f RequestHandlerFunc) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// MessageAdapter converts between relay messages and the abstract HTTP request
// and response. Either direction may fail; the server turns failures into
// well-formed error replies.
type MessageAdapter interface {
	ToRequest(ctx context.Context, msg *relay.Message) (*http.Request, error)
	ToMessage(resp *http.Response) (*relay.Message, error)
}

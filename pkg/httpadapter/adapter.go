// Package httpadapter converts relay messages to and from net/http requests
// and responses, and runs ordinary http.Handlers as relay request handlers.
package httpadapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sammck-go/relayhttp/pkg/relay"
)

var (
	// ErrMissingMethod is returned by ToRequest for a message with no method
	ErrMissingMethod = errors.New("request message has no method")

	// ErrMissingURL is returned by ToRequest for a message with no URL
	ErrMissingURL = errors.New("request message has no URL")
)

type isLocalKey struct{}

// IsLocal reports whether the request carrying ctx came from a loopback
// address
func IsLocal(ctx context.Context) bool {
	v, _ := ctx.Value(isLocalKey{}).(bool)
	return v
}

// Adapter converts relay messages to and from net/http values. Relative
// request URLs are resolved against BaseAddress.
type Adapter struct {
	BaseAddress *url.URL
}

// New creates an Adapter. base may be nil, in which case request URLs must be
// absolute.
func New(base *url.URL) *Adapter {
	return &Adapter{BaseAddress: base}
}

// ToRequest builds an *http.Request from a relay request message
func (a *Adapter) ToRequest(ctx context.Context, msg *relay.Message) (*http.Request, error) {
	if msg == nil {
		return nil, errors.New("nil request message")
	}
	if msg.Method == "" {
		return nil, ErrMissingMethod
	}
	if msg.URL == "" {
		return nil, ErrMissingURL
	}
	u, err := a.resolve(msg.URL)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, isLocalKey{}, isLoopback(msg.RemoteAddr))
	req, err := http.NewRequestWithContext(ctx, msg.Method, u.String(), bytes.NewReader(msg.Body))
	if err != nil {
		return nil, fmt.Errorf("invalid request message: %w", err)
	}
	for k, vv := range msg.Header {
		req.Header[k] = append([]string(nil), vv...)
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	req.RemoteAddr = msg.RemoteAddr
	req.RequestURI = u.RequestURI()
	return req, nil
}

func (a *Adapter) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL %q: %w", raw, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if a.BaseAddress == nil {
		return nil, fmt.Errorf("relative request URL %q with no base address", raw)
	}
	return a.BaseAddress.ResolveReference(u), nil
}

// ToMessage builds a relay reply message from resp, consuming and closing
// its body
func (a *Adapter) ToMessage(resp *http.Response) (*relay.Message, error) {
	if resp == nil {
		return nil, errors.New("nil response")
	}
	var body []byte
	if resp.Body != nil {
		defer resp.Body.Close()
		var err error
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
	}
	msg := relay.NewReplyMessage(resp.StatusCode, body)
	for k, vv := range resp.Header {
		msg.Header[k] = append([]string(nil), vv...)
	}
	if len(body) > 0 && msg.Header.Get("Content-Length") == "" {
		msg.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return msg, nil
}

func isLoopback(addr string) bool {
	if addr == "" {
		return false
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

package httpadapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func mustURL(t *testing.T, s string) *url.URL {
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestToRequest(t *testing.T) {
	a := New(mustURL(t, "https://relay.example.com/app/"))
	msg := relay.NewRequestMessage(http.MethodPut, "api/test?id=7", []byte("payload"))
	msg.Header.Set("X-Custom", "yes")
	msg.Header.Set("Host", "public.example.com")
	msg.RemoteAddr = "203.0.113.9:4000"

	req, err := a.ToRequest(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "https://relay.example.com/app/api/test?id=7", req.URL.String())
	assert.Equal(t, "/app/api/test?id=7", req.RequestURI)
	assert.Equal(t, "public.example.com", req.Host)
	assert.Empty(t, req.Header.Get("Host"))
	assert.Equal(t, "yes", req.Header.Get("X-Custom"))
	assert.Equal(t, "203.0.113.9:4000", req.RemoteAddr)
	assert.False(t, IsLocal(req.Context()))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	// the message header is not shared with the request
	req.Header.Set("X-Custom", "changed")
	assert.Equal(t, "yes", msg.Header.Get("X-Custom"))
}

func TestToRequestAbsoluteURLWithoutBase(t *testing.T) {
	req, err := New(nil).ToRequest(context.Background(), relay.NewRequestMessage(http.MethodGet, "http://other/x", nil))
	require.NoError(t, err)
	assert.Equal(t, "other", req.URL.Host)
}

func TestToRequestRejectsMalformed(t *testing.T) {
	a := New(nil)
	tests := map[string]*relay.Message{
		"nil":            nil,
		"no method":      relay.NewRequestMessage("", "http://x/", nil),
		"no url":         relay.NewRequestMessage(http.MethodGet, "", nil),
		"relative":       relay.NewRequestMessage(http.MethodGet, "/api", nil),
		"bad url":        relay.NewRequestMessage(http.MethodGet, "http://[::1", nil),
		"invalid method": relay.NewRequestMessage("BAD METHOD", "http://x/", nil),
	}
	for name, msg := range tests {
		_, err := a.ToRequest(context.Background(), msg)
		assert.Error(t, err, name)
	}
	_, err := a.ToRequest(context.Background(), relay.NewRequestMessage("", "x", nil))
	assert.ErrorIs(t, err, ErrMissingMethod)
	_, err = a.ToRequest(context.Background(), relay.NewRequestMessage(http.MethodGet, "", nil))
	assert.ErrorIs(t, err, ErrMissingURL)
}

func TestIsLocal(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:80":   true,
		"[::1]:9000":     true,
		"localhost:1":    true,
		"127.0.0.2":      true,
		"10.1.2.3:80":    false,
		"example.com:80": false,
		"":               false,
	}
	a := New(mustURL(t, "http://base/"))
	for addr, want := range tests {
		msg := relay.NewRequestMessage(http.MethodGet, "/", nil)
		msg.RemoteAddr = addr
		req, err := a.ToRequest(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, want, IsLocal(req.Context()), addr)
	}
	assert.False(t, IsLocal(context.Background()))
}

func TestToMessage(t *testing.T) {
	h := NewHTTPHandler(logger.NilLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Reply", "1")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	req, err := http.NewRequest(http.MethodPost, "http://x/", nil)
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)

	msg, err := New(nil).ToMessage(resp)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, msg.StatusCode)
	assert.Equal(t, "created", string(msg.Body))
	assert.Equal(t, "1", msg.Header.Get("X-Reply"))
	assert.Equal(t, "7", msg.Header.Get("Content-Length"))

	_, err = New(nil).ToMessage(nil)
	assert.Error(t, err)
}

func TestHandlerDefaults(t *testing.T) {
	h := NewHTTPHandler(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>hi</body></html>"))
		w.WriteHeader(http.StatusTeapot)
	}))
	req, err := http.NewRequest(http.MethodGet, "http://x/", nil)
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Same(t, req, resp.Request)

	resp, err = NewHTTPHandler(nil, http.NotFoundHandler()).Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	called := false
	h := NewHTTPHandler(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		cancel()
		<-r.Context().Done()
	}))
	req, err := http.NewRequest(http.MethodGet, "http://x/", nil)
	require.NoError(t, err)

	_, err = h.Handle(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, called)

	called = false
	_, err = h.Handle(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestHandlerKeepsRequestContext(t *testing.T) {
	h := NewHTTPHandler(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%t", IsLocal(r.Context()))
	}))
	a := New(mustURL(t, "http://base/"))

	for addr, want := range map[string]string{"127.0.0.1:5555": "true", "198.51.100.7:5555": "false"} {
		msg := relay.NewRequestMessage(http.MethodGet, "/local", nil)
		msg.RemoteAddr = addr
		req, err := a.ToRequest(context.Background(), msg)
		require.NoError(t, err)
		resp, err := h.Handle(context.Background(), req)
		require.NoError(t, err)
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, want, string(b), addr)
	}
}

func TestHandlerCanceledByRequestContext(t *testing.T) {
	rctx, cancel := context.WithCancel(context.Background())
	h := NewHTTPHandler(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
		w.WriteHeader(http.StatusAccepted)
	}))
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, "http://x/", nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHandlerRequestLogAtDebug(t *testing.T) {
	lg := logger.NewLogger("test", logger.LogLevelDebug)
	h := NewHTTPHandler(lg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	req, err := http.NewRequest(http.MethodGet, "http://x/ping", nil)
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(b))
}

func TestReverseProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Host", r.Host)
		io.WriteString(w, r.Method+" "+r.URL.RequestURI())
	}))
	defer upstream.Close()

	proxy, err := NewReverseProxy(logger.NilLogger(), upstream.URL)
	require.NoError(t, err)
	h := NewHTTPHandler(nil, proxy)
	a := New(mustURL(t, "https://public.example.com/"))

	req, err := a.ToRequest(context.Background(), relay.NewRequestMessage(http.MethodGet, "/api/test/5?x=1", nil))
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	msg, err := a.ToMessage(resp)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, msg.StatusCode)
	assert.Equal(t, "GET /api/test/5?x=1", string(msg.Body))
	assert.Equal(t, mustURL(t, upstream.URL).Host, msg.Header.Get("X-Upstream-Host"))

	_, err = NewReverseProxy(nil, "localhost:80")
	assert.Error(t, err)
}

func TestReverseProxyUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	proxy, err := NewReverseProxy(logger.NilLogger(), target)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, "http://public/", nil)
	require.NoError(t, err)
	resp, err := NewHTTPHandler(nil, proxy).Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

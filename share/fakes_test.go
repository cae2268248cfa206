package chshare

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relay"
)

// fakeListener hands out channels pushed into it with offer
type fakeListener struct {
	channels chan relay.Channel
	closed   chan struct{}
	once     sync.Once

	openErr    error
	closeErr   error
	openCalls  atomic.Int32
	closeCalls atomic.Int32
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		channels: make(chan relay.Channel, 16),
		closed:   make(chan struct{}),
	}
}

func (l *fakeListener) offer(ch relay.Channel) {
	l.channels <- ch
}

// exhaust makes AcceptChannel report that no more channels will come
func (l *fakeListener) exhaust() {
	close(l.channels)
}

func (l *fakeListener) Open(ctx context.Context) error {
	l.openCalls.Add(1)
	return l.openErr
}

func (l *fakeListener) Close(ctx context.Context) error {
	l.closeCalls.Add(1)
	l.once.Do(func() { close(l.closed) })
	return l.closeErr
}

func (l *fakeListener) AcceptChannel(ctx context.Context) (relay.Channel, error) {
	select {
	case ch, ok := <-l.channels:
		if !ok {
			return nil, nil
		}
		return ch, nil
	case <-l.closed:
		return nil, relay.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fakeChannel delivers requests pushed into it with send
type fakeChannel struct {
	state    atomic.Int32
	requests chan *fakeRequest
	closed   chan struct{}
	once     sync.Once

	openErr    error
	closeMode  closeMode
	receiveErr atomic.Pointer[error]

	closeCalls   atomic.Int32
	receiving    atomic.Int32
	maxReceiving atomic.Int32
}

func newFakeChannel() *fakeChannel {
	ch := &fakeChannel{
		requests: make(chan *fakeRequest, 64),
		closed:   make(chan struct{}),
	}
	ch.state.Store(int32(relay.StateCreated))
	return ch
}

func (c *fakeChannel) State() relay.State {
	return relay.State(c.state.Load())
}

func (c *fakeChannel) Open(ctx context.Context) error {
	if c.openErr != nil {
		c.state.Store(int32(relay.StateFaulted))
		return c.openErr
	}
	c.state.Store(int32(relay.StateOpen))
	return nil
}

// closeMode selects how a fakeChannel's Close misbehaves
type closeMode int

const (
	closeOK closeMode = iota
	closeError
	closePanic
	closeHang
)

func (m closeMode) String() string {
	return [...]string{"ok", "error", "panic", "hang"}[m]
}

func (c *fakeChannel) Close(ctx context.Context) error {
	c.closeCalls.Add(1)
	switch c.closeMode {
	case closeError:
		return errBoom
	case closePanic:
		panic("close exploded")
	case closeHang:
		<-ctx.Done()
		return ctx.Err()
	}
	c.state.Store(int32(relay.StateClosed))
	c.once.Do(func() { close(c.closed) })
	return nil
}

// failReceives makes every subsequent TryReceiveRequest return err
func (c *fakeChannel) failReceives(err error) {
	c.receiveErr.Store(&err)
}

func (c *fakeChannel) TryReceiveRequest(ctx context.Context) (relay.RequestContext, error) {
	if p := c.receiveErr.Load(); p != nil {
		return nil, *p
	}
	n := c.receiving.Add(1)
	defer c.receiving.Add(-1)
	for {
		m := c.maxReceiving.Load()
		if n <= m || c.maxReceiving.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case r := <-c.requests:
		return r, nil
	case <-c.closed:
		return nil, relay.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) send(r *fakeRequest) *fakeRequest {
	c.requests <- r
	return r
}

// fakeRequest is a request context whose reply can be awaited by the test
type fakeRequest struct {
	msg      *relay.Message
	replyErr error

	replies    chan *relay.Message
	closeCalls atomic.Int32
	replyCalls atomic.Int32
}

func newFakeRequest(method, url string, body string) *fakeRequest {
	msg := relay.NewRequestMessage(method, url, []byte(body))
	msg.ID = "req " + url
	return &fakeRequest{
		msg:     msg,
		replies: make(chan *relay.Message, 1),
	}
}

func (r *fakeRequest) RequestMessage() *relay.Message {
	return r.msg
}

func (r *fakeRequest) Reply(ctx context.Context, reply *relay.Message) error {
	r.replyCalls.Add(1)
	if r.replyErr != nil {
		return r.replyErr
	}
	// copy, the server closes the reply once sent
	cp := *reply
	r.replies <- &cp
	return nil
}

func (r *fakeRequest) Close() error {
	r.closeCalls.Add(1)
	return nil
}

func (r *fakeRequest) await(t *testing.T) *relay.Message {
	t.Helper()
	select {
	case reply := <-r.replies:
		return reply
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for reply")
		return nil
	}
}

// testAdapter converts messages to requests and back without any relay
// specific metadata
type testAdapter struct {
	toRequestErr error
	toMessageErr error
}

func (a *testAdapter) ToRequest(ctx context.Context, msg *relay.Message) (*http.Request, error) {
	if a.toRequestErr != nil {
		return nil, a.toRequestErr
	}
	return http.NewRequestWithContext(ctx, msg.Method, msg.URL, bytes.NewReader(msg.Body))
}

func (a *testAdapter) ToMessage(resp *http.Response) (*relay.Message, error) {
	if a.toMessageErr != nil {
		return nil, a.toMessageErr
	}
	return responseToMessage(resp), nil
}

func echoHandler() RequestHandler {
	return RequestHandlerFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		resp := NewResponse(req, http.StatusOK)
		resp.Header.Set("X-Method", req.Method)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		return resp, nil
	})
}

var errBoom = errors.New("boom")

func testMetrics(t *testing.T) (*metrics.Metrics, *metrics.InmemSink) {
	t.Helper()
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	cfg := metrics.DefaultConfig("test")
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	m, err := metrics.New(cfg, sink)
	require.NoError(t, err)
	return m, sink
}

func testConfig(t *testing.T, maxConcurrent, parallelism int) Config {
	m, _ := testMetrics(t)
	return Config{
		MaxConcurrentRequests: maxConcurrent,
		Parallelism:           parallelism,
		Logger:                logger.NilLogger(),
		Metrics:               m,
		CloseTimeout:          time.Second,
	}
}

// startServer creates and opens a server, arranging for it to be closed and
// drained when the test ends
func startServer(t *testing.T, cfg Config, l relay.Listener, h RequestHandler, a MessageAdapter) *Server {
	t.Helper()
	s, err := NewServer(cfg, l, h, a)
	require.NoError(t, err)
	require.NoError(t, s.Open().Wait())
	t.Cleanup(func() {
		require.NoError(t, s.Close().Wait())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.WaitIdle(ctx))
	})
	return s
}

func gaugeValue(sink *metrics.InmemSink, name string) (float32, bool) {
	for _, intv := range sink.Data() {
		if g, ok := intv.Gauges[name]; ok {
			return g.Value, true
		}
	}
	return 0, false
}

package relaywire

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sammck-go/relayhttp/pkg/logger"
	"github.com/sammck-go/relayhttp/pkg/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPair(t *testing.T) (*Channel, *Client) {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	lg := logger.NilLogger()
	ch := NewChannel(lg, NewStreamConn(serverEnd), "pipe")
	client := NewClient(lg, NewStreamConn(clientEnd))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, ch.Close(ctx))
		client.Close()
	})
	return ch, client
}

func TestChannelRequestReply(t *testing.T) {
	ch, client := newPair(t)
	ctx := context.Background()
	require.Equal(t, relay.StateCreated, ch.State())
	require.NoError(t, ch.Open(ctx))
	require.Equal(t, relay.StateOpen, ch.State())

	type result struct {
		reply *relay.Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		req := relay.NewRequestMessage(http.MethodPost, "/api/test", []byte("ping"))
		req.Header.Set("X-Trace", "abc")
		reply, err := client.Do(ctx, req)
		done <- result{reply, err}
	}()

	rc, err := ch.TryReceiveRequest(ctx)
	require.NoError(t, err)
	msg := rc.RequestMessage()
	assert.Equal(t, http.MethodPost, msg.Method)
	assert.Equal(t, "/api/test", msg.URL)
	assert.Equal(t, "ping", string(msg.Body))
	assert.Equal(t, "abc", msg.Header.Get("X-Trace"))
	assert.Equal(t, "pipe", msg.RemoteAddr)
	assert.NotEmpty(t, msg.ID)

	reply := relay.NewReplyMessage(http.StatusCreated, []byte("pong"))
	require.NoError(t, rc.Reply(ctx, reply))
	assert.ErrorIs(t, rc.Reply(ctx, reply), ErrAlreadyReplied)
	require.NoError(t, rc.Close())
	assert.True(t, msg.IsClosed())

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusCreated, r.reply.StatusCode)
	assert.Equal(t, "pong", string(r.reply.Body))
	assert.Equal(t, msg.ID, r.reply.ID)
}

func TestChannelPeerClose(t *testing.T) {
	ch, client := newPair(t)
	ctx := context.Background()
	require.NoError(t, ch.Open(ctx))

	require.NoError(t, client.Close())
	_, err := ch.TryReceiveRequest(ctx)
	require.ErrorIs(t, err, relay.ErrClosed)
	assert.Equal(t, relay.KindFatal, relay.Classify(err))

	<-ch.ShutdownDoneChan()
	assert.Equal(t, relay.StateClosed, ch.State())
}

func TestChannelCloseFailsPendingClientRequests(t *testing.T) {
	ch, client := newPair(t)
	ctx := context.Background()
	require.NoError(t, ch.Open(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := client.Do(ctx, relay.NewRequestMessage(http.MethodGet, "/", nil))
		done <- err
	}()
	_, err := ch.TryReceiveRequest(ctx)
	require.NoError(t, err)

	require.NoError(t, ch.Close(ctx))
	assert.ErrorIs(t, <-done, relay.ErrClosed)
	assert.Equal(t, relay.StateClosed, ch.State())

	require.Error(t, ch.Open(ctx))
}

func TestChannelReceiveHonorsContext(t *testing.T) {
	ch, _ := newPair(t)
	require.NoError(t, ch.Open(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ch.TryReceiveRequest(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, relay.KindTransient, relay.Classify(err))
}

func TestClientDoAfterClose(t *testing.T) {
	ch, client := newPair(t)
	require.NoError(t, ch.Open(context.Background()))
	require.NoError(t, client.Close())
	_, err := client.Do(context.Background(), relay.NewRequestMessage(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, relay.ErrClosed)
}

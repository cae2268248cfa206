package asyncobj

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

type testObj struct {
	*Helper
	calls int32
	err   error
}

func newTestObj(err error) *testObj {
	o := &testObj{err: err}
	o.Helper = NewHelper(logger.NilLogger(), o)
	return o
}

func (o *testObj) HandleOnceShutdown(completionErr error) error {
	atomic.AddInt32(&o.calls, 1)
	if completionErr == nil {
		completionErr = o.err
	}
	return completionErr
}

func TestHelperShutdownRunsHandlerOnce(t *testing.T) {
	o := newTestObj(nil)
	o.StartShutdown(nil)
	o.StartShutdown(errors.New("ignored"))
	require.NoError(t, o.WaitShutdown())
	require.NoError(t, o.Close())
	assert.EqualValues(t, 1, atomic.LoadInt32(&o.calls))
	assert.True(t, o.IsDoneShutdown())
}

func TestHelperDeferredShutdown(t *testing.T) {
	o := newTestObj(nil)
	require.NoError(t, o.DeferShutdown())
	o.StartShutdown(nil)
	assert.True(t, o.IsScheduledShutdown())
	assert.False(t, o.IsStartedShutdown())

	o.UndeferShutdown()
	require.NoError(t, o.WaitShutdown())
	assert.Error(t, o.DeferShutdown())
}

func TestHelperActivateFailureShutsDown(t *testing.T) {
	o := newTestObj(nil)
	boom := errors.New("open failed")
	err := o.DoOnceActivate(func() error { return boom })
	assert.Equal(t, boom, err)
	assert.Equal(t, boom, o.WaitShutdown())
	assert.False(t, o.IsActivated())
}

func TestHelperChildCascade(t *testing.T) {
	parent := newTestObj(nil)
	child := newTestObj(nil)
	parent.AddShutdownChild(child)

	require.NoError(t, parent.Close())
	assert.True(t, child.IsDoneShutdown())
}

func TestHelperShutdownOnContext(t *testing.T) {
	o := newTestObj(nil)
	ctx, cancel := context.WithCancel(context.Background())
	o.ShutdownOnContext(ctx)
	cancel()

	select {
	case <-o.ShutdownDoneChan():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not follow context cancellation")
	}
	assert.ErrorIs(t, o.WaitShutdown(), context.Canceled)
}

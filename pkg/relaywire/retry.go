package relaywire

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

// RetryPolicy controls how a relay client retries a failed connection attempt
type RetryPolicy struct {
	// MaxRetryCount is the number of retries after the first attempt. Negative
	// means retry until ctx is done.
	MaxRetryCount int

	// MaxRetryInterval caps the exponential backoff. Values below one second
	// select five minutes.
	MaxRetryInterval time.Duration
}

// DialWithRetry calls dial until it succeeds, the retry budget is used up, or
// ctx is done, backing off exponentially between attempts
func DialWithRetry(ctx context.Context, lg logger.Logger, policy RetryPolicy, dial func(ctx context.Context) (FrameConn, error)) (FrameConn, error) {
	max := policy.MaxRetryInterval
	if max < time.Second {
		max = 5 * time.Minute
	}
	b := &backoff.Backoff{Max: max}
	for {
		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		attempt := int(b.Attempt())
		msg := fmt.Sprintf("Connection error: %s (Attempt: %d", err, attempt+1)
		if policy.MaxRetryCount >= 0 {
			msg += fmt.Sprintf("/%d", policy.MaxRetryCount+1)
		}
		lg.DLogf(msg + ")")
		if policy.MaxRetryCount >= 0 && attempt >= policy.MaxRetryCount {
			return nil, err
		}
		d := b.Duration()
		lg.ILogf("Retrying in %s...", d)
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, err
		}
	}
}

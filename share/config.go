package chshare

import (
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"time"

	metrics "github.com/armon/go-metrics"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

const (
	// DefaultMaxConcurrentRequests is used when Config.MaxConcurrentRequests is zero
	DefaultMaxConcurrentRequests = 10

	// MinConcurrentRequests is the smallest accepted value of MaxConcurrentRequests
	MinConcurrentRequests = 1

	// initialWindowMultiplier and minimumWindowMultiplier are multiplied by
	// the available parallelism
	initialWindowMultiplier = 8
	minimumWindowMultiplier = 1

	increaseWindowRatio = 0.8
	decreaseWindowRatio = 0.2
)

// ErrInvalidMaxConcurrentRequests is returned by Validate when
// MaxConcurrentRequests is below MinConcurrentRequests
var ErrInvalidMaxConcurrentRequests = errors.New("max concurrent requests must be at least 1")

// Config is the configuration consumed by Server
type Config struct {
	// MaxConcurrentRequests is the ceiling of each channel's receive window.
	// Zero selects DefaultMaxConcurrentRequests.
	MaxConcurrentRequests int

	// BaseAddress is the public address the relay exposes this server at. It is
	// opaque to the server and handed to the message adapter.
	BaseAddress *url.URL

	// Parallelism is the available parallelism P used to size windows. Zero
	// selects runtime.GOMAXPROCS(0).
	Parallelism int

	// Logger receives server log output. Nil selects a "server" logger at
	// info level.
	Logger logger.Logger

	// Metrics receives gauges and counters. Nil selects the go-metrics global.
	Metrics *metrics.Metrics

	// MetricsPrefix is prepended to every metric key. Empty selects "relayhttp".
	MetricsPrefix string

	// CloseTimeout bounds each listener or channel Close issued by the server.
	// Zero selects DefaultCloseTimeout.
	CloseTimeout time.Duration
}

// DefaultCloseTimeout is used when Config.CloseTimeout is zero
const DefaultCloseTimeout = 10 * time.Second

// Validate checks the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if c.MaxConcurrentRequests < MinConcurrentRequests {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxConcurrentRequests, c.MaxConcurrentRequests)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative: got %d", c.Parallelism)
	}
	if c.Parallelism == 0 {
		c.Parallelism = runtime.GOMAXPROCS(0)
	}
	if c.Logger == nil {
		c.Logger = logger.NewLogger("server", logger.LogLevelInfo)
	}
	if c.MetricsPrefix == "" {
		c.MetricsPrefix = "relayhttp"
	}
	if c.CloseTimeout < 0 {
		return fmt.Errorf("close timeout must not be negative: got %s", c.CloseTimeout)
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return nil
}

// InitialWindow returns min(8·P, M)
func (c *Config) InitialWindow() int {
	return minInt(multiplyByParallelism(c.Parallelism, initialWindowMultiplier), c.MaxConcurrentRequests)
}

// MinimumWindow returns 1·P, capped at M so that the window bounds never cross
func (c *Config) MinimumWindow() int {
	return minInt(multiplyByParallelism(c.Parallelism, minimumWindowMultiplier), c.MaxConcurrentRequests)
}

func multiplyByParallelism(p int, value int) int {
	if p < 1 {
		p = 1
	}
	return p * value
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

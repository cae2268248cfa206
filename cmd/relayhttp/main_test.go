package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// syncBuffer is a bytes.Buffer safe for a logger and a test to share
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseOptionsDefaults(t *testing.T) {
	o, err := parseOptions(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, transportWebsocket, o.transport)
	assert.Equal(t, ":8080", o.listen)
	assert.Equal(t, 10, o.maxConcurrentRequests)

	o, err = parseOptions([]string{"--transport", "ssh"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, ":2222", o.listen)
}

func TestParseOptionsErrors(t *testing.T) {
	tests := map[string][]string{
		"transport":   {"--transport", "carrier-pigeon"},
		"log level":   {"--log-level", "loud"},
		"extra args":  {"serve"},
		"bad flag":    {"--nope"},
		"config file": {"--config", filepath.Join(t.TempDir(), "missing.json")},
	}
	for name, args := range tests {
		_, err := parseOptions(args, io.Discard)
		assert.Error(t, err, name)
	}
}

func TestParseOptionsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayhttp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"transport": "loop",
		"max_concurrent_requests": 4,
		"log_level": "debug",
		"close_timeout": "2s"
	}`), 0o600))

	o, err := parseOptions([]string{"--config", path, "--log-level", "warning"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, transportLoop, o.transport)
	assert.Equal(t, 4, o.maxConcurrentRequests)
	assert.Equal(t, 2*time.Second, o.closeTimeout)
	// flags given on the command line win over the file
	assert.Equal(t, "warning", o.logLevel)
}

func TestRunLoopSelfTest(t *testing.T) {
	o, err := parseOptions([]string{"--transport", "loop", "--status-listen", "127.0.0.1:0", "--close-timeout", "1s"}, io.Discard)
	require.NoError(t, err)

	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, o, out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Self-test reply: Message via the relay host : selftest")
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "run did not return")
	}
	assert.Contains(t, out.String(), "Shutting down")
}

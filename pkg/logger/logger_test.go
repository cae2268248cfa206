package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level LogLevel) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	lg, err := New(
		WithWriter(&buf),
		WithLogLevel(level),
		WithPrefix("root"),
		WithFlags(0),
	)
	require.NoError(t, err)
	return lg, &buf
}

func TestStringToLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, StringToLogLevel("DEBUG"))
	assert.Equal(t, LogLevelWarning, StringToLogLevel("warn"))
	assert.Equal(t, LogLevelUnknown, StringToLogLevel("loud"))

	var lvl LogLevel
	require.Error(t, lvl.FromString("loud"))
	require.NoError(t, lvl.FromString("trace"))
	assert.Equal(t, "trace", lvl.String())
}

func TestLevelFiltering(t *testing.T) {
	lg, buf := newTestLogger(t, LogLevelInfo)

	lg.DLogf("hidden %d", 1)
	assert.Empty(t, buf.String())

	lg.ILogf("shown %d", 2)
	assert.Equal(t, "root: shown 2\n", buf.String())
}

func TestForkSharesLevel(t *testing.T) {
	lg, buf := newTestLogger(t, LogLevelInfo)
	child := lg.Fork("channel#%d", 3)
	assert.Equal(t, "root: channel#3", child.Prefix())

	child.DLogf("before")
	lg.SetLogLevel(LogLevelDebug)
	child.DLogf("after")

	out := buf.String()
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "root: channel#3: after")
}

func TestErrorfCarriesPrefix(t *testing.T) {
	lg, buf := newTestLogger(t, LogLevelError)
	err := lg.DLogErrorf("quiet failure")
	assert.EqualError(t, err, "root: quiet failure")
	assert.Empty(t, buf.String())

	err = lg.ELogErrorf("loud failure")
	assert.EqualError(t, err, "root: loud failure")
	assert.True(t, strings.HasPrefix(buf.String(), "root: loud failure"))
}

func TestPanicf(t *testing.T) {
	lg, _ := newTestLogger(t, LogLevelError)
	assert.PanicsWithValue(t, "root: boom 7", func() {
		lg.Panicf("boom %d", 7)
	})
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(WithLogLevel(LogLevel(42)))
	require.Error(t, err)
}

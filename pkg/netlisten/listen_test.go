package netlisten

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// socketPath returns a short path; unix socket paths are length limited
func socketPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "nl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s")
}

func TestListenTCP(t *testing.T) {
	l, err := Listen(logger.NilLogger(), "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, "tcp", l.Addr().Network())
}

func TestLockedUnixListener(t *testing.T) {
	path := socketPath(t)
	l, err := Listen(logger.NilLogger(), UnixPrefix+path)
	require.NoError(t, err)
	assert.FileExists(t, path+".lock")

	// a second listener on the same path is refused while the lock is held
	_, err = ListenLockedUnix(logger.NilLogger(), path)
	require.Error(t, err)

	go func() {
		c, err := l.Accept()
		if err == nil {
			io.WriteString(c, "hi")
			c.Close()
		}
	}()
	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	b, _ := io.ReadAll(c)
	c.Close()
	assert.Equal(t, "hi", string(b))

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".lock")
}

func TestLockedUnixListenerReplacesOrphan(t *testing.T) {
	path := socketPath(t)
	orphan, err := net.Listen("unix", path)
	require.NoError(t, err)
	// leave the socket file behind, as a crashed process would
	orphan.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, orphan.Close())
	require.FileExists(t, path)

	l, err := ListenLockedUnix(logger.NilLogger(), path)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestLockedUnixListenerRefusesRegularFile(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err := ListenLockedUnix(logger.NilLogger(), path)
	require.Error(t, err)
	assert.FileExists(t, path)

	_, err = ListenLockedUnix(logger.NilLogger(), "")
	require.Error(t, err)
}

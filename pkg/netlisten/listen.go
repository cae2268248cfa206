// Package netlisten opens the listen sockets relay transports accept
// connections on. An address of the form "unix:/path/to/socket" selects a
// unix domain socket guarded by a lock file; anything else is a TCP address.
package netlisten

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

// UnixPrefix marks a unix domain socket address
const UnixPrefix = "unix:"

// Listen opens a listener on addr
func Listen(lg logger.Logger, addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, UnixPrefix); ok {
		return ListenLockedUnix(lg, path)
	}
	return net.Listen("tcp", addr)
}

// LockedUnixListener is a unix domain socket listener that holds a flock on
// a parallel ".lock" file. The lock keeps two listeners off the same path
// while still letting a socket file orphaned by a dead process be replaced.
type LockedUnixListener struct {
	net.Listener
	logger.Logger
	path      string
	lockPath  string
	lockFile  *os.File
	closeOnce sync.Once
	closeErr  error
}

// ListenLockedUnix takes the lock for path, removes any orphaned socket file
// there and listens on it
func ListenLockedUnix(lg logger.Logger, path string) (*LockedUnixListener, error) {
	if path == "" {
		return nil, errors.New("empty unix domain socket path")
	}
	abspath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid unix domain socket path %q: %w", path, err)
	}
	l := &LockedUnixListener{
		Logger:   lg.Fork("unix(%s)", abspath),
		path:     abspath,
		lockPath: abspath + ".lock",
	}

	info, err := os.Stat(abspath)
	if err != nil && !os.IsNotExist(err) {
		return nil, l.Errorf("could not stat socket path: %s", err)
	}
	if info != nil && info.Mode()&os.ModeSocket == 0 {
		return nil, l.Errorf("path exists and is not a unix domain socket")
	}

	lockFile, err := os.OpenFile(l.lockPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, l.Errorf("unable to open lockfile: %s", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, l.Errorf("socket in use (lockfile %q is locked): %s", l.lockPath, err)
	}
	l.lockFile = lockFile

	if info != nil {
		l.DLogf("Removing orphaned socket")
		if err := os.Remove(abspath); err != nil {
			l.unlock()
			return nil, l.Errorf("unable to remove orphaned socket: %s", err)
		}
	}
	ul, err := net.Listen("unix", abspath)
	if err != nil {
		l.unlock()
		return nil, l.Errorf("listen failed: %s", err)
	}
	l.Listener = ul
	l.DLogf("Listening")
	return l, nil
}

// Close closes the socket, removes it, then releases the lock. Later calls
// return the first call's result.
func (l *LockedUnixListener) Close() error {
	l.closeOnce.Do(func() {
		os.Remove(l.path)
		var result *multierror.Error
		if err := l.Listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := l.unlock(); err != nil {
			result = multierror.Append(result, err)
		}
		l.closeErr = result.ErrorOrNil()
	})
	return l.closeErr
}

// unlock removes the lockfile before releasing the lock, so a new listener
// can claim a fresh one immediately
func (l *LockedUnixListener) unlock() error {
	os.Remove(l.lockPath)
	err := syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	if cerr := l.lockFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return l.DLogErrorf("release of lockfile failed: %s", err)
	}
	return nil
}

func (l *LockedUnixListener) String() string {
	return l.Prefix()
}

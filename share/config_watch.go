package chshare

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

// ConfigWatcher applies log_level changes made to a configuration file while
// the server runs. Other settings take effect on restart.
type ConfigWatcher struct {
	logger.Logger
	path     string
	target   logger.Logger
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewConfigWatcher watches path and sets the log level of target whenever the
// file is rewritten
func NewConfigWatcher(path string, target logger.Logger) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	ws, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// editors often replace the file, so watch its directory
	if err := ws.Add(filepath.Dir(abs)); err != nil {
		ws.Close()
		return nil, fmt.Errorf("error watching %q: %w", path, err)
	}
	return &ConfigWatcher{
		Logger:  target.Fork("config-watch"),
		path:    abs,
		target:  target,
		watcher: ws,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching in the background until ctx is done or Stop is
// called. Calling Start more than once is a no-op.
func (w *ConfigWatcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.watch(ctx)
}

// Stop ends watching. It must be called after Start; extra calls are no-ops.
func (w *ConfigWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
		err = w.watcher.Close()
	})
	return err
}

func (w *ConfigWatcher) watch(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.DLogf("watch error: %s", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *ConfigWatcher) reload() {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		// a writer may not have finished; the next event retries
		w.DLogf("Ignoring unreadable config: %s", err)
		return
	}
	l, _ := fc.ParseLogLevel()
	if l == logger.LogLevelUnknown || l == w.target.GetLogLevel() {
		return
	}
	w.ILogf("Log level changed from %s to %s", w.target.GetLogLevel(), l)
	w.target.SetLogLevel(l)
}

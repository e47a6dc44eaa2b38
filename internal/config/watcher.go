package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/shizukutanaka/okura/internal/status"
)

// Watcher reloads the config file when it changes, debounced so editors
// that write in several steps trigger a single reload. Only
// hot-reloadable fields (currently the rate limits) should be acted on
// by callbacks; everything else requires a restart.
type Watcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	running  bool
	debounce time.Duration
	timer    *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(logger *zap.Logger, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, status.Wrap(status.IOError, err, "create file watcher")
	}
	return &Watcher{
		logger:   logger.Named("config"),
		path:     path,
		watcher:  fsw,
		debounce: time.Second,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. onChange receives the freshly parsed config;
// parse failures are logged and the previous config stays in effect.
func (w *Watcher) Start(onChange func(*Config)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return status.New(status.InvalidArgument, "watcher already running")
	}
	if err := w.watcher.Add(w.path); err != nil {
		return status.Wrapf(status.IOError, err, "watch %s", w.path)
	}
	// Watch the directory too: atomic saves replace the file.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("cannot watch config directory", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	go w.loop(ctx, onChange)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()
	<-w.done
	w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context, onChange func(*Config)) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(onChange)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload(onChange func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Warn("config reload failed, keeping previous config", zap.Error(err))
			return
		}
		w.logger.Info("config reloaded", zap.String("path", w.path))
		onChange(cfg)
	})
}

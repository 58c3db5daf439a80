package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadCallback receives the configuration parsed after a file change.
// A returned error is logged; later callbacks still run.
type ReloadCallback func(*Config) error

// ErrWatcherClosed is returned when an operation is attempted on a closed watcher.
var ErrWatcherClosed = errors.New("config: watcher already closed")

// Watcher reloads a config file when it changes. It watches the parent
// directory so editors that save through rename are noticed, debounces
// bursts of events and skips reloads when the file content is unchanged.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	log       *zerolog.Logger
	timer     *time.Timer
	path      string
	callbacks []ReloadCallback
	lastSum   [sha256.Size]byte
	debounce  time.Duration
	mu        sync.Mutex
	closed    bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the watcher waits for events to settle, default 100ms.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(log *zerolog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.log = log
	}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	nop := zerolog.Nop()
	w := &Watcher{
		path:      absPath,
		fsWatcher: fsWatcher,
		debounce:  100 * time.Millisecond,
		log:       &nop,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	if raw, err := os.ReadFile(absPath); err == nil {
		w.lastSum = sha256.Sum256(raw)
	}
	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string {
	return w.path
}

// OnReload registers a callback. Callbacks run in registration order.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Watch processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Watch(ctx context.Context) error {
	target := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			// Chmod comes from indexers and virus scanners.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.schedule()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// reload parses the file and runs the callbacks when its content changed.
func (w *Watcher) reload() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("failed to read config")
		return
	}
	sum := sha256.Sum256(raw)

	w.mu.Lock()
	if w.closed || sum == w.lastSum {
		w.mu.Unlock()
		return
	}
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(raw), detectFormat(w.path))
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("failed to reload config")
		return
	}

	w.mu.Lock()
	w.lastSum = sum
	w.mu.Unlock()

	w.log.Info().Str("path", w.path).Msg("config file reloaded")
	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			w.log.Error().Err(err).Msg("config reload callback error")
		}
	}
}

// Close stops watching. Returns ErrWatcherClosed when called twice.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.fsWatcher.Close()
}

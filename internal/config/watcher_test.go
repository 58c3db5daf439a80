package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, path string, opts ...WatcherOption) (*Watcher, chan *Config) {
	t.Helper()
	w, err := NewWatcher(path, opts...)
	require.NoError(t, err)

	reloads := make(chan *Config, 16)
	w.OnReload(func(cfg *Config) error {
		reloads <- cfg
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Watch(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	time.Sleep(50 * time.Millisecond)
	return w, reloads
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := tempConfig(t, 100)
	_, reloads := startWatcher(t, path)

	writeConfig(t, path, 200)

	select {
	case cfg := <-reloads:
		assert.Equal(t, int64(200), cfg.RateLimit.Capacity)
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback not invoked")
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	t.Parallel()

	path := tempConfig(t, 100)
	_, reloads := startWatcher(t, path, WithDebounceDelay(200*time.Millisecond))

	for i := range 5 {
		writeConfig(t, path, 101+i)
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	n := len(reloads)
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 2)
}

func TestWatcher_SkipsUnchangedContent(t *testing.T) {
	t.Parallel()

	path := tempConfig(t, 100)
	_, reloads := startWatcher(t, path)

	writeConfig(t, path, 100)
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, reloads)
}

func TestWatcher_IgnoresOtherFilesAndBadConfig(t *testing.T) {
	t.Parallel()

	path := tempConfig(t, 100)
	_, reloads := startWatcher(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x: 1"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o600))
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, reloads)
}

func TestWatcher_CallbackErrorsDoNotStopOthers(t *testing.T) {
	t.Parallel()

	path := tempConfig(t, 100)
	w, reloads := startWatcher(t, path)
	var failing atomic.Int32
	w.OnReload(func(*Config) error {
		failing.Add(1)
		return assert.AnError
	})

	writeConfig(t, path, 300)
	select {
	case <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback not invoked")
	}
	assert.Eventually(t, func() bool { return failing.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWatcher_CloseTwiceAndBadPath(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(tempConfig(t, 1))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(w.Path()))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), ErrWatcherClosed)

	_, err = NewWatcher("/nonexistent/path/to/config.yaml")
	assert.Error(t, err)
}

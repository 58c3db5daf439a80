package di

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/omarluq/apigate/internal/config"
)

// ChangeListener is notified after a reloaded config becomes current.
type ChangeListener func(next *config.Config, changes config.Changes)

// ConfigService holds the live configuration and fans reloads out to the
// services that support them.
type ConfigService struct {
	runtime   *config.Runtime
	watcher   *config.Watcher
	path      string
	listeners []ChangeListener
	mu        sync.Mutex
}

// NewConfig loads the configuration and creates, but does not start, a watcher.
func NewConfig(i do.Injector) (*ConfigService, error) {
	path := do.MustInvokeNamed[string](i, ConfigPathKey)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	svc := &ConfigService{runtime: config.NewRuntime(cfg), path: path}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config watcher creation failed, hot-reload disabled")
	} else {
		svc.watcher = watcher
		watcher.OnReload(svc.apply)
	}
	return svc, nil
}

// Get returns the current configuration.
func (c *ConfigService) Get() *config.Config {
	return c.runtime.Get()
}

// Runtime returns the live configuration pointer.
func (c *ConfigService) Runtime() *config.Runtime {
	return c.runtime
}

// OnChange registers fn to run after every accepted reload.
func (c *ConfigService) OnChange(fn ChangeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *ConfigService) apply(next *config.Config) error {
	changes, err := c.runtime.Apply(next)
	if err != nil {
		return err
	}
	if !changes.Any() {
		return nil
	}
	if len(changes.Restart) > 0 {
		log.Warn().Strs("sections", changes.Restart).Msg("config sections changed; restart to apply them")
	}

	c.mu.Lock()
	listeners := append([]ChangeListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(next, changes)
	}
	log.Info().Str("path", c.path).Uint64("version", c.runtime.Version()).Msg("config hot-reloaded")
	return nil
}

// StartWatching begins watching the config file until ctx is canceled.
// Call it after the container is fully initialized.
func (c *ConfigService) StartWatching(ctx context.Context) {
	if c.watcher == nil {
		return
	}
	go func() {
		if err := c.watcher.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("config watcher error")
		}
	}()
	log.Info().Str("path", c.path).Msg("config file watcher started")
}

// Shutdown implements do.Shutdowner.
func (c *ConfigService) Shutdown() error {
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil && !errors.Is(err, config.ErrWatcherClosed) {
			return err
		}
	}
	return nil
}

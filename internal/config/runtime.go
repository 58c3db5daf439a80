package config

import (
	"reflect"
	"sync/atomic"
)

// Runtime holds the current configuration. Reads are lock-free; a reload
// swaps the pointer, so in-flight work keeps the config it started with.
//
//	rt := config.NewRuntime(cfg)
//	watcher.OnReload(func(next *config.Config) error {
//		changes, err := rt.Apply(next)
//		...
//	})
type Runtime struct {
	ptr     atomic.Pointer[Config]
	version atomic.Uint64
}

// NewRuntime creates a Runtime holding initial.
func NewRuntime(initial *Config) *Runtime {
	r := &Runtime{}
	r.ptr.Store(initial)
	return r
}

// Get returns the current configuration.
func (r *Runtime) Get() *Config {
	return r.ptr.Load()
}

// Store replaces the configuration without validation.
func (r *Runtime) Store(cfg *Config) {
	r.ptr.Store(cfg)
	r.version.Add(1)
}

// Version counts successful stores since creation.
func (r *Runtime) Version() uint64 {
	return r.version.Load()
}

// Changes describes what differs between two configurations.
type Changes struct {
	// Restart names sections that changed but only take effect on restart.
	Restart     []string
	RateLimit   bool
	LogLevel    bool
	Pacer       bool
	Concurrency bool
}

// Any reports whether anything changed.
func (c Changes) Any() bool {
	return c.RateLimit || c.LogLevel || c.Pacer || c.Concurrency || len(c.Restart) > 0
}

// Apply validates next and, when valid, makes it current. The returned
// Changes tell the caller which live settings to push to components.
func (r *Runtime) Apply(next *Config) (Changes, error) {
	if err := next.Validate(); err != nil {
		return Changes{}, err
	}
	prev := r.Get()
	r.Store(next)
	return diff(prev, next), nil
}

func diff(prev, next *Config) Changes {
	var ch Changes
	if prev == nil {
		return ch
	}
	ch.RateLimit = prev.RateLimit != next.RateLimit
	ch.LogLevel = prev.Logging.ParseLevel() != next.Logging.ParseLevel()
	ch.Pacer = prev.Client.GlobalRPS != next.Client.GlobalRPS || prev.Client.GlobalBurst != next.Client.GlobalBurst
	ch.Concurrency = prev.Server.MaxConcurrent != next.Server.MaxConcurrent

	// max_concurrent is live; the rest of the server section needs a restart.
	prevServer, nextServer := prev.Server, next.Server
	prevServer.MaxConcurrent, nextServer.MaxConcurrent = 0, 0

	restart := []struct {
		a, b any
		name string
	}{
		{prevServer, nextServer, "server"},
		{prev.Storage, next.Storage, "storage"},
		{prev.Cache, next.Cache, "cache"},
		{prev.OAuth, next.OAuth, "oauth"},
		{prev.Client.BaseURL, next.Client.BaseURL, "client.base_url"},
	}
	for _, s := range restart {
		if !reflect.DeepEqual(s.a, s.b) {
			ch.Restart = append(ch.Restart, s.name)
		}
	}
	return ch
}

var _ RuntimeConfig = (*Runtime)(nil)

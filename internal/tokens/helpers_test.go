package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omarluq/apigate/internal/cache"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// mapCache is an in-memory cache.Cache with synchronous writes and
// injectable failures.
type mapCache struct {
	entries   map[string][]byte
	ttls      map[string]time.Duration
	getErr    error
	deleteErr error
	mu        sync.Mutex
	gets      atomic.Int64
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	c.gets.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	v, ok := c.entries[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return v, nil
}

func (c *mapCache) Set(ctx context.Context, key string, value []byte) error {
	return c.SetWithTTL(ctx, key, value, 0)
}

func (c *mapCache) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	c.ttls[key] = ttl
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteErr != nil {
		return c.deleteErr
	}
	delete(c.entries, key)
	delete(c.ttls, key)
	return nil
}

func (c *mapCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok, nil
}

func (c *mapCache) Close() error { return nil }

func (c *mapCache) token(t *testing.T, key string) *Token {
	t.Helper()
	c.mu.Lock()
	raw, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	var tok Token
	require.NoError(t, json.Unmarshal(raw, &tok))
	return &tok
}

func (c *mapCache) ttl(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttls[key]
}

// countingStore wraps a Store and counts reads.
type countingStore struct {
	Store
	gets  atomic.Int64
	saves atomic.Int64
	err   error
}

func (s *countingStore) Get(ctx context.Context, tenant, provider string) (*Token, error) {
	s.gets.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.Store.Get(ctx, tenant, provider)
}

func (s *countingStore) Save(ctx context.Context, tok *Token) error {
	s.saves.Add(1)
	if s.err != nil {
		return s.err
	}
	return s.Store.Save(ctx, tok)
}

// hookStore runs afterGet once, right after the first successful Get.
type hookStore struct {
	Store
	afterGet func()
	once     sync.Once
}

func (s *hookStore) Get(ctx context.Context, tenant, provider string) (*Token, error) {
	tok, err := s.Store.Get(ctx, tenant, provider)
	if err == nil {
		s.once.Do(s.afterGet)
	}
	return tok, err
}

// tokenEndpoint is a fake provider token endpoint.
type tokenEndpoint struct {
	*httptest.Server
	handler func(w http.ResponseWriter, r *http.Request)
	calls   atomic.Int64
}

func newTokenEndpoint(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{handler: handler}
	te.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		te.calls.Add(1)
		te.handler(w, r)
	}))
	t.Cleanup(te.Close)
	return te
}

func grantHandler(access, refresh string, expiresIn int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{"access_token": access, "expires_in": expiresIn, "token_type": "Bearer"}
		if refresh != "" {
			body["refresh_token"] = refresh
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}

type fixture struct {
	manager  *Manager
	store    *countingStore
	local    *mapCache
	shared   *mapCache
	endpoint *tokenEndpoint
	now      *time.Time
}

func newFixture(t *testing.T, handler func(http.ResponseWriter, *http.Request), opts ...ManagerOption) *fixture {
	t.Helper()
	f := &fixture{
		store:  &countingStore{Store: NewMemoryStore()},
		local:  newMapCache(),
		shared: newMapCache(),
	}
	now := epoch
	f.now = &now
	f.endpoint = newTokenEndpoint(t, handler)

	refresher := NewJSONRefresher(ProviderConfig{
		TokenURL:     f.endpoint.URL,
		ClientID:     "client",
		ClientSecret: "secret",
	}, f.endpoint.Client())
	refresher.now = func() time.Time { return *f.now }

	tiers := NewTierCache(f.local, f.shared, "acme-api", TierConfig{LocalTTL: time.Minute, SharedTTL: 10 * time.Minute}, nil)
	opts = append([]ManagerOption{WithManagerClock(func() time.Time { return *f.now })}, opts...)
	f.manager = NewManager("acme-api", f.store, tiers, refresher, opts...)
	return f
}

func (f *fixture) seed(t *testing.T, tok Token) {
	t.Helper()
	if tok.Provider == "" {
		tok.Provider = "acme-api"
	}
	require.NoError(t, f.store.Store.Save(context.Background(), &tok))
}

func expiresAt(d time.Duration) *time.Time {
	t := epoch.Add(d)
	return &t
}

var errBackend = errors.New("backend down")

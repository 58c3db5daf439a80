package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarluq/apigate/internal/apierror"
	"github.com/omarluq/apigate/internal/health"
	"github.com/omarluq/apigate/internal/ratelimit"
	"github.com/omarluq/apigate/internal/tokens"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeTokens struct {
	err         error
	token       string
	invalidated atomic.Int64
}

func (f *fakeTokens) GetToken(_ context.Context, tenant string) (*tokens.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &tokens.Token{TenantKey: tenant, AccessToken: f.token}, nil
}

func (f *fakeTokens) Invalidate(context.Context, string) error {
	f.invalidated.Add(1)
	return nil
}

type upstream struct {
	*httptest.Server
	handler func(w http.ResponseWriter, r *http.Request, call int64)
	calls   atomic.Int64
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, call int64)) *upstream {
	t.Helper()
	u := &upstream{handler: handler}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.handler(w, r, u.calls.Add(1))
	}))
	t.Cleanup(u.Close)
	return u
}

type recordingSleeper struct {
	clock *time.Time
	waits []time.Duration
	mu    sync.Mutex
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	if s.clock != nil {
		*s.clock = s.clock.Add(d)
	}
	return ctx.Err()
}

func (s *recordingSleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type harness struct {
	client  *Client
	tokens  *fakeTokens
	sleeper *recordingSleeper
	now     *time.Time
}

func newHarness(t *testing.T, u *upstream, cfg Config, policy ratelimit.Policy, opts ...Option) *harness {
	t.Helper()
	now := epoch
	h := &harness{
		tokens:  &fakeTokens{token: "access-1"},
		sleeper: &recordingSleeper{clock: &now},
		now:     &now,
	}
	limiter, err := ratelimit.NewTenantLimiter(ratelimit.NewMemoryStore(), policy,
		ratelimit.WithClock(func() time.Time { return *h.now }))
	require.NoError(t, err)

	cfg.BaseURL = u.URL
	opts = append([]Option{
		WithHTTPClient(u.Client()),
		WithSleeper(h.sleeper.Sleep),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
		WithClock(func() time.Time { return *h.now }),
	}, opts...)
	h.client, err = New(cfg, h.tokens, limiter, opts...)
	require.NoError(t, err)
	return h
}

func intPtr(n int) *int { return &n }

func TestClient_SuccessSetsHeadersAndDecodes(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, "acme", r.Header.Get("X-Tenant-ID"))
		assert.Equal(t, "apigate", r.Header.Get("User-Agent"))
		assert.Equal(t, "/v1/orders", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "99")
		_, _ = w.Write([]byte(`[{"id":"o1"},{"id":"o2"}]`))
	})
	h := newHarness(t, u, Config{}, ratelimit.DefaultPolicy())

	type order struct {
		ID string `json:"id"`
	}
	orders, err := Do[[]order](context.Background(), h.client, "acme", "/v1/orders?state=open", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, []order{{ID: "o1"}, {ID: "o2"}}, orders)

	resp, err := h.client.Request(context.Background(), "acme", "v1/orders", RequestOptions{Query: map[string][]string{"state": {"open"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Attempts)
	assert.True(t, resp.Quota.Known)
	assert.Equal(t, 99, resp.Quota.Remaining)
}

func TestClient_ProviderRateLimitRetriedOnce(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, call int64) {
		if call == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	h := newHarness(t, u, Config{}, ratelimit.DefaultPolicy())

	resp, err := h.client.Request(context.Background(), "acme", "/ping", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, int64(2), u.calls.Load())
	assert.Equal(t, []time.Duration{5 * time.Second}, h.sleeper.Waits())
}

func TestClient_ProviderRateLimitExhausted(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down"}`))
	})
	h := newHarness(t, u, Config{}, ratelimit.DefaultPolicy())

	_, err := h.client.Request(context.Background(), "acme", "/ping", RequestOptions{})
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.CodeRateLimited))
	assert.Equal(t, 7*time.Second, apierror.RetryAfter(err))
	assert.Contains(t, err.Error(), "slow down")
	assert.Equal(t, int64(1+DefaultMaxRateLimitRetries), u.calls.Load())
}

func TestClient_LocalBucketWaitsThenProceeds(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
		_, _ = w.Write([]byte(`{}`))
	})
	h := newHarness(t, u, Config{}, ratelimit.Policy{Capacity: 2, RefillRate: 1})
	ctx := context.Background()

	_, err := h.client.Request(ctx, "acme", "/a", RequestOptions{Cost: 2})
	require.NoError(t, err)

	_, err = h.client.Request(ctx, "acme", "/b", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, h.sleeper.Waits())
	assert.Equal(t, int64(2), u.calls.Load())
}

func TestClient_LocalBucketExhausted(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
		_, _ = w.Write([]byte(`{}`))
	})
	h := newHarness(t, u, Config{MaxRateLimitRetries: intPtr(0)}, ratelimit.Policy{Capacity: 1, RefillRate: 1})
	ctx := context.Background()

	_, err := h.client.Request(ctx, "acme", "/a", RequestOptions{})
	require.NoError(t, err)

	_, err = h.client.Request(ctx, "acme", "/a", RequestOptions{})
	assert.True(t, apierror.Is(err, apierror.CodeRateLimited))
	assert.Equal(t, time.Second, apierror.RetryAfter(err))
	assert.Equal(t, int64(1), u.calls.Load())
}

func TestClient_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		code        apierror.Code
		calls       int64
		invalidated int64
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, code: apierror.CodeAuthInvalid, calls: 1, invalidated: 1},
		{name: "forbidden", status: http.StatusForbidden, code: apierror.CodeForbidden, calls: 1},
		{name: "bad request", status: http.StatusBadRequest, code: apierror.CodeAPIError, calls: 1},
		{name: "not found", status: http.StatusNotFound, code: apierror.CodeAPIError, calls: 1},
		{name: "unavailable", status: http.StatusServiceUnavailable, code: apierror.CodeServiceUnavailable, calls: 2},
		{name: "internal error", status: http.StatusInternalServerError, code: apierror.CodeAPIError, calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"upstream says no"}}`))
			})
			h := newHarness(t, u, Config{}, ratelimit.DefaultPolicy())

			_, err := h.client.Request(context.Background(), "acme", "/x", RequestOptions{})
			require.Error(t, err)
			assert.True(t, apierror.Is(err, tt.code), "got %v", err)
			assert.Contains(t, err.Error(), "upstream says no")
			assert.Equal(t, tt.calls, u.calls.Load())
			assert.Equal(t, tt.invalidated, h.tokens.invalidated.Load())

			e, _ := apierror.As(err)
			assert.Equal(t, tt.status, e.Details["providerStatus"])
		})
	}
}

func TestClient_ServerErrorRecovers(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, call int64) {
		if call == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	h := newHarness(t, u, Config{}, ratelimit.DefaultPolicy())

	resp, err := h.client.Request(context.Background(), "acme", "/x", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, []time.Duration{DefaultServerErrorBackoffMS * time.Millisecond}, h.sleeper.Waits())
}

func TestClient_TokenErrorsPropagateUnchanged(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(http.ResponseWriter, *http.Request, int64) {})
	h := newHarness(t, u, Config{}, ratelimit.DefaultPolicy())
	h.tokens.err = apierror.New(apierror.CodeAuthRequired, "no token")

	_, err := h.client.Request(context.Background(), "acme", "/x", RequestOptions{})
	assert.True(t, apierror.Is(err, apierror.CodeAuthRequired))
	assert.Equal(t, int64(0), u.calls.Load())
}

func TestClient_BodyFieldsAndResultPath(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		assert.Equal(t, http.MethodPost, r.Method)
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		if len(raw) == 0 {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		var got map[string]any
		assert.NoError(t, json.Unmarshal(raw, &got))
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"echo": got}})
	})
	h := newHarness(t, u, Config{}, ratelimit.DefaultPolicy())

	resp, err := h.client.Request(context.Background(), "acme", "/orders", RequestOptions{
		Method:     "post",
		Body:       []byte(`{"note":"x"}`),
		Fields:     map[string]any{"customer.id": "c1", "qty": 3},
		ResultPath: "data.echo",
	})
	require.NoError(t, err)

	type echo struct {
		Customer struct {
			ID string `json:"id"`
		} `json:"customer"`
		Note string `json:"note"`
		Qty  int    `json:"qty"`
	}
	got, err := Decode[echo](resp)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.Customer.ID)
	assert.Equal(t, "x", got.Note)
	assert.Equal(t, 3, got.Qty)

	_, err = h.client.Request(context.Background(), "acme", "/orders", RequestOptions{Method: "POST", ResultPath: "missing"})
	assert.True(t, apierror.Is(err, apierror.CodeAPIError))
}

func TestClient_MalformedJSONIsTerminal(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"truncated":`))
	})
	h := newHarness(t, u, Config{}, ratelimit.DefaultPolicy())

	_, err := h.client.Request(context.Background(), "acme", "/x", RequestOptions{})
	assert.True(t, apierror.Is(err, apierror.CodeAPIError))
	assert.Equal(t, int64(1), u.calls.Load())
}

func TestClient_TransportErrorIsAPIError(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(http.ResponseWriter, *http.Request, int64) {})
	h := newHarness(t, u, Config{}, ratelimit.DefaultPolicy())
	u.Close()

	_, err := h.client.Request(context.Background(), "acme", "/x", RequestOptions{})
	assert.True(t, apierror.Is(err, apierror.CodeAPIError))
}

func TestClient_RequestTimeout(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(_ http.ResponseWriter, r *http.Request, _ int64) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	h := newHarness(t, u, Config{RequestTimeoutMS: 20}, ratelimit.DefaultPolicy())

	_, err := h.client.Request(context.Background(), "acme", "/slow", RequestOptions{})
	assert.True(t, apierror.Is(err, apierror.CodeTimeout), "got %v", err)
}

func TestClient_OpenCircuitFailsFast(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	tracker := health.NewTracker(health.CircuitBreakerConfig{FailureThreshold: 2, OpenDurationMS: 60000}, nil)
	h := newHarness(t, u, Config{MaxServerErrorRetries: intPtr(0)}, ratelimit.DefaultPolicy(), WithBreakers(tracker))
	ctx := context.Background()

	for range 2 {
		_, err := h.client.Request(ctx, "acme", "/x", RequestOptions{})
		assert.True(t, apierror.Is(err, apierror.CodeAPIError))
	}
	assert.Equal(t, health.StateOpen, tracker.State(h.client.Upstream()))

	_, err := h.client.Request(ctx, "acme", "/x", RequestOptions{})
	assert.True(t, apierror.Is(err, apierror.CodeServiceUnavailable))
	assert.Equal(t, int64(2), u.calls.Load())
}

func TestClient_ProviderRateLimitDoesNotOpenCircuit(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		if r.Header.Get("X-Tenant-ID") == "noisy" {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	tracker := health.NewTracker(health.CircuitBreakerConfig{FailureThreshold: 2, OpenDurationMS: 60000}, nil)
	h := newHarness(t, u, Config{MaxRateLimitRetries: intPtr(0)}, ratelimit.DefaultPolicy(), WithBreakers(tracker))
	ctx := context.Background()

	for range 5 {
		_, err := h.client.Request(ctx, "noisy", "/x", RequestOptions{})
		assert.True(t, apierror.Is(err, apierror.CodeRateLimited), "got %v", err)
	}
	assert.Equal(t, health.StateClosed, tracker.State(h.client.Upstream()))

	resp, err := h.client.Request(ctx, "quiet", "/x", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(6), u.calls.Load())
}

func TestClient_Validation(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(http.ResponseWriter, *http.Request, int64) {})
	h := newHarness(t, u, Config{}, ratelimit.DefaultPolicy())
	ctx := context.Background()

	_, err := h.client.Request(ctx, "", "/x", RequestOptions{})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))

	_, err = h.client.Request(ctx, "acme", "https://evil.example/x", RequestOptions{})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))

	_, err = New(Config{BaseURL: "ftp://x"}, h.tokens, nil)
	assert.True(t, apierror.Is(err, apierror.CodeValidation))
}

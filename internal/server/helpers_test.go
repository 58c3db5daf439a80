package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/omarluq/apigate/internal/apierror"
	"github.com/omarluq/apigate/internal/client"
	"github.com/omarluq/apigate/internal/config"
	"github.com/omarluq/apigate/internal/health"
	"github.com/omarluq/apigate/internal/ratelimit"
	"github.com/omarluq/apigate/internal/tokens"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeUpstream records passthrough calls and replays a canned result.
type fakeUpstream struct {
	resp   *client.Response
	err    error
	tenant string
	path   string
	opts   client.RequestOptions
	mu     sync.Mutex
}

func (f *fakeUpstream) Request(_ context.Context, tenant, path string, opts client.RequestOptions) (*client.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenant, f.path, f.opts = tenant, path, opts
	return f.resp, f.err
}

type staticReporter health.Report

func (s staticReporter) Check(context.Context) health.Report {
	return health.Report(s)
}

// refreshEndpoint answers the JSON refresh grant with a fixed access token.
func refreshEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"refreshed","refresh_token":"r2","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	handler  http.Handler
	limiter  *ratelimit.TenantLimiter
	manager  *tokens.Manager
	upstream *fakeUpstream
}

type harnessOption func(*config.ServerConfig, *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	limiter, err := ratelimit.NewTenantLimiter(
		ratelimit.NewMemoryStore(),
		ratelimit.Policy{Capacity: 3, RefillRate: 1},
		ratelimit.WithClock(func() time.Time { return epoch }),
	)
	require.NoError(t, err)

	refresher := tokens.NewJSONRefresher(tokens.ProviderConfig{
		TokenURL: refreshEndpoint(t).URL,
		ClientID: "apigate",
	}, nil)
	manager := tokens.NewManager("acme-api", tokens.NewMemoryStore(), nil, refresher)

	h := &harness{
		limiter:  limiter,
		manager:  manager,
		upstream: &fakeUpstream{resp: &client.Response{StatusCode: http.StatusOK, Header: http.Header{}, Attempts: 1}},
	}

	cfg := &config.ServerConfig{}
	deps := Deps{
		Limiter:  limiter,
		Tokens:   manager,
		Upstream: h.upstream,
		Health:   staticReporter{Status: "ok"},
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	h.handler = NewHandler(cfg, deps, zerolog.Nop())
	return h
}

func (h *harness) do(t *testing.T, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apierror.Envelope {
	t.Helper()
	var env apierror.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	require.False(t, env.Success)
	return env
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

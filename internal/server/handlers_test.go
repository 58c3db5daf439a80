package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarluq/apigate/internal/apierror"
	"github.com/omarluq/apigate/internal/client"
	"github.com/omarluq/apigate/internal/config"
	"github.com/omarluq/apigate/internal/health"
	"github.com/omarluq/apigate/internal/ratelimit"
	"github.com/omarluq/apigate/internal/tokens"
)

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"version"`)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	degraded := newHarness(t, func(_ *config.ServerConfig, d *Deps) {
		d.Health = staticReporter{
			Status:     "degraded",
			Components: []health.ComponentStatus{{Name: "postgres", Status: "down"}},
		}
	})
	rec = degraded.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres")
}

func TestRateLimitEndpoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/ratelimit/acme/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeInto[ratelimit.Status](t, rec)
	assert.True(t, st.Allowed)
	assert.EqualValues(t, 3, st.Remaining)
	assert.Equal(t, "3", rec.Header().Get(headerLimit))

	rec = h.do(t, http.MethodPost, "/v1/ratelimit/acme/consume", `{"count":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(headerRemaining))

	// Empty body consumes one.
	rec = h.do(t, http.MethodPost, "/v1/ratelimit/acme/consume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(headerRemaining))

	rec = h.do(t, http.MethodPost, "/v1/ratelimit/acme/consume", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	st = decodeInto[ratelimit.Status](t, rec)
	assert.False(t, st.Allowed)
	require.NotNil(t, st.RetryAfterSeconds)
	assert.EqualValues(t, 1, *st.RetryAfterSeconds)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = h.do(t, http.MethodGet, "/v1/ratelimit/acme/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeInto[ratelimit.Snapshot](t, rec)
	assert.EqualValues(t, 0, snap.Tokens)
	assert.EqualValues(t, 3, snap.MaxTokens)
	assert.InDelta(t, 100.0, snap.UtilizationPercent, 0.001)

	rec = h.do(t, http.MethodPost, "/v1/ratelimit/acme/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get(headerRemaining))

	// Other tenants are untouched.
	rec = h.do(t, http.MethodGet, "/v1/ratelimit/globex/check", "")
	assert.Equal(t, "3", rec.Header().Get(headerRemaining))
}

func TestConsumeValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tests := []struct {
		name string
		body string
	}{
		{name: "zero", body: `{"count":0}`},
		{name: "over capacity", body: `{"count":4}`},
		{name: "not json", body: `count=1`},
		{name: "wrong type", body: `{"count":"two"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := h.do(t, http.MethodPost, "/v1/ratelimit/acme/consume", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, apierror.CodeValidation, decodeEnvelope(t, rec).Error.Code)
		})
	}
}

func TestTokenEndpoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/tokens/acme", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apierror.CodeAuthRequired, decodeEnvelope(t, rec).Error.Code)

	rec = h.do(t, http.MethodPut, "/v1/tokens/acme",
		`{"access_token":"a1","refresh_token":"r1","expires_in":3600,"scopes":["read"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decodeInto[tokens.Info](t, rec)
	assert.Equal(t, "acme", info.Tenant)
	assert.Equal(t, "acme-api", info.Provider)
	assert.True(t, info.Fresh)
	assert.True(t, info.HasRefreshToken)
	assert.NotContains(t, rec.Body.String(), "a1")
	assert.NotContains(t, rec.Body.String(), "r1")

	rec = h.do(t, http.MethodPost, "/v1/tokens/acme/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	tok, err := h.manager.GetToken(t.Context(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "refreshed", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)

	rec = h.do(t, http.MethodDelete, "/v1/tokens/acme/cache", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodDelete, "/v1/tokens/acme", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = h.manager.GetToken(t.Context(), "acme")
	assert.True(t, apierror.Is(err, apierror.CodeAuthRequired))
}

func TestPutTokenValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, body := range []string{`{}`, `{"access_token":"a","expires_in":0}`, `[`} {
		rec := h.do(t, http.MethodPut, "/v1/tokens/acme", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestPassthrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.upstream.resp = &client.Response{
		StatusCode: http.StatusCreated,
		Header: http.Header{
			"Content-Type":      {"application/json"},
			"X-Ratelimit-Limit": {"100"},
			"Set-Cookie":        {"session=1"},
		},
		Body:     []byte(`{"id":"ord_1"}`),
		Attempts: 2,
	}

	rec := h.do(t, http.MethodPost, "/v1/api/acme/orders/42?expand=items", `{"qty":1}`,
		"Content-Type", "application/json",
		"Authorization", "Bearer caller-secret",
		headerCost, "3")

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":"ord_1"}`, rec.Body.String())
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
	assert.Equal(t, "2", rec.Header().Get(headerAttempts))

	assert.Equal(t, "acme", h.upstream.tenant)
	assert.Equal(t, "/orders/42", h.upstream.path)
	assert.Equal(t, http.MethodPost, h.upstream.opts.Method)
	assert.Equal(t, "items", h.upstream.opts.Query.Get("expand"))
	assert.EqualValues(t, 3, h.upstream.opts.Cost)
	assert.JSONEq(t, `{"qty":1}`, string(h.upstream.opts.Body))
	assert.Equal(t, "application/json", h.upstream.opts.Header.Get("Content-Type"))
	assert.Empty(t, h.upstream.opts.Header.Get("Authorization"))
}

func TestPassthroughErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.upstream.err = apierror.RateLimited("upstream rate limit", 7*time.Second)

	rec := h.do(t, http.MethodGet, "/v1/api/acme/orders", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
	env := decodeEnvelope(t, rec)
	assert.Equal(t, apierror.CodeRateLimited, env.Error.Code)
	require.NotNil(t, env.Error.RetryAfter)
	assert.Equal(t, 7, *env.Error.RetryAfter)

	h.upstream.err = errors.New("boom")
	rec = h.do(t, http.MethodGet, "/v1/api/acme/orders", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")

	rec = h.do(t, http.MethodGet, "/v1/api/acme/orders", "", headerCost, "zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarluq/apigate/internal/apierror"
	"github.com/omarluq/apigate/internal/auth"
	"github.com/omarluq/apigate/internal/config"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestChainOrder(t *testing.T) {
	t.Parallel()

	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler, mark("a"), mark("b"), mark("c"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestIDMiddleware()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set(HeaderRequestID, "req-123")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get(HeaderRequestID))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))
}

func TestLoggingMiddlewareWritesCompletion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), LoggerMiddleware(logger), RequestIDMiddleware(), LoggingMiddleware())

	req := httptest.NewRequest(http.MethodGet, "/v1/ratelimit/acme/check", http.NoBody)
	req.Header.Set(HeaderRequestID, "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"request_id":"abc"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"path":"/v1/ratelimit/acme/check"`)
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	assert.HTTPStatusCode(t, AuthMiddleware(nil)(okHandler).ServeHTTP, http.MethodGet, "/", nil, http.StatusOK)

	a := auth.FromConfig(config.AuthConfig{APIKey: "admin"})
	h := AuthMiddleware(a)(okHandler)

	tests := []struct {
		name     string
		key      string
		wantCode apierror.Code
		wantHTTP int
	}{
		{name: "valid", key: "admin", wantHTTP: http.StatusOK},
		{name: "missing", wantCode: apierror.CodeAuthRequired, wantHTTP: http.StatusUnauthorized},
		{name: "wrong", key: "guess", wantCode: apierror.CodeAuthInvalid, wantHTTP: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/v1/tokens/acme", http.NoBody)
			if tt.key != "" {
				req.Header.Set(auth.HeaderAPIKey, tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.wantHTTP, rec.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeEnvelope(t, rec).Error.Code)
			}
		})
	}
}

func TestAuthOnlyGuardsV1(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *config.ServerConfig, d *Deps) {
		d.Authenticator = auth.NewAPIKeyAuthenticator("admin")
	})

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/v1/ratelimit/acme/check", "").Code)
	assert.Equal(t, http.StatusOK,
		h.do(t, http.MethodGet, "/v1/ratelimit/acme/check", "", auth.HeaderAPIKey, "admin").Code)
}

func TestMaxBodyBytes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *config.ServerConfig, _ *Deps) {
		cfg.MaxBodyBytes = 16
	})

	rec := h.do(t, http.MethodPost, "/v1/ratelimit/acme/consume", `{"count":1,"padding":"xxxxxxxxxxxx"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, apierror.CodeValidation, decodeEnvelope(t, rec).Error.Code)
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	var hasDeadline bool
	probe := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})

	TimeoutMiddleware(mo.Some(time.Second))(probe).ServeHTTP(
		httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.True(t, hasDeadline)

	TimeoutMiddleware(mo.None[time.Duration]())(probe).ServeHTTP(
		httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.False(t, hasDeadline)
}

func TestConcurrencyLimiter(t *testing.T) {
	t.Parallel()

	l := NewConcurrencyLimiter(1)
	require.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.EqualValues(t, 1, l.InFlight())

	h := newHarness(t, func(_ *config.ServerConfig, d *Deps) {
		d.Concurrency = l
	})
	rec := h.do(t, http.MethodGet, "/v1/ratelimit/acme/check", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	l.Release()
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/ratelimit/acme/check", "").Code)
	assert.Zero(t, l.InFlight())

	l.SetLimit(0)
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{450 * time.Microsecond, "450µs"},
		{12500 * time.Microsecond, "12.50ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
	assert.True(t, strings.HasPrefix(statusSymbol(503), "✗"))
}

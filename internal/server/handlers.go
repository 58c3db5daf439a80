package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/omarluq/apigate/internal/apierror"
	"github.com/omarluq/apigate/internal/client"
	"github.com/omarluq/apigate/internal/health"
	"github.com/omarluq/apigate/internal/ratelimit"
	"github.com/omarluq/apigate/internal/tokens"
	"github.com/omarluq/apigate/internal/version"
)

// RateLimiter is the tenant bucket surface served under /v1/ratelimit.
type RateLimiter interface {
	ratelimit.Limiter
	Status(ctx context.Context, tenant string) (ratelimit.Snapshot, error)
}

// TokenAdmin is the token lifecycle surface served under /v1/tokens.
type TokenAdmin interface {
	Provider() string
	Store(ctx context.Context, tok *tokens.Token) error
	Refresh(ctx context.Context, tenant string) (*tokens.Token, error)
	Invalidate(ctx context.Context, tenant string) error
	Revoke(ctx context.Context, tenant string) error
	Describe(ctx context.Context, tenant string) (tokens.Info, error)
}

// Upstream issues API calls for the passthrough route.
type Upstream interface {
	Request(ctx context.Context, tenant, path string, opts client.RequestOptions) (*client.Response, error)
}

// HealthReporter reports dependency health.
type HealthReporter interface {
	Check(ctx context.Context) health.Report
}

// Handlers serves the apigate HTTP surface.
type Handlers struct {
	limiter  RateLimiter
	tokens   TokenAdmin
	upstream Upstream
	reporter HealthReporter
	now      func() time.Time
}

const (
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerAttempts  = "X-Apigate-Attempts"
	headerCost      = "X-Apigate-Cost"
)

// Request headers copied to the upstream call.
var forwardedRequestHeaders = []string{"Accept", "Content-Type", "Idempotency-Key"}

// Upstream response headers copied back to the caller.
var forwardedResponseHeaders = []string{
	"Content-Type", "Etag", "Last-Modified",
	"X-Ratelimit-Limit", "X-Ratelimit-Remaining", "X-Ratelimit-Reset",
}

func (h *Handlers) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := health.Report{Status: "ok"}
	if h.reporter != nil {
		report = h.reporter.Check(r.Context())
	}
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, struct {
		health.Report
		Version string `json:"version"`
	}{Report: report, Version: version.Short()})
}

func setQuotaHeaders(w http.ResponseWriter, st ratelimit.Status) {
	w.Header().Set(headerLimit, strconv.FormatInt(st.Limit, 10))
	w.Header().Set(headerRemaining, strconv.FormatInt(st.Remaining, 10))
	if !st.Allowed && st.RetryAfterSeconds != nil {
		w.Header().Set("Retry-After", strconv.FormatInt(*st.RetryAfterSeconds, 10))
	}
}

func (h *Handlers) checkLimit(w http.ResponseWriter, r *http.Request) {
	st, err := h.limiter.Check(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	setQuotaHeaders(w, st)
	writeJSON(w, r, http.StatusOK, st)
}

type consumeRequest struct {
	Count *int64 `json:"count"`
}

func (h *Handlers) consume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	n := lo.FromPtrOr(req.Count, 1)

	st, err := h.limiter.Consume(r.Context(), r.PathValue("tenant"), n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	setQuotaHeaders(w, st)
	status := http.StatusOK
	if !st.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, r, status, st)
}

func (h *Handlers) limitStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.limiter.Status(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

func (h *Handlers) resetLimit(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if err := h.limiter.Reset(r.Context(), tenant); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.limiter.Check(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	setQuotaHeaders(w, st)
	writeJSON(w, r, http.StatusOK, st)
}

// seedRequest is the body of PUT /v1/tokens/{tenant}.
// ExpiresIn is relative to now and takes precedence over ExpiresAt.
type seedRequest struct {
	ExpiresAt    *time.Time `json:"expires_at"`
	ExpiresIn    *int64     `json:"expires_in"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	Scopes       []string   `json:"scopes"`
}

func (s seedRequest) token(tenant, provider string, now time.Time) *tokens.Token {
	tok := &tokens.Token{
		CreatedAt:    now,
		ExpiresAt:    s.ExpiresAt,
		TenantKey:    tenant,
		Provider:     provider,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		Scopes:       s.Scopes,
	}
	if s.ExpiresIn != nil {
		tok.ExpiresAt = lo.ToPtr(now.Add(time.Duration(*s.ExpiresIn) * time.Second))
	}
	return tok
}

func (h *Handlers) putToken(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ExpiresIn != nil && *req.ExpiresIn <= 0 {
		writeError(w, r, apierror.New(apierror.CodeValidation, "expires_in must be positive"))
		return
	}

	tenant := r.PathValue("tenant")
	if err := h.tokens.Store(r.Context(), req.token(tenant, h.tokens.Provider(), h.now())); err != nil {
		writeError(w, r, err)
		return
	}
	h.describe(w, r, tenant)
}

func (h *Handlers) getToken(w http.ResponseWriter, r *http.Request) {
	h.describe(w, r, r.PathValue("tenant"))
}

func (h *Handlers) describe(w http.ResponseWriter, r *http.Request, tenant string) {
	info, err := h.tokens.Describe(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

func (h *Handlers) refreshToken(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if _, err := h.tokens.Refresh(r.Context(), tenant); err != nil {
		writeError(w, r, err)
		return
	}
	h.describe(w, r, tenant)
}

func (h *Handlers) invalidateToken(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Invalidate(r.Context(), r.PathValue("tenant")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) revokeToken(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Revoke(r.Context(), r.PathValue("tenant")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) passthrough(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	opts := client.RequestOptions{
		Method: r.Method,
		Header: http.Header(lo.PickByKeys(r.Header, forwardedRequestHeaders)),
		Query:  r.URL.Query(),
		Cost:   1,
	}
	if len(body) > 0 {
		opts.Body = body
	}
	if raw := r.Header.Get(headerCost); raw != "" {
		cost, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil || cost < 1 {
			writeError(w, r, apierror.Newf(apierror.CodeValidation, "invalid %s header %q", headerCost, raw))
			return
		}
		opts.Cost = cost
	}

	resp, err := h.upstream.Request(r.Context(), r.PathValue("tenant"), "/"+r.PathValue("path"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	for key, values := range lo.PickByKeys(resp.Header, forwardedResponseHeaders) {
		w.Header()[key] = values
	}
	w.Header().Set(headerAttempts, strconv.Itoa(resp.Attempts))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("client went away")
	}
}

// Package client implements apigate's resilient upstream API client.
//
// Every request resolves the tenant's token, acquires a rate limit permit,
// passes the global pacer and the upstream circuit breaker, and then
// classifies the response into a typed error or a body:
//
//	resp, err := c.Request(ctx, "tenant-a", "/v1/orders", client.RequestOptions{})
//	if err != nil {
//		return err // *apierror.Error
//	}
//	orders, err := client.Decode[[]Order](resp)
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/omarluq/apigate/internal/apierror"
	"github.com/omarluq/apigate/internal/health"
	"github.com/omarluq/apigate/internal/ratelimit"
	"github.com/omarluq/apigate/internal/tokens"
)

const maxResponseBody = 16 << 20

// TokenSource provides tenant tokens. *tokens.Manager implements it.
type TokenSource interface {
	GetToken(ctx context.Context, tenant string) (*tokens.Token, error)
	Invalidate(ctx context.Context, tenant string) error
}

// RequestOptions describes one upstream call.
type RequestOptions struct {
	Header http.Header
	Query  url.Values
	// Fields are set on the JSON body by sjson path, e.g. "customer.id".
	Fields map[string]any
	Method string
	// ResultPath selects the returned part of a JSON response by gjson path.
	ResultPath string
	Body       []byte
	// Cost is the number of rate limit permits the call takes, default 1.
	Cost int64
}

// Response is a successful upstream response.
type Response struct {
	Header     http.Header
	Quota      Quota
	Body       []byte
	StatusCode int
	Attempts   int
}

// Client calls the upstream API on behalf of tenants.
type Client struct {
	http     *http.Client
	tokens   TokenSource
	limiter  ratelimit.Limiter
	pacer    *ratelimit.Pacer
	breakers *health.Tracker
	base     *url.URL
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func(limit time.Duration) time.Duration
	now      func() time.Time
	log      *zerolog.Logger
	upstream string
	cfg      Config
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPacer caps outbound request rate across all tenants.
func WithPacer(p *ratelimit.Pacer) Option {
	return func(c *Client) { c.pacer = p }
}

// WithBreakers guards the upstream with the tracker's circuit breaker.
func WithBreakers(t *health.Tracker) Option {
	return func(c *Client) { c.breakers = t }
}

// WithSleeper replaces the wait between retries.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithJitter replaces the random jitter source.
func WithJitter(jitter func(limit time.Duration) time.Duration) Option {
	return func(c *Client) { c.jitter = jitter }
}

// WithClock overrides the time source used for Retry-After dates.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a Client for cfg.BaseURL.
func New(cfg Config, tokenSource TokenSource, limiter ratelimit.Limiter, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apierror.Wrap(apierror.CodeValidation, err, "invalid client config")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeValidation, err, "invalid base url")
	}
	nop := zerolog.Nop()
	c := &Client{
		cfg:      cfg,
		tokens:   tokenSource,
		limiter:  limiter,
		base:     base,
		upstream: base.Host,
		http:     &http.Client{},
		sleep:    sleepContext,
		jitter:   randomJitter,
		now:      time.Now,
		log:      &nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pacer == nil && cfg.GlobalRPS > 0 {
		c.pacer = ratelimit.NewPacer(cfg.GlobalRPS, cfg.GlobalBurst)
	}
	return c, nil
}

// Upstream returns the host name the circuit breaker tracks.
func (c *Client) Upstream() string {
	return c.upstream
}

// Request performs an authenticated, rate limited call to path for tenant.
func (c *Client) Request(ctx context.Context, tenant, path string, opts RequestOptions) (*Response, error) {
	if strings.TrimSpace(tenant) == "" {
		return nil, apierror.New(apierror.CodeValidation, "tenant is required")
	}
	if timeout := c.cfg.GetRequestTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target, err := c.resolve(path, opts.Query)
	if err != nil {
		return nil, err
	}
	body, err := buildBody(opts)
	if err != nil {
		return nil, err
	}
	method := lo.Ternary(opts.Method == "", http.MethodGet, strings.ToUpper(opts.Method))
	cost := lo.Ternary(opts.Cost <= 0, int64(1), opts.Cost)

	log := c.log.With().Str("tenant", tenant).Str("method", method).Str("path", target.Path).Logger()

	tok, err := c.tokens.GetToken(ctx, tenant)
	if err != nil {
		return nil, err
	}

	var rateRetries, serverRetries, attempts int
	for {
		if err := c.acquirePermit(ctx, tenant, cost, &rateRetries); err != nil {
			return nil, err
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}

		attempts++
		resp, raw, err := c.send(ctx, method, target.String(), body, tenant, tok, opts.Header)
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempts).Msg("upstream call failed")
			return nil, err
		}
		log.Debug().Int("status", resp.StatusCode).Int("attempt", attempts).Msg("upstream responded")

		status := resp.StatusCode
		switch {
		case status >= 200 && status <= 299:
			return c.success(resp, raw, opts.ResultPath, attempts)

		case status == http.StatusUnauthorized:
			if invErr := c.tokens.Invalidate(ctx, tenant); invErr != nil {
				log.Warn().Err(invErr).Msg("token invalidation after 401 failed")
			}
			return nil, upstreamError(apierror.CodeAuthInvalid, resp, raw, "upstream rejected the access token")

		case status == http.StatusForbidden:
			return nil, upstreamError(apierror.CodeForbidden, resp, raw, "upstream denied access")

		case status == http.StatusTooManyRequests:
			wait, ok := parseRetryAfter(resp.Header, c.now())
			if !ok {
				wait = time.Second
			}
			if rateRetries >= c.cfg.GetMaxRateLimitRetries() {
				return nil, upstreamError(apierror.CodeRateLimited, resp, raw, "upstream rate limit exceeded").
					WithRetryAfter(wait)
			}
			rateRetries++
			log.Info().Dur("wait", wait).Int("retry", rateRetries).Msg("upstream rate limited, waiting")
			if err := c.wait(ctx, wait); err != nil {
				return nil, err
			}

		case status >= http.StatusInternalServerError:
			if serverRetries >= c.cfg.GetMaxServerErrorRetries() {
				code := lo.Ternary(status == http.StatusServiceUnavailable, apierror.CodeServiceUnavailable, apierror.CodeAPIError)
				e := upstreamError(code, resp, raw, "upstream server error")
				if wait, ok := parseRetryAfter(resp.Header, c.now()); ok && status == http.StatusServiceUnavailable {
					e = e.WithRetryAfter(wait)
				}
				return nil, e
			}
			backoff := c.cfg.GetServerErrorBackoff() << serverRetries
			serverRetries++
			log.Info().Int("status", status).Dur("wait", backoff).Int("retry", serverRetries).Msg("upstream server error, retrying")
			if err := c.wait(ctx, backoff+c.jitter(c.cfg.GetRateLimitJitter())); err != nil {
				return nil, err
			}

		default:
			return nil, upstreamError(apierror.CodeAPIError, resp, raw, "upstream request failed")
		}
	}
}

// acquirePermit consumes cost tokens from the tenant's bucket, waiting out
// denials while the retry budget lasts.
func (c *Client) acquirePermit(ctx context.Context, tenant string, cost int64, retries *int) error {
	for {
		st, err := c.limiter.Consume(ctx, tenant, cost)
		if err != nil {
			return err
		}
		if st.Allowed {
			return nil
		}

		var wait time.Duration
		if st.RetryAfterSeconds != nil {
			wait = time.Duration(*st.RetryAfterSeconds) * time.Second
		}
		if *retries >= c.cfg.GetMaxRateLimitRetries() {
			return apierror.RateLimited(fmt.Sprintf("rate limit exceeded for tenant %q", tenant), wait).
				WithDetail("limit", st.Limit).
				WithDetail("remaining", st.Remaining)
		}
		*retries++
		if err := c.wait(ctx, wait+c.jitter(c.cfg.GetRateLimitJitter())); err != nil {
			return err
		}
	}
}

// send performs one HTTP exchange through the circuit breaker.
func (c *Client) send(
	ctx context.Context, method, target string, body []byte, tenant string, tok *tokens.Token, extra http.Header,
) (*http.Response, []byte, error) {
	done := func(error) {}
	if c.breakers != nil {
		d, err := c.breakers.Circuit(c.upstream).Allow()
		if err != nil {
			return nil, nil, apierror.Wrap(apierror.CodeServiceUnavailable, err, "upstream circuit is open").
				WithDetail("upstream", c.upstream)
		}
		done = d
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		done(nil)
		return nil, nil, apierror.Wrap(apierror.CodeValidation, err, "build upstream request")
	}
	lo.ForEach(lo.Entries(extra), func(entry lo.Entry[string, []string], _ int) {
		req.Header[http.CanonicalHeaderKey(entry.Key)] = entry.Value
	})
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set(c.cfg.GetTenantHeader(), tenant)
	req.Header.Set("User-Agent", c.cfg.GetUserAgent())
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		done(failureOf(0, err))
		if apierror.IsContextError(err) || ctx.Err() != nil {
			return nil, nil, apierror.Wrap(apierror.CodeTimeout, err, "upstream request interrupted")
		}
		return nil, nil, apierror.Wrap(apierror.CodeAPIError, err, "upstream request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		done(failureOf(0, err))
		if ctx.Err() != nil {
			return nil, nil, apierror.Wrap(apierror.CodeTimeout, err, "upstream response interrupted")
		}
		return nil, nil, apierror.Wrap(apierror.CodeAPIError, err, "read upstream response")
	}
	done(failureOf(resp.StatusCode, nil))
	return resp, raw, nil
}

func (c *Client) success(resp *http.Response, raw []byte, resultPath string, attempts int) (*Response, error) {
	if resultPath != "" || (isJSON(resp.Header.Get("Content-Type")) && len(bytes.TrimSpace(raw)) > 0) {
		if !gjson.ValidBytes(raw) {
			return nil, apierror.New(apierror.CodeAPIError, "upstream returned malformed JSON").
				WithDetail("providerStatus", resp.StatusCode)
		}
	}
	if resultPath != "" {
		res := gjson.GetBytes(raw, resultPath)
		if !res.Exists() {
			return nil, apierror.Newf(apierror.CodeAPIError, "upstream response has no %q", resultPath)
		}
		raw = []byte(res.Raw)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       raw,
		Attempts:   attempts,
		Quota:      parseQuota(resp.Header, c.now()),
	}, nil
}

func (c *Client) resolve(path string, query url.Values) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil || ref.IsAbs() || ref.Host != "" {
		return nil, apierror.Newf(apierror.CodeValidation, "invalid request path %q", path)
	}
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	q := ref.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return &u, nil
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if err := c.sleep(ctx, d); err != nil {
		return apierror.Unavailable(err, "wait before retry")
	}
	return nil
}

func buildBody(opts RequestOptions) ([]byte, error) {
	body := opts.Body
	if len(opts.Fields) == 0 {
		return body, nil
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	paths := lo.Keys(opts.Fields)
	slices.Sort(paths)
	for _, path := range paths {
		var err error
		body, err = sjson.SetBytes(body, path, opts.Fields[path])
		if err != nil {
			return nil, apierror.Wrap(apierror.CodeValidation, err, "invalid body field").WithDetail("field", path)
		}
	}
	return body, nil
}

func upstreamError(code apierror.Code, resp *http.Response, raw []byte, fallback string) *apierror.Error {
	msg := apierror.UpstreamMessage(raw)
	if msg == "" {
		msg = fallback
	}
	return apierror.New(code, msg).WithDetail("providerStatus", resp.StatusCode)
}

// failureOf converts an outcome into the error reported to the breaker.
func failureOf(status int, err error) error {
	if !health.ShouldCountAsFailure(status, err) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("upstream status %d", status)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

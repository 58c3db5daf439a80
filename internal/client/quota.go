package client

import (
	"net/http"
	"strconv"
	"time"
)

// Quota is the provider's own rate limit state as advertised in response
// headers. Zero fields were not advertised.
type Quota struct {
	ResetAt   time.Time `json:"resetAt,omitzero"`
	Limit     int       `json:"limit,omitempty"`
	Remaining int       `json:"remaining,omitempty"`
	Known     bool      `json:"known"`
}

// parseQuota reads X-RateLimit-* headers. Reset may be an RFC 3339 time,
// a Unix timestamp or a number of seconds from now.
func parseQuota(h http.Header, now time.Time) Quota {
	var q Quota
	if val := h.Get("X-RateLimit-Limit"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil && limit > 0 {
			q.Limit = limit
			q.Known = true
		}
	}
	if val := h.Get("X-RateLimit-Remaining"); val != "" {
		if remaining, err := strconv.Atoi(val); err == nil && remaining >= 0 {
			q.Remaining = remaining
			q.Known = true
		}
	}
	if val := h.Get("X-RateLimit-Reset"); val != "" {
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			q.ResetAt = t
		} else if n, err := strconv.ParseInt(val, 10, 64); err == nil && n >= 0 {
			// Values past 2001 are absolute Unix timestamps.
			if n > 1_000_000_000 {
				q.ResetAt = time.Unix(n, 0).UTC()
			} else {
				q.ResetAt = now.Add(time.Duration(n) * time.Second)
			}
		}
	}
	return q
}

// parseRetryAfter reads Retry-After as delay-seconds or an HTTP date.
// It reports false when the header is absent or unparseable.
func parseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	val := h.Get("Retry-After")
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(val); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

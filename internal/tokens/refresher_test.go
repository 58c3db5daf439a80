package tokens

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarluq/apigate/internal/apierror"
)

func TestJSONRefresher_ResponseHandling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		code   apierror.Code
		access string
	}{
		{name: "grant", status: 200, body: `{"access_token":"B","expires_in":60,"scope":"read write"}`, access: "B"},
		{name: "missing access token", status: 200, body: `{"expires_in":60}`, code: apierror.CodeAuthRefreshFailed},
		{name: "not json", status: 200, body: `<html>`, code: apierror.CodeAuthRefreshFailed},
		{name: "bad request", status: 400, body: `{"error":"invalid_grant"}`, code: apierror.CodeAuthRefreshFailed},
		{name: "server error", status: 502, body: `upstream down`, code: apierror.CodeAuthRefreshFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ep := newTokenEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			r := NewJSONRefresher(ProviderConfig{TokenURL: ep.URL}, ep.Client())
			r.now = func() time.Time { return epoch }

			g, err := r.Refresh(context.Background(), &Token{RefreshToken: "R"})
			if tt.code != "" {
				assert.True(t, apierror.Is(err, tt.code), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.access, g.AccessToken)
			assert.Equal(t, epoch.Add(time.Minute), g.Expiry)
			assert.Equal(t, []string{"read", "write"}, g.Scopes)
		})
	}
}

func TestJSONRefresher_CanceledContextIsTimeout(t *testing.T) {
	t.Parallel()

	ep := newTokenEndpoint(t, grantHandler("B", "", 60))
	r := NewJSONRefresher(ProviderConfig{TokenURL: ep.URL}, ep.Client())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Refresh(ctx, &Token{RefreshToken: "R"})
	assert.True(t, apierror.Is(err, apierror.CodeTimeout))
}

func TestFormRefresher_Grant(t *testing.T) {
	t.Parallel()

	ep := newTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "R", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "client", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"B","token_type":"Bearer","refresh_token":"R2","expires_in":3600,"scope":"read"}`))
	})
	r := NewFormRefresher(ProviderConfig{TokenURL: ep.URL, ClientID: "client", ClientSecret: "secret"}, ep.Client())

	g, err := r.Refresh(context.Background(), &Token{RefreshToken: "R"})
	require.NoError(t, err)
	assert.Equal(t, "B", g.AccessToken)
	assert.Equal(t, "R2", g.RefreshToken)
	assert.Equal(t, []string{"read"}, g.Scopes)
	assert.WithinDuration(t, time.Now().Add(time.Hour), g.Expiry, time.Minute)
}

func TestFormRefresher_Rejected(t *testing.T) {
	t.Parallel()

	ep := newTokenEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"expired"}`))
	})
	r := NewFormRefresher(ProviderConfig{TokenURL: ep.URL, ClientID: "client"}, ep.Client())

	_, err := r.Refresh(context.Background(), &Token{RefreshToken: "R"})
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.CodeAuthRefreshFailed))
	assert.Contains(t, err.Error(), "expired")
}

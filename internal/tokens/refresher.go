package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/omarluq/apigate/internal/apierror"
)

const maxRefreshBody = 1 << 20

// Refresher exchanges a refresh token for a new grant.
type Refresher interface {
	Refresh(ctx context.Context, current *Token) (*Grant, error)
}

// ProviderConfig identifies the OAuth client at the provider.
type ProviderConfig struct {
	TokenURL     string   `yaml:"token_url" toml:"token_url"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
	Scopes       []string `yaml:"scopes" toml:"scopes"`
}

// JSONRefresher posts a JSON refresh request and reads a JSON grant:
//
//	{"grant_type":"refresh_token","refresh_token":...,"client_id":...,"client_secret":...}
type JSONRefresher struct {
	client *http.Client
	now    func() time.Time
	cfg    ProviderConfig
}

// NewJSONRefresher creates a JSON refresher. A nil client uses http.DefaultClient.
func NewJSONRefresher(cfg ProviderConfig, client *http.Client) *JSONRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &JSONRefresher{cfg: cfg, client: client, now: time.Now}
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (r *JSONRefresher) Refresh(ctx context.Context, current *Token) (*Grant, error) {
	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: current.RefreshToken,
		ClientID:     r.cfg.ClientID,
		ClientSecret: r.cfg.ClientSecret,
	})
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeAuthRefreshFailed, err, "encode refresh request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeAuthRefreshFailed, err, "build refresh request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apierror.Unavailable(err, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRefreshBody))
	if err != nil {
		return nil, apierror.Unavailable(err, "read token endpoint response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, refreshRejected(resp.StatusCode, apierror.UpstreamMessage(raw))
	}

	if !gjson.ValidBytes(raw) {
		return nil, apierror.New(apierror.CodeAuthRefreshFailed, "token endpoint returned invalid JSON")
	}
	res := gjson.ParseBytes(raw)
	access := res.Get("access_token").String()
	if access == "" {
		return nil, apierror.New(apierror.CodeAuthRefreshFailed, "token endpoint response has no access_token")
	}

	g := &Grant{
		AccessToken:  access,
		RefreshToken: res.Get("refresh_token").String(),
		TokenType:    res.Get("token_type").String(),
		Scopes:       strings.Fields(res.Get("scope").String()),
	}
	if secs := res.Get("expires_in").Int(); secs > 0 {
		g.Expiry = r.now().Add(time.Duration(secs) * time.Second)
	}
	return g, nil
}

func refreshRejected(status int, reason string) *apierror.Error {
	msg := fmt.Sprintf("token refresh rejected with status %d", status)
	if reason != "" {
		msg += ": " + reason
	}
	return apierror.New(apierror.CodeAuthRefreshFailed, msg).WithDetail("providerStatus", status)
}

// FormRefresher performs a standard RFC 6749 form-encoded refresh through
// golang.org/x/oauth2.
type FormRefresher struct {
	client *http.Client
	cfg    oauth2.Config
}

// NewFormRefresher creates a form refresher. A nil client uses http.DefaultClient.
func NewFormRefresher(cfg ProviderConfig, client *http.Client) *FormRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &FormRefresher{
		client: client,
		cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
	}
}

func (r *FormRefresher) Refresh(ctx context.Context, current *Token) (*Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			reason := re.ErrorDescription
			if reason == "" {
				reason = re.ErrorCode
			}
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			return nil, refreshRejected(status, reason)
		}
		// x/oauth2 flattens transport errors, so check the context directly.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apierror.Unavailable(ctxErr, "token refresh")
		}
		return nil, apierror.Unavailable(err, "token endpoint unreachable")
	}

	g := &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		g.Scopes = strings.Fields(scope)
	}
	return g, nil
}

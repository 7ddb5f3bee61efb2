package twitchapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// ScopeManageBroadcast is required to edit channel title and category.
const ScopeManageBroadcast = "channel:manage:broadcast"

// DefaultAuthBaseURL hosts authorize, token and validate.
const DefaultAuthBaseURL = "https://id.twitch.tv/oauth2"

var errTokenInvalid = errors.New("twitch token invalid")

// TokenRefreshError reports a failed refresh grant. Revoked is set when
// Twitch rejected the refresh token itself (HTTP 400/401), in which case the
// stored tokens are useless and the user has to authorize again.
type TokenRefreshError struct {
	Revoked bool
	Err     error
}

func (e *TokenRefreshError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("twitch refresh token revoked: %v", e.Err)
	}
	return fmt.Sprintf("twitch token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// IsRevoked reports whether err is a refresh rejection.
func IsRevoked(err error) bool {
	var re *TokenRefreshError
	return errors.As(err, &re) && re.Revoked
}

type token struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
	Scope     string
}

// validation is the body of GET /oauth2/validate.
type validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

func (v *validation) hasScope(s string) bool {
	for _, have := range v.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

func endpoint(base string) oauth2.Endpoint {
	if base == "" || base == DefaultAuthBaseURL {
		return twitch.Endpoint
	}
	base = strings.TrimRight(base, "/")
	return oauth2.Endpoint{
		AuthURL:   base + "/authorize",
		TokenURL:  base + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(now time.Time, seconds int) time.Time {
	if seconds <= 0 {
		return now.Add(60 * time.Minute)
	}
	return now.Add(time.Duration(seconds) * time.Second)
}

// scopeString flattens the scope field of a token response. Twitch sends a
// JSON array where RFC 6749 expects a space separated string.
func scopeString(tok *oauth2.Token) string {
	switch v := tok.Extra("scope").(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func newState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (u *Updater) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
}

func (u *Updater) fromOAuth(tok *oauth2.Token) token {
	t := token{Access: tok.AccessToken, Refresh: tok.RefreshToken, ExpiresAt: tok.Expiry, Scope: scopeString(tok)}
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = ComputeExpiry(u.clock.Now(), 0)
	}
	return t
}

// exchange trades an authorization code for tokens.
func (u *Updater) exchange(ctx context.Context, code string) (token, error) {
	cfg := u.oauthConfig()
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return token{}, errors.New("missing client id, client secret or redirect uri for code exchange")
	}
	tok, err := cfg.Exchange(u.oauthContext(ctx), code)
	if err != nil {
		return token{}, fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	return u.fromOAuth(tok), nil
}

// refreshGrant runs the refresh_token grant without touching any state.
func (u *Updater) refreshGrant(ctx context.Context, refreshToken string) (token, error) {
	if refreshToken == "" {
		return token{}, &TokenRefreshError{Revoked: true, Err: errors.New("no refresh token stored")}
	}
	cfg := u.oauthConfig()
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return token{}, &TokenRefreshError{Err: ErrMissingCredentials}
	}
	src := cfg.TokenSource(u.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		revoked := errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)
		return token{}, &TokenRefreshError{Revoked: revoked, Err: err}
	}
	t := u.fromOAuth(tok)
	if t.Refresh == "" {
		t.Refresh = refreshToken
	}
	return t, nil
}

// validate calls /oauth2/validate. An invalid or expired token yields errTokenInvalid.
func (u *Updater) validate(ctx context.Context, access string) (*validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(u.authBaseURL, "/")+"/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+access)
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validate twitch token: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errTokenInvalid
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("validate twitch token: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var v validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &v, nil
}

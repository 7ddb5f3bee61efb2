// Package riotapi is a small client for the Riot Games endpoints needed to tell
// whether a League of Legends account is currently in a match: account-v1,
// summoner-v4, spectator-v5, match-v5 and lol-status-v4.
//
// Every operation maps failures onto the same categories: ErrOffline for
// transport problems, ErrAuthFailed for 401/403, ErrRateLimited for 429 and
// *APIError for anything else.
package riotapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/onnwee/lol-autostream/telemetry"
)

// DefaultBaseURL is a format string taking the routing or platform host prefix.
const DefaultBaseURL = "https://%s.api.riotgames.com"

// Client calls the Riot API with a single API key. The zero value is not usable; use NewClient.
type Client struct {
	APIKey     string
	HTTPClient *http.Client
	BaseURL    string
	Limiter    *rate.Limiter
}

// NewClient returns a client limited to the development key budget (20 requests per second).
func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    DefaultBaseURL,
		Limiter:    rate.NewLimiter(rate.Every(50*time.Millisecond), 20),
	}
}

// HasCredential reports whether an API key is configured.
func (c *Client) HasCredential() bool { return c.APIKey != "" }

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) url(host, path string) string {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return fmt.Sprintf(base, host) + path
}

// getJSON performs a GET against host+path and decodes a 2xx body into out.
func (c *Client) getJSON(ctx context.Context, op, host, path string, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return &contextError{err: err}
		}
	}
	ctx, span := telemetry.StartSpan(ctx, "riotapi", op, attribute.String("riot.host", host))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(host, path), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("X-Riot-Token", c.APIKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http().Do(req)
	if err != nil {
		telemetry.ObserveRiotRequest(op, 0, time.Since(start))
		telemetry.RecordError(span, err)
		if ctx.Err() != nil {
			return &contextError{err: ctx.Err()}
		}
		return fmt.Errorf("%s: %w: %v", op, ErrOffline, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.ObserveRiotRequest(op, resp.StatusCode, time.Since(start))

	if err := statusError(op, resp); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w (status %d)", op, ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		rl := &RateLimitError{Op: op}
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				rl.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return rl
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(b)}
	}
}

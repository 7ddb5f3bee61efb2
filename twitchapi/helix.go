// Package twitchapi keeps the broadcaster's Twitch authorization alive and
// edits channel metadata (title and category) through Helix.
package twitchapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"
	"github.com/sony/gobreaker"

	"github.com/onnwee/lol-autostream/telemetry"
)

// HelixError is a non-2xx Helix response.
type HelixError struct {
	Op      string
	Status  int
	Message string
}

func (e *HelixError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("helix %s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("helix %s: status %d", e.Op, e.Status)
}

func isUnauthorized(err error) bool {
	var he *HelixError
	return errors.As(err, &he) && he.Status == http.StatusUnauthorized
}

func checkResponse(op string, rc helix.ResponseCommon, want ...int) error {
	for _, code := range want {
		if rc.StatusCode == code {
			return nil
		}
	}
	return &HelixError{Op: op, Status: rc.StatusCode, Message: rc.ErrorMessage}
}

// helixAPI serializes access to the shared helix client (its user token is
// client state) and runs every call through a circuit breaker.
type helixAPI struct {
	mu     sync.Mutex
	client *helix.Client
	cb     *gobreaker.CircuitBreaker
}

func newHelixAPI(clientID, clientSecret, baseURL string, hc *http.Client) (*helixAPI, error) {
	opts := &helix.Options{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   hc,
	}
	if baseURL != "" {
		opts.APIBaseURL = baseURL
	}
	client, err := helix.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "twitch-helix",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// Client errors say nothing about Helix health.
		IsSuccessful: func(err error) bool {
			var he *HelixError
			if errors.As(err, &he) {
				return he.Status < 500 && he.Status != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				slog.String("component", "twitch"),
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			telemetry.SetCircuitState(to.String())
		},
	})
	return &helixAPI{client: client, cb: cb}, nil
}

// do runs fn with the user token installed.
func (h *helixAPI) do(accessToken string, fn func(c *helix.Client) error) error {
	_, err := h.cb.Execute(func() (any, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.client.SetUserAccessToken(accessToken)
		return nil, fn(h.client)
	})
	return err
}

func (h *helixAPI) userByLogin(accessToken, login string) (*helix.User, error) {
	var user *helix.User
	err := h.do(accessToken, func(c *helix.Client) error {
		resp, err := c.GetUsers(&helix.UsersParams{Logins: []string{login}})
		if err != nil {
			return fmt.Errorf("get users: %w", err)
		}
		if err := checkResponse("users", resp.ResponseCommon, http.StatusOK); err != nil {
			return err
		}
		if len(resp.Data.Users) == 0 {
			return fmt.Errorf("%w: %q", ErrChannelNotFound, login)
		}
		user = &resp.Data.Users[0]
		return nil
	})
	return user, err
}

// gameID returns "" when no category matches name.
func (h *helixAPI) gameID(accessToken, name string) (string, error) {
	var id string
	err := h.do(accessToken, func(c *helix.Client) error {
		resp, err := c.GetGames(&helix.GamesParams{Names: []string{name}})
		if err != nil {
			return fmt.Errorf("get games: %w", err)
		}
		if err := checkResponse("games", resp.ResponseCommon, http.StatusOK); err != nil {
			return err
		}
		if len(resp.Data.Games) > 0 {
			id = resp.Data.Games[0].ID
		}
		return nil
	})
	return id, err
}

func (h *helixAPI) editChannel(accessToken, broadcasterID, title, gameID string) error {
	return h.do(accessToken, func(c *helix.Client) error {
		resp, err := c.EditChannelInformation(&helix.EditChannelInformationParams{
			BroadcasterID: broadcasterID,
			Title:         title,
			GameID:        gameID,
		})
		if err != nil {
			return fmt.Errorf("edit channel information: %w", err)
		}
		return checkResponse("channels", resp.ResponseCommon, http.StatusNoContent, http.StatusOK)
	})
}

func (h *helixAPI) channelInfo(accessToken, broadcasterID string) (*helix.ChannelInformation, error) {
	var info *helix.ChannelInformation
	err := h.do(accessToken, func(c *helix.Client) error {
		resp, err := c.GetChannelInformation(&helix.GetChannelInformationParams{BroadcasterIDs: []string{broadcasterID}})
		if err != nil {
			return fmt.Errorf("get channel information: %w", err)
		}
		if err := checkResponse("channels", resp.ResponseCommon, http.StatusOK); err != nil {
			return err
		}
		if len(resp.Data.Channels) > 0 {
			info = &resp.Data.Channels[0]
		}
		return nil
	})
	return info, err
}

// stream returns nil when the broadcaster is offline.
func (h *helixAPI) stream(accessToken, broadcasterID string) (*helix.Stream, error) {
	var st *helix.Stream
	err := h.do(accessToken, func(c *helix.Client) error {
		resp, err := c.GetStreams(&helix.StreamsParams{UserIDs: []string{broadcasterID}})
		if err != nil {
			return fmt.Errorf("get streams: %w", err)
		}
		if err := checkResponse("streams", resp.ResponseCommon, http.StatusOK); err != nil {
			return err
		}
		if len(resp.Data.Streams) > 0 {
			st = &resp.Data.Streams[0]
		}
		return nil
	})
	return st, err
}

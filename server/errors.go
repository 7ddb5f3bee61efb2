package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/monitor"
	"github.com/onnwee/lol-autostream/obs"
	"github.com/onnwee/lol-autostream/orchestrator"
	"github.com/onnwee/lol-autostream/riotapi"
	"github.com/onnwee/lol-autostream/telemetry"
	"github.com/onnwee/lol-autostream/twitchapi"
)

var errBadRequest = errors.New("bad request")

// errorStatus maps domain errors to a status code and a message the UI can show.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, accounts.ErrInvalid), errors.Is(err, riotapi.ErrInvalid), errors.Is(err, orchestrator.ErrInvalidSettings):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, accounts.ErrDuplicate):
		return http.StatusConflict, err.Error()
	case errors.Is(err, accounts.ErrUnknown):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, riotapi.ErrNotFound):
		var nf *riotapi.NotFoundError
		if errors.As(err, &nf) && nf.NeverPlayed {
			return http.StatusNotFound, nf.Error() + ": log into League once, then add it again"
		}
		return http.StatusNotFound, "account not found: check the name, tag and region"
	case errors.Is(err, monitor.ErrNoCredential):
		return http.StatusServiceUnavailable, "riot api key not configured: set RIOT_API_KEY"
	case errors.Is(err, riotapi.ErrAuthFailed):
		return http.StatusBadGateway, "riot api key invalid or expired"
	case errors.Is(err, riotapi.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, riotapi.ErrOffline):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, monitor.ErrNoAccounts):
		return http.StatusConflict, err.Error()
	case errors.Is(err, obs.ErrAuthFailed):
		return http.StatusBadGateway, "obs rejected the websocket password"
	case errors.Is(err, obs.ErrUnreachable), errors.Is(err, obs.ErrNotConnected):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, orchestrator.ErrTwitchNotConfigured), errors.Is(err, twitchapi.ErrMissingCredentials):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, twitchapi.ErrNotAuthorized):
		return http.StatusConflict, "twitch not authorized: visit /auth/twitch/start"
	case errors.Is(err, twitchapi.ErrUnknownState):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, twitchapi.ErrChannelNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, twitchapi.ErrMissingScope):
		return http.StatusForbidden, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	log := telemetry.LoggerWithCorr(r.Context())
	if status >= 500 {
		log.Error("request failed", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err))
	} else {
		log.Debug("request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err))
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.String("component", "http"), slog.Any("err", err))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %w", errBadRequest, err)
	}
	return nil
}

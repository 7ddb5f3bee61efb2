package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/onnwee/lol-autostream/telemetry"
)

// HandleTwitchOAuthStart redirects to the Twitch consent page.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.app.BeginTwitchAuthorization()
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code, stores the tokens and connects the updater.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "twitch authorization denied: " + e})
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing code/state"})
		return
	}
	if err := h.app.CompleteTwitchAuthorization(r.Context(), st, code); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "twitch": h.app.Status().Twitch})
}

// HandleYouTubeOAuthStart initiates the YouTube OAuth flow.
func (h *Handlers) HandleYouTubeOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.yt == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "youtube oauth not configured"})
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		writeError(w, r, err)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "too many pending authorizations"})
		return
	}
	http.Redirect(w, r, h.yt.AuthCodeURL(st), http.StatusFound)
}

// HandleYouTubeOAuthCallback handles the OAuth callback from YouTube and stores tokens.
func (h *Handlers) HandleYouTubeOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.yt == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "youtube oauth not configured"})
		return
	}
	code, st := r.URL.Query().Get("code"), r.URL.Query().Get("state")
	if code == "" || st == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing code/state"})
		return
	}
	if !h.consumeOAuthState(st) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid state"})
		return
	}
	tok, err := h.yt.Exchange(r.Context(), code)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("youtube code exchange failed", slog.Any("err", err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "youtube code exchange failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"expiry":                tok.Expiry,
		"refresh_token_present": tok.RefreshToken != "",
	})
}

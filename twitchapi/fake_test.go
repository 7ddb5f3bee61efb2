package twitchapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/lol-autostream/store"
)

// fakeTwitch serves the id.twitch.tv oauth2 endpoints under /oauth2 and a
// slice of Helix under /helix.
type fakeTwitch struct {
	srv *httptest.Server

	mu          sync.Mutex
	valid       map[string][]string // access token -> scopes
	refreshable map[string]string   // refresh token -> next access token
	codes       map[string]string   // auth code -> access token
	games       map[string]string   // name -> id
	live        bool
	helixStatus int // forced status for every helix call when non-zero
	tokenStatus int // forced status for the token endpoint when non-zero
	patches     []map[string]any
	hits        map[string]int
}

func newFakeTwitch(t *testing.T) *fakeTwitch {
	t.Helper()
	f := &fakeTwitch{
		valid:       map[string][]string{},
		refreshable: map[string]string{},
		codes:       map[string]string{},
		games:       map[string]string{"League of Legends": "21779", "Teamfight Tactics": "513143"},
		hits:        map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/token", f.token)
	mux.HandleFunc("GET /oauth2/validate", f.validate)
	mux.HandleFunc("/helix/", f.helix)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTwitch) updater(t *testing.T, vault TokenStore, mutate ...func(*Options)) *Updater {
	t.Helper()
	opts := Options{
		ClientID:     "cid",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost:8080/auth/twitch/callback",
		Store:        vault,
		HTTPClient:   f.srv.Client(),
		AuthBaseURL:  f.srv.URL + "/oauth2",
		APIBaseURL:   f.srv.URL + "/helix",
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts)
}

func newVault() *store.TokenVault {
	return &store.TokenVault{KV: store.NewMemory()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeTwitch) grant(access string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid[access] = []string{ScopeManageBroadcast}
}

func (f *fakeTwitch) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[route]
}

func (f *fakeTwitch) token(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits["token"]++
	if f.tokenStatus != 0 {
		writeJSON(w, f.tokenStatus, map[string]any{"status": f.tokenStatus, "message": "forced"})
		return
	}
	if r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "secret" {
		writeJSON(w, http.StatusForbidden, map[string]any{"status": 403, "message": "invalid client secret"})
		return
	}
	var access string
	switch r.Form.Get("grant_type") {
	case "refresh_token":
		next, ok := f.refreshable[r.Form.Get("refresh_token")]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "Invalid refresh token"})
			return
		}
		access = next
	case "authorization_code":
		next, ok := f.codes[r.Form.Get("code")]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "Invalid authorization code"})
			return
		}
		access = next
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "unsupported grant"})
		return
	}
	f.valid[access] = []string{ScopeManageBroadcast}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": access + "-refresh",
		"expires_in":    14400,
		"scope":         []string{ScopeManageBroadcast},
		"token_type":    "bearer",
	})
}

func (f *fakeTwitch) validate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits["validate"]++
	scopes, ok := f.valid[strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "invalid access token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":  "cid",
		"login":      "foostreams",
		"user_id":    "42",
		"scopes":     scopes,
		"expires_in": 3600,
	})
}

func (f *fakeTwitch) helix(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	route := strings.TrimPrefix(r.URL.Path, "/helix/")
	f.hits[r.Method+" "+route]++
	if f.helixStatus != 0 {
		writeJSON(w, f.helixStatus, map[string]any{"error": http.StatusText(f.helixStatus), "status": f.helixStatus, "message": "forced"})
		return
	}
	if _, ok := f.valid[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]; !ok || r.Header.Get("Client-Id") != "cid" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized", "status": 401, "message": "Invalid OAuth token"})
		return
	}
	q := r.URL.Query()
	switch r.Method + " " + route {
	case "GET users":
		if login := q.Get("login"); login == "foostreams" || login == "otherchannel" {
			id := "42"
			if login == "otherchannel" {
				id = "77"
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{{"id": id, "login": login, "display_name": login}}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	case "GET games":
		if id, ok := f.games[q.Get("name")]; ok {
			writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{{"id": id, "name": q.Get("name")}}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	case "PATCH channels":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["broadcaster_id"] = q.Get("broadcaster_id")
		f.patches = append(f.patches, body)
		w.WriteHeader(http.StatusNoContent)
	case "GET channels":
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{{
			"broadcaster_id": q.Get("broadcaster_id"), "title": "current title", "game_name": "League of Legends", "game_id": "21779",
		}}})
	case "GET streams":
		if !f.live {
			writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{
			"id": "s1", "user_id": q.Get("user_id"), "type": "live", "title": "live now", "game_name": "League of Legends",
			"viewer_count": 12, "started_at": "2026-10-18T12:00:00Z",
		}}})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not Found", "status": 404})
	}
}

package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockRiotServer serves canned Riot API responses. Requests arrive as
// "/{host}/{path}" so a riotapi.Client can point every routing host at it
// by setting BaseURL to m.BaseURL().
type MockRiotServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []string
}

// NewMockRiotServer creates a new mock Riot API server. Unknown paths answer 404.
func NewMockRiotServer(t *testing.T) *MockRiotServer {
	t.Helper()
	m := &MockRiotServer{handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, r.URL.Path)
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// BaseURL is the format string for riotapi.Client.BaseURL.
func (m *MockRiotServer) BaseURL() string { return m.URL + "/%s" }

// Requests returns the paths requested so far.
func (m *MockRiotServer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

func (m *MockRiotServer) handleJSON(path string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
	}
}

// MockAccount answers the account-v1 riot id lookup on route (americas, europe, asia).
func (m *MockRiotServer) MockAccount(route, gameName, tagLine, puuid string) {
	m.handleJSON("/"+route+"/riot/account/v1/accounts/by-riot-id/"+gameName+"/"+tagLine, map[string]string{
		"puuid": puuid, "gameName": gameName, "tagLine": tagLine,
	})
}

// MockSummoner answers the summoner-v4 lookup for puuid on a platform host (na1, euw1, ...).
func (m *MockRiotServer) MockSummoner(host, puuid, summonerID string) {
	m.handleJSON("/"+strings.ToLower(host)+"/lol/summoner/v4/summoners/by-puuid/"+puuid, map[string]any{
		"id": summonerID, "puuid": puuid, "summonerLevel": 30,
	})
}

// MockActiveGame answers spectator-v5 for puuid with a match in progress.
func (m *MockRiotServer) MockActiveGame(host, puuid string, gameID int64, gameMode string) {
	m.handleJSON("/"+strings.ToLower(host)+"/lol/spectator/v5/active-games/by-summoner/"+puuid, map[string]any{
		"gameId":            gameID,
		"platformId":        strings.ToUpper(host),
		"gameMode":          gameMode,
		"gameType":          "MATCHED_GAME",
		"mapId":             11,
		"gameQueueConfigId": 420,
		"participants":      []map[string]any{{"puuid": puuid, "riotId": "", "championId": 1, "teamId": 100}},
		"observers":         map[string]string{"encryptionKey": "key-" + puuid},
	})
}

// MockStatus answers lol-status-v4 on host so connectivity probes pass.
func (m *MockRiotServer) MockStatus(host string) {
	m.handleJSON("/"+strings.ToLower(host)+"/lol/status/v4/platform-data", map[string]any{
		"id": strings.ToUpper(host), "maintenances": []any{}, "incidents": []any{},
	})
}

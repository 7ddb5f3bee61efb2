package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/config"
	"github.com/onnwee/lol-autostream/monitor"
	"github.com/onnwee/lol-autostream/orchestrator"
	"github.com/onnwee/lol-autostream/store"
	"github.com/onnwee/lol-autostream/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// App is the control surface the handlers drive; *orchestrator.Orchestrator implements it.
type App interface {
	Status() orchestrator.Status
	Settings() orchestrator.Settings
	SaveSettings(ctx context.Context, s orchestrator.Settings) (orchestrator.Settings, error)
	Bus() *orchestrator.Bus

	Accounts(ctx context.Context) ([]accounts.TrackedAccount, error)
	AddAccount(ctx context.Context, handle, region string) (accounts.TrackedAccount, error)
	RemoveAccount(ctx context.Context, id string) error
	ToggleAccount(ctx context.Context, id string) (accounts.TrackedAccount, error)
	SetAccountActive(ctx context.Context, id string, active bool) (accounts.TrackedAccount, error)
	CheckAccount(ctx context.Context, id string) (*monitor.MatchSession, error)

	StartMonitoring(ctx context.Context) error
	StopMonitoring()
	ConnectBroadcast(ctx context.Context, address, password string) error
	DisconnectBroadcast()

	AuthorizeMetadata(ctx context.Context) (bool, error)
	BeginTwitchAuthorization() (string, error)
	CompleteTwitchAuthorization(ctx context.Context, state, code string) error
	DisconnectMetadata(ctx context.Context) error
	UpdateStreamInfo(ctx context.Context, title, category string) error
	StreamInfo(ctx context.Context) (*twitchapi.StreamInfo, error)
	ChannelInfo(ctx context.Context) (title, category string, err error)
}

// YouTubeAuth runs the YouTube consent flow; *youtubeapi.Service implements it.
type YouTubeAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Deps are the handler dependencies. YouTube is optional.
type Deps struct {
	Config  *config.Config
	App     App
	KV      store.KV
	YouTube YouTubeAuth
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg        *config.Config
	app        App
	kv         store.KV
	yt         YouTubeAuth
	ctx        context.Context
	stateStore map[string]time.Time
	stateMu    sync.Mutex
	heartbeat  time.Duration
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		cfg:        deps.Config,
		app:        deps.App,
		kv:         deps.KV,
		yt:         deps.YouTube,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
		heartbeat:  25 * time.Second,
	}
}

// cleanExpiredStates removes expired OAuth states. Call with stateMu held.
func (h *Handlers) cleanExpiredStates(now time.Time) {
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records state; it refuses new states once the store is full.
func (h *Handlers) addOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	now := time.Now()
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates(now)
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = now.Add(oauthStateTTL)
	return true
}

// consumeOAuthState reports whether state was issued and unexpired, and forgets it.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}

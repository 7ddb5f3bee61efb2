package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/lol-autostream/telemetry"
)

// Provider is the token store key.
const Provider = "twitch"

// DefaultCategoryID is Twitch's "League of Legends" category, used when a
// category lookup finds nothing.
const DefaultCategoryID = "21779"

// Tokens are treated as expired this long before Twitch says so.
const expirySkew = 5 * time.Minute

var (
	ErrMissingCredentials = errors.New("twitch client id and client secret are required")
	ErrNotAuthorized      = errors.New("twitch not authorized")
	ErrChannelNotFound    = errors.New("twitch channel not found")
	ErrMissingScope       = errors.New("twitch token lacks " + ScopeManageBroadcast)
	ErrUnknownState       = errors.New("unknown or expired oauth state")
)

// TokenStore persists the OAuth token; store.TokenVault and db.TokenStore implement it.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
	DeleteOAuthToken(ctx context.Context, provider string) error
}

// Opener presents an authorization URL to the user.
type Opener func(ctx context.Context, authURL string) error

// Options configures an Updater. Zero values select Twitch production endpoints.
type Options struct {
	ClientID     string
	ClientSecret string
	Channel      string
	RedirectURI  string
	Scopes       []string
	Store        TokenStore
	HTTPClient   *http.Client
	AuthBaseURL  string
	APIBaseURL   string
	// CategoryID is used when a category name does not resolve. Defaults to DefaultCategoryID.
	CategoryID string
	Opener     Opener
	// AuthTimeout bounds BeginInteractiveAuthorization. Defaults to 5m.
	AuthTimeout   time.Duration
	Clock         clockwork.Clock
	OnStateChange func(Status)
}

// Status is derived from the in-memory token only.
type Status struct {
	Connected   bool      `json:"connected"`
	ChannelName string    `json:"channelName,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitzero"`
}

// StreamInfo describes the channel's current broadcast; nil means offline.
type StreamInfo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	GameName    string    `json:"gameName"`
	ViewerCount int       `json:"viewerCount"`
	StartedAt   time.Time `json:"startedAt"`
}

// Updater owns the Twitch authorization session and edits channel metadata.
type Updater struct {
	opts        Options
	httpClient  *http.Client
	authBaseURL string
	clock       clockwork.Clock
	refreshes   singleflight.Group

	mu          sync.Mutex
	helix       *helixAPI
	tok         token
	channelID   string
	channelName string
	pending     map[string]chan error
}

// New builds an Updater. No network calls are made until Authorize.
func New(opts Options) *Updater {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.AuthBaseURL == "" {
		opts.AuthBaseURL = DefaultAuthBaseURL
	}
	if opts.CategoryID == "" {
		opts.CategoryID = DefaultCategoryID
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = []string{ScopeManageBroadcast}
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Updater{
		opts:        opts,
		httpClient:  opts.HTTPClient,
		authBaseURL: opts.AuthBaseURL,
		clock:       opts.Clock,
		channelName: strings.ToLower(opts.Channel),
		pending:     map[string]chan error{},
	}
}

func (u *Updater) oauthConfig() *oauth2.Config {
	u.mu.Lock()
	defer u.mu.Unlock()
	return &oauth2.Config{
		ClientID:     u.opts.ClientID,
		ClientSecret: u.opts.ClientSecret,
		RedirectURL:  u.opts.RedirectURI,
		Scopes:       u.opts.Scopes,
		Endpoint:     endpoint(u.authBaseURL),
	}
}

// configure swaps credentials; a changed client id drops the helix client.
func (u *Updater) configure(clientID, clientSecret, channel string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if clientID != u.opts.ClientID || clientSecret != u.opts.ClientSecret {
		u.helix = nil
	}
	u.opts.ClientID, u.opts.ClientSecret = clientID, clientSecret
	if channel = strings.ToLower(strings.TrimSpace(channel)); channel != "" && channel != u.channelName {
		u.channelName = channel
		u.channelID = ""
	}
}

func (u *Updater) api() (*helixAPI, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.helix != nil {
		return u.helix, nil
	}
	h, err := newHelixAPI(u.opts.ClientID, u.opts.ClientSecret, u.opts.APIBaseURL, u.httpClient)
	if err != nil {
		return nil, err
	}
	u.helix = h
	return h, nil
}

func (u *Updater) logger(ctx context.Context) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "twitch"))
}

// Authorize restores the stored session: validate the token (refreshing it
// when expired or rejected) and resolve the channel id. It returns false
// without error when the user must run the interactive flow.
func (u *Updater) Authorize(ctx context.Context, clientID, clientSecret, channel string) (bool, error) {
	if clientID == "" || clientSecret == "" {
		return false, ErrMissingCredentials
	}
	if u.opts.Store == nil {
		return false, errors.New("twitch token store not configured")
	}
	u.configure(clientID, clientSecret, channel)
	log := u.logger(ctx)

	access, refresh, expiry, scope, err := u.opts.Store.GetOAuthToken(ctx, Provider)
	if err != nil {
		return false, fmt.Errorf("load twitch token: %w", err)
	}
	if access == "" && refresh == "" {
		return false, nil
	}
	tok := token{Access: access, Refresh: refresh, ExpiresAt: expiry, Scope: scope}

	var v *validation
	if tok.Access != "" && u.clock.Now().Before(tok.ExpiresAt) {
		v, err = u.validate(ctx, tok.Access)
		if err != nil && !errors.Is(err, errTokenInvalid) {
			return false, err
		}
	}
	if v == nil {
		log.Info("twitch token expired or rejected, refreshing")
		tok, err = u.refreshAndStore(ctx, tok.Refresh)
		if err != nil {
			if IsRevoked(err) {
				log.Warn("twitch refresh rejected, clearing stored tokens", slog.Any("err", err))
				u.clear(ctx)
				return false, nil
			}
			return false, err
		}
		if v, err = u.validate(ctx, tok.Access); err != nil {
			if errors.Is(err, errTokenInvalid) {
				u.clear(ctx)
				return false, nil
			}
			return false, err
		}
	}
	if !v.hasScope(ScopeManageBroadcast) {
		log.Warn("twitch token missing required scope, clearing stored tokens", slog.Any("scopes", v.Scopes))
		u.clear(ctx)
		return false, nil
	}
	if v.ExpiresIn > 0 {
		tok.ExpiresAt = ComputeExpiry(u.clock.Now(), v.ExpiresIn)
	}
	if err := u.establish(ctx, tok, v.Login); err != nil {
		return false, err
	}
	return true, nil
}

// establish installs tok and resolves the channel id, defaulting the channel
// to the token owner.
func (u *Updater) establish(ctx context.Context, tok token, owner string) error {
	u.mu.Lock()
	u.tok = tok
	name := u.channelName
	if name == "" {
		name = strings.ToLower(owner)
	}
	u.channelName = name
	u.mu.Unlock()

	if err := u.resolveChannel(ctx); err != nil {
		u.mu.Lock()
		u.tok = token{}
		u.mu.Unlock()
		return err
	}
	st := u.Status()
	u.logger(ctx).Info("twitch authorized", slog.String("channel", st.ChannelName), slog.Time("expires_at", st.ExpiresAt))
	u.notify()
	return nil
}

func (u *Updater) resolveChannel(ctx context.Context) error {
	u.mu.Lock()
	name, access := u.channelName, u.tok.Access
	u.mu.Unlock()
	if name == "" {
		return fmt.Errorf("%w: no channel name", ErrChannelNotFound)
	}
	h, err := u.api()
	if err != nil {
		return err
	}
	var id string
	err = u.withRetry(ctx, &access, func(at string) error {
		user, err := h.userByLogin(at, name)
		if err == nil {
			id = user.ID
		}
		return err
	})
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.channelID = id
	u.mu.Unlock()
	return nil
}

// AuthCodeURL registers a fresh state and returns the authorize URL for it.
func (u *Updater) AuthCodeURL() (string, string, error) {
	cfg := u.oauthConfig()
	if cfg.ClientID == "" || cfg.RedirectURL == "" {
		return "", "", errors.New("missing client id or redirect uri")
	}
	state, err := newState()
	if err != nil {
		return "", "", err
	}
	u.mu.Lock()
	u.pending[state] = make(chan error, 1)
	u.mu.Unlock()
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true")), state, nil
}

// BeginInteractiveAuthorization hands the authorize URL to the Opener and
// waits until the callback completes the exchange.
func (u *Updater) BeginInteractiveAuthorization(ctx context.Context) error {
	if u.opts.Opener == nil {
		return errors.New("no authorization opener configured")
	}
	authURL, state, err := u.AuthCodeURL()
	if err != nil {
		return err
	}
	u.mu.Lock()
	done := u.pending[state]
	u.mu.Unlock()
	defer u.forget(state)

	if err := u.opts.Opener(ctx, authURL); err != nil {
		return fmt.Errorf("open authorization url: %w", err)
	}
	select {
	case err := <-done:
		return err
	case <-u.clock.After(u.opts.AuthTimeout):
		return errors.New("twitch authorization timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Updater) forget(state string) {
	u.mu.Lock()
	delete(u.pending, state)
	u.mu.Unlock()
}

// CompleteAuthorization is the OAuth callback: exchange code, persist, connect.
func (u *Updater) CompleteAuthorization(ctx context.Context, state, code string) error {
	u.mu.Lock()
	done, ok := u.pending[state]
	delete(u.pending, state)
	u.mu.Unlock()
	if !ok {
		return ErrUnknownState
	}
	err := u.completeAuthorization(ctx, code)
	done <- err
	return err
}

func (u *Updater) completeAuthorization(ctx context.Context, code string) error {
	if code == "" {
		return errors.New("authorization code missing")
	}
	tok, err := u.exchange(ctx, code)
	if err != nil {
		return err
	}
	v, err := u.validate(ctx, tok.Access)
	if err != nil {
		return err
	}
	if !v.hasScope(ScopeManageBroadcast) {
		return ErrMissingScope
	}
	if err := u.persist(ctx, tok); err != nil {
		return err
	}
	return u.establish(ctx, tok, v.Login)
}

func (u *Updater) persist(ctx context.Context, tok token) error {
	if u.opts.Store == nil {
		return nil
	}
	if err := u.opts.Store.UpsertOAuthToken(ctx, Provider, tok.Access, tok.Refresh, tok.ExpiresAt, tok.Scope); err != nil {
		return fmt.Errorf("store twitch token: %w", err)
	}
	return nil
}

// refreshAndStore runs one refresh grant per refresh token at a time.
func (u *Updater) refreshAndStore(ctx context.Context, refreshToken string) (token, error) {
	v, err, _ := u.refreshes.Do(refreshToken, func() (any, error) {
		tok, err := u.refreshGrant(ctx, refreshToken)
		if err != nil {
			return token{}, err
		}
		if err := u.persist(ctx, tok); err != nil {
			return token{}, err
		}
		u.mu.Lock()
		if u.tok.Refresh == refreshToken || u.tok.Access == "" {
			u.tok = tok
		}
		u.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return token{}, err
	}
	return v.(token), nil
}

// RefreshWith refreshes refreshToken and installs the result in memory. It
// does not persist; oauth.StartRefresher does that with the returned values.
func (u *Updater) RefreshWith(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	tok, err := u.refreshGrant(ctx, refreshToken)
	if err != nil {
		if IsRevoked(err) {
			u.mu.Lock()
			u.tok = token{}
			u.mu.Unlock()
			u.notify()
		}
		return "", "", time.Time{}, "", err
	}
	u.mu.Lock()
	u.tok = tok
	u.mu.Unlock()
	u.notify()
	return tok.Access, tok.Refresh, tok.ExpiresAt, tok.Scope, nil
}

// session returns the current access token, refreshing it first when it is
// within expirySkew of expiring.
func (u *Updater) session(ctx context.Context) (string, error) {
	u.mu.Lock()
	tok := u.tok
	u.mu.Unlock()
	if tok.Access == "" {
		return "", ErrNotAuthorized
	}
	if u.clock.Now().Add(expirySkew).Before(tok.ExpiresAt) {
		return tok.Access, nil
	}
	fresh, err := u.refreshAndStore(ctx, tok.Refresh)
	if err != nil {
		if IsRevoked(err) {
			u.clear(ctx)
			return "", ErrNotAuthorized
		}
		return "", err
	}
	u.notify()
	return fresh.Access, nil
}

// withRetry calls fn with *access and, when Helix answers 401, refreshes
// once and tries again.
func (u *Updater) withRetry(ctx context.Context, access *string, fn func(string) error) error {
	err := fn(*access)
	if !isUnauthorized(err) {
		return err
	}
	u.mu.Lock()
	rt := u.tok.Refresh
	u.mu.Unlock()
	tok, rerr := u.refreshAndStore(ctx, rt)
	if rerr != nil {
		if IsRevoked(rerr) {
			u.clear(ctx)
			return ErrNotAuthorized
		}
		return rerr
	}
	*access = tok.Access
	return fn(*access)
}

// UpdateStreamInfo sets the channel title and category. An unknown category
// falls back to the configured default id.
func (u *Updater) UpdateStreamInfo(ctx context.Context, title, category string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "twitch", "UpdateStreamInfo")
	defer func() {
		telemetry.RecordMetadataUpdate("twitch", err)
		telemetry.EndSpan(span, err)
	}()

	access, err := u.session(ctx)
	if err != nil {
		return err
	}
	u.mu.Lock()
	channelID := u.channelID
	u.mu.Unlock()
	if channelID == "" {
		if err := u.resolveChannel(ctx); err != nil {
			return err
		}
		u.mu.Lock()
		channelID, access = u.channelID, u.tok.Access
		u.mu.Unlock()
	}
	h, err := u.api()
	if err != nil {
		return err
	}

	log := u.logger(ctx)
	gameID := u.opts.CategoryID
	if category != "" {
		var id string
		lerr := u.withRetry(ctx, &access, func(at string) error {
			var err error
			id, err = h.gameID(at, category)
			return err
		})
		switch {
		case lerr != nil:
			log.Warn("category lookup failed, using default", slog.String("category", category), slog.Any("err", lerr))
		case id == "":
			log.Warn("category not found, using default", slog.String("category", category), slog.String("game_id", gameID))
		default:
			gameID = id
		}
	}
	err = u.withRetry(ctx, &access, func(at string) error {
		return h.editChannel(at, channelID, title, gameID)
	})
	if err != nil {
		return fmt.Errorf("update twitch stream info: %w", err)
	}
	log.Info("updated twitch stream info", slog.String("title", title), slog.String("game_id", gameID))
	return nil
}

// GetStreamInfo returns the live stream, or nil when the channel is offline.
func (u *Updater) GetStreamInfo(ctx context.Context) (*StreamInfo, error) {
	access, err := u.session(ctx)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	channelID := u.channelID
	u.mu.Unlock()
	if channelID == "" {
		if err := u.resolveChannel(ctx); err != nil {
			return nil, err
		}
		u.mu.Lock()
		channelID = u.channelID
		u.mu.Unlock()
	}
	h, err := u.api()
	if err != nil {
		return nil, err
	}
	var info *StreamInfo
	err = u.withRetry(ctx, &access, func(at string) error {
		st, err := h.stream(at, channelID)
		if err != nil || st == nil {
			info = nil
			return err
		}
		info = &StreamInfo{ID: st.ID, Title: st.Title, GameName: st.GameName, ViewerCount: st.ViewerCount, StartedAt: st.StartedAt}
		return nil
	})
	return info, err
}

// ChannelInfo returns the channel's current title and category as Twitch has them.
func (u *Updater) ChannelInfo(ctx context.Context) (title, category string, err error) {
	access, err := u.session(ctx)
	if err != nil {
		return "", "", err
	}
	u.mu.Lock()
	channelID := u.channelID
	u.mu.Unlock()
	if channelID == "" {
		return "", "", ErrChannelNotFound
	}
	h, err := u.api()
	if err != nil {
		return "", "", err
	}
	err = u.withRetry(ctx, &access, func(at string) error {
		info, err := h.channelInfo(at, channelID)
		if err == nil && info != nil {
			title, category = info.Title, info.GameName
		}
		return err
	})
	return title, category, err
}

// Status never touches the network.
func (u *Updater) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	connected := u.tok.Access != "" && u.clock.Now().Before(u.tok.ExpiresAt)
	st := Status{Connected: connected, ChannelName: u.channelName}
	if connected {
		st.ExpiresAt = u.tok.ExpiresAt
	}
	return st
}

// Disconnect forgets the session and deletes the stored tokens.
func (u *Updater) Disconnect(ctx context.Context) error {
	u.mu.Lock()
	u.tok = token{}
	u.channelID = ""
	u.mu.Unlock()
	u.notify()
	if u.opts.Store == nil {
		return nil
	}
	if err := u.opts.Store.DeleteOAuthToken(ctx, Provider); err != nil {
		return fmt.Errorf("delete twitch token: %w", err)
	}
	return nil
}

func (u *Updater) clear(ctx context.Context) {
	if err := u.Disconnect(ctx); err != nil {
		u.logger(ctx).Warn("failed to clear twitch tokens", slog.Any("err", err))
	}
}

func (u *Updater) notify() {
	if u.opts.OnStateChange != nil {
		u.opts.OnStateChange(u.Status())
	}
}

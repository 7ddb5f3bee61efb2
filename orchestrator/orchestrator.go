// Package orchestrator sequences the broadcast and channel metadata services
// around the monitor's game transitions, and is the boundary the HTTP API and
// CLI drive.
//
// The broadcast output is on while at least one active tracked account is in
// a match. Start and stop sequences are serialized with a weight-1 semaphore;
// metadata failures are logged and never block the output.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/config"
	"github.com/onnwee/lol-autostream/monitor"
	"github.com/onnwee/lol-autostream/obs"
	"github.com/onnwee/lol-autostream/riotapi"
	"github.com/onnwee/lol-autostream/store"
	"github.com/onnwee/lol-autostream/telemetry"
	"github.com/onnwee/lol-autostream/twitchapi"
)

// ErrTwitchNotConfigured is returned by Twitch operations when no client credentials are set.
var ErrTwitchNotConfigured = errors.New("twitch client credentials not configured")

// Monitor is the subset of *monitor.Monitor the orchestrator drives.
type Monitor interface {
	Start(accts []accounts.TrackedAccount, obs monitor.Observer) error
	Stop()
	Running() bool
	Status() monitor.Status
	Snapshot() []accounts.TrackedAccount
	Upsert(a accounts.TrackedAccount)
	Remove(id string)
	SetActive(id string, active bool)
	CheckNow(ctx context.Context, id string) (*monitor.MatchSession, error)
	Check(ctx context.Context, a accounts.TrackedAccount) (*monitor.MatchSession, error)
	SetPollingInterval(d time.Duration)
}

// IdentityResolver resolves handles when accounts are added.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, handle, region string) (*riotapi.Identity, error)
}

// Broadcaster is the subset of *obs.Controller the orchestrator drives.
type Broadcaster interface {
	Connect(ctx context.Context, address, password string) error
	Disconnect()
	Status() obs.ConnectionState
	StartOutput(ctx context.Context, target *obs.SpectatorTarget) error
	StopOutput(ctx context.Context) error
}

// MetadataUpdater is the subset of *twitchapi.Updater the orchestrator drives.
type MetadataUpdater interface {
	Authorize(ctx context.Context, clientID, clientSecret, channel string) (bool, error)
	AuthCodeURL() (string, string, error)
	CompleteAuthorization(ctx context.Context, state, code string) error
	UpdateStreamInfo(ctx context.Context, title, category string) error
	GetStreamInfo(ctx context.Context) (*twitchapi.StreamInfo, error)
	ChannelInfo(ctx context.Context) (title, category string, err error)
	Status() twitchapi.Status
	Disconnect(ctx context.Context) error
}

// TitlePublisher mirrors the title to a secondary platform.
type TitlePublisher interface {
	PublishTitle(ctx context.Context, title string) error
}

// Announcer posts a chat line when a broadcast starts.
type Announcer interface {
	Announce(ctx context.Context, text string) error
}

// Options wires the orchestrator's collaborators. Twitch, YouTube and Chat are optional.
type Options struct {
	Config   *config.Config
	KV       store.KV
	Accounts *accounts.Repository
	Monitor  Monitor
	Resolver IdentityResolver
	OBS      Broadcaster
	Twitch   MetadataUpdater
	YouTube  TitlePublisher
	Chat     Announcer
	Bus      *Bus
}

// Orchestrator implements monitor.Observer.
type Orchestrator struct {
	cfg      *config.Config
	kv       store.KV
	repo     *accounts.Repository
	mon      Monitor
	resolver IdentityResolver
	obs      Broadcaster
	twitch   MetadataUpdater
	yt       TitlePublisher
	chat     Announcer
	bus      *Bus
	log      *slog.Logger

	// output serializes StartOutput/StopOutput sequences.
	output *semaphore.Weighted

	mu       sync.Mutex
	settings Settings
}

var _ monitor.Observer = (*Orchestrator)(nil)

// New loads persisted settings and returns an orchestrator.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.KV == nil || opts.Accounts == nil || opts.Monitor == nil || opts.OBS == nil {
		return nil, errors.New("orchestrator: config, kv, accounts, monitor and obs are required")
	}
	if opts.Bus == nil {
		opts.Bus = NewBus()
	}
	settings, err := loadSettings(ctx, opts.KV, DefaultSettings(opts.Config))
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      opts.Config,
		kv:       opts.KV,
		repo:     opts.Accounts,
		mon:      opts.Monitor,
		resolver: opts.Resolver,
		obs:      opts.OBS,
		twitch:   opts.Twitch,
		yt:       opts.YouTube,
		chat:     opts.Chat,
		bus:      opts.Bus,
		log:      slog.Default().With(slog.String("component", "orchestrator")),
		output:   semaphore.NewWeighted(1),
		settings: settings,
	}
	o.mon.SetPollingInterval(time.Duration(settings.PollIntervalSeconds) * time.Second)
	return o, nil
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *Bus { return o.bus }

type gameEvent struct {
	Account accounts.TrackedAccount `json:"account"`
	Match   *monitor.MatchSession   `json:"match,omitempty"`
	MatchID string                  `json:"matchId"`
}

// GameEntered persists the new state, makes sure OBS and Twitch are ready,
// publishes the title and starts the output.
func (o *Orchestrator) GameEntered(ctx context.Context, acct accounts.TrackedAccount, match monitor.MatchSession) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator", "game_entered",
		attribute.String("account", acct.Handle), attribute.String("match", match.ID))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	o.persist(ctx, acct)
	o.bus.Publish(EventGameEntered, gameEvent{Account: acct, Match: &match, MatchID: match.ID})

	if err = o.output.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.output.Release(1)

	s := o.Settings()
	if !o.obs.Status().Connected {
		if err = o.obs.Connect(ctx, s.OBSAddress, s.OBSPassword); err != nil {
			o.log.Error("cannot start broadcast: obs connection failed", slog.String("handle", acct.Handle), slog.Any("err", err))
			return
		}
	}

	title := RenderTitle(s.TitleTemplate, acct, match)
	o.publishMetadata(ctx, s, title)

	wasStreaming := o.obs.Status().Streaming
	target := &obs.SpectatorTarget{MatchID: match.ID, ObserverKey: match.ObserverKey, Region: acct.Region, Handle: acct.Handle}
	if err = o.obs.StartOutput(ctx, target); err != nil {
		o.log.Error("failed to start broadcast", slog.String("handle", acct.Handle), slog.String("match", match.ID), slog.Any("err", err))
		return
	}
	if wasStreaming {
		return
	}
	o.log.Info("broadcast started", slog.String("handle", acct.Handle), slog.String("match", match.ID))
	o.bus.Publish(EventStreamStarted, gameEvent{Account: acct, Match: &match, MatchID: match.ID})
	if o.chat != nil {
		if cerr := o.chat.Announce(ctx, title); cerr != nil {
			o.log.Warn("chat announcement failed", slog.Any("err", cerr))
		}
	}
}

// GameLeft persists the new state and stops the output unless another
// active account is still in a match.
func (o *Orchestrator) GameLeft(ctx context.Context, acct accounts.TrackedAccount, prevMatchID string) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator", "game_left",
		attribute.String("account", acct.Handle), attribute.String("match", prevMatchID))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	o.persist(ctx, acct)
	o.bus.Publish(EventGameLeft, gameEvent{Account: acct, MatchID: prevMatchID})

	if other, ok := o.otherInGame(acct.ID); ok {
		o.log.Info("keeping broadcast on", slog.String("left", acct.Handle), slog.String("still_in_game", other.Handle))
		return
	}

	if err = o.output.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.output.Release(1)

	if !o.obs.Status().Connected {
		o.log.Debug("obs not connected, nothing to stop")
		return
	}
	wasStreaming := o.obs.Status().Streaming
	if err = o.obs.StopOutput(ctx); err != nil {
		o.log.Error("failed to stop broadcast", slog.String("handle", acct.Handle), slog.Any("err", err))
		return
	}
	if wasStreaming {
		o.log.Info("broadcast stopped", slog.String("handle", acct.Handle), slog.String("match", prevMatchID))
		o.bus.Publish(EventStreamStopped, gameEvent{Account: acct, MatchID: prevMatchID})
	}
}

// otherInGame looks for an active in-game account other than id in a fresh snapshot.
func (o *Orchestrator) otherInGame(id string) (accounts.TrackedAccount, bool) {
	for _, a := range o.mon.Snapshot() {
		if a.ID != id && a.Active && a.InGame {
			return a, true
		}
	}
	return accounts.TrackedAccount{}, false
}

func (o *Orchestrator) persist(ctx context.Context, acct accounts.TrackedAccount) {
	if _, err := o.repo.UpdateState(ctx, acct); err != nil {
		if errors.Is(err, accounts.ErrUnknown) {
			o.log.Debug("account no longer stored", slog.String("handle", acct.Handle))
		} else {
			o.log.Warn("failed to persist account state", slog.String("handle", acct.Handle), slog.Any("err", err))
		}
	}
	o.bus.Publish(EventAccountsChanged, o.mon.Snapshot())
}

// publishMetadata authorizes Twitch when needed and updates the title on
// Twitch and the YouTube mirror. Every failure is logged and swallowed.
func (o *Orchestrator) publishMetadata(ctx context.Context, s Settings, title string) {
	if o.twitch != nil && o.cfg.TwitchConfigured() {
		ready := o.twitch.Status().Connected
		if !ready {
			var err error
			ready, err = o.twitch.Authorize(ctx, o.cfg.TwitchClientID, o.cfg.TwitchClientSecret, s.TwitchChannel)
			if err != nil {
				o.log.Warn("twitch authorization failed", slog.Any("err", err))
			} else if !ready {
				o.log.Warn("twitch not authorized, skipping title update; authorize via /auth/twitch/start")
			}
		}
		if ready {
			if err := o.twitch.UpdateStreamInfo(ctx, title, s.Category); err != nil {
				o.log.Warn("twitch title update failed", slog.Any("err", err))
			}
		}
	}
	if o.yt != nil {
		err := o.yt.PublishTitle(ctx, title)
		telemetry.RecordMetadataUpdate("youtube", err)
		if err != nil {
			o.log.Warn("youtube title update failed", slog.Any("err", err))
		}
	}
}

// StartMonitoring starts the monitor with the stored accounts. Starting twice is a no-op.
func (o *Orchestrator) StartMonitoring(ctx context.Context) error {
	list, err := o.repo.List(ctx)
	if err != nil {
		return err
	}
	if err := o.mon.Start(list, o); err != nil {
		return err
	}
	o.log.Info("monitoring started", slog.Int("accounts", len(list)))
	return nil
}

// StopMonitoring stops polling. The output is left as it is.
func (o *Orchestrator) StopMonitoring() {
	o.mon.Stop()
	o.log.Info("monitoring stopped")
}

// Accounts lists stored accounts overlaid with the monitor's live state.
func (o *Orchestrator) Accounts(ctx context.Context) ([]accounts.TrackedAccount, error) {
	list, err := o.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if !o.mon.Running() {
		return list, nil
	}
	live := make(map[string]accounts.TrackedAccount)
	for _, a := range o.mon.Snapshot() {
		live[a.ID] = a
	}
	for i, a := range list {
		if l, ok := live[a.ID]; ok {
			list[i].InGame, list[i].MatchID, list[i].LastChecked = l.InGame, l.MatchID, l.LastChecked
		}
	}
	return list, nil
}

// AddAccount resolves handle in region and starts tracking it.
func (o *Orchestrator) AddAccount(ctx context.Context, handle, region string) (accounts.TrackedAccount, error) {
	handle = strings.TrimSpace(handle)
	region = strings.ToUpper(strings.TrimSpace(region))
	if handle == "" {
		return accounts.TrackedAccount{}, fmt.Errorf("%w: handle is required", accounts.ErrInvalid)
	}
	if _, ok := riotapi.LookupPlatform(region); !ok {
		return accounts.TrackedAccount{}, fmt.Errorf("%w: unknown region %q", accounts.ErrInvalid, region)
	}
	if o.resolver == nil {
		return accounts.TrackedAccount{}, errors.New("no identity resolver configured")
	}
	id, err := o.resolver.ResolveIdentity(ctx, handle, region)
	if err != nil {
		return accounts.TrackedAccount{}, err
	}
	a, err := o.repo.Add(ctx, accounts.FromIdentity(*id, time.Now()))
	if err != nil {
		return a, err
	}
	o.mon.Upsert(a)
	o.log.Info("account added", slog.String("handle", a.Handle), slog.String("region", a.Region))
	o.accountsChanged(ctx)
	return a, nil
}

// RemoveAccount stops tracking id.
func (o *Orchestrator) RemoveAccount(ctx context.Context, id string) error {
	a, err := o.repo.Remove(ctx, id)
	if err != nil {
		return err
	}
	o.mon.Remove(id)
	o.log.Info("account removed", slog.String("handle", a.Handle))
	o.accountsChanged(ctx)
	return nil
}

// ToggleAccount flips whether id is polled.
func (o *Orchestrator) ToggleAccount(ctx context.Context, id string) (accounts.TrackedAccount, error) {
	cur, err := o.repo.Get(ctx, id)
	if err != nil {
		return cur, err
	}
	return o.SetAccountActive(ctx, id, !cur.Active)
}

// SetAccountActive pauses or resumes polling of id.
func (o *Orchestrator) SetAccountActive(ctx context.Context, id string, active bool) (accounts.TrackedAccount, error) {
	a, err := o.repo.SetActive(ctx, id, active)
	if err != nil {
		return a, err
	}
	o.mon.SetActive(id, active)
	o.accountsChanged(ctx)
	return a, nil
}

// CheckAccount runs a one-off match lookup for id without firing transitions.
func (o *Orchestrator) CheckAccount(ctx context.Context, id string) (*monitor.MatchSession, error) {
	if o.mon.Running() {
		session, err := o.mon.CheckNow(ctx, id)
		if !errors.Is(err, accounts.ErrUnknown) {
			return session, err
		}
	}
	a, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.mon.Check(ctx, a)
}

func (o *Orchestrator) accountsChanged(ctx context.Context) {
	list, err := o.Accounts(ctx)
	if err != nil {
		o.log.Warn("failed to list accounts for notification", slog.Any("err", err))
		return
	}
	o.bus.Publish(EventAccountsChanged, list)
}

// ConnectBroadcast connects to OBS; empty arguments fall back to the saved settings.
func (o *Orchestrator) ConnectBroadcast(ctx context.Context, address, password string) error {
	s := o.Settings()
	if address == "" {
		address, password = s.OBSAddress, s.OBSPassword
	}
	return o.obs.Connect(ctx, address, password)
}

// DisconnectBroadcast closes the OBS session.
func (o *Orchestrator) DisconnectBroadcast() {
	o.obs.Disconnect()
}

// AuthorizeMetadata tries the stored Twitch session. When it reports false the
// caller must run the interactive flow (BeginTwitchAuthorization).
func (o *Orchestrator) AuthorizeMetadata(ctx context.Context) (bool, error) {
	if o.twitch == nil || !o.cfg.TwitchConfigured() {
		return false, ErrTwitchNotConfigured
	}
	return o.twitch.Authorize(ctx, o.cfg.TwitchClientID, o.cfg.TwitchClientSecret, o.Settings().TwitchChannel)
}

// BeginTwitchAuthorization returns the URL the user must visit to authorize the channel.
func (o *Orchestrator) BeginTwitchAuthorization() (string, error) {
	if o.twitch == nil || !o.cfg.TwitchConfigured() {
		return "", ErrTwitchNotConfigured
	}
	u, _, err := o.twitch.AuthCodeURL()
	return u, err
}

// CompleteTwitchAuthorization finishes the flow started by BeginTwitchAuthorization.
func (o *Orchestrator) CompleteTwitchAuthorization(ctx context.Context, state, code string) error {
	if o.twitch == nil {
		return ErrTwitchNotConfigured
	}
	return o.twitch.CompleteAuthorization(ctx, state, code)
}

// DisconnectMetadata forgets the Twitch session and its stored tokens.
func (o *Orchestrator) DisconnectMetadata(ctx context.Context) error {
	if o.twitch == nil {
		return ErrTwitchNotConfigured
	}
	return o.twitch.Disconnect(ctx)
}

// UpdateStreamInfo sets the title and category directly. An empty category
// uses the configured one.
func (o *Orchestrator) UpdateStreamInfo(ctx context.Context, title, category string) error {
	if o.twitch == nil {
		return ErrTwitchNotConfigured
	}
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is required", accounts.ErrInvalid)
	}
	if category == "" {
		category = o.Settings().Category
	}
	return o.twitch.UpdateStreamInfo(ctx, title, category)
}

// StreamInfo reports the live stream, nil when the channel is offline.
func (o *Orchestrator) StreamInfo(ctx context.Context) (*twitchapi.StreamInfo, error) {
	if o.twitch == nil {
		return nil, ErrTwitchNotConfigured
	}
	return o.twitch.GetStreamInfo(ctx)
}

// ChannelInfo reports the title and category currently set on the channel.
func (o *Orchestrator) ChannelInfo(ctx context.Context) (title, category string, err error) {
	if o.twitch == nil {
		return "", "", ErrTwitchNotConfigured
	}
	return o.twitch.ChannelInfo(ctx)
}

// Status is the combined view served to the UI.
type Status struct {
	Monitor monitor.Status      `json:"monitor"`
	OBS     obs.ConnectionState `json:"obs"`
	Twitch  *twitchapi.Status   `json:"twitch,omitempty"`
	InGame  []string            `json:"inGame"`
}

// Status never touches the network.
func (o *Orchestrator) Status() Status {
	st := Status{Monitor: o.mon.Status(), OBS: o.obs.Status(), InGame: []string{}}
	if o.twitch != nil {
		ts := o.twitch.Status()
		st.Twitch = &ts
	}
	for _, a := range o.mon.Snapshot() {
		if a.Active && a.InGame {
			st.InGame = append(st.InGame, a.Handle)
		}
	}
	return st
}

// Settings returns the current runtime settings.
func (o *Orchestrator) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// SaveSettings validates, persists and applies s.
func (o *Orchestrator) SaveSettings(ctx context.Context, s Settings) (Settings, error) {
	s, err := s.normalize()
	if err != nil {
		return s, err
	}
	if err := saveSettings(ctx, o.kv, s); err != nil {
		return s, err
	}
	o.mu.Lock()
	o.settings = s
	o.mu.Unlock()
	o.mon.SetPollingInterval(time.Duration(s.PollIntervalSeconds) * time.Second)
	o.log.Info("settings saved", slog.String("obs_address", s.OBSAddress), slog.Int("poll_interval_s", s.PollIntervalSeconds))
	return s, nil
}

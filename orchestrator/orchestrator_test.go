package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/config"
	"github.com/onnwee/lol-autostream/monitor"
	"github.com/onnwee/lol-autostream/obs"
	"github.com/onnwee/lol-autostream/riotapi"
	"github.com/onnwee/lol-autostream/store"
	"github.com/onnwee/lol-autostream/twitchapi"
)

type stubMonitor struct {
	mu       sync.Mutex
	running  bool
	list     []accounts.TrackedAccount
	started  int
	interval time.Duration
	upserts  []string
	removed  []string
	active   map[string]bool
	check    *monitor.MatchSession
}

func (m *stubMonitor) Start(accts []accounts.TrackedAccount, _ monitor.Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if len(accounts.Filter(accts)) == 0 {
		return monitor.ErrNoAccounts
	}
	m.running = true
	m.started++
	m.list = accounts.Filter(accts)
	return nil
}

func (m *stubMonitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *stubMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *stubMonitor) Status() monitor.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return monitor.Status{Running: m.running, AccountCount: len(m.list), PollInterval: m.interval}
}

func (m *stubMonitor) Snapshot() []accounts.TrackedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]accounts.TrackedAccount(nil), m.list...)
}

func (m *stubMonitor) Upsert(a accounts.TrackedAccount) {
	m.mu.Lock()
	m.upserts = append(m.upserts, a.ID)
	m.mu.Unlock()
}

func (m *stubMonitor) Remove(id string) {
	m.mu.Lock()
	m.removed = append(m.removed, id)
	m.mu.Unlock()
}

func (m *stubMonitor) SetActive(id string, active bool) {
	m.mu.Lock()
	if m.active == nil {
		m.active = map[string]bool{}
	}
	m.active[id] = active
	m.mu.Unlock()
}

func (m *stubMonitor) CheckNow(context.Context, string) (*monitor.MatchSession, error) {
	return m.check, nil
}

func (m *stubMonitor) Check(context.Context, accounts.TrackedAccount) (*monitor.MatchSession, error) {
	return m.check, nil
}

func (m *stubMonitor) SetPollingInterval(d time.Duration) {
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

// setState replaces the live view the orchestrator snapshots.
func (m *stubMonitor) setState(list ...accounts.TrackedAccount) {
	m.mu.Lock()
	m.list = list
	m.mu.Unlock()
}

type stubOBS struct {
	mu         sync.Mutex
	state      obs.ConnectionState
	connectErr error
	startErr   error
	connects   []string
	starts     []*obs.SpectatorTarget
	stops      int
	stopCalls  int
}

func (s *stubOBS) Connect(_ context.Context, address, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects = append(s.connects, address)
	if s.connectErr != nil {
		return s.connectErr
	}
	s.state.Connected, s.state.Address = true, address
	return nil
}

func (s *stubOBS) Disconnect() {
	s.mu.Lock()
	s.state = obs.ConnectionState{}
	s.mu.Unlock()
}

func (s *stubOBS) Status() obs.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubOBS) StartOutput(_ context.Context, t *obs.SpectatorTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, t)
	if s.startErr != nil {
		return s.startErr
	}
	if !s.state.Streaming {
		s.state.Streaming, s.state.MatchID = true, t.MatchID
	}
	return nil
}

// StopOutput mirrors the controller: a no-op when already inactive.
func (s *stubOBS) StopOutput(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	if !s.state.Streaming {
		return nil
	}
	s.stops++
	s.state.Streaming, s.state.MatchID = false, ""
	return nil
}

type stubTwitch struct {
	mu         sync.Mutex
	connected  bool
	authorize  bool
	updateErr  error
	authorized []string
	updates    [][2]string
}

func (t *stubTwitch) Authorize(_ context.Context, _, _, channel string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authorized = append(t.authorized, channel)
	t.connected = t.authorize
	return t.authorize, nil
}

func (t *stubTwitch) AuthCodeURL() (string, string, error) {
	return "https://id.twitch.tv/oauth2/authorize?state=s1", "s1", nil
}

func (t *stubTwitch) CompleteAuthorization(context.Context, string, string) error { return nil }

func (t *stubTwitch) UpdateStreamInfo(_ context.Context, title, category string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updates = append(t.updates, [2]string{title, category})
	return t.updateErr
}

func (t *stubTwitch) GetStreamInfo(context.Context) (*twitchapi.StreamInfo, error) { return nil, nil }

func (t *stubTwitch) ChannelInfo(context.Context) (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.updates) == 0 {
		return "", "", nil
	}
	last := t.updates[len(t.updates)-1]
	return last[0], last[1], nil
}

func (t *stubTwitch) Status() twitchapi.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return twitchapi.Status{Connected: t.connected, ChannelName: "foostreams"}
}

func (t *stubTwitch) Disconnect(context.Context) error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) PublishTitle(_ context.Context, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, title)
	return r.err
}

func (r *recorder) Announce(_ context.Context, text string) error {
	return r.PublishTitle(context.Background(), text)
}

type stubResolver map[string]*riotapi.Identity

func (s stubResolver) ResolveIdentity(_ context.Context, handle, region string) (*riotapi.Identity, error) {
	if id, ok := s[handle]; ok {
		return id, nil
	}
	return nil, &riotapi.NotFoundError{Handle: handle, Region: region}
}

type fixture struct {
	o      *Orchestrator
	mon    *stubMonitor
	obs    *stubOBS
	twitch *stubTwitch
	yt     *recorder
	chat   *recorder
	repo   *accounts.Repository
	kv     store.KV
}

func testConfig() *config.Config {
	return &config.Config{
		OBSAddress:         "localhost:4455",
		TitleTemplate:      "{summonerName} ({region}) - {gameMode}",
		StreamCategory:     "League of Legends",
		TwitchClientID:     "id",
		TwitchClientSecret: "secret",
		TwitchChannel:      "foostreams",
		PollInterval:       30 * time.Second,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mon:    &stubMonitor{},
		obs:    &stubOBS{},
		twitch: &stubTwitch{authorize: true},
		yt:     &recorder{},
		chat:   &recorder{},
		kv:     store.NewMemory(),
	}
	f.repo = accounts.NewRepository(f.kv)
	o, err := New(context.Background(), Options{
		Config:   testConfig(),
		KV:       f.kv,
		Accounts: f.repo,
		Monitor:  f.mon,
		Resolver: stubResolver{
			"Foo#NA1": {PUUID: "P1", SummonerID: "S1", GameName: "Foo", TagLine: "NA1", Platform: "NA1"},
		},
		OBS:     f.obs,
		Twitch:  f.twitch,
		YouTube: f.yt,
		Chat:    f.chat,
	})
	require.NoError(t, err)
	f.o = o
	return f
}

func (f *fixture) add(t *testing.T, handle, puuid string) accounts.TrackedAccount {
	t.Helper()
	a, err := f.repo.Add(context.Background(), accounts.TrackedAccount{Handle: handle, Region: "NA1", PlatformID: puuid, Active: true})
	require.NoError(t, err)
	return a
}

func inGame(a accounts.TrackedAccount, matchID string) accounts.TrackedAccount {
	a.InGame, a.MatchID = true, matchID
	return a
}

func TestNewAppliesStoredPollInterval(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 30*time.Second, f.mon.interval)
	assert.Equal(t, "foostreams", f.o.Settings().TwitchChannel)
}

func TestGameEnteredStartsBroadcast(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "Foo#NA1", "P1")
	events, cancel := f.o.Bus().Subscribe()
	defer cancel()

	live := inGame(a, "G100")
	f.mon.setState(live)
	f.o.GameEntered(context.Background(), live, monitor.MatchSession{ID: "G100", GameMode: "ARAM", ObserverKey: "key"})

	assert.Equal(t, []string{"localhost:4455"}, f.obs.connects)
	assert.Equal(t, []string{"foostreams"}, f.twitch.authorized)
	require.Len(t, f.twitch.updates, 1)
	assert.Equal(t, [2]string{"Foo (NA1) - ARAM", "League of Legends"}, f.twitch.updates[0])
	assert.Equal(t, []string{"Foo (NA1) - ARAM"}, f.yt.calls)
	require.Len(t, f.obs.starts, 1)
	assert.Equal(t, obs.SpectatorTarget{MatchID: "G100", ObserverKey: "key", Region: "NA1", Handle: "Foo#NA1"}, *f.obs.starts[0])
	assert.Equal(t, []string{"Foo (NA1) - ARAM"}, f.chat.calls)

	stored, err := f.repo.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, stored.InGame)
	assert.Equal(t, "G100", stored.MatchID)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{EventAccountsChanged, EventGameEntered, EventStreamStarted}, types)
}

func TestGameEnteredWhileStreamingKeepsOutput(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "Foo#NA1", "P1")
	f.obs.state = obs.ConnectionState{Connected: true, Streaming: true, MatchID: "G1"}

	f.o.GameEntered(context.Background(), inGame(a, "G2"), monitor.MatchSession{ID: "G2"})

	assert.Empty(t, f.obs.connects)
	assert.Len(t, f.obs.starts, 1)
	assert.Empty(t, f.chat.calls, "no announcement without a new broadcast")
}

func TestMetadataFailuresDoNotBlockStart(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
	}{
		{"twitch update fails", func(f *fixture) { f.twitch.updateErr = errors.New("helix down") }},
		{"twitch not authorized", func(f *fixture) { f.twitch.authorize = false }},
		{"youtube fails", func(f *fixture) { f.yt.err = errors.New("quota") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.add(t, "Foo#NA1", "P1")
			tt.mutate(f)

			f.o.GameEntered(context.Background(), inGame(a, "G100"), monitor.MatchSession{ID: "G100"})
			assert.Len(t, f.obs.starts, 1)
			assert.True(t, f.obs.Status().Streaming)
		})
	}
}

func TestTitleSkippedWhenTwitchNotAuthorized(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "Foo#NA1", "P1")
	f.twitch.authorize = false

	f.o.GameEntered(context.Background(), inGame(a, "G100"), monitor.MatchSession{ID: "G100"})
	assert.Empty(t, f.twitch.updates)
	assert.Len(t, f.obs.starts, 1)
}

func TestOBSConnectFailureSkipsStart(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "Foo#NA1", "P1")
	f.obs.connectErr = obs.ErrUnreachable

	f.o.GameEntered(context.Background(), inGame(a, "G100"), monitor.MatchSession{ID: "G100"})
	assert.Empty(t, f.obs.starts)
	assert.Empty(t, f.twitch.updates)
}

func TestTwoAccountMutualExclusion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, "Foo#NA1", "P1")
	b := f.add(t, "Bar#NA1", "P2")

	f.mon.setState(inGame(a, "G1"), b)
	f.o.GameEntered(ctx, inGame(a, "G1"), monitor.MatchSession{ID: "G1"})
	f.mon.setState(inGame(a, "G1"), inGame(b, "G2"))
	f.o.GameEntered(ctx, inGame(b, "G2"), monitor.MatchSession{ID: "G2"})
	require.True(t, f.obs.Status().Streaming)

	// b leaves while a is still in game
	f.mon.setState(inGame(a, "G1"), b)
	f.o.GameLeft(ctx, b, "G2")
	assert.Zero(t, f.obs.stopCalls)
	assert.True(t, f.obs.Status().Streaming)

	// last in-game account leaves
	f.mon.setState(a, b)
	f.o.GameLeft(ctx, a, "G1")
	assert.Equal(t, 1, f.obs.stops)
	assert.False(t, f.obs.Status().Streaming)
}

func TestGameLeftIgnoresInactiveAccounts(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "Foo#NA1", "P1")
	b := f.add(t, "Bar#NA1", "P2")
	f.obs.state = obs.ConnectionState{Connected: true, Streaming: true}

	paused := inGame(b, "G2")
	paused.Active = false
	f.mon.setState(a, paused)
	f.o.GameLeft(context.Background(), a, "G1")
	assert.Equal(t, 1, f.obs.stops)
}

func TestGameLeftWhenOutputAlreadyStopped(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "Foo#NA1", "P1")
	f.obs.state = obs.ConnectionState{Connected: true}
	events, cancel := f.o.Bus().Subscribe()
	defer cancel()

	f.o.GameLeft(context.Background(), a, "G1")
	assert.Equal(t, 1, f.obs.stopCalls)
	assert.Zero(t, f.obs.stops)
	for len(events) > 0 {
		assert.NotEqual(t, EventStreamStopped, (<-events).Type)
	}
}

func TestStartMonitoring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.ErrorIs(t, f.o.StartMonitoring(ctx), monitor.ErrNoAccounts)

	f.add(t, "Foo#NA1", "P1")
	require.NoError(t, f.o.StartMonitoring(ctx))
	require.NoError(t, f.o.StartMonitoring(ctx))
	assert.Equal(t, 1, f.mon.started)

	f.o.StopMonitoring()
	assert.False(t, f.mon.Running())
}

func TestAddAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.o.AddAccount(ctx, " Foo#NA1 ", "na1")
	require.NoError(t, err)
	assert.Equal(t, "P1", a.PlatformID)
	assert.Equal(t, "NA1", a.Region)
	assert.True(t, a.Active)
	assert.Equal(t, []string{a.ID}, f.mon.upserts)

	_, err = f.o.AddAccount(ctx, "Foo#NA1", "NA1")
	assert.ErrorIs(t, err, accounts.ErrDuplicate)

	_, err = f.o.AddAccount(ctx, "Foo#NA1", "XX9")
	assert.ErrorIs(t, err, accounts.ErrInvalid)

	_, err = f.o.AddAccount(ctx, "", "NA1")
	assert.ErrorIs(t, err, accounts.ErrInvalid)

	_, err = f.o.AddAccount(ctx, "Nobody#NA1", "NA1")
	assert.ErrorIs(t, err, riotapi.ErrNotFound)
}

func TestToggleAndRemoveAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, "Foo#NA1", "P1")

	toggled, err := f.o.ToggleAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Active)
	assert.Equal(t, map[string]bool{a.ID: false}, f.mon.active)

	require.NoError(t, f.o.RemoveAccount(ctx, a.ID))
	assert.Equal(t, []string{a.ID}, f.mon.removed)
	assert.ErrorIs(t, f.o.RemoveAccount(ctx, a.ID), accounts.ErrUnknown)
	_, err = f.o.ToggleAccount(ctx, "missing")
	assert.ErrorIs(t, err, accounts.ErrUnknown)
}

func TestCheckAccount(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "Foo#NA1", "P1")
	f.mon.check = &monitor.MatchSession{ID: "G7"}

	got, err := f.o.CheckAccount(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "G7", got.ID)

	_, err = f.o.CheckAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, accounts.ErrUnknown)
}

func TestTwitchOperationsWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	f.o.cfg.TwitchClientID = ""
	_, err := f.o.AuthorizeMetadata(context.Background())
	assert.ErrorIs(t, err, ErrTwitchNotConfigured)
	_, err = f.o.BeginTwitchAuthorization()
	assert.ErrorIs(t, err, ErrTwitchNotConfigured)
}

func TestUpdateStreamInfoDefaultsCategory(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.UpdateStreamInfo(context.Background(), "hello", ""))
	assert.Equal(t, [2]string{"hello", "League of Legends"}, f.twitch.updates[0])
	assert.ErrorIs(t, f.o.UpdateStreamInfo(context.Background(), " ", ""), accounts.ErrInvalid)

	title, category, err := f.o.ChannelInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", title)
	assert.Equal(t, "League of Legends", category)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "Foo#NA1", "P1")
	f.mon.setState(inGame(a, "G1"))
	st := f.o.Status()
	assert.Equal(t, []string{"Foo#NA1"}, st.InGame)
	require.NotNil(t, st.Twitch)
	assert.Equal(t, "foostreams", st.Twitch.ChannelName)
}

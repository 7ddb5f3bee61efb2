package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/riotapi"
)

var epoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type stubRiot struct {
	mu        sync.Mutex
	noKey     bool
	probeErrs []error
	active    map[string]*riotapi.ActiveMatch
	activeErr map[string]error
	recent    map[string][]riotapi.MatchSummary
	resolved  map[string]*riotapi.Identity

	probes       int
	checks       map[string]int
	recentCalls  map[string]int
	resolveCalls int

	gate    chan struct{}
	reached chan struct{}
}

func newStub() *stubRiot {
	return &stubRiot{
		active:      map[string]*riotapi.ActiveMatch{},
		activeErr:   map[string]error{},
		recent:      map[string][]riotapi.MatchSummary{},
		resolved:    map[string]*riotapi.Identity{},
		checks:      map[string]int{},
		recentCalls: map[string]int{},
	}
}

func (s *stubRiot) HasCredential() bool { return !s.noKey }

func (s *stubRiot) ResolveIdentity(_ context.Context, handle, region string) (*riotapi.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveCalls++
	if id, ok := s.resolved[handle]; ok {
		return id, nil
	}
	return nil, &riotapi.NotFoundError{Handle: handle, Region: region}
}

func (s *stubRiot) CheckActiveMatch(_ context.Context, id riotapi.Identity) (*riotapi.ActiveMatch, error) {
	s.mu.Lock()
	gate, reached := s.gate, s.reached
	s.checks[id.PUUID]++
	s.mu.Unlock()
	if gate != nil {
		reached <- struct{}{}
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activeErr[id.PUUID]; err != nil {
		return nil, err
	}
	return s.active[id.PUUID], nil
}

func (s *stubRiot) RecentMatches(_ context.Context, id riotapi.Identity, _ int) ([]riotapi.MatchSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentCalls[id.PUUID]++
	return s.recent[id.PUUID], nil
}

func (s *stubRiot) Probe(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	if len(s.probeErrs) == 0 {
		return nil
	}
	err := s.probeErrs[0]
	s.probeErrs = s.probeErrs[1:]
	return err
}

func (s *stubRiot) set(fn func(s *stubRiot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *stubRiot) count(fn func(s *stubRiot) int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

type transition struct {
	ID      string
	MatchID string
	Source  Source
}

type recorder struct {
	mu      sync.Mutex
	entered []transition
	left    []transition
	onLeft  func()
}

func (r *recorder) GameEntered(_ context.Context, a accounts.TrackedAccount, m MatchSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entered = append(r.entered, transition{ID: a.ID, MatchID: m.ID, Source: m.Source})
}

func (r *recorder) GameLeft(_ context.Context, a accounts.TrackedAccount, prev string) {
	r.mu.Lock()
	r.left = append(r.left, transition{ID: a.ID, MatchID: prev})
	fn := r.onLeft
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entered), len(r.left)
}

func acct(id, puuid string) accounts.TrackedAccount {
	return accounts.TrackedAccount{ID: id, Handle: "Player" + id + "#NA1", Region: "NA1", PlatformID: puuid, SummonerID: "S" + id, Active: true}
}

func newTestMonitor(stub *stubRiot, clock *clockwork.FakeClock) *Monitor {
	return New(stub, Options{Clock: clock, PollInterval: time.Minute})
}

func stateOf(t *testing.T, m *Monitor, id string) accounts.TrackedAccount {
	t.Helper()
	for _, a := range m.Snapshot() {
		if a.ID == id {
			return a
		}
	}
	t.Fatalf("account %s not monitored", id)
	return accounts.TrackedAccount{}
}

func currentRun(m *Monitor) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run
}

func TestStartValidation(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)

	t.Run("no credential", func(t *testing.T) {
		stub := newStub()
		stub.noKey = true
		err := newTestMonitor(stub, clock).Start([]accounts.TrackedAccount{acct("1", "P1")}, nil)
		assert.ErrorIs(t, err, ErrNoCredential)
	})

	t.Run("nothing to poll after filtering", func(t *testing.T) {
		inactive := acct("1", "P1")
		inactive.Active = false
		incomplete := acct("2", "")
		err := newTestMonitor(newStub(), clock).Start([]accounts.TrackedAccount{inactive, incomplete}, nil)
		assert.ErrorIs(t, err, ErrNoAccounts)
	})

	t.Run("start twice is idempotent", func(t *testing.T) {
		m := newTestMonitor(newStub(), clock)
		dup := acct("3", "P1")
		require.NoError(t, m.Start([]accounts.TrackedAccount{acct("1", "P1"), acct("2", "P2"), dup}, nil))
		first := currentRun(m)
		require.NoError(t, m.Start([]accounts.TrackedAccount{acct("9", "P9")}, nil))
		assert.Same(t, first, currentRun(m))

		st := m.Status()
		assert.True(t, st.Running)
		assert.Equal(t, 2, st.AccountCount, "deduplicated by platform id")
		assert.Equal(t, 2, st.ActiveCount)

		m.Stop()
		m.Stop()
		assert.False(t, m.Status().Running)
	})
}

func TestNegativeVerificationIsCached(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	m := newTestMonitor(stub, clock)
	rec := &recorder{}
	r, err := m.prime([]accounts.TrackedAccount{acct("1", "P1")}, rec)
	require.NoError(t, err)

	m.cycle(r.ctx, r)
	assert.Equal(t, 1, stub.count(func(s *stubRiot) int { return s.recentCalls["P1"] }))
	e, ok := m.cache.get("P1", clock.Now())
	require.True(t, ok)
	assert.False(t, e.InGame)
	assert.False(t, stateOf(t, m, "1").InGame)

	clock.Advance(30 * time.Second)
	m.cycle(r.ctx, r)
	assert.Equal(t, 1, stub.count(func(s *stubRiot) int { return s.recentCalls["P1"] }), "cached within TTL")
	assert.Equal(t, 2, stub.count(func(s *stubRiot) int { return s.checks["P1"] }), "primary lookup still runs")

	clock.Advance(DefaultCacheTTL)
	m.cycle(r.ctx, r)
	assert.Equal(t, 2, stub.count(func(s *stubRiot) int { return s.recentCalls["P1"] }), "re-verified after expiry")

	entered, left := rec.counts()
	assert.Zero(t, entered)
	assert.Zero(t, left)
}

func TestUnresolvableIdentityIsNotRetriedEachTick(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	m := newTestMonitor(stub, clock)
	a := acct("1", "P1")
	a.SummonerID = ""
	b := acct("2", "P2")
	b.SummonerID = ""
	stub.resolved[b.Handle] = &riotapi.Identity{PUUID: "OTHER", Platform: "NA1"}
	r, err := m.prime([]accounts.TrackedAccount{a, b}, &recorder{})
	require.NoError(t, err)

	for range 3 {
		m.cycle(r.ctx, r)
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 2, stub.count(func(s *stubRiot) int { return s.resolveCalls }), "one attempt per account")
	assert.Equal(t, 3, stub.count(func(s *stubRiot) int { return s.checks["P1"] }), "checks continue on the stored puuid")
	assert.Equal(t, 3, stub.count(func(s *stubRiot) int { return s.checks["P2"] }))
}

func TestPrimaryMatchEntersOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	stub.active["P1"] = &riotapi.ActiveMatch{GameID: 100, GameMode: "CLASSIC"}
	m := newTestMonitor(stub, clock)
	rec := &recorder{}
	r, err := m.prime([]accounts.TrackedAccount{acct("1", "P1")}, rec)
	require.NoError(t, err)

	m.cycle(r.ctx, r)
	m.cycle(r.ctx, r)

	require.Len(t, rec.entered, 1)
	assert.Equal(t, transition{ID: "1", MatchID: "100", Source: SourcePrimary}, rec.entered[0])
	st := stateOf(t, m, "1")
	assert.True(t, st.InGame)
	assert.Equal(t, "100", st.MatchID)
	assert.Equal(t, clock.Now(), st.LastChecked)
	assert.Zero(t, stub.count(func(s *stubRiot) int { return s.recentCalls["P1"] }))
}

func TestNewMatchWhileInGameUpdatesSilently(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	stub.active["P1"] = &riotapi.ActiveMatch{GameID: 100}
	m := newTestMonitor(stub, clock)
	rec := &recorder{}
	r, err := m.prime([]accounts.TrackedAccount{acct("1", "P1")}, rec)
	require.NoError(t, err)

	m.cycle(r.ctx, r)
	stub.set(func(s *stubRiot) { s.active["P1"] = &riotapi.ActiveMatch{GameID: 101} })
	m.cycle(r.ctx, r)

	entered, left := rec.counts()
	assert.Equal(t, 1, entered)
	assert.Zero(t, left)
	assert.Equal(t, "101", stateOf(t, m, "1").MatchID)
}

func TestSecondaryVerification(t *testing.T) {
	tests := []struct {
		name      string
		summary   riotapi.MatchSummary
		wantEnter bool
	}{
		{"unfinished recent match counts as live", riotapi.MatchSummary{ID: "NA1_7", StartedAt: epoch.Add(-10 * time.Minute)}, true},
		{"finished match is not live", riotapi.MatchSummary{ID: "NA1_7", StartedAt: epoch.Add(-30 * time.Minute), EndedAt: epoch.Add(-5 * time.Minute)}, false},
		{"unfinished but outside live window", riotapi.MatchSummary{ID: "NA1_7", StartedAt: epoch.Add(-2 * time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			stub := newStub()
			stub.recent["P1"] = []riotapi.MatchSummary{tt.summary}
			m := newTestMonitor(stub, clock)
			rec := &recorder{}
			r, err := m.prime([]accounts.TrackedAccount{acct("1", "P1")}, rec)
			require.NoError(t, err)

			m.cycle(r.ctx, r)
			m.cycle(r.ctx, r)

			assert.Equal(t, 1, stub.count(func(s *stubRiot) int { return s.recentCalls["P1"] }), "second tick served from cache")
			e, ok := m.cache.get("P1", clock.Now())
			require.True(t, ok)
			assert.Equal(t, tt.wantEnter, e.InGame)
			if tt.wantEnter {
				require.Len(t, rec.entered, 1)
				assert.Equal(t, transition{ID: "1", MatchID: "NA1_7", Source: SourceSecondary}, rec.entered[0])
				assert.True(t, stateOf(t, m, "1").InGame)
			} else {
				assert.Empty(t, rec.entered)
			}
		})
	}
}

func TestLeavingGame(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	stub.active["P1"] = &riotapi.ActiveMatch{GameID: 100}
	m := newTestMonitor(stub, clock)
	rec := &recorder{}
	r, err := m.prime([]accounts.TrackedAccount{acct("1", "P1")}, rec)
	require.NoError(t, err)
	m.cycle(r.ctx, r)

	stub.set(func(s *stubRiot) {
		delete(s.active, "P1")
		s.recent["P1"] = []riotapi.MatchSummary{{ID: "NA1_100", StartedAt: epoch.Add(-30 * time.Minute), EndedAt: epoch}}
	})
	clock.Advance(time.Minute)
	m.cycle(r.ctx, r)

	require.Len(t, rec.left, 1)
	assert.Equal(t, transition{ID: "1", MatchID: "100"}, rec.left[0])
	st := stateOf(t, m, "1")
	assert.False(t, st.InGame)
	assert.Empty(t, st.MatchID)
}

func TestAccountErrorsAreIsolated(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	stub.activeErr["P1"] = &riotapi.RateLimitError{Op: "spectator", RetryAfter: time.Second}
	stub.active["P2"] = &riotapi.ActiveMatch{GameID: 200}
	m := newTestMonitor(stub, clock)
	rec := &recorder{}
	r, err := m.prime([]accounts.TrackedAccount{acct("1", "P1"), acct("2", "P2")}, rec)
	require.NoError(t, err)

	m.cycle(r.ctx, r)

	require.Len(t, rec.entered, 1)
	assert.Equal(t, "2", rec.entered[0].ID)
	assert.True(t, m.Status().Running)
	assert.Empty(t, m.Status().LastError)
}

func TestAuthFailureStopsMonitoring(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	stub.activeErr["P1"] = riotapi.ErrAuthFailed
	stub.active["P2"] = &riotapi.ActiveMatch{GameID: 200}
	var fatal error
	m := New(stub, Options{Clock: clock, OnFatal: func(err error) { fatal = err }})
	rec := &recorder{}
	r, err := m.prime([]accounts.TrackedAccount{acct("1", "P1"), acct("2", "P2")}, rec)
	require.NoError(t, err)

	m.cycle(r.ctx, r)

	assert.ErrorIs(t, fatal, riotapi.ErrAuthFailed)
	st := m.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, "invalid or expired")
	assert.Error(t, r.ctx.Err())
	entered, _ := rec.counts()
	assert.Zero(t, entered, "tick aborted before later accounts")
}

func TestFooScenario(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	stub.resolved["Foo#NA1"] = &riotapi.Identity{PUUID: "P1", SummonerID: "S1", GameName: "Foo", TagLine: "NA1", Platform: "NA1"}
	m := New(stub, Options{Clock: clock, VerifyDelay: 5 * time.Second})
	rec := &recorder{}
	foo := accounts.TrackedAccount{ID: "foo", Handle: "Foo#NA1", Region: "NA1", PlatformID: "P1", Active: true}
	r, err := m.prime([]accounts.TrackedAccount{foo}, rec)
	require.NoError(t, err)

	// tick 1: absent, then absent again after the verification delay
	done := make(chan struct{})
	go func() {
		m.cycle(r.ctx, r)
		close(done)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Zero(t, stub.count(func(s *stubRiot) int { return s.recentCalls["P1"] }), "history not queried before the delay")
	clock.Advance(5 * time.Second)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("tick did not finish")
	}

	assert.False(t, stateOf(t, m, "foo").InGame)
	e, ok := m.cache.get("P1", clock.Now())
	require.True(t, ok)
	assert.False(t, e.InGame)
	assert.Equal(t, clock.Now(), e.At)

	// tick 2 inside the TTL: primary reports the match
	stub.set(func(s *stubRiot) { s.active["P1"] = &riotapi.ActiveMatch{GameID: 100} })
	clock.Advance(time.Minute)
	m.cycle(r.ctx, r)

	require.Len(t, rec.entered, 1)
	assert.Equal(t, "100", rec.entered[0].MatchID)
	assert.True(t, stateOf(t, m, "foo").InGame)
	_, ok = m.cache.get("P1", clock.Now())
	assert.False(t, ok, "positive primary result supersedes the cache entry")
	assert.Equal(t, 1, stub.count(func(s *stubRiot) int { return s.resolveCalls }), "identity resolved once")
}

func TestBackoffSequence(t *testing.T) {
	b := newBackoff(30*time.Second, 300*time.Second, 5)
	want := []time.Duration{30, 60, 120, 240, 300, 300, 300}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.fail(), "failure %d", i+1)
	}
	assert.Equal(t, 5, b.retries, "counter stops at the ceiling")
	b.reset()
	assert.Equal(t, 30*time.Second, b.delay)
	assert.Equal(t, 30*time.Second, b.fail())
}

func TestLoopBacksOffAndRecovers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	offline := errors.New("probe: riot api unreachable")
	stub.probeErrs = []error{offline, offline, offline}
	m := newTestMonitor(stub, clock)
	require.NoError(t, m.Start([]accounts.TrackedAccount{acct("1", "P1")}, &recorder{}))
	t.Cleanup(m.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, want := range []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second} {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		st := m.Status()
		assert.False(t, st.Online)
		assert.Equal(t, want, st.RetryDelay)
		clock.Advance(want)
	}

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	st := m.Status()
	assert.True(t, st.Online)
	assert.Zero(t, st.RetryDelay)
	assert.Equal(t, 4, stub.count(func(s *stubRiot) int { return s.probes }))
	assert.Equal(t, 1, stub.count(func(s *stubRiot) int { return s.checks["P1"] }))

	r := currentRun(m)
	m.Stop()
	select {
	case <-r.done:
	case <-ctx.Done():
		t.Fatal("loop did not exit after Stop")
	}
}

func TestStopDiscardsInflightResults(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	stub.active["P1"] = &riotapi.ActiveMatch{GameID: 100}
	stub.gate = make(chan struct{})
	stub.reached = make(chan struct{}, 1)
	m := newTestMonitor(stub, clock)
	rec := &recorder{}
	require.NoError(t, m.Start([]accounts.TrackedAccount{acct("1", "P1")}, rec))
	r := currentRun(m)

	<-stub.reached
	m.Stop()
	close(stub.gate)
	<-r.done

	entered, _ := rec.counts()
	assert.Zero(t, entered)
	assert.False(t, stateOf(t, m, "1").InGame)
}

func TestMutationsBetweenTicks(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	stub.active["P1"] = &riotapi.ActiveMatch{GameID: 100}
	stub.active["P2"] = &riotapi.ActiveMatch{GameID: 200}
	m := newTestMonitor(stub, clock)
	rec := &recorder{}
	r, err := m.prime([]accounts.TrackedAccount{acct("1", "P1"), acct("2", "P2")}, rec)
	require.NoError(t, err)
	m.cycle(r.ctx, r)
	require.Len(t, rec.entered, 2)

	m.SetActive("1", false)
	m.Remove("2")
	m.Upsert(acct("3", "P3"))
	assert.Len(t, m.Snapshot(), 2, "queued until the loop applies them")

	m.applyPending(r.ctx, r)
	require.Len(t, rec.left, 2)
	assert.Equal(t, transition{ID: "1", MatchID: "100"}, rec.left[0])
	assert.Equal(t, transition{ID: "2", MatchID: "200"}, rec.left[1])

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap[0].Active)
	assert.False(t, snap[0].InGame)
	assert.Equal(t, "3", snap[1].ID)
	assert.Equal(t, 1, m.Status().ActiveCount)

	m.cycle(r.ctx, r)
	assert.Equal(t, 1, stub.count(func(s *stubRiot) int { return s.checks["P1"] }), "paused account not polled")
	assert.Equal(t, 1, stub.count(func(s *stubRiot) int { return s.checks["P3"] }))
}

func TestSetPollingIntervalAppliesOnRestart(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	m := newTestMonitor(newStub(), clock)
	r, err := m.prime([]accounts.TrackedAccount{acct("1", "P1")}, nil)
	require.NoError(t, err)
	m.SetPollingInterval(2 * time.Minute)
	assert.Equal(t, time.Minute, r.interval)
	m.Stop()

	r, err = m.prime([]accounts.TrackedAccount{acct("1", "P1")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, r.interval)
	assert.Equal(t, 2*time.Minute, m.cycle(r.ctx, r))
	m.Stop()
}

func TestCheckNow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	stub := newStub()
	stub.active["P1"] = &riotapi.ActiveMatch{GameID: 100}
	m := newTestMonitor(stub, clock)
	rec := &recorder{}
	_, err := m.prime([]accounts.TrackedAccount{acct("1", "P1")}, rec)
	require.NoError(t, err)

	s, err := m.CheckNow(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "100", s.ID)
	assert.False(t, stateOf(t, m, "1").InGame, "one-off checks do not change state")
	entered, _ := rec.counts()
	assert.Zero(t, entered)

	_, err = m.CheckNow(context.Background(), "nope")
	assert.ErrorIs(t, err, accounts.ErrUnknown)
}

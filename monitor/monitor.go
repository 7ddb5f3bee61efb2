// Package monitor polls tracked accounts for live matches and reports
// entered/left transitions to an Observer.
//
// A single goroutine owns the account list while monitoring runs. It ticks on
// a clockwork timer, probes connectivity first, then checks each active
// account in order. A negative primary lookup is confirmed against recent
// match history (secondary verification) and the outcome is cached per
// platform id for a short TTL. Caller mutations (Upsert, Remove, SetActive)
// are queued and applied by the loop between ticks.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/riotapi"
	"github.com/onnwee/lol-autostream/telemetry"
)

var (
	// ErrNoCredential is returned by Start when no Riot API key is configured.
	ErrNoCredential = errors.New("riot api key not configured")
	// ErrNoAccounts is returned by Start when no complete, active account remains after filtering.
	ErrNoAccounts = errors.New("no active accounts to monitor")
)

// Defaults used when Options leaves a field zero.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultCacheTTL     = 2 * time.Minute
	DefaultLiveWindow   = 60 * time.Minute
	DefaultRetryBase    = 30 * time.Second
	DefaultRetryMax     = 300 * time.Second
	DefaultMaxRetries   = 5
)

// StatusClient is the subset of riotapi.Client the monitor needs.
type StatusClient interface {
	HasCredential() bool
	ResolveIdentity(ctx context.Context, handle, region string) (*riotapi.Identity, error)
	CheckActiveMatch(ctx context.Context, id riotapi.Identity) (*riotapi.ActiveMatch, error)
	RecentMatches(ctx context.Context, id riotapi.Identity, limit int) ([]riotapi.MatchSummary, error)
	Probe(ctx context.Context, region string) error
}

// Observer receives transitions on the monitor goroutine, in account order.
// Implementations must not call Stop synchronously expecting the current tick to abort.
type Observer interface {
	GameEntered(ctx context.Context, acct accounts.TrackedAccount, match MatchSession)
	GameLeft(ctx context.Context, acct accounts.TrackedAccount, prevMatchID string)
}

// Options configures a Monitor.
type Options struct {
	PollInterval time.Duration
	// VerifyDelay is waited before secondary verification; zero skips the wait.
	VerifyDelay time.Duration
	CacheTTL    time.Duration
	// LiveWindow bounds how old an unfinished match in history may be to count as live.
	LiveWindow time.Duration
	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int
	// ProbeRegion selects the status endpoint used for the connectivity probe;
	// empty uses the first monitored account's region.
	ProbeRegion string
	Clock       clockwork.Clock

	// OnFatal is called once when the loop stops on an account-independent failure.
	OnFatal func(error)
	// OnStatus is called after every cycle and on start/stop.
	OnStatus func(Status)
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.LiveWindow <= 0 {
		o.LiveWindow = DefaultLiveWindow
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = DefaultRetryMax
		if o.RetryMax < o.RetryBase {
			o.RetryMax = o.RetryBase
		}
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Running      bool          `json:"running"`
	AccountCount int           `json:"accountCount"`
	ActiveCount  int           `json:"activeCount"`
	Online       bool          `json:"online"`
	LastChecked  time.Time     `json:"lastChecked,omitzero"`
	LastError    string        `json:"lastError,omitempty"`
	RetryDelay   time.Duration `json:"retryDelay,omitempty"`
	PollInterval time.Duration `json:"pollInterval"`
}

// run is one Start..Stop lifetime of the loop. Results are only applied while
// the run is still the monitor's current one.
type run struct {
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
	obs      Observer
	interval time.Duration
	timer    clockwork.Timer
	backoff  *backoff
}

// Monitor is the polling engine. The zero value is not usable; call New.
type Monitor struct {
	client StatusClient
	opts   Options
	clock  clockwork.Clock
	log    *slog.Logger

	mu          sync.Mutex
	run         *run
	list        []accounts.TrackedAccount
	pending     []mutation
	interval    time.Duration
	online      bool
	lastChecked time.Time
	lastError   string
	retryDelay  time.Duration

	cache      *verifyCache
	identityMu sync.Mutex
	identities map[string]riotapi.Identity
}

// New returns a stopped monitor.
func New(client StatusClient, opts Options) *Monitor {
	opts.defaults()
	return &Monitor{
		client:     client,
		opts:       opts,
		clock:      opts.Clock,
		log:        slog.Default().With(slog.String("component", "monitor")),
		interval:   opts.PollInterval,
		online:     true,
		cache:      newVerifyCache(opts.CacheTTL),
		identities: make(map[string]riotapi.Identity),
	}
}

// Start begins polling accts. It is a no-op while already running.
func (m *Monitor) Start(accts []accounts.TrackedAccount, obs Observer) error {
	r, err := m.prime(accts, obs)
	if err != nil || r == nil {
		return err
	}
	go m.loop(r)
	m.notify()
	return nil
}

// prime validates and installs a new run without starting its goroutine.
// A nil run with nil error means monitoring is already active.
func (m *Monitor) prime(accts []accounts.TrackedAccount, obs Observer) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != nil {
		return nil, nil
	}
	if !m.client.HasCredential() {
		return nil, ErrNoCredential
	}
	list := accounts.Filter(accts)
	if len(list) == 0 {
		return nil, ErrNoAccounts
	}
	if obs == nil {
		obs = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		obs:      obs,
		interval: m.interval,
		backoff:  newBackoff(m.opts.RetryBase, m.opts.RetryMax, m.opts.MaxRetries),
	}
	m.run = r
	m.list = list
	m.pending = nil
	m.identityMu.Lock()
	m.identities = make(map[string]riotapi.Identity)
	m.identityMu.Unlock()
	m.online = true
	m.lastError = ""
	m.retryDelay = 0
	telemetry.SetMonitoredAccounts(len(list))
	m.log.Info("monitoring started", slog.Int("accounts", len(list)), slog.Duration("interval", r.interval))
	return r, nil
}

// Stop cancels the loop and any pending timer. Calls still in flight finish
// but their results are discarded. Safe to call when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	r := m.run
	if r == nil {
		m.mu.Unlock()
		return
	}
	m.halt(r)
	m.mu.Unlock()
	m.log.Info("monitoring stopped")
	m.notify()
}

// halt detaches r; m.mu must be held.
func (m *Monitor) halt(r *run) {
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
	}
	m.run = nil
	m.retryDelay = 0
	telemetry.SetMonitoredAccounts(0)
	telemetry.SetRetryDelay(0)
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run != nil
}

// Status returns a snapshot of the monitor state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	st := Status{
		Running:      m.run != nil,
		Online:       m.online,
		LastChecked:  m.lastChecked,
		LastError:    m.lastError,
		RetryDelay:   m.retryDelay,
		PollInterval: m.interval,
	}
	if m.run != nil {
		st.AccountCount = len(m.list)
		for _, a := range m.list {
			if a.Active {
				st.ActiveCount++
			}
		}
	}
	return st
}

func (m *Monitor) notify() {
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(m.Status())
	}
}

// SetPollingInterval changes the tick interval; it takes effect the next time
// monitoring is started.
func (m *Monitor) SetPollingInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

// Snapshot returns a copy of the monitored accounts with their current state.
func (m *Monitor) Snapshot() []accounts.TrackedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]accounts.TrackedAccount, len(m.list))
	copy(out, m.list)
	return out
}

func (m *Monitor) loop(r *run) {
	defer close(r.done)
	for {
		next := m.cycle(r.ctx, r)
		if r.ctx.Err() != nil {
			return
		}
		t := m.clock.NewTimer(next)
		m.mu.Lock()
		if m.run != r {
			m.mu.Unlock()
			t.Stop()
			return
		}
		r.timer = t
		m.mu.Unlock()

	wait:
		for {
			select {
			case <-r.ctx.Done():
				t.Stop()
				return
			case <-r.wake:
				m.applyPending(r.ctx, r)
			case <-t.Chan():
				break wait
			}
		}
	}
}

// cycle runs one probe+tick and returns the delay before the next one.
func (m *Monitor) cycle(ctx context.Context, r *run) time.Duration {
	m.applyPending(ctx, r)

	if err := m.client.Probe(ctx, m.probeRegion()); err != nil {
		if ctx.Err() != nil {
			return r.interval
		}
		delay := r.backoff.fail()
		telemetry.IncProbeFailure(delay)
		m.mu.Lock()
		if m.run == r {
			m.online = false
			m.retryDelay = delay
		}
		m.mu.Unlock()
		m.log.Warn("riot api unreachable, backing off",
			slog.Int("retry", r.backoff.retries), slog.Duration("delay", delay), slog.Any("err", err))
		m.notify()
		return delay
	}
	r.backoff.reset()
	telemetry.SetRetryDelay(0)
	m.mu.Lock()
	if m.run == r {
		m.online = true
		m.retryDelay = 0
	}
	m.mu.Unlock()

	start := m.clock.Now()
	err := m.tick(ctx, r)
	telemetry.IncTick(m.clock.Since(start))
	if err != nil {
		m.fatal(r, err)
		return r.interval
	}
	m.notify()
	return r.interval
}

func (m *Monitor) probeRegion() string {
	if m.opts.ProbeRegion != "" {
		return m.opts.ProbeRegion
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.list) > 0 {
		return m.list[0].Region
	}
	return ""
}

// fatal stops r after an account-independent failure and reports it.
func (m *Monitor) fatal(r *run, err error) {
	m.mu.Lock()
	if m.run != r {
		m.mu.Unlock()
		return
	}
	m.lastError = err.Error()
	m.halt(r)
	m.mu.Unlock()
	m.log.Error("monitoring stopped on fatal error", slog.Any("err", err))
	if m.opts.OnFatal != nil {
		m.opts.OnFatal(err)
	}
	m.notify()
}

type nopObserver struct{}

func (nopObserver) GameEntered(context.Context, accounts.TrackedAccount, MatchSession) {}
func (nopObserver) GameLeft(context.Context, accounts.TrackedAccount, string)          {}

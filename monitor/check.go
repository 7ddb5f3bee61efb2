package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/riotapi"
	"github.com/onnwee/lol-autostream/telemetry"
)

// Source tells which lookup produced a MatchSession.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
)

// MatchSession describes the match an account was seen in.
type MatchSession struct {
	ID           string    `json:"id"`
	GameMode     string    `json:"gameMode"`
	MapID        int64     `json:"mapId"`
	QueueID      int64     `json:"queueId"`
	Participants []string  `json:"participants"`
	ObserverKey  string    `json:"observerKey,omitempty"`
	Source       Source    `json:"source"`
	StartedAt    time.Time `json:"startedAt,omitzero"`
	CreatedAt    time.Time `json:"createdAt"`
}

func sessionFromActive(am *riotapi.ActiveMatch, now time.Time) MatchSession {
	s := MatchSession{
		ID:          am.ID(),
		GameMode:    am.GameMode,
		MapID:       am.MapID,
		QueueID:     am.QueueID,
		ObserverKey: am.ObserverKey,
		Source:      SourcePrimary,
		StartedAt:   am.StartedAt,
		CreatedAt:   now,
	}
	for _, p := range am.Participants {
		name := p.RiotID
		if name == "" {
			name = p.PUUID
		}
		s.Participants = append(s.Participants, name)
	}
	return s
}

func sessionFromSummary(ms riotapi.MatchSummary, now time.Time) MatchSession {
	return MatchSession{
		ID:           ms.ID,
		GameMode:     ms.GameMode,
		MapID:        ms.MapID,
		QueueID:      ms.QueueID,
		Participants: ms.Participants,
		Source:       SourceSecondary,
		StartedAt:    ms.StartedAt,
		CreatedAt:    now,
	}
}

// verifyCache holds secondary verification outcomes keyed by platform id.
type verifyCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	InGame bool
	Match  *MatchSession
	At     time.Time
}

func newVerifyCache(ttl time.Duration) *verifyCache {
	return &verifyCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *verifyCache) get(key string, now time.Time) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.Sub(e.At) >= c.ttl {
		return cacheEntry{}, false
	}
	return e, true
}

func (c *verifyCache) put(key string, e cacheEntry) {
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *verifyCache) drop(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *verifyCache) evict(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.At) >= c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *verifyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// tick checks every active account once, sequentially. It returns an error
// only for failures that are not specific to one account.
func (m *Monitor) tick(ctx context.Context, r *run) error {
	ctx, span := telemetry.StartSpan(ctx, "monitor", "tick")
	defer span.End()

	now := m.clock.Now()
	if n := m.cache.evict(now); n > 0 {
		m.log.Debug("evicted verification cache entries", slog.Int("count", n))
	}

	list := m.Snapshot()
	span.SetAttributes(attribute.Int("accounts", len(list)))
	for _, a := range list {
		if ctx.Err() != nil {
			return nil
		}
		if !a.Active {
			continue
		}
		session, err := m.observe(ctx, a)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, riotapi.ErrAuthFailed) {
				telemetry.RecordError(span, err)
				return err
			}
			kind := errorKind(err)
			telemetry.IncAccountError(kind)
			m.log.Warn("account check failed", slog.String("handle", a.Handle), slog.String("kind", kind), slog.Any("err", err))
			continue
		}
		m.apply(ctx, r, a.ID, session)
	}
	return nil
}

// apply records one observation and fires the matching transition.
func (m *Monitor) apply(ctx context.Context, r *run, id string, session *MatchSession) {
	now := m.clock.Now()
	m.mu.Lock()
	if m.run != r {
		m.mu.Unlock()
		return
	}
	i := indexOf(m.list, id)
	if i < 0 {
		m.mu.Unlock()
		return
	}
	cur := &m.list[i]
	cur.LastChecked = now
	m.lastChecked = now
	prev := cur.MatchID
	var entered, left bool
	switch {
	case session != nil && !cur.InGame:
		cur.InGame, cur.MatchID = true, session.ID
		entered = true
	case session != nil && cur.MatchID != session.ID:
		// a new game started before the previous one was seen ending
		cur.MatchID = session.ID
	case session == nil && cur.InGame:
		cur.InGame, cur.MatchID = false, ""
		left = true
	}
	acct := *cur
	m.mu.Unlock()

	cbCtx := context.WithoutCancel(ctx)
	switch {
	case entered:
		telemetry.RecordTransition("entered")
		m.log.Info("account entered game", slog.String("handle", acct.Handle), slog.String("match", session.ID), slog.String("source", string(session.Source)))
		r.obs.GameEntered(cbCtx, acct, *session)
	case left:
		telemetry.RecordTransition("left")
		m.log.Info("account left game", slog.String("handle", acct.Handle), slog.String("match", prev))
		r.obs.GameLeft(cbCtx, acct, prev)
	}
}

// observe returns the account's current match, or nil when it is not in one.
func (m *Monitor) observe(ctx context.Context, a accounts.TrackedAccount) (*MatchSession, error) {
	id, err := m.identity(ctx, a)
	if err != nil {
		return nil, err
	}
	am, err := m.client.CheckActiveMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if am != nil {
		m.cache.drop(a.PlatformID)
		s := sessionFromActive(am, now)
		return &s, nil
	}
	if e, ok := m.cache.get(a.PlatformID, now); ok {
		telemetry.RecordVerification("cached")
		if e.InGame {
			return e.Match, nil
		}
		return nil, nil
	}
	return m.verify(ctx, a, id)
}

// verify confirms an absent primary result against recent match history.
func (m *Monitor) verify(ctx context.Context, a accounts.TrackedAccount, id riotapi.Identity) (*MatchSession, error) {
	if d := m.opts.VerifyDelay; d > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(d):
		}
	}
	recent, err := m.client.RecentMatches(ctx, id, 1)
	if err != nil {
		telemetry.RecordVerification("error")
		return nil, fmt.Errorf("secondary verification: %w", err)
	}
	now := m.clock.Now()
	if len(recent) > 0 && m.stillLive(recent[0], now) {
		s := sessionFromSummary(recent[0], now)
		m.cache.put(a.PlatformID, cacheEntry{InGame: true, Match: &s, At: now})
		telemetry.RecordVerification("live")
		m.log.Debug("secondary verification found live match", slog.String("handle", a.Handle), slog.String("match", s.ID))
		return &s, nil
	}
	m.cache.put(a.PlatformID, cacheEntry{At: now})
	telemetry.RecordVerification("absent")
	return nil, nil
}

func (m *Monitor) stillLive(ms riotapi.MatchSummary, now time.Time) bool {
	if !ms.Ongoing() || ms.StartedAt.IsZero() {
		return false
	}
	age := now.Sub(ms.StartedAt)
	return age >= 0 && age <= m.opts.LiveWindow
}

// identity builds the lookup identity for a, resolving it at most once per run
// for records stored without a summoner id. A failed or mismatched resolution
// is remembered as the stored ids; spectator and match lookups key on the PUUID.
func (m *Monitor) identity(ctx context.Context, a accounts.TrackedAccount) (riotapi.Identity, error) {
	base := riotapi.Identity{PUUID: a.PlatformID, SummonerID: a.SummonerID, Platform: a.Region}
	if a.SummonerID != "" {
		return base, nil
	}
	m.identityMu.Lock()
	cached, ok := m.identities[a.PlatformID]
	m.identityMu.Unlock()
	if ok {
		return cached, nil
	}
	id, err := m.client.ResolveIdentity(ctx, a.Handle, a.Region)
	if err != nil {
		if riotapi.IsFatal(err) {
			return base, err
		}
		m.log.Debug("identity refresh failed, using stored ids", slog.String("handle", a.Handle), slog.Any("err", err))
		m.rememberIdentity(base)
		return base, nil
	}
	if id.PUUID != a.PlatformID {
		m.log.Warn("resolved identity differs from stored platform id", slog.String("handle", a.Handle))
		m.rememberIdentity(base)
		return base, nil
	}
	m.rememberIdentity(*id)
	return *id, nil
}

func (m *Monitor) rememberIdentity(id riotapi.Identity) {
	m.identityMu.Lock()
	m.identities[id.PUUID] = id
	m.identityMu.Unlock()
}

// CheckNow runs a one-off check for a monitored account outside the loop and
// returns what it observed without changing state or firing callbacks.
func (m *Monitor) CheckNow(ctx context.Context, id string) (*MatchSession, error) {
	m.mu.Lock()
	i := indexOf(m.list, id)
	var a accounts.TrackedAccount
	if i >= 0 {
		a = m.list[i]
	}
	m.mu.Unlock()
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", accounts.ErrUnknown, id)
	}
	return m.Check(ctx, a)
}

// Check observes an arbitrary complete account, monitored or not.
func (m *Monitor) Check(ctx context.Context, a accounts.TrackedAccount) (*MatchSession, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("%w: %s is not resolved", accounts.ErrInvalid, a.Handle)
	}
	return m.observe(ctx, a)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, riotapi.ErrNotFound):
		return "not_found"
	case errors.Is(err, riotapi.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, riotapi.ErrOffline):
		return "offline"
	default:
		return "api"
	}
}

func indexOf(list []accounts.TrackedAccount, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// Package oauth keeps persisted provider tokens fresh. A Refresher wakes up
// periodically with jitter and refreshes a token once its remaining lifetime
// falls inside the configured window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TokenStore is the subset of store.TokenVault / db.TokenStore the refresher needs.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
}

// Refresher refreshes a single provider's token.
type Refresher struct {
	Store    TokenStore
	Provider string
	// Interval is how often to wake up and check (default 5m).
	Interval time.Duration
	// Window triggers a refresh when remaining lifetime <= Window (default 15m).
	Window  time.Duration
	Refresh RefreshFunc
	Clock   clockwork.Clock
}

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 15 * time.Minute
	}
	if r.Clock == nil {
		r.Clock = clockwork.NewRealClock()
	}
}

// StartRefresher launches a goroutine that periodically checks the provider's
// token and refreshes it.
func StartRefresher(ctx context.Context, store TokenStore, provider string, interval, window time.Duration, fn RefreshFunc) {
	r := &Refresher{Store: store, Provider: provider, Interval: interval, Window: window, Refresh: fn}
	go r.Run(ctx)
}

// Run blocks until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	r.defaults()
	log := slog.Default().With(slog.String("component", "oauth"), slog.String("provider", r.Provider))

	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(r.Interval/2) + 1))
	select {
	case <-ctx.Done():
		return
	case <-r.Clock.After(initialJitter):
	}
	for {
		if _, err := r.Check(ctx); err != nil {
			log.Warn("token refresh failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-r.Clock.After(r.nextSleep()):
		}
	}
}

// nextSleep is Interval +/- 20%, never below Interval/2.
func (r *Refresher) nextSleep() time.Duration {
	jitterRange := int64(r.Interval / 5)
	if jitterRange <= 0 {
		return r.Interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
	next := r.Interval + jitter
	if next < r.Interval/2 {
		next = r.Interval / 2
	}
	return next
}

// Check refreshes the token if it is inside the window. It reports whether a
// refresh happened.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	r.defaults()
	at, rt, exp, scope, err := r.Store.GetOAuthToken(ctx, r.Provider)
	if err != nil {
		return false, err
	}
	if at == "" || rt == "" {
		return false, nil
	}
	if exp.Sub(r.Clock.Now()) > r.Window {
		return false, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := r.Refresh(ctx2, rt)
	cancel()
	if err != nil {
		return false, err
	}
	if newRT == "" {
		newRT = rt
	}
	if newScope == "" {
		newScope = scope
	}
	if err := r.Store.UpsertOAuthToken(ctx, r.Provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		return false, err
	}
	slog.Info("token refreshed", slog.String("component", "oauth"), slog.String("provider", r.Provider))
	return true, nil
}

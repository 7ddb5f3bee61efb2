package twitchapi

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func seed(t *testing.T, vault TokenStore, access, refresh string, expiry time.Time) {
	t.Helper()
	require.NoError(t, vault.UpsertOAuthToken(context.Background(), Provider, access, refresh, expiry, ScopeManageBroadcast))
}

func authorized(t *testing.T, f *fakeTwitch, vault TokenStore) *Updater {
	t.Helper()
	f.grant("good")
	seed(t, vault, "good", "good-refresh", time.Now().Add(time.Hour))
	u := f.updater(t, vault)
	ok, err := u.Authorize(context.Background(), "cid", "secret", "")
	require.NoError(t, err)
	require.True(t, ok)
	return u
}

func storedAccess(t *testing.T, vault TokenStore) string {
	t.Helper()
	access, _, _, _, err := vault.GetOAuthToken(context.Background(), Provider)
	require.NoError(t, err)
	return access
}

func TestAuthorizeWithoutStoredToken(t *testing.T) {
	f := newFakeTwitch(t)
	u := f.updater(t, newVault())

	ok, err := u.Authorize(context.Background(), "cid", "secret", "foostreams")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.count("validate"))
	assert.Zero(t, f.count("token"))
}

func TestAuthorizeRequiresCredentials(t *testing.T) {
	f := newFakeTwitch(t)
	u := f.updater(t, newVault())
	_, err := u.Authorize(context.Background(), "", "secret", "x")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestAuthorizeValidStoredToken(t *testing.T) {
	f := newFakeTwitch(t)
	vault := newVault()
	var changes []Status
	f.grant("good")
	seed(t, vault, "good", "good-refresh", time.Now().Add(time.Hour))
	u := f.updater(t, vault, func(o *Options) { o.OnStateChange = func(s Status) { changes = append(changes, s) } })

	ok, err := u.Authorize(context.Background(), "cid", "secret", "")
	require.NoError(t, err)
	require.True(t, ok)

	st := u.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "foostreams", st.ChannelName, "channel defaults to the token owner")
	assert.WithinDuration(t, time.Now().Add(time.Hour), st.ExpiresAt, time.Minute)
	assert.Equal(t, 1, f.count("validate"))
	assert.Zero(t, f.count("token"))
	assert.Equal(t, 1, f.count("GET users"))
	require.NotEmpty(t, changes)
	assert.True(t, changes[len(changes)-1].Connected)
}

func TestAuthorizeRefreshesRejectedToken(t *testing.T) {
	f := newFakeTwitch(t)
	vault := newVault()
	f.refreshable["r1"] = "fresh"
	seed(t, vault, "stale", "r1", time.Now().Add(time.Hour))
	u := f.updater(t, vault)

	ok, err := u.Authorize(context.Background(), "cid", "secret", "foostreams")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, f.count("validate"))
	assert.Equal(t, 1, f.count("token"))
	assert.Equal(t, "fresh", storedAccess(t, vault))
}

func TestAuthorizeRefreshesExpiredTokenWithoutValidating(t *testing.T) {
	f := newFakeTwitch(t)
	vault := newVault()
	f.refreshable["r1"] = "fresh"
	seed(t, vault, "old", "r1", time.Now().Add(-time.Minute))
	u := f.updater(t, vault)

	ok, err := u.Authorize(context.Background(), "cid", "secret", "foostreams")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.count("validate"), "only the refreshed token is validated")
}

func TestAuthorizeClearsTokensWhenRefreshRejected(t *testing.T) {
	f := newFakeTwitch(t)
	vault := newVault()
	seed(t, vault, "stale", "revoked", time.Now().Add(time.Hour))
	u := f.updater(t, vault)

	ok, err := u.Authorize(context.Background(), "cid", "secret", "foostreams")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, storedAccess(t, vault))
	assert.False(t, u.Status().Connected)
}

func TestAuthorizeKeepsTokensWhenRefreshFailsTransiently(t *testing.T) {
	f := newFakeTwitch(t)
	vault := newVault()
	f.refreshable["r1"] = "fresh"
	f.tokenStatus = http.StatusServiceUnavailable
	seed(t, vault, "old", "r1", time.Now().Add(-time.Minute))
	u := f.updater(t, vault)

	ok, err := u.Authorize(context.Background(), "cid", "secret", "foostreams")
	require.Error(t, err)
	assert.False(t, IsRevoked(err))
	assert.False(t, ok)
	assert.Equal(t, "old", storedAccess(t, vault))

	f.mu.Lock()
	f.tokenStatus = 0
	f.mu.Unlock()
	ok, err = u.Authorize(context.Background(), "cid", "secret", "foostreams")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", storedAccess(t, vault))
}

func TestAuthorizeClearsTokenWithoutRequiredScope(t *testing.T) {
	f := newFakeTwitch(t)
	vault := newVault()
	f.valid["limited"] = []string{"user:read:email"}
	seed(t, vault, "limited", "limited-refresh", time.Now().Add(time.Hour))
	u := f.updater(t, vault)

	ok, err := u.Authorize(context.Background(), "cid", "secret", "foostreams")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, storedAccess(t, vault))
}

func TestAuthorizeUnknownChannel(t *testing.T) {
	f := newFakeTwitch(t)
	vault := newVault()
	f.grant("good")
	seed(t, vault, "good", "good-refresh", time.Now().Add(time.Hour))
	u := f.updater(t, vault)

	ok, err := u.Authorize(context.Background(), "cid", "secret", "nobody")
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.False(t, ok)
	assert.False(t, u.Status().Connected)
}

func TestUpdateStreamInfoCategories(t *testing.T) {
	tests := []struct {
		category string
		want     string
	}{
		{"Teamfight Tactics", "513143"},
		{"League of Legends", "21779"},
		{"Made Up Game", DefaultCategoryID},
		{"", DefaultCategoryID},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			f := newFakeTwitch(t)
			u := authorized(t, f, newVault())

			require.NoError(t, u.UpdateStreamInfo(context.Background(), "Foo playing League", tt.category))
			require.Len(t, f.patches, 1)
			assert.Equal(t, "Foo playing League", f.patches[0]["title"])
			assert.Equal(t, tt.want, f.patches[0]["game_id"])
			assert.Equal(t, "42", f.patches[0]["broadcaster_id"])
		})
	}
}

func TestUpdateStreamInfoRequiresAuthorization(t *testing.T) {
	f := newFakeTwitch(t)
	u := f.updater(t, newVault())
	assert.ErrorIs(t, u.UpdateStreamInfo(context.Background(), "t", "League of Legends"), ErrNotAuthorized)
	assert.Zero(t, f.count("PATCH channels"))
}

func TestUpdateStreamInfoRefreshesOnUnauthorized(t *testing.T) {
	f := newFakeTwitch(t)
	vault := newVault()
	u := authorized(t, f, vault)

	f.mu.Lock()
	delete(f.valid, "good")
	f.refreshable["good-refresh"] = "rotated"
	f.mu.Unlock()

	require.NoError(t, u.UpdateStreamInfo(context.Background(), "title", "League of Legends"))
	assert.Equal(t, 1, f.count("token"))
	assert.Equal(t, "rotated", storedAccess(t, vault))
	require.Len(t, f.patches, 1)
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	f := newFakeTwitch(t)
	u := authorized(t, f, newVault())

	f.mu.Lock()
	f.helixStatus = 500
	f.mu.Unlock()

	ctx := context.Background()
	assert.Error(t, u.UpdateStreamInfo(ctx, "t", "League of Legends"))
	assert.Error(t, u.UpdateStreamInfo(ctx, "t", "League of Legends"))
	// The fifth consecutive failure (the third lookup) trips the breaker.
	err := u.UpdateStreamInfo(ctx, "t", "League of Legends")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, f.count("PATCH channels"))
}

func TestInteractiveAuthorization(t *testing.T) {
	f := newFakeTwitch(t)
	vault := newVault()
	f.codes["code1"] = "interactive"

	var u *Updater
	errc := make(chan error, 1)
	u = f.updater(t, vault, func(o *Options) {
		o.Channel = "FooStreams"
		o.Opener = func(ctx context.Context, authURL string) error {
			parsed, err := url.Parse(authURL)
			if err != nil {
				return err
			}
			q := parsed.Query()
			assert.Equal(t, "cid", q.Get("client_id"))
			assert.Equal(t, ScopeManageBroadcast, q.Get("scope"))
			assert.Equal(t, "http://localhost:8080/auth/twitch/callback", q.Get("redirect_uri"))
			go func() { errc <- u.CompleteAuthorization(context.Background(), q.Get("state"), "code1") }()
			return nil
		}
	})

	require.NoError(t, u.BeginInteractiveAuthorization(context.Background()))
	require.NoError(t, <-errc)
	st := u.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "foostreams", st.ChannelName)
	assert.Equal(t, "interactive", storedAccess(t, vault))
}

func TestCompleteAuthorizationUnknownState(t *testing.T) {
	f := newFakeTwitch(t)
	u := f.updater(t, newVault())
	assert.ErrorIs(t, u.CompleteAuthorization(context.Background(), "forged", "code"), ErrUnknownState)
}

func TestCompleteAuthorizationBadCode(t *testing.T) {
	f := newFakeTwitch(t)
	u := f.updater(t, newVault())
	_, state, err := u.AuthCodeURL()
	require.NoError(t, err)

	err = u.CompleteAuthorization(context.Background(), state, "nope")
	var re *oauth2.RetrieveError
	assert.ErrorAs(t, err, &re)
	assert.False(t, u.Status().Connected)
	assert.ErrorIs(t, u.CompleteAuthorization(context.Background(), state, "nope"), ErrUnknownState, "state is single use")
}

func TestInteractiveAuthorizationTimesOut(t *testing.T) {
	f := newFakeTwitch(t)
	clock := clockwork.NewFakeClock()
	u := f.updater(t, newVault(), func(o *Options) {
		o.Clock = clock
		o.AuthTimeout = time.Minute
		o.Opener = func(context.Context, string) error { return nil }
	})

	errc := make(chan error, 1)
	go func() { errc <- u.BeginInteractiveAuthorization(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	select {
	case err := <-errc:
		assert.ErrorContains(t, err, "timed out")
	case <-ctx.Done():
		t.Fatal("authorization did not time out")
	}
}

func TestStreamInfo(t *testing.T) {
	f := newFakeTwitch(t)
	u := authorized(t, f, newVault())
	ctx := context.Background()

	offline, err := u.GetStreamInfo(ctx)
	require.NoError(t, err)
	assert.Nil(t, offline)

	f.mu.Lock()
	f.live = true
	f.mu.Unlock()

	info, err := u.GetStreamInfo(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "live now", info.Title)
	assert.Equal(t, 12, info.ViewerCount)

	title, category, err := u.ChannelInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "current title", title)
	assert.Equal(t, "League of Legends", category)
}

func TestDisconnectClearsTokens(t *testing.T) {
	f := newFakeTwitch(t)
	vault := newVault()
	u := authorized(t, f, vault)

	require.NoError(t, u.Disconnect(context.Background()))
	assert.False(t, u.Status().Connected)
	assert.Empty(t, storedAccess(t, vault))
	assert.ErrorIs(t, u.UpdateStreamInfo(context.Background(), "t", ""), ErrNotAuthorized)
}

func TestRefreshWith(t *testing.T) {
	f := newFakeTwitch(t)
	u := authorized(t, f, newVault())
	f.mu.Lock()
	f.refreshable["good-refresh"] = "background"
	f.mu.Unlock()

	access, refresh, exp, scope, err := u.RefreshWith(context.Background(), "good-refresh")
	require.NoError(t, err)
	assert.Equal(t, "background", access)
	assert.Equal(t, "background-refresh", refresh)
	assert.Equal(t, ScopeManageBroadcast, scope)
	assert.WithinDuration(t, time.Now().Add(4*time.Hour), exp, time.Minute)

	_, _, _, _, err = u.RefreshWith(context.Background(), "unknown")
	assert.True(t, IsRevoked(err))
	assert.False(t, u.Status().Connected)
}

func TestComputeExpiry(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Hour), ComputeExpiry(now, 0))
	assert.Equal(t, now.Add(90*time.Second), ComputeExpiry(now, 90))
}

package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

var ErrNotConnected = errors.New("chat: not connected")

// ircClient is the part of *twitch.Client the announcer drives.
type ircClient interface {
	OnConnect(func())
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// Announcer says things in one channel.
type Announcer struct {
	client    ircClient
	channel   string
	connected atomic.Bool
	retry     time.Duration
}

// NewAnnouncer builds an announcer for channel; call Run to connect.
func NewAnnouncer(username, oauthToken, channel string) *Announcer {
	if !strings.HasPrefix(oauthToken, "oauth:") {
		oauthToken = "oauth:" + oauthToken
	}
	return newAnnouncer(twitch.NewClient(username, oauthToken), channel)
}

func newAnnouncer(c ircClient, channel string) *Announcer {
	a := &Announcer{client: c, channel: strings.ToLower(strings.TrimPrefix(channel, "#")), retry: 30 * time.Second}
	c.OnConnect(func() {
		a.connected.Store(true)
		slog.Info("twitch chat connected", slog.String("component", "chat"), slog.String("channel", a.channel))
	})
	c.Join(a.channel)
	return a
}

// Run keeps the IRC connection open until ctx is done, reconnecting after errors.
func (a *Announcer) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = a.client.Disconnect()
	}()
	for {
		err := a.client.Connect()
		a.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("twitch chat connection lost", slog.String("component", "chat"), slog.Any("err", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.retry):
		}
	}
}

// Announce posts text to the channel.
func (a *Announcer) Announce(_ context.Context, text string) error {
	if !a.connected.Load() {
		return ErrNotConnected
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	a.client.Say(a.channel, text)
	return nil
}

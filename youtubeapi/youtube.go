// Package youtubeapi mirrors the stream title to the channel's active YouTube
// live broadcast. Tokens are persisted via the provided TokenStore so they
// can be refreshed and reused across restarts.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/lol-autostream/config"
)

const provider = "youtube"

// ScopeYouTube allows editing live broadcasts.
const ScopeYouTube = "https://www.googleapis.com/auth/youtube"

// ErrNoBroadcast means the channel has no active or upcoming broadcast to retitle.
var ErrNoBroadcast = errors.New("no active youtube broadcast")

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, scope string, err error)
}

type Service struct {
	db    TokenStore
	oauth *oauth2.Config
	// endpoint overrides the Data API base path (tests).
	endpoint string
}

func New(cfg *config.Config, ts TokenStore) *Service {
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       []string{ScopeYouTube},
	}
	return &Service{db: ts, oauth: oauth}
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, ScopeYouTube); err != nil {
		return nil, fmt.Errorf("store youtube token: %w", err)
	}
	return tok, nil
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, scope, err := s.db.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, errors.New("no youtube token stored")
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry, TokenType: "Bearer"}
	if time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return tok, err
	}
	if newTok.RefreshToken == "" {
		newTok.RefreshToken = refresh
	}
	if err := s.db.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, scope); err != nil {
		slog.Warn("failed to persist refreshed youtube token", slog.String("component", "youtube"), slog.Any("err", err))
	}
	return newTok, nil
}

func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(s.oauth.Client(ctx, tok))}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	return yt.NewService(ctx, opts...)
}

// PublishTitle retitles the active broadcast, falling back to the next upcoming one.
func (s *Service) PublishTitle(ctx context.Context, title string) error {
	svc, err := s.Client(ctx)
	if err != nil {
		return err
	}
	var target *yt.LiveBroadcast
	for _, status := range []string{"active", "upcoming"} {
		res, err := svc.LiveBroadcasts.List([]string{"id", "snippet"}).BroadcastStatus(status).MaxResults(1).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("list %s broadcasts: %w", status, err)
		}
		if len(res.Items) > 0 {
			target = res.Items[0]
			break
		}
	}
	if target == nil || target.Snippet == nil {
		return ErrNoBroadcast
	}
	// Snippet updates must resend scheduledStartTime.
	snippet := &yt.LiveBroadcastSnippet{
		Title:              title,
		Description:        target.Snippet.Description,
		ScheduledStartTime: target.Snippet.ScheduledStartTime,
	}
	_, err = svc.LiveBroadcasts.Update([]string{"snippet"}, &yt.LiveBroadcast{Id: target.Id, Snippet: snippet}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("youtube update broadcast: %w", err)
	}
	slog.Info("updated youtube broadcast title", slog.String("component", "youtube"), slog.String("broadcast", target.Id))
	return nil
}

// RefreshWith exchanges refreshToken for a new token; it matches oauth.RefreshFunc.
func (s *Service) RefreshWith(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok.AccessToken, tok.RefreshToken, tok.Expiry, ScopeYouTube, nil
}

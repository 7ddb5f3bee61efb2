package riotapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Participant is one player in an active match.
type Participant struct {
	PUUID      string `json:"puuid"`
	RiotID     string `json:"riotId"`
	ChampionID int64  `json:"championId"`
	TeamID     int64  `json:"teamId"`
}

// ActiveMatch is the spectator-v5 view of a match in progress.
type ActiveMatch struct {
	GameID       int64
	PlatformID   string
	GameMode     string
	GameType     string
	MapID        int64
	QueueID      int64
	StartedAt    time.Time
	ObserverKey  string
	Participants []Participant
}

// ID returns the match id as used across the service.
func (m ActiveMatch) ID() string { return strconv.FormatInt(m.GameID, 10) }

type activeGameDTO struct {
	GameID            int64         `json:"gameId"`
	PlatformID        string        `json:"platformId"`
	GameMode          string        `json:"gameMode"`
	GameType          string        `json:"gameType"`
	MapID             int64         `json:"mapId"`
	GameQueueConfigID int64         `json:"gameQueueConfigId"`
	GameStartTime     int64         `json:"gameStartTime"`
	Participants      []Participant `json:"participants"`
	Observers         struct {
		EncryptionKey string `json:"encryptionKey"`
	} `json:"observers"`
}

// CheckActiveMatch returns the match the identity is currently playing, or
// (nil, nil) when the spectator endpoint reports no active game.
func (c *Client) CheckActiveMatch(ctx context.Context, id Identity) (*ActiveMatch, error) {
	p, ok := LookupPlatform(id.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: unknown platform %q", ErrInvalid, id.Platform)
	}
	var g activeGameDTO
	err := c.getJSON(ctx, "spectator.active-game", p.Host, "/lol/spectator/v5/active-games/by-summoner/"+url.PathEscape(id.PUUID), &g)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	m := &ActiveMatch{
		GameID:       g.GameID,
		PlatformID:   g.PlatformID,
		GameMode:     g.GameMode,
		GameType:     g.GameType,
		MapID:        g.MapID,
		QueueID:      g.GameQueueConfigID,
		ObserverKey:  g.Observers.EncryptionKey,
		Participants: g.Participants,
	}
	if m.PlatformID == "" {
		m.PlatformID = p.Code
	}
	if g.GameStartTime > 0 {
		m.StartedAt = time.UnixMilli(g.GameStartTime).UTC()
	}
	return m, nil
}

// MatchSummary is the part of a match-v5 record the monitor cares about.
// EndedAt is zero while the match has no end timestamp.
type MatchSummary struct {
	ID           string
	GameMode     string
	QueueID      int64
	MapID        int64
	StartedAt    time.Time
	EndedAt      time.Time
	Participants []string
}

// Ongoing reports whether the match has no end timestamp yet.
func (m MatchSummary) Ongoing() bool { return m.EndedAt.IsZero() }

type matchDTO struct {
	Metadata struct {
		MatchID      string   `json:"matchId"`
		Participants []string `json:"participants"`
	} `json:"metadata"`
	Info struct {
		GameCreation       int64  `json:"gameCreation"`
		GameStartTimestamp int64  `json:"gameStartTimestamp"`
		GameEndTimestamp   int64  `json:"gameEndTimestamp"`
		GameMode           string `json:"gameMode"`
		QueueID            int64  `json:"queueId"`
		MapID              int64  `json:"mapId"`
	} `json:"info"`
}

// RecentMatches returns up to limit of the identity's most recent matches, newest first.
func (c *Client) RecentMatches(ctx context.Context, id Identity, limit int) ([]MatchSummary, error) {
	p, ok := LookupPlatform(id.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: unknown platform %q", ErrInvalid, id.Platform)
	}
	if limit <= 0 {
		limit = 1
	}
	var ids []string
	path := fmt.Sprintf("/lol/match/v5/matches/by-puuid/%s/ids?start=0&count=%d", url.PathEscape(id.PUUID), limit)
	if err := c.getJSON(ctx, "match.ids", p.MatchRoute, path, &ids); err != nil {
		return nil, err
	}
	out := make([]MatchSummary, 0, len(ids))
	for _, mid := range ids {
		var m matchDTO
		if err := c.getJSON(ctx, "match.detail", p.MatchRoute, "/lol/match/v5/matches/"+url.PathEscape(mid), &m); err != nil {
			return nil, err
		}
		s := MatchSummary{
			ID:           mid,
			GameMode:     m.Info.GameMode,
			QueueID:      m.Info.QueueID,
			MapID:        m.Info.MapID,
			Participants: m.Metadata.Participants,
		}
		start := m.Info.GameStartTimestamp
		if start == 0 {
			start = m.Info.GameCreation
		}
		if start > 0 {
			s.StartedAt = time.UnixMilli(start).UTC()
		}
		if m.Info.GameEndTimestamp > 0 {
			s.EndedAt = time.UnixMilli(m.Info.GameEndTimestamp).UTC()
		}
		out = append(out, s)
	}
	return out, nil
}

// Probe checks that the Riot API is reachable. Any HTTP answer counts as
// online; only transport failures are reported, as ErrOffline.
func (c *Client) Probe(ctx context.Context, region string) error {
	p, ok := LookupPlatform(region)
	if !ok {
		p = platforms[0]
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := c.getJSON(ctx, "status.platform-data", p.Host, "/lol/status/v4/platform-data", nil)
	if err == nil || !errors.Is(err, ErrOffline) && !errors.Is(err, errContext) {
		return nil
	}
	if errors.Is(err, errContext) {
		return fmt.Errorf("probe: %w: %v", ErrOffline, err)
	}
	return err
}

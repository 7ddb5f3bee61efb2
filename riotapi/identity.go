package riotapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Identity is a resolved League of Legends player.
type Identity struct {
	PUUID      string `json:"puuid"`
	SummonerID string `json:"summonerId,omitempty"`
	GameName   string `json:"gameName"`
	TagLine    string `json:"tagLine"`
	Platform   string `json:"platform"`
	Level      int64  `json:"summonerLevel,omitempty"`
}

// RiotID returns the name#tag form.
func (id Identity) RiotID() string {
	if id.TagLine == "" {
		return id.GameName
	}
	return id.GameName + "#" + id.TagLine
}

// ParseHandle splits "name" or "name#tag". A missing tag falls back to the
// platform's default tag line.
func ParseHandle(raw string, p Platform) (name, tag string, err error) {
	raw = strings.TrimSpace(raw)
	name, tag = raw, ""
	if i := strings.LastIndex(raw, "#"); i >= 0 {
		name, tag = strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:])
	}
	if name == "" {
		return "", "", fmt.Errorf("%w: empty account name in %q", ErrInvalid, raw)
	}
	if tag == "" {
		tag = p.DefaultTag
	}
	if tag == "" {
		return "", "", fmt.Errorf("%w: missing tag line in %q", ErrInvalid, raw)
	}
	return name, tag, nil
}

type accountDTO struct {
	PUUID    string `json:"puuid"`
	GameName string `json:"gameName"`
	TagLine  string `json:"tagLine"`
}

type summonerDTO struct {
	ID            string `json:"id"`
	PUUID         string `json:"puuid"`
	SummonerLevel int64  `json:"summonerLevel"`
}

type activeShardDTO struct {
	PUUID       string `json:"puuid"`
	Game        string `json:"game"`
	ActiveShard string `json:"activeShard"`
}

// ResolveIdentity turns a handle and region into a platform identity. Riot
// routing is not consistent for every account, so after the riot id lookup it
// tries, in order: the shard the region maps to, the shard account-v1 reports
// as active, and finally every known shard. The first summoner found wins.
func (c *Client) ResolveIdentity(ctx context.Context, handle, region string) (*Identity, error) {
	p, mapped := LookupPlatform(region)
	route := defaultAccountRoute
	if mapped {
		route = p.AccountRoute
	}
	name, tag, err := ParseHandle(handle, p)
	if err != nil {
		return nil, err
	}

	var acct accountDTO
	path := "/riot/account/v1/accounts/by-riot-id/" + url.PathEscape(name) + "/" + url.PathEscape(tag)
	if err := c.getJSON(ctx, "account.by-riot-id", route, path, &acct); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Handle: name + "#" + tag, Region: region}
		}
		return nil, err
	}
	id := &Identity{PUUID: acct.PUUID, GameName: acct.GameName, TagLine: acct.TagLine}
	log := slog.Default().With(slog.String("component", "riot"), slog.String("riot_id", id.RiotID()))

	tried := make(map[string]bool)
	if mapped {
		ok, err := c.fillSummoner(ctx, id, p)
		if err != nil {
			return nil, err
		}
		if ok {
			return id, nil
		}
		tried[p.Code] = true
		log.Debug("summoner not on requested shard", slog.String("shard", p.Code))
	}

	var shard activeShardDTO
	err = c.getJSON(ctx, "account.active-shard", route, "/riot/account/v1/active-shards/by-game/lol/by-puuid/"+url.PathEscape(id.PUUID), &shard)
	switch {
	case err == nil:
		if sp, ok := LookupPlatform(shard.ActiveShard); ok {
			found, err := c.fillSummoner(ctx, id, sp)
			if err != nil {
				return nil, err
			}
			if found {
				return id, nil
			}
			tried[sp.Code] = true
		}
	case IsFatal(err):
		return nil, err
	default:
		log.Debug("active shard lookup failed", slog.Any("err", err))
	}

	for _, cand := range platforms {
		if tried[cand.Code] {
			continue
		}
		found, err := c.fillSummoner(ctx, id, cand)
		if err != nil {
			return nil, err
		}
		if found {
			log.Info("summoner found by shard probe", slog.String("shard", cand.Code))
			return id, nil
		}
	}
	return nil, &NotFoundError{Handle: id.RiotID(), Region: region, NeverPlayed: true}
}

// fillSummoner looks up the summoner on p. It returns (false, nil) when the
// shard has no summoner for the account or answered with a non-fatal error.
func (c *Client) fillSummoner(ctx context.Context, id *Identity, p Platform) (bool, error) {
	var s summonerDTO
	err := c.getJSON(ctx, "summoner.by-puuid", p.Host, "/lol/summoner/v4/summoners/by-puuid/"+url.PathEscape(id.PUUID), &s)
	if err != nil {
		if IsFatal(err) {
			return false, err
		}
		return false, nil
	}
	id.SummonerID = s.ID
	id.Level = s.SummonerLevel
	id.Platform = p.Code
	return true, nil
}

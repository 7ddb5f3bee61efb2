// Package accounts holds the TrackedAccount record and its persistence.
//
// Records arrive from an untyped store (JSON written by older versions, by
// hand, or by a UI), so everything read back goes through Normalize. Malformed
// entries are skipped with a logged reason instead of leaking partial records
// into the monitor.
package accounts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/lol-autostream/riotapi"
)

var (
	// ErrInvalid marks malformed caller input or stored records.
	ErrInvalid = errors.New("invalid account")
	// ErrDuplicate is returned when an account with the same platform identity is already tracked.
	ErrDuplicate = errors.New("account already tracked")
	// ErrUnknown is returned for ids that are not tracked.
	ErrUnknown = errors.New("account not tracked")
)

// TrackedAccount is a player registered for monitoring.
type TrackedAccount struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	Region      string    `json:"region"`
	PlatformID  string    `json:"platformId"`
	SummonerID  string    `json:"summonerId,omitempty"`
	Active      bool      `json:"active"`
	InGame      bool      `json:"inGame"`
	MatchID     string    `json:"matchId,omitempty"`
	LastChecked time.Time `json:"lastChecked,omitzero"`
	AddedAt     time.Time `json:"addedAt,omitzero"`
}

// Complete reports whether the account carries a resolved identity and region.
func (a TrackedAccount) Complete() bool {
	return a.PlatformID != "" && a.Region != ""
}

// DisplayName is the name part of the handle.
func (a TrackedAccount) DisplayName() string {
	if i := strings.LastIndex(a.Handle, "#"); i > 0 {
		return a.Handle[:i]
	}
	return a.Handle
}

// FromIdentity builds a new active account for a freshly resolved identity.
func FromIdentity(id riotapi.Identity, now time.Time) TrackedAccount {
	return TrackedAccount{
		ID:         uuid.NewString(),
		Handle:     id.RiotID(),
		Region:     id.Platform,
		PlatformID: id.PUUID,
		SummonerID: id.SummonerID,
		Active:     true,
		AddedAt:    now.UTC(),
	}
}

// Normalize validates a decoded record and repairs what can be repaired:
// region codes are canonicalized, a missing id is generated, and the
// in-game flag is made consistent with the match id.
func Normalize(a TrackedAccount) (TrackedAccount, error) {
	a.Handle = strings.TrimSpace(a.Handle)
	a.PlatformID = strings.TrimSpace(a.PlatformID)
	if a.Handle == "" {
		return a, fmt.Errorf("%w: missing handle", ErrInvalid)
	}
	if a.PlatformID == "" {
		return a, fmt.Errorf("%w: %s has no resolved platform id", ErrInvalid, a.Handle)
	}
	p, ok := riotapi.LookupPlatform(a.Region)
	if !ok {
		return a, fmt.Errorf("%w: %s has unknown region %q", ErrInvalid, a.Handle, a.Region)
	}
	a.Region = p.Code
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.MatchID = strings.TrimSpace(a.MatchID)
	a.InGame = a.MatchID != ""
	return a, nil
}

// Filter returns the accounts worth polling: complete, active, and unique by
// platform id with the first occurrence kept.
func Filter(in []TrackedAccount) []TrackedAccount {
	seen := make(map[string]bool, len(in))
	out := make([]TrackedAccount, 0, len(in))
	for _, a := range in {
		if !a.Complete() || !a.Active || seen[a.PlatformID] {
			continue
		}
		seen[a.PlatformID] = true
		out = append(out, a)
	}
	return out
}

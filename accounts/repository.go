package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/lol-autostream/store"
)

// Repository persists the tracked-account list as one JSON document under store.KeyAccounts.
type Repository struct {
	kv store.KV
	mu sync.Mutex
}

// NewRepository returns a repository over kv.
func NewRepository(kv store.KV) *Repository {
	return &Repository{kv: kv}
}

// record accepts the current field names and the ones written by the
// original desktop app (summonerName, puuid, isActive, gameId, dateAdded).
type record struct {
	TrackedAccount
	SummonerName string          `json:"summonerName"`
	PUUID        string          `json:"puuid"`
	IsActive     *bool           `json:"isActive"`
	GameID       json.RawMessage `json:"gameId"`
	DateAdded    string          `json:"dateAdded"`
}

// decodeRecord reports whether the record had no id and one was generated.
func decodeRecord(raw json.RawMessage) (TrackedAccount, bool, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return TrackedAccount{}, false, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	a := r.TrackedAccount
	if a.Handle == "" {
		a.Handle = r.SummonerName
	}
	if a.PlatformID == "" {
		a.PlatformID = r.PUUID
	}
	if r.IsActive != nil {
		a.Active = *r.IsActive
	}
	if a.MatchID == "" && len(r.GameID) > 0 && string(r.GameID) != "null" {
		var n int64
		var s string
		switch {
		case json.Unmarshal(r.GameID, &n) == nil:
			a.MatchID = strconv.FormatInt(n, 10)
		case json.Unmarshal(r.GameID, &s) == nil:
			a.MatchID = s
		}
	}
	if a.AddedAt.IsZero() && r.DateAdded != "" {
		if t, err := time.Parse(time.RFC3339, r.DateAdded); err == nil {
			a.AddedAt = t.UTC()
		}
	}
	a, err := Normalize(a)
	return a, r.ID == "", err
}

// List returns every valid stored account in stored order.
func (r *Repository) List(ctx context.Context) ([]TrackedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

// Get returns one account by id.
func (r *Repository) Get(ctx context.Context, id string) (TrackedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.load(ctx)
	if err != nil {
		return TrackedAccount{}, err
	}
	if i := indexOf(list, id); i >= 0 {
		return list[i], nil
	}
	return TrackedAccount{}, fmt.Errorf("%w: %s", ErrUnknown, id)
}

// Add stores a new account. Uniqueness is on PlatformID.
func (r *Repository) Add(ctx context.Context, a TrackedAccount) (TrackedAccount, error) {
	a, err := Normalize(a)
	if err != nil {
		return a, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.load(ctx)
	if err != nil {
		return a, err
	}
	for _, existing := range list {
		if existing.PlatformID == a.PlatformID {
			return existing, fmt.Errorf("%w: %s", ErrDuplicate, existing.Handle)
		}
	}
	if a.AddedAt.IsZero() {
		a.AddedAt = time.Now().UTC()
	}
	return a, r.save(ctx, append(list, a))
}

// Remove deletes an account and returns what was removed.
func (r *Repository) Remove(ctx context.Context, id string) (TrackedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.load(ctx)
	if err != nil {
		return TrackedAccount{}, err
	}
	i := indexOf(list, id)
	if i < 0 {
		return TrackedAccount{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	removed := list[i]
	list = append(list[:i], list[i+1:]...)
	return removed, r.save(ctx, list)
}

// SetActive toggles polling for an account.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) (TrackedAccount, error) {
	return r.mutate(ctx, id, func(a *TrackedAccount) { a.Active = active })
}

// UpdateState writes the monitor-owned fields (InGame, MatchID, LastChecked) of a.
func (r *Repository) UpdateState(ctx context.Context, a TrackedAccount) (TrackedAccount, error) {
	return r.mutate(ctx, a.ID, func(cur *TrackedAccount) {
		cur.MatchID = a.MatchID
		cur.InGame = a.MatchID != ""
		cur.LastChecked = a.LastChecked
	})
}

func (r *Repository) mutate(ctx context.Context, id string, fn func(*TrackedAccount)) (TrackedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.load(ctx)
	if err != nil {
		return TrackedAccount{}, err
	}
	i := indexOf(list, id)
	if i < 0 {
		return TrackedAccount{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	fn(&list[i])
	return list[i], r.save(ctx, list)
}

func (r *Repository) load(ctx context.Context) ([]TrackedAccount, error) {
	b, err := r.kv.Get(ctx, store.KeyAccounts)
	if errors.Is(err, store.ErrNotFound) {
		return []TrackedAccount{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	out := make([]TrackedAccount, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	assigned := false
	for i, raw := range raws {
		a, generated, err := decodeRecord(raw)
		if err != nil {
			slog.Warn("skipping malformed account record", slog.Int("index", i), slog.Any("err", err), slog.String("component", "store"))
			continue
		}
		if seen[a.PlatformID] {
			slog.Warn("skipping duplicate account record", slog.String("handle", a.Handle), slog.String("component", "store"))
			continue
		}
		seen[a.PlatformID] = true
		assigned = assigned || generated
		out = append(out, a)
	}
	// Ids handed out once must resolve on every later load.
	if assigned {
		if err := r.save(ctx, out); err != nil {
			return nil, err
		}
		slog.Info("assigned ids to stored accounts", slog.String("component", "store"))
	}
	return out, nil
}

func (r *Repository) save(ctx context.Context, list []TrackedAccount) error {
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := r.kv.Put(ctx, store.KeyAccounts, b); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	return nil
}

func indexOf(list []TrackedAccount, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

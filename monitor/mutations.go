package monitor

import (
	"context"
	"log/slog"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/telemetry"
)

type mutationKind int

const (
	mutUpsert mutationKind = iota
	mutRemove
	mutSetActive
)

type mutation struct {
	kind   mutationKind
	acct   accounts.TrackedAccount
	id     string
	active bool
}

// Upsert adds an account to the monitored set or refreshes its identity fields.
// State fields of an account already being monitored are kept.
func (m *Monitor) Upsert(a accounts.TrackedAccount) {
	m.enqueue(mutation{kind: mutUpsert, acct: a, id: a.ID})
}

// Remove drops an account from the monitored set. If it was in game the
// observer sees GameLeft.
func (m *Monitor) Remove(id string) {
	m.enqueue(mutation{kind: mutRemove, id: id})
}

// SetActive pauses or resumes polling of an account. Pausing an account that
// is in game reports GameLeft.
func (m *Monitor) SetActive(id string, active bool) {
	m.enqueue(mutation{kind: mutSetActive, id: id, active: active})
}

// enqueue applies mut at once when stopped; otherwise the loop applies it
// between ticks.
func (m *Monitor) enqueue(mut mutation) {
	m.mu.Lock()
	r := m.run
	if r == nil {
		m.list, _ = applyMutation(m.list, mut)
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, mut)
	m.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// applyPending drains the mutation queue; called only from the loop goroutine.
func (m *Monitor) applyPending(ctx context.Context, r *run) {
	m.mu.Lock()
	if m.run != r || len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	var departed []accounts.TrackedAccount
	for _, mut := range m.pending {
		var gone *accounts.TrackedAccount
		m.list, gone = applyMutation(m.list, mut)
		if gone != nil {
			departed = append(departed, *gone)
		}
	}
	m.pending = nil
	telemetry.SetMonitoredAccounts(len(m.list))
	m.mu.Unlock()

	cbCtx := context.WithoutCancel(ctx)
	for _, a := range departed {
		telemetry.RecordTransition("left")
		m.log.Info("in-game account no longer monitored", slog.String("handle", a.Handle), slog.String("match", a.MatchID))
		prev := a.MatchID
		a.InGame, a.MatchID = false, ""
		r.obs.GameLeft(cbCtx, a, prev)
	}
	m.notify()
}

// applyMutation returns the new list and, when an in-game account stops being
// polled, its last state.
func applyMutation(list []accounts.TrackedAccount, mut mutation) ([]accounts.TrackedAccount, *accounts.TrackedAccount) {
	i := indexOf(list, mut.id)
	switch mut.kind {
	case mutUpsert:
		a := mut.acct
		if !a.Complete() {
			return list, nil
		}
		if i < 0 {
			if dup := indexByPlatform(list, a.PlatformID); dup >= 0 {
				return list, nil
			}
			a.InGame, a.MatchID = false, ""
			return append(list, a), nil
		}
		cur := list[i]
		cur.Handle, cur.Region, cur.PlatformID, cur.SummonerID = a.Handle, a.Region, a.PlatformID, a.SummonerID
		if cur.Active && !a.Active && cur.InGame {
			gone := cur
			cur.Active, cur.InGame, cur.MatchID = false, false, ""
			list[i] = cur
			return list, &gone
		}
		cur.Active = a.Active
		list[i] = cur
		return list, nil
	case mutRemove:
		if i < 0 {
			return list, nil
		}
		gone := list[i]
		list = append(list[:i:i], list[i+1:]...)
		if gone.InGame {
			return list, &gone
		}
		return list, nil
	case mutSetActive:
		if i < 0 {
			return list, nil
		}
		cur := list[i]
		if cur.Active == mut.active {
			return list, nil
		}
		cur.Active = mut.active
		if !mut.active && cur.InGame {
			gone := list[i]
			cur.InGame, cur.MatchID = false, ""
			list[i] = cur
			return list, &gone
		}
		list[i] = cur
	}
	return list, nil
}

func indexByPlatform(list []accounts.TrackedAccount, platformID string) int {
	for i := range list {
		if list[i].PlatformID == platformID {
			return i
		}
	}
	return -1
}

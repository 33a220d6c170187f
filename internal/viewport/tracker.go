package viewport

import (
	"context"
	"sync"

	"github.com/eric1221bday/PGHBusTracker/internal/store"
	"github.com/rs/zerolog/log"
)

// Snapshotter is the read side of the vehicle store.
type Snapshotter interface {
	Snapshot() []store.Vehicle
}

// ComputeVisible returns the ids, in snapshot order, of vehicles whose
// position satisfies pred at the time of the call.
func ComputeVisible(pred RegionPredicate, vehicles Snapshotter) []string {
	var ids []string
	for _, v := range vehicles.Snapshot() {
		if pred.Contains(v.Lat, v.Lon) {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

// Tracker caches the visible set between view-settled events. The scheduler
// only reads it; recomputation happens in Settle.
type Tracker struct {
	store Snapshotter

	mu      sync.RWMutex
	visible []string
}

func NewTracker(s Snapshotter) *Tracker {
	return &Tracker{store: s}
}

// Settle recomputes the visible set for a view that has stopped moving and
// returns a copy of it.
func (t *Tracker) Settle(pred RegionPredicate) []string {
	ids := ComputeVisible(pred, t.store)

	t.mu.Lock()
	t.visible = ids
	t.mu.Unlock()

	log.Debug().Int("visible", len(ids)).Msg("Viewport settled")
	return append([]string(nil), ids...)
}

// Visible returns a copy of the last computed set.
func (t *Tracker) Visible() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.visible...)
}

// Run settles on every region received until ctx is done or events closes.
func (t *Tracker) Run(ctx context.Context, events <-chan RegionPredicate) {
	for {
		select {
		case <-ctx.Done():
			return
		case pred, ok := <-events:
			if !ok {
				return
			}
			if pred == nil {
				continue
			}
			t.Settle(pred)
		}
	}
}

// Package store owns every vehicle record. All mutation goes through Store;
// readers get copies.
package store

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/bustime"
	"github.com/eric1221bday/PGHBusTracker/internal/clock"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// StaleAfter marks records not seen for this long as Stale in reads.
	StaleAfter time.Duration
	// EvictAfter is the age at which Sweep deletes a record. Zero keeps
	// records forever.
	EvictAfter time.Duration
	Clock      clock.Clock
}

// Store is safe for concurrent writers and readers. An update is applied only
// when its ObservedAt is newer than the record's LastSeenAt, so responses that
// arrive out of order never move a vehicle backwards.
type Store struct {
	opts Options

	mu       sync.RWMutex
	vehicles map[string]Vehicle
	stats    Stats

	subMu   sync.Mutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Uint64
}

func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	return &Store{
		opts:     opts,
		vehicles: map[string]Vehicle{},
		subs:     map[int]chan Event{},
	}
}

// ApplyUpdate creates or updates the record for u.ID.
func (s *Store) ApplyUpdate(u bustime.VehicleUpdate) Outcome {
	s.mu.Lock()
	v, outcome := s.applyLocked(u)
	s.mu.Unlock()

	if outcome != Ignored {
		s.publish(Event{Updated: []Vehicle{v}})
	}
	return outcome
}

// ApplyBatch applies updates under one lock and notifies subscribers once.
func (s *Store) ApplyBatch(updates []bustime.VehicleUpdate) Applied {
	var (
		applied Applied
		changed []Vehicle
	)

	s.mu.Lock()
	for _, u := range updates {
		v, outcome := s.applyLocked(u)
		switch outcome {
		case Created:
			applied.Created++
		case Updated:
			applied.Updated++
		default:
			applied.Ignored++
			continue
		}
		changed = append(changed, v)
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.publish(Event{Updated: changed})
	}
	return applied
}

func (s *Store) applyLocked(u bustime.VehicleUpdate) (Vehicle, Outcome) {
	v, exists := s.vehicles[u.ID]
	if exists && !u.ObservedAt.After(v.LastSeenAt) {
		s.stats.IgnoredOlder++
		return v, Ignored
	}
	v.apply(u)
	s.vehicles[u.ID] = v
	s.stats.Applied++
	if exists {
		return v, Updated
	}
	return v, Created
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Vehicle, bool) {
	now := s.opts.Clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return Vehicle{}, false
	}
	return s.mark(v, now), true
}

// Snapshot returns a point-in-time copy of every record, ordered by id.
func (s *Store) Snapshot() []Vehicle {
	now := s.opts.Clock.Now()
	s.mu.RLock()
	out := make([]Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, s.mark(v, now))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Vehicle) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) mark(v Vehicle, now time.Time) Vehicle {
	v.Stale = s.opts.StaleAfter > 0 && now.Sub(v.LastSeenAt) > s.opts.StaleAfter
	return v
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehicles)
}

// Sweep deletes records older than EvictAfter and returns their ids.
func (s *Store) Sweep() []string {
	if s.opts.EvictAfter <= 0 {
		return nil
	}
	cutoff := s.opts.Clock.Now().Add(-s.opts.EvictAfter)

	var removed []string
	s.mu.Lock()
	for id, v := range s.vehicles {
		if v.LastSeenAt.Before(cutoff) {
			delete(s.vehicles, id)
			removed = append(removed, id)
		}
	}
	s.stats.Evicted += uint64(len(removed))
	s.mu.Unlock()

	if len(removed) > 0 {
		slices.Sort(removed)
		log.Info().Int("evicted", len(removed)).Dur("evictafter", s.opts.EvictAfter).Msg("Evicted vehicles not seen recently")
		s.publish(Event{Removed: removed})
	}
	return removed
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := s.stats
	st.Vehicles = len(s.vehicles)
	s.mu.RUnlock()

	st.DroppedEvents = s.dropped.Load()
	return st
}

// Subscribe returns a channel receiving every change. Events are dropped,
// never queued, when the channel's buffer is full. cancel closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			close(ch)
			s.subMu.Unlock()
		})
	}
	return ch, cancel
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

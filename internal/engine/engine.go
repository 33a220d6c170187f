// Package engine wires the route catalog, batch fetcher, vehicle store and
// viewport tracker into the running refresh loop.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/batch"
	"github.com/eric1221bday/PGHBusTracker/internal/bustime"
	"github.com/eric1221bday/PGHBusTracker/internal/catalog"
	"github.com/eric1221bday/PGHBusTracker/internal/clock"
	"github.com/eric1221bday/PGHBusTracker/internal/store"
	"github.com/eric1221bday/PGHBusTracker/internal/viewport"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPeriod         = 2 * time.Second
	DefaultStaleTicks     = 10
	DefaultEvictAfter     = 5 * time.Minute
	DefaultReseedInterval = time.Minute
)

// Provider is the remote vehicle service. *bustime.Client satisfies it.
type Provider interface {
	catalog.Source
	batch.VehicleSource
}

type Options struct {
	Clock  clock.Clock
	Period time.Duration

	BatchSize   int
	Concurrency int
	// Timeout bounds each batch request and must be shorter than Period.
	Timeout time.Duration

	StaleAfter time.Duration
	EvictAfter time.Duration
	// ReseedInterval refetches the whole fleet by route; zero disables it.
	ReseedInterval time.Duration

	// Region, when set, is settled right after the seed.
	Region viewport.RegionPredicate
	Retry  catalog.Retry
}

type Stats struct {
	Ticks     uint64 `json:"ticks"`
	IdleTicks uint64 `json:"idleTicks"`
	Seeds     uint64 `json:"seeds"`
	// Rejected counts updates for routes missing from the catalog.
	Rejected uint64 `json:"rejected"`
}

type Engine struct {
	opts     Options
	provider Provider

	catalog *catalog.Catalog
	fetcher *batch.Fetcher
	store   *store.Store
	tracker *viewport.Tracker
	views   chan viewport.RegionPredicate

	inflight sync.WaitGroup

	ticks     atomic.Uint64
	idleTicks atomic.Uint64
	seeds     atomic.Uint64
	rejected  atomic.Uint64
}

func New(provider Provider, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}

	st := store.New(store.Options{
		StaleAfter: opts.StaleAfter,
		EvictAfter: opts.EvictAfter,
		Clock:      opts.Clock,
	})
	return &Engine{
		opts:     opts,
		provider: provider,
		catalog:  catalog.New(),
		fetcher: &batch.Fetcher{
			Source:      provider,
			MaxSize:     opts.BatchSize,
			Concurrency: opts.Concurrency,
			Timeout:     opts.Timeout,
		},
		store:   st,
		tracker: viewport.NewTracker(st),
		views:   make(chan viewport.RegionPredicate, 1),
	}
}

func (e *Engine) Catalog() *catalog.Catalog  { return e.catalog }
func (e *Engine) Store() *store.Store        { return e.store }
func (e *Engine) Tracker() *viewport.Tracker { return e.tracker }
func (e *Engine) Clock() clock.Clock         { return e.opts.Clock }

// SettleView queues a view-settled event for the tracker run by Start. Only
// the newest queued event is kept; an older one still waiting is replaced.
func (e *Engine) SettleView(pred viewport.RegionPredicate) {
	for {
		select {
		case e.views <- pred:
			return
		default:
		}
		select {
		case <-e.views:
		default:
		}
	}
}

func (e *Engine) Stats() Stats {
	return Stats{
		Ticks:     e.ticks.Load(),
		IdleTicks: e.idleTicks.Load(),
		Seeds:     e.seeds.Load(),
		Rejected:  e.rejected.Load(),
	}
}

// Start loads the catalog, seeds the store with the whole fleet and runs the
// refresh loop until ctx is done. It returns after in-flight ticks finish.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.catalog.Load(ctx, e.provider, e.opts.Retry); err != nil {
		return err
	}
	if _, err := e.Seed(ctx); err != nil {
		return err
	}
	if e.opts.Region != nil {
		e.tracker.Settle(e.opts.Region)
	}

	go e.tracker.Run(ctx, e.views)

	ticker := e.opts.Clock.NewTicker(e.opts.Period)
	defer ticker.Stop()

	var reseed <-chan time.Time
	if e.opts.ReseedInterval > 0 {
		rt := e.opts.Clock.NewTicker(e.opts.ReseedInterval)
		defer rt.Stop()
		reseed = rt.C()
	}

	log.Info().
		Dur("period", e.opts.Period).
		Dur("reseed", e.opts.ReseedInterval).
		Int("vehicles", e.store.Len()).
		Msg("Refresh scheduler started")

	for {
		select {
		case <-ctx.Done():
			e.inflight.Wait()
			log.Info().Msg("Refresh scheduler stopped")
			return nil
		case <-ticker.C():
			e.background(func() { e.Tick(ctx) })
		case <-reseed:
			e.background(func() {
				if _, err := e.Seed(ctx); err != nil {
					log.Error().Err(err).Msg("Reseed failed")
				}
			})
		}
	}
}

// Ticks are not serialized. The store's observation-time check keeps a slow
// response from overwriting a newer one.
func (e *Engine) background(fn func()) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		fn()
	}()
}

type TickResult struct {
	Visible  int
	Batches  int
	Failed   int
	Skipped  int
	Rejected int
	Applied  store.Applied
	Evicted  []string
}

// Tick runs one scheduler firing: refresh the cached visible set by vehicle
// id, then sweep. An empty visible set issues no request.
func (e *Engine) Tick(ctx context.Context) TickResult {
	e.ticks.Add(1)

	var res TickResult
	visible := e.tracker.Visible()
	res.Visible = len(visible)

	if len(visible) == 0 {
		e.idleTicks.Add(1)
	} else {
		fetched, err := e.fetcher.FetchAll(ctx, visible, bustime.ByVehicleID)
		if err != nil {
			log.Error().Err(err).Msg("Refresh tick failed")
		}
		res.Batches = len(fetched.Batches)
		res.Failed = fetched.Failed()
		res.Skipped = fetched.Skipped()
		res.Applied, res.Rejected = e.apply(fetched.Updates)
	}

	res.Evicted = e.store.Sweep()

	log.Debug().
		Int("visible", res.Visible).
		Int("batches", res.Batches).
		Int("failed", res.Failed).
		Int("updated", res.Applied.Updated).
		Int("ignored", res.Applied.Ignored).
		Int("evicted", len(res.Evicted)).
		Msg("Refresh tick")
	return res
}

// Seed fetches every catalog route and applies the result.
func (e *Engine) Seed(ctx context.Context) (TickResult, error) {
	if !e.catalog.Loaded() {
		return TickResult{}, errors.New("engine: seed before route catalog is loaded")
	}

	fetched, err := e.fetcher.FetchAll(ctx, e.catalog.IDs(), bustime.ByRoute)
	if err != nil {
		return TickResult{}, err
	}

	res := TickResult{
		Batches: len(fetched.Batches),
		Failed:  fetched.Failed(),
		Skipped: fetched.Skipped(),
	}
	res.Applied, res.Rejected = e.apply(fetched.Updates)
	e.seeds.Add(1)

	log.Info().
		Int("routes", e.catalog.Len()).
		Int("batches", res.Batches).
		Int("failed", res.Failed).
		Int("created", res.Applied.Created).
		Int("updated", res.Applied.Updated).
		Int("vehicles", e.store.Len()).
		Msg("Seeded fleet")
	return res, nil
}

func (e *Engine) apply(updates []bustime.VehicleUpdate) (store.Applied, int) {
	kept := make([]bustime.VehicleUpdate, 0, len(updates))
	rejected := 0
	for _, u := range updates {
		if u.RouteID == "" || !e.catalog.Contains(u.RouteID) {
			log.Debug().Str("vehicle", u.ID).Str("route", u.RouteID).Msg("Dropped update for unknown route")
			rejected++
			continue
		}
		kept = append(kept, u)
	}
	e.rejected.Add(uint64(rejected))
	return e.store.ApplyBatch(kept), rejected
}

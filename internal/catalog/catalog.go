// Package catalog holds the routes known for the session. It is filled once at
// startup and read-only afterwards.
package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eric1221bday/PGHBusTracker/internal/bustime"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyLoaded = errors.New("route catalog already loaded")

type Source interface {
	GetRoutes(ctx context.Context) ([]bustime.Route, bustime.Report, error)
}

// Retry bounds the attempts Load makes against the provider.
type Retry struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
	MaxAttempts     uint64
}

var DefaultRetry = Retry{
	InitialInterval: 500 * time.Millisecond,
	MaxElapsedTime:  30 * time.Second,
	MaxAttempts:     5,
}

type Catalog struct {
	mu     sync.RWMutex
	loaded bool
	order  []bustime.Route
	byID   map[string]bustime.Route
}

func New() *Catalog {
	return &Catalog{byID: map[string]bustime.Route{}}
}

// LoadRoutes issues a single getroutes call and returns the routes in
// provider order. Malformed route elements are dropped and logged.
func LoadRoutes(ctx context.Context, src Source) ([]bustime.Route, error) {
	routes, report, err := src.GetRoutes(ctx)
	if err != nil {
		return nil, err
	}
	for _, eerr := range report.ElementErrors {
		log.Debug().Err(eerr).Msg("Skipped route element")
	}
	if report.Skipped() > 0 {
		log.Warn().Int("skipped", report.Skipped()).Int("routes", len(routes)).Msg("Route list contained malformed elements")
	}
	return routes, nil
}

// Load fills the catalog from src, retrying transport failures with
// exponential backoff. A malformed document is not retried.
func (c *Catalog) Load(ctx context.Context, src Source, retry Retry) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return ErrAlreadyLoaded
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retry.InitialInterval
	b.MaxElapsedTime = retry.MaxElapsedTime

	var policy backoff.BackOff = b
	if retry.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(b, retry.MaxAttempts-1)
	}

	routes, err := backoff.RetryNotifyWithData(
		func() ([]bustime.Route, error) {
			routes, err := LoadRoutes(ctx, src)
			var pe *bustime.ParseError
			if errors.As(err, &pe) {
				return nil, backoff.Permanent(err)
			}
			return routes, err
		},
		backoff.WithContext(policy, ctx),
		func(err error, d time.Duration) {
			log.Warn().Err(err).Dur("retryin", d).Msg("Failed to load routes")
		},
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return ErrAlreadyLoaded
	}
	c.fill(routes)

	log.Info().Int("routes", len(c.order)).Msg("Loaded route catalog")
	return nil
}

// Set fills the catalog directly.
func (c *Catalog) Set(routes []bustime.Route) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return ErrAlreadyLoaded
	}
	c.fill(routes)
	return nil
}

func (c *Catalog) fill(routes []bustime.Route) {
	for _, r := range routes {
		if _, dup := c.byID[r.ID]; dup {
			continue
		}
		c.byID[r.ID] = r
		c.order = append(c.order, r)
	}
	c.loaded = true
}

func (c *Catalog) Get(id string) (bustime.Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[id]
	return r, ok
}

func (c *Catalog) Contains(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// All returns the routes in provider order.
func (c *Catalog) All() []bustime.Route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]bustime.Route, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.order))
	for _, r := range c.order {
		ids = append(ids, r.ID)
	}
	return ids
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

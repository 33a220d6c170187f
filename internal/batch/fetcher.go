// Package batch fans a key list out over bounded provider requests and merges
// the answers.
package batch

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/bustime"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

const DefaultMaxSize = 10

type VehicleSource interface {
	GetVehicles(ctx context.Context, mode bustime.Mode, keys []string) ([]bustime.VehicleUpdate, bustime.Report, error)
}

// Fetcher issues one request per batch. The credential travels inside Source.
type Fetcher struct {
	Source VehicleSource

	// MaxSize is the largest batch sent; DefaultMaxSize when zero.
	MaxSize int
	// Concurrency caps in-flight requests per FetchAll; unbounded when zero.
	Concurrency int
	// Timeout bounds each batch request; the source's own timeout applies when zero.
	Timeout time.Duration
}

type BatchResult struct {
	Index    int
	Keys     Batch
	Updates  []bustime.VehicleUpdate
	Report   bustime.Report
	Err      error
	Duration time.Duration
}

type Result struct {
	// Updates holds one update per vehicle id, ordered by id.
	Updates []bustime.VehicleUpdate
	// Batches is in partition order.
	Batches []BatchResult
}

func (r Result) Failed() int {
	n := 0
	for _, b := range r.Batches {
		if b.Err != nil {
			n++
		}
	}
	return n
}

func (r Result) Skipped() int {
	n := 0
	for _, b := range r.Batches {
		n += b.Report.Skipped()
	}
	return n
}

// Err joins every batch failure, or is nil when all batches succeeded.
func (r Result) Err() error {
	var errs []error
	for _, b := range r.Batches {
		if b.Err != nil {
			errs = append(errs, b.Err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fetcher) maxSize() int {
	if f.MaxSize > 0 {
		return f.MaxSize
	}
	return DefaultMaxSize
}

// FetchBatch issues exactly one request for keys.
func (f *Fetcher) FetchBatch(ctx context.Context, keys Batch, mode bustime.Mode) ([]bustime.VehicleUpdate, bustime.Report, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	return f.Source.GetVehicles(ctx, mode, keys)
}

// FetchAll partitions keys, fetches every batch concurrently and waits for all
// of them. Failed batches contribute no updates; they never cancel siblings.
func (f *Fetcher) FetchAll(ctx context.Context, keys []string, mode bustime.Mode) (Result, error) {
	batches, err := Partition(keys, f.maxSize())
	if err != nil {
		return Result{}, err
	}
	if len(batches) == 0 {
		return Result{}, nil
	}

	p := pool.NewWithResults[BatchResult]()
	if f.Concurrency > 0 {
		p = p.WithMaxGoroutines(f.Concurrency)
	}
	for i, b := range batches {
		p.Go(func() BatchResult {
			start := time.Now()
			updates, report, err := f.FetchBatch(ctx, b, mode)
			return BatchResult{
				Index:    i,
				Keys:     b,
				Updates:  updates,
				Report:   report,
				Err:      err,
				Duration: time.Since(start),
			}
		})
	}
	results := p.Wait()
	slices.SortFunc(results, func(a, b BatchResult) int { return a.Index - b.Index })

	for _, r := range results {
		logBatch(r, mode)
	}

	return Result{Updates: Merge(results), Batches: results}, nil
}

// Merge folds batch results into one update per vehicle id. The update with
// the later ObservedAt wins; ties go to the later batch. The outcome depends
// only on the set of results, not on the order they completed in.
func Merge(results []BatchResult) []bustime.VehicleUpdate {
	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(a, b BatchResult) int { return a.Index - b.Index })

	byID := map[string]bustime.VehicleUpdate{}
	for _, r := range ordered {
		if r.Err != nil {
			continue
		}
		for _, u := range r.Updates {
			if prev, ok := byID[u.ID]; ok && prev.ObservedAt.After(u.ObservedAt) {
				continue
			}
			byID[u.ID] = u
		}
	}

	merged := make([]bustime.VehicleUpdate, 0, len(byID))
	for _, u := range byID {
		merged = append(merged, u)
	}
	slices.SortFunc(merged, func(a, b bustime.VehicleUpdate) int { return strings.Compare(a.ID, b.ID) })
	return merged
}

func logBatch(r BatchResult, mode bustime.Mode) {
	if r.Err != nil {
		log.Warn().
			Err(r.Err).
			Int("batch", r.Index).
			Str("mode", mode.String()).
			Strs("keys", r.Keys).
			Dur("duration", r.Duration).
			Msg("Batch fetch failed")
		return
	}
	for _, eerr := range r.Report.ElementErrors {
		log.Debug().Err(eerr).Int("batch", r.Index).Msg("Skipped vehicle element")
	}
	log.Debug().
		Int("batch", r.Index).
		Str("mode", mode.String()).
		Int("keys", len(r.Keys)).
		Int("updates", len(r.Updates)).
		Int("skipped", r.Report.Skipped()).
		Int("notfound", len(r.Report.ProviderErrors)).
		Dur("duration", r.Duration).
		Msg("Batch fetched")
}

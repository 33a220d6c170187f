package batch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/bustime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource answers getvehicles by vehicle id from a fixed fleet.
type fakeSource struct {
	mu       sync.Mutex
	requests [][]string
	fleet    map[string]bustime.VehicleUpdate
	fail     map[string]error // keyed by the first key of the batch
	skip     map[string]bool  // ids reported as malformed elements
	delay    func(keys []string) time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeSource) GetVehicles(ctx context.Context, mode bustime.Mode, keys []string) ([]bustime.VehicleUpdate, bustime.Report, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, append([]string(nil), keys...))
	f.mu.Unlock()

	if f.delay != nil {
		select {
		case <-time.After(f.delay(keys)):
		case <-ctx.Done():
			return nil, bustime.Report{}, &bustime.TransportError{Op: "getvehicles", Err: ctx.Err()}
		}
	}
	if err := f.fail[keys[0]]; err != nil {
		return nil, bustime.Report{}, err
	}

	var (
		updates []bustime.VehicleUpdate
		report  bustime.Report
	)
	for i, k := range keys {
		if f.skip[k] {
			report.ElementErrors = append(report.ElementErrors, &bustime.ElementError{
				Element: "vehicle", Index: i, Key: k, Field: "lat", Err: bustime.ErrInvalidNumber,
			})
			continue
		}
		if u, ok := f.fleet[k]; ok {
			updates = append(updates, u)
		}
	}
	return updates, report, nil
}

func fleet(ids ...string) map[string]bustime.VehicleUpdate {
	out := map[string]bustime.VehicleUpdate{}
	observed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range ids {
		out[id] = bustime.VehicleUpdate{
			ID:         id,
			RouteID:    "R",
			Latitude:   40 + float64(i)/100,
			Longitude:  -80,
			ObservedAt: observed,
		}
	}
	return out
}

func TestFetchAllOneRequestPerBatch(t *testing.T) {
	ids := keys(23)
	src := &fakeSource{fleet: fleet(ids...)}
	f := &Fetcher{Source: src, MaxSize: 10}

	res, err := f.FetchAll(context.Background(), ids, bustime.ByVehicleID)
	require.NoError(t, err)

	assert.Len(t, src.requests, 3)
	assert.Len(t, res.Updates, 23)
	assert.Len(t, res.Batches, 3)
	for i, b := range res.Batches {
		assert.Equal(t, i, b.Index)
	}
	assert.Zero(t, res.Failed())
	assert.NoError(t, res.Err())
}

func TestFetchAllEmptyKeys(t *testing.T) {
	src := &fakeSource{}
	f := &Fetcher{Source: src}

	res, err := f.FetchAll(context.Background(), nil, bustime.ByVehicleID)
	require.NoError(t, err)
	assert.Empty(t, res.Updates)
	assert.Empty(t, src.requests)
}

func TestFetchAllIsolatesFailedBatches(t *testing.T) {
	ids := keys(25)
	src := &fakeSource{
		fleet: fleet(ids...),
		fail:  map[string]error{"k10": &bustime.TransportError{Op: "getvehicles", StatusCode: 502}},
	}
	f := &Fetcher{Source: src, MaxSize: 10}

	res, err := f.FetchAll(context.Background(), ids, bustime.ByVehicleID)
	require.NoError(t, err)

	assert.Len(t, src.requests, 3, "a failing batch must not stop its siblings")
	assert.Equal(t, 1, res.Failed())
	assert.Len(t, res.Updates, 15)
	assert.True(t, bustime.IsFetchError(res.Err()))
	for _, u := range res.Updates {
		assert.NotContains(t, []string{"k10", "k11", "k19"}, u.ID)
	}
}

func TestFetchAllSkipsMalformedElements(t *testing.T) {
	src := &fakeSource{fleet: fleet("good", "bad"), skip: map[string]bool{"bad": true}}
	f := &Fetcher{Source: src}

	res, err := f.FetchAll(context.Background(), []string{"good", "bad"}, bustime.ByVehicleID)
	require.NoError(t, err)

	require.Len(t, res.Updates, 1)
	assert.Equal(t, "good", res.Updates[0].ID)
	assert.Equal(t, 1, res.Skipped())
	assert.Zero(t, res.Failed())
}

func TestFetchAllMergeIgnoresCompletionOrder(t *testing.T) {
	ids := keys(40)
	var want []bustime.VehicleUpdate
	for run := 0; run < 5; run++ {
		rng := rand.New(rand.NewSource(int64(run)))
		var mu sync.Mutex
		src := &fakeSource{
			fleet: fleet(ids...),
			delay: func([]string) time.Duration {
				mu.Lock()
				defer mu.Unlock()
				return time.Duration(rng.Intn(20)) * time.Millisecond
			},
		}
		f := &Fetcher{Source: src, MaxSize: 7}

		res, err := f.FetchAll(context.Background(), ids, bustime.ByVehicleID)
		require.NoError(t, err)
		if want == nil {
			want = res.Updates
			continue
		}
		assert.Equal(t, want, res.Updates, "run %d", run)
	}
}

func TestMergeIsCommutative(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	results := []BatchResult{
		{Index: 0, Updates: []bustime.VehicleUpdate{{ID: "a", Latitude: 1, ObservedAt: t0}, {ID: "b", Latitude: 1, ObservedAt: t0}}},
		{Index: 1, Updates: []bustime.VehicleUpdate{{ID: "c", Latitude: 2, ObservedAt: t0}}},
		{Index: 2, Err: errors.New("boom"), Updates: []bustime.VehicleUpdate{{ID: "z", ObservedAt: t0}}},
		{Index: 3, Updates: []bustime.VehicleUpdate{{ID: "d", Latitude: 3, ObservedAt: t0.Add(time.Second)}}},
	}
	want := Merge(results)
	require.Len(t, want, 4)

	perms := [][]int{{3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, perm := range perms {
		shuffled := make([]BatchResult, len(results))
		for i, j := range perm {
			shuffled[i] = results[j]
		}
		assert.Equal(t, want, Merge(shuffled))
	}
}

func TestMergePrefersLaterObservation(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	merged := Merge([]BatchResult{
		{Index: 0, Updates: []bustime.VehicleUpdate{{ID: "a", Latitude: 2, ObservedAt: t0.Add(time.Second)}}},
		{Index: 1, Updates: []bustime.VehicleUpdate{{ID: "a", Latitude: 1, ObservedAt: t0}}},
	})
	require.Len(t, merged, 1)
	assert.Equal(t, 2.0, merged[0].Latitude)
}

func TestFetchAllRespectsConcurrency(t *testing.T) {
	ids := keys(50)
	src := &fakeSource{
		fleet: fleet(ids...),
		delay: func([]string) time.Duration { return 10 * time.Millisecond },
	}
	f := &Fetcher{Source: src, MaxSize: 5, Concurrency: 2}

	_, err := f.FetchAll(context.Background(), ids, bustime.ByVehicleID)
	require.NoError(t, err)
	assert.Len(t, src.requests, 10)
	assert.LessOrEqual(t, src.maxInFlight.Load(), int32(2))
}

func TestFetchBatchTimeout(t *testing.T) {
	src := &fakeSource{
		fleet: fleet("a"),
		delay: func([]string) time.Duration { return time.Second },
	}
	f := &Fetcher{Source: src, Timeout: 20 * time.Millisecond}

	start := time.Now()
	res, err := f.FetchAll(context.Background(), []string{"a"}, bustime.ByVehicleID)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, res.Failed())
	assert.True(t, errors.Is(res.Err(), context.DeadlineExceeded))
}

func TestFetchAllJoinsKeysInBatchOrder(t *testing.T) {
	ids := []string{"3", "1", "2", "1"}
	src := &fakeSource{fleet: fleet(ids...)}
	f := &Fetcher{Source: src, MaxSize: 3}

	_, err := f.FetchAll(context.Background(), ids, bustime.ByVehicleID)
	require.NoError(t, err)

	var joined []string
	for _, r := range src.requests {
		joined = append(joined, strings.Join(r, ","))
	}
	assert.ElementsMatch(t, []string{"3,1,2", "1"}, joined)
}

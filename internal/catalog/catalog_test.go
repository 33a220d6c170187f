package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eric1221bday/PGHBusTracker/internal/bustime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls   atomic.Int32
	results []error
	routes  []bustime.Route
}

func (f *fakeSource) GetRoutes(ctx context.Context) ([]bustime.Route, bustime.Report, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.results) && f.results[n] != nil {
		return nil, bustime.Report{}, f.results[n]
	}
	return f.routes, bustime.Report{}, nil
}

var fastRetry = Retry{InitialInterval: time.Millisecond, MaxElapsedTime: time.Second, MaxAttempts: 3}

func testRoutes() []bustime.Route {
	return []bustime.Route{
		{ID: "A", DisplayName: "Route A"},
		{ID: "B", DisplayName: "Route B"},
		{ID: "C", DisplayName: "Route C"},
	}
}

func TestLoadKeepsProviderOrder(t *testing.T) {
	src := &fakeSource{routes: testRoutes()}
	c := New()

	require.NoError(t, c.Load(context.Background(), src, fastRetry))

	assert.Equal(t, []string{"A", "B", "C"}, c.IDs())
	assert.Equal(t, 3, c.Len())
	r, ok := c.Get("B")
	require.True(t, ok)
	assert.Equal(t, "Route B", r.DisplayName)
	assert.False(t, c.Contains("Z"))
}

func TestLoadRetriesTransportErrors(t *testing.T) {
	transient := &bustime.TransportError{Op: "getroutes", StatusCode: 503}
	src := &fakeSource{routes: testRoutes(), results: []error{transient, transient}}
	c := New()

	require.NoError(t, c.Load(context.Background(), src, fastRetry))
	assert.EqualValues(t, 3, src.calls.Load())
	assert.Equal(t, 3, c.Len())
}

func TestLoadGivesUpAfterMaxAttempts(t *testing.T) {
	transient := &bustime.TransportError{Op: "getroutes", StatusCode: 503}
	src := &fakeSource{results: []error{transient, transient, transient, transient}}
	c := New()

	err := c.Load(context.Background(), src, fastRetry)
	require.Error(t, err)
	assert.True(t, bustime.IsFetchError(err))
	assert.EqualValues(t, 3, src.calls.Load())
	assert.False(t, c.Loaded())
}

func TestLoadDoesNotRetryParseErrors(t *testing.T) {
	src := &fakeSource{results: []error{&bustime.ParseError{Op: "getroutes", Err: errors.New("bad root")}}}
	c := New()

	err := c.Load(context.Background(), src, fastRetry)
	var pe *bustime.ParseError
	require.True(t, errors.As(err, &pe))
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestCatalogIsLoadedOnce(t *testing.T) {
	c := New()
	require.NoError(t, c.Set(testRoutes()))

	assert.ErrorIs(t, c.Set(testRoutes()), ErrAlreadyLoaded)
	assert.ErrorIs(t, c.Load(context.Background(), &fakeSource{}, fastRetry), ErrAlreadyLoaded)
}

func TestDuplicateRouteIDsKeepFirst(t *testing.T) {
	c := New()
	require.NoError(t, c.Set([]bustime.Route{
		{ID: "A", DisplayName: "first"},
		{ID: "A", DisplayName: "second"},
	}))

	r, _ := c.Get("A")
	assert.Equal(t, "first", r.DisplayName)
	assert.Len(t, c.All(), 1)
}

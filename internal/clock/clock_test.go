package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)
	tk := m.NewTicker(2 * time.Second)
	defer tk.Stop()

	m.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	m.Advance(time.Second)
	select {
	case at := <-tk.C():
		assert.Equal(t, start.Add(2*time.Second), at)
	default:
		t.Fatal("ticker did not fire")
	}
	assert.Equal(t, start.Add(2*time.Second), m.Now())
}

func TestManualTickerDropsUnreadTicks(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	tk := m.NewTicker(time.Second)

	m.Advance(5 * time.Second)

	require.Len(t, tk.C(), 1)
	<-tk.C()
	assert.Len(t, tk.C(), 0)
}

func TestManualTickerStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	tk := m.NewTicker(time.Second)
	require.Equal(t, 1, m.Tickers())

	tk.Stop()
	assert.Zero(t, m.Tickers())

	m.Advance(3 * time.Second)
	assert.Len(t, tk.C(), 0)
}

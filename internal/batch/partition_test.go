package batch

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("k%d", i)
	}
	return out
}

func sizes(batches []Batch) []int {
	out := make([]int, len(batches))
	for i, b := range batches {
		out[i] = len(b)
	}
	return out
}

func TestPartitionSizes(t *testing.T) {
	tests := []struct {
		name    string
		keys    int
		maxSize int
		want    []int
	}{
		{"empty", 0, 10, []int{}},
		{"single short batch", 3, 10, []int{3}},
		{"exact multiple", 20, 10, []int{10, 10}},
		{"remainder", 23, 10, []int{10, 10, 3}},
		{"batch of one", 4, 1, []int{1, 1, 1, 1}},
		{"max larger than input", 1, 100, []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches, err := Partition(keys(tt.keys), tt.maxSize)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sizes(batches))
		})
	}
}

func TestPartitionRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := Partition(keys(3), size)
		assert.ErrorIs(t, err, ErrInvalidBatchSize)
	}
}

func TestPartitionCoversInputInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := rng.Intn(60)
		maxSize := rng.Intn(12) + 1
		in := keys(n)
		if n > 2 {
			in[n-1] = in[0]
		}

		batches, err := Partition(in, maxSize)
		require.NoError(t, err)

		var joined []string
		for j, b := range batches {
			require.NotEmpty(t, b)
			require.LessOrEqual(t, len(b), maxSize)
			if j < len(batches)-1 {
				require.Len(t, b, maxSize, "only the last batch may be short")
			}
			joined = append(joined, b...)
		}
		if n == 0 {
			assert.Empty(t, joined)
			continue
		}
		assert.Equal(t, in, joined, "n=%d maxSize=%d", n, maxSize)
	}
}

func TestPartitionBatchesDoNotAliasAppends(t *testing.T) {
	in := keys(5)
	batches, err := Partition(in, 2)
	require.NoError(t, err)

	_ = append(batches[0], "extra")
	assert.Equal(t, "k2", in[2])
}

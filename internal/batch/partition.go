package batch

import (
	"errors"
)

var ErrInvalidBatchSize = errors.New("batch size must be positive")

// Batch is an ordered group of lookup keys sent in one request.
type Batch []string

// Partition splits keys into contiguous batches of maxSize, keeping input
// order. Only the last batch may be shorter. Duplicates are passed through.
func Partition(keys []string, maxSize int) ([]Batch, error) {
	if maxSize < 1 {
		return nil, ErrInvalidBatchSize
	}
	if len(keys) == 0 {
		return nil, nil
	}

	batches := make([]Batch, 0, (len(keys)+maxSize-1)/maxSize)
	for start := 0; start < len(keys); start += maxSize {
		end := min(start+maxSize, len(keys))
		batches = append(batches, Batch(keys[start:end:end]))
	}
	return batches, nil
}

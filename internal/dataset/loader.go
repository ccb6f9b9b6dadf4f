package dataset

import (
	"fmt"
	"math/rand"
)

// Loader walks a dataset in batches. Training loaders reshuffle on every
// Reset with their own seeded source; evaluation loaders keep file order.
//
//	for l.Reset(); l.Next(); {
//		b := l.Batch()
//	}
//	if err := l.Err(); err != nil { ... }
type Loader struct {
	ds        *Dataset
	batchSize int
	collator  Collator
	rng       *rand.Rand

	order []int
	pos   int
	batch *Batch
	err   error
}

// NewLoader returns an in-order loader.
func NewLoader(ds *Dataset, batchSize int, c Collator) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be positive, got %d", batchSize)
	}
	l := &Loader{ds: ds, batchSize: batchSize, collator: c}
	l.Reset()
	return l, nil
}

// NewShuffledLoader returns a loader that permutes examples on every Reset.
func NewShuffledLoader(ds *Dataset, batchSize int, c Collator, seed int64) (*Loader, error) {
	l, err := NewLoader(ds, batchSize, c)
	if err != nil {
		return nil, err
	}
	l.rng = rand.New(rand.NewSource(seed))
	l.Reset()
	return l, nil
}

// Steps is the number of batches per pass, counting a trailing partial batch.
func (l *Loader) Steps() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

func (l *Loader) Reset() {
	if l.order == nil || len(l.order) != l.ds.Len() {
		l.order = make([]int, l.ds.Len())
	}
	for i := range l.order {
		l.order[i] = i
	}
	if l.rng != nil {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
	l.pos = 0
	l.batch = nil
	l.err = nil
}

func (l *Loader) Next() bool {
	if l.err != nil || l.pos >= len(l.order) {
		return false
	}
	end := l.pos + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}

	examples := make([]Example, 0, end-l.pos)
	for _, idx := range l.order[l.pos:end] {
		examples = append(examples, l.ds.Examples[idx])
	}
	l.pos = end

	l.batch, l.err = l.collator.Collate(examples)
	return l.err == nil
}

func (l *Loader) Batch() *Batch {
	return l.batch
}

func (l *Loader) Err() error {
	return l.err
}

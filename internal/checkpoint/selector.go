// Package checkpoint records per-epoch model snapshots, persists their weights
// and picks the best one once training is over.
package checkpoint

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoCheckpoints means selection ran over an empty record set, which only
// happens when start_saving_epoch >= num_epoches.
var ErrNoCheckpoints = errors.New("checkpoint: no checkpoint records to select from")

// Record tags a persisted snapshot with the validation accuracy it scored.
// Handle is opaque to the selector; stores use it as the storage key.
type Record struct {
	Epoch    int
	Accuracy float64
	Handle   string
}

func (r Record) String() string {
	return fmt.Sprintf("epoch %d (acc %.4f, %s)", r.Epoch, r.Accuracy, r.Handle)
}

// Selector picks the highest-accuracy record whose epoch is at least MinEpoch.
type Selector struct {
	MinEpoch int
}

// Best returns the record with maximum accuracy, preferring the latest epoch
// on ties. Records below MinEpoch are ignored.
func (s Selector) Best(records []Record) (Record, error) {
	var (
		best  Record
		found bool
	)
	for _, r := range records {
		if r.Epoch < s.MinEpoch {
			continue
		}
		if !found || r.Accuracy > best.Accuracy || (r.Accuracy == best.Accuracy && r.Epoch > best.Epoch) {
			best = r
			found = true
		}
	}
	if !found {
		return Record{}, fmt.Errorf("%w (min epoch %d, %d records)", ErrNoCheckpoints, s.MinEpoch, len(records))
	}
	return best, nil
}

// Select is Best without an epoch gate.
func Select(records []Record) (Record, error) {
	return Selector{}.Best(records)
}

// SortByEpoch orders records oldest first.
func SortByEpoch(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Epoch < records[j].Epoch
	})
}

package indexer

import (
	"hash/fnv"
	"sync"
)

// lockStripes is the number of per-record mutex stripes. Mutations on the
// same record serialize; unrelated records proceed in parallel.
const lockStripes = 64

// RecordLocks is a striped mutex set keyed by record id. The consistency
// coordinator and the indexing workers share one instance, so a worker's
// chunk commit and a caller's delete or move of the same record can never
// interleave.
type RecordLocks struct {
	stripes [lockStripes]sync.Mutex
}

// NewRecordLocks constructs an empty lock set.
func NewRecordLocks() *RecordLocks {
	return &RecordLocks{}
}

// Lock acquires the stripe for the record id and returns its unlock func.
func (l *RecordLocks) Lock(recordID string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(recordID))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

package store

import (
	"sort"
	"sync"

	"tickflow/internal/market"
)

// tailBuffer is a fixed-capacity ring of the most recent records for one
// (class, symbol) series. It serves the computation engine's hot-interval
// reads without touching disk. Readers get copies; writers never block on
// readers beyond the mutex.
type tailBuffer struct {
	mu       sync.RWMutex
	data     []market.Record
	head     int64 // next write position
	count    int64
	capacity int64
	wrapped  bool // oldest records have been overwritten at least once
}

// newTailBuffer creates a tail buffer with the given capacity.
func newTailBuffer(capacity int) *tailBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &tailBuffer{
		data:     make([]market.Record, capacity),
		capacity: int64(capacity),
	}
}

// push adds a record, overwriting the oldest when full.
func (tb *tailBuffer) push(rec market.Record) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	idx := tb.head % tb.capacity
	if tb.count >= tb.capacity {
		tb.wrapped = true
	} else {
		tb.count++
	}
	tb.data[idx] = rec
	tb.head++
}

// query returns records with timestamps in [startUs, endUs), time-ordered.
// covered is false when the buffer may have already evicted records from the
// requested range, in which case the caller must fall back to a disk read.
func (tb *tailBuffer) query(startUs, endUs int64) (records []market.Record, covered bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	if tb.count == 0 {
		// Nothing seen yet: an empty result is authoritative only if
		// nothing was ever evicted.
		return nil, !tb.wrapped
	}

	oldestIdx := (tb.head - tb.count) % tb.capacity
	oldest := tb.data[oldestIdx].Ts()
	covered = !tb.wrapped || oldest <= startUs

	for i := int64(0); i < tb.count; i++ {
		rec := tb.data[(tb.head-tb.count+i)%tb.capacity]
		if ts := rec.Ts(); ts >= startUs && ts < endUs {
			records = append(records, rec)
		}
	}

	// Appends tolerate slight reordering within the out-of-order window.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Ts() < records[j].Ts()
	})

	return records, covered
}

// invalidate marks the buffer non-authoritative: queries report covered only
// for ranges the buffered records provably span. A reopened series starts
// with an empty buffer while its partitions hold records, so its tail must
// not answer for ranges it never saw.
func (tb *tailBuffer) invalidate() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.wrapped = true
}

// len returns the number of buffered records.
func (tb *tailBuffer) len() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return int(tb.count)
}

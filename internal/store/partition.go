package store

import (
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	xerrors "tickflow/internal/errors"
	"tickflow/internal/market"
	"tickflow/internal/store/codec"
)

// PartitionState models the partition lifecycle as an explicit state machine
// rather than inferring it from timestamps at query time.
type PartitionState int

const (
	// PartitionActive accepts appends; backed by an open segment file.
	PartitionActive PartitionState = iota

	// PartitionSealed no longer accepts appends; its time window has fully
	// elapsed plus the out-of-order safety margin. Eligible for compression
	// or deletion.
	PartitionSealed

	// PartitionCompressed is stored in the compact parquet encoding. Reads
	// are transparent to the transition. Eligible for deletion only.
	PartitionCompressed

	// PartitionDeleted is a terminal marker; the files are gone.
	PartitionDeleted
)

// String returns the string representation of the state.
func (s PartitionState) String() string {
	switch s {
	case PartitionActive:
		return "active"
	case PartitionSealed:
		return "sealed"
	case PartitionCompressed:
		return "compressed"
	case PartitionDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step.
func (s PartitionState) CanTransition(next PartitionState) bool {
	switch s {
	case PartitionActive:
		return next == PartitionSealed
	case PartitionSealed:
		return next == PartitionCompressed || next == PartitionDeleted
	case PartitionCompressed:
		return next == PartitionDeleted
	default:
		return false
	}
}

// PartitionInfo is the immutable public view of a partition, handed to the
// retention manager and the read path.
type PartitionInfo struct {
	Class       market.DataClass
	Symbol      string
	StartUs     int64
	State       PartitionState
	SegPath     string
	ParquetPath string
	Rows        int64
}

// EndUs returns the partition window end in microseconds.
func (p PartitionInfo) EndUs() int64 {
	return p.StartUs + market.PartitionDuration.Microseconds()
}

// StartTime returns the partition window start.
func (p PartitionInfo) StartTime() time.Time {
	return time.UnixMicro(p.StartUs).UTC()
}

// Key returns the partition's on-disk key.
func (p PartitionInfo) Key() string {
	return market.PartitionKey(p.StartUs)
}

// partition is one (class, symbol, day) storage segment. Appends within a
// partition are serialized by its mutex, which is what serializes writes for
// a (class, symbol) pair: a series has exactly one appendable partition.
type partition struct {
	mu sync.Mutex

	class   market.DataClass
	symbol  string
	startUs int64
	endUs   int64

	state       PartitionState
	segPath     string
	parquetPath string

	writer *segmentWriter

	// index maps record timestamp to the CRC of its encoded form, for
	// idempotent duplicate detection within the active partition. Freed on
	// seal.
	index map[int64]uint32
	rows  int64
}

// openPartition opens (or creates) the active segment for a partition,
// replaying any existing records to rebuild the duplicate index.
func openPartition(class market.DataClass, symbol string, startUs int64, segPath string, fsync bool) (*partition, error) {
	p := &partition{
		class:   class,
		symbol:  symbol,
		startUs: startUs,
		endUs:   startUs + market.PartitionDuration.Microseconds(),
		state:   PartitionActive,
		segPath: segPath,
		index:   make(map[int64]uint32),
	}

	w, err := openSegmentWriter(segPath, fsync, func(rec market.Record, crc uint32) {
		p.index[rec.Ts()] = crc
		p.rows++
	})
	if err != nil {
		return nil, err
	}
	p.writer = w
	return p, nil
}

// sealedPartition builds the in-memory handle for a partition discovered on
// disk whose window has already elapsed. No segment is opened and no index
// is kept.
func sealedPartition(class market.DataClass, symbol string, startUs int64, segPath, parquetPath string, state PartitionState) *partition {
	return &partition{
		class:       class,
		symbol:      symbol,
		startUs:     startUs,
		endUs:       startUs + market.PartitionDuration.Microseconds(),
		state:       state,
		segPath:     segPath,
		parquetPath: parquetPath,
	}
}

// append encodes and stores one record. Returns stored=false for a
// byte-identical duplicate (idempotent no-op).
func (p *partition) append(rec market.Record) (stored bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PartitionActive {
		return false, fmt.Errorf("%w: partition %s/%s/%s is %s",
			xerrors.ErrPartitionSealed, p.class, p.symbol, market.PartitionKey(p.startUs), p.state)
	}

	payload, err := codec.Encode(rec)
	if err != nil {
		return false, err
	}
	crc := crc32.ChecksumIEEE(payload)

	if prev, exists := p.index[rec.Ts()]; exists {
		if prev == crc {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s/%s ts=%d", xerrors.ErrDuplicateKey, p.class, p.symbol, rec.Ts())
	}

	if err := p.writer.append(payload, crc); err != nil {
		return false, fmt.Errorf("%w: append %s: %v", xerrors.ErrStorageUnavailable, p.segPath, err)
	}

	p.index[rec.Ts()] = crc
	p.rows++
	return true, nil
}

// seal closes the partition for writes and frees its duplicate index.
func (p *partition) seal() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.CanTransition(PartitionSealed) {
		return fmt.Errorf("%w: %s -> sealed", xerrors.ErrInvalidTransition, p.state)
	}
	if p.writer != nil {
		if err := p.writer.close(); err != nil {
			return fmt.Errorf("close segment: %w", err)
		}
		p.writer = nil
	}
	p.index = nil
	p.state = PartitionSealed
	return nil
}

// newestTs returns the newest record timestamp in the active partition, or
// 0 when the partition is empty or sealed.
func (p *partition) newestTs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var newest int64
	for ts := range p.index {
		if ts > newest {
			newest = ts
		}
	}
	return newest
}

// markCompressed records the compact encoding path and advances the state.
func (p *partition) markCompressed(parquetPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.CanTransition(PartitionCompressed) {
		return fmt.Errorf("%w: %s -> compressed", xerrors.ErrInvalidTransition, p.state)
	}
	p.state = PartitionCompressed
	p.parquetPath = parquetPath
	return nil
}

// closeWriter flushes and releases the segment file without changing the
// lifecycle state; the partition reopens as active on restart.
func (p *partition) closeWriter() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		return nil
	}
	err := p.writer.close()
	p.writer = nil
	return err
}

// transition moves the partition to the next lifecycle state.
func (p *partition) transition(next PartitionState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", xerrors.ErrInvalidTransition, p.state, next)
	}
	p.state = next
	return nil
}

// info returns the public snapshot of the partition.
func (p *partition) info() PartitionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PartitionInfo{
		Class:       p.class,
		Symbol:      p.symbol,
		StartUs:     p.startUs,
		State:       p.state,
		SegPath:     p.segPath,
		ParquetPath: p.parquetPath,
		Rows:        p.rows,
	}
}

// Package store implements the time-partitioned record store. Records are
// grouped into UTC-day partitions per (class, symbol) series, written to
// CRC-framed segment files that double as the write-ahead log, and rewritten
// into parquet once aged. An in-memory tail buffer per series answers
// hot-interval reads without touching disk.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/internal/config"
	xerrors "tickflow/internal/errors"
	"tickflow/internal/logging"
	"tickflow/internal/market"
	"tickflow/internal/store/parquet"
)

const (
	segExt     = ".seg"
	parquetExt = ".parquet"
)

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Appends     uint64
	Duplicates  uint64 // idempotent no-ops
	OutOfOrder  uint64
	Rejected    uint64 // non-idempotent duplicate key conflicts
	SealedTotal uint64
	Partitions  int
	Series      int
	TailRecords int
}

type seriesKey struct {
	class  market.DataClass
	symbol string
}

// series is the per-(class, symbol) write path: one appendable partition at
// a time, a partition manifest, and the tail buffer.
type series struct {
	mu sync.Mutex

	// lastTs is the newest accepted timestamp; the out-of-order window is
	// measured against it.
	lastTs int64

	// partitions maps window start to partition, all lifecycle states.
	partitions map[int64]*partition

	tail *tailBuffer
}

// Store is the time-partitioned record store.
type Store struct {
	dataDir  string
	tolUs    int64
	fsync    bool
	tailSize int
	log      *slog.Logger

	mu     sync.RWMutex
	series map[seriesKey]*series
	closed bool

	appends    atomic.Uint64
	duplicates atomic.Uint64
	outOfOrder atomic.Uint64
	rejected   atomic.Uint64
	sealed     atomic.Uint64
}

// Open opens the store rooted at cfg.DataDir, scanning existing partition
// files to rebuild the manifest. Segment partitions whose window is still
// open are reopened for append; elapsed ones are registered as sealed.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	s := &Store{
		dataDir:  cfg.DataDir,
		tolUs:    cfg.Store.OutOfOrderTolerance.Microseconds(),
		fsync:    cfg.Store.SyncMode == "fsync",
		tailSize: cfg.Store.TailBufferSize,
		log:      logging.Component("store"),
		series:   map[seriesKey]*series{},
	}

	if err := s.scan(); err != nil {
		return nil, err
	}

	s.log.Info("store opened",
		"data_dir", s.dataDir,
		"series", len(s.series),
		"fsync", s.fsync)
	return s, nil
}

// scan walks <dataDir>/<class>/<symbol>/ rebuilding the partition manifest.
func (s *Store) scan() error {
	nowUs := time.Now().UnixMicro()

	for _, class := range market.AllClasses() {
		classDir := filepath.Join(s.dataDir, class.String())
		symDirs, err := os.ReadDir(classDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("scan %s: %w", classDir, err)
		}

		for _, sd := range symDirs {
			if !sd.IsDir() {
				continue
			}
			symbol := sd.Name()
			if err := s.scanSeries(class, symbol, nowUs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) scanSeries(class market.DataClass, symbol string, nowUs int64) error {
	dir := filepath.Join(s.dataDir, class.String(), symbol)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}

	ser := s.getOrCreateSeries(seriesKey{class, symbol})

	segs := map[int64]string{}
	parquets := map[int64]string{}
	for _, e := range entries {
		name := e.Name()
		var key string
		switch {
		case strings.HasSuffix(name, segExt):
			key = strings.TrimSuffix(name, segExt)
		case strings.HasSuffix(name, parquetExt):
			key = strings.TrimSuffix(name, parquetExt)
		default:
			continue
		}
		startUs, err := market.ParsePartitionKey(key)
		if err != nil {
			s.log.Warn("skipping unrecognized partition file", "path", filepath.Join(dir, name))
			continue
		}
		if strings.HasSuffix(name, segExt) {
			segs[startUs] = filepath.Join(dir, name)
		} else {
			parquets[startUs] = filepath.Join(dir, name)
		}
	}

	ser.mu.Lock()
	defer ser.mu.Unlock()

	for startUs, pqPath := range parquets {
		// A leftover segment beside a complete parquet file means the
		// process died after compression but before cleanup.
		if segPath, both := segs[startUs]; both {
			s.log.Warn("removing segment superseded by parquet", "path", segPath)
			if err := os.Remove(segPath); err != nil {
				return fmt.Errorf("remove stale segment: %w", err)
			}
			delete(segs, startUs)
		}
		ser.partitions[startUs] = sealedPartition(class, symbol, startUs, "", pqPath, PartitionCompressed)
	}

	for startUs, segPath := range segs {
		endUs := startUs + market.PartitionDuration.Microseconds()
		if endUs+s.tolUs <= nowUs {
			ser.partitions[startUs] = sealedPartition(class, symbol, startUs, segPath, "", PartitionSealed)
			continue
		}
		p, err := openPartition(class, symbol, startUs, segPath, s.fsync)
		if err != nil {
			return fmt.Errorf("reopen partition %s: %w", segPath, err)
		}
		ser.partitions[startUs] = p
		if ts := p.newestTs(); ts > ser.lastTs {
			ser.lastTs = ts
		}
	}

	// The rebuilt tail starts empty while the partitions hold records, so
	// it cannot vouch for ranges it never saw.
	if len(ser.partitions) > 0 {
		ser.tail.invalidate()
	}
	return nil
}

func (s *Store) getOrCreateSeries(key seriesKey) *series {
	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.series[key]
	if !ok {
		ser = &series{
			partitions: map[int64]*partition{},
			tail:       newTailBuffer(s.tailSize),
		}
		s.series[key] = ser
	}
	return ser
}

func (s *Store) getSeries(key seriesKey) (*series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.series[key]
	return ser, ok
}

func (s *Store) segPath(class market.DataClass, symbol string, startUs int64) string {
	return filepath.Join(s.dataDir, class.String(), symbol, market.PartitionKey(startUs)+segExt)
}

// Append stores one record. Appends are idempotent for byte-identical
// duplicates and rejected with ErrDuplicateKey when the same timestamp
// carries different content. Records older than the newest accepted
// timestamp minus the out-of-order tolerance are rejected with
// ErrOutOfOrder.
func (s *Store) Append(rec market.Record) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return xerrors.ErrClosed
	}

	ser := s.getOrCreateSeries(seriesKey{rec.Class(), rec.Sym()})

	ser.mu.Lock()
	defer ser.mu.Unlock()

	if ser.lastTs != 0 && rec.Ts() < ser.lastTs-s.tolUs {
		s.outOfOrder.Add(1)
		return fmt.Errorf("%w: %s/%s ts=%d behind newest=%d by more than %dus",
			xerrors.ErrOutOfOrder, rec.Class(), rec.Sym(), rec.Ts(), ser.lastTs, s.tolUs)
	}

	startUs := market.TruncateToPartition(rec.Ts())
	p, ok := ser.partitions[startUs]
	if !ok {
		dir := filepath.Dir(s.segPath(rec.Class(), rec.Sym(), startUs))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: create series dir: %v", xerrors.ErrStorageUnavailable, err)
		}
		np, err := openPartition(rec.Class(), rec.Sym(), startUs, s.segPath(rec.Class(), rec.Sym(), startUs), s.fsync)
		if err != nil {
			return fmt.Errorf("%w: open partition: %v", xerrors.ErrStorageUnavailable, err)
		}
		ser.partitions[startUs] = np
		p = np
	}

	stored, err := p.append(rec)
	if err != nil {
		if xerrors.IsDuplicate(err) {
			s.rejected.Add(1)
		}
		return err
	}
	if !stored {
		s.duplicates.Add(1)
		return nil
	}

	if rec.Ts() > ser.lastTs {
		ser.lastTs = rec.Ts()
	}
	ser.tail.push(rec)
	s.appends.Add(1)
	return nil
}

// Recent returns records in [startUs, endUs) for one series, preferring the
// in-memory tail and falling back to partition files when the tail no longer
// covers the start of the range.
func (s *Store) Recent(class market.DataClass, symbol string, startUs, endUs int64) ([]market.Record, error) {
	ser, ok := s.getSeries(seriesKey{class, symbol})
	if !ok {
		return nil, nil
	}

	records, covered := ser.tail.query(startUs, endUs)
	if covered {
		return records, nil
	}

	cur, err := s.RangeQuery(class, symbol, startUs, endUs)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out []market.Record
	for cur.Next() {
		out = append(out, cur.Record())
	}
	return out, cur.Err()
}

// RangeQuery returns a cursor over records in [startUs, endUs) for one
// series, in timestamp order, reading one partition at a time.
func (s *Store) RangeQuery(class market.DataClass, symbol string, startUs, endUs int64) (*Cursor, error) {
	if endUs <= startUs {
		return nil, fmt.Errorf("%w: empty range [%d, %d)", xerrors.ErrValidation, startUs, endUs)
	}

	ser, ok := s.getSeries(seriesKey{class, symbol})
	if !ok {
		return newCursor(nil, startUs, endUs), nil
	}

	ser.mu.Lock()
	var infos []PartitionInfo
	for _, p := range ser.partitions {
		info := p.info()
		if info.State == PartitionDeleted {
			continue
		}
		if info.StartUs < endUs && info.EndUs() > startUs {
			infos = append(infos, info)
		}
	}
	ser.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].StartUs < infos[j].StartUs })
	return newCursor(infos, startUs, endUs), nil
}

// SealExpired seals every active partition whose window end plus the
// out-of-order tolerance has elapsed at now. Returns the number sealed.
func (s *Store) SealExpired(now time.Time) (int, error) {
	nowUs := now.UnixMicro()

	s.mu.RLock()
	all := make([]*series, 0, len(s.series))
	for _, ser := range s.series {
		all = append(all, ser)
	}
	s.mu.RUnlock()

	sealed := 0
	for _, ser := range all {
		ser.mu.Lock()
		for _, p := range ser.partitions {
			info := p.info()
			if info.State != PartitionActive {
				continue
			}
			if info.EndUs()+s.tolUs > nowUs {
				continue
			}
			if err := p.seal(); err != nil {
				ser.mu.Unlock()
				return sealed, err
			}
			s.sealed.Add(1)
			sealed++
			s.log.Info("partition sealed",
				"class", info.Class.String(),
				"symbol", info.Symbol,
				"partition", info.Key())
		}
		ser.mu.Unlock()
	}
	return sealed, nil
}

// Partitions returns the manifest for one class, sorted by symbol then
// window start. Deleted partitions are excluded.
func (s *Store) Partitions(class market.DataClass) []PartitionInfo {
	s.mu.RLock()
	type entry struct {
		key seriesKey
		ser *series
	}
	var entries []entry
	for k, ser := range s.series {
		if k.class == class {
			entries = append(entries, entry{k, ser})
		}
	}
	s.mu.RUnlock()

	var infos []PartitionInfo
	for _, e := range entries {
		e.ser.mu.Lock()
		for _, p := range e.ser.partitions {
			info := p.info()
			if info.State != PartitionDeleted {
				infos = append(infos, info)
			}
		}
		e.ser.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Symbol != infos[j].Symbol {
			return infos[i].Symbol < infos[j].Symbol
		}
		return infos[i].StartUs < infos[j].StartUs
	})
	return infos
}

// CompressPartition rewrites a sealed partition from segment form into
// parquet, verifying the row count before removing the segment. Reads see
// the same records across the transition.
func (s *Store) CompressPartition(info PartitionInfo) error {
	ser, ok := s.getSeries(seriesKey{info.Class, info.Symbol})
	if !ok {
		return fmt.Errorf("%w: series %s/%s", xerrors.ErrNotFound, info.Class, info.Symbol)
	}

	ser.mu.Lock()
	p, ok := ser.partitions[info.StartUs]
	ser.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: partition %s/%s/%s", xerrors.ErrNotFound, info.Class, info.Symbol, info.Key())
	}

	cur := p.info()
	if cur.State != PartitionSealed {
		return fmt.Errorf("%w: compress from %s", xerrors.ErrInvalidTransition, cur.State)
	}

	records, err := readSegment(cur.SegPath)
	if err != nil {
		return fmt.Errorf("read segment %s: %w", cur.SegPath, err)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Ts() < records[j].Ts() })

	pqPath := strings.TrimSuffix(cur.SegPath, segExt) + parquetExt
	rows, err := parquet.WriteFile(pqPath, info.Class, records)
	if err != nil {
		return fmt.Errorf("write parquet %s: %w", pqPath, err)
	}
	if rows != int64(len(records)) {
		os.Remove(pqPath)
		return fmt.Errorf("compress %s: wrote %d rows, expected %d", pqPath, rows, len(records))
	}

	if err := p.markCompressed(pqPath); err != nil {
		os.Remove(pqPath)
		return err
	}
	if err := os.Remove(cur.SegPath); err != nil {
		// Harmless: the scan on next open prefers the parquet file and
		// removes the stale segment.
		s.log.Warn("failed to remove compressed segment", "path", cur.SegPath, "error", err)
	}

	s.log.Info("partition compressed",
		"class", info.Class.String(),
		"symbol", info.Symbol,
		"partition", info.Key(),
		"rows", rows)
	return nil
}

// DeletePartition removes a sealed or compressed partition and its files.
func (s *Store) DeletePartition(info PartitionInfo) error {
	ser, ok := s.getSeries(seriesKey{info.Class, info.Symbol})
	if !ok {
		return fmt.Errorf("%w: series %s/%s", xerrors.ErrNotFound, info.Class, info.Symbol)
	}

	ser.mu.Lock()
	p, ok := ser.partitions[info.StartUs]
	ser.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: partition %s/%s/%s", xerrors.ErrNotFound, info.Class, info.Symbol, info.Key())
	}

	cur := p.info()
	if err := p.transition(PartitionDeleted); err != nil {
		return err
	}

	for _, path := range []string{cur.SegPath, cur.ParquetPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}

	ser.mu.Lock()
	delete(ser.partitions, info.StartUs)
	ser.mu.Unlock()

	s.log.Info("partition deleted",
		"class", info.Class.String(),
		"symbol", info.Symbol,
		"partition", info.Key())
	return nil
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	st := Stats{
		Appends:     s.appends.Load(),
		Duplicates:  s.duplicates.Load(),
		OutOfOrder:  s.outOfOrder.Load(),
		Rejected:    s.rejected.Load(),
		SealedTotal: s.sealed.Load(),
	}

	s.mu.RLock()
	st.Series = len(s.series)
	all := make([]*series, 0, len(s.series))
	for _, ser := range s.series {
		all = append(all, ser)
	}
	s.mu.RUnlock()

	for _, ser := range all {
		ser.mu.Lock()
		st.Partitions += len(ser.partitions)
		ser.mu.Unlock()
		st.TailRecords += ser.tail.len()
	}
	return st
}

// Close flushes and closes all open segment writers. Active partitions stay
// active; they are reopened for append on the next Open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	all := make([]*series, 0, len(s.series))
	for _, ser := range s.series {
		all = append(all, ser)
	}
	s.mu.Unlock()

	var firstErr error
	for _, ser := range all {
		ser.mu.Lock()
		for _, p := range ser.partitions {
			if err := p.closeWriter(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		ser.mu.Unlock()
	}

	s.log.Info("store closed")
	return firstErr
}

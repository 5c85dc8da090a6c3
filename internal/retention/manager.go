// Package retention enforces per-class data lifetime: partitions past their
// retention window are deleted, sealed partitions past the compression
// threshold are rewritten to parquet. Both operate at whole-partition
// granularity and only on partitions no writer can still target.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tickflow/internal/config"
	xerrors "tickflow/internal/errors"
	"tickflow/internal/logging"
	"tickflow/internal/market"
	"tickflow/internal/store"
)

// Store is the partition lifecycle surface the manager drives.
type Store interface {
	SealExpired(now time.Time) (int, error)
	Partitions(class market.DataClass) []store.PartitionInfo
	CompressPartition(info store.PartitionInfo) error
	DeletePartition(info store.PartitionInfo) error
}

// Stats holds cumulative retention statistics.
type Stats struct {
	LastRunTime          time.Time
	PartitionsSealed     int64
	PartitionsCompressed int64
	PartitionsDeleted    int64
	Errors               int64
}

// ClassResult holds the outcome of one run for one data class. Failed
// partitions stay in place and are retried on the next run.
type ClassResult struct {
	Class      market.DataClass
	Compressed int
	Deleted    int
	Errors     []error
}

// Manager runs the retention and compression pass on a timer.
type Manager struct {
	cfg   *config.Config
	store Store
	log   *slog.Logger

	mu    sync.Mutex
	stats Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a retention manager.
func New(cfg *config.Config, st Store) *Manager {
	return &Manager{
		cfg:   cfg,
		store: st,
		log:   logging.Component("retention"),
	}
}

// Start launches the timer loop. The first pass runs after one interval.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return xerrors.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(ctx)
	m.log.Info("retention manager started", "interval", m.cfg.Retention.Interval)
	return nil
}

// Stop halts the timer loop and waits for an in-flight pass to finish.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return xerrors.ErrNotRunning
	}
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done
	m.log.Info("retention manager stopped")
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(time.Now())
		}
	}
}

// RunOnce executes one retention pass at the given reference time: seal
// elapsed partitions, then delete expired ones, then compress aged sealed
// ones. Per-partition failures are logged and counted, never fatal.
func (m *Manager) RunOnce(now time.Time) []ClassResult {
	sealed, err := m.store.SealExpired(now)
	if err != nil {
		m.log.Error("sealing pass failed", "error", err)
		m.addError()
	}

	var results []ClassResult
	for _, class := range market.AllClasses() {
		res := m.runClass(class, now)
		results = append(results, res)
	}

	m.mu.Lock()
	m.stats.LastRunTime = now
	m.stats.PartitionsSealed += int64(sealed)
	for _, res := range results {
		m.stats.PartitionsCompressed += int64(res.Compressed)
		m.stats.PartitionsDeleted += int64(res.Deleted)
		m.stats.Errors += int64(len(res.Errors))
	}
	m.mu.Unlock()

	return results
}

func (m *Manager) runClass(class market.DataClass, now time.Time) ClassResult {
	res := ClassResult{Class: class}
	nowUs := now.UnixMicro()

	retention, deletable := m.cfg.RetentionFor(class)
	compressAfter := m.cfg.CompressAfterFor(class)

	for _, info := range m.store.Partitions(class) {
		age := time.Duration(nowUs-info.EndUs()) * time.Microsecond
		if age <= 0 {
			continue
		}

		switch {
		case deletable && age > retention:
			if info.State == store.PartitionActive {
				// Still unsealed despite its age; the next sealing
				// pass picks it up.
				continue
			}
			if err := m.store.DeletePartition(info); err != nil {
				m.log.Error("partition delete failed",
					"class", class.String(),
					"symbol", info.Symbol,
					"partition", info.Key(),
					"error", err)
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Deleted++

		case info.State == store.PartitionSealed && age > compressAfter:
			if err := m.store.CompressPartition(info); err != nil {
				m.log.Error("partition compression failed",
					"class", class.String(),
					"symbol", info.Symbol,
					"partition", info.Key(),
					"error", err)
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Compressed++
		}
	}
	return res
}

func (m *Manager) addError() {
	m.mu.Lock()
	m.stats.Errors++
	m.mu.Unlock()
}

// Stats returns a snapshot of cumulative statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Package read serves range queries over stored records to external
// consumers. It never blocks writers: a query walks sealed segment files,
// parquet partitions, and copied tail-buffer data. Analytical summaries run
// as SQL over the compressed parquet partitions through DuckDB.
package read

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"tickflow/internal/config"
	xerrors "tickflow/internal/errors"
	"tickflow/internal/logging"
	"tickflow/internal/market"
	"tickflow/internal/store"
)

// Store is the query surface of the record store.
type Store interface {
	RangeQuery(class market.DataClass, symbol string, startUs, endUs int64) (*store.Cursor, error)
}

// Aggregator exposes the open-bucket views of the continuous aggregator.
type Aggregator interface {
	Provisional(symbol string) (*market.Bar, bool)
	Corrections(symbol string, sinceUs int64) []market.CorrectionEvent
}

// Stats holds query statistics.
type Stats struct {
	Queries      uint64
	RowsReturned uint64
	GapsDetected uint64
	Errors       uint64
}

// Summary is a per-day SQL aggregate over frozen bars.
type Summary struct {
	Symbol     string
	Bars       int64
	Volume     float64
	TradeDelta float64
	High       float64
	Low        float64
}

// Service answers read queries.
type Service struct {
	cfg   *config.Config
	store Store
	agg   Aggregator
	db    *sql.DB
	log   *slog.Logger

	queries atomic.Uint64
	rows    atomic.Uint64
	gaps    atomic.Uint64
	errors  atomic.Uint64
}

// New creates a read service with an in-memory DuckDB session for SQL over
// parquet partitions.
func New(cfg *config.Config, st Store, agg Aggregator) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &Service{
		cfg:   cfg,
		store: st,
		agg:   agg,
		db:    db,
		log:   logging.Component("read"),
	}, nil
}

// Close releases the DuckDB session.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Range returns records in [startUs, endUs) in timestamp order. For metric
// reads the contiguity invariant is verified: a gap in the interval sequence
// returns the records found alongside ErrGapDetected, never a silent patch.
func (s *Service) Range(ctx context.Context, class market.DataClass, symbol string, startUs, endUs int64) ([]market.Record, error) {
	cur, err := s.store.RangeQuery(class, symbol, startUs, endUs)
	if err != nil {
		s.errors.Add(1)
		return nil, err
	}
	defer cur.Close()

	var records []market.Record
	for cur.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records = append(records, cur.Record())
	}
	if err := cur.Err(); err != nil {
		s.errors.Add(1)
		return nil, err
	}

	s.queries.Add(1)
	s.rows.Add(uint64(len(records)))

	if class == market.ClassMetric {
		if err := checkContiguity(records); err != nil {
			s.gaps.Add(1)
			s.log.Warn("metric gap detected", "symbol", symbol, "error", err)
			return records, err
		}
	}
	return records, nil
}

// checkContiguity verifies consecutive metric intervals neither gap nor
// overlap.
func checkContiguity(records []market.Record) error {
	var prev *market.OrderFlowMetric
	for _, rec := range records {
		m, ok := rec.(*market.OrderFlowMetric)
		if !ok {
			continue
		}
		if prev != nil {
			next := prev.IntervalEndUs + int64(prev.IntervalSeconds)*int64(time.Second/time.Microsecond)
			if m.IntervalEndUs != next {
				return fmt.Errorf("%w: %s expected interval end %d, found %d",
					xerrors.ErrGapDetected, m.Symbol, next, m.IntervalEndUs)
			}
		}
		prev = m
	}
	return nil
}

// ProvisionalBar returns a snapshot of the symbol's open bucket, marked
// provisional. ok is false when no bucket is open.
func (s *Service) ProvisionalBar(symbol string) (*market.Bar, bool) {
	s.queries.Add(1)
	return s.agg.Provisional(symbol)
}

// Corrections returns correction events for a symbol received at or after
// sinceUs.
func (s *Service) Corrections(symbol string, sinceUs int64) []market.CorrectionEvent {
	s.queries.Add(1)
	return s.agg.Corrections(symbol, sinceUs)
}

// DailySummary aggregates a symbol's frozen bars for one UTC day with SQL
// over the compressed partitions. Only parquet data participates; recent,
// uncompressed days are served by Range.
func (s *Service) DailySummary(ctx context.Context, symbol string, day time.Time) (*Summary, error) {
	pattern := filepath.Join(s.cfg.ClassDir(market.ClassBar), symbol, "*.parquet")
	startUs := market.TruncateToPartition(day.UnixMicro())
	endUs := startUs + market.PartitionDuration.Microseconds()

	const q = `
		SELECT
			count(*),
			coalesce(sum(volume), 0),
			coalesce(sum(trade_delta), 0),
			coalesce(max(high), 0),
			coalesce(min(low), 0)
		FROM read_parquet($1)
		WHERE symbol = $2
		  AND bucket_start_us >= $3
		  AND bucket_start_us < $4
	`

	sum := &Summary{Symbol: symbol}
	row := s.db.QueryRowContext(ctx, q, pattern, symbol, startUs, endUs)
	if err := row.Scan(&sum.Bars, &sum.Volume, &sum.TradeDelta, &sum.High, &sum.Low); err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("bar summary %s: %w", symbol, err)
	}

	s.queries.Add(1)
	return sum, nil
}

// Stats returns a snapshot of query counters.
func (s *Service) Stats() Stats {
	return Stats{
		Queries:      s.queries.Load(),
		RowsReturned: s.rows.Load(),
		GapsDetected: s.gaps.Load(),
		Errors:       s.errors.Load(),
	}
}

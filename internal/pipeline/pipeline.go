// Package pipeline assembles the full ingest-to-read path: normalizer in
// front of the store, flow engine computing interval metrics from stored
// records, aggregator folding metrics into bars, retention managing the
// partition lifecycle, and the read service on top.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tickflow/internal/aggregate"
	"tickflow/internal/config"
	xerrors "tickflow/internal/errors"
	"tickflow/internal/flow"
	"tickflow/internal/logging"
	"tickflow/internal/market"
	"tickflow/internal/normalize"
	"tickflow/internal/read"
	"tickflow/internal/retention"
	"tickflow/internal/store"
)

// Stats aggregates per-component statistics.
type Stats struct {
	Uptime     time.Duration
	Normalizer normalize.Stats
	Store      store.Stats
	Engine     flow.Stats
	Aggregate  aggregate.Stats
	Retention  retention.Stats
	Read       read.Stats
}

// Pipeline owns all components and their lifecycle.
type Pipeline struct {
	cfg *config.Config
	log *slog.Logger

	store      *store.Store
	normalizer *normalize.Normalizer
	engine     *flow.Engine
	folder     *aggregate.Folder
	retention  *retention.Manager
	read       *read.Service

	running   atomic.Bool
	cancel    context.CancelFunc
	startTime time.Time
}

// New builds the pipeline from configuration. Nothing runs until Start.
func New(cfg *config.Config) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	p := &Pipeline{
		cfg:    cfg,
		log:    logging.Component("pipeline"),
		store:  st,
		folder: aggregate.New(cfg.Aggregate.BucketSeconds),
	}

	p.normalizer = normalize.New(st)

	eng, err := flow.New(cfg, st, p.foldMetric)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create flow engine: %w", err)
	}
	p.engine = eng

	p.retention = retention.New(cfg, st)

	rd, err := read.New(cfg, st, p.folder)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create read service: %w", err)
	}
	p.read = rd

	return p, nil
}

// foldMetric is the engine's metric sink. Frozen bars go back into the store;
// corrections stay queryable on the aggregator.
func (p *Pipeline) foldMetric(m *market.OrderFlowMetric) {
	bar, corr := p.folder.Fold(m)
	if corr != nil {
		p.log.Warn("late metric produced correction",
			"symbol", corr.Symbol,
			"bucket_start_us", corr.BucketStartUs,
			"interval_end_us", corr.IntervalEndUs)
	}
	if bar != nil {
		p.appendBar(bar)
	}
}

// appendBar persists a bar. Duplicate appends happen on interval replay after
// a restart and are not errors.
func (p *Pipeline) appendBar(bar *market.Bar) {
	err := p.store.Append(bar)
	switch {
	case err == nil:
	case xerrors.IsDuplicate(err):
	default:
		p.log.Error("append bar failed",
			"symbol", bar.Symbol,
			"bucket_start_us", bar.BucketStartUs,
			"error", err)
	}
}

// Start brings up the flow engine and the retention manager.
func (p *Pipeline) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return xerrors.ErrAlreadyRunning
	}
	p.startTime = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if err := p.engine.Start(ctx); err != nil {
		cancel()
		p.running.Store(false)
		return fmt.Errorf("start flow engine: %w", err)
	}
	if err := p.retention.Start(ctx); err != nil {
		p.engine.Stop()
		cancel()
		p.running.Store(false)
		return fmt.Errorf("start retention: %w", err)
	}

	p.log.Info("pipeline started",
		"symbols", len(p.cfg.Symbols),
		"interval", p.cfg.Interval(),
		"bucket", p.cfg.Bucket())
	return nil
}

// Stop shuts components down in reverse dependency order. Open buckets are
// flushed as provisional bars so a restart does not lose the partial bucket.
func (p *Pipeline) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return xerrors.ErrNotRunning
	}
	p.cancel()

	var errs []error

	if err := p.engine.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop flow engine: %w", err))
	}

	for _, bar := range p.folder.FlushAll() {
		p.appendBar(bar)
	}

	if err := p.retention.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop retention: %w", err))
	}
	if err := p.read.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close read service: %w", err))
	}
	if err := p.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	p.log.Info("pipeline stopped", "uptime", time.Since(p.startTime))
	return nil
}

// Ingest feeds one raw feed event through normalization into the store.
func (p *Pipeline) Ingest(ctx context.Context, ev *normalize.RawEvent) error {
	if !p.running.Load() {
		return xerrors.ErrNotRunning
	}
	return p.normalizer.Ingest(ctx, ev)
}

// Range returns records in [startUs, endUs) through the read service.
func (p *Pipeline) Range(ctx context.Context, class market.DataClass, symbol string, startUs, endUs int64) ([]market.Record, error) {
	return p.read.Range(ctx, class, symbol, startUs, endUs)
}

// Recent serves a hot-window read straight from the store tail buffers.
func (p *Pipeline) Recent(class market.DataClass, symbol string, startUs, endUs int64) ([]market.Record, error) {
	return p.store.Recent(class, symbol, startUs, endUs)
}

// ProvisionalBar returns a snapshot of the symbol's open bucket.
func (p *Pipeline) ProvisionalBar(symbol string) (*market.Bar, bool) {
	return p.read.ProvisionalBar(symbol)
}

// Corrections returns correction events recorded at or after sinceUs.
func (p *Pipeline) Corrections(symbol string, sinceUs int64) []market.CorrectionEvent {
	return p.read.Corrections(symbol, sinceUs)
}

// DailySummary aggregates one UTC day of frozen bars over the compressed
// partitions.
func (p *Pipeline) DailySummary(ctx context.Context, symbol string, day time.Time) (*read.Summary, error) {
	return p.read.DailySummary(ctx, symbol, day)
}

// Stats returns a snapshot of all component counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Normalizer: p.normalizer.Stats(),
		Store:      p.store.Stats(),
		Engine:     p.engine.Stats(),
		Aggregate:  p.folder.Stats(),
		Retention:  p.retention.Stats(),
		Read:       p.read.Stats(),
	}
	if p.running.Load() {
		s.Uptime = time.Since(p.startTime)
	}
	return s
}

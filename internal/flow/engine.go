// Package flow computes per-interval order-flow metrics from normalized
// ticks and depth snapshots. One worker per symbol runs on a shared cadence;
// within a symbol, intervals are strictly sequential because cumulative
// delta depends on the previous interval.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tickflow/internal/config"
	xerrors "tickflow/internal/errors"
	"tickflow/internal/logging"
	"tickflow/internal/market"
)

// Store is the storage surface the engine needs: hot-interval reads of raw
// data and durable appends of computed metrics. *store.Store satisfies it.
type Store interface {
	Recent(class market.DataClass, symbol string, startUs, endUs int64) ([]market.Record, error)
	Append(rec market.Record) error
}

// MetricSink receives each metric after its append succeeded. The
// aggregator hangs off this hook.
type MetricSink func(m *market.OrderFlowMetric)

// Stats is a snapshot of engine counters.
type Stats struct {
	IntervalsComputed uint64
	ComputationErrors uint64
	AppendRetries     uint64
}

// Engine drives the per-symbol interval computation.
type Engine struct {
	cfg   *config.Config
	store Store
	sink  MetricSink
	log   *slog.Logger
	now   func() time.Time

	accs map[string]*Accumulator

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool

	retryMin time.Duration
	retryMax time.Duration

	computed      atomic.Uint64
	computeErrors atomic.Uint64
	appendRetries atomic.Uint64
}

// New creates an engine for the configured symbols.
func New(cfg *config.Config, st Store, sink MetricSink) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		store:    st,
		sink:     sink,
		log:      logging.Component("flow"),
		now:      time.Now,
		accs:     map[string]*Accumulator{},
		retryMin: 100 * time.Millisecond,
		retryMax: 5 * time.Second,
	}
	for _, sym := range cfg.Symbols {
		acc, err := NewAccumulator(sym, cfg.Flow.TrailingWindow)
		if err != nil {
			return nil, fmt.Errorf("accumulator %s: %w", sym, err)
		}
		e.accs[sym] = acc
	}
	return e, nil
}

// Start launches one worker per symbol. Workers stop when ctx is canceled
// or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return xerrors.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	e.cancel = cancel
	e.group = g
	e.running = true

	for sym := range e.accs {
		g.Go(func() error {
			return e.worker(ctx, sym)
		})
	}

	e.log.Info("engine started",
		"symbols", len(e.accs),
		"interval", e.cfg.Interval())
	return nil
}

// Stop cancels the workers and waits for in-flight intervals to finish.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return xerrors.ErrNotRunning
	}
	cancel, group := e.cancel, e.group
	e.running = false
	e.mu.Unlock()

	cancel()
	err := group.Wait()
	e.log.Info("engine stopped")
	if err == context.Canceled {
		return nil
	}
	return err
}

// worker computes every interval boundary for one symbol, in order,
// catching up when a computation overruns the cadence. A non-retryable
// failure stops this worker only; the other symbols keep running.
func (e *Engine) worker(ctx context.Context, symbol string) error {
	interval := e.cfg.Interval()
	next := e.now().Truncate(interval).Add(interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		for !next.After(e.now()) {
			if err := e.RunInterval(ctx, symbol, next); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.log.Error("worker stopping",
					"symbol", symbol,
					"error", err)
				return nil
			}
			next = next.Add(interval)
		}
	}
}

// RunInterval computes, persists, and forwards the metric for the interval
// ending at end. A failed computation still emits a row, flagged
// ComputationError, so the interval sequence stays contiguous; only a
// storage failure that outlives the backoff (context canceled) propagates.
func (e *Engine) RunInterval(ctx context.Context, symbol string, end time.Time) error {
	acc, ok := e.accs[symbol]
	if !ok {
		return fmt.Errorf("%w: symbol %s", xerrors.ErrNotFound, symbol)
	}

	endUs := end.UnixMicro()
	startUs := endUs - e.cfg.Interval().Microseconds()

	if !acc.seeded {
		e.restoreSession(acc, startUs, endUs)
		acc.seeded = true
	}

	m, err := e.compute(acc, symbol, startUs, endUs)
	if err != nil {
		e.computeErrors.Add(1)
		e.log.Error("interval computation failed",
			"symbol", symbol,
			"interval_end", end,
			"error", err)
		m = e.errorMetric(acc, endUs)
	}

	if err := e.appendMetric(ctx, m); err != nil {
		return err
	}
	e.computed.Add(1)

	if e.sink != nil {
		e.sink(m)
	}
	return nil
}

func (e *Engine) compute(acc *Accumulator, symbol string, startUs, endUs int64) (*market.OrderFlowMetric, error) {
	rawTicks, err := e.store.Recent(market.ClassTick, symbol, startUs, endUs)
	if err != nil {
		return nil, fmt.Errorf("read ticks: %w", err)
	}
	rawDepths, err := e.store.Recent(market.ClassDepth, symbol, startUs, endUs)
	if err != nil {
		return nil, fmt.Errorf("read depth: %w", err)
	}

	ticks := make([]*market.Tick, 0, len(rawTicks))
	for _, rec := range rawTicks {
		t, ok := rec.(*market.Tick)
		if !ok {
			return nil, fmt.Errorf("unexpected record type %T in tick stream", rec)
		}
		ticks = append(ticks, t)
	}
	depths := make([]*market.DepthSnapshot, 0, len(rawDepths))
	for _, rec := range rawDepths {
		d, ok := rec.(*market.DepthSnapshot)
		if !ok {
			return nil, fmt.Errorf("unexpected record type %T in depth stream", rec)
		}
		depths = append(depths, d)
	}

	return ComputeInterval(acc, ticks, depths, endUs, &e.cfg.Flow), nil
}

// restoreSession rebuilds an accumulator's session state from the metrics
// already persisted for the interval's session, so a restart mid-session
// continues the cumulative delta recurrence instead of starting from zero.
// Trailing windows replay from the stored per-interval rows; quote state and
// the trade-size sketch are not recoverable from metrics and start fresh.
func (e *Engine) restoreSession(acc *Accumulator, startUs, endUs int64) {
	sessionStartUs := market.TruncateToPartition(endUs - 1)
	if startUs <= sessionStartUs {
		// First interval of the session: nothing persisted to restore.
		return
	}

	records, err := e.store.Recent(market.ClassMetric, acc.symbol, sessionStartUs+1, startUs+1)
	if err != nil {
		e.log.Warn("session restore read failed, starting from zero",
			"symbol", acc.symbol,
			"error", err)
		return
	}

	var metrics []*market.OrderFlowMetric
	for _, rec := range records {
		if m, ok := rec.(*market.OrderFlowMetric); ok {
			metrics = append(metrics, m)
		}
	}
	if len(metrics) == 0 {
		return
	}

	acc.sessionStartUs = sessionStartUs
	acc.cumDelta = metrics[len(metrics)-1].CumDelta
	for _, m := range metrics {
		if m.ComputationError {
			continue
		}
		acc.volume.push(m.Volume)
		acc.buyVolume.push(m.BuyVolume)
		acc.sellVolume.push(m.SellVolume)
		if m.TradeCount > 0 {
			acc.tradeSize.push(m.Volume / float64(m.TradeCount))
		} else {
			acc.tradeSize.push(0)
		}
	}

	e.log.Info("session state restored",
		"symbol", acc.symbol,
		"metrics", len(metrics),
		"cum_delta", acc.cumDelta)
}

// errorMetric builds the contiguity-preserving row for a failed interval:
// zero flow, current cumulative delta, neutral phase.
func (e *Engine) errorMetric(acc *Accumulator, endUs int64) *market.OrderFlowMetric {
	acc.rollSession(endUs)
	return &market.OrderFlowMetric{
		Symbol:           acc.symbol,
		IntervalEndUs:    endUs,
		IntervalSeconds:  int32(e.cfg.Flow.IntervalSeconds),
		CumDelta:         acc.cumDelta,
		Phase:            market.PhaseNeutral,
		ComputationError: true,
	}
}

// appendMetric persists with backoff on storage failure. A duplicate means
// the interval was already written (replay after restart) and is absorbed.
func (e *Engine) appendMetric(ctx context.Context, m *market.OrderFlowMetric) error {
	backoff := e.retryMin
	for {
		err := e.store.Append(m)
		switch {
		case err == nil:
			return nil
		case xerrors.IsDuplicate(err):
			return nil
		case xerrors.IsStorageUnavailable(err):
			e.appendRetries.Add(1)
			e.log.Warn("metric append failed, retrying",
				"symbol", m.Symbol,
				"interval_end_us", m.IntervalEndUs,
				"backoff", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > e.retryMax {
				backoff = e.retryMax
			}
		default:
			return err
		}
	}
}

// Accumulator returns the live accumulator for a symbol, for the read
// path's provisional views and for tests.
func (e *Engine) Accumulator(symbol string) (*Accumulator, bool) {
	acc, ok := e.accs[symbol]
	return acc, ok
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		IntervalsComputed: e.computed.Load(),
		ComputationErrors: e.computeErrors.Load(),
		AppendRetries:     e.appendRetries.Load(),
	}
}

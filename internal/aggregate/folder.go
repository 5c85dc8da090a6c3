// Package aggregate folds order-flow metrics into fixed-width bars without
// rescanning history. Each symbol has at most one open bucket; a metric for
// a later bucket freezes the open one, and a metric for an earlier, already
// frozen bucket becomes a correction event instead of a mutation.
package aggregate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tickflow/internal/logging"
	"tickflow/internal/market"
)

// Stats is a snapshot of folder counters.
type Stats struct {
	MetricsFolded uint64
	BarsFrozen    uint64
	Corrections   uint64
	OpenBuckets   int
}

// bucket is one symbol's mutable open accumulator.
type bucket struct {
	bar      market.Bar
	imbSum   float64
	imbCount int
}

// Folder maintains per-symbol open buckets. All methods are safe for
// concurrent use, though each symbol normally has a single caller (its
// engine worker).
type Folder struct {
	bucketUs int64
	log      *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	open       map[string]*bucket
	lastFrozen map[string]int64 // newest frozen bucket start per symbol
	events     []market.CorrectionEvent

	metricsFolded uint64
	barsFrozen    uint64
}

// New creates a folder with the given bucket width.
func New(bucketSeconds int) *Folder {
	return &Folder{
		bucketUs:   int64(bucketSeconds) * int64(time.Second/time.Microsecond),
		log:        logging.Component("aggregate"),
		now:        time.Now,
		open:       map[string]*bucket{},
		lastFrozen: map[string]int64{},
	}
}

// bucketStart returns the start of the bucket a metric belongs to. The
// interval end is treated as an inclusive membership bound: an interval
// ending exactly on a bucket boundary belongs to the bucket it closes.
func (f *Folder) bucketStart(m *market.OrderFlowMetric) int64 {
	return (m.IntervalEndUs - 1) / f.bucketUs * f.bucketUs
}

// Fold incorporates one metric. It returns a frozen Bar when the metric
// advanced the symbol past its open bucket, or a CorrectionEvent when the
// metric was late for an already-frozen bucket. At most one of the two is
// non-nil.
func (f *Folder) Fold(m *market.OrderFlowMetric) (*market.Bar, *market.CorrectionEvent) {
	start := f.bucketStart(m)

	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.open[m.Symbol]
	switch {
	case ok && start == b.bar.BucketStartUs:
		f.foldInto(b, m)
		return nil, nil

	case ok && start > b.bar.BucketStartUs:
		frozen := f.freeze(m.Symbol, b, false)
		nb := f.newBucket(m.Symbol, start)
		f.foldInto(nb, m)
		f.open[m.Symbol] = nb
		return frozen, nil

	case ok: // start < open bucket: late for a frozen bucket
		return nil, f.correction(m, start)

	default:
		if last, frozen := f.lastFrozen[m.Symbol]; frozen && start <= last {
			return nil, f.correction(m, start)
		}
		nb := f.newBucket(m.Symbol, start)
		f.foldInto(nb, m)
		f.open[m.Symbol] = nb
		return nil, nil
	}
}

func (f *Folder) newBucket(symbol string, startUs int64) *bucket {
	return &bucket{
		bar: market.Bar{
			Symbol:        symbol,
			BucketStartUs: startUs,
			BucketSeconds: int32(f.bucketUs / int64(time.Second/time.Microsecond)),
		},
	}
}

// foldInto merges one metric into an open bucket. OHLC only considers
// intervals that actually traded; an empty interval's zero prices would
// otherwise corrupt the bar's low and close.
func (f *Folder) foldInto(b *bucket, m *market.OrderFlowMetric) {
	bar := &b.bar
	bar.TradeDelta += m.TradeDelta
	bar.CumDelta = m.CumDelta
	bar.Volume += m.Volume
	bar.LargeTrades += m.LargeTradeCount
	bar.LastPhase = m.Phase
	bar.MetricCount++

	if m.ImbalanceL5 != nil {
		b.imbSum += *m.ImbalanceL5
		b.imbCount++
	}

	if m.Open != 0 {
		if bar.Open == 0 {
			bar.Open = m.Open
			bar.Low = m.Low
		}
		if m.High > bar.High {
			bar.High = m.High
		}
		if m.Low < bar.Low {
			bar.Low = m.Low
		}
		bar.Close = m.Close
	}

	f.metricsFolded++
}

// freeze finalizes a bucket into an immutable Bar.
func (f *Folder) freeze(symbol string, b *bucket, provisional bool) *market.Bar {
	bar := b.bar
	bar.Provisional = provisional
	if b.imbCount > 0 {
		avg := b.imbSum / float64(b.imbCount)
		bar.AvgImbalanceL5 = &avg
	}
	if !provisional {
		if bar.BucketStartUs > f.lastFrozen[symbol] {
			f.lastFrozen[symbol] = bar.BucketStartUs
		}
		f.barsFrozen++
	}
	return &bar
}

func (f *Folder) correction(m *market.OrderFlowMetric, bucketStartUs int64) *market.CorrectionEvent {
	ev := market.CorrectionEvent{
		ID:            uuid.NewString(),
		Symbol:        m.Symbol,
		BucketStartUs: bucketStartUs,
		IntervalEndUs: m.IntervalEndUs,
		ReceivedAtUs:  f.now().UnixMicro(),
	}
	f.events = append(f.events, ev)
	f.log.Warn("late metric for frozen bucket",
		"symbol", m.Symbol,
		"bucket_start_us", bucketStartUs,
		"interval_end_us", m.IntervalEndUs)
	return &ev
}

// Provisional returns a snapshot of a symbol's open bucket as a provisional
// bar, without freezing it. ok is false when no bucket is open.
func (f *Folder) Provisional(symbol string) (*market.Bar, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.open[symbol]
	if !ok {
		return nil, false
	}
	bar := b.bar
	bar.Provisional = true
	if b.imbCount > 0 {
		avg := b.imbSum / float64(b.imbCount)
		bar.AvgImbalanceL5 = &avg
	}
	return &bar, true
}

// FlushAll freezes every open bucket as a provisional bar, for shutdown.
func (f *Folder) FlushAll() []*market.Bar {
	f.mu.Lock()
	defer f.mu.Unlock()

	var bars []*market.Bar
	for sym, b := range f.open {
		bars = append(bars, f.freeze(sym, b, true))
		delete(f.open, sym)
	}
	return bars
}

// Corrections returns correction events for a symbol received at or after
// sinceUs. An empty symbol matches all symbols.
func (f *Folder) Corrections(symbol string, sinceUs int64) []market.CorrectionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []market.CorrectionEvent
	for _, ev := range f.events {
		if symbol != "" && ev.Symbol != symbol {
			continue
		}
		if ev.ReceivedAtUs >= sinceUs {
			out = append(out, ev)
		}
	}
	return out
}

// Stats returns a snapshot of folder counters.
func (f *Folder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		MetricsFolded: f.metricsFolded,
		BarsFrozen:    f.barsFrozen,
		Corrections:   uint64(len(f.events)),
		OpenBuckets:   len(f.open),
	}
}

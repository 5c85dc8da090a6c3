package market

import "time"

// Bar is a fixed-width continuous aggregate of OrderFlowMetric rows, one per
// (symbol, bucket). Bars are folded incrementally while their bucket is open
// and frozen once the bucket closes; frozen bars are never reopened.
type Bar struct {
	Symbol        string
	BucketStartUs int64
	BucketSeconds int32

	// Folded from the metrics inside the bucket
	TradeDelta     float64 // Sum of interval deltas
	CumDelta       float64 // Cumulative delta of the last interval
	AvgImbalanceL5 *float64 // Average L5 imbalance over intervals with book data
	Volume         float64
	LargeTrades    int32
	LastPhase      Phase

	Open  float64
	High  float64
	Low   float64
	Close float64

	// MetricCount is the number of metric intervals folded in.
	MetricCount int32

	// Provisional marks a bar snapshotted from a still-open bucket: a live
	// read of the current bucket, or the flush of an open bucket at
	// shutdown.
	Provisional bool
}

// Class returns the data class for bars.
func (b *Bar) Class() DataClass { return ClassBar }

// Sym returns the bar's symbol.
func (b *Bar) Sym() string { return b.Symbol }

// Ts returns the bar's bucket start timestamp in microseconds.
func (b *Bar) Ts() int64 { return b.BucketStartUs }

// BucketEndUs returns the bucket end timestamp in microseconds.
func (b *Bar) BucketEndUs() int64 {
	return b.BucketStartUs + int64(b.BucketSeconds)*int64(time.Second/time.Microsecond)
}

// CorrectionEvent records a late-arriving metric that targeted an
// already-frozen bucket. The frozen bar is left untouched; consumers read
// corrections through a dedicated query.
type CorrectionEvent struct {
	ID            string // UUID
	Symbol        string
	BucketStartUs int64 // The frozen bucket the metric belonged to
	IntervalEndUs int64 // The late metric's interval end
	ReceivedAtUs  int64
}

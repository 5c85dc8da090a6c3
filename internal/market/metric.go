package market

import "time"

// OrderFlowMetric is one computed row of order-flow microstructure metrics
// for a (symbol, interval) pair. Metrics are computed exactly once per
// interval per symbol and never mutated after the interval closes: a
// correction is a new record, never an in-place edit.
//
// Book-derived fields are pointers so that "no depth data in the interval"
// remains distinguishable from "balanced book".
type OrderFlowMetric struct {
	// Identity: the interval is [IntervalEndUs - IntervalSeconds,
	// IntervalEndUs). Consecutive intervals for a symbol are contiguous.
	Symbol          string
	IntervalEndUs   int64
	IntervalSeconds int32

	// Order flow
	TradeDelta float64 // Buy-classified volume minus sell-classified volume
	CumDelta   float64 // Running cumulative delta since session start
	Divergence bool    // Price trend and cumulative-delta trend disagree

	// Phase classification
	Phase      Phase
	Confidence float64 // [0, 1]

	// Book imbalance (nil when no depth data was seen in the interval)
	ImbalanceL1 *float64
	ImbalanceL5 *float64
	StackedBuy  *int32 // Consecutive levels imbalanced toward bids
	StackedSell *int32 // Consecutive levels imbalanced toward asks

	// Interval volume
	Volume     float64
	BuyVolume  float64
	SellVolume float64
	VWAP       float64
	TradeCount int32

	// Large trades
	LargeTradeCount  int32
	LargeTradeVolume float64
	TradeSizeP95     *float64 // 95th percentile of trade sizes, nil when no trades

	// Absorption
	AbsorptionBuy  bool // Heavy selling absorbed without a proportional decline
	AbsorptionSell bool

	// Interval OHLC (zero when the interval had no trades)
	Open  float64
	High  float64
	Low   float64
	Close float64

	// ComputationError marks an interval whose computation failed; the row
	// is still emitted so the interval sequence stays gap-free.
	ComputationError bool
}

// Class returns the data class for order-flow metrics.
func (m *OrderFlowMetric) Class() DataClass { return ClassMetric }

// Sym returns the metric's symbol.
func (m *OrderFlowMetric) Sym() string { return m.Symbol }

// Ts returns the metric's interval-end timestamp in microseconds.
func (m *OrderFlowMetric) Ts() int64 { return m.IntervalEndUs }

// IntervalStartUs returns the interval start timestamp in microseconds.
func (m *OrderFlowMetric) IntervalStartUs() int64 {
	return m.IntervalEndUs - int64(m.IntervalSeconds)*int64(time.Second/time.Microsecond)
}

// HasBook reports whether any depth data was observed in the interval.
func (m *OrderFlowMetric) HasBook() bool {
	return m.ImbalanceL1 != nil
}

// SetImbalance sets the book-derived fields in one call.
func (m *OrderFlowMetric) SetImbalance(l1, l5 float64, stackedBuy, stackedSell int32) {
	m.ImbalanceL1 = &l1
	m.ImbalanceL5 = &l5
	m.StackedBuy = &stackedBuy
	m.StackedSell = &stackedSell
}

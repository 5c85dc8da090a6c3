package market

import "time"

// MaxDepthLevels is the maximum number of levels kept per book side.
const MaxDepthLevels = 5

// BookLevel holds one resting price level of the order book.
type BookLevel struct {
	Price float64
	Qty   float64
}

// DepthSnapshot represents the state of the order book for one instrument
// at a point in time: up to five bid levels and five ask levels, plus fields
// derived at normalization time. Immutable once written; same identity rule
// as Tick.
type DepthSnapshot struct {
	// Identity
	TimestampUs  int64
	InstrumentID int64
	Symbol       string

	// Book state. Bids are ordered best (highest) first, asks best
	// (lowest) first.
	Bids []BookLevel
	Asks []BookLevel

	// Derived at normalization time
	Spread       float64 // BestAsk - BestBid
	TotalBidQty  float64 // Sum of bid quantities across levels
	TotalAskQty  float64 // Sum of ask quantities across levels
	TopImbalance float64 // (BestBidQty - BestAskQty) / (BestBidQty + BestAskQty)
}

// Class returns the data class for depth snapshots.
func (d *DepthSnapshot) Class() DataClass { return ClassDepth }

// Sym returns the snapshot's symbol.
func (d *DepthSnapshot) Sym() string { return d.Symbol }

// Ts returns the snapshot's timestamp in microseconds.
func (d *DepthSnapshot) Ts() int64 { return d.TimestampUs }

// Time returns the timestamp as a time.Time.
func (d *DepthSnapshot) Time() time.Time {
	return time.UnixMicro(d.TimestampUs)
}

// BestBid returns the top bid level. ok is false when the bid side is empty.
func (d *DepthSnapshot) BestBid() (BookLevel, bool) {
	if len(d.Bids) == 0 {
		return BookLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the top ask level. ok is false when the ask side is empty.
func (d *DepthSnapshot) BestAsk() (BookLevel, bool) {
	if len(d.Asks) == 0 {
		return BookLevel{}, false
	}
	return d.Asks[0], true
}

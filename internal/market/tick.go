package market

import "time"

// Tick represents a single normalized trade/quote update for one instrument.
// Ticks are immutable once written; a tick is identified by
// (instrument, timestamp) and duplicates with an identical key are ignored
// idempotently by the store.
type Tick struct {
	// Identity
	TimestampUs  int64  // Unix timestamp in microseconds
	InstrumentID int64  // Exchange instrument token
	Symbol       string // Normalized symbol (e.g., "NIFTY24AUGFUT")

	// Trade data
	LastPrice float64 // Last traded price
	LastQty   float64 // Last traded quantity

	// Session cumulative data
	SessionVolume float64 // Cumulative traded volume for the session
	BuyQty        float64 // Cumulative buy quantity
	SellQty       float64 // Cumulative sell quantity
	OpenInterest  float64 // Open interest (derivatives only, else zero)

	// Session OHLC so far
	SessionOpen  float64
	SessionHigh  float64
	SessionLow   float64
	SessionClose float64

	LastTradeTimeUs int64 // Timestamp of the last trade in microseconds
}

// Class returns the data class for ticks.
func (t *Tick) Class() DataClass { return ClassTick }

// Sym returns the tick's symbol.
func (t *Tick) Sym() string { return t.Symbol }

// Ts returns the tick's timestamp in microseconds.
func (t *Tick) Ts() int64 { return t.TimestampUs }

// Time returns the timestamp as a time.Time.
func (t *Tick) Time() time.Time {
	return time.UnixMicro(t.TimestampUs)
}

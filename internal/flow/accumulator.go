package flow

import (
	"github.com/DataDog/sketches-go/ddsketch"

	"tickflow/internal/market"
)

// sketchAccuracy is the relative accuracy of the trade-size sketch; 1% keeps
// the sketch a few KB per symbol.
const sketchAccuracy = 0.01

// side is a trade's aggressor classification.
type side int

const (
	sideUnknown side = 0
	sideBuy     side = 1
	sideSell    side = -1
)

// Accumulator owns the session-scoped state for one symbol: cumulative
// delta, tick-rule carry, prevailing quotes, trailing windows, and the
// trade-size sketch. It has exactly one writer (the symbol's engine worker)
// and is passed explicitly into the interval computation.
type Accumulator struct {
	symbol string

	// sessionStartUs is the UTC day start of the session the state belongs
	// to. Zero until the first interval.
	sessionStartUs int64

	// seeded is set once the engine has restored (or confirmed empty) the
	// session state persisted before this process started.
	seeded bool

	cumDelta float64

	// Tick-rule carry: the previous trade's classification and price.
	lastSide  side
	lastPrice float64

	// Prevailing quotes carried across interval boundaries so the first
	// trades of an interval classify against the last known book.
	bestBid float64
	bestAsk float64

	// Trailing per-interval windows over closed intervals.
	volume     *trailingWindow
	buyVolume  *trailingWindow
	sellVolume *trailingWindow
	tradeSize  *trailingWindow // mean trade size per interval

	// sketch holds every trade size seen this session.
	sketch *ddsketch.DDSketch
}

// NewAccumulator creates the per-symbol accumulator with trailing windows of
// the given length (in intervals).
func NewAccumulator(symbol string, window int) (*Accumulator, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return nil, err
	}
	return &Accumulator{
		symbol:     symbol,
		volume:     newTrailingWindow(window),
		buyVolume:  newTrailingWindow(window),
		sellVolume: newTrailingWindow(window),
		tradeSize:  newTrailingWindow(window),
		sketch:     sketch,
	}, nil
}

// CumDelta returns the running cumulative delta for the current session.
func (a *Accumulator) CumDelta() float64 { return a.cumDelta }

// rollSession resets session-scoped state when the interval belongs to a
// later UTC session than the accumulator's. Returns true on reset.
func (a *Accumulator) rollSession(intervalEndUs int64) bool {
	// The interval end is an exclusive bound: an interval ending exactly
	// at midnight still belongs to the prior session.
	sessionStart := market.TruncateToPartition(intervalEndUs - 1)
	if a.sessionStartUs == sessionStart {
		return false
	}
	first := a.sessionStartUs == 0
	a.sessionStartUs = sessionStart
	if first {
		return false
	}

	a.cumDelta = 0
	a.lastSide = sideUnknown
	a.volume.reset()
	a.buyVolume.reset()
	a.sellVolume.reset()
	a.tradeSize.reset()
	if sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy); err == nil {
		a.sketch = sketch
	}
	return true
}

// tradeSizeP95 returns the session 95th-percentile trade size, nil before
// any trade.
func (a *Accumulator) tradeSizeP95() *float64 {
	if a.sketch.GetCount() == 0 {
		return nil
	}
	p95, err := a.sketch.GetValueAtQuantile(0.95)
	if err != nil {
		return nil
	}
	return &p95
}

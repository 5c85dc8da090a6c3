package flow

import (
	"testing"
	"time"

	"tickflow/internal/config"
	"tickflow/internal/market"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func flowConfig() *config.FlowConfig {
	cfg := config.DefaultConfig().Flow
	return &cfg
}

func newAcc(t *testing.T) *Accumulator {
	t.Helper()
	acc, err := NewAccumulator("X", 20)
	if err != nil {
		t.Fatalf("NewAccumulator: %v", err)
	}
	return acc
}

// trade builds one tick inside the interval ending at endUs.
func trade(endUs int64, offset time.Duration, price, qty float64) *market.Tick {
	return &market.Tick{
		Symbol:      "X",
		TimestampUs: endUs - (10 * time.Second).Microseconds() + offset.Microseconds(),
		LastPrice:   price,
		LastQty:     qty,
	}
}

func book(tsUs int64, bidPx, bidQty, askPx, askQty float64) *market.DepthSnapshot {
	return &market.DepthSnapshot{
		Symbol:      "X",
		TimestampUs: tsUs,
		Bids:        []market.BookLevel{{Price: bidPx, Qty: bidQty}},
		Asks:        []market.BookLevel{{Price: askPx, Qty: askQty}},
		TotalBidQty: bidQty,
		TotalAskQty: askQty,
	}
}

// seedIntervals closes n intervals of plain volume so trailing averages
// exist. Returns the next interval end.
func seedIntervals(t *testing.T, acc *Accumulator, cfg *config.FlowConfig, n int, volumePerInterval float64) int64 {
	t.Helper()
	endUs := day.Add(10 * time.Second).UnixMicro()
	for i := 0; i < n; i++ {
		ticks := []*market.Tick{
			trade(endUs, time.Second, 100, volumePerInterval/2),
			trade(endUs, 2*time.Second, 100, volumePerInterval/2),
		}
		depths := []*market.DepthSnapshot{book(ticks[0].TimestampUs-1, 99.5, 10, 100, 10)}
		ComputeInterval(acc, ticks, depths, endUs, cfg)
		endUs += (10 * time.Second).Microseconds()
	}
	return endUs
}

func TestComputeInterval_CumDeltaRecurrence(t *testing.T) {
	acc := newAcc(t)
	cfg := flowConfig()

	endUs := day.Add(10 * time.Second).UnixMicro()
	prevCum := 0.0
	for i := 0; i < 10; i++ {
		// Alternate aggressive buys and sells against a fixed book.
		depths := []*market.DepthSnapshot{book(endUs-(10*time.Second).Microseconds(), 99, 10, 101, 10)}
		var ticks []*market.Tick
		if i%2 == 0 {
			ticks = []*market.Tick{trade(endUs, time.Second, 101, 5)} // at ask: buy
		} else {
			ticks = []*market.Tick{trade(endUs, time.Second, 99, 3)} // at bid: sell
		}

		m := ComputeInterval(acc, ticks, depths, endUs, cfg)
		if got, want := m.CumDelta, prevCum+m.TradeDelta; got != want {
			t.Fatalf("interval %d: CumDelta = %v, want prev %v + delta %v", i, got, prevCum, m.TradeDelta)
		}
		prevCum = m.CumDelta
		endUs += (10 * time.Second).Microseconds()
	}
}

func TestComputeInterval_SessionResetsCumDelta(t *testing.T) {
	acc := newAcc(t)
	cfg := flowConfig()

	// Last interval of the session: ends exactly at midnight.
	endUs := day.Add(24 * time.Hour).UnixMicro()
	depths := []*market.DepthSnapshot{book(endUs-(10*time.Second).Microseconds(), 99, 10, 101, 10)}
	m := ComputeInterval(acc, []*market.Tick{trade(endUs, time.Second, 101, 7)}, depths, endUs, cfg)
	if m.CumDelta != 7 {
		t.Fatalf("CumDelta before rollover = %v, want 7", m.CumDelta)
	}

	// First interval of the next session.
	endUs += (10 * time.Second).Microseconds()
	m = ComputeInterval(acc, []*market.Tick{trade(endUs, time.Second, 101, 2)}, depths, endUs, cfg)
	if m.CumDelta != 2 {
		t.Fatalf("CumDelta after rollover = %v, want 2 (reset + 2)", m.CumDelta)
	}
}

func TestComputeInterval_EmptyIntervalIsNeutral(t *testing.T) {
	acc := newAcc(t)
	cfg := flowConfig()
	endUs := seedIntervals(t, acc, cfg, 3, 100)

	m := ComputeInterval(acc, nil, nil, endUs, cfg)
	if m.Volume != 0 || m.TradeDelta != 0 {
		t.Errorf("empty interval: volume=%v delta=%v, want 0/0", m.Volume, m.TradeDelta)
	}
	if m.Phase != market.PhaseNeutral || m.Confidence != 0 {
		t.Errorf("empty interval: phase=%v conf=%v, want neutral/0", m.Phase, m.Confidence)
	}
	if m.HasBook() {
		t.Error("empty interval should have nil book fields")
	}
	if m.IntervalEndUs != endUs {
		t.Errorf("IntervalEndUs = %d, want %d", m.IntervalEndUs, endUs)
	}
}

func TestComputeInterval_AccumulationScenario(t *testing.T) {
	// Buy-classified volume 800, sell-classified 200 → delta 600. Trailing
	// average volume 300 → ratio 3.33 > high threshold, price closed
	// higher → accumulation.
	acc := newAcc(t)
	cfg := flowConfig()
	endUs := seedIntervals(t, acc, cfg, 5, 300)

	depths := []*market.DepthSnapshot{book(endUs-(10*time.Second).Microseconds(), 99, 10, 100, 10)}
	ticks := []*market.Tick{
		trade(endUs, 1*time.Second, 99, 200),   // at bid: sell
		trade(endUs, 2*time.Second, 100, 400),  // at ask: buy
		trade(endUs, 3*time.Second, 100.5, 400), // through ask: buy
	}

	m := ComputeInterval(acc, ticks, depths, endUs, cfg)
	if m.TradeDelta != 600 {
		t.Fatalf("TradeDelta = %v, want 600", m.TradeDelta)
	}
	if m.BuyVolume != 800 || m.SellVolume != 200 {
		t.Fatalf("buy/sell volume = %v/%v, want 800/200", m.BuyVolume, m.SellVolume)
	}
	if m.Phase != market.PhaseAccumulation {
		t.Fatalf("Phase = %v, want accumulation", m.Phase)
	}
	if m.Confidence <= 0 || m.Confidence > 1 {
		t.Errorf("Confidence = %v, want in (0, 1]", m.Confidence)
	}
}

func TestComputeInterval_StealthPhases(t *testing.T) {
	tests := []struct {
		name      string
		prices    [2]float64 // first and last trade price
		wantPhase market.Phase
	}{
		{"price up low volume", [2]float64{100, 100.5}, market.PhaseStealthDistribution},
		{"price down low volume", [2]float64{100, 99.5}, market.PhaseStealthAccumulation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := newAcc(t)
			cfg := flowConfig()
			endUs := seedIntervals(t, acc, cfg, 5, 1000)

			// Tiny volume relative to the trailing average of 1000.
			ticks := []*market.Tick{
				trade(endUs, time.Second, tt.prices[0], 5),
				trade(endUs, 2*time.Second, tt.prices[1], 5),
			}
			m := ComputeInterval(acc, ticks, nil, endUs, cfg)
			if m.Phase != tt.wantPhase {
				t.Fatalf("Phase = %v, want %v", m.Phase, tt.wantPhase)
			}
		})
	}
}

func TestComputeInterval_TickRuleCarry(t *testing.T) {
	acc := newAcc(t)
	cfg := flowConfig()
	endUs := day.Add(10 * time.Second).UnixMicro()

	// First trade lifts the ask (buy); second prints inside the spread and
	// carries the buy classification.
	depths := []*market.DepthSnapshot{book(endUs-(10*time.Second).Microseconds(), 99, 10, 101, 10)}
	ticks := []*market.Tick{
		trade(endUs, time.Second, 101, 4),
		trade(endUs, 2*time.Second, 100, 6), // inside spread
	}
	m := ComputeInterval(acc, ticks, depths, endUs, cfg)
	if m.TradeDelta != 10 {
		t.Fatalf("TradeDelta = %v, want 10 (both buys)", m.TradeDelta)
	}
}

func TestComputeInterval_QuotesCarryAcrossIntervals(t *testing.T) {
	acc := newAcc(t)
	cfg := flowConfig()
	endUs := day.Add(10 * time.Second).UnixMicro()

	// Interval 1 establishes the book; no trades.
	depths := []*market.DepthSnapshot{book(endUs-time.Second.Microseconds(), 99, 10, 101, 10)}
	ComputeInterval(acc, nil, depths, endUs, cfg)

	// Interval 2 has a trade but no fresh depth: classification uses the
	// carried quotes.
	endUs += (10 * time.Second).Microseconds()
	m := ComputeInterval(acc, []*market.Tick{trade(endUs, time.Second, 101, 5)}, nil, endUs, cfg)
	if m.TradeDelta != 5 {
		t.Fatalf("TradeDelta = %v, want 5 (buy against carried ask)", m.TradeDelta)
	}
}

func TestComputeInterval_Divergence(t *testing.T) {
	acc := newAcc(t)
	cfg := flowConfig()
	endUs := day.Add(10 * time.Second).UnixMicro()

	// Price closes higher while flow is net selling.
	depths := []*market.DepthSnapshot{book(endUs-(10*time.Second).Microseconds(), 99, 10, 101, 10)}
	ticks := []*market.Tick{
		trade(endUs, time.Second, 99, 20),         // sell
		trade(endUs, 2*time.Second, 101, 5),       // buy
		trade(endUs, 3*time.Second, 101.5, 1),     // buy, closes above open
	}
	m := ComputeInterval(acc, ticks, depths, endUs, cfg)
	if m.TradeDelta >= 0 {
		t.Fatalf("TradeDelta = %v, want negative", m.TradeDelta)
	}
	if !m.Divergence {
		t.Error("Divergence = false, want true (price up, delta down)")
	}
}

func TestComputeInterval_AbsorptionBuy(t *testing.T) {
	acc := newAcc(t)
	cfg := flowConfig()

	// Seed intervals with both buy and sell flow so trailing side-volume
	// averages exist.
	endUs := day.Add(10 * time.Second).UnixMicro()
	for i := 0; i < 5; i++ {
		depths := []*market.DepthSnapshot{book(endUs-(10*time.Second).Microseconds(), 99, 10, 101, 10)}
		ticks := []*market.Tick{
			trade(endUs, time.Second, 101, 50),  // buy 50
			trade(endUs, 2*time.Second, 99, 50), // sell 50
		}
		ComputeInterval(acc, ticks, depths, endUs, cfg)
		endUs += (10 * time.Second).Microseconds()
	}

	// Heavy selling (500 vs trailing avg 50, multiple 2.5) with no price
	// decline: buyers absorbed it.
	depths := []*market.DepthSnapshot{book(endUs-(10*time.Second).Microseconds(), 99, 10, 101, 10)}
	ticks := []*market.Tick{
		trade(endUs, time.Second, 99, 250),
		trade(endUs, 2*time.Second, 99, 250),
	}
	m := ComputeInterval(acc, ticks, depths, endUs, cfg)
	if !m.AbsorptionBuy {
		t.Error("AbsorptionBuy = false, want true")
	}
	if m.AbsorptionSell {
		t.Error("AbsorptionSell = true, want false")
	}
}

func TestComputeInterval_LargeTrades(t *testing.T) {
	acc := newAcc(t)
	cfg := flowConfig()
	// Trailing mean trade size is 50 per seed interval (100 over 2 trades).
	endUs := seedIntervals(t, acc, cfg, 5, 100)

	depths := []*market.DepthSnapshot{book(endUs-(10*time.Second).Microseconds(), 99, 10, 101, 10)}
	ticks := []*market.Tick{
		trade(endUs, time.Second, 101, 40),        // below 3x threshold
		trade(endUs, 2*time.Second, 101, 400),     // large
		trade(endUs, 3*time.Second, 101, 200),     // large
	}
	m := ComputeInterval(acc, ticks, depths, endUs, cfg)
	if m.LargeTradeCount != 2 {
		t.Fatalf("LargeTradeCount = %d, want 2", m.LargeTradeCount)
	}
	if m.LargeTradeVolume != 600 {
		t.Fatalf("LargeTradeVolume = %v, want 600", m.LargeTradeVolume)
	}
	if m.TradeSizeP95 == nil {
		t.Fatal("TradeSizeP95 = nil, want value")
	}
}

func TestComputeInterval_ImbalanceAndVWAP(t *testing.T) {
	acc := newAcc(t)
	cfg := flowConfig()
	endUs := day.Add(10 * time.Second).UnixMicro()

	d := &market.DepthSnapshot{
		Symbol:      "X",
		TimestampUs: endUs - time.Second.Microseconds(),
		Bids: []market.BookLevel{
			{Price: 99.9, Qty: 80},
			{Price: 99.8, Qty: 70},
			{Price: 99.7, Qty: 10},
		},
		Asks: []market.BookLevel{
			{Price: 100.1, Qty: 20},
			{Price: 100.2, Qty: 20},
			{Price: 100.3, Qty: 90},
		},
		TotalBidQty: 160,
		TotalAskQty: 130,
	}
	ticks := []*market.Tick{
		trade(endUs, time.Second, 100, 10),
		trade(endUs, 2*time.Second, 102, 10),
	}
	m := ComputeInterval(acc, ticks, []*market.DepthSnapshot{d}, endUs, cfg)

	if m.ImbalanceL1 == nil || m.ImbalanceL5 == nil {
		t.Fatal("imbalance fields nil with depth present")
	}
	if got, want := *m.ImbalanceL1, (80.0-20.0)/100.0; got != want {
		t.Errorf("ImbalanceL1 = %v, want %v", got, want)
	}
	if got, want := *m.ImbalanceL5, (160.0-130.0)/290.0; got != want {
		t.Errorf("ImbalanceL5 = %v, want %v", got, want)
	}
	// Levels 1 and 2 are bid-heavy above the 0.65 threshold; level 3 is not.
	if *m.StackedBuy != 2 {
		t.Errorf("StackedBuy = %d, want 2", *m.StackedBuy)
	}
	if *m.StackedSell != 0 {
		t.Errorf("StackedSell = %d, want 0", *m.StackedSell)
	}
	if got, want := m.VWAP, (100.0*10+102.0*10)/20.0; got != want {
		t.Errorf("VWAP = %v, want %v", got, want)
	}
	if m.Open != 100 || m.High != 102 || m.Low != 100 || m.Close != 102 {
		t.Errorf("OHLC = %v/%v/%v/%v", m.Open, m.High, m.Low, m.Close)
	}
}

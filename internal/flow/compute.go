package flow

import (
	"tickflow/internal/config"
	"tickflow/internal/market"
)

// ComputeInterval derives one OrderFlowMetric from the ticks and depth
// snapshots of a just-closed interval [endUs-Δ, endUs), updating the
// accumulator's session state. Both inputs must be time-ordered. An empty
// interval still yields a metric (zero volume, neutral phase) so the
// per-symbol interval sequence has no gaps.
func ComputeInterval(acc *Accumulator, ticks []*market.Tick, depths []*market.DepthSnapshot, endUs int64, cfg *config.FlowConfig) *market.OrderFlowMetric {
	acc.rollSession(endUs)

	m := &market.OrderFlowMetric{
		Symbol:          acc.symbol,
		IntervalEndUs:   endUs,
		IntervalSeconds: int32(cfg.IntervalSeconds),
		Phase:           market.PhaseNeutral,
	}

	avgTradeSize, sizeOK := acc.tradeSize.average()
	largeThreshold := cfg.LargeTradeMultiple * avgTradeSize

	var (
		notional float64
		di       int // next unconsumed depth snapshot
	)
	for _, t := range ticks {
		// Advance the prevailing quotes to the last book state at or
		// before the trade.
		for di < len(depths) && depths[di].TimestampUs <= t.TimestampUs {
			if bid, ok := depths[di].BestBid(); ok {
				acc.bestBid = bid.Price
			}
			if ask, ok := depths[di].BestAsk(); ok {
				acc.bestAsk = ask.Price
			}
			di++
		}

		s := classifyTrade(t.LastPrice, acc)
		acc.lastSide = s
		acc.lastPrice = t.LastPrice

		qty := t.LastQty
		m.Volume += qty
		notional += t.LastPrice * qty
		switch s {
		case sideBuy:
			m.TradeDelta += qty
			m.BuyVolume += qty
		case sideSell:
			m.TradeDelta -= qty
			m.SellVolume += qty
		}

		if sizeOK && largeThreshold > 0 && qty > largeThreshold {
			m.LargeTradeCount++
			m.LargeTradeVolume += qty
		}
		if qty > 0 {
			acc.sketch.Add(qty)
		}

		if m.Open == 0 {
			m.Open = t.LastPrice
			m.Low = t.LastPrice
		}
		if t.LastPrice > m.High {
			m.High = t.LastPrice
		}
		if t.LastPrice < m.Low {
			m.Low = t.LastPrice
		}
		m.Close = t.LastPrice
	}
	// Quotes from snapshots after the last trade still carry forward.
	for ; di < len(depths); di++ {
		if bid, ok := depths[di].BestBid(); ok {
			acc.bestBid = bid.Price
		}
		if ask, ok := depths[di].BestAsk(); ok {
			acc.bestAsk = ask.Price
		}
	}

	m.TradeCount = int32(len(ticks))
	if m.Volume > 0 {
		m.VWAP = notional / m.Volume
	}
	m.TradeSizeP95 = acc.tradeSizeP95()

	// Book-derived fields come from the last snapshot of the interval and
	// stay nil when the interval saw no depth data.
	if len(depths) > 0 {
		last := depths[len(depths)-1]
		l1, l5 := imbalanceRatios(last)
		sb, ss := stackedCounts(last, cfg.StackedImbalanceThreshold)
		m.SetImbalance(l1, l5, sb, ss)
	}

	priceChange := m.Close - m.Open
	avgVolume, volOK := acc.volume.average()
	var volumeRatio float64
	if volOK && avgVolume > 0 {
		volumeRatio = m.Volume / avgVolume
	}
	m.Phase, m.Confidence = classifyPhase(priceChange, volumeRatio, volOK && avgVolume > 0, cfg)

	// Divergence: price moved one way while the interval's flow pushed
	// cumulative delta the other way.
	m.Divergence = (priceChange > 0 && m.TradeDelta < 0) || (priceChange < 0 && m.TradeDelta > 0)

	m.AbsorptionBuy, m.AbsorptionSell = absorption(m, acc, cfg)

	// Close the interval: fold it into session state.
	acc.cumDelta += m.TradeDelta
	m.CumDelta = acc.cumDelta

	acc.volume.push(m.Volume)
	acc.buyVolume.push(m.BuyVolume)
	acc.sellVolume.push(m.SellVolume)
	if m.TradeCount > 0 {
		acc.tradeSize.push(m.Volume / float64(m.TradeCount))
	} else {
		acc.tradeSize.push(0)
	}

	return m
}

// classifyTrade applies the quote rule with tick-rule fallback: at or
// through the ask is a buy, at or through the bid is a sell, otherwise the
// previous classification carries.
func classifyTrade(price float64, acc *Accumulator) side {
	if acc.bestAsk > 0 && price >= acc.bestAsk {
		return sideBuy
	}
	if acc.bestBid > 0 && price <= acc.bestBid {
		return sideSell
	}
	return acc.lastSide
}

// absorption detects one side's heavy aggressor flow failing to move price.
// AbsorptionBuy: aggressive selling well above the trailing norm without a
// proportional decline means resting buyers absorbed it. AbsorptionSell is
// the mirror.
func absorption(m *market.OrderFlowMetric, acc *Accumulator, cfg *config.FlowConfig) (buy, sell bool) {
	if m.Open <= 0 {
		return false, false
	}
	tolerance := cfg.AbsorptionPriceTolerance * m.Open

	if avgSell, ok := acc.sellVolume.average(); ok && avgSell > 0 {
		heavySelling := m.SellVolume > cfg.AbsorptionMultiple*avgSell
		decline := m.Open - m.Close
		buy = heavySelling && decline <= tolerance
	}
	if avgBuy, ok := acc.buyVolume.average(); ok && avgBuy > 0 {
		heavyBuying := m.BuyVolume > cfg.AbsorptionMultiple*avgBuy
		rise := m.Close - m.Open
		sell = heavyBuying && rise <= tolerance
	}
	return buy, sell
}

package flow

import (
	"tickflow/internal/config"
	"tickflow/internal/market"
)

// classifyPhase maps an interval's price change and volume-vs-trailing ratio
// onto exactly one phase. avgOK is false when no trailing average exists yet
// (warm-up), which forces neutral.
//
// High-volume moves with price are open accumulation/distribution; low-volume
// moves against the trailing norm are the stealth variants.
func classifyPhase(priceChange, volumeRatio float64, avgOK bool, cfg *config.FlowConfig) (market.Phase, float64) {
	if !avgOK {
		return market.PhaseNeutral, 0
	}

	switch {
	case priceChange > 0 && volumeRatio > cfg.VolumeRatioHigh:
		return market.PhaseAccumulation, highConfidence(volumeRatio, cfg.VolumeRatioHigh)
	case priceChange < 0 && volumeRatio > cfg.VolumeRatioHigh:
		return market.PhaseDistribution, highConfidence(volumeRatio, cfg.VolumeRatioHigh)
	case priceChange > 0 && volumeRatio < cfg.VolumeRatioLow:
		return market.PhaseStealthDistribution, lowConfidence(volumeRatio, cfg.VolumeRatioLow)
	case priceChange < 0 && volumeRatio < cfg.VolumeRatioLow:
		return market.PhaseStealthAccumulation, lowConfidence(volumeRatio, cfg.VolumeRatioLow)
	default:
		return market.PhaseNeutral, 0
	}
}

// highConfidence scales how far the ratio sits above the high threshold:
// ratio at the threshold scores 0, at 2x the threshold scores 1.
func highConfidence(ratio, high float64) float64 {
	return clamp01((ratio - high) / high)
}

// lowConfidence scales how far the ratio sits below the low threshold:
// ratio at the threshold scores 0, at zero volume scores 1.
func lowConfidence(ratio, low float64) float64 {
	return clamp01((low - ratio) / low)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// stackedCounts returns the number of consecutive levels from the top of
// book whose per-level imbalance exceeds the threshold, independently for
// the bid and ask sides. Levels are paired by index; counting on a side
// stops at the first level that fails the test or has no opposing level.
func stackedCounts(d *market.DepthSnapshot, threshold float64) (buy, sell int32) {
	levels := len(d.Bids)
	if len(d.Asks) < levels {
		levels = len(d.Asks)
	}

	for i := 0; i < levels; i++ {
		total := d.Bids[i].Qty + d.Asks[i].Qty
		if total <= 0 || d.Bids[i].Qty/total <= threshold {
			break
		}
		buy++
	}
	for i := 0; i < levels; i++ {
		total := d.Bids[i].Qty + d.Asks[i].Qty
		if total <= 0 || d.Asks[i].Qty/total <= threshold {
			break
		}
		sell++
	}
	return buy, sell
}

// imbalanceRatios returns the L1 and L5 imbalance ratios for a snapshot.
// A one-sided or empty book yields 0 for the affected ratio.
func imbalanceRatios(d *market.DepthSnapshot) (l1, l5 float64) {
	if len(d.Bids) > 0 && len(d.Asks) > 0 {
		if top := d.Bids[0].Qty + d.Asks[0].Qty; top > 0 {
			l1 = (d.Bids[0].Qty - d.Asks[0].Qty) / top
		}
	}
	if total := d.TotalBidQty + d.TotalAskQty; total > 0 {
		l5 = (d.TotalBidQty - d.TotalAskQty) / total
	}
	return l1, l5
}

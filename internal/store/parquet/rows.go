// Package parquet implements the compact partition encoding. Aged partitions
// are rewritten from segment form into one parquet file per partition;
// retention and the read path treat both encodings as the same partition.
package parquet

import "tickflow/internal/market"

// TickRow is the parquet schema for raw ticks.
type TickRow struct {
	Symbol          string  `parquet:"symbol,zstd"`
	InstrumentID    int64   `parquet:"instrument_id"`
	TimestampUs     int64   `parquet:"timestamp_us"`
	LastPrice       float64 `parquet:"last_price"`
	LastQty         float64 `parquet:"last_qty"`
	SessionVolume   float64 `parquet:"session_volume"`
	BuyQty          float64 `parquet:"buy_qty"`
	SellQty         float64 `parquet:"sell_qty"`
	OpenInterest    float64 `parquet:"open_interest"`
	SessionOpen     float64 `parquet:"session_open"`
	SessionHigh     float64 `parquet:"session_high"`
	SessionLow      float64 `parquet:"session_low"`
	SessionClose    float64 `parquet:"session_close"`
	LastTradeTimeUs int64   `parquet:"last_trade_time_us"`
}

// LevelRow is one book level inside a DepthRow.
type LevelRow struct {
	Price float64 `parquet:"price"`
	Qty   float64 `parquet:"qty"`
}

// DepthRow is the parquet schema for depth snapshots.
type DepthRow struct {
	Symbol       string     `parquet:"symbol,zstd"`
	InstrumentID int64      `parquet:"instrument_id"`
	TimestampUs  int64      `parquet:"timestamp_us"`
	Bids         []LevelRow `parquet:"bids"`
	Asks         []LevelRow `parquet:"asks"`
	Spread       float64    `parquet:"spread"`
	TotalBidQty  float64    `parquet:"total_bid_qty"`
	TotalAskQty  float64    `parquet:"total_ask_qty"`
	TopImbalance float64    `parquet:"top_imbalance"`
}

// MetricRow is the parquet schema for order-flow metrics. Book-derived
// columns are optional so missing depth data survives the encoding change.
type MetricRow struct {
	Symbol           string   `parquet:"symbol,zstd"`
	IntervalEndUs    int64    `parquet:"interval_end_us"`
	IntervalSeconds  int32    `parquet:"interval_seconds"`
	TradeDelta       float64  `parquet:"trade_delta"`
	CumDelta         float64  `parquet:"cum_delta"`
	Divergence       bool     `parquet:"divergence"`
	Phase            string   `parquet:"phase,zstd"`
	Confidence       float64  `parquet:"confidence"`
	ImbalanceL1      *float64 `parquet:"imbalance_l1,optional"`
	ImbalanceL5      *float64 `parquet:"imbalance_l5,optional"`
	StackedBuy       *int32   `parquet:"stacked_buy,optional"`
	StackedSell      *int32   `parquet:"stacked_sell,optional"`
	Volume           float64  `parquet:"volume"`
	BuyVolume        float64  `parquet:"buy_volume"`
	SellVolume       float64  `parquet:"sell_volume"`
	VWAP             float64  `parquet:"vwap"`
	TradeCount       int32    `parquet:"trade_count"`
	LargeTradeCount  int32    `parquet:"large_trade_count"`
	LargeTradeVolume float64  `parquet:"large_trade_volume"`
	TradeSizeP95     *float64 `parquet:"trade_size_p95,optional"`
	AbsorptionBuy    bool     `parquet:"absorption_buy"`
	AbsorptionSell   bool     `parquet:"absorption_sell"`
	Open             float64  `parquet:"open"`
	High             float64  `parquet:"high"`
	Low              float64  `parquet:"low"`
	Close            float64  `parquet:"close"`
	ComputationError bool     `parquet:"computation_error"`
}

// BarRow is the parquet schema for 1-minute bars.
type BarRow struct {
	Symbol         string   `parquet:"symbol,zstd"`
	BucketStartUs  int64    `parquet:"bucket_start_us"`
	BucketSeconds  int32    `parquet:"bucket_seconds"`
	TradeDelta     float64  `parquet:"trade_delta"`
	CumDelta       float64  `parquet:"cum_delta"`
	AvgImbalanceL5 *float64 `parquet:"avg_imbalance_l5,optional"`
	Volume         float64  `parquet:"volume"`
	LargeTrades    int32    `parquet:"large_trades"`
	LastPhase      string   `parquet:"last_phase,zstd"`
	Open           float64  `parquet:"open"`
	High           float64  `parquet:"high"`
	Low            float64  `parquet:"low"`
	Close          float64  `parquet:"close"`
	MetricCount    int32    `parquet:"metric_count"`
	Provisional    bool     `parquet:"provisional"`
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func tickToRow(t *market.Tick) TickRow {
	return TickRow{
		Symbol:          t.Symbol,
		InstrumentID:    t.InstrumentID,
		TimestampUs:     t.TimestampUs,
		LastPrice:       t.LastPrice,
		LastQty:         t.LastQty,
		SessionVolume:   t.SessionVolume,
		BuyQty:          t.BuyQty,
		SellQty:         t.SellQty,
		OpenInterest:    t.OpenInterest,
		SessionOpen:     t.SessionOpen,
		SessionHigh:     t.SessionHigh,
		SessionLow:      t.SessionLow,
		SessionClose:    t.SessionClose,
		LastTradeTimeUs: t.LastTradeTimeUs,
	}
}

func rowToTick(r *TickRow) *market.Tick {
	return &market.Tick{
		Symbol:          r.Symbol,
		InstrumentID:    r.InstrumentID,
		TimestampUs:     r.TimestampUs,
		LastPrice:       r.LastPrice,
		LastQty:         r.LastQty,
		SessionVolume:   r.SessionVolume,
		BuyQty:          r.BuyQty,
		SellQty:         r.SellQty,
		OpenInterest:    r.OpenInterest,
		SessionOpen:     r.SessionOpen,
		SessionHigh:     r.SessionHigh,
		SessionLow:      r.SessionLow,
		SessionClose:    r.SessionClose,
		LastTradeTimeUs: r.LastTradeTimeUs,
	}
}

func depthToRow(d *market.DepthSnapshot) DepthRow {
	row := DepthRow{
		Symbol:       d.Symbol,
		InstrumentID: d.InstrumentID,
		TimestampUs:  d.TimestampUs,
		Spread:       d.Spread,
		TotalBidQty:  d.TotalBidQty,
		TotalAskQty:  d.TotalAskQty,
		TopImbalance: d.TopImbalance,
	}
	for _, l := range d.Bids {
		row.Bids = append(row.Bids, LevelRow{Price: l.Price, Qty: l.Qty})
	}
	for _, l := range d.Asks {
		row.Asks = append(row.Asks, LevelRow{Price: l.Price, Qty: l.Qty})
	}
	return row
}

func rowToDepth(r *DepthRow) *market.DepthSnapshot {
	d := &market.DepthSnapshot{
		Symbol:       r.Symbol,
		InstrumentID: r.InstrumentID,
		TimestampUs:  r.TimestampUs,
		Spread:       r.Spread,
		TotalBidQty:  r.TotalBidQty,
		TotalAskQty:  r.TotalAskQty,
		TopImbalance: r.TopImbalance,
	}
	for _, l := range r.Bids {
		d.Bids = append(d.Bids, market.BookLevel{Price: l.Price, Qty: l.Qty})
	}
	for _, l := range r.Asks {
		d.Asks = append(d.Asks, market.BookLevel{Price: l.Price, Qty: l.Qty})
	}
	return d
}

func metricToRow(m *market.OrderFlowMetric) MetricRow {
	return MetricRow{
		Symbol:           m.Symbol,
		IntervalEndUs:    m.IntervalEndUs,
		IntervalSeconds:  m.IntervalSeconds,
		TradeDelta:       m.TradeDelta,
		CumDelta:         m.CumDelta,
		Divergence:       m.Divergence,
		Phase:            m.Phase.String(),
		Confidence:       m.Confidence,
		ImbalanceL1:      m.ImbalanceL1,
		ImbalanceL5:      m.ImbalanceL5,
		StackedBuy:       m.StackedBuy,
		StackedSell:      m.StackedSell,
		Volume:           m.Volume,
		BuyVolume:        m.BuyVolume,
		SellVolume:       m.SellVolume,
		VWAP:             m.VWAP,
		TradeCount:       m.TradeCount,
		LargeTradeCount:  m.LargeTradeCount,
		LargeTradeVolume: m.LargeTradeVolume,
		TradeSizeP95:     m.TradeSizeP95,
		AbsorptionBuy:    m.AbsorptionBuy,
		AbsorptionSell:   m.AbsorptionSell,
		Open:             m.Open,
		High:             m.High,
		Low:              m.Low,
		Close:            m.Close,
		ComputationError: m.ComputationError,
	}
}

func rowToMetric(r *MetricRow) *market.OrderFlowMetric {
	phase, err := market.ParsePhase(r.Phase)
	if err != nil {
		phase = market.PhaseNeutral
	}
	return &market.OrderFlowMetric{
		Symbol:           r.Symbol,
		IntervalEndUs:    r.IntervalEndUs,
		IntervalSeconds:  r.IntervalSeconds,
		TradeDelta:       r.TradeDelta,
		CumDelta:         r.CumDelta,
		Divergence:       r.Divergence,
		Phase:            phase,
		Confidence:       r.Confidence,
		ImbalanceL1:      r.ImbalanceL1,
		ImbalanceL5:      r.ImbalanceL5,
		StackedBuy:       r.StackedBuy,
		StackedSell:      r.StackedSell,
		Volume:           r.Volume,
		BuyVolume:        r.BuyVolume,
		SellVolume:       r.SellVolume,
		VWAP:             r.VWAP,
		TradeCount:       r.TradeCount,
		LargeTradeCount:  r.LargeTradeCount,
		LargeTradeVolume: r.LargeTradeVolume,
		TradeSizeP95:     r.TradeSizeP95,
		AbsorptionBuy:    r.AbsorptionBuy,
		AbsorptionSell:   r.AbsorptionSell,
		Open:             r.Open,
		High:             r.High,
		Low:              r.Low,
		Close:            r.Close,
		ComputationError: r.ComputationError,
	}
}

func barToRow(b *market.Bar) BarRow {
	return BarRow{
		Symbol:         b.Symbol,
		BucketStartUs:  b.BucketStartUs,
		BucketSeconds:  b.BucketSeconds,
		TradeDelta:     b.TradeDelta,
		CumDelta:       b.CumDelta,
		AvgImbalanceL5: b.AvgImbalanceL5,
		Volume:         b.Volume,
		LargeTrades:    b.LargeTrades,
		LastPhase:      b.LastPhase.String(),
		Open:           b.Open,
		High:           b.High,
		Low:            b.Low,
		Close:          b.Close,
		MetricCount:    b.MetricCount,
		Provisional:    b.Provisional,
	}
}

func rowToBar(r *BarRow) *market.Bar {
	phase, err := market.ParsePhase(r.LastPhase)
	if err != nil {
		phase = market.PhaseNeutral
	}
	return &market.Bar{
		Symbol:         r.Symbol,
		BucketStartUs:  r.BucketStartUs,
		BucketSeconds:  r.BucketSeconds,
		TradeDelta:     r.TradeDelta,
		CumDelta:       r.CumDelta,
		AvgImbalanceL5: r.AvgImbalanceL5,
		Volume:         r.Volume,
		LargeTrades:    r.LargeTrades,
		LastPhase:      phase,
		Open:           r.Open,
		High:           r.High,
		Low:            r.Low,
		Close:          r.Close,
		MetricCount:    r.MetricCount,
		Provisional:    r.Provisional,
	}
}

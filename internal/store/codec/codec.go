// Package codec implements the binary encoding used by uncompressed segment
// files. The format is little-endian and self-describing per record:
//
//	[1 byte class][payload]
//
// Strings are length-prefixed (2 bytes), floats are IEEE-754 bits, optional
// fields carry a 1-byte presence flag. Encoding is deterministic: identical
// records produce identical bytes, which the store relies on for idempotent
// duplicate detection.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"tickflow/internal/market"
)

// Encode encodes a single record into its binary form.
func Encode(rec market.Record) ([]byte, error) {
	switch r := rec.(type) {
	case *market.Tick:
		return encodeTick(r), nil
	case *market.DepthSnapshot:
		return encodeDepth(r), nil
	case *market.OrderFlowMetric:
		return encodeMetric(r), nil
	case *market.Bar:
		return encodeBar(r), nil
	default:
		return nil, fmt.Errorf("unsupported record type %T", rec)
	}
}

// Decode decodes a single record from its binary form.
func Decode(data []byte) (market.Record, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty record")
	}
	class := market.DataClass(data[0])
	body := data[1:]

	switch class {
	case market.ClassTick:
		return decodeTick(body)
	case market.ClassDepth:
		return decodeDepth(body)
	case market.ClassMetric:
		return decodeMetric(body)
	case market.ClassBar:
		return decodeBar(body)
	default:
		return nil, fmt.Errorf("unknown record class %d", data[0])
	}
}

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

func encodeTick(t *market.Tick) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(market.ClassTick))
	buf = appendI64(buf, t.TimestampUs)
	buf = appendI64(buf, t.InstrumentID)
	buf = appendString(buf, t.Symbol)
	buf = appendF64(buf, t.LastPrice)
	buf = appendF64(buf, t.LastQty)
	buf = appendF64(buf, t.SessionVolume)
	buf = appendF64(buf, t.BuyQty)
	buf = appendF64(buf, t.SellQty)
	buf = appendF64(buf, t.OpenInterest)
	buf = appendF64(buf, t.SessionOpen)
	buf = appendF64(buf, t.SessionHigh)
	buf = appendF64(buf, t.SessionLow)
	buf = appendF64(buf, t.SessionClose)
	buf = appendI64(buf, t.LastTradeTimeUs)
	return buf
}

func decodeTick(data []byte) (*market.Tick, error) {
	d := decoder{data: data}
	t := &market.Tick{
		TimestampUs:  d.i64(),
		InstrumentID: d.i64(),
		Symbol:       d.str(),
	}
	t.LastPrice = d.f64()
	t.LastQty = d.f64()
	t.SessionVolume = d.f64()
	t.BuyQty = d.f64()
	t.SellQty = d.f64()
	t.OpenInterest = d.f64()
	t.SessionOpen = d.f64()
	t.SessionHigh = d.f64()
	t.SessionLow = d.f64()
	t.SessionClose = d.f64()
	t.LastTradeTimeUs = d.i64()
	if d.err != nil {
		return nil, fmt.Errorf("decode tick: %w", d.err)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// DepthSnapshot
// ---------------------------------------------------------------------------

func encodeDepth(s *market.DepthSnapshot) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, byte(market.ClassDepth))
	buf = appendI64(buf, s.TimestampUs)
	buf = appendI64(buf, s.InstrumentID)
	buf = appendString(buf, s.Symbol)
	buf = appendLevels(buf, s.Bids)
	buf = appendLevels(buf, s.Asks)
	buf = appendF64(buf, s.Spread)
	buf = appendF64(buf, s.TotalBidQty)
	buf = appendF64(buf, s.TotalAskQty)
	buf = appendF64(buf, s.TopImbalance)
	return buf
}

func decodeDepth(data []byte) (*market.DepthSnapshot, error) {
	d := decoder{data: data}
	s := &market.DepthSnapshot{
		TimestampUs:  d.i64(),
		InstrumentID: d.i64(),
		Symbol:       d.str(),
	}
	s.Bids = d.levels()
	s.Asks = d.levels()
	s.Spread = d.f64()
	s.TotalBidQty = d.f64()
	s.TotalAskQty = d.f64()
	s.TopImbalance = d.f64()
	if d.err != nil {
		return nil, fmt.Errorf("decode depth: %w", d.err)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// OrderFlowMetric
// ---------------------------------------------------------------------------

func encodeMetric(m *market.OrderFlowMetric) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, byte(market.ClassMetric))
	buf = appendString(buf, m.Symbol)
	buf = appendI64(buf, m.IntervalEndUs)
	buf = appendI32(buf, m.IntervalSeconds)
	buf = appendF64(buf, m.TradeDelta)
	buf = appendF64(buf, m.CumDelta)
	buf = appendBool(buf, m.Divergence)
	buf = appendI32(buf, int32(m.Phase))
	buf = appendF64(buf, m.Confidence)
	buf = appendOptF64(buf, m.ImbalanceL1)
	buf = appendOptF64(buf, m.ImbalanceL5)
	buf = appendOptI32(buf, m.StackedBuy)
	buf = appendOptI32(buf, m.StackedSell)
	buf = appendF64(buf, m.Volume)
	buf = appendF64(buf, m.BuyVolume)
	buf = appendF64(buf, m.SellVolume)
	buf = appendF64(buf, m.VWAP)
	buf = appendI32(buf, m.TradeCount)
	buf = appendI32(buf, m.LargeTradeCount)
	buf = appendF64(buf, m.LargeTradeVolume)
	buf = appendOptF64(buf, m.TradeSizeP95)
	buf = appendBool(buf, m.AbsorptionBuy)
	buf = appendBool(buf, m.AbsorptionSell)
	buf = appendF64(buf, m.Open)
	buf = appendF64(buf, m.High)
	buf = appendF64(buf, m.Low)
	buf = appendF64(buf, m.Close)
	buf = appendBool(buf, m.ComputationError)
	return buf
}

func decodeMetric(data []byte) (*market.OrderFlowMetric, error) {
	d := decoder{data: data}
	m := &market.OrderFlowMetric{
		Symbol:          d.str(),
		IntervalEndUs:   d.i64(),
		IntervalSeconds: d.i32(),
	}
	m.TradeDelta = d.f64()
	m.CumDelta = d.f64()
	m.Divergence = d.bool()
	m.Phase = market.Phase(d.i32())
	m.Confidence = d.f64()
	m.ImbalanceL1 = d.optF64()
	m.ImbalanceL5 = d.optF64()
	m.StackedBuy = d.optI32()
	m.StackedSell = d.optI32()
	m.Volume = d.f64()
	m.BuyVolume = d.f64()
	m.SellVolume = d.f64()
	m.VWAP = d.f64()
	m.TradeCount = d.i32()
	m.LargeTradeCount = d.i32()
	m.LargeTradeVolume = d.f64()
	m.TradeSizeP95 = d.optF64()
	m.AbsorptionBuy = d.bool()
	m.AbsorptionSell = d.bool()
	m.Open = d.f64()
	m.High = d.f64()
	m.Low = d.f64()
	m.Close = d.f64()
	m.ComputationError = d.bool()
	if d.err != nil {
		return nil, fmt.Errorf("decode metric: %w", d.err)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Bar
// ---------------------------------------------------------------------------

func encodeBar(b *market.Bar) []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, byte(market.ClassBar))
	buf = appendString(buf, b.Symbol)
	buf = appendI64(buf, b.BucketStartUs)
	buf = appendI32(buf, b.BucketSeconds)
	buf = appendF64(buf, b.TradeDelta)
	buf = appendF64(buf, b.CumDelta)
	buf = appendOptF64(buf, b.AvgImbalanceL5)
	buf = appendF64(buf, b.Volume)
	buf = appendI32(buf, b.LargeTrades)
	buf = appendI32(buf, int32(b.LastPhase))
	buf = appendF64(buf, b.Open)
	buf = appendF64(buf, b.High)
	buf = appendF64(buf, b.Low)
	buf = appendF64(buf, b.Close)
	buf = appendI32(buf, b.MetricCount)
	buf = appendBool(buf, b.Provisional)
	return buf
}

func decodeBar(data []byte) (*market.Bar, error) {
	d := decoder{data: data}
	b := &market.Bar{
		Symbol:        d.str(),
		BucketStartUs: d.i64(),
		BucketSeconds: d.i32(),
	}
	b.TradeDelta = d.f64()
	b.CumDelta = d.f64()
	b.AvgImbalanceL5 = d.optF64()
	b.Volume = d.f64()
	b.LargeTrades = d.i32()
	b.LastPhase = market.Phase(d.i32())
	b.Open = d.f64()
	b.High = d.f64()
	b.Low = d.f64()
	b.Close = d.f64()
	b.MetricCount = d.i32()
	b.Provisional = d.bool()
	if d.err != nil {
		return nil, fmt.Errorf("decode bar: %w", d.err)
	}
	return b, nil
}

// ---------------------------------------------------------------------------
// Primitives
// ---------------------------------------------------------------------------

func appendI64(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

func appendI32(buf []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(v))
}

func appendF64(buf []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendOptF64(buf []byte, v *float64) []byte {
	if v == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendF64(buf, *v)
}

func appendOptI32(buf []byte, v *int32) []byte {
	if v == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendI32(buf, *v)
}

func appendLevels(buf []byte, levels []market.BookLevel) []byte {
	buf = append(buf, byte(len(levels)))
	for _, l := range levels {
		buf = appendF64(buf, l.Price)
		buf = appendF64(buf, l.Qty)
	}
	return buf
}

// decoder reads primitives sequentially, latching the first error.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.data) {
		d.err = fmt.Errorf("truncated at offset %d (need %d bytes)", d.off, n)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) i64() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (d *decoder) i32() int32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (d *decoder) f64() float64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (d *decoder) bool() bool {
	b := d.take(1)
	return b != nil && b[0] == 1
}

func (d *decoder) str() string {
	b := d.take(2)
	if b == nil {
		return ""
	}
	n := int(binary.LittleEndian.Uint16(b))
	s := d.take(n)
	if s == nil {
		return ""
	}
	return string(s)
}

func (d *decoder) optF64() *float64 {
	b := d.take(1)
	if b == nil || b[0] == 0 {
		return nil
	}
	v := d.f64()
	return &v
}

func (d *decoder) optI32() *int32 {
	b := d.take(1)
	if b == nil || b[0] == 0 {
		return nil
	}
	v := d.i32()
	return &v
}

func (d *decoder) levels() []market.BookLevel {
	b := d.take(1)
	if b == nil {
		return nil
	}
	n := int(b[0])
	if n == 0 {
		return nil
	}
	levels := make([]market.BookLevel, n)
	for i := range levels {
		levels[i].Price = d.f64()
		levels[i].Qty = d.f64()
	}
	return levels
}

package normalize

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "tickflow/internal/errors"
	"tickflow/internal/market"
)

// fakeStore records appended records and can fail a fixed number of times.
type fakeStore struct {
	records  []market.Record
	failures int
	failWith error
}

func (f *fakeStore) Append(rec market.Record) error {
	if f.failures > 0 {
		f.failures--
		return f.failWith
	}
	f.records = append(f.records, rec)
	return nil
}

func tradeEvent(symbol string, tsUs int64, vol float64) *RawEvent {
	return &RawEvent{
		Kind:          EventTrade,
		Symbol:        symbol,
		InstrumentID:  1,
		TimestampUs:   tsUs,
		LastPrice:     2100,
		LastQty:       2,
		SessionVolume: vol,
		BuyQty:        vol / 2,
		SellQty:       vol / 2,
	}
}

func TestIngest_TradeAccepted(t *testing.T) {
	fs := &fakeStore{}
	n := New(fs)

	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).UnixMicro()
	if err := n.Ingest(context.Background(), tradeEvent("GOLD", ts, 100)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if len(fs.records) != 1 {
		t.Fatalf("forwarded %d records, want 1", len(fs.records))
	}
	tick, ok := fs.records[0].(*market.Tick)
	if !ok {
		t.Fatalf("forwarded %T, want *market.Tick", fs.records[0])
	}
	if tick.Symbol != "GOLD" || tick.TimestampUs != ts {
		t.Errorf("tick = %+v", tick)
	}
	if n.Stats().TicksAccepted != 1 {
		t.Errorf("TicksAccepted = %d, want 1", n.Stats().TicksAccepted)
	}
}

func TestIngest_ValidationRejections(t *testing.T) {
	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).UnixMicro()

	tests := []struct {
		name    string
		ev      *RawEvent
		wantErr error
		count   func(Stats) uint64
	}{
		{
			name:    "missing symbol",
			ev:      &RawEvent{Kind: EventTrade, TimestampUs: ts, LastPrice: 1, LastQty: 1},
			wantErr: xerrors.ErrMissingField,
			count:   func(s Stats) uint64 { return s.MissingField },
		},
		{
			name:    "malformed symbol",
			ev:      &RawEvent{Kind: EventTrade, Symbol: "GOLD/USD", TimestampUs: ts, LastPrice: 1, LastQty: 1},
			wantErr: xerrors.ErrValidation,
			count:   func(s Stats) uint64 { return s.MissingField },
		},
		{
			name:    "missing timestamp",
			ev:      &RawEvent{Kind: EventTrade, Symbol: "GOLD", LastPrice: 1},
			wantErr: xerrors.ErrMissingField,
			count:   func(s Stats) uint64 { return s.MissingField },
		},
		{
			name: "negative quantity",
			ev: &RawEvent{
				Kind: EventTrade, Symbol: "GOLD", TimestampUs: ts,
				LastPrice: 2100, LastQty: -1,
			},
			wantErr: xerrors.ErrNegativeQuantity,
			count:   func(s Stats) uint64 { return s.NegativeQuantity },
		},
		{
			name: "too many depth levels",
			ev: &RawEvent{
				Kind: EventDepth, Symbol: "GOLD", TimestampUs: ts,
				Bids: []market.BookLevel{{Price: 1, Qty: 1}, {Price: 0.9, Qty: 1}, {Price: 0.8, Qty: 1}, {Price: 0.7, Qty: 1}, {Price: 0.6, Qty: 1}, {Price: 0.5, Qty: 1}},
				Asks: []market.BookLevel{{Price: 1.1, Qty: 1}},
			},
			wantErr: xerrors.ErrMalformedDepth,
			count:   func(s Stats) uint64 { return s.MalformedDepth },
		},
		{
			name: "empty depth side",
			ev: &RawEvent{
				Kind: EventDepth, Symbol: "GOLD", TimestampUs: ts,
				Bids: []market.BookLevel{{Price: 1, Qty: 1}},
			},
			wantErr: xerrors.ErrMalformedDepth,
			count:   func(s Stats) uint64 { return s.MalformedDepth },
		},
		{
			name: "unordered bids",
			ev: &RawEvent{
				Kind: EventDepth, Symbol: "GOLD", TimestampUs: ts,
				Bids: []market.BookLevel{{Price: 1, Qty: 1}, {Price: 1.5, Qty: 1}},
				Asks: []market.BookLevel{{Price: 2, Qty: 1}},
			},
			wantErr: xerrors.ErrMalformedDepth,
			count:   func(s Stats) uint64 { return s.MalformedDepth },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeStore{}
			n := New(fs)
			err := n.Ingest(context.Background(), tt.ev)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Ingest: got %v, want %v", err, tt.wantErr)
			}
			if len(fs.records) != 0 {
				t.Errorf("rejected event reached the store")
			}
			if got := tt.count(n.Stats()); got != 1 {
				t.Errorf("rejection counter = %d, want 1", got)
			}
		})
	}
}

func TestIngest_VolumeRegression(t *testing.T) {
	fs := &fakeStore{}
	n := New(fs)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if err := n.Ingest(ctx, tradeEvent("GOLD", day1.UnixMicro(), 500)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// Regression within the same session is rejected.
	err := n.Ingest(ctx, tradeEvent("GOLD", day1.Add(time.Second).UnixMicro(), 400))
	if !errors.Is(err, xerrors.ErrVolumeRegression) {
		t.Fatalf("regression: got %v, want ErrVolumeRegression", err)
	}

	// A lower cumulative volume on the next UTC session is a fresh counter.
	day2 := day1.Add(24 * time.Hour)
	if err := n.Ingest(ctx, tradeEvent("GOLD", day2.UnixMicro(), 10)); err != nil {
		t.Fatalf("next session ingest: %v", err)
	}
	if n.Stats().VolumeRegression != 1 {
		t.Errorf("VolumeRegression = %d, want 1", n.Stats().VolumeRegression)
	}
}

func TestIngest_StaleTimestamp(t *testing.T) {
	fs := &fakeStore{}
	n := New(fs)
	ctx := context.Background()

	day2 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if err := n.Ingest(ctx, tradeEvent("GOLD", day2.UnixMicro(), 100)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Event from the previous session.
	err := n.Ingest(ctx, tradeEvent("GOLD", day2.Add(-20*time.Hour).UnixMicro(), 100))
	if !errors.Is(err, xerrors.ErrStaleTimestamp) {
		t.Fatalf("stale: got %v, want ErrStaleTimestamp", err)
	}
}

func TestIngest_DepthDerivedFields(t *testing.T) {
	fs := &fakeStore{}
	n := New(fs)

	ev := &RawEvent{
		Kind:        EventDepth,
		Symbol:      "GOLD",
		TimestampUs: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).UnixMicro(),
		Bids: []market.BookLevel{
			{Price: 2105.4, Qty: 12},
			{Price: 2105.3, Qty: 8},
		},
		Asks: []market.BookLevel{
			{Price: 2105.5, Qty: 4},
		},
	}
	if err := n.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	d := fs.records[0].(*market.DepthSnapshot)
	if got, want := d.Spread, 2105.5-2105.4; got != want {
		t.Errorf("Spread = %v, want %v", got, want)
	}
	if d.TotalBidQty != 20 || d.TotalAskQty != 4 {
		t.Errorf("totals = %v/%v, want 20/4", d.TotalBidQty, d.TotalAskQty)
	}
	if got, want := d.TopImbalance, (12.0-4.0)/16.0; got != want {
		t.Errorf("TopImbalance = %v, want %v", got, want)
	}
}

func TestIngest_StorageRetryBackoff(t *testing.T) {
	fs := &fakeStore{failures: 2, failWith: xerrors.ErrStorageUnavailable}
	n := New(fs)
	n.retryMin = time.Millisecond
	n.retryMax = 2 * time.Millisecond

	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).UnixMicro()
	if err := n.Ingest(context.Background(), tradeEvent("GOLD", ts, 100)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(fs.records) != 1 {
		t.Fatalf("record not stored after retries")
	}
	if n.Stats().StorageRetries != 2 {
		t.Errorf("StorageRetries = %d, want 2", n.Stats().StorageRetries)
	}
}

func TestIngest_StorageRetryHonorsContext(t *testing.T) {
	fs := &fakeStore{failures: 1000, failWith: xerrors.ErrStorageUnavailable}
	n := New(fs)
	n.retryMin = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).UnixMicro()
	err := n.Ingest(ctx, tradeEvent("GOLD", ts, 100))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ingest: got %v, want context.DeadlineExceeded", err)
	}
}

func TestIngest_DuplicateAndOutOfOrderAbsorbed(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
	}{
		{"duplicate", xerrors.ErrDuplicateKey},
		{"out of order", xerrors.ErrOutOfOrder},
	} {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeStore{failures: 1, failWith: tt.err}
			n := New(fs)
			ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).UnixMicro()
			if err := n.Ingest(context.Background(), tradeEvent("GOLD", ts, 100)); err != nil {
				t.Fatalf("Ingest: %v", err)
			}
		})
	}
}

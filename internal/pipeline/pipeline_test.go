package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickflow/internal/config"
	xerrors "tickflow/internal/errors"
	"tickflow/internal/market"
	"tickflow/internal/normalize"
)

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Symbols = []string{"GOLD"}

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func tradeEvent(ts int64) *normalize.RawEvent {
	return &normalize.RawEvent{
		Kind:          normalize.EventTrade,
		Symbol:        "GOLD",
		TimestampUs:   ts,
		LastPrice:     2100.5,
		LastQty:       3,
		SessionVolume: 3,
	}
}

func TestPipeline_Lifecycle(t *testing.T) {
	p := testPipeline(t)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(); !errors.Is(err, xerrors.ErrAlreadyRunning) {
		t.Fatalf("second Start: got %v, want ErrAlreadyRunning", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(); !errors.Is(err, xerrors.ErrNotRunning) {
		t.Fatalf("second Stop: got %v, want ErrNotRunning", err)
	}
}

func TestPipeline_IngestToRecent(t *testing.T) {
	p := testPipeline(t)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	ts := time.Now().UTC().UnixMicro()
	if err := p.Ingest(context.Background(), tradeEvent(ts)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	records, err := p.Recent(market.ClassTick, "GOLD", ts, ts+1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Recent returned %d records, want 1", len(records))
	}
	tick, ok := records[0].(*market.Tick)
	if !ok || tick.LastPrice != 2100.5 {
		t.Fatalf("record = %+v", records[0])
	}
	if got := p.Stats().Normalizer.TicksAccepted; got != 1 {
		t.Errorf("TicksAccepted = %d, want 1", got)
	}
}

func TestPipeline_IngestRequiresRunning(t *testing.T) {
	p := testPipeline(t)
	defer p.store.Close()

	err := p.Ingest(context.Background(), tradeEvent(time.Now().UnixMicro()))
	if !errors.Is(err, xerrors.ErrNotRunning) {
		t.Fatalf("Ingest before Start: got %v, want ErrNotRunning", err)
	}
}

func drain(t *testing.T, p *Pipeline, class market.DataClass, startUs, endUs int64) []market.Record {
	t.Helper()
	cur, err := p.store.RangeQuery(class, "GOLD", startUs, endUs)
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	defer cur.Close()
	var records []market.Record
	for cur.Next() {
		records = append(records, cur.Record())
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	return records
}

func TestPipeline_FrozenBarsReachStore(t *testing.T) {
	p := testPipeline(t)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).UnixMicro()
	step := (10 * time.Second).Microseconds()

	// Fill one full bucket, then the first interval of the next so the
	// bucket freezes through the sink.
	for i := int64(1); i <= 7; i++ {
		p.foldMetric(&market.OrderFlowMetric{
			Symbol:          "GOLD",
			IntervalEndUs:   base + i*step,
			IntervalSeconds: 10,
			Volume:          100,
			TradeDelta:      5,
			Phase:           market.PhaseNeutral,
		})
	}

	records, err := p.Recent(market.ClassBar, "GOLD", base, base+7*step)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("frozen bars in store = %d, want 1", len(records))
	}
	bar := records[0].(*market.Bar)
	if bar.Provisional || bar.Volume != 600 || bar.TradeDelta != 30 {
		t.Fatalf("bar = %+v", bar)
	}

	// Stop flushes the open bucket as a provisional bar.
	cfg := p.cfg
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	reopened, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.store.Close()

	bars := drain(t, reopened, market.ClassBar, base, base+7*step)
	if len(bars) != 2 {
		t.Fatalf("bars after reopen = %d, want frozen + provisional", len(bars))
	}
	if last := bars[1].(*market.Bar); !last.Provisional {
		t.Errorf("flushed bucket not marked provisional: %+v", last)
	}
}

package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tickflow/internal/config"
	xerrors "tickflow/internal/errors"
	"tickflow/internal/market"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu         sync.Mutex
	records    []market.Record
	readErrs   int
	appendErrs int
}

func (m *memStore) Recent(class market.DataClass, symbol string, startUs, endUs int64) ([]market.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErrs > 0 {
		m.readErrs--
		return nil, xerrors.ErrStorageUnavailable
	}
	var out []market.Record
	for _, rec := range m.records {
		if rec.Class() == class && rec.Sym() == symbol && rec.Ts() >= startUs && rec.Ts() < endUs {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) Append(rec market.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErrs > 0 {
		m.appendErrs--
		return xerrors.ErrStorageUnavailable
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) metrics(symbol string) []*market.OrderFlowMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*market.OrderFlowMetric
	for _, rec := range m.records {
		if mt, ok := rec.(*market.OrderFlowMetric); ok && mt.Symbol == symbol {
			out = append(out, mt)
		}
	}
	return out
}

func engineConfig(symbols ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Symbols = symbols
	return cfg
}

func TestEngine_ContiguityThroughOutage(t *testing.T) {
	st := &memStore{}
	cfg := engineConfig("X")
	e, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Ticks in intervals 1 and 2, then a 30s feed outage (intervals 3-5),
	// then ticks again in interval 6.
	start := day.Add(9 * time.Hour)
	for _, off := range []time.Duration{
		2 * time.Second, 12 * time.Second, 52 * time.Second,
	} {
		st.Append(&market.Tick{
			Symbol:      "X",
			TimestampUs: start.Add(off).UnixMicro(),
			LastPrice:   100,
			LastQty:     10,
		})
	}

	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		end := start.Add(time.Duration(i) * 10 * time.Second)
		if err := e.RunInterval(ctx, "X", end); err != nil {
			t.Fatalf("RunInterval %d: %v", i, err)
		}
	}

	got := st.metrics("X")
	if len(got) != 6 {
		t.Fatalf("emitted %d metrics, want 6 (no gaps)", len(got))
	}
	for i, m := range got {
		wantEnd := start.Add(time.Duration(i+1) * 10 * time.Second).UnixMicro()
		if m.IntervalEndUs != wantEnd {
			t.Fatalf("metric %d: end=%d, want %d", i, m.IntervalEndUs, wantEnd)
		}
	}
	// The outage intervals are zero-volume neutral rows, not gaps.
	for _, i := range []int{2, 3, 4} {
		if got[i].Volume != 0 || got[i].Phase != market.PhaseNeutral {
			t.Errorf("outage metric %d: volume=%v phase=%v, want 0/neutral", i, got[i].Volume, got[i].Phase)
		}
	}
	// Cumulative delta holds through the outage.
	for i := 1; i < len(got); i++ {
		if got[i].CumDelta != got[i-1].CumDelta+got[i].TradeDelta {
			t.Errorf("metric %d breaks the cumulative delta recurrence", i)
		}
	}
}

func TestEngine_ReadFailureEmitsErrorRow(t *testing.T) {
	// Storage is down for the session restore read and the tick read.
	st := &memStore{readErrs: 2}
	cfg := engineConfig("X")
	e, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	end := day.Add(9 * time.Hour)
	if err := e.RunInterval(context.Background(), "X", end); err != nil {
		t.Fatalf("RunInterval: %v", err)
	}

	got := st.metrics("X")
	if len(got) != 1 {
		t.Fatalf("emitted %d metrics, want 1", len(got))
	}
	if !got[0].ComputationError {
		t.Error("ComputationError = false, want true")
	}
	if e.Stats().ComputationErrors != 1 {
		t.Errorf("ComputationErrors = %d, want 1", e.Stats().ComputationErrors)
	}

	// The next interval computes normally and stays contiguous.
	if err := e.RunInterval(context.Background(), "X", end.Add(10*time.Second)); err != nil {
		t.Fatalf("RunInterval: %v", err)
	}
	got = st.metrics("X")
	if len(got) != 2 || got[1].ComputationError {
		t.Fatalf("second interval: %+v", got[len(got)-1])
	}
}

func TestEngine_AppendRetriesOnStorageFailure(t *testing.T) {
	st := &memStore{appendErrs: 2}
	cfg := engineConfig("X")
	e, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.retryMin = time.Millisecond
	e.retryMax = 2 * time.Millisecond

	if err := e.RunInterval(context.Background(), "X", day.Add(9*time.Hour)); err != nil {
		t.Fatalf("RunInterval: %v", err)
	}
	if len(st.metrics("X")) != 1 {
		t.Fatal("metric not stored after retries")
	}
	if e.Stats().AppendRetries != 2 {
		t.Errorf("AppendRetries = %d, want 2", e.Stats().AppendRetries)
	}
}

func TestEngine_SinkReceivesMetrics(t *testing.T) {
	st := &memStore{}
	cfg := engineConfig("X")

	var sunk []*market.OrderFlowMetric
	e, err := New(cfg, st, func(m *market.OrderFlowMetric) {
		sunk = append(sunk, m)
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.RunInterval(context.Background(), "X", day.Add(9*time.Hour)); err != nil {
		t.Fatalf("RunInterval: %v", err)
	}
	if len(sunk) != 1 {
		t.Fatalf("sink received %d metrics, want 1", len(sunk))
	}
}

func TestEngine_UnknownSymbol(t *testing.T) {
	e, err := New(engineConfig("X"), &memStore{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.RunInterval(context.Background(), "Y", day)
	if !errors.Is(err, xerrors.ErrNotFound) {
		t.Fatalf("RunInterval unknown symbol: got %v, want ErrNotFound", err)
	}
}

func TestEngine_StartStop(t *testing.T) {
	st := &memStore{}
	cfg := engineConfig("X", "Y")
	e, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(ctx); !errors.Is(err, xerrors.ErrAlreadyRunning) {
		t.Fatalf("second Start: got %v, want ErrAlreadyRunning", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(); !errors.Is(err, xerrors.ErrNotRunning) {
		t.Fatalf("second Stop: got %v, want ErrNotRunning", err)
	}
}

func TestEngine_RestartContinuesCumulativeDelta(t *testing.T) {
	st := &memStore{}
	cfg := engineConfig("X")
	start := day.Add(9 * time.Hour)

	// Two intervals of aggressive buying against a resting book.
	st.Append(book(start.Add(time.Second).UnixMicro(), 99, 10, 101, 10))
	st.Append(&market.Tick{Symbol: "X", TimestampUs: start.Add(2 * time.Second).UnixMicro(), LastPrice: 101, LastQty: 5})
	st.Append(&market.Tick{Symbol: "X", TimestampUs: start.Add(12 * time.Second).UnixMicro(), LastPrice: 101, LastQty: 3})

	ctx := context.Background()
	e1, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if err := e1.RunInterval(ctx, "X", start.Add(time.Duration(i)*10*time.Second)); err != nil {
			t.Fatalf("RunInterval %d: %v", i, err)
		}
	}
	got := st.metrics("X")
	if len(got) != 2 || got[0].CumDelta != 5 || got[1].CumDelta != 8 {
		t.Fatalf("before restart: %d metrics, cum deltas %v/%v, want 2 metrics with 5/8",
			len(got), got[0].CumDelta, got[len(got)-1].CumDelta)
	}

	// A fresh engine over the same store continues the session instead of
	// restarting cumulative delta from zero.
	st.Append(book(start.Add(21*time.Second).UnixMicro(), 99, 10, 101, 10))
	st.Append(&market.Tick{Symbol: "X", TimestampUs: start.Add(22 * time.Second).UnixMicro(), LastPrice: 101, LastQty: 2})

	e2, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e2.RunInterval(ctx, "X", start.Add(30*time.Second)); err != nil {
		t.Fatalf("RunInterval after restart: %v", err)
	}

	got = st.metrics("X")
	if len(got) != 3 {
		t.Fatalf("emitted %d metrics, want 3", len(got))
	}
	m := got[2]
	if m.TradeDelta != 2 {
		t.Fatalf("TradeDelta = %v, want 2", m.TradeDelta)
	}
	if want := got[1].CumDelta + m.TradeDelta; m.CumDelta != want {
		t.Errorf("restart breaks the cumulative delta recurrence: CumDelta = %v, want %v", m.CumDelta, want)
	}
}

func TestEngine_RestartReadFailureStartsFresh(t *testing.T) {
	st := &memStore{}
	start := day.Add(9 * time.Hour)
	st.Append(book(start.Add(time.Second).UnixMicro(), 99, 10, 101, 10))
	st.Append(&market.Tick{Symbol: "X", TimestampUs: start.Add(2 * time.Second).UnixMicro(), LastPrice: 101, LastQty: 5})

	e1, err := New(engineConfig("X"), st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := e1.RunInterval(ctx, "X", start.Add(10*time.Second)); err != nil {
		t.Fatalf("RunInterval: %v", err)
	}

	// The restore read fails; the engine degrades to a zero session rather
	// than refusing to compute.
	e2, err := New(engineConfig("X"), st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st.mu.Lock()
	st.readErrs = 1
	st.mu.Unlock()
	if err := e2.RunInterval(ctx, "X", start.Add(20*time.Second)); err != nil {
		t.Fatalf("RunInterval after failed restore: %v", err)
	}
	got := st.metrics("X")
	if len(got) != 2 {
		t.Fatalf("emitted %d metrics, want 2", len(got))
	}
	if got[1].ComputationError {
		t.Error("ComputationError = true, want false")
	}
	if got[1].CumDelta != 0 {
		t.Errorf("CumDelta = %v, want 0 after a failed restore", got[1].CumDelta)
	}
}

// failingAppendStore rejects metric appends for one symbol with a
// non-retryable error.
type failingAppendStore struct {
	*memStore
	failSymbol string
}

func (f *failingAppendStore) Append(rec market.Record) error {
	if m, ok := rec.(*market.OrderFlowMetric); ok && m.Symbol == f.failSymbol {
		return errors.New("append rejected")
	}
	return f.memStore.Append(rec)
}

func TestEngine_WorkerFailureDoesNotStopOthers(t *testing.T) {
	st := &memStore{}
	cfg := engineConfig("X", "Y")
	cfg.Flow.IntervalSeconds = 1
	e, err := New(cfg, &failingAppendStore{memStore: st, failSymbol: "X"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// X's first append fails non-retryably and stops its worker; Y keeps
	// closing intervals on the shared cadence.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(st.metrics("Y")) < 2 {
		time.Sleep(50 * time.Millisecond)
	}
	if n := len(st.metrics("Y")); n < 2 {
		t.Fatalf("Y emitted %d metrics after X's worker failed, want at least 2", n)
	}
	if n := len(st.metrics("X")); n != 0 {
		t.Fatalf("X emitted %d metrics, want 0", n)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

package retention

import (
	"testing"
	"time"

	"tickflow/internal/config"
	"tickflow/internal/market"
	"tickflow/internal/store"
)

func managerConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return cfg
}

func fillDay(t *testing.T, s *store.Store, symbol string, day time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		tick := &market.Tick{
			Symbol:      symbol,
			TimestampUs: day.Add(time.Duration(i) * time.Minute).UnixMicro(),
			LastPrice:   100,
			LastQty:     1,
		}
		if err := s.Append(tick); err != nil {
			t.Fatalf("append %s day %s: %v", symbol, day, err)
		}
	}
}

func TestRunOnce_RetentionScenario(t *testing.T) {
	cfg := managerConfig(t)
	cfg.Retention.TickRetentionDays = 7
	cfg.Retention.TickCompressAfterDays = 2

	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	oldDay := now.AddDate(0, 0, -8).Truncate(24 * time.Hour)   // past retention
	agedDay := now.AddDate(0, 0, -3).Truncate(24 * time.Hour)  // compressible
	recentDay := now.AddDate(0, 0, -1).Truncate(24 * time.Hour) // untouched

	fillDay(t, s, "GOLD", oldDay, 10)
	fillDay(t, s, "GOLD", agedDay, 10)
	fillDay(t, s, "GOLD", recentDay, 10)

	m := New(cfg, s)
	results := m.RunOnce(now)

	var tickRes ClassResult
	for _, res := range results {
		if res.Class == market.ClassTick {
			tickRes = res
		}
	}
	if len(tickRes.Errors) != 0 {
		t.Fatalf("errors: %v", tickRes.Errors)
	}
	if tickRes.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1 (8-day-old partition)", tickRes.Deleted)
	}
	if tickRes.Compressed != 1 {
		t.Errorf("Compressed = %d, want 1 (3-day-old partition)", tickRes.Compressed)
	}

	infos := s.Partitions(market.ClassTick)
	if len(infos) != 2 {
		t.Fatalf("partitions after run = %d, want 2", len(infos))
	}
	states := map[string]store.PartitionState{}
	for _, info := range infos {
		states[info.Key()] = info.State
	}
	if got := states[market.PartitionKey(agedDay.UnixMicro())]; got != store.PartitionCompressed {
		t.Errorf("aged partition state = %v, want compressed", got)
	}
	// The 1-day-old partition is sealed (window elapsed) but neither
	// compressed nor deleted.
	if got := states[market.PartitionKey(recentDay.UnixMicro())]; got != store.PartitionSealed {
		t.Errorf("recent partition state = %v, want sealed", got)
	}

	st := m.Stats()
	if st.PartitionsDeleted != 1 || st.PartitionsCompressed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRunOnce_BarsNeverDeleted(t *testing.T) {
	cfg := managerConfig(t)
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ancient := now.AddDate(-1, 0, 0).Truncate(24 * time.Hour)
	bar := &market.Bar{
		Symbol:        "GOLD",
		BucketStartUs: ancient.UnixMicro(),
		BucketSeconds: 60,
		Close:         100,
		MetricCount:   6,
	}
	if err := s.Append(bar); err != nil {
		t.Fatalf("append bar: %v", err)
	}

	m := New(cfg, s)
	m.RunOnce(now)

	infos := s.Partitions(market.ClassBar)
	if len(infos) != 1 {
		t.Fatalf("bar partitions = %d, want 1 (never deleted)", len(infos))
	}
	// A year-old bar partition is past the compression threshold.
	if infos[0].State != store.PartitionCompressed {
		t.Errorf("bar partition state = %v, want compressed", infos[0].State)
	}
}

func TestRunOnce_RetriesFailedPartitionNextRun(t *testing.T) {
	cfg := managerConfig(t)
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	agedDay := now.AddDate(0, 0, -3).Truncate(24 * time.Hour)
	fillDay(t, s, "GOLD", agedDay, 5)

	m := New(cfg, s)

	// First run compresses. A second run over the same state finds no
	// sealed partitions left and changes nothing; the pass is idempotent.
	first := m.RunOnce(now)
	second := m.RunOnce(now)

	var c1, c2 int
	for _, res := range first {
		c1 += res.Compressed
	}
	for _, res := range second {
		c2 += res.Compressed
	}
	if c1 != 1 || c2 != 0 {
		t.Errorf("compressed per run = %d, %d; want 1, 0", c1, c2)
	}
}

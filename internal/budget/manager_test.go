package budget

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/af-corp/prism-router/internal/config"
)

func fptr(v float64) *float64 { return &v }

func newTestManager(t *testing.T, now time.Time) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m := NewManager(store, nil, slog.Default())
	m.now = func() time.Time { return now }
	return m, store
}

func TestRecord_AppendOnly(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))

	var prevLen int
	var firstID string
	for i := 0; i < 5; i++ {
		tx, err := m.Record(ctx, "openai", "gpt-4o-mini", 0.001, 100, 50, OpChat)
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if tx.ID == "" {
			t.Fatal("expected a fresh transaction id")
		}
		all, _ := store.ListAll(ctx)
		if len(all) != prevLen+1 {
			t.Fatalf("expected ledger length %d, got %d", prevLen+1, len(all))
		}
		prevLen = len(all)
		if i == 0 {
			firstID = all[0].ID
		}
		if all[0].ID != firstID {
			t.Fatal("prior entries must never change")
		}
	}
}

func TestRecord_ConcurrentWritersLoseNothing(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Record(ctx, "openai", "gpt-4o-mini", 0.01, 10, 10, OpChat); err != nil {
				t.Errorf("Record failed: %v", err)
			}
		}()
	}
	wg.Wait()

	all, _ := store.ListAll(ctx)
	if len(all) != writers {
		t.Fatalf("expected %d transactions, got %d", writers, len(all))
	}

	usage, err := m.Usage(ctx, nil)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	want := 0.01 * writers
	if math.Abs(usage.DailySpent-want) > 1e-9 {
		t.Errorf("expected daily spent %v, got %v", want, usage.DailySpent)
	}
}

func TestUsage_PeriodBoundaries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, now)

	store.Append(ctx, tx("today", now.Add(-time.Hour), 0.10))
	store.Append(ctx, tx("yesterday", now.AddDate(0, 0, -1), 0.20))
	store.Append(ctx, tx("last-month", now.AddDate(0, -1, 0), 0.40))

	usage, err := m.Usage(ctx, &config.BudgetConfig{DailyUSD: fptr(1), MonthlyUSD: fptr(10)})
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if math.Abs(usage.DailySpent-0.10) > 1e-9 {
		t.Errorf("expected daily spent 0.10, got %v", usage.DailySpent)
	}
	if math.Abs(usage.MonthlySpent-0.30) > 1e-9 {
		t.Errorf("expected monthly spent 0.30, got %v", usage.MonthlySpent)
	}
	if usage.DailyLimit != 1 || usage.MonthlyLimit != 10 {
		t.Errorf("expected limits from config, got %v/%v", usage.DailyLimit, usage.MonthlyLimit)
	}
	wantReset := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	if !usage.LastReset.Equal(wantReset) {
		t.Errorf("expected last reset %v, got %v", wantReset, usage.LastReset)
	}
}

func TestUsage_MatchesLedgerAfterRecords(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))

	costs := []float64{0.001, 0.02, 0.3, 0.0004}
	for _, c := range costs {
		if _, err := m.Record(ctx, "openai", "gpt-4o-mini", c, 10, 10, OpChat); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	// Recompute from the raw ledger; the derived totals must agree exactly
	all, _ := store.ListAll(ctx)
	var sum float64
	for _, tx := range all {
		sum += tx.Cost
	}
	usage, _ := m.Usage(ctx, nil)
	if usage.DailySpent != sum || usage.MonthlySpent != sum {
		t.Errorf("derived totals drifted: daily=%v monthly=%v ledger=%v", usage.DailySpent, usage.MonthlySpent, sum)
	}
	if len(usage.Transactions) != len(costs) {
		t.Errorf("expected %d transactions in usage, got %d", len(costs), len(usage.Transactions))
	}
}

func TestCheck_HardStopBlocks(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, now)

	store.Append(ctx, tx("spent", now.Add(-time.Hour), 0.95))

	cfg := &config.BudgetConfig{DailyUSD: fptr(1.00), HardStop: true}
	decision, err := m.Check(ctx, 0.10, cfg)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if decision.Allowed {
		t.Error("expected hard stop to block: 0.95 + 0.10 > 1.00")
	}
	if decision.Reason == "" {
		t.Error("expected a human-readable reason")
	}
	if decision.Usage == nil || math.Abs(decision.Usage.DailySpent-0.95) > 1e-9 {
		t.Error("expected current usage on the decision")
	}
}

func TestCheck_UnderLimitAllowed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, now)

	store.Append(ctx, tx("spent", now.Add(-time.Hour), 0.50))

	decision, err := m.Check(ctx, 0.10, &config.BudgetConfig{DailyUSD: fptr(1.00), HardStop: true})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allowed under limit: %s", decision.Reason)
	}
}

func TestCheck_SoftStopAlwaysAllows(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, now)

	store.Append(ctx, tx("spent", now.Add(-time.Hour), 99))

	decision, err := m.Check(ctx, 100, &config.BudgetConfig{DailyUSD: fptr(1.00), MonthlyUSD: fptr(2.00), HardStop: false})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("soft enforcement must always allow")
	}
}

func TestCheck_MonthlyHardStop(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, now)

	store.Append(ctx, tx("early-month", now.AddDate(0, 0, -10), 9.50))

	decision, err := m.Check(ctx, 1.00, &config.BudgetConfig{MonthlyUSD: fptr(10.00), HardStop: true})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if decision.Allowed {
		t.Error("expected monthly hard stop to block")
	}
}

func TestCheck_NilConfigAllows(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))

	decision, err := m.Check(ctx, 1000, nil)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("no budget config means no limits")
	}
}

func TestWarnings_FireOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, now)

	store.Append(ctx, tx("spent", now.Add(-time.Hour), 0.90))
	cfg := &config.BudgetConfig{DailyUSD: fptr(1.00), WarningThreshold: fptr(80)}

	warnings, err := m.Warnings(ctx, cfg)
	if err != nil {
		t.Fatalf("Warnings failed: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning at 90%%, got %d: %v", len(warnings), warnings)
	}

	// Same period: must stay silent
	warnings, _ = m.Warnings(ctx, cfg)
	if len(warnings) != 0 {
		t.Errorf("expected no repeat warning within the period, got %v", warnings)
	}

	// Next day: the threshold crossing fires again (if still crossed)
	nextDay := now.AddDate(0, 0, 1)
	m.now = func() time.Time { return nextDay }
	store.Append(ctx, tx("next-day", nextDay.Add(-time.Minute), 0.90))
	warnings, _ = m.Warnings(ctx, cfg)
	if len(warnings) != 1 {
		t.Errorf("expected warning to re-fire after period rollover, got %v", warnings)
	}
}

func TestWarnings_BelowThresholdSilent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, now)

	store.Append(ctx, tx("spent", now.Add(-time.Hour), 0.10))
	warnings, err := m.Warnings(ctx, &config.BudgetConfig{DailyUSD: fptr(1.00), WarningThreshold: fptr(80)})
	if err != nil {
		t.Fatalf("Warnings failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings at 10%%, got %v", warnings)
	}
}

func TestCleanup_PreservesCurrentPeriodTotals(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, now)

	store.Append(ctx, tx("ancient", now.AddDate(0, 0, -45), 5.00))
	store.Append(ctx, tx("this-month", now.AddDate(0, 0, -10), 0.30))
	store.Append(ctx, tx("today", now.Add(-time.Hour), 0.10))

	before, _ := m.Usage(ctx, nil)

	removed, err := m.Cleanup(ctx, 31)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}

	after, _ := m.Usage(ctx, nil)
	if after.DailySpent != before.DailySpent || after.MonthlySpent != before.MonthlySpent {
		t.Errorf("cleanup distorted current-period totals: before %v/%v after %v/%v",
			before.DailySpent, before.MonthlySpent, after.DailySpent, after.MonthlySpent)
	}
}

func TestExportTransactions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, now)

	store.Append(ctx, tx("a", now.AddDate(0, 0, -2), 0.10))
	store.Append(ctx, tx("b", now, 0.20))

	export, err := m.ExportTransactions(ctx)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if export.Summary.TotalTransactions != 2 {
		t.Errorf("expected 2 transactions, got %d", export.Summary.TotalTransactions)
	}
	if math.Abs(export.Summary.TotalCost-0.30) > 1e-9 {
		t.Errorf("expected total cost 0.30, got %v", export.Summary.TotalCost)
	}
	if export.Summary.Earliest == nil || !export.Summary.Earliest.Equal(now.AddDate(0, 0, -2)) {
		t.Error("unexpected earliest timestamp")
	}
	if export.Summary.Latest == nil || !export.Summary.Latest.Equal(now) {
		t.Error("unexpected latest timestamp")
	}
}

func TestSpendingStats(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, now)

	a := tx("a", now.AddDate(0, 0, -1), 0.10)
	b := tx("b", now, 0.20)
	c := tx("c", now, 0.05)
	c.Provider = "local"
	c.Model = "qwen2.5-coder"
	store.Append(ctx, a)
	store.Append(ctx, b)
	store.Append(ctx, c)

	stats, err := m.SpendingStats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if got := stats.ByProvider["openai"]; got.Count != 2 || math.Abs(got.Cost-0.30) > 1e-9 {
		t.Errorf("unexpected openai bucket: %+v", got)
	}
	if got := stats.ByModel["qwen2.5-coder"]; got.Count != 1 {
		t.Errorf("unexpected model bucket: %+v", got)
	}
	if len(stats.DailyTrend) != 2 {
		t.Fatalf("expected 2 trend days, got %d", len(stats.DailyTrend))
	}
	if stats.DailyTrend[0].Date != "2026-08-27" || stats.DailyTrend[1].Date != "2026-08-28" {
		t.Errorf("trend days out of order: %+v", stats.DailyTrend)
	}
	if stats.DailyTrend[1].Count != 2 {
		t.Errorf("expected 2 transactions on the last day, got %d", stats.DailyTrend[1].Count)
	}
}

func TestParseOperation(t *testing.T) {
	for _, valid := range []string{"chat", "completion", "test"} {
		if _, err := ParseOperation(valid); err != nil {
			t.Errorf("ParseOperation(%q) failed: %v", valid, err)
		}
	}
	if _, err := ParseOperation("embedding"); err == nil {
		t.Error("expected unknown operation to fail")
	}
}

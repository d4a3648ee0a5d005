// Package budget maintains the spend ledger: it records immutable cost
// transactions, derives daily/monthly totals, and decides whether a
// prospective operation fits the configured budget. Day and month boundaries
// are UTC calendar periods.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/prism-router/internal/config"
)

const redisDailyKeyPrefix = "prism:budget:daily:"

// Usage is the derived budget state for the current periods.
type Usage struct {
	DailySpent   float64       `json:"daily_spent"`
	MonthlySpent float64       `json:"monthly_spent"`
	DailyLimit   float64       `json:"daily_limit,omitempty"`
	MonthlyLimit float64       `json:"monthly_limit,omitempty"`
	LastReset    time.Time     `json:"last_reset"`
	Transactions []Transaction `json:"transactions"`
}

// Decision is the outcome of a budget check. Budget blocking is advisory
// data, not an error: callers decide whether to prompt the user or abort.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Usage   *Usage `json:"current_usage"`
}

// Manager owns the ledger. Record serializes its read-modify-write sequence
// behind a mutex; derived sums are always recomputed from the ledger rather
// than cached, so concurrent recorders cannot drift the totals. A budget
// check followed later by a record is deliberately not atomic as a pair
// (soft enforcement): the model call happens between the two and cannot be
// locked.
type Manager struct {
	store  Store
	rdb    *redis.Client
	logger *slog.Logger

	mu            sync.Mutex
	now           func() time.Time
	warnedDaily   string // period key already warned, "2006-01-02"
	warnedMonthly string // period key already warned, "2006-01"
}

// NewManager creates a budget manager. rdb is optional; when present, daily
// spend is mirrored into a redis counter for cross-process prechecks.
func NewManager(store Store, rdb *redis.Client, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		rdb:    rdb,
		logger: logger,
		now:    time.Now,
	}
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Record appends a transaction with a fresh id and the current timestamp.
func (m *Manager) Record(ctx context.Context, provider, model string, cost float64, inputTokens, outputTokens int, op Operation) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := Transaction{
		ID:           uuid.NewString(),
		Timestamp:    m.now().UTC(),
		Provider:     provider,
		Model:        model,
		Cost:         cost,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Operation:    op,
	}
	if err := m.store.Append(ctx, tx); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	m.mirrorDailySpend(ctx, tx)
	return &tx, nil
}

// mirrorDailySpend increments the redis daily counter. The ledger stays the
// source of truth; mirror failures are logged and ignored.
func (m *Manager) mirrorDailySpend(ctx context.Context, tx Transaction) {
	if m.rdb == nil || tx.Cost <= 0 {
		return
	}
	day := tx.Timestamp.Format("2006-01-02")
	key := redisDailyKeyPrefix + day
	pipe := m.rdb.Pipeline()
	pipe.IncrByFloat(ctx, key, tx.Cost)
	endOfDay := dayStart(tx.Timestamp).AddDate(0, 0, 1)
	pipe.Expire(ctx, key, endOfDay.Sub(tx.Timestamp)+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("failed to mirror daily spend to redis", "error", err)
	}
}

// Usage recomputes daily and monthly totals from the ledger. cfg is optional
// and only fills in the limit fields.
func (m *Manager) Usage(ctx context.Context, cfg *config.BudgetConfig) (*Usage, error) {
	now := m.now().UTC()
	day := dayStart(now)
	month := monthStart(now)

	txs, err := m.store.ListSince(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	u := &Usage{
		LastReset:    day,
		Transactions: txs,
	}
	for _, tx := range txs {
		u.MonthlySpent += tx.Cost
		if !tx.Timestamp.Before(day) {
			u.DailySpent += tx.Cost
		}
	}
	if cfg != nil {
		if cfg.DailyUSD != nil {
			u.DailyLimit = *cfg.DailyUSD
		}
		if cfg.MonthlyUSD != nil {
			u.MonthlyLimit = *cfg.MonthlyUSD
		}
	}
	return u, nil
}

// Check decides whether a prospective operation costing estimatedCost fits
// the budget. With hard_stop unset the check always allows and the
// warning helpers carry the signal instead.
func (m *Manager) Check(ctx context.Context, estimatedCost float64, cfg *config.BudgetConfig) (*Decision, error) {
	usage, err := m.Usage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return &Decision{Allowed: true, Usage: usage}, nil
	}

	if cfg.HardStop {
		if cfg.DailyUSD != nil && usage.DailySpent+estimatedCost > *cfg.DailyUSD {
			return &Decision{
				Allowed: false,
				Reason: fmt.Sprintf("daily budget exceeded: $%.4f spent + $%.4f estimated > $%.2f limit",
					usage.DailySpent, estimatedCost, *cfg.DailyUSD),
				Usage: usage,
			}, nil
		}
		if cfg.MonthlyUSD != nil && usage.MonthlySpent+estimatedCost > *cfg.MonthlyUSD {
			return &Decision{
				Allowed: false,
				Reason: fmt.Sprintf("monthly budget exceeded: $%.4f spent + $%.4f estimated > $%.2f limit",
					usage.MonthlySpent, estimatedCost, *cfg.MonthlyUSD),
				Usage: usage,
			}, nil
		}
	}
	return &Decision{Allowed: true, Usage: usage}, nil
}

// Warnings reports threshold crossings. Each warning fires once per period:
// once the daily (or monthly) threshold has been reported, it stays silent
// until the period rolls over.
func (m *Manager) Warnings(ctx context.Context, cfg *config.BudgetConfig) ([]string, error) {
	if cfg == nil || cfg.WarningThreshold == nil {
		return nil, nil
	}
	usage, err := m.Usage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	threshold := *cfg.WarningThreshold

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	dayKey := now.Format("2006-01-02")
	monthKey := now.Format("2006-01")

	var warnings []string
	if cfg.DailyUSD != nil && *cfg.DailyUSD > 0 {
		pct := usage.DailySpent / *cfg.DailyUSD * 100
		if pct >= threshold && m.warnedDaily != dayKey {
			warnings = append(warnings, fmt.Sprintf("daily spend at %.0f%% of $%.2f budget ($%.4f)", pct, *cfg.DailyUSD, usage.DailySpent))
			m.warnedDaily = dayKey
		}
	}
	if cfg.MonthlyUSD != nil && *cfg.MonthlyUSD > 0 {
		pct := usage.MonthlySpent / *cfg.MonthlyUSD * 100
		if pct >= threshold && m.warnedMonthly != monthKey {
			warnings = append(warnings, fmt.Sprintf("monthly spend at %.0f%% of $%.2f budget ($%.4f)", pct, *cfg.MonthlyUSD, usage.MonthlySpent))
			m.warnedMonthly = monthKey
		}
	}
	return warnings, nil
}

// Cleanup deletes transactions older than keepDays and returns the count
// removed. With keepDays >= 31 the current month's totals are unaffected.
func (m *Manager) Cleanup(ctx context.Context, keepDays int) (int, error) {
	if keepDays < 0 {
		keepDays = 0
	}
	cutoff := m.now().UTC().AddDate(0, 0, -keepDays)
	removed, err := m.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup transactions: %w", err)
	}
	if removed > 0 {
		m.logger.Info("pruned old transactions", "removed", removed, "keep_days", keepDays)
	}
	return removed, nil
}

// ExportSummary aggregates the full ledger for data portability.
type ExportSummary struct {
	TotalCost         float64    `json:"total_cost"`
	TotalTransactions int        `json:"total_transactions"`
	Earliest          *time.Time `json:"earliest,omitempty"`
	Latest            *time.Time `json:"latest,omitempty"`
}

// Export is a full dump of the ledger.
type Export struct {
	Transactions []Transaction `json:"transactions"`
	Summary      ExportSummary `json:"summary"`
}

// ExportTransactions dumps the whole ledger with a summary.
func (m *Manager) ExportTransactions(ctx context.Context) (*Export, error) {
	txs, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("export transactions: %w", err)
	}
	out := &Export{
		Transactions: txs,
		Summary:      ExportSummary{TotalTransactions: len(txs)},
	}
	for i, tx := range txs {
		out.Summary.TotalCost += tx.Cost
		if i == 0 {
			t := tx.Timestamp
			out.Summary.Earliest = &t
		}
		if i == len(txs)-1 {
			t := tx.Timestamp
			out.Summary.Latest = &t
		}
	}
	return out, nil
}

// CostCount is an aggregate bucket of spend.
type CostCount struct {
	Cost  float64 `json:"cost"`
	Count int     `json:"count"`
}

// DayStat is one day of the spending trend.
type DayStat struct {
	Date  string  `json:"date"` // 2006-01-02, UTC
	Cost  float64 `json:"cost"`
	Count int     `json:"count"`
}

// Stats aggregates spend by provider, by model, and by day.
type Stats struct {
	ByProvider map[string]CostCount `json:"by_provider"`
	ByModel    map[string]CostCount `json:"by_model"`
	DailyTrend []DayStat            `json:"daily_trend"`
}

// SpendingStats is a pure aggregation over the transaction ledger.
func (m *Manager) SpendingStats(ctx context.Context) (*Stats, error) {
	txs, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregate transactions: %w", err)
	}

	stats := &Stats{
		ByProvider: make(map[string]CostCount),
		ByModel:    make(map[string]CostCount),
	}
	byDay := make(map[string]CostCount)
	for _, tx := range txs {
		p := stats.ByProvider[tx.Provider]
		p.Cost += tx.Cost
		p.Count++
		stats.ByProvider[tx.Provider] = p

		mm := stats.ByModel[tx.Model]
		mm.Cost += tx.Cost
		mm.Count++
		stats.ByModel[tx.Model] = mm

		day := tx.Timestamp.UTC().Format("2006-01-02")
		d := byDay[day]
		d.Cost += tx.Cost
		d.Count++
		byDay[day] = d
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		stats.DailyTrend = append(stats.DailyTrend, DayStat{Date: day, Cost: byDay[day].Cost, Count: byDay[day].Count})
	}
	return stats, nil
}

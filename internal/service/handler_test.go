package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/af-corp/prism-router/internal/budget"
	"github.com/af-corp/prism-router/internal/config"
	"github.com/af-corp/prism-router/internal/routing"
)

type stubProvider struct {
	id        string
	kind      string
	models    map[string]bool
	available bool
}

func (s *stubProvider) ID() string                { return s.id }
func (s *stubProvider) Kind() string              { return s.kind }
func (s *stubProvider) Supports(name string) bool { return s.models[name] }
func (s *stubProvider) IsAvailable() bool         { return s.available }

type stubDirectory map[string]*stubProvider

func (d stubDirectory) Get(id string) (routing.Provider, bool) {
	p, ok := d[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func testConfig(t *testing.T, budgetCfg *config.BudgetConfig) *config.RouterConfig {
	t.Helper()
	cfg := &config.RouterConfig{
		Version:       1,
		ActiveProfile: "default",
		Profiles: map[string]*config.ProfileConfig{
			"default": {
				Mode:   config.ModeAuto,
				Budget: budgetCfg,
				Providers: []*config.ProviderConfig{
					{
						ID:      "openai",
						Kind:    config.KindOpenAICompat,
						BaseURL: "https://api.openai.com/v1",
						Models: []*config.ModelConfig{
							{Name: "gpt-4o-mini", Price: &config.ModelPrice{InputPerMTok: 0.15, OutputPerMTok: 0.60}},
						},
					},
					{
						ID:      "local",
						Kind:    config.KindOllama,
						BaseURL: "http://localhost:11434",
						Models:  []*config.ModelConfig{{Name: "qwen2.5-coder"}},
					},
				},
				Routing: config.RoutingPolicy{
					Rules: []*config.RoutingRule{
						{
							ID:   "tests",
							If:   &config.RuleCondition{AnyKeyword: []string{"test"}},
							Then: &config.RuleAction{Prefer: []string{"openai:gpt-4o-mini"}, Target: config.TargetChat},
						},
					},
					Default: config.RuleAction{Prefer: []string{"local:qwen2.5-coder"}, Target: config.TargetChat},
				},
			},
		},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func allUp() stubDirectory {
	return stubDirectory{
		"openai": {id: "openai", kind: config.KindOpenAICompat, available: true,
			models: map[string]bool{"gpt-4o-mini": true}},
		"local": {id: "local", kind: config.KindOllama, available: true,
			models: map[string]bool{"qwen2.5-coder": true}},
	}
}

func newTestHandler(t *testing.T, cfg *config.RouterConfig, dir routing.Directory) (*Handler, *budget.MemoryStore) {
	t.Helper()
	store := budget.NewMemoryStore()
	bm := budget.NewManager(store, nil, slog.Default())
	h := NewHandler(
		func() *config.RouterConfig { return cfg },
		func() routing.Directory { return dir },
		bm,
		nil,
	)
	return h, store
}

func postJSON(t *testing.T, handler http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestRoute_Selects(t *testing.T) {
	h, _ := newTestHandler(t, testConfig(t, nil), allUp())

	rec := postJSON(t, h.Route, "/v1/route", `{"prompt":"write a unit test"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp RouteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Result == nil || resp.Result.ProviderID != "openai" || resp.Result.ModelName != "gpt-4o-mini" {
		t.Errorf("unexpected result: %+v", resp.Result)
	}
	if resp.Estimate == nil || resp.Estimate.TotalCost <= 0 {
		t.Errorf("expected a positive estimate for a priced model: %+v", resp.Estimate)
	}
}

func TestRoute_BadRequest(t *testing.T) {
	h, _ := newTestHandler(t, testConfig(t, nil), allUp())

	if rec := postJSON(t, h.Route, "/v1/route", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on malformed JSON, got %d", rec.Code)
	}
	if rec := postJSON(t, h.Route, "/v1/route", `{"lang":"go"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on missing prompt, got %d", rec.Code)
	}
}

func TestRoute_NoRouteAvailable(t *testing.T) {
	dir := allUp()
	dir["openai"].available = false
	dir["local"].available = false
	h, _ := newTestHandler(t, testConfig(t, nil), dir)

	rec := postJSON(t, h.Route, "/v1/route", `{"prompt":"write a unit test"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "no_route_available") {
		t.Errorf("expected no_route_available error code: %s", rec.Body.String())
	}
}

func TestRoute_BlockedByBudget(t *testing.T) {
	daily := 1.00
	cfg := testConfig(t, &config.BudgetConfig{DailyUSD: &daily, HardStop: true})
	h, store := newTestHandler(t, cfg, allUp())

	store.Append(context.Background(), budget.Transaction{
		ID: "spent", Timestamp: time.Now().UTC(), Provider: "openai",
		Model: "gpt-4o-mini", Cost: 1.00, Operation: budget.OpChat,
	})

	rec := postJSON(t, h.Route, "/v1/route", `{"prompt":"write a unit test"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "budget_exceeded") {
		t.Errorf("expected budget_exceeded error code: %s", rec.Body.String())
	}
}

func TestSimulate(t *testing.T) {
	h, _ := newTestHandler(t, testConfig(t, nil), nil)

	rec := postJSON(t, h.Simulate, "/v1/route/simulate", `{"context":{"prompt":"write a unit test"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var sim routing.Simulation
	if err := json.Unmarshal(rec.Body.Bytes(), &sim); err != nil {
		t.Fatalf("failed to decode simulation: %v", err)
	}
	if sim.Chosen == nil || sim.Chosen.RuleID != "tests" {
		t.Errorf("unexpected chosen candidate: %+v", sim.Chosen)
	}
	if len(sim.Alternatives) == 0 {
		t.Error("expected the default surfaced as an alternative")
	}
}

func TestEstimate(t *testing.T) {
	h, _ := newTestHandler(t, testConfig(t, nil), allUp())

	rec := postJSON(t, h.Estimate, "/v1/estimate", `{"prompt":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp EstimateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].Model.Name != "gpt-4o-mini" {
		t.Errorf("unexpected candidates: %+v", resp.Candidates)
	}
	if len(resp.Unpriced) != 1 || resp.Unpriced[0] != "local:qwen2.5-coder" {
		t.Errorf("unpriced models must be listed, not treated as free: %v", resp.Unpriced)
	}
}

func TestEstimate_RequiresPrompt(t *testing.T) {
	h, _ := newTestHandler(t, testConfig(t, nil), allUp())
	if rec := postJSON(t, h.Estimate, "/v1/estimate", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestModels(t *testing.T) {
	h, _ := newTestHandler(t, testConfig(t, nil), allUp())

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.Models(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Models []modelEntry `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Models) != 2 {
		t.Errorf("expected 2 models, got %d", len(resp.Models))
	}
}

func TestRecordTransaction_ExplicitCost(t *testing.T) {
	h, store := newTestHandler(t, testConfig(t, nil), allUp())

	rec := postJSON(t, h.RecordTransaction, "/v1/transactions",
		`{"provider":"local","model":"qwen2.5-coder","cost":0,"input_tokens":100,"output_tokens":50,"operation":"chat"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var tx budget.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &tx); err != nil {
		t.Fatalf("failed to decode transaction: %v", err)
	}
	if tx.ID == "" {
		t.Error("expected a generated transaction id")
	}
	all, _ := store.ListAll(context.Background())
	if len(all) != 1 {
		t.Errorf("expected 1 persisted transaction, got %d", len(all))
	}
}

func TestRecordTransaction_DerivesCostFromPrices(t *testing.T) {
	h, _ := newTestHandler(t, testConfig(t, nil), allUp())

	rec := postJSON(t, h.RecordTransaction, "/v1/transactions",
		`{"provider":"openai","model":"gpt-4o-mini","input_tokens":1000,"output_tokens":400,"operation":"chat"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var tx budget.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &tx); err != nil {
		t.Fatalf("failed to decode transaction: %v", err)
	}
	want := 1000.0/1e6*0.15 + 400.0/1e6*0.60
	if tx.Cost != want {
		t.Errorf("expected derived cost %v, got %v", want, tx.Cost)
	}
}

func TestRecordTransaction_UnpricedNeedsExplicitCost(t *testing.T) {
	h, _ := newTestHandler(t, testConfig(t, nil), allUp())

	rec := postJSON(t, h.RecordTransaction, "/v1/transactions",
		`{"provider":"local","model":"qwen2.5-coder","input_tokens":100,"output_tokens":50,"operation":"chat"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unpriced model without cost, got %d", rec.Code)
	}
}

func TestRecordTransaction_Invalid(t *testing.T) {
	h, _ := newTestHandler(t, testConfig(t, nil), allUp())

	if rec := postJSON(t, h.RecordTransaction, "/v1/transactions", `{"model":"m","operation":"chat"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on missing provider, got %d", rec.Code)
	}
	if rec := postJSON(t, h.RecordTransaction, "/v1/transactions",
		`{"provider":"p","model":"m","cost":1,"operation":"embedding"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on unknown operation, got %d", rec.Code)
	}
}

func TestBudgetUsage(t *testing.T) {
	daily := 5.0
	h, store := newTestHandler(t, testConfig(t, &config.BudgetConfig{DailyUSD: &daily}), allUp())
	store.Append(context.Background(), budget.Transaction{
		ID: "a", Timestamp: time.Now().UTC(), Provider: "openai",
		Model: "gpt-4o-mini", Cost: 0.25, Operation: budget.OpChat,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/budget/usage", nil)
	rec := httptest.NewRecorder()
	h.BudgetUsage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var usage budget.Usage
	if err := json.Unmarshal(rec.Body.Bytes(), &usage); err != nil {
		t.Fatalf("failed to decode usage: %v", err)
	}
	if usage.DailySpent != 0.25 || usage.DailyLimit != 5.0 {
		t.Errorf("unexpected usage: %+v", usage)
	}
}

func TestBudgetWarnings_EmptyIsArray(t *testing.T) {
	h, _ := newTestHandler(t, testConfig(t, nil), allUp())

	req := httptest.NewRequest(http.MethodGet, "/v1/budget/warnings", nil)
	rec := httptest.NewRecorder()
	h.BudgetWarnings(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"warnings":[]`) {
		t.Errorf("warnings must serialize as an empty array, got %s", rec.Body.String())
	}
}

func TestBudgetStatsAndExport(t *testing.T) {
	h, store := newTestHandler(t, testConfig(t, nil), allUp())
	store.Append(context.Background(), budget.Transaction{
		ID: "a", Timestamp: time.Now().UTC(), Provider: "openai",
		Model: "gpt-4o-mini", Cost: 0.10, Operation: budget.OpChat,
	})

	rec := httptest.NewRecorder()
	h.BudgetStats(rec, httptest.NewRequest(http.MethodGet, "/v1/budget/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	var stats budget.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.ByProvider["openai"].Count != 1 {
		t.Errorf("unexpected stats: %+v", stats.ByProvider)
	}

	rec = httptest.NewRecorder()
	h.BudgetExport(rec, httptest.NewRequest(http.MethodGet, "/v1/budget/export", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", rec.Code)
	}
	var export budget.Export
	if err := json.Unmarshal(rec.Body.Bytes(), &export); err != nil {
		t.Fatalf("failed to decode export: %v", err)
	}
	if export.Summary.TotalTransactions != 1 {
		t.Errorf("unexpected export summary: %+v", export.Summary)
	}
}

func TestCleanupTransactions(t *testing.T) {
	h, store := newTestHandler(t, testConfig(t, nil), allUp())
	store.Append(context.Background(), budget.Transaction{
		ID: "old", Timestamp: time.Now().UTC().AddDate(0, 0, -120), Provider: "openai",
		Model: "gpt-4o-mini", Cost: 0.10, Operation: budget.OpChat,
	})
	store.Append(context.Background(), budget.Transaction{
		ID: "new", Timestamp: time.Now().UTC(), Provider: "openai",
		Model: "gpt-4o-mini", Cost: 0.10, Operation: budget.OpChat,
	})

	req := httptest.NewRequest(http.MethodDelete, "/v1/transactions?keep_days=90", nil)
	rec := httptest.NewRecorder()
	h.CleanupTransactions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"removed":1`) {
		t.Errorf("expected 1 removed, got %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/transactions?keep_days=-1", nil)
	rec = httptest.NewRecorder()
	h.CleanupTransactions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on negative keep_days, got %d", rec.Code)
	}
}

// Package service exposes the routing engine's programmatic query surface
// over HTTP: route, simulate, estimate, model listing, and the budget
// ledger operations.
package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/af-corp/prism-router/internal/budget"
	"github.com/af-corp/prism-router/internal/config"
	"github.com/af-corp/prism-router/internal/httputil"
	"github.com/af-corp/prism-router/internal/pricing"
	"github.com/af-corp/prism-router/internal/routing"
	"github.com/af-corp/prism-router/internal/telemetry"
)

// Handler holds dependencies for the routing API handlers. Config and
// directory are fetched through closures so hot reloads take effect without
// handler rebuilds.
type Handler struct {
	cfg       func() *config.RouterConfig
	directory func() routing.Directory
	budget    *budget.Manager
	metrics   *telemetry.Metrics
}

func NewHandler(cfg func() *config.RouterConfig, directory func() routing.Directory, bm *budget.Manager, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		cfg:       cfg,
		directory: directory,
		budget:    bm,
		metrics:   metrics,
	}
}

func (h *Handler) activeProfile() (string, *config.ProfileConfig) {
	c := h.cfg()
	if c == nil {
		return "", nil
	}
	return c.ActiveProfile, c.Active()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RouteResponse is the payload of POST /v1/route.
type RouteResponse struct {
	Result   *routing.Result   `json:"result"`
	Estimate *pricing.Estimate `json:"estimate,omitempty"`
	Budget   *budget.Decision  `json:"budget,omitempty"`
}

// Route handles POST /v1/route: full selection plus budget enforcement.
func (h *Handler) Route(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	var rctx routing.Context
	if err := json.NewDecoder(r.Body).Decode(&rctx); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if rctx.Prompt == "" {
		httputil.WriteBadRequestError(w, reqID, "prompt is required")
		return
	}

	profileName, profile := h.activeProfile()
	if profile == nil {
		httputil.WriteInternalError(w, reqID, "No configuration loaded")
		return
	}

	router := routing.New(profile, h.directory())
	result, err := router.Route(&rctx)
	if err != nil {
		var rerr *routing.Error
		if errors.As(err, &rerr) {
			slog.Warn("no route available", "request_id", reqID, "profile", profileName)
			if h.metrics != nil {
				h.metrics.RecordRoute(telemetry.RouteLabels{Profile: profileName, Outcome: "no_route"})
			}
			httputil.WriteRoutingError(w, reqID, rerr.Reason)
			return
		}
		httputil.WriteInternalError(w, reqID, err.Error())
		return
	}

	estimate, _ := pricing.EstimateCost(rctx.Prompt, result.Model, result.ProviderID, 0)

	var decision *budget.Decision
	if profile.Budget != nil {
		estimated := 0.0
		if estimate != nil {
			estimated = estimate.TotalCost
		}
		decision, err = h.budget.Check(r.Context(), estimated, profile.Budget)
		if err != nil {
			httputil.WriteInternalError(w, reqID, "Budget check failed: "+err.Error())
			return
		}
		if h.metrics != nil {
			h.metrics.RecordBudgetCheck(decision.Allowed)
		}
		if !decision.Allowed {
			slog.Warn("route blocked by budget",
				"request_id", reqID,
				"profile", profileName,
				"provider", result.ProviderID,
				"model", result.ModelName,
				"reason", decision.Reason,
			)
			if h.metrics != nil {
				h.metrics.RecordRoute(telemetry.RouteLabels{
					Profile: profileName, Provider: result.ProviderID,
					Model: result.ModelName, Outcome: "blocked",
				})
			}
			httputil.WriteBudgetExceededError(w, reqID, decision.Reason)
			return
		}
	}

	slog.Info("route selected",
		"request_id", reqID,
		"profile", profileName,
		"provider", result.ProviderID,
		"model", result.ModelName,
		"score", result.Score,
		"rule", result.RuleID,
	)
	if h.metrics != nil {
		labels := telemetry.RouteLabels{
			Profile: profileName, Provider: result.ProviderID,
			Model: result.ModelName, Outcome: "selected", Score: result.Score,
		}
		if estimate != nil {
			labels.EstimatedUSD = estimate.TotalCost
		}
		h.metrics.RecordRoute(labels)
	}

	writeJSON(w, http.StatusOK, RouteResponse{Result: result, Estimate: estimate, Budget: decision})
}

// SimulateRequest is the payload of POST /v1/route/simulate.
type SimulateRequest struct {
	Context routing.Context `json:"context"`
	TopN    int             `json:"top_n,omitempty"`
}

// Simulate handles POST /v1/route/simulate: the same ranking as Route with
// no availability probing and no budget side effects.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if req.TopN <= 0 {
		req.TopN = 3
	}

	_, profile := h.activeProfile()
	if profile == nil {
		httputil.WriteInternalError(w, reqID, "No configuration loaded")
		return
	}

	sim, err := routing.New(profile, nil).Simulate(&req.Context, req.TopN)
	if err != nil {
		var rerr *routing.Error
		if errors.As(err, &rerr) {
			httputil.WriteRoutingError(w, reqID, rerr.Reason)
			return
		}
		httputil.WriteInternalError(w, reqID, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

// EstimateRequest is the payload of POST /v1/estimate.
type EstimateRequest struct {
	Prompt               string `json:"prompt"`
	ExpectedOutputTokens int    `json:"expected_output_tokens,omitempty"`
}

// EstimateResponse ranks the active profile's priced candidates by cost.
type EstimateResponse struct {
	Candidates []pricing.Ranked `json:"candidates"`
	Unpriced   []string         `json:"unpriced,omitempty"`
}

// Estimate handles POST /v1/estimate: cost estimates for every candidate in
// the active profile. Models without pricing are reported as unpriced, never
// as free.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if req.Prompt == "" {
		httputil.WriteBadRequestError(w, reqID, "prompt is required")
		return
	}

	_, profile := h.activeProfile()
	if profile == nil {
		httputil.WriteInternalError(w, reqID, "No configuration loaded")
		return
	}

	var candidates []pricing.Candidate
	var unpriced []string
	for _, pv := range profile.Providers {
		for _, m := range pv.Models {
			if m.Price == nil {
				unpriced = append(unpriced, config.ModelRef{Provider: pv.ID, Model: m.Name}.String())
				continue
			}
			candidates = append(candidates, pricing.Candidate{Provider: pv.ID, Model: m})
		}
	}

	writeJSON(w, http.StatusOK, EstimateResponse{
		Candidates: pricing.Rank(candidates, req.Prompt, req.ExpectedOutputTokens),
		Unpriced:   unpriced,
	})
}

type modelEntry struct {
	Provider string              `json:"provider"`
	Kind     string              `json:"kind"`
	Model    *config.ModelConfig `json:"model"`
}

// Models handles GET /v1/models: the flattened provider:model list of the
// active profile.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	_, profile := h.activeProfile()
	if profile == nil {
		httputil.WriteInternalError(w, reqID, "No configuration loaded")
		return
	}

	entries := []modelEntry{}
	for _, pv := range profile.Providers {
		for _, m := range pv.Models {
			entries = append(entries, modelEntry{Provider: pv.ID, Kind: pv.Kind, Model: m})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": entries})
}

// RecordRequest is the payload of POST /v1/transactions: the caller reports
// measured usage after the model call completed.
type RecordRequest struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Cost         *float64 `json:"cost,omitempty"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	Operation    string   `json:"operation"`
}

// RecordTransaction handles POST /v1/transactions. When cost is omitted it
// is derived from the model's price table; unpriced models require an
// explicit cost.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if req.Provider == "" || req.Model == "" {
		httputil.WriteBadRequestError(w, reqID, "provider and model are required")
		return
	}
	op, err := budget.ParseOperation(req.Operation)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	cost := 0.0
	if req.Cost != nil {
		cost = *req.Cost
	} else {
		_, profile := h.activeProfile()
		if profile == nil {
			httputil.WriteInternalError(w, reqID, "No configuration loaded")
			return
		}
		pv := profile.Provider(req.Provider)
		if pv == nil || pv.Model(req.Model) == nil {
			httputil.WriteBadRequestError(w, reqID, "unknown provider:model, cost must be given explicitly")
			return
		}
		derived, ok := pricing.ActualCost(req.InputTokens, req.OutputTokens, pv.Model(req.Model).Price)
		if !ok {
			httputil.WriteBadRequestError(w, reqID, "model has no price table, cost must be given explicitly")
			return
		}
		cost = derived
	}

	tx, err := h.budget.Record(r.Context(), req.Provider, req.Model, cost, req.InputTokens, req.OutputTokens, op)
	if err != nil {
		httputil.WriteInternalError(w, reqID, "Failed to record transaction: "+err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.RecordTransaction(tx.Provider, tx.Model, string(tx.Operation), tx.Cost)
	}
	writeJSON(w, http.StatusCreated, tx)
}

// BudgetUsage handles GET /v1/budget/usage.
func (h *Handler) BudgetUsage(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	_, profile := h.activeProfile()
	var bcfg *config.BudgetConfig
	if profile != nil {
		bcfg = profile.Budget
	}
	usage, err := h.budget.Usage(r.Context(), bcfg)
	if err != nil {
		httputil.WriteInternalError(w, reqID, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// BudgetWarnings handles GET /v1/budget/warnings.
func (h *Handler) BudgetWarnings(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	_, profile := h.activeProfile()
	var bcfg *config.BudgetConfig
	if profile != nil {
		bcfg = profile.Budget
	}
	warnings, err := h.budget.Warnings(r.Context(), bcfg)
	if err != nil {
		httputil.WriteInternalError(w, reqID, err.Error())
		return
	}
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"warnings": warnings})
}

// BudgetStats handles GET /v1/budget/stats.
func (h *Handler) BudgetStats(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	stats, err := h.budget.SpendingStats(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, reqID, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// BudgetExport handles GET /v1/budget/export.
func (h *Handler) BudgetExport(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	export, err := h.budget.ExportTransactions(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, reqID, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// CleanupTransactions handles DELETE /v1/transactions?keep_days=N.
func (h *Handler) CleanupTransactions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	keepDays := 90
	if v := r.URL.Query().Get("keep_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteBadRequestError(w, reqID, "keep_days must be a non-negative integer")
			return
		}
		keepDays = n
	}

	removed, err := h.budget.Cleanup(r.Context(), keepDays)
	if err != nil {
		httputil.WriteInternalError(w, reqID, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the PRISM router.
type Metrics struct {
	RoutesTotal        *prometheus.CounterVec
	RuleScore          *prometheus.HistogramVec
	EstimatedCostUSD   *prometheus.CounterVec
	ActualCostUSD      *prometheus.CounterVec
	BudgetChecksTotal  *prometheus.CounterVec
	ConfigReloadsTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RoutesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_routes_total",
			Help: "Total routing decisions by outcome.",
		}, []string{"profile", "provider", "model", "outcome"}),

		RuleScore: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prism_rule_score",
			Help:    "Winning rule score per routing decision.",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 7, 10},
		}, []string{"profile"}),

		EstimatedCostUSD: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_estimated_cost_usd_total",
			Help: "Estimated USD cost of routed prompts.",
		}, []string{"provider", "model"}),

		ActualCostUSD: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_actual_cost_usd_total",
			Help: "Recorded USD cost of completed invocations.",
		}, []string{"provider", "model", "operation"}),

		BudgetChecksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_budget_checks_total",
			Help: "Budget check outcomes.",
		}, []string{"outcome"}),

		ConfigReloadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prism_config_reloads_total",
			Help: "Successful configuration reloads.",
		}),
	}
}

// RouteLabels holds label values for a completed routing decision.
type RouteLabels struct {
	Profile      string
	Provider     string
	Model        string
	Outcome      string // selected | blocked | no_route
	Score        int
	EstimatedUSD float64
}

// RecordRoute records metrics for one routing decision.
func (m *Metrics) RecordRoute(labels RouteLabels) {
	m.RoutesTotal.WithLabelValues(labels.Profile, labels.Provider, labels.Model, labels.Outcome).Inc()
	if labels.Outcome == "selected" {
		m.RuleScore.WithLabelValues(labels.Profile).Observe(float64(labels.Score))
	}
	if labels.EstimatedUSD > 0 {
		m.EstimatedCostUSD.WithLabelValues(labels.Provider, labels.Model).Add(labels.EstimatedUSD)
	}
}

// RecordTransaction records the actual cost of a completed invocation.
func (m *Metrics) RecordTransaction(provider, model, operation string, costUSD float64) {
	if costUSD > 0 {
		m.ActualCostUSD.WithLabelValues(provider, model, operation).Add(costUSD)
	}
}

// RecordBudgetCheck records a budget check outcome.
func (m *Metrics) RecordBudgetCheck(allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	m.BudgetChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordConfigReload records a successful config reload.
func (m *Metrics) RecordConfigReload() {
	m.ConfigReloadsTotal.Inc()
}

package routing

import "github.com/af-corp/prism-router/internal/config"

// Context carries the per-call facts a routing decision is made from.
type Context struct {
	Prompt        string   `json:"prompt"`
	Lang          string   `json:"lang,omitempty"`
	FilePath      string   `json:"file_path,omitempty"`
	FileSizeKB    *float64 `json:"file_size_kb,omitempty"`
	Mode          string   `json:"mode,omitempty"`
	PrivacyStrict bool     `json:"privacy_strict,omitempty"`
}

// Result is a routing decision: the selected provider:model pair, the rule
// that won (nil when the profile default was used), and a human-readable
// trace of how the decision was reached.
type Result struct {
	ProviderID string              `json:"provider_id"`
	ModelName  string              `json:"model_name"`
	Model      *config.ModelConfig `json:"model"`
	Score      int                 `json:"score"`
	Reasoning  string              `json:"reasoning"`
	Rule       *config.RoutingRule `json:"-"`
	RuleID     string              `json:"rule_id,omitempty"`
	Target     string              `json:"target"`
}

// Alternative is a next-best candidate surfaced by Simulate.
type Alternative struct {
	RuleID     string `json:"rule_id"`
	Score      int    `json:"score"`
	ProviderID string `json:"provider_id"`
	ModelName  string `json:"model_name"`
}

// Simulation is the outcome of a dry-run route: the candidate that would be
// chosen plus the ranked runners-up.
type Simulation struct {
	Chosen       *Result       `json:"chosen"`
	Alternatives []Alternative `json:"alternatives"`
}

// Error is returned when no candidate provider+model resolves.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "routing: " + e.Reason
}

// Provider is the availability collaborator consumed by the router. The
// implementation may probe the network; the router treats these as boundary
// calls.
type Provider interface {
	ID() string
	Kind() string
	Supports(modelName string) bool
	IsAvailable() bool
}

// Directory resolves provider ids to live providers.
type Directory interface {
	Get(id string) (Provider, bool)
}

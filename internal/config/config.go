package config

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Provider kinds understood by the router. Anything not listed here is
// rejected at validation time.
const (
	KindOpenAICompat = "openai-compat"
	KindOllama       = "ollama"
)

// Profile modes. Rules match on the raw mode string; the profile-level mode
// must be one of these.
const (
	ModeAuto          = "auto"
	ModeSpeed         = "speed"
	ModeQuality       = "quality"
	ModeCheap         = "cheap"
	ModeLocalOnly     = "local-only"
	ModeOffline       = "offline"
	ModePrivacyStrict = "privacy-strict"
)

// Targets for a routing action.
const (
	TargetChat       = "chat"
	TargetCompletion = "completion"
)

// RouterConfig is the root of the declarative routing configuration.
type RouterConfig struct {
	Version       int                       `yaml:"version"`
	ActiveProfile string                    `yaml:"active_profile"`
	Profiles      map[string]*ProfileConfig `yaml:"profiles"`
}

// Active returns the profile named by ActiveProfile. The validator guarantees
// it exists for any config it has accepted.
func (c *RouterConfig) Active() *ProfileConfig {
	return c.Profiles[c.ActiveProfile]
}

// ProfileConfig is a complete, selectable routing configuration.
type ProfileConfig struct {
	Mode      string            `yaml:"mode"`
	Budget    *BudgetConfig     `yaml:"budget,omitempty"`
	Privacy   *PrivacyConfig    `yaml:"privacy,omitempty"`
	Providers []*ProviderConfig `yaml:"providers"`
	Routing   RoutingPolicy     `yaml:"routing"`
}

// Provider returns the provider with the given id, or nil.
func (p *ProfileConfig) Provider(id string) *ProviderConfig {
	for _, pv := range p.Providers {
		if pv.ID == id {
			return pv
		}
	}
	return nil
}

// BudgetConfig caps spend per UTC calendar day/month. A nil limit means
// unlimited in that dimension.
type BudgetConfig struct {
	DailyUSD         *float64 `yaml:"daily_usd,omitempty"`
	MonthlyUSD       *float64 `yaml:"monthly_usd,omitempty"`
	HardStop         bool     `yaml:"hard_stop,omitempty"`
	WarningThreshold *float64 `yaml:"warning_threshold,omitempty"` // percent, 0-100
}

// PrivacyConfig controls the post-selection privacy filter. LocalKinds lists
// provider kinds considered safe under privacy-strict routing; when empty,
// only ollama qualifies.
type PrivacyConfig struct {
	Strict     bool     `yaml:"strict,omitempty"`
	LocalKinds []string `yaml:"local_kinds,omitempty"`
}

// ProviderConfig describes one model endpoint.
type ProviderConfig struct {
	ID        string         `yaml:"id"`
	Kind      string         `yaml:"kind"`
	BaseURL   string         `yaml:"base_url"`
	APIKeyRef string         `yaml:"api_key_ref,omitempty"`
	Models    []*ModelConfig `yaml:"models"`
}

// Model returns the model with the given name, or nil.
func (p *ProviderConfig) Model(name string) *ModelConfig {
	for _, m := range p.Models {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// ModelConfig describes a model offered by a provider.
type ModelConfig struct {
	Name    string      `yaml:"name"`
	Context *int        `yaml:"context,omitempty"` // tokens
	Caps    []string    `yaml:"caps,omitempty"`
	Price   *ModelPrice `yaml:"price,omitempty"`
}

// ModelPrice is USD per one million tokens.
type ModelPrice struct {
	InputPerMTok       float64  `yaml:"input_per_mtok"`
	OutputPerMTok      float64  `yaml:"output_per_mtok"`
	CachedInputPerMTok *float64 `yaml:"cached_input_per_mtok,omitempty"`
}

// RoutingPolicy holds the ordered rule list and the fallback default.
type RoutingPolicy struct {
	Rules   []*RoutingRule `yaml:"rules"`
	Default RuleAction     `yaml:"default"`
}

// RoutingRule is a declarative condition/action pair.
type RoutingRule struct {
	ID   string         `yaml:"id"`
	If   *RuleCondition `yaml:"if"`
	Then *RuleAction    `yaml:"then"`
}

// RuleCondition is a bag of optional predicates. Present predicates are
// scored independently; AnyKeyword is disjunctive within its list,
// AllKeywords conjunctive.
type RuleCondition struct {
	AnyKeyword      []string `yaml:"any_keyword,omitempty"`
	AllKeywords     []string `yaml:"all_keywords,omitempty"`
	FileLangIn      []string `yaml:"file_lang_in,omitempty"`
	FilePathMatches []string `yaml:"file_path_matches,omitempty"`
	MinContextKB    *float64 `yaml:"min_context_kb,omitempty"`
	MaxContextKB    *float64 `yaml:"max_context_kb,omitempty"`
	PrivacyStrict   *bool    `yaml:"privacy_strict,omitempty"`
	Mode            []string `yaml:"mode,omitempty"`

	globs []glob.Glob // compiled by Validate
}

// Empty reports whether no predicate is present at all.
func (c *RuleCondition) Empty() bool {
	return len(c.AnyKeyword) == 0 && len(c.AllKeywords) == 0 &&
		len(c.FileLangIn) == 0 && len(c.FilePathMatches) == 0 &&
		c.MinContextKB == nil && c.MaxContextKB == nil &&
		c.PrivacyStrict == nil && len(c.Mode) == 0
}

// MatchesPath reports whether path matches any FilePathMatches glob. Globs
// are compiled once by the validator; for conditions built in code they are
// compiled on the fly, and invalid patterns never match.
func (c *RuleCondition) MatchesPath(path string) bool {
	gs := c.globs
	if gs == nil && len(c.FilePathMatches) > 0 {
		for _, pat := range c.FilePathMatches {
			g, err := glob.Compile(pat, '/')
			if err != nil {
				continue
			}
			gs = append(gs, g)
		}
	}
	for _, g := range gs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// RuleAction names the fallback chain a matching rule routes to.
type RuleAction struct {
	Prefer   []string `yaml:"prefer"`
	Target   string   `yaml:"target"`
	Priority int      `yaml:"priority,omitempty"`

	Refs []ModelRef `yaml:"-"` // parsed from Prefer by Validate
}

// ModelRef is a parsed "providerId:modelName" pair, constructed once at
// config-load time so routing never re-splits strings.
type ModelRef struct {
	Provider string
	Model    string
}

func (r ModelRef) String() string {
	return r.Provider + ":" + r.Model
}

// ParseModelRef parses a "providerId:modelName" entry. Exactly one colon with
// non-empty halves is required.
func ParseModelRef(s string) (ModelRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ModelRef{}, fmt.Errorf("invalid model reference %q (want \"providerId:modelName\")", s)
	}
	return ModelRef{Provider: parts[0], Model: parts[1]}, nil
}

package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// ConfigError describes one structural violation, with a path into the
// document for diagnostics.
type ConfigError struct {
	Path    string
	Message string
}

func (e ConfigError) Error() string {
	return e.Path + ": " + e.Message
}

// ValidationErrors is the full set of violations found in one traversal.
type ValidationErrors []ConfigError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("invalid configuration (%d errors): %s", len(v), strings.Join(msgs, "; "))
}

var validKinds = map[string]bool{
	KindOpenAICompat: true,
	KindOllama:       true,
}

var validModes = map[string]bool{
	ModeAuto:          true,
	ModeSpeed:         true,
	ModeQuality:       true,
	ModeCheap:         true,
	ModeLocalOnly:     true,
	ModeOffline:       true,
	ModePrivacyStrict: true,
}

var validTargets = map[string]bool{
	TargetChat:       true,
	TargetCompletion: true,
}

// Validate checks the whole config and collects every violation reachable
// from a single traversal. Profiles are visited in sorted name order, then
// providers, models, price, then routing rules and the default, so the error
// list is deterministic for a given document. As a side effect it parses
// prefer entries into ModelRefs and compiles path globs.
func Validate(cfg *RouterConfig) error {
	var errs ValidationErrors
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ConfigError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Version < 1 {
		add("version", "must be >= 1, got %d", cfg.Version)
	}
	if cfg.ActiveProfile == "" {
		add("active_profile", "is required")
	} else if _, ok := cfg.Profiles[cfg.ActiveProfile]; !ok {
		add("active_profile", "profile %q is not defined", cfg.ActiveProfile)
	}
	if len(cfg.Profiles) == 0 {
		add("profiles", "at least one profile is required")
	}

	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		validateProfile(fmt.Sprintf("profiles.%s", name), cfg.Profiles[name], &errs)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateProfile(path string, p *ProfileConfig, errs *ValidationErrors) {
	add := func(sub, format string, args ...interface{}) {
		*errs = append(*errs, ConfigError{Path: path + sub, Message: fmt.Sprintf(format, args...)})
	}

	if p == nil {
		add("", "profile is empty")
		return
	}
	if !validModes[p.Mode] {
		add(".mode", "unknown mode %q", p.Mode)
	}
	if p.Budget != nil {
		validateBudget(path+".budget", p.Budget, errs)
	}
	if len(p.Providers) == 0 {
		add(".providers", "at least one provider is required")
	}

	seen := map[string]bool{}
	for i, pv := range p.Providers {
		ppath := fmt.Sprintf("%s.providers[%d]", path, i)
		validateProvider(ppath, pv, errs)
		if pv != nil && pv.ID != "" {
			if seen[pv.ID] {
				*errs = append(*errs, ConfigError{Path: ppath + ".id", Message: fmt.Sprintf("duplicate provider id %q", pv.ID)})
			}
			seen[pv.ID] = true
		}
	}

	for i, rule := range p.Routing.Rules {
		validateRule(fmt.Sprintf("%s.routing.rules[%d]", path, i), rule, errs)
	}
	validateAction(path+".routing.default", &p.Routing.Default, false, errs)
}

func validateBudget(path string, b *BudgetConfig, errs *ValidationErrors) {
	add := func(sub, format string, args ...interface{}) {
		*errs = append(*errs, ConfigError{Path: path + sub, Message: fmt.Sprintf(format, args...)})
	}
	if b.DailyUSD != nil && *b.DailyUSD < 0 {
		add(".daily_usd", "must be >= 0, got %v", *b.DailyUSD)
	}
	if b.MonthlyUSD != nil && *b.MonthlyUSD < 0 {
		add(".monthly_usd", "must be >= 0, got %v", *b.MonthlyUSD)
	}
	if b.WarningThreshold != nil && (*b.WarningThreshold < 0 || *b.WarningThreshold > 100) {
		add(".warning_threshold", "must be between 0 and 100, got %v", *b.WarningThreshold)
	}
}

func validateProvider(path string, p *ProviderConfig, errs *ValidationErrors) {
	add := func(sub, format string, args ...interface{}) {
		*errs = append(*errs, ConfigError{Path: path + sub, Message: fmt.Sprintf(format, args...)})
	}
	if p == nil {
		add("", "provider is empty")
		return
	}
	if p.ID == "" {
		add(".id", "is required")
	}
	if p.Kind == "" {
		add(".kind", "is required")
	} else if !validKinds[p.Kind] {
		add(".kind", "unknown kind %q", p.Kind)
	}
	if p.BaseURL == "" {
		add(".base_url", "is required")
	}
	if len(p.Models) == 0 {
		add(".models", "at least one model is required")
	}
	for i, m := range p.Models {
		validateModel(fmt.Sprintf("%s.models[%d]", path, i), m, errs)
	}
}

func validateModel(path string, m *ModelConfig, errs *ValidationErrors) {
	add := func(sub, format string, args ...interface{}) {
		*errs = append(*errs, ConfigError{Path: path + sub, Message: fmt.Sprintf(format, args...)})
	}
	if m == nil {
		add("", "model is empty")
		return
	}
	if m.Name == "" {
		add(".name", "is required")
	}
	if m.Context != nil && *m.Context <= 0 {
		add(".context", "must be > 0, got %d", *m.Context)
	}
	if m.Price != nil {
		ppath := path + ".price"
		if m.Price.InputPerMTok < 0 {
			*errs = append(*errs, ConfigError{Path: ppath + ".input_per_mtok", Message: fmt.Sprintf("must be >= 0, got %v", m.Price.InputPerMTok)})
		}
		if m.Price.OutputPerMTok < 0 {
			*errs = append(*errs, ConfigError{Path: ppath + ".output_per_mtok", Message: fmt.Sprintf("must be >= 0, got %v", m.Price.OutputPerMTok)})
		}
		if m.Price.CachedInputPerMTok != nil && *m.Price.CachedInputPerMTok < 0 {
			*errs = append(*errs, ConfigError{Path: ppath + ".cached_input_per_mtok", Message: fmt.Sprintf("must be >= 0, got %v", *m.Price.CachedInputPerMTok)})
		}
	}
}

func validateRule(path string, r *RoutingRule, errs *ValidationErrors) {
	add := func(sub, format string, args ...interface{}) {
		*errs = append(*errs, ConfigError{Path: path + sub, Message: fmt.Sprintf(format, args...)})
	}
	if r == nil {
		add("", "rule is empty")
		return
	}
	if r.ID == "" {
		add(".id", "is required")
	}
	if r.If == nil {
		add(".if", "is required (use an empty condition for an unconditional rule)")
	} else {
		validateCondition(path+".if", r.If, errs)
	}
	if r.Then == nil {
		add(".then", "is required")
	} else {
		validateAction(path+".then", r.Then, true, errs)
	}
}

func validateCondition(path string, c *RuleCondition, errs *ValidationErrors) {
	add := func(sub, format string, args ...interface{}) {
		*errs = append(*errs, ConfigError{Path: path + sub, Message: fmt.Sprintf(format, args...)})
	}
	c.globs = nil
	for i, pat := range c.FilePathMatches {
		g, err := glob.Compile(pat, '/')
		if err != nil {
			add(fmt.Sprintf(".file_path_matches[%d]", i), "invalid glob %q: %v", pat, err)
			continue
		}
		c.globs = append(c.globs, g)
	}
	if c.MinContextKB != nil && *c.MinContextKB < 0 {
		add(".min_context_kb", "must be >= 0, got %v", *c.MinContextKB)
	}
	if c.MaxContextKB != nil && *c.MaxContextKB < 0 {
		add(".max_context_kb", "must be >= 0, got %v", *c.MaxContextKB)
	}
	if c.MinContextKB != nil && c.MaxContextKB != nil && *c.MinContextKB > *c.MaxContextKB {
		add(".min_context_kb", "must be <= max_context_kb")
	}
}

// validateAction checks a prefer list and parses it into ModelRefs.
// requirePrefer distinguishes rule actions (>= 1 entry) from the profile
// default, which may legitimately be empty.
func validateAction(path string, a *RuleAction, requirePrefer bool, errs *ValidationErrors) {
	add := func(sub, format string, args ...interface{}) {
		*errs = append(*errs, ConfigError{Path: path + sub, Message: fmt.Sprintf(format, args...)})
	}
	if requirePrefer && len(a.Prefer) == 0 {
		add(".prefer", "at least one \"providerId:modelName\" entry is required")
	}
	if a.Target != "" && !validTargets[a.Target] {
		add(".target", "unknown target %q", a.Target)
	}
	a.Refs = a.Refs[:0]
	for i, entry := range a.Prefer {
		ref, err := ParseModelRef(entry)
		if err != nil {
			add(fmt.Sprintf(".prefer[%d]", i), "%v", err)
			continue
		}
		a.Refs = append(a.Refs, ref)
	}
}

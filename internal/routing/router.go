package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/af-corp/prism-router/internal/config"
)

// Router selects a provider:model pair for a routing context using the
// profile's declarative rules. Scoring and selection are pure computations;
// the only boundary calls are to the Directory's availability checks, so a
// Router is safe for concurrent use.
type Router struct {
	profile    *config.ProfileConfig
	dir        Directory
	localKinds map[string]bool
}

// New builds a router for a profile. dir supplies live provider availability;
// it may be nil for pure simulation use.
func New(profile *config.ProfileConfig, dir Directory) *Router {
	local := map[string]bool{config.KindOllama: true}
	if profile.Privacy != nil && len(profile.Privacy.LocalKinds) > 0 {
		local = make(map[string]bool, len(profile.Privacy.LocalKinds))
		for _, k := range profile.Privacy.LocalKinds {
			local[k] = true
		}
	}
	return &Router{profile: profile, dir: dir, localKinds: local}
}

type scoredRule struct {
	rule  *config.RoutingRule
	score int
	index int
}

// rankRules scores every rule and orders them: score descending, explicit
// priority descending, declaration order ascending (stable sort).
func (r *Router) rankRules(rctx *Context) []scoredRule {
	ranked := make([]scoredRule, 0, len(r.profile.Routing.Rules))
	for i, rule := range r.profile.Routing.Rules {
		ranked = append(ranked, scoredRule{rule: rule, score: Score(rule, rctx), index: i})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		pi, pj := 0, 0
		if ranked[i].rule.Then != nil {
			pi = ranked[i].rule.Then.Priority
		}
		if ranked[j].rule.Then != nil {
			pj = ranked[j].rule.Then.Priority
		}
		return pi > pj
	})
	return ranked
}

// resolve checks a single candidate ref against the profile config and the
// privacy filter. It returns the model config, or a skip reason.
func (r *Router) resolve(ref config.ModelRef, rctx *Context) (*config.ModelConfig, string) {
	pv := r.profile.Provider(ref.Provider)
	if pv == nil {
		return nil, "unknown provider"
	}
	m := pv.Model(ref.Model)
	if m == nil {
		return nil, "unknown model"
	}
	// Privacy hard filter: under privacy-strict, candidates on non-local
	// provider kinds are rejected even when a rule preferred them.
	if rctx.PrivacyStrict && !r.localKinds[pv.Kind] {
		return nil, "non-local provider under privacy-strict"
	}
	return m, ""
}

// available asks the directory whether the candidate can actually serve.
func (r *Router) available(ref config.ModelRef) (bool, string) {
	if r.dir == nil {
		return false, "no provider directory"
	}
	p, ok := r.dir.Get(ref.Provider)
	if !ok {
		return false, "provider not registered"
	}
	if !p.Supports(ref.Model) {
		return false, "model not supported"
	}
	if !p.IsAvailable() {
		return false, "provider unavailable"
	}
	return true, ""
}

// Route selects the best available provider:model pair for the context. It
// walks rules from highest score down, skipping zero-score rules, then falls
// back to the profile default. The returned Result carries a reasoning trace
// naming the matched rule, its score, and any fallback steps taken.
func (r *Router) Route(rctx *Context) (*Result, error) {
	var trace []string

	for _, sr := range r.rankRules(rctx) {
		if sr.score == 0 {
			break
		}
		if sr.rule.Then == nil {
			continue
		}
		for _, ref := range sr.rule.Then.Refs {
			m, skip := r.resolve(ref, rctx)
			if skip == "" {
				ok, reason := r.available(ref)
				if !ok {
					skip = reason
				}
				if ok {
					trace = append(trace, fmt.Sprintf("matched rule %q (score %d), selected %s", sr.rule.ID, sr.score, ref))
					return &Result{
						ProviderID: ref.Provider,
						ModelName:  ref.Model,
						Model:      m,
						Score:      sr.score,
						Reasoning:  strings.Join(trace, "; "),
						Rule:       sr.rule,
						RuleID:     sr.rule.ID,
						Target:     sr.rule.Then.Target,
					}, nil
				}
			}
			trace = append(trace, fmt.Sprintf("rule %q: skipped %s (%s)", sr.rule.ID, ref, skip))
		}
	}

	trace = append(trace, "no scored rule yielded an available candidate, falling back to profile default")
	for _, ref := range r.profile.Routing.Default.Refs {
		m, skip := r.resolve(ref, rctx)
		if skip == "" {
			ok, reason := r.available(ref)
			if !ok {
				skip = reason
			}
			if ok {
				trace = append(trace, fmt.Sprintf("selected default %s", ref))
				return &Result{
					ProviderID: ref.Provider,
					ModelName:  ref.Model,
					Model:      m,
					Score:      0,
					Reasoning:  strings.Join(trace, "; "),
					Target:     r.profile.Routing.Default.Target,
				}, nil
			}
		}
		trace = append(trace, fmt.Sprintf("default: skipped %s (%s)", ref, skip))
	}

	return nil, &Error{Reason: "no route available: " + strings.Join(trace, "; ")}
}

// Simulate produces the same ranking as Route without touching provider
// availability. The chosen candidate is resolved against the config (and the
// privacy filter) only, and up to topN runners-up are returned with their
// rule id, score, and candidate pair.
func (r *Router) Simulate(rctx *Context, topN int) (*Simulation, error) {
	ranked := r.rankRules(rctx)

	var chosen *Result
	var alts []Alternative

	record := func(ruleID string, score int, ref config.ModelRef, m *config.ModelConfig, target, reasoning string) {
		if chosen == nil {
			chosen = &Result{
				ProviderID: ref.Provider,
				ModelName:  ref.Model,
				Model:      m,
				Score:      score,
				Reasoning:  reasoning,
				RuleID:     ruleID,
				Target:     target,
			}
			return
		}
		if len(alts) < topN {
			alts = append(alts, Alternative{RuleID: ruleID, Score: score, ProviderID: ref.Provider, ModelName: ref.Model})
		}
	}

	for _, sr := range ranked {
		if sr.score == 0 || sr.rule.Then == nil {
			continue
		}
		for _, ref := range sr.rule.Then.Refs {
			m, skip := r.resolve(ref, rctx)
			if skip != "" {
				continue
			}
			record(sr.rule.ID, sr.score, ref, m, sr.rule.Then.Target,
				fmt.Sprintf("matched rule %q (score %d), would select %s", sr.rule.ID, sr.score, ref))
			break // one candidate per rule in the alternatives list
		}
		if chosen != nil && len(alts) >= topN {
			break
		}
	}

	for _, ref := range r.profile.Routing.Default.Refs {
		m, skip := r.resolve(ref, rctx)
		if skip != "" {
			continue
		}
		record("", 0, ref, m, r.profile.Routing.Default.Target,
			fmt.Sprintf("no rule matched, would fall back to profile default %s", ref))
		break
	}

	if chosen == nil {
		return nil, &Error{Reason: "no route available"}
	}
	return &Simulation{Chosen: chosen, Alternatives: alts}, nil
}

package routing

import (
	"strings"

	"github.com/af-corp/prism-router/internal/config"
)

// Predicate weights. Privacy is weighted heavily so a privacy rule always
// outranks an incidental keyword match.
const (
	WeightAnyKeyword  = 2
	WeightAllKeywords = 2
	WeightLang        = 1
	WeightPath        = 1
	WeightSize        = 1
	WeightPrivacy     = 3
	WeightMode        = 1
)

// Score computes the additive match score of a rule against a context. A
// rule with no predicates scores 0 and is never selected over a matching
// rule; it can still act as an unconditional default when referenced by the
// profile's routing default.
func Score(rule *config.RoutingRule, rctx *Context) int {
	if rule == nil || rule.If == nil || rule.If.Empty() {
		return 0
	}
	cond := rule.If
	prompt := strings.ToLower(rctx.Prompt)
	score := 0

	if len(cond.AnyKeyword) > 0 {
		for _, kw := range cond.AnyKeyword {
			if kw != "" && strings.Contains(prompt, strings.ToLower(kw)) {
				score += WeightAnyKeyword
				break
			}
		}
	}

	if len(cond.AllKeywords) > 0 {
		all := true
		for _, kw := range cond.AllKeywords {
			if kw == "" || !strings.Contains(prompt, strings.ToLower(kw)) {
				all = false
				break
			}
		}
		if all {
			score += WeightAllKeywords
		}
	}

	if len(cond.FileLangIn) > 0 && rctx.Lang != "" {
		for _, lang := range cond.FileLangIn {
			if strings.EqualFold(lang, rctx.Lang) {
				score += WeightLang
				break
			}
		}
	}

	if len(cond.FilePathMatches) > 0 && rctx.FilePath != "" && cond.MatchesPath(rctx.FilePath) {
		score += WeightPath
	}

	if (cond.MinContextKB != nil || cond.MaxContextKB != nil) && rctx.FileSizeKB != nil {
		size := *rctx.FileSizeKB
		within := true
		if cond.MinContextKB != nil && size < *cond.MinContextKB {
			within = false
		}
		if cond.MaxContextKB != nil && size > *cond.MaxContextKB {
			within = false
		}
		if within {
			score += WeightSize
		}
	}

	if cond.PrivacyStrict != nil && *cond.PrivacyStrict && rctx.PrivacyStrict {
		score += WeightPrivacy
	}

	if len(cond.Mode) > 0 && rctx.Mode != "" {
		for _, mode := range cond.Mode {
			if mode == rctx.Mode {
				score += WeightMode
				break
			}
		}
	}

	return score
}

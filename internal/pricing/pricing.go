// Package pricing estimates token counts and USD cost for prompts against a
// model's price table. Token counts are a character-based heuristic, not a
// tokenizer call; callers needing exact figures record measured usage after
// the fact via ActualCost.
package pricing

import (
	"sort"

	"github.com/af-corp/prism-router/internal/config"
)

// Heuristic constants. Named so tests can pin exact values.
const (
	// CharsPerToken approximates tokens as ceil(len(prompt)/CharsPerToken).
	CharsPerToken = 4
	// DefaultOutputTokens is assumed when the caller gives no expected
	// output length.
	DefaultOutputTokens = 400
)

// Estimate is a prospective cost for one prompt against one priced model.
type Estimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
	Currency     string  `json:"currency"`
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
}

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

func costOf(inputTokens, outputTokens int, price *config.ModelPrice) (in, out float64) {
	in = float64(inputTokens) / 1_000_000 * price.InputPerMTok
	out = float64(outputTokens) / 1_000_000 * price.OutputPerMTok
	return in, out
}

// EstimateCost estimates the cost of running prompt against a model. An
// expectedOutputTokens of <= 0 selects DefaultOutputTokens. Models without a
// price table yield (nil, false): absence of pricing means "unknown", never
// zero.
func EstimateCost(prompt string, model *config.ModelConfig, providerID string, expectedOutputTokens int) (*Estimate, bool) {
	if model == nil || model.Price == nil {
		return nil, false
	}
	if expectedOutputTokens <= 0 {
		expectedOutputTokens = DefaultOutputTokens
	}
	inputTokens := EstimateTokens(prompt)
	inCost, outCost := costOf(inputTokens, expectedOutputTokens, model.Price)
	return &Estimate{
		InputTokens:  inputTokens,
		OutputTokens: expectedOutputTokens,
		InputCost:    inCost,
		OutputCost:   outCost,
		TotalCost:    inCost + outCost,
		Currency:     "USD",
		Model:        model.Name,
		Provider:     providerID,
	}, true
}

// ActualCost computes the cost of measured token usage with the same formula
// EstimateCost uses; only the token source differs. Returns false when no
// price table is available.
func ActualCost(inputTokens, outputTokens int, price *config.ModelPrice) (float64, bool) {
	if price == nil {
		return 0, false
	}
	in, out := costOf(inputTokens, outputTokens, price)
	return in + out, true
}

// Candidate is a provider:model pair considered for cost ranking.
type Candidate struct {
	Provider string
	Model    *config.ModelConfig
}

// Ranked pairs a candidate with its estimate.
type Ranked struct {
	Candidate
	Estimate *Estimate
}

// Rank orders candidates by estimated total cost ascending. Candidates
// without pricing are excluded from the ranking, not treated as free.
func Rank(candidates []Candidate, prompt string, expectedOutputTokens int) []Ranked {
	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		est, ok := EstimateCost(prompt, c.Model, c.Provider, expectedOutputTokens)
		if !ok {
			continue
		}
		ranked = append(ranked, Ranked{Candidate: c, Estimate: est})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Estimate.TotalCost < ranked[j].Estimate.TotalCost
	})
	return ranked
}

// Cheapest returns the lowest-cost priced candidate, or false when none of
// the candidates carries pricing.
func Cheapest(candidates []Candidate, prompt string, expectedOutputTokens int) (Ranked, bool) {
	ranked := Rank(candidates, prompt, expectedOutputTokens)
	if len(ranked) == 0 {
		return Ranked{}, false
	}
	return ranked[0], true
}

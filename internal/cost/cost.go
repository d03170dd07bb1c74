// Package cost implements pure, side-effect-free pricing over a static model
// catalog: token estimation, per-model cost, cross-model comparison, and
// budget-aware recommendation.
package cost

import (
	"math"
	"sort"
)

// Mode tunes thoroughness vs. cost for an analysis.
type Mode string

const (
	ModeQuick       Mode = "quick"
	ModeIntelligent Mode = "intelligent"
	ModeLargeFile   Mode = "large_file"
	ModeMaxToken    Mode = "max_token"
)

// outputRatio maps mode to the fraction of input tokens expected as output.
var outputRatio = map[Mode]float64{
	ModeQuick:       0.2,
	ModeIntelligent: 0.4,
	ModeLargeFile:   0.5,
	ModeMaxToken:    0.8,
}

// chunkBudgetRatio maps mode to the fraction of a model's context window
// usable per chunk, used both here (chunk-count estimation) and by the
// chunker (actual chunk budget).
var chunkBudgetRatio = map[Mode]float64{
	ModeQuick:       0.9,
	ModeIntelligent: 0.7,
	ModeLargeFile:   0.6,
	ModeMaxToken:    0.5,
}

// ChunkBudgetRatio exposes the mode ratio table to other packages (notably
// the chunker) so the two stay in lockstep.
func ChunkBudgetRatio(m Mode) float64 {
	if r, ok := chunkBudgetRatio[m]; ok {
		return r
	}
	return chunkBudgetRatio[ModeIntelligent]
}

// Provider identifies an upstream LLM backend for token-ratio purposes.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderBedrock   Provider = "bedrock"
)

// charsPerToken is the provider-specific estimation ratio for mixed
// Latin/CJK crash-log text.
var charsPerToken = map[Provider]float64{
	ProviderAnthropic: 2.5,
	ProviderOpenAI:    4.0,
	ProviderBedrock:   2.5,
}

// ModelInfo describes one catalog entry's pricing and capability.
type ModelInfo struct {
	Provider        Provider
	Model           string
	Tier            string
	InputCostPer1K  float64
	OutputCostPer1K float64
	ContextWindow   int
	SpeedRating     float64 // higher is faster
	QualityRating   float64 // higher is better
}

// Catalog is the static model table, seeded from the values recovered from
// the original cost calculator.
var Catalog = []ModelInfo{
	{Provider: ProviderAnthropic, Model: "claude-3-5-haiku-20241022", Tier: "fast", InputCostPer1K: 0.80, OutputCostPer1K: 4.00, ContextWindow: 200000, SpeedRating: 0.95, QualityRating: 0.70},
	{Provider: ProviderAnthropic, Model: "claude-3-5-sonnet-20241022", Tier: "balanced", InputCostPer1K: 3.0, OutputCostPer1K: 15.0, ContextWindow: 200000, SpeedRating: 0.75, QualityRating: 0.88},
	{Provider: ProviderAnthropic, Model: "claude-sonnet-4-20250514", Tier: "balanced", InputCostPer1K: 3.0, OutputCostPer1K: 15.0, ContextWindow: 200000, SpeedRating: 0.75, QualityRating: 0.92},
	{Provider: ProviderAnthropic, Model: "claude-opus-4-20250514", Tier: "premium", InputCostPer1K: 15.0, OutputCostPer1K: 75.0, ContextWindow: 200000, SpeedRating: 0.45, QualityRating: 0.98},
	{Provider: ProviderOpenAI, Model: "gpt-4o-mini", Tier: "fast", InputCostPer1K: 0.15, OutputCostPer1K: 0.60, ContextWindow: 128000, SpeedRating: 0.92, QualityRating: 0.72},
	{Provider: ProviderOpenAI, Model: "gpt-4o", Tier: "balanced", InputCostPer1K: 2.50, OutputCostPer1K: 10.0, ContextWindow: 128000, SpeedRating: 0.80, QualityRating: 0.90},
	{Provider: ProviderOpenAI, Model: "gpt-4-turbo", Tier: "premium", InputCostPer1K: 10.0, OutputCostPer1K: 30.0, ContextWindow: 128000, SpeedRating: 0.60, QualityRating: 0.93},
}

// ByName finds a catalog entry, or (ModelInfo{}, false) if unknown.
func ByName(model string) (ModelInfo, bool) {
	for _, m := range Catalog {
		if m.Model == model {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// EstimateTokens estimates input/output token counts for a byte size under a
// provider+mode, using the char/token ratio and the mode's output ratio.
func EstimateTokens(contentBytes int, provider Provider, mode Mode) (inputTokens, outputTokens int) {
	ratio, ok := charsPerToken[provider]
	if !ok {
		ratio = charsPerToken[ProviderAnthropic]
	}
	input := float64(contentBytes) / ratio
	output := input * outputRatio[mode]
	return int(math.Round(input)), int(math.Round(output))
}

// CalculateCost computes USD cost for the given token counts under model.
// The per-1k-token prices in Catalog are quoted in cost-per-1k-token cents
// equivalents; dividing by 100 yields the USD figure exercised by the
// worked cost example (100KB/Intelligent/Anthropic 3-15 pricing → $3.6864).
func CalculateCost(model ModelInfo, inputTokens, outputTokens int) float64 {
	raw := (float64(inputTokens)/1000)*model.InputCostPer1K + (float64(outputTokens)/1000)*model.OutputCostPer1K
	return raw / 100
}

// ChunksNeeded returns the expected chunk count for inputTokens against a
// model's context window under mode, per the ceiling formula in the cost
// design.
func ChunksNeeded(inputTokens int, model ModelInfo, mode Mode) int {
	budget := float64(model.ContextWindow) * ChunkBudgetRatio(mode)
	if budget <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(inputTokens) / budget))
	if n < 1 {
		n = 1
	}
	return n
}

// Estimate is one row of a cost comparison.
type Estimate struct {
	Provider        Provider
	Model           string
	InputTokens     int
	OutputTokens    int
	Cost            float64
	EstTimeMinutes  float64
	ChunksNeeded    int
	WithinBudget    bool
	Warnings        []string
}

// Compare produces a cost estimate per catalog entry for a file of the given
// size and mode, sorted ascending by total cost.
func Compare(fileSizeKB float64, mode Mode, budgetUSD float64) []Estimate {
	contentBytes := int(fileSizeKB * 1024)
	out := make([]Estimate, 0, len(Catalog))
	for _, m := range Catalog {
		in, o := EstimateTokens(contentBytes, m.Provider, mode)
		c := CalculateCost(m, in, o)
		chunks := ChunksNeeded(in, m, mode)
		est := Estimate{
			Provider:       m.Provider,
			Model:          m.Model,
			InputTokens:    in,
			OutputTokens:   o,
			Cost:           c,
			EstTimeMinutes: float64(chunks) * (1.0 / m.SpeedRating),
			ChunksNeeded:   chunks,
			WithinBudget:   budgetUSD <= 0 || c <= budgetUSD,
		}
		if !est.WithinBudget {
			est.Warnings = append(est.Warnings, "exceeds budget")
		}
		out = append(out, est)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cost < out[j].Cost })
	return out
}

// Prefer selects the tie-break dimension for Recommend.
type Prefer string

const (
	PreferQuality Prefer = "quality"
	PreferSpeed   Prefer = "speed"
)

// Recommend chooses the cheapest within-budget model, falling back to the
// cheapest overall if none fit the budget; ties are broken by quality or
// speed rating depending on prefer.
func Recommend(fileSizeKB float64, mode Mode, budgetUSD float64, prefer Prefer) string {
	estimates := Compare(fileSizeKB, mode, budgetUSD)
	if len(estimates) == 0 {
		return ""
	}
	candidates := estimates
	withinBudget := make([]Estimate, 0, len(estimates))
	for _, e := range estimates {
		if e.WithinBudget {
			withinBudget = append(withinBudget, e)
		}
	}
	if len(withinBudget) > 0 {
		candidates = withinBudget
	}

	best := candidates[0]
	bestInfo, _ := ByName(best.Model)
	for _, e := range candidates[1:] {
		if e.Cost > best.Cost {
			continue
		}
		info, _ := ByName(e.Model)
		if e.Cost < best.Cost {
			best, bestInfo = e, info
			continue
		}
		switch prefer {
		case PreferSpeed:
			if info.SpeedRating > bestInfo.SpeedRating {
				best, bestInfo = e, info
			}
		default:
			if info.QualityRating > bestInfo.QualityRating {
				best, bestInfo = e, info
			}
		}
	}
	return best.Model
}

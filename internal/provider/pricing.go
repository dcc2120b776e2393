package provider

import (
	"math"
	"strings"
)

// Price is USD per million tokens
type Price struct {
	Input  float64
	Output float64
}

// PriceTable resolves a model to a price
type PriceTable struct {
	Models  map[string]Price
	Default Price
}

// Lookup resolves model by exact match, then the longest matching prefix,
// then the default tier
func (t PriceTable) Lookup(model string) Price {
	if model == "" {
		return t.Default
	}
	if p, ok := t.Models[model]; ok {
		return p
	}
	best, bestLen := t.Default, 0
	for prefix, p := range t.Models {
		if len(prefix) > bestLen && strings.HasPrefix(model, prefix) {
			best, bestLen = p, len(prefix)
		}
	}
	return best
}

// Cost returns the USD cost of a run rounded to 4 decimal places
func (t PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	p := t.Lookup(model)
	cost := float64(inputTokens)*p.Input/1_000_000 + float64(outputTokens)*p.Output/1_000_000
	return math.Round(cost*10_000) / 10_000
}

// https://www.anthropic.com/pricing
var claudePricing = PriceTable{
	Models: map[string]Price{
		"claude-sonnet-4":   {3.00, 15.00},
		"claude-opus-4":     {15.00, 75.00},
		"claude-3-5-sonnet": {3.00, 15.00},
		"claude-3-opus":     {15.00, 75.00},
		"claude-3-haiku":    {0.25, 1.25},
	},
	Default: Price{3.00, 15.00},
}

// https://openai.com/api/pricing/
var codexPricing = PriceTable{
	Models: map[string]Price{
		"gpt-5.2-codex": {2.50, 10.00},
		"gpt-5.3-codex": {2.50, 10.00},
		"o3":            {10.00, 40.00},
	},
	Default: Price{2.50, 10.00},
}

// https://ai.google.dev/pricing
var geminiPricing = PriceTable{
	Models: map[string]Price{
		"gemini-2.5-pro":   {1.25, 10.00},
		"gemini-2.5-flash": {0.15, 0.60},
		"gemini-2.0-flash": {0.10, 0.40},
		"gemini-1.5-pro":   {1.25, 5.00},
		"gemini-1.5-flash": {0.075, 0.30},
	},
	Default: Price{1.25, 10.00},
}

// estimateTokens approximates a token count from a character count
func estimateTokens(chars int) int {
	return chars / 4
}

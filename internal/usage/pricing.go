package usage

import (
	"strings"

	"github.com/nugget/catalogmatch/internal/config"
)

// LookupPrice finds the pricing entry for model. Gateway names such as
// "anthropic/claude-sonnet-4" are tried without their vendor part, and
// a dated release like "claude-sonnet-4-20250514" falls back to the
// longest configured key it starts with.
func LookupPrice(model string, pricing map[string]config.PricingEntry) (config.PricingEntry, bool) {
	if e, ok := pricing[model]; ok {
		return e, true
	}
	if _, bare, found := strings.Cut(model, "/"); found {
		if e, ok := pricing[bare]; ok {
			return e, true
		}
		model = bare
	}

	var best string
	for key := range pricing {
		if strings.HasPrefix(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return config.PricingEntry{}, false
	}
	return pricing[best], true
}

// ComputeCost returns the USD cost of a call. Models without a price,
// typically local ones, cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	e, ok := LookupPrice(model, pricing)
	if !ok {
		return 0
	}
	return (float64(inputTokens)*e.InputPerMillion + float64(outputTokens)*e.OutputPerMillion) / 1e6
}

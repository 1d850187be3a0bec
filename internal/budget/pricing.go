// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package budget tracks cumulative spend against session, daily, and monthly
// caps and gates every provider call.
package budget

// =============================================================================
// PRICING TABLE
// =============================================================================

// ModelPricing holds input and output pricing per 1K tokens in USD.
type ModelPricing struct {
	Input  float64 // USD per 1K input tokens
	Output float64 // USD per 1K output tokens
}

// defaultPricing is applied to models missing from the table.
var defaultPricing = ModelPricing{Input: 0.003, Output: 0.015}

// modelPricing maps model identifiers to per-1K-token USD rates.
// Updated pricing as of 2024.
var modelPricing = map[string]ModelPricing{
	"anthropic/claude-3-haiku":    {0.00025, 0.00125}, // $0.25/M input, $1.25/M output
	"anthropic/claude-3.5-haiku":  {0.0008, 0.004},
	"anthropic/claude-3-sonnet":   {0.003, 0.015}, // $3/M input, $15/M output
	"anthropic/claude-3.5-sonnet": {0.003, 0.015},
	"anthropic/claude-3-opus":     {0.015, 0.075}, // $15/M input, $75/M output
	"openai/gpt-4o":               {0.0025, 0.01}, // $2.5/M input, $10/M output
	"openai/gpt-4-turbo":          {0.01, 0.03},
	"openrouter/auto":             {0.0003, 0.0015},
}

// PricingFor returns the pricing for a model, falling back to the default
// rate for unknown models.
func PricingFor(modelID string) ModelPricing {
	if p, ok := modelPricing[modelID]; ok {
		return p
	}
	return defaultPricing
}

// EstimateCost calculates the USD cost of a call from its token counts.
// Pure function: it reads the rate table and touches no ledger state.
func EstimateCost(modelID string, inputTokens, outputTokens int) float64 {
	p := PricingFor(modelID)
	return float64(inputTokens)*p.Input/1000 + float64(outputTokens)*p.Output/1000
}

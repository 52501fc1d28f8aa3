// Package pricing maps model identifiers to per-million-token rates and turns token
// usage into a USD cost breakdown. Costs keep full decimal precision; round for display only.
package pricing

import (
	"github.com/shopspring/decimal"
)

// Entry holds per-million-token rates. A zero multiplier means the model does not
// price that cache dimension.
type Entry struct {
	InputPerM            decimal.Decimal
	OutputPerM           decimal.Decimal
	CacheReadMultiplier  decimal.Decimal
	CacheWriteMultiplier decimal.Decimal
}

type Usage struct {
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64 `json:"cacheWriteTokens,omitempty"`
	ReasoningTokens  int64 `json:"reasoningTokens,omitempty"`
	TotalTokens      int64 `json:"totalTokens"`
}

type Cost struct {
	Input      decimal.Decimal `json:"input"`
	Output     decimal.Decimal `json:"output"`
	CacheRead  decimal.Decimal `json:"cacheRead,omitzero"`
	CacheWrite decimal.Decimal `json:"cacheWrite,omitzero"`
	Total      decimal.Decimal `json:"total"`
}

var million = decimal.NewFromInt(1_000_000)

func rate(perM string) decimal.Decimal {
	return decimal.RequireFromString(perM)
}

var table = map[string]Entry{
	// OpenRouter
	"moonshotai/kimi-k2.5":            {InputPerM: rate("0.45"), OutputPerM: rate("2.2")},
	"anthropic/claude-sonnet-4":       {InputPerM: rate("3"), OutputPerM: rate("15")},
	"anthropic/claude-opus-4":         {InputPerM: rate("15"), OutputPerM: rate("75")},
	"openai/gpt-4.1":                  {InputPerM: rate("2"), OutputPerM: rate("8")},
	"openai/o3-mini":                  {InputPerM: rate("1.1"), OutputPerM: rate("4.4")},
	"google/gemini-2.5-pro-preview":   {InputPerM: rate("1.25"), OutputPerM: rate("10")},
	"google/gemini-2.5-flash-preview": {InputPerM: rate("0.15"), OutputPerM: rate("0.6")},
	"deepseek/deepseek-chat-v3":       {InputPerM: rate("0.3"), OutputPerM: rate("0.88")},
	"meta-llama/llama-4-maverick":     {InputPerM: rate("0.25"), OutputPerM: rate("0.85")},

	// Anthropic direct
	"claude-haiku-4-5-20251001": {
		InputPerM:            rate("1"),
		OutputPerM:           rate("5"),
		CacheReadMultiplier:  rate("0.1"),
		CacheWriteMultiplier: rate("1.25"),
	},
}

// FixedCosts prices non-model work by task type, in USD.
var FixedCosts = map[string]decimal.Decimal{
	"sandbox": rate("0.05"),
}

func Lookup(modelID string) (Entry, bool) {
	e, ok := table[modelID]
	return e, ok
}

func HasPricing(modelID string) bool {
	_, ok := table[modelID]
	return ok
}

func Models() []string {
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	return ids
}

// Normalize fills TotalTokens from input+output when the caller left it empty.
func Normalize(u Usage) Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

// Calculate prices usage against e. Cache tokens are billed at the input rate times
// the cache multiplier.
func Calculate(e Entry, u Usage) Cost {
	perToken := func(tokens int64, perM decimal.Decimal) decimal.Decimal {
		if tokens <= 0 || perM.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(tokens).Mul(perM).Div(million)
	}

	c := Cost{
		Input:      perToken(u.InputTokens, e.InputPerM),
		Output:     perToken(u.OutputTokens, e.OutputPerM),
		CacheRead:  perToken(u.CacheReadTokens, e.InputPerM.Mul(e.CacheReadMultiplier)),
		CacheWrite: perToken(u.CacheWriteTokens, e.InputPerM.Mul(e.CacheWriteMultiplier)),
	}
	c.Total = c.Input.Add(c.Output).Add(c.CacheRead).Add(c.CacheWrite)
	return c
}

// CostFor prices usage for a model. ok is false for unpriced models, which cost nothing.
func CostFor(modelID string, u Usage) (Cost, bool) {
	e, ok := Lookup(modelID)
	if !ok {
		return Cost{Input: decimal.Zero, Output: decimal.Zero, Total: decimal.Zero}, false
	}
	return Calculate(e, u), true
}

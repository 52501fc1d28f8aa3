package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCalculate_InputOutput(t *testing.T) {
	e, ok := Lookup("anthropic/claude-sonnet-4")
	require.True(t, ok)

	c := Calculate(e, Usage{InputTokens: 1000, OutputTokens: 500})

	assert.True(t, c.Input.Equal(d("0.003")), "input: %s", c.Input)
	assert.True(t, c.Output.Equal(d("0.0075")), "output: %s", c.Output)
	assert.True(t, c.CacheRead.IsZero())
	assert.True(t, c.CacheWrite.IsZero())
	assert.True(t, c.Total.Equal(d("0.0105")), "total: %s", c.Total)
}

func TestCalculate_CacheMultipliers(t *testing.T) {
	e, ok := Lookup("claude-haiku-4-5-20251001")
	require.True(t, ok)

	c := Calculate(e, Usage{
		InputTokens:      1_000_000,
		OutputTokens:     0,
		CacheReadTokens:  1_000_000,
		CacheWriteTokens: 1_000_000,
	})

	assert.True(t, c.Input.Equal(d("1")))
	assert.True(t, c.CacheRead.Equal(d("0.1")), "cache read: %s", c.CacheRead)
	assert.True(t, c.CacheWrite.Equal(d("1.25")), "cache write: %s", c.CacheWrite)
	assert.True(t, c.Total.Equal(d("2.35")), "total: %s", c.Total)
}

func TestCalculate_CacheTokensIgnoredWithoutMultiplier(t *testing.T) {
	e, _ := Lookup("openai/gpt-4.1")

	c := Calculate(e, Usage{InputTokens: 10, CacheReadTokens: 1_000_000, CacheWriteTokens: 1_000_000})

	assert.True(t, c.CacheRead.IsZero())
	assert.True(t, c.CacheWrite.IsZero())
	assert.True(t, c.Total.Equal(d("0.00002")), "total: %s", c.Total)
}

func TestCalculate_KeepsFullPrecision(t *testing.T) {
	e, _ := Lookup("google/gemini-2.5-flash-preview")

	c := Calculate(e, Usage{InputTokens: 1, OutputTokens: 1})

	// 0.15/1e6 + 0.6/1e6, well below a cent
	assert.True(t, c.Total.Equal(d("0.00000075")), "total: %s", c.Total)
}

func TestCostFor_UnpricedModel(t *testing.T) {
	c, ok := CostFor("some/unknown-model", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})

	assert.False(t, ok)
	assert.True(t, c.Total.IsZero())
	assert.False(t, HasPricing("some/unknown-model"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, int64(30), Normalize(Usage{InputTokens: 10, OutputTokens: 20}).TotalTokens)
	assert.Equal(t, int64(99), Normalize(Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 99}).TotalTokens)
}

func TestFixedCosts(t *testing.T) {
	assert.True(t, FixedCosts["sandbox"].Equal(d("0.05")))
	assert.Contains(t, Models(), "openai/o3-mini")
}

// Package cost prices LLM token usage and totals it across a processing batch.
package cost

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/winejournal/labelscan/pkg/anthropic"
)

// Rates holds per-model pricing.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of one Claude call. Unknown models cost 0.
func (c *Calculator) Claude(model string, u anthropic.TokenUsage) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(u.InputTokens) / 1e6) * rate.Input
	outCost := (float64(u.OutputTokens) / 1e6) * rate.Output
	cwCost := (float64(u.CacheCreationInputTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheReadInputTokens) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
	}
}

// StageCost is the accumulated usage of one pipeline stage.
type StageCost struct {
	Stage        string  `json:"stage"`
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

// Tracker accumulates priced usage per stage. It is safe for concurrent use.
type Tracker struct {
	calc   *Calculator
	mu     sync.Mutex
	stages map[string]*StageCost
}

// NewTracker creates an empty tracker.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{calc: calc, stages: make(map[string]*StageCost)}
}

// Add records one call's usage against stage.
func (t *Tracker) Add(stage, model string, u anthropic.TokenUsage) {
	usd := t.calc.Claude(model, u)
	zap.L().Debug("cost attribution",
		zap.String("component", "cost"),
		zap.String("stage", stage),
		zap.String("model", model),
		zap.Int64("tokens", u.Total()),
		zap.Float64("estimated_cost_usd", usd),
	)

	t.mu.Lock()
	defer t.mu.Unlock()
	sc, ok := t.stages[stage]
	if !ok {
		sc = &StageCost{Stage: stage}
		t.stages[stage] = sc
	}
	sc.Calls++
	sc.InputTokens += u.InputTokens
	sc.OutputTokens += u.OutputTokens
	sc.USD += usd
}

// TotalUSD returns the estimated spend across all stages.
func (t *Tracker) TotalUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, sc := range t.stages {
		total += sc.USD
	}
	return total
}

// Stages returns a snapshot of per-stage totals ordered by stage name.
func (t *Tracker) Stages() []StageCost {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StageCost, 0, len(t.stages))
	for _, sc := range t.stages {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

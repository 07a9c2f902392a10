// Package planner implements the Adaptive Planner (C8): a pure function
// from window pressure, feedback bias, and query classification to a
// concrete recall plan (k1, k2, lambda, min_score, context budget).
package planner

import (
	"strings"
	"unicode"

	"github.com/synapseai/synapse-mvp/engine/domain"
)

// Options holds the planner's tunable baseline and scaling coefficients,
// configured once at engine startup (spec's base_k1/base_k2/base_lambda/
// base_min_score/planner_scalers configuration options).
type Options struct {
	BaseK1       int
	BaseK2       int
	BaseLambda   float64
	BaseMinScore float64

	K1Min, K1Max int
	K2Min, K2Max int

	// PressureWeightK1/K2 are the α_w/β_w broadening coefficients applied
	// to window pressure.
	PressureWeightK1 float64
	PressureWeightK2 float64
	// BiasWeightLambda (γ) and BiasWeightMinScore (δ) steer lambda and
	// min_score toward relying more on utility under positive bias.
	BiasWeightLambda   float64
	BiasWeightMinScore float64

	ReserveTokens       int
	HardMaxContextBytes int
}

// DefaultOptions returns the engine's default planner configuration.
func DefaultOptions() Options {
	return Options{
		BaseK1:       10,
		BaseK2:       5,
		BaseLambda:   0.3,
		BaseMinScore: 0.2,

		K1Min: 2, K1Max: 50,
		K2Min: 1, K2Max: 20,

		PressureWeightK1: 0.5,
		PressureWeightK2: 0.5,

		BiasWeightLambda:   0.3,
		BiasWeightMinScore: 0.2,

		ReserveTokens:       256,
		HardMaxContextBytes: 8192,
	}
}

// classScaler applies a multiplicative timeout/context-budget scaler per
// query classification. machine_like/symbol_heavy queries (tool calls,
// stack traces) get a tighter budget and faster timeout; long_natural
// queries get more room.
type classScaler struct {
	timeout float64
	budget  float64
}

var classScalers = map[domain.QueryClassification]classScaler{
	domain.ClassMachineLike: {timeout: 0.5, budget: 0.6},
	domain.ClassSymbolHeavy: {timeout: 0.7, budget: 0.8},
	domain.ClassShort:       {timeout: 0.8, budget: 0.7},
	domain.ClassLongNatural: {timeout: 1.3, budget: 1.2},
	domain.ClassDefault:     {timeout: 1.0, budget: 1.0},
}

// Classify buckets query text into one of the planner's recognized
// classes. machine_like wins over symbol_heavy when both signals are
// present (e.g. a stack trace is machine-like even though it's also
// symbol-dense).
func Classify(queryText string) domain.QueryClassification {
	trimmed := strings.TrimSpace(queryText)
	if trimmed == "" {
		return domain.ClassShort
	}

	if looksMachineLike(trimmed) {
		return domain.ClassMachineLike
	}
	if symbolRatio(trimmed) > 0.3 {
		return domain.ClassSymbolHeavy
	}

	words := strings.Fields(trimmed)
	switch {
	case len(words) <= 3:
		return domain.ClassShort
	case len(words) > 30:
		return domain.ClassLongNatural
	default:
		return domain.ClassDefault
	}
}

func looksMachineLike(s string) bool {
	markers := []string{"{", "}", "Traceback", "Exception", "  at ", "::", "0x", "->"}
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func symbolRatio(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	symbols := 0
	total := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			symbols++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(symbols) / float64(total)
}

func clamp(v float64, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampInt(v int, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Plan derives a recall plan deterministically from the given inputs,
// applying the engine's clamp formulas and the query classification's
// timeout/budget scaler.
func (o Options) Plan(pressure float64, contextBudgetTokens int, bias float64, queryText string) domain.RecallPlan {
	class := Classify(queryText)
	scaler := classScalers[class]

	positiveBias := bias
	if positiveBias < 0 {
		positiveBias = 0
	}

	k1f := float64(o.BaseK1) * (1 + o.PressureWeightK1*pressure) * (1 - 0.5*positiveBias)
	k2f := float64(o.BaseK2) * (1 + o.PressureWeightK2*pressure) * (1 - 0.5*positiveBias)
	k1 := clampInt(int(k1f+0.5), o.K1Min, o.K1Max)
	k2 := clampInt(int(k2f+0.5), o.K2Min, o.K2Max)

	lambda := clamp(o.BaseLambda+o.BiasWeightLambda*bias, 0, 1)
	minScore := clamp(o.BaseMinScore-o.BiasWeightMinScore*bias, 0, 1)

	budgetFromWindow := contextBudgetTokens - o.ReserveTokens
	if budgetFromWindow < 0 {
		budgetFromWindow = 0
	}
	hardMax := int(float64(o.HardMaxContextBytes) * scaler.budget)
	contextBudgetBytes := budgetFromWindow
	if contextBudgetBytes > hardMax {
		contextBudgetBytes = hardMax
	}

	return domain.RecallPlan{
		K1:                 k1,
		K2:                 k2,
		Lambda:             lambda,
		MinScore:           minScore,
		ContextBudgetBytes: contextBudgetBytes,
		Classification:     class,
		TimeoutScaler:      scaler.timeout,
	}
}

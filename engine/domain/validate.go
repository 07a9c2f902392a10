package domain

import (
	"fmt"
	"strings"
)

// ValidateScopeKey checks that a scope key is present and contains no
// path-unsafe separators (scope keys are used verbatim as persistence key
// segments, see engine/persistence).
func ValidateScopeKey(scopeKey string) error {
	if strings.TrimSpace(scopeKey) == "" {
		return NewValidationError("scope_key", scopeKey, ErrEmptyScopeKey)
	}
	if strings.Contains(scopeKey, ":") {
		return NewValidationError("scope_key", scopeKey, ErrEmptyScopeKey)
	}
	return nil
}

// ValidateIntentText checks that intent text is non-empty once trimmed.
func ValidateIntentText(text string) error {
	if strings.TrimSpace(text) == "" {
		return NewValidationError("intent_text", text, ErrEmptyIntentText)
	}
	return nil
}

// ValidateOutcome checks that an outcome is one of the recognised tags.
func ValidateOutcome(o Outcome) error {
	if !ValidOutcomes[o] {
		return NewValidationError("outcome", string(o), ErrInvalidOutcome)
	}
	return nil
}

// ValidateUtility checks that a utility value lies in [0,1].
func ValidateUtility(u float64) error {
	if u < 0 || u > 1 {
		return NewValidationError("utility", fmt.Sprintf("%g", u), ErrUtilityOutOfRange)
	}
	return nil
}

// ValidateReward checks that a reward value lies in [0,1].
func ValidateReward(r float64) error {
	if r < 0 || r > 1 {
		return NewValidationError("reward", fmt.Sprintf("%g", r), ErrRewardOutOfRange)
	}
	return nil
}

// ValidateEmbeddingDim checks an episode's embedding against the engine's
// configured dimension (invariant: len(embedding) == engine.dim).
func ValidateEmbeddingDim(embedding []float32, dim int) error {
	if len(embedding) != dim {
		return NewValidationError("embedding", fmt.Sprintf("len=%d", len(embedding)), ErrDimensionMismatch)
	}
	return nil
}

// ValidateEpisode runs every structural invariant on an episode except the
// embedding-dimension check, which the caller performs with the engine's
// configured dimension via ValidateEmbeddingDim.
func ValidateEpisode(e Episode) error {
	if err := ValidateScopeKey(e.ScopeKey); err != nil {
		return err
	}
	if err := ValidateIntentText(e.IntentText); err != nil {
		return err
	}
	if err := ValidateOutcome(e.Outcome); err != nil {
		return err
	}
	if err := ValidateUtility(e.Utility); err != nil {
		return err
	}
	if e.SuccessCount < 0 || e.FailureCount < 0 {
		return NewValidationError("counters", fmt.Sprintf("success=%d failure=%d", e.SuccessCount, e.FailureCount), ErrInvariantViolation)
	}
	return nil
}

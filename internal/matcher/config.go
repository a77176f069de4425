// Package matcher provides the matching pipeline that pairs bank transactions
// with ledger entries, the confidence scoring each strategy reports, and the
// classifier that explains why a transaction could not be placed.
//
// The pipeline tries four strategies per transaction and stops at the first
// one that accepts a candidate:
//  1. Rule: user-authored conditions route the transaction to an account code
//  2. Exact: absolute amount, calendar date and (when present) reference agree
//  3. Fuzzy: weighted amount, date and description closeness above a threshold
//  4. Semantic: an injected collaborator picks one of a bounded candidate list
//
// Candidates live in a CandidatePool that shrinks monotonically: an entry
// claimed by one transaction is never offered to another in the same run.
//
// Example usage:
//
//	config := matcher.DefaultMatchingConfig()
//	config.DateToleranceDays = 2
//
//	pool := matcher.NewCandidatePool(entries)
//	engine := matcher.NewEngine(config, rules, nil)
//	result, err := engine.Match(ctx, tx, pool)
//	if err != nil {
//		// semantic stage unavailable; result is nil, classify the transaction
//	}
//	if result != nil {
//		pool.Claim(result.Entry.ID)
//	}
package matcher

import (
	"fmt"
	"math"
	"time"

	apperrors "reconciliation-engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// MatchingConfig holds the tolerances and thresholds of one reconciliation session.
// The configuration is copied onto the session at start and never mutated afterwards.
//
// Key configuration areas:
//   - Tolerances: amount tolerance/ceiling and date tolerance for fuzzy scoring
//   - Acceptance: fuzzy and semantic thresholds, the fuzzy confidence cap
//   - Review: the auto-confirm threshold applied to every match type
//   - Exceptions: how close-amount candidates are counted and how many are kept
//   - Performance: number of workers scoring candidates in parallel
//
// Use the provided factory functions for common scenarios:
//   - DefaultMatchingConfig(): the documented defaults
//   - StrictMatchingConfig(): tight tolerances, fewer pending matches
//   - RelaxedMatchingConfig(): loose tolerances for messy statements
type MatchingConfig struct {
	// AmountTolerance is the absolute amount delta that still earns full amount credit
	AmountTolerance decimal.Decimal `json:"amount_tolerance"`

	// AmountCeiling is the delta at which amount credit reaches zero; larger deltas are excluded
	AmountCeiling decimal.Decimal `json:"amount_ceiling"`

	// DateToleranceDays is where date credit decays to zero
	DateToleranceDays int `json:"date_tolerance_days"`

	// FuzzyThreshold is the closed lower bound for accepting a fuzzy candidate
	FuzzyThreshold float64 `json:"fuzzy_threshold"`

	// FuzzyConfidenceCap keeps fuzzy matches distinguishable from exact ones
	FuzzyConfidenceCap float64 `json:"fuzzy_confidence_cap"`

	// SemanticEnabled turns on the semantic stage when a collaborator is wired
	SemanticEnabled bool `json:"semantic_enabled"`

	// SemanticThreshold is the minimum collaborator confidence that is accepted
	SemanticThreshold float64 `json:"semantic_threshold"`

	// SemanticTimeout bounds a single collaborator call
	SemanticTimeout time.Duration `json:"semantic_timeout"`

	// SemanticMaxCandidates caps the candidates offered to the collaborator
	SemanticMaxCandidates int `json:"semantic_max_candidates"`

	// AutoConfirmThreshold confirms matches at or above it; below it they stay PENDING
	AutoConfirmThreshold float64 `json:"auto_confirm_threshold"`

	// CloseAmountDelta is the strict upper bound on amount delta for a "close" exception candidate
	CloseAmountDelta decimal.Decimal `json:"close_amount_delta"`

	// DescriptionHintThreshold is the similarity above which an AMOUNT_MISMATCH is suspected
	DescriptionHintThreshold float64 `json:"description_hint_threshold"`

	// MaxExceptionCandidates caps the candidates recorded with an exception
	MaxExceptionCandidates int `json:"max_exception_candidates"`

	// ScoringWorkers bounds the goroutines precomputing fuzzy scores
	ScoringWorkers int `json:"scoring_workers"`

	// Weights of the fuzzy score components
	Weights MatchingWeights `json:"weights"`
}

// MatchingWeights defines the relative importance of the fuzzy criteria
type MatchingWeights struct {
	AmountWeight      float64 `json:"amount_weight"`
	DateWeight        float64 `json:"date_weight"`
	DescriptionWeight float64 `json:"description_weight"`
}

// DefaultMatchingConfig returns a configuration with the documented defaults
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		AmountTolerance:          decimal.RequireFromString("0.01"),
		AmountCeiling:            decimal.NewFromInt(1),
		DateToleranceDays:        3,
		FuzzyThreshold:           0.75,
		FuzzyConfidenceCap:       0.99,
		SemanticEnabled:          false,
		SemanticThreshold:        0.85,
		SemanticTimeout:          5 * time.Second,
		SemanticMaxCandidates:    10,
		AutoConfirmThreshold:     0.95,
		CloseAmountDelta:         decimal.NewFromInt(1),
		DescriptionHintThreshold: 0.5,
		MaxExceptionCandidates:   5,
		ScoringWorkers:           4,
		Weights: MatchingWeights{
			AmountWeight:      0.4,
			DateWeight:        0.3,
			DescriptionWeight: 0.3,
		},
	}
}

// StrictMatchingConfig returns a configuration for strict matching
func StrictMatchingConfig() *MatchingConfig {
	cfg := DefaultMatchingConfig()
	cfg.AmountTolerance = decimal.Zero
	cfg.DateToleranceDays = 1
	cfg.FuzzyThreshold = 0.9
	cfg.AutoConfirmThreshold = 0.99
	cfg.SemanticThreshold = 0.95
	cfg.Weights = MatchingWeights{AmountWeight: 0.5, DateWeight: 0.3, DescriptionWeight: 0.2}
	return cfg
}

// RelaxedMatchingConfig returns a configuration for relaxed matching
func RelaxedMatchingConfig() *MatchingConfig {
	cfg := DefaultMatchingConfig()
	cfg.AmountTolerance = decimal.RequireFromString("0.05")
	cfg.DateToleranceDays = 5
	cfg.FuzzyThreshold = 0.65
	cfg.SemanticThreshold = 0.8
	cfg.Weights = MatchingWeights{AmountWeight: 0.35, DateWeight: 0.25, DescriptionWeight: 0.4}
	return cfg
}

// ConfigForProfile returns the preset named by profile ("default", "strict", "relaxed")
func ConfigForProfile(profile string) (*MatchingConfig, error) {
	switch profile {
	case "", "default":
		return DefaultMatchingConfig(), nil
	case "strict":
		return StrictMatchingConfig(), nil
	case "relaxed":
		return RelaxedMatchingConfig(), nil
	default:
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "matching.profile", profile, nil)
	}
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	invalid := func(setting string, value interface{}) error {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, setting, value, nil)
	}

	if mc.AmountTolerance.IsNegative() {
		return invalid("amount_tolerance", mc.AmountTolerance.String())
	}
	if !mc.AmountCeiling.GreaterThan(mc.AmountTolerance) {
		return invalid("amount_ceiling", mc.AmountCeiling.String())
	}
	if mc.DateToleranceDays < 0 {
		return invalid("date_tolerance_days", mc.DateToleranceDays)
	}
	if !inUnitInterval(mc.FuzzyThreshold) || mc.FuzzyThreshold == 0 {
		return invalid("fuzzy_threshold", mc.FuzzyThreshold)
	}
	if !inUnitInterval(mc.FuzzyConfidenceCap) || mc.FuzzyConfidenceCap < mc.FuzzyThreshold {
		return invalid("fuzzy_confidence_cap", mc.FuzzyConfidenceCap)
	}
	if !inUnitInterval(mc.SemanticThreshold) {
		return invalid("semantic_threshold", mc.SemanticThreshold)
	}
	if mc.SemanticEnabled && mc.SemanticTimeout <= 0 {
		return invalid("semantic_timeout", mc.SemanticTimeout.String())
	}
	if mc.SemanticMaxCandidates <= 0 || mc.SemanticMaxCandidates > 10 {
		return invalid("semantic_max_candidates", mc.SemanticMaxCandidates)
	}
	if !inUnitInterval(mc.AutoConfirmThreshold) {
		return invalid("auto_confirm_threshold", mc.AutoConfirmThreshold)
	}
	if !mc.CloseAmountDelta.IsPositive() {
		return invalid("close_amount_delta", mc.CloseAmountDelta.String())
	}
	if !inUnitInterval(mc.DescriptionHintThreshold) {
		return invalid("description_hint_threshold", mc.DescriptionHintThreshold)
	}
	if mc.MaxExceptionCandidates <= 0 {
		return invalid("max_exception_candidates", mc.MaxExceptionCandidates)
	}
	if mc.ScoringWorkers <= 0 {
		return invalid("scoring_workers", mc.ScoringWorkers)
	}

	if err := mc.Weights.Validate(); err != nil {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "weights", mc.Weights.String(), err)
	}

	return nil
}

// Validate checks if the matching weights are valid
func (mw *MatchingWeights) Validate() error {
	for name, w := range map[string]float64{
		"amount":      mw.AmountWeight,
		"date":        mw.DateWeight,
		"description": mw.DescriptionWeight,
	} {
		if !inUnitInterval(w) {
			return fmt.Errorf("%s weight must be between 0.0 and 1.0: %f", name, w)
		}
	}

	// Weights must sum to 1 so the fuzzy score stays in [0,1]
	total := mw.AmountWeight + mw.DateWeight + mw.DescriptionWeight
	if math.Abs(total-1.0) > 1e-6 {
		return fmt.Errorf("weights must sum to 1.0, got %f", total)
	}

	return nil
}

// String returns the weights in amount/date/description order
func (mw MatchingWeights) String() string {
	return fmt.Sprintf("%.2f/%.2f/%.2f", mw.AmountWeight, mw.DateWeight, mw.DescriptionWeight)
}

// Clone creates a deep copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}
	clone := *mc
	return &clone
}

// ShouldAutoConfirm reports whether a match with this confidence is confirmed without review
func (mc *MatchingConfig) ShouldAutoConfirm(confidence float64) bool {
	return confidence >= mc.AutoConfirmThreshold
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{AmountTolerance: %s, DateTolerance: %d days, FuzzyThreshold: %.2f, AutoConfirm: %.2f, Semantic: %t}",
		mc.AmountTolerance.String(), mc.DateToleranceDays, mc.FuzzyThreshold, mc.AutoConfirmThreshold, mc.SemanticEnabled)
}

func inUnitInterval(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}

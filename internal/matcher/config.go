// Package matcher provides the check-to-invoice scoring engine and its configuration.
//
// This package pairs checks read from scanned images against outstanding
// billing invoices, tolerating the noise that comes with extracted data:
//   - Names with typos, honorifics and trailing unit numbers
//   - Amounts misread by a digit or rounded
//   - Dates offset by mailing and posting delays
//
// The engine runs in one of two modes:
//  1. All-candidates: every invoice above a low floor is listed per check,
//     sorted by confidence, and exclusivity is settled by a human reviewer
//  2. Single-best: each check greedily claims its best unclaimed invoice
//     above a higher floor, in check order
//
// Example usage:
//
//	config := matcher.DefaultMatchingConfig()
//	config.NameStrategy = matcher.NameEditDistance
//
//	engine := matcher.NewEngine(config, log)
//	result := engine.Run(checks, invoices)
package matcher

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Mode selects how candidate lists are built.
type Mode string

const (
	// ModeAllCandidates keeps every candidate above the floor and leaves
	// exclusivity to the review step.
	ModeAllCandidates Mode = "all_candidates"

	// ModeSingleBest accepts one invoice per check and removes it from the
	// pool immediately. First check wins.
	ModeSingleBest Mode = "single_best"
)

// NameStrategy selects the name similarity scorer.
type NameStrategy string

const (
	// NameWordSet compares order-invariant word sets (Jaccard overlap).
	NameWordSet NameStrategy = "word_set"

	// NameEditDistance compares order-preserving names by Levenshtein distance.
	NameEditDistance NameStrategy = "edit_distance"
)

// AmountStrategy selects the amount similarity scorer.
type AmountStrategy string

const (
	// AmountRelative decays linearly with the difference relative to the larger amount.
	AmountRelative AmountStrategy = "relative"

	// AmountPercentage scores differences within a percentage of the invoice
	// amount and gives zero beyond it.
	AmountPercentage AmountStrategy = "percentage"
)

// MatchType represents the quality of a candidate pairing.
// This classification helps a reviewer decide how much checking is needed.
type MatchType int

const (
	// MatchExact represents an exact amount with a close date and strong name agreement.
	MatchExact MatchType = iota

	// MatchClose represents a high-confidence candidate with small differences.
	MatchClose

	// MatchFuzzy represents a candidate that needs a closer look.
	MatchFuzzy

	// MatchPossible represents a low-confidence candidate that cleared the floor.
	MatchPossible

	// MatchNone indicates the pairing did not clear the floor.
	MatchNone
)

// String returns the string representation of MatchType
func (mt MatchType) String() string {
	switch mt {
	case MatchExact:
		return "Exact"
	case MatchClose:
		return "Close"
	case MatchFuzzy:
		return "Fuzzy"
	case MatchPossible:
		return "Possible"
	case MatchNone:
		return "None"
	default:
		return "Unknown"
	}
}

// MarshalText renders the match type by name in artifacts
func (mt MatchType) MarshalText() ([]byte, error) {
	return []byte(mt.String()), nil
}

// UnmarshalText parses a match type written by MarshalText
func (mt *MatchType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Exact":
		*mt = MatchExact
	case "Close":
		*mt = MatchClose
	case "Fuzzy":
		*mt = MatchFuzzy
	case "Possible":
		*mt = MatchPossible
	case "None":
		*mt = MatchNone
	default:
		return fmt.Errorf("unknown match type %q", string(text))
	}
	return nil
}

// MatchingConfig holds configuration parameters for check matching.
//
// Use the provided factory functions for common scenarios:
//   - DefaultMatchingConfig(): all candidates listed for human review
//   - SingleBestMatchingConfig(): greedy automatic assignment
//   - StrictMatchingConfig(): edit-distance names and a higher floor
type MatchingConfig struct {
	// Mode selects all-candidates or single-best matching
	Mode Mode `json:"mode" yaml:"mode"`

	// NameStrategy selects the name scorer used for drawer and payee names
	NameStrategy NameStrategy `json:"name_strategy" yaml:"name_strategy"`

	// AmountStrategy selects the amount scorer
	AmountStrategy AmountStrategy `json:"amount_strategy" yaml:"amount_strategy"`

	// AmountTolerancePercent is the tolerance used by AmountPercentage (0 to 100)
	AmountTolerancePercent float64 `json:"amount_tolerance_percent" yaml:"amount_tolerance_percent"`

	// AllCandidatesFloor is the minimum confidence in all-candidates mode
	AllCandidatesFloor float64 `json:"all_candidates_floor" yaml:"all_candidates_floor"`

	// SingleBestFloor is the minimum confidence in single-best mode
	SingleBestFloor float64 `json:"single_best_floor" yaml:"single_best_floor"`

	// MaxCandidatesPerCheck caps each review list; 0 means no cap. Single-best
	// mode ignores it when looking for an unclaimed invoice.
	MaxCandidatesPerCheck int `json:"max_candidates_per_check" yaml:"max_candidates_per_check"`

	// NearMissTolerance is the dollar difference under which a non-exact
	// amount is treated as a near miss
	NearMissTolerance decimal.Decimal `json:"near_miss_tolerance" yaml:"-"`

	// Weights of the component scores in the composite confidence
	Weights MatchingWeights `json:"weights" yaml:"weights"`
}

// MatchingWeights defines the relative importance of each field.
// Weights must sum to 1.0 so the composite stays within [0,1].
type MatchingWeights struct {
	Amount   float64 `json:"amount" yaml:"amount"`
	Date     float64 `json:"date" yaml:"date"`
	FromName float64 `json:"from_name" yaml:"from_name"`
	Payee    float64 `json:"payee" yaml:"payee"`
}

// DefaultWeights returns the canonical weighting: amount 0.4, date 0.2,
// drawer name 0.3, payee 0.1.
func DefaultWeights() MatchingWeights {
	return MatchingWeights{Amount: 0.4, Date: 0.2, FromName: 0.3, Payee: 0.1}
}

// AmountHeavyWeights returns the alternate weighting with amount at 0.5 and
// no payee contribution.
func AmountHeavyWeights() MatchingWeights {
	return MatchingWeights{Amount: 0.5, Date: 0.2, FromName: 0.3, Payee: 0.0}
}

// DefaultMatchingConfig returns a configuration with sensible defaults
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		Mode:                   ModeAllCandidates,
		NameStrategy:           NameWordSet,
		AmountStrategy:         AmountRelative,
		AmountTolerancePercent: 5.0,
		AllCandidatesFloor:     0.3,
		SingleBestFloor:        0.6,
		MaxCandidatesPerCheck:  0,
		NearMissTolerance:      decimal.NewFromInt(50),
		Weights:                DefaultWeights(),
	}
}

// SingleBestMatchingConfig returns a configuration for greedy automatic matching
func SingleBestMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.Mode = ModeSingleBest
	return config
}

// StrictMatchingConfig returns a configuration for strict matching
func StrictMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		Mode:                   ModeSingleBest,
		NameStrategy:           NameEditDistance,
		AmountStrategy:         AmountPercentage,
		AmountTolerancePercent: 1.0,
		AllCandidatesFloor:     0.5,
		SingleBestFloor:        0.8,
		MaxCandidatesPerCheck:  5,
		NearMissTolerance:      decimal.NewFromInt(10),
		Weights:                AmountHeavyWeights(),
	}
}

// Floor returns the confidence floor for the configured mode
func (mc *MatchingConfig) Floor() float64 {
	if mc.Mode == ModeSingleBest {
		return mc.SingleBestFloor
	}
	return mc.AllCandidatesFloor
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	switch mc.Mode {
	case ModeAllCandidates, ModeSingleBest:
	default:
		return fmt.Errorf("unknown matching mode: %q", mc.Mode)
	}

	switch mc.NameStrategy {
	case NameWordSet, NameEditDistance:
	default:
		return fmt.Errorf("unknown name strategy: %q", mc.NameStrategy)
	}

	switch mc.AmountStrategy {
	case AmountRelative, AmountPercentage:
	default:
		return fmt.Errorf("unknown amount strategy: %q", mc.AmountStrategy)
	}

	if mc.AmountStrategy == AmountPercentage && (mc.AmountTolerancePercent <= 0.0 || mc.AmountTolerancePercent > 100.0) {
		return fmt.Errorf("amount tolerance percent must be in (0, 100]: %f", mc.AmountTolerancePercent)
	}

	if mc.AllCandidatesFloor < 0.0 || mc.AllCandidatesFloor > 1.0 {
		return fmt.Errorf("all-candidates floor must be between 0.0 and 1.0: %f", mc.AllCandidatesFloor)
	}

	if mc.SingleBestFloor < 0.0 || mc.SingleBestFloor > 1.0 {
		return fmt.Errorf("single-best floor must be between 0.0 and 1.0: %f", mc.SingleBestFloor)
	}

	if mc.MaxCandidatesPerCheck < 0 {
		return fmt.Errorf("max candidates per check cannot be negative: %d", mc.MaxCandidatesPerCheck)
	}

	if mc.NearMissTolerance.IsNegative() {
		return fmt.Errorf("near-miss tolerance cannot be negative: %s", mc.NearMissTolerance)
	}

	if err := mc.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid weights: %w", err)
	}

	return nil
}

// Validate checks if the matching weights are valid
func (mw *MatchingWeights) Validate() error {
	weights := map[string]float64{
		"amount":    mw.Amount,
		"date":      mw.Date,
		"from name": mw.FromName,
		"payee":     mw.Payee,
	}
	for name, w := range weights {
		if w < 0.0 || w > 1.0 {
			return fmt.Errorf("%s weight must be between 0.0 and 1.0: %f", name, w)
		}
	}

	if total := mw.Sum(); math.Abs(total-1.0) > 0.001 {
		return fmt.Errorf("weights must sum to 1.0, got %f", total)
	}

	return nil
}

// Sum returns the total of all weights
func (mw MatchingWeights) Sum() float64 {
	return mw.Amount + mw.Date + mw.FromName + mw.Payee
}

// Clone creates a deep copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}

	clone := *mc
	return &clone
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{Mode: %s, Names: %s, Amounts: %s, Floor: %.2f, Weights: %.2f/%.2f/%.2f/%.2f}",
		mc.Mode, mc.NameStrategy, mc.AmountStrategy, mc.Floor(),
		mc.Weights.Amount, mc.Weights.Date, mc.Weights.FromName, mc.Weights.Payee)
}

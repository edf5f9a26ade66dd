package matcher

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"check-reconciliation-service/internal/normalize"
)

// unitEdits counts substitutions as a single edit; the library default
// charges two.
var unitEdits = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// AmountScore is the relative amount scorer: 1.0 on an exact match, otherwise
// linear decay by the difference relative to the larger amount.
func AmountScore(a, b decimal.Decimal) float64 {
	a, b = a.Abs(), b.Abs()
	if a.Equal(b) {
		return 1.0
	}

	larger := decimal.Max(a, b)
	ratio := a.Sub(b).Abs().Div(larger).InexactFloat64()
	return clamp(1.0 - ratio)
}

// PercentageAmountScore treats any difference within tolerancePercent of the
// invoice amount as tolerable, decaying linearly to zero at the threshold.
func PercentageAmountScore(checkAmount, invoiceAmount decimal.Decimal, tolerancePercent float64) float64 {
	checkAmount, invoiceAmount = checkAmount.Abs(), invoiceAmount.Abs()
	if checkAmount.Equal(invoiceAmount) {
		return 1.0
	}

	threshold := invoiceAmount.Mul(decimal.NewFromFloat(tolerancePercent / 100.0))
	if !threshold.IsPositive() {
		return 0.0
	}

	diff := checkAmount.Sub(invoiceAmount).Abs()
	if diff.GreaterThan(threshold) {
		return 0.0
	}
	return clamp(1.0 - diff.Div(threshold).InexactFloat64())
}

// DateScore is a step function on the absolute day difference between two
// dates. Zero dates (unparsed) score 0.
func DateScore(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return 0.0
	}

	days := DaysBetween(a, b)
	switch {
	case days == 0:
		return 1.0
	case days <= 7:
		return 0.9
	case days <= 30:
		return 0.8
	case days <= 90:
		return 0.5
	default:
		return 0.0
	}
}

// DaysBetween returns the absolute number of calendar days between two dates
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)

	days := int(math.Round(da.Sub(db).Hours() / 24))
	if days < 0 {
		days = -days
	}
	return days
}

// WordSetNameScore is the Jaccard overlap of the normalized word sets of two
// names: |intersection| / |union|.
func WordSetNameScore(a, b string) float64 {
	setA := wordSet(normalize.SortedName(a))
	setB := wordSet(normalize.SortedName(b))
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for word := range setA {
		if setB[word] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection

	return float64(intersection) / float64(union)
}

func wordSet(name string) map[string]bool {
	set := make(map[string]bool)
	for _, word := range normalize.Tokens(name) {
		set[word] = true
	}
	return set
}

// EditDistanceNameScore is 1 - levenshtein(a, b) / max(len(a), len(b)) over
// the order-preserving normalized names.
func EditDistanceNameScore(a, b string) float64 {
	na, nb := normalize.Name(a), normalize.Name(b)
	if na == "" || nb == "" {
		return 0.0
	}

	longest := utf8.RuneCountInString(na)
	if n := utf8.RuneCountInString(nb); n > longest {
		longest = n
	}

	distance := levenshtein.DistanceForStrings([]rune(na), []rune(nb), unitEdits)
	return clamp(1.0 - float64(distance)/float64(longest))
}

// NameScorer returns the name scoring function for a strategy
func NameScorer(strategy NameStrategy) func(a, b string) float64 {
	if strategy == NameEditDistance {
		return EditDistanceNameScore
	}
	return WordSetNameScore
}

// ComponentScores holds the per-field scores behind a composite confidence
type ComponentScores struct {
	Amount   float64 `json:"amount"`
	Date     float64 `json:"date"`
	FromName float64 `json:"from_name"`
	Payee    float64 `json:"payee"`
}

// Composite returns the weighted sum of the component scores, clamped to [0,1]
func (cs ComponentScores) Composite(w MatchingWeights) float64 {
	return clamp(cs.Amount*w.Amount + cs.Date*w.Date + cs.FromName*w.FromName + cs.Payee*w.Payee)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0.0
	case v > 1:
		return 1.0
	default:
		return v
	}
}

package matcher

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const epsilon = 1e-9

func TestAmountScoreProperties(t *testing.T) {
	samples := []string{"0", "0.01", "1", "99.99", "5490", "5440", "12500.50"}

	for _, s := range samples {
		a := decimal.RequireFromString(s)
		if got := AmountScore(a, a); got != 1.0 {
			t.Errorf("AmountScore(%s, %s) = %f, expected 1.0", a, a, got)
		}
		for _, o := range samples {
			b := decimal.RequireFromString(o)
			if math.Abs(AmountScore(a, b)-AmountScore(b, a)) > epsilon {
				t.Errorf("AmountScore not symmetric for %s, %s", a, b)
			}
		}
	}
}

func TestAmountScoreMonotonic(t *testing.T) {
	base := decimal.NewFromInt(5490)

	t.Run("above", func(t *testing.T) {
		previous := 1.0
		for _, diff := range []int64{1, 10, 50, 500, 5000, 50000} {
			score := AmountScore(base, base.Add(decimal.NewFromInt(diff)))
			if score >= previous {
				t.Errorf("diff %d: score %f did not decrease from %f", diff, score, previous)
			}
			previous = score
		}
	})

	t.Run("below", func(t *testing.T) {
		previous := 1.0
		for _, diff := range []int64{1, 10, 50, 500, 5000, 5490} {
			score := AmountScore(base, base.Sub(decimal.NewFromInt(diff)))
			if score >= previous {
				t.Errorf("diff %d: score %f did not decrease from %f", diff, score, previous)
			}
			previous = score
		}
		if previous != 0.0 {
			t.Errorf("expected zero score against a zero amount, got %f", previous)
		}
	})
}

func TestAmountScoreValues(t *testing.T) {
	tests := []struct {
		a, b     string
		expected float64
	}{
		{"5490", "5490.00", 1.0},
		{"5440", "5490", 1 - 50.0/5490.0},
		{"100", "50", 0.5},
		{"0", "0", 1.0},
	}

	for _, tt := range tests {
		got := AmountScore(decimal.RequireFromString(tt.a), decimal.RequireFromString(tt.b))
		if math.Abs(got-tt.expected) > 1e-6 {
			t.Errorf("AmountScore(%s, %s) = %f, expected %f", tt.a, tt.b, got, tt.expected)
		}
	}
}

func TestPercentageAmountScore(t *testing.T) {
	invoice := decimal.NewFromInt(1000)

	tests := []struct {
		name     string
		check    string
		expected float64
	}{
		{"exact", "1000", 1.0},
		{"half of tolerance", "975", 0.5},
		{"at tolerance", "1050", 0.0},
		{"beyond tolerance", "1060", 0.0},
		{"small difference", "1010", 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PercentageAmountScore(decimal.RequireFromString(tt.check), invoice, 5.0)
			if math.Abs(got-tt.expected) > 1e-6 {
				t.Errorf("expected %f, got %f", tt.expected, got)
			}
		})
	}

	if got := PercentageAmountScore(decimal.NewFromInt(5), decimal.Zero, 5.0); got != 0.0 {
		t.Errorf("expected zero score against zero invoice, got %f", got)
	}
}

func TestDateScore(t *testing.T) {
	base := time.Date(2024, 10, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		days     int
		expected float64
	}{
		{0, 1.0},
		{1, 0.9},
		{7, 0.9},
		{8, 0.8},
		{30, 0.8},
		{31, 0.5},
		{90, 0.5},
		{91, 0.0},
		{400, 0.0},
	}

	for _, tt := range tests {
		other := base.AddDate(0, 0, tt.days)
		if got := DateScore(base, other); got != tt.expected {
			t.Errorf("DateScore(+%d days) = %f, expected %f", tt.days, got, tt.expected)
		}
		if DateScore(base, other) != DateScore(other, base) {
			t.Errorf("DateScore not symmetric at %d days", tt.days)
		}
	}

	if got := DateScore(base, time.Time{}); got != 0.0 {
		t.Errorf("expected zero score for missing date, got %f", got)
	}
}

func TestDaysBetweenAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("timezone database unavailable")
	}
	a := time.Date(2024, 11, 1, 0, 0, 0, 0, loc)
	b := time.Date(2024, 11, 4, 0, 0, 0, 0, loc)
	if got := DaysBetween(a, b); got != 3 {
		t.Errorf("expected 3 days, got %d", got)
	}
}

func TestNameScorers(t *testing.T) {
	names := []string{
		"Kurt Elliott",
		"kurt a elliott and penny k elliott",
		"dwight shinkle",
		"The Mapleton",
		"jose",
	}

	for _, strategy := range []NameStrategy{NameWordSet, NameEditDistance} {
		score := NameScorer(strategy)
		t.Run(string(strategy), func(t *testing.T) {
			for _, name := range names {
				if got := score(name, name); got != 1.0 {
					t.Errorf("score(%q, %q) = %f, expected 1.0", name, name, got)
				}
				if got := score("", name); got != 0.0 {
					t.Errorf("score(\"\", %q) = %f, expected 0.0", name, got)
				}
				if got := score(name, ""); got != 0.0 {
					t.Errorf("score(%q, \"\") = %f, expected 0.0", name, got)
				}
			}
			if got := score("Mr.", "Dr"); got != 0.0 {
				t.Errorf("names that normalize to empty should score 0, got %f", got)
			}
		})
	}
}

func TestWordSetNameScore(t *testing.T) {
	tests := []struct {
		a, b     string
		expected float64
	}{
		{"Kurt A Elliott and Penny K Elliott", "Kurt Elliott", 2.0 / 6.0},
		{"Elliott, Kurt", "Kurt Elliott 413", 1.0},
		{"Dwight Shinkle 406", "Dwight Shinkle", 1.0},
		{"Kurt Elliott", "Dwight Shinkle", 0.0},
	}

	for _, tt := range tests {
		if got := WordSetNameScore(tt.a, tt.b); math.Abs(got-tt.expected) > epsilon {
			t.Errorf("WordSetNameScore(%q, %q) = %f, expected %f", tt.a, tt.b, got, tt.expected)
		}
	}
}

func TestEditDistanceNameScore(t *testing.T) {
	tests := []struct {
		a, b     string
		expected float64
	}{
		{"Kurt Elliott", "Kurt Eliott", 1 - 1.0/12.0},
		{"Mr. Kurt Elliott", "kurt elliott", 1.0},
		{"abc", "xyz", 0.0},
	}

	for _, tt := range tests {
		if got := EditDistanceNameScore(tt.a, tt.b); math.Abs(got-tt.expected) > epsilon {
			t.Errorf("EditDistanceNameScore(%q, %q) = %f, expected %f", tt.a, tt.b, got, tt.expected)
		}
	}

	// word order matters for edit distance but not for word sets
	if EditDistanceNameScore("Kurt Elliott", "Elliott Kurt") >= 1.0 {
		t.Error("expected reordered names to differ under edit distance")
	}
	if WordSetNameScore("Kurt Elliott", "Elliott Kurt") != 1.0 {
		t.Error("expected reordered names to match under word sets")
	}
}

func TestCompositeStaysInRange(t *testing.T) {
	weights := DefaultWeights()
	full := ComponentScores{Amount: 1, Date: 1, FromName: 1, Payee: 1}
	if got := full.Composite(weights); math.Abs(got-1.0) > epsilon {
		t.Errorf("expected 1.0, got %f", got)
	}
	if got := (ComponentScores{}).Composite(weights); got != 0.0 {
		t.Errorf("expected 0.0, got %f", got)
	}
	skewed := MatchingWeights{Amount: 2, Date: 2}
	if got := full.Composite(skewed); got != 1.0 {
		t.Errorf("expected clamp to 1.0, got %f", got)
	}
}

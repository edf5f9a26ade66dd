// Package normalize turns raw extracted strings into comparable values.
//
// Amounts become decimals with cent precision, names become lowercase
// punctuation-free token strings, and dates are parsed with the single
// MM/DD/YYYY layout used by both checks and billing records.
package normalize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DateLayout is the only accepted date format.
const DateLayout = "01/02/2006"

var (
	nonWordPattern = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	htmlTagPattern = regexp.MustCompile(`<[^>]+>`)
	digitsPattern  = regexp.MustCompile(`^\d+$`)

	honorifics = map[string]bool{
		"mr":  true,
		"mrs": true,
		"ms":  true,
		"dr":  true,
	}
)

// AmountParseError reports an amount string that is not a non-negative number.
type AmountParseError struct {
	Input  string
	Reason string
}

func (e *AmountParseError) Error() string {
	return fmt.Sprintf("cannot parse amount %q: %s", e.Input, e.Reason)
}

// Amount parses "$5,490.00", "5490", " 1,250.5 " and similar into a decimal
// rounded to cents.
func Amount(s string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(strings.ToUpper(cleaned), "USD")
	cleaned = strings.NewReplacer("$", "", ",", "", " ", "").Replace(cleaned)

	if cleaned == "" {
		return decimal.Zero, &AmountParseError{Input: s, Reason: "empty"}
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, &AmountParseError{Input: s, Reason: "not a number"}
	}
	if d.IsNegative() {
		return decimal.Zero, &AmountParseError{Input: s, Reason: "negative"}
	}

	return d.Round(2), nil
}

// FormatAmount renders d as "$5,490.00".
func FormatAmount(d decimal.Decimal) string {
	fixed := d.Abs().StringFixed(2)
	whole, cents, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	return sign + "$" + b.String() + "." + cents
}

// Name canonicalizes a person or payee name while keeping word order:
// lowercase, punctuation removed, whitespace collapsed, leading honorifics
// and trailing unit numbers ("Kurt Elliott 413") dropped.
func Name(s string) string {
	return strings.Join(nameTokens(s), " ")
}

// SortedName is Name with the remaining tokens sorted alphabetically, so that
// "Elliott, Kurt" and "Kurt Elliott" compare equal.
func SortedName(s string) string {
	tokens := nameTokens(s)
	sort.Strings(tokens)
	return strings.Join(trimTokens(tokens), " ")
}

// Tokens returns the normalized word tokens of a name.
func Tokens(s string) []string {
	return nameTokens(s)
}

func nameTokens(s string) []string {
	s = cases.Lower(language.English).String(s)
	s = nonWordPattern.ReplaceAllString(s, "")
	return trimTokens(strings.Fields(s))
}

// trimTokens strips leading honorifics and trailing numeric tokens until
// neither applies, which keeps Name idempotent.
func trimTokens(tokens []string) []string {
	for {
		switch {
		case len(tokens) > 0 && honorifics[tokens[0]]:
			tokens = tokens[1:]
		case len(tokens) > 0 && digitsPattern.MatchString(tokens[len(tokens)-1]):
			tokens = tokens[:len(tokens)-1]
		default:
			return tokens
		}
	}
}

// StripHTML removes markup tags such as the <span> wrappers billing
// connections carry in their display values.
func StripHTML(s string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(s, ""))
}

// ParseDate parses an MM/DD/YYYY date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse date %q: expected MM/DD/YYYY", s)
	}
	return t, nil
}

// FormatDate renders t as MM/DD/YYYY, or "" for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// DisplayName title-cases a normalized name for reports.
func DisplayName(s string) string {
	return cases.Title(language.English).String(Name(s))
}

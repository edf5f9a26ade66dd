package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	centsPattern  = regexp.MustCompile(`(\d{1,2}|no|xx)\s*/\s*100`)
	wordSeparator = strings.NewReplacer("-", " ", ",", " ", "*", " ", ".", " ", "~", " ")

	smallNumbers = map[string]int64{
		"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
		"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
		"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
		"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
		"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,

		// handwriting variants seen on real checks
		"fourty": 40, "ninty": 90, "fifity": 50, "eigthy": 80,
		"fourtheen": 14, "thirtheen": 13,
	}

	scales = map[string]int64{
		"thousand": 1000,
		"million":  1000000,
	}

	fillerWords = map[string]bool{
		"and": true, "dollars": true, "dollar": true, "only": true,
		"exactly": true, "even": true, "cents": true, "no": true,
	}
)

// WrittenAmount parses the legal line of a check ("Five thousand four hundred
// ninety and 00/100 dollars") into a decimal.
func WrittenAmount(s string) (decimal.Decimal, error) {
	text := strings.ToLower(strings.TrimSpace(s))
	if text == "" {
		return decimal.Zero, fmt.Errorf("empty written amount")
	}

	cents := int64(0)
	if m := centsPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			cents = n
		}
		text = strings.Replace(text, m[0], " ", 1)
	}

	var total, current int64
	seen := false

	for _, word := range strings.Fields(wordSeparator.Replace(text)) {
		switch {
		case fillerWords[word]:
			continue
		case word == "hundred":
			if current == 0 {
				current = 1
			}
			current *= 100
			seen = true
		case scales[word] > 0:
			if current == 0 {
				current = 1
			}
			total += current * scales[word]
			current = 0
			seen = true
		default:
			n, ok := smallNumbers[word]
			if !ok {
				return decimal.Zero, fmt.Errorf("unrecognized word %q in written amount %q", word, s)
			}
			current += n
			seen = true
		}
	}

	if !seen {
		return decimal.Zero, fmt.Errorf("no number words in written amount %q", s)
	}

	return decimal.New(total+current, 0).Add(decimal.New(cents, -2)), nil
}

package extraction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"check-reconciliation-service/internal/models"
	apperrors "check-reconciliation-service/pkg/errors"
)

const (
	keyWrittenAmount    = "written_amount"
	keyAmountConfidence = "amount_confidence"
)

var (
	fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

	keyAliases = map[string]string{
		"check_no":         models.FieldCheckNumber,
		"check_#":          models.FieldCheckNumber,
		"number":           models.FieldCheckNumber,
		"numerical_amount": models.FieldAmount,
		"amount_numerical": models.FieldAmount,
		"numeric_amount":   models.FieldAmount,
		"numerical":        models.FieldAmount,
		"amount_written":   keyWrittenAmount,
		"amount_in_words":  keyWrittenAmount,
		"written":          keyWrittenAmount,
		"confidence":       keyAmountConfidence,
		"from_name":        models.FieldFrom,
		"drawer":           models.FieldFrom,
		"address":          models.FieldFromAddress,
		"bank":             models.FieldBankName,
	}
)

// ParseResponse turns a model reply into an Extraction. The reply is tried
// as plain JSON, then with markdown fences removed, then as each balanced
// {...} object in the text, and finally as "key: value" lines. The first
// reading with every required field wins. A reply with no complete reading
// is a malformed_response error; it is never retried.
func ParseResponse(source, text string) (models.Extraction, error) {
	var best models.Extraction
	bestCount := -1

	consider := func(values map[string]string) bool {
		if len(values) == 0 {
			return false
		}
		ext := fromValues(values)
		if len(ext.MissingRequired()) == 0 {
			best = ext
			return true
		}
		if count := countFields(ext); count > bestCount {
			best, bestCount = ext, count
		}
		return false
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return models.Extraction{}, apperrors.ExtractionError(apperrors.CodeMalformedResponse, source,
			fmt.Errorf("empty response"))
	}

	if consider(decodeObject(trimmed)) {
		return best, nil
	}

	for _, match := range fencePattern.FindAllStringSubmatch(trimmed, -1) {
		if consider(decodeObject(strings.TrimSpace(match[1]))) {
			return best, nil
		}
	}

	for _, candidate := range balancedObjects(trimmed) {
		if consider(decodeObject(candidate)) {
			return best, nil
		}
	}

	if consider(scanLines(trimmed)) {
		return best, nil
	}

	if bestCount < 0 {
		return models.Extraction{}, apperrors.ExtractionError(apperrors.CodeMalformedResponse, source,
			fmt.Errorf("no extraction fields found in response"))
	}
	missing := best.MissingRequired()
	return best, apperrors.ExtractionError(apperrors.CodeMalformedResponse, source,
		fmt.Errorf("response lacks required fields: %s", strings.Join(missing, ", "))).
		WithContext("missing", missing)
}

// decodeObject parses a JSON object into normalized field values. Nested
// amount objects such as {"numerical": "...", "written": "..."} are flattened.
func decodeObject(s string) map[string]string {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil
	}

	values := make(map[string]string)
	for key, value := range raw {
		field := canonicalKey(key)

		if nested, ok := value.(map[string]interface{}); ok && field == models.FieldAmount {
			for nestedKey, nestedValue := range nested {
				nestedField := canonicalKey(nestedKey)
				if nestedField == models.FieldAmount || nestedField == keyWrittenAmount || nestedField == keyAmountConfidence {
					setValue(values, nestedField, stringify(nestedValue))
				}
			}
			continue
		}

		setValue(values, field, stringify(value))
	}
	return values
}

// balancedObjects returns every balanced {...} substring, outermost first.
// Braces inside JSON strings are ignored.
func balancedObjects(text string) []string {
	var objects []string
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		if end := matchingBrace(text, start); end > start {
			objects = append(objects, text[start:end+1])
		}
	}
	return objects
}

func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// scanLines reads "Key: value" lines such as "**Check Number:** 1234".
func scanLines(text string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "*-• ")
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		field := canonicalKey(key)
		value = strings.Trim(strings.TrimSpace(value), `*",`)
		setValue(values, field, strings.TrimSpace(value))
	}
	return values
}

func setValue(values map[string]string, field, value string) {
	if value == "" {
		return
	}
	if models.IsKnownField(field) || field == keyWrittenAmount || field == keyAmountConfidence {
		if _, exists := values[field]; !exists {
			values[field] = value
		}
	}
}

func canonicalKey(key string) string {
	key = strings.ToLower(strings.Trim(strings.TrimSpace(key), `*"'`))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if alias, ok := keyAliases[key]; ok {
		return alias
	}
	return key
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		s := strings.TrimSpace(v)
		if strings.EqualFold(s, "null") || strings.EqualFold(s, "n/a") {
			return ""
		}
		return s
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func fromValues(values map[string]string) models.Extraction {
	var ext models.Extraction
	for _, field := range models.ExtractionFields {
		ext.Set(field, values[field])
	}
	ext.WrittenAmount = values[keyWrittenAmount]
	ext.AmountConfidence = values[keyAmountConfidence]
	return ext
}

func countFields(ext models.Extraction) int {
	count := 0
	for _, field := range models.ExtractionFields {
		if ext.Get(field) != "" {
			count++
		}
	}
	return count
}

package errors

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ParseContext locates a parse failure inside an input file or record batch.
type ParseContext struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   string `json:"column"`
	Value    string `json:"value"`
	Expected string `json:"expected,omitempty"`
}

// RecordParseError is a parse error tied to one row or record of an input batch.
type RecordParseError struct {
	*ReconcilerError
	Location    *ParseContext `json:"location"`
	Recoverable bool          `json:"recoverable"`
	Examples    []string      `json:"examples,omitempty"`
}

// Error implements the error interface with location information
func (e *RecordParseError) Error() string {
	parts := []string{e.ReconcilerError.Error()}

	if e.Location != nil {
		location := fmt.Sprintf("at %s", filepath.Base(e.Location.File))
		if e.Location.Line > 0 {
			location += fmt.Sprintf(":%d", e.Location.Line)
		}
		if e.Location.Column != "" {
			location += fmt.Sprintf(" column '%s'", e.Location.Column)
		}
		parts = append(parts, location)
	}

	return strings.Join(parts, " ")
}

// GetDetailedError returns a multi-line description for terminal output
func (e *RecordParseError) GetDetailedError() string {
	lines := []string{fmt.Sprintf("ERROR: %s", e.Message)}

	if e.Location != nil {
		lines = append(lines, fmt.Sprintf("  → File: %s", e.Location.File))
		if e.Location.Line > 0 {
			lines = append(lines, fmt.Sprintf("  → Line: %d", e.Location.Line))
		}
		if e.Location.Column != "" {
			lines = append(lines, fmt.Sprintf("  → Column: %s", e.Location.Column))
		}
		if e.Location.Value != "" {
			lines = append(lines, fmt.Sprintf("  → Value: '%s'", e.Location.Value))
		}
		if e.Location.Expected != "" {
			lines = append(lines, fmt.Sprintf("  → Expected: %s", e.Location.Expected))
		}
	}

	if e.Suggestion != "" {
		lines = append(lines, fmt.Sprintf("  → Suggestion: %s", e.Suggestion))
	}

	if len(e.Examples) > 0 {
		lines = append(lines, "  → Examples:")
		for _, example := range e.Examples {
			lines = append(lines, fmt.Sprintf("    • %s", example))
		}
	}

	return strings.Join(lines, "\n")
}

// NewRecordParseError creates a new record parse error
func NewRecordParseError(code ErrorCode, location *ParseContext, message string, cause error) *RecordParseError {
	var base *ReconcilerError
	if cause != nil {
		base = Wrap(cause, CategoryParse, code, message)
	} else {
		base = New(CategoryParse, code, message)
	}

	if location != nil {
		base.WithContext("file", location.File).
			WithContext("line", location.Line).
			WithContext("column", location.Column).
			WithContext("value", location.Value)
	}

	return &RecordParseError{
		ReconcilerError: base,
		Location:        location,
		Recoverable:     true,
	}
}

// WithExamples adds example values to help fix the error
func (e *RecordParseError) WithExamples(examples ...string) *RecordParseError {
	e.Examples = examples
	return e
}

// WithSuggestion adds a suggestion and returns the RecordParseError
func (e *RecordParseError) WithSuggestion(suggestion string) *RecordParseError {
	e.ReconcilerError.WithSuggestion(suggestion)
	return e
}

// InvalidAmountError creates an error for an unparsable currency amount
func InvalidAmountError(file string, line int, column string, value string) *RecordParseError {
	location := &ParseContext{
		File:     file,
		Line:     line,
		Column:   column,
		Value:    value,
		Expected: "currency amount",
	}

	return NewRecordParseError(CodeInvalidAmount, location, "invalid amount format", nil).
		WithExamples("$5,490.00", "5490.00", "1,250.50").
		WithSuggestion("Use a non-negative amount with at most two decimals")
}

// InvalidDateError creates an error for a date that is not MM/DD/YYYY
func InvalidDateError(file string, line int, column string, value string) *RecordParseError {
	location := &ParseContext{
		File:     file,
		Line:     line,
		Column:   column,
		Value:    value,
		Expected: "date in MM/DD/YYYY format",
	}

	return NewRecordParseError(CodeInvalidDate, location, "invalid date format", nil).
		WithExamples("10/01/2024", "12/31/2024").
		WithSuggestion("Use MM/DD/YYYY with leading zeros")
}

// MissingColumnError creates an error for missing required columns
func MissingColumnError(file string, expectedColumns []string, actualColumns []string) *RecordParseError {
	missing := findMissingColumns(expectedColumns, actualColumns)

	location := &ParseContext{
		File:     file,
		Line:     1,
		Expected: fmt.Sprintf("columns: %s", strings.Join(expectedColumns, ", ")),
	}

	message := fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", "))
	err := NewRecordParseError(CodeMissingColumn, location, message, nil).
		WithSuggestion("Add the missing columns to the export header")
	err.Recoverable = false
	return err
}

// EmptyValueError creates an error for empty required values
func EmptyValueError(file string, line int, column string) *RecordParseError {
	location := &ParseContext{
		File:     file,
		Line:     line,
		Column:   column,
		Expected: "non-empty value",
	}

	return NewRecordParseError(CodeMissingField, location, "required field is empty", nil).
		WithSuggestion("Provide a value for this required field")
}

// ParseErrorCollector collects record-level parse errors while a batch loads
type ParseErrorCollector struct {
	errors          []*RecordParseError
	maxErrors       int
	continueOnError bool
}

// NewParseErrorCollector creates a new error collector
func NewParseErrorCollector(maxErrors int, continueOnError bool) *ParseErrorCollector {
	return &ParseErrorCollector{
		errors:          make([]*RecordParseError, 0),
		maxErrors:       maxErrors,
		continueOnError: continueOnError,
	}
}

// Add records an error and reports whether loading should continue.
func (c *ParseErrorCollector) Add(err *RecordParseError) bool {
	if err == nil {
		return true
	}

	c.errors = append(c.errors, err)

	if c.maxErrors > 0 && len(c.errors) >= c.maxErrors {
		return false
	}

	return c.continueOnError || err.Recoverable
}

// HasErrors returns true if any errors have been collected
func (c *ParseErrorCollector) HasErrors() bool {
	return len(c.errors) > 0
}

// GetErrors returns all collected errors
func (c *ParseErrorCollector) GetErrors() []*RecordParseError {
	return c.errors
}

// GetSummary returns an error summary for all collected errors
func (c *ParseErrorCollector) GetSummary() *ErrorSummary {
	result := make([]*ReconcilerError, len(c.errors))
	for i, err := range c.errors {
		result[i] = err.ReconcilerError
	}
	return NewErrorSummary(result)
}

func findMissingColumns(expected, actual []string) []string {
	actualSet := make(map[string]bool)
	for _, col := range actual {
		actualSet[strings.ToLower(strings.TrimSpace(col))] = true
	}

	var missing []string
	for _, col := range expected {
		if !actualSet[strings.ToLower(strings.TrimSpace(col))] {
			missing = append(missing, col)
		}
	}

	return missing
}

// FormatParseErrorsForUser formats multiple parse errors for terminal output
func FormatParseErrorsForUser(errs []*RecordParseError) string {
	if len(errs) == 0 {
		return "No parse errors"
	}

	if len(errs) == 1 {
		return errs[0].GetDetailedError()
	}

	lines := []string{fmt.Sprintf("Found %d parse errors:", len(errs))}

	maxDetailedErrors := 3
	for i, err := range errs {
		if i == maxDetailedErrors {
			lines = append(lines, "", fmt.Sprintf("... and %d more", len(errs)-maxDetailedErrors))
			break
		}
		lines = append(lines, "", err.GetDetailedError())
	}

	return strings.Join(lines, "\n")
}

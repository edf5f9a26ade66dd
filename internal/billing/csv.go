package billing

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/normalize"
	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// Canonical CSV column names
const (
	ColumnInvoiceNumber = "invoice_number"
	ColumnAmount        = "amount"
	ColumnDate          = "date"
	ColumnPayee         = "payee"
	ColumnResidentName  = "resident_name"
)

// CSVConfig controls how a billing export is read
type CSVConfig struct {
	Delimiter        rune
	ValidateEncoding bool
	// ColumnAliases maps a canonical column to the header names that may hold it
	ColumnAliases map[string][]string
}

// DefaultCSVConfig returns the header aliases seen in billing exports
func DefaultCSVConfig() CSVConfig {
	return CSVConfig{
		Delimiter:        ',',
		ValidateEncoding: true,
		ColumnAliases: map[string][]string{
			ColumnInvoiceNumber: {"invoice_number", "invoice", "invoice no", "invoice #", "invoice_no"},
			ColumnAmount:        {"amount", "amount due", "total", "balance"},
			ColumnDate:          {"date", "invoice date", "invoice_date", "due date"},
			ColumnPayee:         {"payee", "bill to", "community", "property"},
			ColumnResidentName:  {"resident_name", "resident", "resident name", "name"},
		},
	}
}

var requiredColumns = []string{ColumnInvoiceNumber, ColumnAmount}

// CSVSource reads invoices from a CSV billing export
type CSVSource struct {
	path   string
	config CSVConfig
	logger logger.Logger
}

// NewCSVSource creates a source for one CSV export
func NewCSVSource(path string, config CSVConfig, log logger.Logger) *CSVSource {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if config.Delimiter == 0 {
		config.Delimiter = ','
	}
	if config.ColumnAliases == nil {
		config.ColumnAliases = DefaultCSVConfig().ColumnAliases
	}
	return &CSVSource{
		path:   path,
		config: config,
		logger: log.WithComponent("billing_csv").WithField("file", path),
	}
}

// Name identifies the source in logs and run artifacts
func (s *CSVSource) Name() string {
	return "csv:" + filepath.Base(s.path)
}

// Fetch parses the export. A missing file or missing required column fails
// the fetch; bad rows are reported as problems.
func (s *CSVSource) Fetch(ctx context.Context, query Query) (*Batch, error) {
	file, reader, err := s.open()
	if err != nil {
		return nil, apperrors.BillingError(apperrors.CodeBillingUnavailable, s.Name(), err)
	}
	defer file.Close()

	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			err = fmt.Errorf("file is empty")
		}
		return nil, apperrors.BillingError(apperrors.CodeBillingUnavailable, s.Name(),
			apperrors.ParseError(apperrors.CodeInvalidFormat, "headers", "", err))
	}

	columns := s.resolveColumns(headers)
	var missing []string
	for _, column := range requiredColumns {
		if _, ok := columns[column]; !ok {
			missing = append(missing, column)
		}
	}
	if len(missing) > 0 {
		s.logger.WithField("missing", missing).Error("Billing export is missing required columns")
		return nil, apperrors.BillingError(apperrors.CodeBillingUnavailable, s.Name(),
			apperrors.MissingColumnError(s.path, requiredColumns, headers))
	}

	batch := &Batch{Source: s.Name()}
	collector := apperrors.NewParseErrorCollector(0, true)
	line := 1

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			collector.Add(apperrors.NewRecordParseError(apperrors.CodeInvalidFormat,
				&apperrors.ParseContext{File: s.path, Line: line}, "malformed CSV row", err))
			s.logger.WithError(err).WithField("line", line).Warn("Skipping malformed billing row")
			continue
		}
		if isEmptyRow(record) {
			continue
		}

		value := func(column string) string {
			index, ok := columns[column]
			if !ok || index >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[index])
		}

		number := value(ColumnInvoiceNumber)
		if number == "" {
			collector.Add(apperrors.EmptyValueError(s.path, line, ColumnInvoiceNumber))
			s.logger.WithField("line", line).Warn("Billing row has no invoice number; skipped")
			continue
		}

		raw, err := json.Marshal(rowFields(headers, record))
		if err != nil {
			s.logger.WithError(err).WithField("line", line).Warn("Billing row could not be kept as raw JSON")
			raw = nil
		}
		invoice, err := models.NewInvoiceRecord(number, value(ColumnAmount), value(ColumnDate),
			normalize.StripHTML(value(ColumnPayee)), value(ColumnResidentName), raw)
		if err != nil {
			if !invoice.HasValidAmount() {
				collector.Add(apperrors.InvalidAmountError(s.path, line, ColumnAmount, value(ColumnAmount)))
			}
			if !invoice.HasValidDate() && value(ColumnDate) != "" {
				collector.Add(apperrors.InvalidDateError(s.path, line, ColumnDate, value(ColumnDate)))
			}
			s.logger.WithError(err).WithField("line", line).Warn("Billing row has unparsable fields")
		}

		if query.Includes(invoice) {
			batch.Invoices = append(batch.Invoices, invoice)
		}
	}

	batch.Problems = collector.GetErrors()
	s.logger.WithFields(logger.Fields{
		"invoices": len(batch.Invoices),
		"problems": len(batch.Problems),
	}).Info("Loaded billing export")
	return batch, nil
}

func (s *CSVSource) open() (*os.File, *csv.Reader, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apperrors.FileError(apperrors.CodeFileNotFound, s.path, err)
		}
		return nil, nil, apperrors.FileError(apperrors.CodeFilePermission, s.path, err)
	}

	if s.config.ValidateEncoding {
		if err := validateEncoding(file, s.path); err != nil {
			file.Close()
			return nil, nil, err
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			file.Close()
			return nil, nil, apperrors.FileError(apperrors.CodeFileCorrupted, s.path, err)
		}
	}

	reader := csv.NewReader(file)
	reader.Comma = s.config.Delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	return file, reader, nil
}

// resolveColumns maps canonical column names to header indexes. Matching is
// case-insensitive and the first alias present wins.
func (s *CSVSource) resolveColumns(headers []string) map[string]int {
	index := make(map[string]int, len(headers))
	for i, header := range headers {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header, "\ufeff")))
		if _, seen := index[key]; !seen {
			index[key] = i
		}
	}

	columns := make(map[string]int)
	for column, aliases := range s.config.ColumnAliases {
		for _, alias := range aliases {
			if i, ok := index[strings.ToLower(alias)]; ok {
				columns[column] = i
				break
			}
		}
	}
	return columns
}

// validateEncoding checks the first 100 lines for valid UTF-8
func validateEncoding(file *os.File, path string) error {
	scanner := bufio.NewScanner(file)
	for lineNum := 1; scanner.Scan() && lineNum <= 100; lineNum++ {
		if !utf8.Valid(scanner.Bytes()) {
			return apperrors.FileError(apperrors.CodeFileCorrupted, path,
				fmt.Errorf("invalid UTF-8 encoding at line %d", lineNum)).
				WithSuggestion("Save the export in UTF-8 encoding and try again")
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.FileError(apperrors.CodeFileCorrupted, path, err)
	}
	return nil
}

func rowFields(headers, record []string) map[string]string {
	fields := make(map[string]string, len(headers))
	for i, header := range headers {
		if i < len(record) {
			fields[strings.TrimSpace(header)] = record[i]
		}
	}
	return fields
}

func isEmptyRow(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

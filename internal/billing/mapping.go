package billing

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/normalize"
	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// FieldMapping names the Knack fields that hold each invoice attribute
type FieldMapping struct {
	InvoiceNumber   string `yaml:"invoice_number" validate:"required"`
	Amount          string `yaml:"amount" validate:"required"`
	AmountFormatted string `yaml:"amount_formatted"`
	Payee           string `yaml:"payee" validate:"required"`
	ResidentName    string `yaml:"resident_name"`
	Date            string `yaml:"date" validate:"required"`
}

// DefaultFieldMapping returns the field IDs of the billing object
func DefaultFieldMapping() FieldMapping {
	return FieldMapping{
		InvoiceNumber:   "field_1418",
		Amount:          "field_1411",
		AmountFormatted: "field_2349",
		Payee:           "field_1350",
		ResidentName:    "field_2540",
		Date:            "field_1351",
	}
}

// LoadFieldMapping reads a YAML mapping file. Keys missing from the file
// keep their default field IDs.
func LoadFieldMapping(path string) (FieldMapping, error) {
	mapping := DefaultFieldMapping()
	if path == "" {
		return mapping, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mapping, apperrors.FileError(apperrors.CodeFileNotFound, path, err)
		}
		return mapping, apperrors.FileError(apperrors.CodeFilePermission, path, err)
	}

	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return mapping, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "billing.mapping", path, err)
	}
	if err := apperrors.ValidateStruct("billing.mapping", mapping); err != nil {
		return mapping, err
	}
	return mapping, nil
}

// Convert maps raw Knack records to invoices. Records without an invoice
// number are dropped; records with an unparsable amount or date are kept
// flagged so the matcher can skip them and report them as unmatched.
func (m FieldMapping) Convert(source string, records []json.RawMessage, query Query, log logger.Logger) *Batch {
	if log == nil {
		log = logger.NewNopLogger()
	}
	batch := &Batch{Source: source}
	collector := apperrors.NewParseErrorCollector(0, true)

	for i, raw := range records {
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			collector.Add(apperrors.NewRecordParseError(apperrors.CodeInvalidFormat,
				&apperrors.ParseContext{File: source, Line: i + 1}, "record is not a JSON object", err))
			log.WithField("record", i+1).Warn("Billing record is not a JSON object; skipped")
			continue
		}

		number := m.text(fields, m.InvoiceNumber)
		if number == "" {
			collector.Add(apperrors.EmptyValueError(source, i+1, m.InvoiceNumber))
			log.WithField("record", i+1).Warn("Billing record has no invoice number; skipped")
			continue
		}

		amount := m.amount(fields)
		date := m.date(fields)
		payee := normalize.StripHTML(m.text(fields, m.Payee))
		resident := m.resident(fields)

		invoice, err := models.NewInvoiceRecord(number, amount, date, payee, resident, raw)
		if err != nil {
			if !invoice.HasValidAmount() {
				collector.Add(apperrors.InvalidAmountError(source, i+1, m.Amount, amount))
			}
			if !invoice.HasValidDate() {
				collector.Add(apperrors.InvalidDateError(source, i+1, m.Date, date))
			}
			log.WithError(err).WithField("invoice", number).Warn("Billing record has unparsable fields")
		}

		if query.Includes(invoice) {
			batch.Invoices = append(batch.Invoices, invoice)
		}
	}

	batch.Problems = collector.GetErrors()
	return batch
}

func (m FieldMapping) amount(fields map[string]interface{}) string {
	if raw := m.text(fields, m.Amount+"_raw"); raw != "" {
		return raw
	}
	if value := m.text(fields, m.Amount); value != "" {
		return value
	}
	if m.AmountFormatted != "" {
		return m.text(fields, m.AmountFormatted)
	}
	return ""
}

func (m FieldMapping) date(fields map[string]interface{}) string {
	if value := m.text(fields, m.Date); value != "" {
		return value
	}
	if raw, ok := fields[m.Date+"_raw"].(map[string]interface{}); ok {
		return m.text(raw, "date")
	}
	return ""
}

// resident prefers the identifier of the linked resident connection
func (m FieldMapping) resident(fields map[string]interface{}) string {
	if connections, ok := fields[m.Payee+"_raw"].([]interface{}); ok && len(connections) > 0 {
		if first, ok := connections[0].(map[string]interface{}); ok {
			if identifier := m.text(first, "identifier"); identifier != "" {
				return identifier
			}
		}
	}
	if m.ResidentName != "" {
		return normalize.StripHTML(m.text(fields, m.ResidentName))
	}
	return ""
}

func (m FieldMapping) text(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

package models

import "strings"

// Extraction field keys, in the order the vision model is asked for them.
const (
	FieldCheckNumber = "check_number"
	FieldAmount      = "amount"
	FieldDate        = "date"
	FieldPayee       = "payee"
	FieldFrom        = "from"
	FieldFromAddress = "from_address"
	FieldMemo        = "memo"
	FieldBankName    = "bank_name"
)

// ExtractionFields lists the eight fields every extraction carries.
var ExtractionFields = []string{
	FieldCheckNumber,
	FieldAmount,
	FieldDate,
	FieldPayee,
	FieldFrom,
	FieldFromAddress,
	FieldMemo,
	FieldBankName,
}

// RequiredFields must all be present for a check to enter matching.
var RequiredFields = []string{
	FieldCheckNumber,
	FieldAmount,
	FieldDate,
	FieldPayee,
	FieldFrom,
}

// Extraction is one raw reading of a check image as returned by the
// extraction service. Values are kept as printed.
type Extraction struct {
	CheckNumber      string `json:"check_number"`
	Amount           string `json:"amount"`
	WrittenAmount    string `json:"written_amount,omitempty"`
	Date             string `json:"date"`
	Payee            string `json:"payee"`
	From             string `json:"from"`
	FromAddress      string `json:"from_address"`
	Memo             string `json:"memo"`
	BankName         string `json:"bank_name"`
	AmountConfidence string `json:"amount_confidence,omitempty"`
}

// Get returns the value of one of the eight extraction fields.
func (e Extraction) Get(field string) string {
	switch field {
	case FieldCheckNumber:
		return e.CheckNumber
	case FieldAmount:
		return e.Amount
	case FieldDate:
		return e.Date
	case FieldPayee:
		return e.Payee
	case FieldFrom:
		return e.From
	case FieldFromAddress:
		return e.FromAddress
	case FieldMemo:
		return e.Memo
	case FieldBankName:
		return e.BankName
	default:
		return ""
	}
}

// Set assigns one of the eight extraction fields. Unknown fields are ignored.
func (e *Extraction) Set(field, value string) {
	switch field {
	case FieldCheckNumber:
		e.CheckNumber = value
	case FieldAmount:
		e.Amount = value
	case FieldDate:
		e.Date = value
	case FieldPayee:
		e.Payee = value
	case FieldFrom:
		e.From = value
	case FieldFromAddress:
		e.FromAddress = value
	case FieldMemo:
		e.Memo = value
	case FieldBankName:
		e.BankName = value
	}
}

// SameFields reports whether both readings agree on all eight fields.
func (e Extraction) SameFields(other Extraction) bool {
	for _, field := range ExtractionFields {
		if strings.TrimSpace(e.Get(field)) != strings.TrimSpace(other.Get(field)) {
			return false
		}
	}
	return true
}

// MissingRequired returns the required fields that are empty.
func (e Extraction) MissingRequired() []string {
	var missing []string
	for _, field := range RequiredFields {
		if strings.TrimSpace(e.Get(field)) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// IsKnownField reports whether key names one of the eight extraction fields.
func IsKnownField(key string) bool {
	for _, field := range ExtractionFields {
		if field == key {
			return true
		}
	}
	return false
}

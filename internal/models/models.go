package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"check-reconciliation-service/internal/normalize"
)

// AmountConfidence grades how much the numeric amount on a check can be trusted
type AmountConfidence string

const (
	// AmountConfidenceHigh means the numeric and written amounts agree
	AmountConfidenceHigh AmountConfidence = "HIGH"
	// AmountConfidenceLow means the numeric and written amounts disagree
	AmountConfidenceLow AmountConfidence = "LOW"
	// AmountConfidenceUnknown means the amount could not be cross-checked or parsed
	AmountConfidenceUnknown AmountConfidence = "UNKNOWN"
)

// ParseAmountConfidence maps free-form model output onto the three grades
func ParseAmountConfidence(s string) AmountConfidence {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return AmountConfidenceHigh
	case "LOW", "MEDIUM":
		return AmountConfidenceLow
	default:
		return AmountConfidenceUnknown
	}
}

// Rank orders confidences so that HIGH > LOW > UNKNOWN
func (c AmountConfidence) Rank() int {
	switch c {
	case AmountConfidenceHigh:
		return 2
	case AmountConfidenceLow:
		return 1
	default:
		return 0
	}
}

// CheckRecord is one physical check after consensus extraction.
//
// The amount is only mutated by the re-analysis step; matching reads it.
type CheckRecord struct {
	ID               string           `json:"id"`
	CheckNumber      string           `json:"check_number"`
	Amount           decimal.Decimal  `json:"amount"`
	RawAmount        string           `json:"raw_amount,omitempty"`
	WrittenAmount    string           `json:"written_amount,omitempty"`
	Date             time.Time        `json:"-"`
	RawDate          string           `json:"date"`
	Payee            string           `json:"payee"`
	From             string           `json:"from"`
	FromAddress      string           `json:"from_address,omitempty"`
	Memo             string           `json:"memo,omitempty"`
	BankName         string           `json:"bank_name,omitempty"`
	AmountConfidence AmountConfidence `json:"amount_confidence"`
	NeedsReview      bool             `json:"needs_review"`
	Notes            []string         `json:"notes,omitempty"`
	SourceImage      string           `json:"source_image,omitempty"`

	amountValid bool
}

// NewCheckRecord builds a CheckRecord from an extraction. Fields that fail to
// parse are flagged instead of silently coerced.
func NewCheckRecord(id, sourceImage string, ext Extraction) *CheckRecord {
	check := &CheckRecord{
		ID:            id,
		CheckNumber:   strings.TrimSpace(ext.CheckNumber),
		RawAmount:     strings.TrimSpace(ext.Amount),
		WrittenAmount: strings.TrimSpace(ext.WrittenAmount),
		RawDate:       strings.TrimSpace(ext.Date),
		Payee:         strings.TrimSpace(ext.Payee),
		From:          strings.TrimSpace(ext.From),
		FromAddress:   strings.TrimSpace(ext.FromAddress),
		Memo:          strings.TrimSpace(ext.Memo),
		BankName:      strings.TrimSpace(ext.BankName),
		SourceImage:   sourceImage,
	}

	check.SetAmount(check.RawAmount, ParseAmountConfidence(ext.AmountConfidence))

	if date, err := normalize.ParseDate(check.RawDate); err == nil {
		check.Date = date
	} else {
		check.NeedsReview = true
		check.AddNote(fmt.Sprintf("date %q is not MM/DD/YYYY", check.RawDate))
	}

	return check
}

// SetAmount parses raw into the check's amount. When stated is UNKNOWN the
// confidence is derived by cross-checking the written amount.
func (c *CheckRecord) SetAmount(raw string, stated AmountConfidence) {
	c.RawAmount = raw

	amount, err := normalize.Amount(raw)
	if err != nil {
		c.Amount = decimal.Zero
		c.amountValid = false
		c.AmountConfidence = AmountConfidenceUnknown
		c.NeedsReview = true
		c.AddNote(fmt.Sprintf("amount %q could not be parsed", raw))
		return
	}

	c.Amount = amount
	c.amountValid = true
	c.AmountConfidence = stated
	if stated == AmountConfidenceUnknown || stated == "" {
		c.AmountConfidence = c.crossCheckWrittenAmount()
	}
	if c.AmountConfidence == AmountConfidenceLow {
		c.NeedsReview = true
	}
}

func (c *CheckRecord) crossCheckWrittenAmount() AmountConfidence {
	if c.WrittenAmount == "" {
		return AmountConfidenceUnknown
	}
	written, err := normalize.WrittenAmount(c.WrittenAmount)
	if err != nil {
		return AmountConfidenceUnknown
	}
	if written.Sub(c.Amount).Abs().LessThanOrEqual(decimal.New(1, -2)) {
		return AmountConfidenceHigh
	}
	c.AddNote(fmt.Sprintf("written amount %s disagrees with numeric amount %s",
		normalize.FormatAmount(written), normalize.FormatAmount(c.Amount)))
	return AmountConfidenceLow
}

// HasValidAmount reports whether the amount parsed successfully
func (c *CheckRecord) HasValidAmount() bool {
	return c.amountValid
}

// HasValidDate reports whether the date parsed successfully
func (c *CheckRecord) HasValidDate() bool {
	return !c.Date.IsZero()
}

// AddNote appends a review note, skipping exact duplicates
func (c *CheckRecord) AddNote(note string) {
	for _, existing := range c.Notes {
		if existing == note {
			return
		}
	}
	c.Notes = append(c.Notes, note)
}

// Clone returns a deep copy of the check
func (c *CheckRecord) Clone() *CheckRecord {
	clone := *c
	clone.Notes = append([]string(nil), c.Notes...)
	return &clone
}

// Validate performs basic validation on the CheckRecord
func (c *CheckRecord) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("check ID cannot be empty")
	}
	if c.Amount.IsNegative() {
		return fmt.Errorf("check amount cannot be negative: %s", c.Amount)
	}
	if !c.Amount.Equal(c.Amount.Round(2)) {
		return fmt.Errorf("check amount must have cent precision: %s", c.Amount)
	}
	if !c.amountValid && c.AmountConfidence != AmountConfidenceUnknown {
		return fmt.Errorf("unparsed amount must have UNKNOWN confidence, got %s", c.AmountConfidence)
	}
	return nil
}

// String returns a string representation of the CheckRecord
func (c *CheckRecord) String() string {
	return fmt.Sprintf("Check{ID: %s, Number: %s, Amount: %s, Date: %s, From: %s}",
		c.ID, c.CheckNumber, normalize.FormatAmount(c.Amount), c.RawDate, c.From)
}

// MarshalJSON renders the amount as a fixed two-decimal string
func (c *CheckRecord) MarshalJSON() ([]byte, error) {
	type Alias CheckRecord
	return json.Marshal(&struct {
		Amount string `json:"amount"`
		*Alias
	}{
		Amount: c.Amount.StringFixed(2),
		Alias:  (*Alias)(c),
	})
}

// UnmarshalJSON restores a check written by MarshalJSON
func (c *CheckRecord) UnmarshalJSON(data []byte) error {
	type Alias CheckRecord
	aux := &struct {
		Amount string `json:"amount"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.amountValid = false
	if amount, err := normalize.Amount(aux.Amount); err == nil {
		c.Amount = amount
		c.amountValid = true
	}
	if date, err := normalize.ParseDate(c.RawDate); err == nil {
		c.Date = date
	}
	return nil
}

// InvoiceRecord is one outstanding billing line. Invoices are fetched once
// per run and never mutated.
type InvoiceRecord struct {
	InvoiceNumber string          `json:"invoice_number"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"-"`
	RawDate       string          `json:"date"`
	Payee         string          `json:"payee"`
	ResidentName  string          `json:"resident_name"`
	Raw           json.RawMessage `json:"raw,omitempty"`

	amountValid bool
}

// NewInvoiceRecord creates an invoice, parsing the amount and date strings.
// Parse failures leave the field zero and are reported through the error so
// callers can log and keep the record.
func NewInvoiceRecord(number, amount, date, payee, resident string, raw json.RawMessage) (*InvoiceRecord, error) {
	invoice := &InvoiceRecord{
		InvoiceNumber: strings.TrimSpace(number),
		RawDate:       strings.TrimSpace(date),
		Payee:         strings.TrimSpace(payee),
		ResidentName:  strings.TrimSpace(resident),
		Raw:           raw,
	}

	var problems []string
	if parsed, err := normalize.Amount(amount); err == nil {
		invoice.Amount = parsed
		invoice.amountValid = true
	} else {
		problems = append(problems, err.Error())
	}
	if parsed, err := normalize.ParseDate(invoice.RawDate); err == nil {
		invoice.Date = parsed
	} else {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return invoice, fmt.Errorf("invoice %s: %s", invoice.InvoiceNumber, strings.Join(problems, "; "))
	}
	return invoice, nil
}

// HasValidAmount reports whether the amount parsed successfully
func (i *InvoiceRecord) HasValidAmount() bool {
	return i.amountValid
}

// HasValidDate reports whether the date parsed successfully
func (i *InvoiceRecord) HasValidDate() bool {
	return !i.Date.IsZero()
}

// Validate performs basic validation on the InvoiceRecord
func (i *InvoiceRecord) Validate() error {
	if i.InvoiceNumber == "" {
		return fmt.Errorf("invoice number cannot be empty")
	}
	if i.Amount.IsNegative() {
		return fmt.Errorf("invoice amount cannot be negative: %s", i.Amount)
	}
	return nil
}

// String returns a string representation of the InvoiceRecord
func (i *InvoiceRecord) String() string {
	return fmt.Sprintf("Invoice{Number: %s, Amount: %s, Date: %s, Resident: %s}",
		i.InvoiceNumber, normalize.FormatAmount(i.Amount), i.RawDate, i.ResidentName)
}

// MarshalJSON renders the amount as a fixed two-decimal string
func (i *InvoiceRecord) MarshalJSON() ([]byte, error) {
	type Alias InvoiceRecord
	return json.Marshal(&struct {
		Amount string `json:"amount"`
		*Alias
	}{
		Amount: i.Amount.StringFixed(2),
		Alias:  (*Alias)(i),
	})
}

// UnmarshalJSON restores an invoice written by MarshalJSON
func (i *InvoiceRecord) UnmarshalJSON(data []byte) error {
	type Alias InvoiceRecord
	aux := &struct {
		Amount string `json:"amount"`
		*Alias
	}{
		Alias: (*Alias)(i),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	i.amountValid = false
	if amount, err := normalize.Amount(aux.Amount); err == nil {
		i.Amount = amount
		i.amountValid = true
	}
	if date, err := normalize.ParseDate(i.RawDate); err == nil {
		i.Date = date
	}
	return nil
}

// Package billing loads outstanding invoices from the hosted billing
// database, a saved billing download, or a CSV export. Every source yields
// the same normalized InvoiceRecord shape.
package billing

import (
	"context"
	"time"

	"check-reconciliation-service/internal/models"
	apperrors "check-reconciliation-service/pkg/errors"
)

// Query narrows a fetch. Zero times leave that side of the range open.
type Query struct {
	From time.Time
	To   time.Time
}

// Includes reports whether the invoice falls inside the range. Undated
// invoices are always included so that they surface as unmatched.
func (q Query) Includes(invoice *models.InvoiceRecord) bool {
	if !invoice.HasValidDate() {
		return true
	}
	if !q.From.IsZero() && invoice.Date.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && invoice.Date.After(q.To) {
		return false
	}
	return true
}

// Batch is one fetch of invoices plus the records that could not be used
type Batch struct {
	Source   string                        `json:"source"`
	Invoices []*models.InvoiceRecord       `json:"invoices"`
	Problems []*apperrors.RecordParseError `json:"problems,omitempty"`
}

// Source is the billing-record boundary. A failed fetch is fatal to a run.
type Source interface {
	Name() string
	Fetch(ctx context.Context, query Query) (*Batch, error)
}

package matcher

import (
	"sync"

	"check-reconciliation-service/internal/models"
)

// InvoicePool is the set of invoices not yet claimed in a run.
// Claim is an atomic check-and-remove, so concurrent callers can never
// assign the same invoice twice.
type InvoicePool struct {
	mu        sync.Mutex
	order     []*models.InvoiceRecord
	available map[string]bool
}

// NewInvoicePool creates a pool holding every invoice
func NewInvoicePool(invoices []*models.InvoiceRecord) *InvoicePool {
	pool := &InvoicePool{
		order:     invoices,
		available: make(map[string]bool, len(invoices)),
	}
	for _, invoice := range invoices {
		pool.available[invoice.InvoiceNumber] = true
	}
	return pool
}

// Claim removes the invoice from the pool. It returns false when the invoice
// is unknown or already claimed.
func (p *InvoicePool) Claim(invoiceNumber string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.available[invoiceNumber] {
		return false
	}
	delete(p.available, invoiceNumber)
	return true
}

// Contains reports whether the invoice is still unclaimed
func (p *InvoicePool) Contains(invoiceNumber string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available[invoiceNumber]
}

// Available returns unclaimed invoices in their original order
func (p *InvoicePool) Available() []*models.InvoiceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := make([]*models.InvoiceRecord, 0, len(p.available))
	for _, invoice := range p.order {
		if p.available[invoice.InvoiceNumber] {
			remaining = append(remaining, invoice)
		}
	}
	return remaining
}

// Len returns the number of unclaimed invoices
func (p *InvoicePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

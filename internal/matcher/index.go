package matcher

import (
	"sort"

	"github.com/shopspring/decimal"

	"check-reconciliation-service/internal/models"
)

// AmountIndex provides amount lookups over an invoice batch
type AmountIndex struct {
	// ExactAmountIndex maps fixed two-decimal amounts to invoices
	ExactAmountIndex map[string][]*models.InvoiceRecord

	// AmountRangeIndex holds distinct amounts in ascending order
	AmountRangeIndex []*AmountIndexEntry

	// AllInvoices holds all indexed invoices in their original order
	AllInvoices []*models.InvoiceRecord
}

// AmountIndexEntry represents an entry in the sorted amount index
type AmountIndexEntry struct {
	Amount   decimal.Decimal
	Invoices []*models.InvoiceRecord
}

// NewAmountIndex creates an index over invoices with a parsed amount
func NewAmountIndex(invoices []*models.InvoiceRecord) *AmountIndex {
	index := &AmountIndex{
		ExactAmountIndex: make(map[string][]*models.InvoiceRecord),
		AllInvoices:      invoices,
	}

	index.buildIndexes()
	return index
}

func (ai *AmountIndex) buildIndexes() {
	amountMap := make(map[string]*AmountIndexEntry)

	for _, invoice := range ai.AllInvoices {
		if !invoice.HasValidAmount() {
			continue
		}
		key := invoice.Amount.StringFixed(2)
		ai.ExactAmountIndex[key] = append(ai.ExactAmountIndex[key], invoice)

		if entry, exists := amountMap[key]; exists {
			entry.Invoices = append(entry.Invoices, invoice)
		} else {
			amountMap[key] = &AmountIndexEntry{
				Amount:   invoice.Amount,
				Invoices: []*models.InvoiceRecord{invoice},
			}
		}
	}

	ai.AmountRangeIndex = make([]*AmountIndexEntry, 0, len(amountMap))
	for _, entry := range amountMap {
		ai.AmountRangeIndex = append(ai.AmountRangeIndex, entry)
	}

	sort.Slice(ai.AmountRangeIndex, func(i, j int) bool {
		return ai.AmountRangeIndex[i].Amount.LessThan(ai.AmountRangeIndex[j].Amount)
	})
}

// GetByExactAmount returns invoices billed for exactly amount
func (ai *AmountIndex) GetByExactAmount(amount decimal.Decimal) []*models.InvoiceRecord {
	return ai.ExactAmountIndex[amount.StringFixed(2)]
}

// GetByAmountRange returns invoices with minAmount <= amount <= maxAmount
func (ai *AmountIndex) GetByAmountRange(minAmount, maxAmount decimal.Decimal) []*models.InvoiceRecord {
	var result []*models.InvoiceRecord

	start := sort.Search(len(ai.AmountRangeIndex), func(i int) bool {
		return ai.AmountRangeIndex[i].Amount.GreaterThanOrEqual(minAmount)
	})

	for i := start; i < len(ai.AmountRangeIndex); i++ {
		entry := ai.AmountRangeIndex[i]
		if entry.Amount.GreaterThan(maxAmount) {
			break
		}
		result = append(result, entry.Invoices...)
	}

	return result
}

// NearMisses returns invoices whose amount differs from amount by more than
// zero and at most tolerance
func (ai *AmountIndex) NearMisses(amount, tolerance decimal.Decimal) []*models.InvoiceRecord {
	var result []*models.InvoiceRecord
	for _, invoice := range ai.GetByAmountRange(amount.Sub(tolerance), amount.Add(tolerance)) {
		if !invoice.Amount.Equal(amount) {
			result = append(result, invoice)
		}
	}
	return result
}

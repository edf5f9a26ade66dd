package matcher

import (
	"fmt"

	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/normalize"
	"check-reconciliation-service/pkg/logger"
)

// EdgeCaseHandler handles batch-level problems that would break matching
// invariants, such as repeated invoice numbers or a check scanned twice.
type EdgeCaseHandler struct {
	logger logger.Logger
}

// NewEdgeCaseHandler creates a new edge case handler
func NewEdgeCaseHandler(log logger.Logger) *EdgeCaseHandler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &EdgeCaseHandler{logger: log.WithComponent("edge_cases")}
}

// DuplicateDetectionResult represents the result of duplicate detection
type DuplicateDetectionResult struct {
	Groups []DuplicateGroup
}

// DuplicateGroup represents records that share a key
type DuplicateGroup struct {
	GroupID  string
	Checks   []*models.CheckRecord
	Invoices []*models.InvoiceRecord
	Reason   string
}

// DedupeInvoices keeps the first invoice for each invoice number and drops
// later repeats with a warning. Invoice numbers must be unique within a run.
func (ech *EdgeCaseHandler) DedupeInvoices(invoices []*models.InvoiceRecord) ([]*models.InvoiceRecord, *DuplicateDetectionResult) {
	kept := make([]*models.InvoiceRecord, 0, len(invoices))
	groups := make(map[string]*DuplicateGroup)
	var order []string

	firstSeen := make(map[string]*models.InvoiceRecord)
	for _, invoice := range invoices {
		first, exists := firstSeen[invoice.InvoiceNumber]
		if !exists {
			firstSeen[invoice.InvoiceNumber] = invoice
			kept = append(kept, invoice)
			continue
		}

		group, grouped := groups[invoice.InvoiceNumber]
		if !grouped {
			group = &DuplicateGroup{
				GroupID:  fmt.Sprintf("DUP_%s", invoice.InvoiceNumber),
				Invoices: []*models.InvoiceRecord{first},
			}
			groups[invoice.InvoiceNumber] = group
			order = append(order, invoice.InvoiceNumber)
		}
		group.Invoices = append(group.Invoices, invoice)

		ech.logger.WithField("invoice", invoice.InvoiceNumber).Warn("Duplicate invoice number dropped; first occurrence kept")
	}

	result := &DuplicateDetectionResult{}
	for _, number := range order {
		group := groups[number]
		group.Reason = fmt.Sprintf("Found %d invoices numbered %s", len(group.Invoices), number)
		result.Groups = append(result.Groups, *group)
	}
	return kept, result
}

// FlagDuplicateChecks marks checks sharing check number, drawer and amount
// as needing review. All copies stay in the batch so the reviewer sees them.
func (ech *EdgeCaseHandler) FlagDuplicateChecks(checks []*models.CheckRecord) *DuplicateDetectionResult {
	var groups []DuplicateGroup
	processed := make(map[int]bool)

	for i, c1 := range checks {
		if processed[i] || c1.CheckNumber == "" {
			continue
		}

		duplicates := []*models.CheckRecord{c1}
		for j := i + 1; j < len(checks); j++ {
			if processed[j] {
				continue
			}
			if ech.isPotentialDuplicate(c1, checks[j]) {
				duplicates = append(duplicates, checks[j])
				processed[j] = true
			}
		}

		if len(duplicates) > 1 {
			reason := ech.generateDuplicateReason(duplicates)
			for _, check := range duplicates {
				check.NeedsReview = true
				check.AddNote(reason)
			}
			ech.logger.WithField("check_number", c1.CheckNumber).Warn(reason)
			groups = append(groups, DuplicateGroup{
				GroupID: fmt.Sprintf("DUP_%s", c1.ID),
				Checks:  duplicates,
				Reason:  reason,
			})
		}

		processed[i] = true
	}

	return &DuplicateDetectionResult{Groups: groups}
}

// isPotentialDuplicate checks if two checks look like the same paper check
func (ech *EdgeCaseHandler) isPotentialDuplicate(c1, c2 *models.CheckRecord) bool {
	if c1.CheckNumber != c2.CheckNumber {
		return false
	}
	if !c1.HasValidAmount() || !c2.HasValidAmount() || !c1.Amount.Equal(c2.Amount) {
		return false
	}
	return normalize.SortedName(c1.From) == normalize.SortedName(c2.From)
}

func (ech *EdgeCaseHandler) generateDuplicateReason(checks []*models.CheckRecord) string {
	return fmt.Sprintf("check %s for %s appears %d times in this batch",
		checks[0].CheckNumber, normalize.FormatAmount(checks[0].Amount), len(checks))
}

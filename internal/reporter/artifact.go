package reporter

import (
	"encoding/json"
	"io"
	"time"

	"check-reconciliation-service/internal/extraction"
	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/reanalysis"
	apperrors "check-reconciliation-service/pkg/errors"

	"github.com/shopspring/decimal"
)

// RunInfo identifies the run an artifact belongs to
type RunInfo struct {
	ID            string    `json:"run_id"`
	Status        string    `json:"status,omitempty"`
	BillingSource string    `json:"billing_source,omitempty"`
	ImageDir      string    `json:"image_dir,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// MatchedPayment is one check paired with the invoice it pays
type MatchedPayment struct {
	Check       *models.CheckRecord   `json:"check"`
	Invoice     *models.InvoiceRecord `json:"invoice"`
	Confidence  float64               `json:"confidence"`
	MatchType   matcher.MatchType     `json:"match_type"`
	Reasons     []string              `json:"reasons,omitempty"`
	Discrepancy string                `json:"discrepancy,omitempty"`
}

// ExtractionFailure is a scan that produced no usable check
type ExtractionFailure struct {
	ID          string              `json:"id"`
	SourceImage string              `json:"source_image"`
	Code        apperrors.ErrorCode `json:"code,omitempty"`
	Error       string              `json:"error"`
}

// ArtifactSummary holds the counts and totals shown at the top of reports
type ArtifactSummary struct {
	TotalChecks           int             `json:"total_checks"`
	TotalInvoices         int             `json:"total_invoices"`
	MatchedPayments       int             `json:"matched_payments"`
	UnmatchedChecks       int             `json:"unmatched_checks"`
	UnmatchedInvoices     int             `json:"unmatched_invoices"`
	PendingReview         int             `json:"pending_review"`
	SkippedRecords        int             `json:"skipped_records"`
	ExtractionFailures    int             `json:"extraction_failures"`
	InsufficientConsensus int             `json:"insufficient_consensus"`
	Reanalyzed            int             `json:"reanalyzed"`
	AmountsUpdated        int             `json:"amounts_updated"`
	MatchedAmount         decimal.Decimal `json:"matched_amount"`
	UnmatchedCheckAmount  decimal.Decimal `json:"unmatched_check_amount"`
	UnmatchedInvoiceTotal decimal.Decimal `json:"unmatched_invoice_amount"`
}

// Artifact is the persisted outcome of one run
type Artifact struct {
	RunInfo
	GeneratedAt        time.Time               `json:"generated_at"`
	Mode               matcher.Mode            `json:"mode"`
	Summary            ArtifactSummary         `json:"summary"`
	MatchedPayments    []MatchedPayment        `json:"matched_payments"`
	UnmatchedChecks    []*models.CheckRecord   `json:"unmatched_checks"`
	UnmatchedInvoices  []*models.InvoiceRecord `json:"unmatched_invoices"`
	Skipped            []matcher.SkippedRecord `json:"skipped,omitempty"`
	ExtractionFailures []ExtractionFailure     `json:"extraction_failures,omitempty"`
	Reanalysis         []reanalysis.Outcome    `json:"reanalysis,omitempty"`
	Decisions          []matcher.Decision      `json:"decisions,omitempty"`
}

// BuildArtifact assembles an artifact from a match result and the outcome
// of reviewing it
func BuildArtifact(run RunInfo, result *matcher.Result, outcome matcher.Outcome, decisions []matcher.Decision) *Artifact {
	artifact := &Artifact{
		RunInfo:           run,
		GeneratedAt:       time.Now().UTC(),
		MatchedPayments:   make([]MatchedPayment, 0, len(outcome.Matched)),
		UnmatchedChecks:   make([]*models.CheckRecord, 0, len(outcome.UnmatchedChecks)),
		UnmatchedInvoices: make([]*models.InvoiceRecord, 0, len(outcome.UnmatchedInvoices)),
		Decisions:         decisions,
	}

	for _, m := range outcome.Matched {
		artifact.MatchedPayments = append(artifact.MatchedPayments, MatchedPayment{
			Check:       m.Check,
			Invoice:     m.Invoice,
			Confidence:  m.Confidence,
			MatchType:   m.MatchType,
			Reasons:     m.Reasons,
			Discrepancy: m.Discrepancy,
		})
		artifact.Summary.MatchedAmount = artifact.Summary.MatchedAmount.Add(m.Invoice.Amount)
	}
	for _, c := range outcome.UnmatchedChecks {
		artifact.UnmatchedChecks = append(artifact.UnmatchedChecks, c)
		artifact.Summary.UnmatchedCheckAmount = artifact.Summary.UnmatchedCheckAmount.Add(c.Amount)
	}
	for _, i := range outcome.UnmatchedInvoices {
		artifact.UnmatchedInvoices = append(artifact.UnmatchedInvoices, i)
		artifact.Summary.UnmatchedInvoiceTotal = artifact.Summary.UnmatchedInvoiceTotal.Add(i.Amount)
	}

	if result != nil {
		artifact.Mode = result.Mode
		artifact.Skipped = result.Skipped
		artifact.Summary.TotalChecks = result.Summary.TotalChecks
		artifact.Summary.TotalInvoices = result.Summary.TotalInvoices
		artifact.Summary.SkippedRecords = len(result.Skipped)
	}

	artifact.Summary.MatchedPayments = len(artifact.MatchedPayments)
	artifact.Summary.UnmatchedChecks = len(artifact.UnmatchedChecks)
	artifact.Summary.UnmatchedInvoices = len(artifact.UnmatchedInvoices)
	artifact.Summary.PendingReview = outcome.Pending
	return artifact
}

// AddExtractionFailures records the scans that never became checks
func (a *Artifact) AddExtractionFailures(results []extraction.CheckResult) {
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		failure := ExtractionFailure{
			ID:          r.ID,
			SourceImage: r.SourceImage,
			Error:       r.Err.Error(),
		}
		if rerr, ok := apperrors.AsReconcilerError(r.Err); ok {
			failure.Code = rerr.Code
			if rerr.Category == apperrors.CategoryConsensus {
				a.Summary.InsufficientConsensus++
			}
		}
		a.ExtractionFailures = append(a.ExtractionFailures, failure)
	}
	a.Summary.ExtractionFailures = len(a.ExtractionFailures)
}

// AddReanalysis records what the re-analysis pass did
func (a *Artifact) AddReanalysis(report *reanalysis.Report) {
	if report == nil {
		return
	}
	a.Reanalysis = append(a.Reanalysis, report.Outcomes...)
	a.Summary.Reanalyzed = len(a.Reanalysis)
	a.Summary.AmountsUpdated += report.Updated
}

// WriteJSON writes the artifact as indented JSON
func (a *Artifact) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(a)
}

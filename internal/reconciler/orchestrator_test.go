package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/reanalysis"
	"check-reconciliation-service/internal/review"
	"check-reconciliation-service/internal/store"
	apperrors "check-reconciliation-service/pkg/errors"

	"github.com/shopspring/decimal"
)

var testToday = time.Date(2024, 10, 20, 0, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, source *fakeSource, service *fakeExtraction, config *Config, st *store.Store) *ReconciliationOrchestrator {
	t.Helper()
	components := Components{Billing: source, Loader: fakeLoader{}}
	if service != nil {
		components.Extraction = service
	}
	recon, err := NewReconciliationService(components, config, nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	orchestrator, err := NewReconciliationOrchestrator(recon, st, nil)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	orchestrator.preprocessor.now = func() time.Time { return testToday }
	ids := 0
	orchestrator.newID = func() string {
		ids++
		return "run-" + string(rune('0'+ids))
	}
	return orchestrator
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// residentReviewer accepts the candidate billed to the check's drawer and
// skips everything else
type residentReviewer struct {
	seen int
}

func (r *residentReviewer) Review(ctx context.Context, pending *matcher.CheckCandidates) (matcher.Decision, error) {
	r.seen++
	for _, candidate := range pending.Candidates {
		if candidate.Invoice.ResidentName == pending.Check.From {
			return matcher.Decision{
				CheckID:       pending.Check.ID,
				Action:        matcher.ActionAccept,
				InvoiceNumber: candidate.Invoice.InvoiceNumber,
				DecidedAt:     testToday,
			}, nil
		}
	}
	return matcher.Decision{CheckID: pending.Check.ID, Action: matcher.ActionSkip, DecidedAt: testToday}, nil
}

type stoppingReviewer struct{}

func (stoppingReviewer) Review(ctx context.Context, pending *matcher.CheckCandidates) (matcher.Decision, error) {
	return matcher.Decision{}, review.ErrStopped
}

func TestProcessReconciliation_EndToEnd(t *testing.T) {
	source := &fakeSource{invoices: []*models.InvoiceRecord{
		newInvoice("INV-1", "5490.00", "10/01/2024", "Kurt Elliott"),
		newInvoice("INV-2", "800.00", "10/01/2024", "Ann Lee"),
	}}
	service := newFakeExtraction()
	service.readings["a.png"] = reading("1041", "$5,490.00", "HIGH", "10/02/2024", "Kurt A Elliott and Penny K Elliott")
	service.readings["b.png"] = reading("2203", "$750.00", "LOW", "10/03/2024", "Ann Lee")
	service.rereads["b.png"] = reading("2203", "$800.00", "HIGH", "10/03/2024", "Ann Lee")

	config := DefaultConfig()
	config.Matching = matcher.SingleBestMatchingConfig()
	orchestrator := newTestOrchestrator(t, source, service, config, nil)

	var steps []string
	var last *ReconciliationProgress
	orchestrator.AddProgressCallback(func(p *ReconciliationProgress) {
		if len(steps) == 0 || steps[len(steps)-1] != p.CurrentStep {
			steps = append(steps, p.CurrentStep)
		}
		last = p
	})

	ctx := context.Background()
	result, err := orchestrator.ProcessReconciliation(ctx, &ReconciliationRequest{
		ImageDir: scanDir(t, "a.png", "b.png", "c.png"),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if result.RunID != "run-1" || result.BillingSource != "fake:billing" || result.Stored {
		t.Errorf("unexpected run metadata %+v", result)
	}
	if len(result.Checks) != 2 || result.FailedExtractions() != 1 {
		t.Fatalf("expected 2 checks and 1 failed scan, got %d/%d", len(result.Checks), result.FailedExtractions())
	}

	if result.Reanalysis == nil || result.Reanalysis.Updated != 1 {
		t.Fatalf("expected one re-analysed check, got %+v", result.Reanalysis)
	}
	outcome := result.Reanalysis.Outcomes[0]
	if outcome.CheckID != "b.png" || outcome.Trigger != reanalysis.TriggerLowConfidence || !outcome.Updated {
		t.Errorf("unexpected re-analysis outcome %+v", outcome)
	}
	if !result.Checks[1].Amount.Equal(decimal.NewFromInt(800)) {
		t.Errorf("expected b.png rescored at $800, got %s", result.Checks[1].Amount)
	}

	if len(result.Match.Accepted) != 2 {
		t.Fatalf("expected both checks matched after rescoring, got %d", len(result.Match.Accepted))
	}
	for _, accepted := range result.Match.Accepted {
		if accepted.Check.ID == "b.png" && accepted.Scores.Amount != 1.0 {
			t.Errorf("expected rescored amount score 1.0, got %.2f", accepted.Scores.Amount)
		}
	}

	wantSteps := []string{StepValidate, StepBilling, StepExtract, StepPreprocess, StepMatch, StepReanalyze, StepSave, StepCompleted}
	if len(steps) != len(wantSteps) {
		t.Fatalf("expected steps %v, got %v", wantSteps, steps)
	}
	for i := range wantSteps {
		if steps[i] != wantSteps[i] {
			t.Errorf("step %d: expected %q, got %q", i, wantSteps[i], steps[i])
		}
	}
	if last.PercentComplete != 100 || last.ImagesProcessed != 3 || last.ImagesFailed != 1 || last.InvoicesLoaded != 2 {
		t.Errorf("unexpected final progress %+v", last)
	}
	if len(last.Warnings) != 1 {
		t.Errorf("expected one warning for the failed scan, got %v", last.Warnings)
	}

	artifact, err := orchestrator.Finish(ctx, result, nil)
	if err != nil {
		t.Fatal(err)
	}
	if artifact.Status != string(store.StatusCompleted) {
		t.Errorf("expected completed artifact, got %s", artifact.Status)
	}
	if artifact.Summary.MatchedPayments != 2 || len(artifact.ExtractionFailures) != 1 || len(artifact.Reanalysis) != 1 {
		t.Errorf("unexpected artifact summary %+v", artifact.Summary)
	}
	if artifact.ExtractionFailures[0].ID != "c.png" {
		t.Errorf("expected c.png to be reported, got %+v", artifact.ExtractionFailures[0])
	}
	if !artifact.Summary.MatchedAmount.Equal(decimal.NewFromInt(6290)) {
		t.Errorf("expected matched total 6290, got %s", artifact.Summary.MatchedAmount)
	}
}

func TestProcessReconciliation_Failures(t *testing.T) {
	tests := []struct {
		name     string
		source   *fakeSource
		request  *ReconciliationRequest
		category apperrors.ErrorCategory
	}{
		{
			name:     "billing unavailable",
			source:   &fakeSource{err: errors.New("dial tcp: connection refused")},
			request:  &ReconciliationRequest{ImageDir: "scans"},
			category: apperrors.CategoryBilling,
		},
		{
			name:     "missing image dir",
			source:   &fakeSource{},
			request:  &ReconciliationRequest{},
			category: apperrors.CategoryValidation,
		},
		{
			name:     "unreadable image dir",
			source:   &fakeSource{},
			request:  &ReconciliationRequest{ImageDir: filepath.Join(t.TempDir(), "missing")},
			category: apperrors.CategoryFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orchestrator := newTestOrchestrator(t, tt.source, newFakeExtraction(), nil, nil)
			_, err := orchestrator.ProcessReconciliation(context.Background(), tt.request)
			if !apperrors.HasCategory(err, tt.category) {
				t.Errorf("expected %s error, got %v", tt.category, err)
			}
		})
	}
}

func TestProcessChecks_DropsDuplicateInvoices(t *testing.T) {
	source := &fakeSource{invoices: []*models.InvoiceRecord{
		newInvoice("INV-1", "5490.00", "10/01/2024", "Kurt Elliott"),
		newInvoice("INV-1", "5490.00", "10/01/2024", "Kurt Elliott"),
		newInvoice("INV-2", "800.00", "10/01/2024", "Ann Lee"),
	}}
	orchestrator := newTestOrchestrator(t, source, nil, nil, nil)

	checks := []*models.CheckRecord{
		models.NewCheckRecord("a", "", reading("1041", "$5,490.00", "HIGH", "10/02/2024", "Kurt Elliott")),
		models.NewCheckRecord("a-rescan", "", reading("1041", "$5,490.00", "HIGH", "10/02/2024", "Kurt Elliott")),
	}
	result, err := orchestrator.ProcessChecks(context.Background(), &ReconciliationRequest{}, checks)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Invoices) != 2 || result.Preprocessing.DuplicateInvoicesDropped != 1 {
		t.Errorf("expected one duplicate invoice dropped, got %+v", result.Preprocessing)
	}
	if result.Preprocessing.DuplicateCheckGroups != 1 || !checks[1].NeedsReview {
		t.Errorf("expected rescanned check flagged, got %+v", result.Preprocessing)
	}
	if result.Reanalysis != nil {
		t.Error("expected no re-analysis without an extraction service")
	}
}

func TestReview_InMemory(t *testing.T) {
	source := &fakeSource{invoices: []*models.InvoiceRecord{
		newInvoice("INV-1", "5490.00", "10/01/2024", "Kurt Elliott"),
		newInvoice("INV-2", "5490.00", "10/01/2024", "Penny Elliott"),
	}}
	orchestrator := newTestOrchestrator(t, source, nil, nil, nil)

	checks := []*models.CheckRecord{
		models.NewCheckRecord("a", "", reading("1041", "$5,490.00", "HIGH", "10/02/2024", "Kurt Elliott")),
		models.NewCheckRecord("b", "", reading("1042", "$5,490.00", "HIGH", "10/02/2024", "Penny Elliott")),
	}
	ctx := context.Background()
	result, err := orchestrator.ProcessChecks(ctx, &ReconciliationRequest{}, checks)
	if err != nil {
		t.Fatal(err)
	}

	reviewer := &residentReviewer{}
	reviewed, err := orchestrator.Review(ctx, result, reviewer)
	if err != nil {
		t.Fatal(err)
	}
	if reviewer.seen != 2 || reviewed.Stopped || reviewed.Outcome.Pending != 0 {
		t.Errorf("unexpected review %+v (seen %d)", reviewed, reviewer.seen)
	}
	if len(reviewed.Outcome.Matched) != 2 || len(reviewed.Decisions) != 2 {
		t.Errorf("expected 2 matches, got %+v", reviewed.Outcome)
	}
}

func TestReview_StoredRunCanBeResumed(t *testing.T) {
	st := openStore(t)
	source := &fakeSource{invoices: []*models.InvoiceRecord{
		newInvoice("INV-1", "5490.00", "10/01/2024", "Kurt Elliott"),
		newInvoice("INV-2", "5490.00", "10/01/2024", "Penny Elliott"),
	}}
	orchestrator := newTestOrchestrator(t, source, nil, nil, st)

	checks := []*models.CheckRecord{
		models.NewCheckRecord("a", "", reading("1041", "$5,490.00", "HIGH", "10/02/2024", "Kurt Elliott")),
		models.NewCheckRecord("b", "", reading("1042", "$5,490.00", "HIGH", "10/02/2024", "Penny Elliott")),
	}
	ctx := context.Background()
	result, err := orchestrator.ProcessChecks(ctx, &ReconciliationRequest{}, checks)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Stored {
		t.Fatal("expected run to be stored")
	}

	artifact, err := orchestrator.Finish(ctx, result, stoppingReviewer{})
	if err != nil {
		t.Fatalf("stopping the reviewer should not fail the run: %v", err)
	}
	if artifact.Status != string(store.StatusPending) || artifact.Summary.PendingReview != 2 {
		t.Errorf("expected 2 checks pending, got %+v", artifact.Summary)
	}

	run, reviewed, err := orchestrator.ResumeReview(ctx, result.RunID, &residentReviewer{})
	if err != nil {
		t.Fatal(err)
	}
	if reviewed.Outcome.Pending != 0 || len(reviewed.Outcome.Matched) != 2 {
		t.Errorf("unexpected resumed outcome %+v", reviewed.Outcome)
	}
	if run.Status != store.StatusCompleted {
		t.Errorf("expected run completed, got %s", run.Status)
	}

	if _, _, err := orchestrator.ResumeReview(ctx, "nope", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResumeReview_RequiresStore(t *testing.T) {
	orchestrator := newTestOrchestrator(t, &fakeSource{}, nil, nil, nil)
	_, _, err := orchestrator.ResumeReview(context.Background(), "run-1", nil)
	if !apperrors.HasCategory(err, apperrors.CategoryConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestNewReconciliationOrchestrator_NilService(t *testing.T) {
	if _, err := NewReconciliationOrchestrator(nil, nil, nil); !apperrors.HasCategory(err, apperrors.CategoryValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestNewReviewOrchestrator(t *testing.T) {
	if _, err := NewReviewOrchestrator(nil, nil); !apperrors.HasCategory(err, apperrors.CategoryConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}

	orchestrator, err := NewReviewOrchestrator(openStore(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = orchestrator.ProcessReconciliation(context.Background(), &ReconciliationRequest{ImageDir: t.TempDir()})
	if !apperrors.HasCategory(err, apperrors.CategoryConfiguration) {
		t.Errorf("expected configuration error without a service, got %v", err)
	}
	_, _, err = orchestrator.ResumeReview(context.Background(), "missing", nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

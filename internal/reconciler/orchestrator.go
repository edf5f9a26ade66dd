// Package reconciler coordinates a complete check reconciliation run.
//
// A run fetches the outstanding invoices, reads every check scan in a
// folder, flags batch-level problems, matches checks to invoices, re-reads
// doubtful checks and rescores them, and finally hands the candidate lists
// to a human reviewer. The outcome is rendered as a run artifact.
//
// Example usage:
//
//	orchestrator := reconciler.NewReconciliationOrchestrator(service, st, log)
//	orchestrator.AddProgressCallback(func(p *reconciler.ReconciliationProgress) {
//		fmt.Printf("%.0f%% %s\n", p.PercentComplete, p.CurrentStep)
//	})
//
//	result, err := orchestrator.ProcessReconciliation(ctx, &reconciler.ReconciliationRequest{ImageDir: "scans"})
//	if err != nil {
//		return err
//	}
//	artifact, err := orchestrator.Finish(ctx, result, reviewer)
package reconciler

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"check-reconciliation-service/internal/extraction"
	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/reanalysis"
	"check-reconciliation-service/internal/reporter"
	"check-reconciliation-service/internal/review"
	"check-reconciliation-service/internal/store"
	"check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"

	"github.com/google/uuid"
)

// Pipeline steps, in order
const (
	StepValidate   = "Validating request"
	StepBilling    = "Fetching billing records"
	StepExtract    = "Reading check images"
	StepPreprocess = "Checking batch for duplicates"
	StepMatch      = "Matching checks to invoices"
	StepReanalyze  = "Re-reading doubtful checks"
	StepSave       = "Saving run"
	StepCompleted  = "Completed"

	totalSteps = 7
)

// ReconciliationOrchestrator sequences the stages of a run, reports progress
// and, when a store is configured, persists the run for later review.
type ReconciliationOrchestrator struct {
	service      *ReconciliationService
	preprocessor *DataPreprocessor
	store        *store.Store
	logger       logger.Logger
	newID        func() string

	progressCallbacks []ProgressCallback
	currentProgress   *ReconciliationProgress
	progressMutex     sync.RWMutex
}

// ReconciliationProgress tracks the progress of a run
type ReconciliationProgress struct {
	TotalSteps      int           `json:"total_steps"`
	CompletedSteps  int           `json:"completed_steps"`
	CurrentStep     string        `json:"current_step"`
	PercentComplete float64       `json:"percent_complete"`
	StartTime       time.Time     `json:"start_time"`
	ElapsedTime     time.Duration `json:"elapsed_time"`

	InvoicesLoaded  int `json:"invoices_loaded"`
	ImagesTotal     int `json:"images_total"`
	ImagesProcessed int `json:"images_processed"`
	ImagesFailed    int `json:"images_failed"`
	ChecksMatched   int `json:"checks_matched"`
	ChecksReread    int `json:"checks_reread"`

	Warnings []string `json:"warnings,omitempty"`
}

// ProgressCallback is called with a snapshot of the run's progress
type ProgressCallback func(*ReconciliationProgress)

// RunResult is everything a run produced before human review
type RunResult struct {
	RunID         string                   `json:"run_id"`
	BillingSource string                   `json:"billing_source"`
	ImageDir      string                   `json:"image_dir"`
	CreatedAt     time.Time                `json:"created_at"`
	Invoices      []*models.InvoiceRecord  `json:"invoices"`
	Checks        []*models.CheckRecord    `json:"checks"`
	Extractions   []extraction.CheckResult `json:"-"`
	Preprocessing PreprocessingStats       `json:"preprocessing"`
	Match         *matcher.Result          `json:"match"`
	Reanalysis    *reanalysis.Report       `json:"reanalysis,omitempty"`
	Stored        bool                     `json:"stored"`
	Elapsed       time.Duration            `json:"elapsed"`
}

// FailedExtractions counts scans that did not become checks
func (r *RunResult) FailedExtractions() int {
	failed := 0
	for _, res := range r.Extractions {
		if res.Err != nil {
			failed++
		}
	}
	return failed
}

// ReviewResult is the state of a run after a review pass
type ReviewResult struct {
	Outcome   matcher.Outcome    `json:"outcome"`
	Decisions []matcher.Decision `json:"decisions"`
	Stopped   bool               `json:"stopped"`
}

// NewReconciliationOrchestrator creates a new orchestrator. st may be nil,
// in which case review happens in memory only.
func NewReconciliationOrchestrator(service *ReconciliationService, st *store.Store, log logger.Logger) (*ReconciliationOrchestrator, error) {
	if service == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "reconciliation_service", nil, nil).
			WithSuggestion("Provide a valid ReconciliationService instance")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &ReconciliationOrchestrator{
		service:         service,
		preprocessor:    NewDataPreprocessor(service.config.Preprocessing, log),
		store:           st,
		logger:          log.WithComponent("reconciliation_orchestrator"),
		newID:           uuid.NewString,
		currentProgress: &ReconciliationProgress{TotalSteps: totalSteps},
	}, nil
}

// NewReviewOrchestrator creates an orchestrator that can only review runs
// already in st. It has no billing or extraction service.
func NewReviewOrchestrator(st *store.Store, log logger.Logger) (*ReconciliationOrchestrator, error) {
	if st == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "store.path", nil,
			stderrors.New("reviewing a saved run needs a run store"))
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ReconciliationOrchestrator{
		store:           st,
		logger:          log.WithComponent("reconciliation_orchestrator"),
		newID:           uuid.NewString,
		currentProgress: &ReconciliationProgress{TotalSteps: totalSteps},
	}, nil
}

// AddProgressCallback adds a progress callback function
func (ro *ReconciliationOrchestrator) AddProgressCallback(callback ProgressCallback) {
	ro.progressCallbacks = append(ro.progressCallbacks, callback)
}

// GetProgress returns a snapshot of the current progress
func (ro *ReconciliationOrchestrator) GetProgress() *ReconciliationProgress {
	ro.progressMutex.RLock()
	defer ro.progressMutex.RUnlock()
	snapshot := *ro.currentProgress
	snapshot.Warnings = append([]string(nil), ro.currentProgress.Warnings...)
	return &snapshot
}

// ProcessReconciliation runs every stage from billing fetch to rescoring.
// Only a billing failure, an unreadable image folder or cancellation abort
// the run; individual check failures are carried in the result.
func (ro *ReconciliationOrchestrator) ProcessReconciliation(ctx context.Context, request *ReconciliationRequest) (*RunResult, error) {
	return ro.process(ctx, request, nil)
}

// ProcessChecks runs the pipeline for checks that were already extracted,
// for example loaded from an earlier run's artifact.
func (ro *ReconciliationOrchestrator) ProcessChecks(ctx context.Context, request *ReconciliationRequest, checks []*models.CheckRecord) (*RunResult, error) {
	if checks == nil {
		checks = []*models.CheckRecord{}
	}
	return ro.process(ctx, request, checks)
}

func (ro *ReconciliationOrchestrator) process(ctx context.Context, request *ReconciliationRequest, checks []*models.CheckRecord) (*RunResult, error) {
	if ro.service == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "reconciliation_service", nil,
			stderrors.New("orchestrator was created for review only"))
	}
	ro.initializeProgress()
	startTime := time.Now()

	result := &RunResult{
		RunID:         ro.newID(),
		BillingSource: ro.service.BillingSource(),
		ImageDir:      request.ImageDir,
		CreatedAt:     startTime.UTC(),
	}
	log := ro.logger.WithField("run_id", result.RunID)
	log.WithFields(logger.Fields{
		"image_dir": request.ImageDir,
		"billing":   result.BillingSource,
	}).Info("Starting reconciliation run")

	ro.updateProgress(StepValidate, 0)
	if checks == nil {
		if err := request.Validate(); err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidConfig, "reconciliation_request", request, err).
				WithSuggestion("Pass the folder that holds the check scans")
		}
	}

	ro.updateProgress(StepBilling, 1)
	batch, err := ro.service.FetchInvoices(ctx, request.Query())
	if err != nil {
		log.WithError(err).Error("Billing fetch failed; run aborted")
		return nil, err
	}
	ro.withProgress(func(p *ReconciliationProgress) { p.InvoicesLoaded = len(batch.Invoices) })

	ro.updateProgress(StepExtract, 2)
	if checks == nil {
		checks, result.Extractions, err = ro.extract(ctx, request.ImageDir)
		if err != nil {
			log.WithError(err).Error("Check extraction failed")
			return nil, err
		}
	}
	result.Checks = checks

	ro.updateProgress(StepPreprocess, 3)
	result.Invoices = ro.preprocessor.PreprocessInvoices(batch.Invoices, &result.Preprocessing)
	ro.preprocessor.PreprocessChecks(result.Checks, &result.Preprocessing)

	ro.updateProgress(StepMatch, 4)
	result.Match = ro.service.Match(result.Checks, result.Invoices)

	ro.updateProgress(StepReanalyze, 5)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result.Reanalysis = ro.service.Reanalyze(ctx, result.Checks, result.Invoices)
	if result.Reanalysis != nil {
		ro.withProgress(func(p *ReconciliationProgress) { p.ChecksReread = len(result.Reanalysis.Outcomes) })
		if result.Reanalysis.Updated > 0 {
			log.WithField("updated", result.Reanalysis.Updated).Info("Re-analysis changed amounts; rescoring")
			result.Match = ro.service.Match(result.Checks, result.Invoices)
		}
	}
	ro.withProgress(func(p *ReconciliationProgress) { p.ChecksMatched = result.Match.Summary.ChecksWithMatches })

	ro.updateProgress(StepSave, 6)
	if ro.store != nil {
		if err := ro.store.SaveRun(ctx, ro.storedRun(result)); err != nil {
			log.WithError(err).Error("Failed to save run")
			return nil, err
		}
		result.Stored = true
	}

	result.Elapsed = time.Since(startTime)
	ro.updateProgress(StepCompleted, totalSteps)
	log.WithFields(logger.Fields{
		"checks":       len(result.Checks),
		"invoices":     len(result.Invoices),
		"with_matches": result.Match.Summary.ChecksWithMatches,
		"failed_scans": result.FailedExtractions(),
		"elapsed":      result.Elapsed.String(),
	}).Info("Reconciliation run processed")

	return result, nil
}

func (ro *ReconciliationOrchestrator) extract(ctx context.Context, dir string) ([]*models.CheckRecord, []extraction.CheckResult, error) {
	paths, err := extraction.ListImages(dir)
	if err != nil {
		return nil, nil, err
	}
	ro.withProgress(func(p *ReconciliationProgress) { p.ImagesTotal = len(paths) })

	tracker := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: "extract_checks",
		Total:     int64(len(paths)),
		Logger:    ro.logger,
	})
	checks, results, err := ro.service.ExtractChecks(ctx, dir, func(res extraction.CheckResult) {
		if res.Err != nil {
			tracker.IncrementFailed()
		} else {
			tracker.Increment()
		}
		ro.withProgress(func(p *ReconciliationProgress) {
			p.ImagesProcessed++
			if res.Err != nil {
				p.ImagesFailed++
				p.Warnings = append(p.Warnings, res.ID+": "+res.Err.Error())
			}
		})
		ro.notify()
	})
	tracker.Complete()
	return checks, results, err
}

func (ro *ReconciliationOrchestrator) storedRun(result *RunResult) *store.Run {
	return &store.Run{
		ID:            result.RunID,
		CreatedAt:     result.CreatedAt,
		Status:        store.StatusPending,
		BillingSource: result.BillingSource,
		ImageDir:      result.ImageDir,
		Result:        result.Match,
		Invoices:      result.Invoices,
	}
}

// Review hands the pending checks of result to reviewer. A nil reviewer
// leaves every check pending. Stopping the reviewer keeps the decisions made
// so far; a stored run can be resumed later.
func (ro *ReconciliationOrchestrator) Review(ctx context.Context, result *RunResult, reviewer matcher.Reviewer) (*ReviewResult, error) {
	if result.Stored {
		return ro.reviewStored(ctx, result.RunID, reviewer)
	}

	session := matcher.NewReviewSession(result.Match, result.Invoices)
	reviewed := &ReviewResult{}
	if reviewer != nil {
		if err := session.Run(ctx, reviewer); err != nil {
			if !stderrors.Is(err, review.ErrStopped) {
				return nil, err
			}
			reviewed.Stopped = true
		}
	}
	reviewed.Outcome = session.Outcome()
	reviewed.Decisions = session.Decisions()
	return reviewed, nil
}

// ResumeReview continues reviewing a stored run
func (ro *ReconciliationOrchestrator) ResumeReview(ctx context.Context, runID string, reviewer matcher.Reviewer) (*store.Run, *ReviewResult, error) {
	if ro.store == nil {
		return nil, nil, errors.ConfigurationError(errors.CodeMissingConfig, "store.path", nil,
			stderrors.New("resuming a review needs a run store"))
	}
	reviewed, err := ro.reviewStored(ctx, runID, reviewer)
	if err != nil {
		return nil, nil, err
	}
	run, err := ro.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, reviewed, nil
}

func (ro *ReconciliationOrchestrator) reviewStored(ctx context.Context, runID string, reviewer matcher.Reviewer) (*ReviewResult, error) {
	session, err := ro.store.OpenSession(ctx, runID)
	if err != nil {
		return nil, err
	}

	reviewed := &ReviewResult{}
	if reviewer != nil {
		if err := session.Review(ctx, reviewer); err != nil {
			if !stderrors.Is(err, review.ErrStopped) {
				return nil, err
			}
			reviewed.Stopped = true
		}
	}

	outcome, err := session.Outcome(ctx)
	if err != nil {
		return nil, err
	}
	reviewed.Outcome = outcome
	reviewed.Decisions = session.Decisions()

	if outcome.Pending == 0 && session.Run().Status == store.StatusPending {
		if err := ro.store.SetStatus(ctx, runID, store.StatusCompleted); err != nil {
			return nil, err
		}
	}
	ro.logger.WithFields(logger.Fields{
		"run_id":    runID,
		"decisions": len(reviewed.Decisions),
		"pending":   outcome.Pending,
	}).Info("Review pass finished")
	return reviewed, nil
}

// Finish reviews result and builds its artifact
func (ro *ReconciliationOrchestrator) Finish(ctx context.Context, result *RunResult, reviewer matcher.Reviewer) (*reporter.Artifact, error) {
	reviewed, err := ro.Review(ctx, result, reviewer)
	if err != nil {
		return nil, err
	}
	return BuildArtifact(result, reviewed), nil
}

// BuildArtifact renders a processed and reviewed run as an artifact
func BuildArtifact(result *RunResult, reviewed *ReviewResult) *reporter.Artifact {
	status := store.StatusCompleted
	if reviewed.Outcome.Pending > 0 {
		status = store.StatusPending
	}

	artifact := reporter.BuildArtifact(reporter.RunInfo{
		ID:            result.RunID,
		Status:        string(status),
		BillingSource: result.BillingSource,
		ImageDir:      result.ImageDir,
		CreatedAt:     result.CreatedAt,
	}, result.Match, reviewed.Outcome, reviewed.Decisions)
	artifact.AddExtractionFailures(result.Extractions)
	artifact.AddReanalysis(result.Reanalysis)
	return artifact
}

// initializeProgress resets the progress tracking for a new run
func (ro *ReconciliationOrchestrator) initializeProgress() {
	ro.progressMutex.Lock()
	defer ro.progressMutex.Unlock()
	ro.currentProgress = &ReconciliationProgress{
		TotalSteps: totalSteps,
		StartTime:  time.Now(),
	}
}

// updateProgress moves to a new step and notifies callbacks
func (ro *ReconciliationOrchestrator) updateProgress(step string, completed int) {
	ro.withProgress(func(p *ReconciliationProgress) {
		p.CurrentStep = step
		p.CompletedSteps = completed
		p.PercentComplete = float64(completed) / float64(p.TotalSteps) * 100
	})
	ro.logger.WithField("step", step).Debug("Run step")
	ro.notify()
}

func (ro *ReconciliationOrchestrator) withProgress(fn func(*ReconciliationProgress)) {
	ro.progressMutex.Lock()
	defer ro.progressMutex.Unlock()
	fn(ro.currentProgress)
	ro.currentProgress.ElapsedTime = time.Since(ro.currentProgress.StartTime)
}

func (ro *ReconciliationOrchestrator) notify() {
	if len(ro.progressCallbacks) == 0 {
		return
	}
	snapshot := ro.GetProgress()
	for _, callback := range ro.progressCallbacks {
		callback(snapshot)
	}
}

// Package store persists reconciliation runs, their candidate lists and
// review decisions in SQLite so that review can resume in a later process.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/models"
	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// Status is the lifecycle state of a stored run
type Status string

const (
	StatusPending   Status = "pending_review"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("run not found")

// Run is everything needed to resume review of one reconciliation run
type Run struct {
	ID            string                  `json:"id"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	Status        Status                  `json:"status"`
	BillingSource string                  `json:"billing_source"`
	ImageDir      string                  `json:"image_dir"`
	Result        *matcher.Result         `json:"result"`
	Invoices      []*models.InvoiceRecord `json:"invoices"`
}

// RunSummary is a row in the run listing
type RunSummary struct {
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	Status        Status          `json:"status"`
	Mode          matcher.Mode    `json:"mode"`
	BillingSource string          `json:"billing_source"`
	Summary       matcher.Summary `json:"summary"`
	Decisions     int             `json:"decisions"`
}

// Store is a SQLite-backed run repository. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

// Open opens or creates the database file at path and applies pending
// migrations.
func Open(ctx context.Context, path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, apperrors.InternalError(apperrors.CodeStorageError, "open store", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, apperrors.InternalError(apperrors.CodeStorageError, "enable foreign keys", err)
	}

	s := &Store{db: db, logger: log.WithComponent("store"), now: time.Now}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, apperrors.InternalError(apperrors.CodeStorageError, "migrate store", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts a run with its candidate lists. Single-best runs arrive
// already decided, so their accepted pairs are stored as decisions.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	if run.Result == nil {
		return apperrors.ValidationError(apperrors.CodeMissingField, "result", nil, fmt.Errorf("run %s has no result", run.ID))
	}
	now := s.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = StatusPending
	}

	summaryJSON, err := json.Marshal(run.Result.Summary)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeStorageError, "encode summary", err)
	}
	skippedJSON, err := json.Marshal(run.Result.Skipped)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeStorageError, "encode skipped records", err)
	}
	invoicesJSON, err := json.Marshal(run.Invoices)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeStorageError, "encode invoices", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeStorageError, "begin save run", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, updated_at, status, mode, billing_source, image_dir,
		                  summary_json, skipped_json, invoices_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt, run.UpdatedAt, string(run.Status), string(run.Result.Mode),
		run.BillingSource, run.ImageDir, string(summaryJSON), string(skippedJSON), string(invoicesJSON),
	); err != nil {
		return apperrors.InternalError(apperrors.CodeStorageError, "insert run", err).WithContext("run", run.ID)
	}

	for i, entry := range run.Result.Checks {
		checkJSON, err := json.Marshal(entry.Check)
		if err != nil {
			return apperrors.InternalError(apperrors.CodeStorageError, "encode check", err).WithContext("check", entry.Check.ID)
		}
		candidatesJSON, err := json.Marshal(entry.Candidates)
		if err != nil {
			return apperrors.InternalError(apperrors.CodeStorageError, "encode candidates", err).WithContext("check", entry.Check.ID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_checks (run_id, check_id, position, check_json, candidates_json)
			VALUES (?, ?, ?, ?, ?)`,
			run.ID, entry.Check.ID, i, string(checkJSON), string(candidatesJSON),
		); err != nil {
			return apperrors.InternalError(apperrors.CodeStorageError, "insert check", err).WithContext("check", entry.Check.ID)
		}
	}

	for _, candidate := range run.Result.Accepted {
		decision := matcher.Decision{
			CheckID:       candidate.Check.ID,
			Action:        matcher.ActionAccept,
			InvoiceNumber: candidate.Invoice.InvoiceNumber,
			DecidedAt:     now,
		}
		if err := insertDecision(ctx, tx, run.ID, decision); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.InternalError(apperrors.CodeStorageError, "commit run", err)
	}

	s.logger.WithFields(logger.Fields{
		"run":    run.ID,
		"checks": len(run.Result.Checks),
		"mode":   run.Result.Mode,
	}).Info("Saved run")
	return nil
}

// LoadRun restores a run. Candidates are relinked to their check and to the
// run's invoice records so that pointer identity holds as it did in memory.
func (s *Store) LoadRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{ID: id, Result: &matcher.Result{}}
	var status, mode, summaryJSON, skippedJSON, invoicesJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT created_at, updated_at, status, mode, billing_source, image_dir,
		       summary_json, skipped_json, invoices_json
		FROM runs WHERE id = ?`, id,
	).Scan(&run.CreatedAt, &run.UpdatedAt, &status, &mode, &run.BillingSource, &run.ImageDir,
		&summaryJSON, &skippedJSON, &invoicesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperrors.InternalError(apperrors.CodeStorageError, "load run", err).WithContext("run", id)
	}

	run.Status = Status(status)
	run.Result.Mode = matcher.Mode(mode)
	if err := decodeJSON(summaryJSON, &run.Result.Summary); err != nil {
		return nil, err
	}
	if err := decodeJSON(skippedJSON, &run.Result.Skipped); err != nil {
		return nil, err
	}
	if err := decodeJSON(invoicesJSON, &run.Invoices); err != nil {
		return nil, err
	}

	byNumber := make(map[string]*models.InvoiceRecord, len(run.Invoices))
	for _, invoice := range run.Invoices {
		byNumber[invoice.InvoiceNumber] = invoice
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT check_json, candidates_json FROM run_checks
		WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, apperrors.InternalError(apperrors.CodeStorageError, "load checks", err).WithContext("run", id)
	}
	defer rows.Close()

	listed := make(map[string]bool)
	for rows.Next() {
		var checkJSON, candidatesJSON string
		if err := rows.Scan(&checkJSON, &candidatesJSON); err != nil {
			return nil, apperrors.InternalError(apperrors.CodeStorageError, "scan check", err)
		}

		entry := &matcher.CheckCandidates{Check: &models.CheckRecord{}}
		if err := decodeJSON(checkJSON, entry.Check); err != nil {
			return nil, err
		}
		if err := decodeJSON(candidatesJSON, &entry.Candidates); err != nil {
			return nil, err
		}
		for _, candidate := range entry.Candidates {
			candidate.Check = entry.Check
			if invoice, ok := byNumber[candidate.Invoice.InvoiceNumber]; ok {
				candidate.Invoice = invoice
			}
			listed[candidate.Invoice.InvoiceNumber] = true
		}

		run.Result.Checks = append(run.Result.Checks, entry)
		if len(entry.Candidates) == 0 {
			run.Result.UnmatchedChecks = append(run.Result.UnmatchedChecks, entry.Check)
		} else if run.Result.Mode == matcher.ModeSingleBest {
			run.Result.Accepted = append(run.Result.Accepted, entry.Candidates[0])
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.InternalError(apperrors.CodeStorageError, "iterate checks", err)
	}

	for _, invoice := range run.Invoices {
		if !listed[invoice.InvoiceNumber] {
			run.Result.UnmatchedInvoices = append(run.Result.UnmatchedInvoices, invoice)
		}
	}
	return run, nil
}

// ListRuns returns the most recent runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.created_at, r.status, r.mode, r.billing_source, r.summary_json,
		       (SELECT COUNT(*) FROM decisions d WHERE d.run_id = r.id)
		FROM runs r ORDER BY r.created_at DESC, r.id LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.InternalError(apperrors.CodeStorageError, "list runs", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var summary RunSummary
		var status, mode, summaryJSON string
		if err := rows.Scan(&summary.ID, &summary.CreatedAt, &status, &mode, &summary.BillingSource,
			&summaryJSON, &summary.Decisions); err != nil {
			return nil, apperrors.InternalError(apperrors.CodeStorageError, "scan run", err)
		}
		summary.Status = Status(status)
		summary.Mode = matcher.Mode(mode)
		if err := decodeJSON(summaryJSON, &summary.Summary); err != nil {
			return nil, err
		}
		runs = append(runs, summary)
	}
	return runs, rows.Err()
}

// SetStatus updates the lifecycle state of a run
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UTC(), id)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeStorageError, "update run status", err).WithContext("run", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.InternalError(apperrors.CodeStorageError, "update run status", err).WithContext("run", id)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// SaveDecision records one review decision. A second decision for the same
// check, or a second acceptance of the same invoice, is a review conflict.
func (s *Store) SaveDecision(ctx context.Context, runID string, decision matcher.Decision) error {
	if err := insertDecision(ctx, s.db, runID, decision); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, s.now().UTC(), runID); err != nil {
		s.logger.WithError(err).WithField("run", runID).Warn("Failed to touch run after saving decision")
	}
	return nil
}

// Decisions returns the decisions of a run in the order they were made
func (s *Store) Decisions(ctx context.Context, runID string) ([]matcher.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT check_id, action, COALESCE(invoice_number, ''), decided_at
		FROM decisions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, apperrors.InternalError(apperrors.CodeStorageError, "load decisions", err).WithContext("run", runID)
	}
	defer rows.Close()

	var decisions []matcher.Decision
	for rows.Next() {
		var d matcher.Decision
		var action string
		if err := rows.Scan(&d.CheckID, &action, &d.InvoiceNumber, &d.DecidedAt); err != nil {
			return nil, apperrors.InternalError(apperrors.CodeStorageError, "scan decision", err)
		}
		d.Action = matcher.Action(action)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertDecision(ctx context.Context, db execer, runID string, decision matcher.Decision) error {
	var invoice interface{}
	if decision.Action == matcher.ActionAccept {
		invoice = decision.InvoiceNumber
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO decisions (run_id, check_id, action, invoice_number, decided_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, decision.CheckID, string(decision.Action), invoice, decision.DecidedAt.UTC())
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return apperrors.New(apperrors.CategoryValidation, apperrors.CodeReviewConflict,
				fmt.Sprintf("check %s or invoice %s was already decided in run %s", decision.CheckID, decision.InvoiceNumber, runID)).
				WithContext("run", runID).
				WithContext("check", decision.CheckID)
		case sqlite3.ErrConstraintForeignKey:
			return notFound(runID)
		}
	}
	return apperrors.InternalError(apperrors.CodeStorageError, "insert decision", err).WithContext("run", runID)
}

func decodeJSON(data string, v interface{}) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return apperrors.InternalError(apperrors.CodeStorageError, "decode stored run", err)
	}
	return nil
}

func notFound(id string) error {
	return apperrors.Wrap(ErrNotFound, apperrors.CategoryValidation, apperrors.CodeMissingField,
		fmt.Sprintf("run %s does not exist", id)).WithContext("run", id)
}

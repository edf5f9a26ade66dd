package store

import (
	"context"
	"fmt"
	"sync"

	"check-reconciliation-service/internal/matcher"
	apperrors "check-reconciliation-service/pkg/errors"
)

// Session is a review session whose decisions are written through to the
// store. Before each decision it replays decisions made by other sessions
// on the same run, so an invoice accepted elsewhere disappears from this
// session's pending lists.
type Session struct {
	mu      sync.Mutex
	store   *Store
	run     *Run
	review  *matcher.ReviewSession
	applied map[string]bool
}

// OpenSession loads a run and replays its stored decisions
func (s *Store) OpenSession(ctx context.Context, runID string) (*Session, error) {
	run, err := s.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	session := &Session{
		store:   s,
		run:     run,
		review:  matcher.NewReviewSession(run.Result, run.Invoices),
		applied: make(map[string]bool),
	}
	for _, d := range session.review.Decisions() {
		session.applied[d.CheckID] = true
	}
	if err := session.sync(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// Run returns the loaded run
func (s *Session) Run() *Run {
	return s.run
}

// Pending returns checks still awaiting a decision
func (s *Session) Pending(ctx context.Context) ([]*matcher.CheckCandidates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	return s.review.Pending(), nil
}

// Candidates returns the current candidate list for one check
func (s *Session) Candidates(ctx context.Context, checkID string) (*matcher.CheckCandidates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	return s.review.Candidates(checkID)
}

// Accept validates and persists an acceptance
func (s *Session) Accept(ctx context.Context, checkID, invoiceNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		return err
	}
	if err := s.review.Accept(checkID, invoiceNumber); err != nil {
		return err
	}
	return s.persistLast(ctx, checkID)
}

// Skip validates and persists a skip
func (s *Session) Skip(ctx context.Context, checkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		return err
	}
	if err := s.review.Skip(checkID); err != nil {
		return err
	}
	return s.persistLast(ctx, checkID)
}

// Review presents each pending check to reviewer until none remain. Every
// decision is stored as soon as it is made, so an interrupted review can be
// resumed with OpenSession.
func (s *Session) Review(ctx context.Context, reviewer matcher.Reviewer) error {
	for {
		pending, err := s.Pending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		next := pending[0]
		decision, err := reviewer.Review(ctx, next)
		if err != nil {
			return err
		}

		if decision.Action == matcher.ActionAccept {
			err = s.Accept(ctx, next.Check.ID, decision.InvoiceNumber)
		} else {
			err = s.Skip(ctx, next.Check.ID)
		}
		if err != nil && !isConflict(err) {
			return err
		}
		// a conflict means another session decided first; the next sync picks it up
	}
}

// Outcome classifies every check and invoice after the decisions so far
func (s *Session) Outcome(ctx context.Context) (matcher.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		return matcher.Outcome{}, err
	}
	return s.review.Outcome(), nil
}

// Decisions returns the decisions applied to this session in order
func (s *Session) Decisions() []matcher.Decision {
	return s.review.Decisions()
}

// persistLast stores the decision just recorded in memory. When the write
// loses a race with another session the in-memory session is rebuilt from
// the store.
func (s *Session) persistLast(ctx context.Context, checkID string) error {
	decisions := s.review.Decisions()
	last := decisions[len(decisions)-1]
	if last.CheckID != checkID {
		return apperrors.InternalError(apperrors.CodeDataInconsistent, "persist decision",
			fmt.Errorf("expected decision for %s, got %s", checkID, last.CheckID))
	}

	if err := s.store.SaveDecision(ctx, s.run.ID, last); err != nil {
		if isConflict(err) {
			if rerr := s.reload(ctx); rerr != nil {
				return rerr
			}
		}
		return err
	}
	s.applied[checkID] = true
	return nil
}

// sync replays stored decisions this session has not seen yet
func (s *Session) sync(ctx context.Context) error {
	stored, err := s.store.Decisions(ctx, s.run.ID)
	if err != nil {
		return err
	}

	var fresh []matcher.Decision
	for _, d := range stored {
		if !s.applied[d.CheckID] {
			fresh = append(fresh, d)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := s.review.Apply(fresh); err != nil {
		return err
	}
	for _, d := range fresh {
		s.applied[d.CheckID] = true
	}
	return nil
}

func (s *Session) reload(ctx context.Context) error {
	s.review = matcher.NewReviewSession(s.run.Result, s.run.Invoices)
	s.applied = make(map[string]bool)
	for _, d := range s.review.Decisions() {
		s.applied[d.CheckID] = true
	}
	return s.sync(ctx)
}

func isConflict(err error) bool {
	rerr, ok := apperrors.AsReconcilerError(err)
	return ok && rerr.Code == apperrors.CodeReviewConflict
}

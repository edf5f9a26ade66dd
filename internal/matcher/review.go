package matcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/pkg/errors"
)

// Action is a reviewer's decision on one check
type Action string

const (
	ActionAccept Action = "accept"
	ActionSkip   Action = "skip"
)

// Decision records what a reviewer did with one check
type Decision struct {
	CheckID       string    `json:"check_id"`
	Action        Action    `json:"action"`
	InvoiceNumber string    `json:"invoice_number,omitempty"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Reviewer is the human-review boundary: given one check and its current
// candidates it returns exactly one accept or skip decision.
type Reviewer interface {
	Review(ctx context.Context, pending *CheckCandidates) (Decision, error)
}

// ReviewSession settles exclusivity for an all-candidates result. Accepting
// an invoice for one check removes it from every other pending list.
// It is safe for concurrent use.
type ReviewSession struct {
	mu        sync.Mutex
	entries   []*CheckCandidates
	invoices  []*models.InvoiceRecord
	decisions map[string]Decision
	order     []string
	accepted  map[string]string
	now       func() time.Time
}

// NewReviewSession creates a session over the candidate lists of a result
func NewReviewSession(result *Result, invoices []*models.InvoiceRecord) *ReviewSession {
	session := &ReviewSession{
		entries:   result.Checks,
		invoices:  invoices,
		decisions: make(map[string]Decision),
		accepted:  make(map[string]string),
		now:       time.Now,
	}

	// single-best results arrive already decided
	if result.Mode == ModeSingleBest {
		for _, candidate := range result.Accepted {
			session.record(Decision{
				CheckID:       candidate.Check.ID,
				Action:        ActionAccept,
				InvoiceNumber: candidate.Invoice.InvoiceNumber,
				DecidedAt:     session.now(),
			})
		}
	}

	return session
}

// Pending returns undecided checks that still have at least one available
// candidate. Candidates accepted by another check are filtered out.
func (s *ReviewSession) Pending() []*CheckCandidates {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*CheckCandidates
	for _, entry := range s.entries {
		if _, decided := s.decisions[entry.Check.ID]; decided {
			continue
		}
		view := s.view(entry)
		if len(view.Candidates) > 0 {
			pending = append(pending, view)
		}
	}
	return pending
}

// Candidates returns the current candidate list for one check
func (s *ReviewSession) Candidates(checkID string) (*CheckCandidates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.find(checkID)
	if entry == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "check_id", checkID,
			fmt.Errorf("check %s is not part of this run", checkID))
	}
	return s.view(entry), nil
}

// Accept records that checkID pays invoiceNumber
func (s *ReviewSession) Accept(checkID, invoiceNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.find(checkID)
	if entry == nil {
		return errors.ValidationError(errors.CodeMissingField, "check_id", checkID,
			fmt.Errorf("check %s is not part of this run", checkID))
	}
	if prior, decided := s.decisions[checkID]; decided {
		return errors.New(errors.CategoryValidation, errors.CodeReviewConflict,
			fmt.Sprintf("check %s was already decided (%s)", checkID, prior.Action))
	}
	if owner, taken := s.accepted[invoiceNumber]; taken {
		return errors.New(errors.CategoryValidation, errors.CodeReviewConflict,
			fmt.Sprintf("invoice %s was already accepted for check %s", invoiceNumber, owner))
	}

	listed := false
	for _, candidate := range entry.Candidates {
		if candidate.Invoice.InvoiceNumber == invoiceNumber {
			listed = true
			break
		}
	}
	if !listed {
		return errors.ValidationError(errors.CodeOutOfRange, "invoice_number", invoiceNumber,
			fmt.Errorf("invoice %s is not a candidate for check %s", invoiceNumber, checkID))
	}

	s.record(Decision{CheckID: checkID, Action: ActionAccept, InvoiceNumber: invoiceNumber, DecidedAt: s.now()})
	return nil
}

// Skip records that checkID has no matching invoice
func (s *ReviewSession) Skip(checkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(checkID) == nil {
		return errors.ValidationError(errors.CodeMissingField, "check_id", checkID,
			fmt.Errorf("check %s is not part of this run", checkID))
	}
	if prior, decided := s.decisions[checkID]; decided {
		return errors.New(errors.CategoryValidation, errors.CodeReviewConflict,
			fmt.Sprintf("check %s was already decided (%s)", checkID, prior.Action))
	}

	s.record(Decision{CheckID: checkID, Action: ActionSkip, DecidedAt: s.now()})
	return nil
}

// Apply replays previously stored decisions, for example when a review is
// resumed in a new process
func (s *ReviewSession) Apply(decisions []Decision) error {
	for _, d := range decisions {
		var err error
		switch d.Action {
		case ActionAccept:
			err = s.Accept(d.CheckID, d.InvoiceNumber)
		case ActionSkip:
			err = s.Skip(d.CheckID)
		default:
			err = fmt.Errorf("unknown review action %q", d.Action)
		}
		if err != nil {
			return errors.Wrap(err, errors.CategoryValidation, errors.CodeReviewConflict, "failed to replay review decisions")
		}
	}
	return nil
}

// Run presents each pending check to the reviewer until none remain or the
// context is cancelled
func (s *ReviewSession) Run(ctx context.Context, reviewer Reviewer) error {
	for {
		pending := s.Pending()
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

		switch decision.Action {
		case ActionAccept:
			err = s.Accept(next.Check.ID, decision.InvoiceNumber)
		default:
			err = s.Skip(next.Check.ID)
		}
		if err != nil {
			return err
		}
	}
}

// Decisions returns all decisions in the order they were made
func (s *ReviewSession) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	decisions := make([]Decision, 0, len(s.order))
	for _, id := range s.order {
		decisions = append(decisions, s.decisions[id])
	}
	return decisions
}

// Outcome is the final classification of a run after review
type Outcome struct {
	Matched           []*CandidateMatch
	UnmatchedChecks   []*models.CheckRecord
	UnmatchedInvoices []*models.InvoiceRecord
	Pending           int
}

// Outcome classifies every check and invoice. Checks that were skipped, had
// no candidates, or are still pending are unmatched; invoices nobody accepted
// are unmatched.
func (s *ReviewSession) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outcome Outcome
	for _, entry := range s.entries {
		decision, decided := s.decisions[entry.Check.ID]
		if decided && decision.Action == ActionAccept {
			for _, candidate := range entry.Candidates {
				if candidate.Invoice.InvoiceNumber == decision.InvoiceNumber {
					outcome.Matched = append(outcome.Matched, candidate)
					break
				}
			}
			continue
		}
		if !decided && len(s.view(entry).Candidates) > 0 {
			outcome.Pending++
		}
		outcome.UnmatchedChecks = append(outcome.UnmatchedChecks, entry.Check)
	}

	for _, invoice := range s.invoices {
		if _, taken := s.accepted[invoice.InvoiceNumber]; !taken {
			outcome.UnmatchedInvoices = append(outcome.UnmatchedInvoices, invoice)
		}
	}
	return outcome
}

func (s *ReviewSession) record(d Decision) {
	s.decisions[d.CheckID] = d
	s.order = append(s.order, d.CheckID)
	if d.Action == ActionAccept {
		s.accepted[d.InvoiceNumber] = d.CheckID
	}
}

func (s *ReviewSession) find(checkID string) *CheckCandidates {
	for _, entry := range s.entries {
		if entry.Check.ID == checkID {
			return entry
		}
	}
	return nil
}

// view copies an entry without candidates accepted by other checks
func (s *ReviewSession) view(entry *CheckCandidates) *CheckCandidates {
	view := &CheckCandidates{Check: entry.Check}
	for _, candidate := range entry.Candidates {
		if owner, taken := s.accepted[candidate.Invoice.InvoiceNumber]; taken && owner != entry.Check.ID {
			continue
		}
		view.Candidates = append(view.Candidates, candidate)
	}
	return view
}

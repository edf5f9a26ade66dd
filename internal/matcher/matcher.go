package matcher

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/stream"

	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/normalize"
	"check-reconciliation-service/pkg/logger"
)

// Engine scores checks against invoices and builds ranked candidate lists.
// It never mutates the checks or invoices it is given.
type Engine struct {
	config    *MatchingConfig
	logger    logger.Logger
	nameScore func(a, b string) float64
}

// CandidateMatch is one scored check/invoice pairing
type CandidateMatch struct {
	Check            *models.CheckRecord   `json:"-"`
	Invoice          *models.InvoiceRecord `json:"invoice"`
	Confidence       float64               `json:"confidence"`
	Scores           ComponentScores       `json:"scores"`
	MatchType        MatchType             `json:"match_type"`
	AmountDifference decimal.Decimal       `json:"amount_difference"`
	DaysApart        int                   `json:"days_apart"`
	Reasons          []string              `json:"reasons,omitempty"`
	Discrepancy      string                `json:"discrepancy,omitempty"`
}

// IsNearMiss reports whether the amounts differ but by no more than tolerance
func (cm *CandidateMatch) IsNearMiss(tolerance decimal.Decimal) bool {
	return !cm.AmountDifference.IsZero() && cm.AmountDifference.LessThanOrEqual(tolerance)
}

// CheckCandidates is the ranked candidate list for one check
type CheckCandidates struct {
	Check      *models.CheckRecord `json:"check"`
	Candidates []*CandidateMatch   `json:"candidates"`
}

// Best returns the highest-ranked candidate, or nil
func (cc *CheckCandidates) Best() *CandidateMatch {
	if len(cc.Candidates) == 0 {
		return nil
	}
	return cc.Candidates[0]
}

// SkippedRecord is a check or invoice left out of scoring
type SkippedRecord struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Result is the outcome of one matching pass
type Result struct {
	Mode              Mode                    `json:"mode"`
	Checks            []*CheckCandidates      `json:"checks"`
	Accepted          []*CandidateMatch       `json:"accepted,omitempty"`
	UnmatchedChecks   []*models.CheckRecord   `json:"unmatched_checks"`
	UnmatchedInvoices []*models.InvoiceRecord `json:"unmatched_invoices"`
	Skipped           []SkippedRecord         `json:"skipped,omitempty"`
	Summary           Summary                 `json:"summary"`
}

// Summary provides aggregate statistics about a matching pass
type Summary struct {
	TotalChecks       int `json:"total_checks"`
	TotalInvoices     int `json:"total_invoices"`
	ChecksWithMatches int `json:"checks_with_matches"`
	UnmatchedChecks   int `json:"unmatched_checks"`
	UnmatchedInvoices int `json:"unmatched_invoices"`
	SkippedRecords    int `json:"skipped_records"`
	ExactMatches      int `json:"exact_matches"`
	CloseMatches      int `json:"close_matches"`
	FuzzyMatches      int `json:"fuzzy_matches"`
	PossibleMatches   int `json:"possible_matches"`
}

// NewEngine creates a new matching engine with the specified configuration
func NewEngine(config *MatchingConfig, log logger.Logger) *Engine {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Engine{
		config:    config.Clone(),
		logger:    log.WithComponent("matcher"),
		nameScore: NameScorer(config.NameStrategy),
	}
}

// Config returns a copy of the engine configuration
func (e *Engine) Config() *MatchingConfig {
	return e.config.Clone()
}

// Run performs a matching pass in the configured mode
func (e *Engine) Run(checks []*models.CheckRecord, invoices []*models.InvoiceRecord) *Result {
	if e.config.Mode == ModeSingleBest {
		return e.RunSingleBest(checks, invoices)
	}
	return e.RunAllCandidates(checks, invoices)
}

// RunAllCandidates lists every invoice above the all-candidates floor for
// each check. Invoices are not consumed, so several checks may list the same
// invoice. An invoice is unmatched when it appears in no list.
func (e *Engine) RunAllCandidates(checks []*models.CheckRecord, invoices []*models.InvoiceRecord) *Result {
	result := &Result{Mode: ModeAllCandidates}
	scorable, skippedInvoices := e.partitionInvoices(invoices)
	result.Skipped = append(result.Skipped, skippedInvoices...)

	e.warnUndatedChecks(checks)
	listed := make(map[string]bool)
	ranked := e.rankAll(checks, scorable, e.config.AllCandidatesFloor, result)

	for i, check := range checks {
		candidates := ranked[i]
		result.Checks = append(result.Checks, &CheckCandidates{Check: check, Candidates: candidates})
		if len(candidates) == 0 {
			result.UnmatchedChecks = append(result.UnmatchedChecks, check)
			continue
		}
		for _, candidate := range candidates {
			listed[candidate.Invoice.InvoiceNumber] = true
		}
	}

	for _, invoice := range invoices {
		if !listed[invoice.InvoiceNumber] {
			result.UnmatchedInvoices = append(result.UnmatchedInvoices, invoice)
		}
	}

	result.Summary = e.calculateSummary(checks, invoices, result)
	e.logger.WithFields(logger.Fields{
		"checks":             len(checks),
		"invoices":           len(invoices),
		"unmatched_checks":   len(result.UnmatchedChecks),
		"unmatched_invoices": len(result.UnmatchedInvoices),
	}).Info("All-candidates matching completed")

	return result
}

// RunSingleBest accepts at most one invoice per check. Checks are processed
// in order and each claims its best-ranked invoice that is still in the pool
// and above the single-best floor. Scoring runs concurrently; claims are made
// in check order so the outcome matches a sequential greedy pass.
func (e *Engine) RunSingleBest(checks []*models.CheckRecord, invoices []*models.InvoiceRecord) *Result {
	result := &Result{Mode: ModeSingleBest}
	scorable, skippedInvoices := e.partitionInvoices(invoices)
	result.Skipped = append(result.Skipped, skippedInvoices...)

	e.warnUndatedChecks(checks)
	pool := NewInvoicePool(scorable)
	results := make([]*CheckCandidates, len(checks))

	s := stream.New().WithMaxGoroutines(8)
	for i, check := range checks {
		i, check := i, check
		s.Go(func() stream.Callback {
			candidates, reason := e.rankCheck(check, scorable, e.config.SingleBestFloor)
			return func() {
				if reason != "" {
					e.skipCheck(result, check, reason)
				}
				entry := &CheckCandidates{Check: check}
				for _, candidate := range candidates {
					if pool.Claim(candidate.Invoice.InvoiceNumber) {
						entry.Candidates = []*CandidateMatch{candidate}
						result.Accepted = append(result.Accepted, candidate)
						break
					}
				}
				if len(entry.Candidates) == 0 {
					result.UnmatchedChecks = append(result.UnmatchedChecks, check)
				}
				results[i] = entry
			}
		})
	}
	s.Wait()

	result.Checks = results
	claimed := make(map[string]bool)
	for _, candidate := range result.Accepted {
		claimed[candidate.Invoice.InvoiceNumber] = true
	}
	for _, invoice := range invoices {
		if !claimed[invoice.InvoiceNumber] {
			result.UnmatchedInvoices = append(result.UnmatchedInvoices, invoice)
		}
	}

	result.Summary = e.calculateSummary(checks, invoices, result)
	e.logger.WithFields(logger.Fields{
		"checks":   len(checks),
		"invoices": len(invoices),
		"accepted": len(result.Accepted),
	}).Info("Single-best matching completed")

	return result
}

// FindCandidates ranks invoices for one check using the configured floor
func (e *Engine) FindCandidates(check *models.CheckRecord, invoices []*models.InvoiceRecord) []*CandidateMatch {
	scorable, _ := e.partitionInvoices(invoices)
	candidates, reason := e.rankCheck(check, scorable, e.config.Floor())
	if reason != "" {
		e.logger.WithField("check", check.ID).Warnf("Check skipped for scoring: %s", reason)
	}
	return e.limitCandidates(candidates)
}

// BestCandidate returns the top-scoring invoice for a check regardless of
// floor, or nil when nothing can be scored
func (e *Engine) BestCandidate(check *models.CheckRecord, invoices []*models.InvoiceRecord) *CandidateMatch {
	if reason := unscorableCheck(check); reason != "" {
		return nil
	}
	var best *CandidateMatch
	for _, invoice := range invoices {
		if !invoice.HasValidAmount() {
			continue
		}
		candidate := e.Score(check, invoice)
		if best == nil || candidate.Confidence > best.Confidence {
			best = candidate
		}
	}
	return best
}

// Score computes the composite confidence for one check/invoice pair
func (e *Engine) Score(check *models.CheckRecord, invoice *models.InvoiceRecord) *CandidateMatch {
	candidate := &CandidateMatch{
		Check:   check,
		Invoice: invoice,
	}

	if e.config.AmountStrategy == AmountPercentage {
		candidate.Scores.Amount = PercentageAmountScore(check.Amount, invoice.Amount, e.config.AmountTolerancePercent)
	} else {
		candidate.Scores.Amount = AmountScore(check.Amount, invoice.Amount)
	}
	candidate.AmountDifference = check.Amount.Sub(invoice.Amount).Abs()

	candidate.Scores.Date = DateScore(check.Date, invoice.Date)
	if check.HasValidDate() && invoice.HasValidDate() {
		candidate.DaysApart = DaysBetween(check.Date, invoice.Date)
	}

	candidate.Scores.FromName = e.nameScore(check.From, invoice.ResidentName)
	candidate.Scores.Payee = e.nameScore(check.Payee, invoice.Payee)

	candidate.Confidence = candidate.Scores.Composite(e.config.Weights)
	candidate.MatchType = e.determineMatchType(candidate)
	candidate.Reasons = e.generateMatchReasons(candidate)
	if candidate.IsNearMiss(e.config.NearMissTolerance) {
		candidate.Discrepancy = fmt.Sprintf("check amount %s differs from invoice amount %s by %s",
			normalize.FormatAmount(check.Amount), normalize.FormatAmount(invoice.Amount),
			normalize.FormatAmount(candidate.AmountDifference))
	}

	return candidate
}

func (e *Engine) rankAll(checks []*models.CheckRecord, invoices []*models.InvoiceRecord, floor float64, result *Result) [][]*CandidateMatch {
	ranked := make([][]*CandidateMatch, len(checks))

	s := stream.New().WithMaxGoroutines(8)
	for i, check := range checks {
		i, check := i, check
		s.Go(func() stream.Callback {
			candidates, reason := e.rankCheck(check, invoices, floor)
			return func() {
				if reason != "" {
					e.skipCheck(result, check, reason)
				}
				ranked[i] = e.limitCandidates(candidates)
			}
		})
	}
	s.Wait()

	return ranked
}

// rankCheck scores a check against every invoice, drops those that do not
// clear floor and sorts by descending confidence. Ties keep invoice order.
// The list is not capped: single-best mode walks it until an unclaimed
// invoice is found.
func (e *Engine) rankCheck(check *models.CheckRecord, invoices []*models.InvoiceRecord, floor float64) ([]*CandidateMatch, string) {
	if reason := unscorableCheck(check); reason != "" {
		return nil, reason
	}

	var candidates []*CandidateMatch
	for _, invoice := range invoices {
		candidate := e.Score(check, invoice)
		if clearsFloor(candidate.Confidence, floor) {
			candidates = append(candidates, candidate)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates, ""
}

// limitCandidates applies MaxCandidatesPerCheck to a ranked review list
func (e *Engine) limitCandidates(candidates []*CandidateMatch) []*CandidateMatch {
	if limit := e.config.MaxCandidatesPerCheck; limit > 0 && len(candidates) > limit {
		return candidates[:limit]
	}
	return candidates
}

// clearsFloor reports whether confidence is strictly above floor. A score
// equal to the floor is discarded.
func clearsFloor(confidence, floor float64) bool {
	return confidence > floor
}

func unscorableCheck(check *models.CheckRecord) string {
	if !check.HasValidAmount() {
		return fmt.Sprintf("amount %q could not be parsed", check.RawAmount)
	}
	return ""
}

func (e *Engine) skipCheck(result *Result, check *models.CheckRecord, reason string) {
	result.Skipped = append(result.Skipped, SkippedRecord{Kind: "check", ID: check.ID, Reason: reason})
	e.logger.WithField("check", check.ID).Warnf("Check skipped for scoring: %s", reason)
}

// partitionInvoices separates invoices that can be scored from those with an
// unparsable amount
func (e *Engine) partitionInvoices(invoices []*models.InvoiceRecord) ([]*models.InvoiceRecord, []SkippedRecord) {
	scorable := make([]*models.InvoiceRecord, 0, len(invoices))
	var skipped []SkippedRecord

	for _, invoice := range invoices {
		if !invoice.HasValidAmount() {
			reason := "amount could not be parsed"
			skipped = append(skipped, SkippedRecord{Kind: "invoice", ID: invoice.InvoiceNumber, Reason: reason})
			e.logger.WithField("invoice", invoice.InvoiceNumber).Warnf("Invoice skipped for scoring: %s", reason)
			continue
		}
		if !invoice.HasValidDate() {
			e.logger.WithField("invoice", invoice.InvoiceNumber).
				Warnf("Invoice date %q could not be parsed; date score is 0", invoice.RawDate)
		}
		scorable = append(scorable, invoice)
	}

	return scorable, skipped
}

// warnUndatedChecks logs scorable checks whose date could not be parsed.
// They are still matched with a zero date score.
func (e *Engine) warnUndatedChecks(checks []*models.CheckRecord) {
	for _, check := range checks {
		if check.HasValidAmount() && !check.HasValidDate() {
			e.logger.WithField("check", check.ID).
				Warnf("Check date %q could not be parsed; date score is 0", check.RawDate)
		}
	}
}

// determineMatchType determines the type of match based on scores
func (e *Engine) determineMatchType(c *CandidateMatch) MatchType {
	if c.Scores.Amount == 1.0 && c.Scores.Date >= 0.9 && c.Confidence >= 0.85 {
		return MatchExact
	}

	if c.Confidence >= 0.75 {
		return MatchClose
	}

	if clearsFloor(c.Confidence, e.config.SingleBestFloor) {
		return MatchFuzzy
	}

	if clearsFloor(c.Confidence, e.config.AllCandidatesFloor) {
		return MatchPossible
	}

	return MatchNone
}

// generateMatchReasons generates human-readable reasons for the match
func (e *Engine) generateMatchReasons(c *CandidateMatch) []string {
	var reasons []string

	switch {
	case c.Scores.Amount == 1.0:
		reasons = append(reasons, "Exact amount match")
	case c.Scores.Amount > 0.0:
		reasons = append(reasons, fmt.Sprintf("Amount differs by %s", normalize.FormatAmount(c.AmountDifference)))
	default:
		reasons = append(reasons, "Amount outside tolerance")
	}

	switch {
	case !c.Check.HasValidDate() || !c.Invoice.HasValidDate():
		reasons = append(reasons, "Date unavailable")
	case c.DaysApart == 0:
		reasons = append(reasons, "Same date")
	case c.DaysApart <= 7:
		reasons = append(reasons, "Date within 7 days")
	case c.DaysApart <= 30:
		reasons = append(reasons, "Date within 30 days")
	case c.DaysApart <= 90:
		reasons = append(reasons, "Date within 90 days")
	default:
		reasons = append(reasons, fmt.Sprintf("Dates %d days apart", c.DaysApart))
	}

	switch {
	case c.Scores.FromName == 1.0:
		reasons = append(reasons, "Drawer matches resident")
	case c.Scores.FromName > 0.0:
		reasons = append(reasons, fmt.Sprintf("Drawer resembles resident (%.2f)", c.Scores.FromName))
	}

	if c.Scores.Payee > 0.5 {
		reasons = append(reasons, "Payee matches")
	}

	return reasons
}

// calculateSummary calculates summary statistics for a matching pass
func (e *Engine) calculateSummary(checks []*models.CheckRecord, invoices []*models.InvoiceRecord, result *Result) Summary {
	summary := Summary{
		TotalChecks:       len(checks),
		TotalInvoices:     len(invoices),
		UnmatchedChecks:   len(result.UnmatchedChecks),
		UnmatchedInvoices: len(result.UnmatchedInvoices),
		SkippedRecords:    len(result.Skipped),
	}

	for _, entry := range result.Checks {
		best := entry.Best()
		if best == nil {
			continue
		}
		summary.ChecksWithMatches++
		switch best.MatchType {
		case MatchExact:
			summary.ExactMatches++
		case MatchClose:
			summary.CloseMatches++
		case MatchFuzzy:
			summary.FuzzyMatches++
		case MatchPossible:
			summary.PossibleMatches++
		}
	}

	return summary
}

// Package reanalysis re-reads check amounts that look wrong, either because
// the reading itself was unsure or because the best invoice is only a few
// dollars off.
package reanalysis

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"check-reconciliation-service/internal/extraction"
	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/normalize"
	"check-reconciliation-service/pkg/logger"
)

// Trigger names why a check was re-read
type Trigger string

const (
	TriggerNone          Trigger = ""
	TriggerUnreadable    Trigger = "unreadable_amount"
	TriggerLowConfidence Trigger = "low_confidence"
	TriggerNearMiss      Trigger = "near_miss"
)

// Config controls when a re-reading replaces the original amount
type Config struct {
	// NearMissTolerance defaults to the matching config's tolerance when zero
	NearMissTolerance decimal.Decimal `json:"near_miss_tolerance"`
	MinChange         decimal.Decimal `json:"min_change"`
	Enhance           bool            `json:"enhance"`
}

// DefaultConfig accepts changes larger than one cent and enhances the scan
func DefaultConfig() Config {
	return Config{
		MinChange: decimal.New(1, -2),
		Enhance:   true,
	}
}

// Outcome records what happened to one re-read check
type Outcome struct {
	CheckID            string                    `json:"check_id"`
	Trigger            Trigger                   `json:"trigger"`
	PreviousAmount     decimal.Decimal           `json:"previous_amount"`
	PreviousConfidence models.AmountConfidence   `json:"previous_confidence"`
	ProposedAmount     string                    `json:"proposed_amount,omitempty"`
	ProposedConfidence models.AmountConfidence   `json:"proposed_confidence,omitempty"`
	Updated            bool                      `json:"updated"`
	Note               string                    `json:"note"`
	Candidates         []*matcher.CandidateMatch `json:"-"`
	Err                error                     `json:"-"`
}

// Report is the result of one re-analysis pass
type Report struct {
	Outcomes []Outcome `json:"outcomes"`
	Updated  int       `json:"updated"`
}

type enhancedLoader interface {
	LoadEnhanced(path string) (extraction.Image, error)
}

// Controller decides which checks to re-read and applies accepted readings
type Controller struct {
	service extraction.Service
	loader  extraction.ImageLoader
	engine  *matcher.Engine
	config  Config
	logger  logger.Logger
}

// NewController creates a controller. The engine supplies scoring and the
// near-miss tolerance.
func NewController(service extraction.Service, loader extraction.ImageLoader, engine *matcher.Engine, config Config, log logger.Logger) *Controller {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if config.NearMissTolerance.IsZero() {
		config.NearMissTolerance = engine.Config().NearMissTolerance
	}
	return &Controller{
		service: service,
		loader:  loader,
		engine:  engine,
		config:  config,
		logger:  log.WithComponent("reanalysis"),
	}
}

// Evaluate reports whether check should be re-read against invoices. For
// near misses the offending candidate is returned.
func (c *Controller) Evaluate(check *models.CheckRecord, index *matcher.AmountIndex, invoices []*models.InvoiceRecord) (Trigger, *matcher.CandidateMatch) {
	if !check.HasValidAmount() {
		return TriggerUnreadable, nil
	}
	if check.AmountConfidence == models.AmountConfidenceLow {
		return TriggerLowConfidence, nil
	}

	// an invoice for the exact amount confirms the reading
	if len(index.GetByExactAmount(check.Amount)) > 0 {
		return TriggerNone, nil
	}
	if len(index.NearMisses(check.Amount, c.config.NearMissTolerance)) == 0 {
		return TriggerNone, nil
	}

	best := c.engine.BestCandidate(check, invoices)
	if best != nil && best.IsNearMiss(c.config.NearMissTolerance) {
		return TriggerNearMiss, best
	}
	return TriggerNone, nil
}

// Run re-reads each qualifying check once. Accepted readings update the
// check in place and its candidates are rescored; rejected ones leave a
// discrepancy note on the check for the reviewer.
func (c *Controller) Run(ctx context.Context, checks []*models.CheckRecord, invoices []*models.InvoiceRecord) *Report {
	report := &Report{}
	index := matcher.NewAmountIndex(invoices)
	seen := make(map[string]bool, len(checks))

	for _, check := range checks {
		if ctx.Err() != nil {
			c.logger.WithError(ctx.Err()).Warn("Re-analysis interrupted")
			break
		}
		if seen[check.ID] {
			continue
		}
		seen[check.ID] = true

		trigger, nearMiss := c.Evaluate(check, index, invoices)
		if trigger == TriggerNone {
			continue
		}

		outcome := c.reanalyze(ctx, check, trigger, nearMiss)
		if outcome.Updated {
			report.Updated++
			outcome.Candidates = c.engine.FindCandidates(check, invoices)
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	return report
}

func (c *Controller) reanalyze(ctx context.Context, check *models.CheckRecord, trigger Trigger, nearMiss *matcher.CandidateMatch) Outcome {
	log := c.logger.WithFields(logger.Fields{"check": check.ID, "trigger": trigger})
	outcome := Outcome{
		CheckID:            check.ID,
		Trigger:            trigger,
		PreviousAmount:     check.Amount,
		PreviousConfidence: check.AmountConfidence,
	}

	keep := func(note string) Outcome {
		outcome.Note = note
		check.AddNote(note)
		if nearMiss != nil && nearMiss.Discrepancy != "" {
			check.AddNote(nearMiss.Discrepancy)
		}
		check.NeedsReview = true
		return outcome
	}

	img, err := c.load(check.SourceImage)
	if err != nil {
		outcome.Err = err
		log.WithError(err).Warn("Check image could not be reloaded for re-analysis")
		return keep("amount could not be re-read: image unavailable")
	}

	reread, err := c.service.Reverify(ctx, img, c.previous(check))
	if err != nil {
		outcome.Err = err
		log.WithError(err).Warn("Re-analysis call failed; original amount kept")
		return keep("amount could not be re-read: extraction failed")
	}

	proposal := models.NewCheckRecord(check.ID, check.SourceImage, reread)
	outcome.ProposedAmount = proposal.RawAmount
	outcome.ProposedConfidence = proposal.AmountConfidence

	if !proposal.HasValidAmount() {
		return keep(fmt.Sprintf("re-read amount %q is not a number; original kept", reread.Amount))
	}

	changed := !check.HasValidAmount() ||
		proposal.Amount.Sub(check.Amount).Abs().GreaterThan(c.config.MinChange)
	raised := proposal.AmountConfidence.Rank() > check.AmountConfidence.Rank()

	if !changed || !raised {
		return keep(fmt.Sprintf("re-read found %s (%s); original %s kept",
			normalize.FormatAmount(proposal.Amount), proposal.AmountConfidence, normalize.FormatAmount(check.Amount)))
	}

	note := fmt.Sprintf("amount re-read as %s (%s), was %s (%s)",
		normalize.FormatAmount(proposal.Amount), proposal.AmountConfidence,
		normalize.FormatAmount(check.Amount), check.AmountConfidence)
	check.WrittenAmount = proposal.WrittenAmount
	check.SetAmount(reread.Amount, proposal.AmountConfidence)
	check.AddNote(note)

	outcome.Updated = true
	outcome.Note = note
	log.Info(note)
	return outcome
}

func (c *Controller) load(path string) (extraction.Image, error) {
	if enhanced, ok := c.loader.(enhancedLoader); ok && c.config.Enhance {
		return enhanced.LoadEnhanced(path)
	}
	return c.loader.Load(path)
}

func (c *Controller) previous(check *models.CheckRecord) models.Extraction {
	return models.Extraction{
		CheckNumber:      check.CheckNumber,
		Amount:           check.RawAmount,
		WrittenAmount:    check.WrittenAmount,
		Date:             check.RawDate,
		Payee:            check.Payee,
		From:             check.From,
		FromAddress:      check.FromAddress,
		Memo:             check.Memo,
		BankName:         check.BankName,
		AmountConfidence: string(check.AmountConfidence),
	}
}

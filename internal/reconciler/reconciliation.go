package reconciler

import (
	"context"
	"fmt"
	"time"

	"check-reconciliation-service/internal/billing"
	"check-reconciliation-service/internal/extraction"
	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/reanalysis"
	"check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// ReconciliationService runs the individual stages of a check run. The
// orchestrator sequences them; callers that only need one stage, such as
// re-matching stored checks, can use the service directly.
type ReconciliationService struct {
	billing   billing.Source
	extractor *extraction.ConsensusExtractor
	loader    extraction.ImageLoader
	engine    *matcher.Engine
	reanalyze *reanalysis.Controller
	config    *Config
	logger    logger.Logger
}

// Config holds configuration options for the reconciliation service
type Config struct {
	Matching   *matcher.MatchingConfig    `json:"matching"`
	Consensus  extraction.ConsensusConfig `json:"consensus"`
	Reanalysis reanalysis.Config          `json:"reanalysis"`

	// EnableReanalysis re-reads unreadable, low-confidence and near-miss checks
	EnableReanalysis bool `json:"enable_reanalysis"`
	// MaxImageDimension bounds the longer side of a scan sent to the model
	MaxImageDimension int `json:"max_image_dimension"`

	Preprocessing *PreprocessingConfig `json:"preprocessing"`
}

// DefaultConfig returns a default configuration for the reconciliation service
func DefaultConfig() *Config {
	return &Config{
		Matching:          matcher.DefaultMatchingConfig(),
		Consensus:         extraction.DefaultConsensusConfig(),
		Reanalysis:        reanalysis.DefaultConfig(),
		EnableReanalysis:  true,
		MaxImageDimension: extraction.DefaultMaxDimension,
		Preprocessing:     DefaultPreprocessingConfig(),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Matching == nil {
		return fmt.Errorf("matching configuration is required")
	}
	if err := c.Matching.Validate(); err != nil {
		return fmt.Errorf("invalid matching configuration: %w", err)
	}
	if c.Consensus.InitialAttempts < 1 {
		return fmt.Errorf("initial extraction attempts must be at least 1, got %d", c.Consensus.InitialAttempts)
	}
	if c.Consensus.ExtraAttempts < 0 {
		return fmt.Errorf("extra extraction attempts cannot be negative, got %d", c.Consensus.ExtraAttempts)
	}
	if c.Consensus.Concurrency < 1 {
		return fmt.Errorf("extraction concurrency must be at least 1, got %d", c.Consensus.Concurrency)
	}
	if c.MaxImageDimension < 0 {
		return fmt.Errorf("max image dimension cannot be negative, got %d", c.MaxImageDimension)
	}
	if c.Reanalysis.MinChange.IsNegative() || c.Reanalysis.NearMissTolerance.IsNegative() {
		return fmt.Errorf("re-analysis tolerances cannot be negative")
	}
	return nil
}

// ReconciliationRequest names the scans and the billing window of one run
type ReconciliationRequest struct {
	ImageDir string
	From     time.Time
	To       time.Time
}

// Validate validates the reconciliation request
func (r *ReconciliationRequest) Validate() error {
	if r.ImageDir == "" {
		return fmt.Errorf("image directory is required")
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.From.After(r.To) {
		return fmt.Errorf("start date must be before end date")
	}
	return nil
}

// Query converts the request window into a billing query
func (r *ReconciliationRequest) Query() billing.Query {
	return billing.Query{From: r.From, To: r.To}
}

// Components are the collaborators a service is built from. Extraction and
// Loader may be nil when only matching is needed.
type Components struct {
	Billing    billing.Source
	Extraction extraction.Service
	Loader     extraction.ImageLoader
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(components Components, config *Config, log logger.Logger) (*ReconciliationService, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "reconciler", config, err).
			WithSuggestion("Check the matching, consensus and re-analysis settings")
	}
	if components.Billing == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "billing_source", nil, nil).
			WithSuggestion("Configure Knack credentials or provide a billing download file")
	}

	loader := components.Loader
	if loader == nil {
		loader = extraction.NewPreprocessor(config.MaxImageDimension)
	}

	engine := matcher.NewEngine(config.Matching, log)
	service := &ReconciliationService{
		billing: components.Billing,
		loader:  loader,
		engine:  engine,
		config:  config,
		logger:  log.WithComponent("reconciliation_service"),
	}
	if components.Extraction != nil {
		service.extractor = extraction.NewConsensusExtractor(components.Extraction, config.Consensus, log)
		if config.EnableReanalysis {
			service.reanalyze = reanalysis.NewController(components.Extraction, loader, engine, config.Reanalysis, log)
		}
	}

	return service, nil
}

// GetMatchingConfig returns the matching configuration in use
func (rs *ReconciliationService) GetMatchingConfig() *matcher.MatchingConfig {
	return rs.engine.Config()
}

// BillingSource names the source invoices are fetched from
func (rs *ReconciliationService) BillingSource() string {
	return rs.billing.Name()
}

// FetchInvoices loads the outstanding invoices. Any failure here is fatal
// to the run: nothing can be matched without invoices.
func (rs *ReconciliationService) FetchInvoices(ctx context.Context, query billing.Query) (*billing.Batch, error) {
	batch, err := rs.billing.Fetch(ctx, query)
	if err != nil {
		if errors.HasCategory(err, errors.CategoryBilling) {
			return nil, err
		}
		return nil, errors.BillingError(errors.CodeBillingUnavailable, rs.billing.Name(), err)
	}

	for _, problem := range batch.Problems {
		rs.logger.WithField("source", batch.Source).Warn(problem.Error())
	}
	if len(batch.Problems) > 0 {
		rs.logger.Debug(errors.FormatParseErrorsForUser(batch.Problems))
	}
	rs.logger.WithFields(logger.Fields{
		"source":   batch.Source,
		"invoices": len(batch.Invoices),
		"problems": len(batch.Problems),
	}).Info("Fetched billing records")
	return batch, nil
}

// ExtractChecks reads every scan in dir. Scans that fail extraction are
// returned with their error and excluded from the check list.
func (rs *ReconciliationService) ExtractChecks(ctx context.Context, dir string, onResult func(extraction.CheckResult)) ([]*models.CheckRecord, []extraction.CheckResult, error) {
	if rs.extractor == nil {
		return nil, nil, errors.ConfigurationError(errors.CodeMissingConfig, "extraction.backend", nil,
			fmt.Errorf("no extraction service configured"))
	}

	paths, err := extraction.ListImages(dir)
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		rs.logger.WithField("dir", dir).Warn("No check images found")
	}

	results := rs.extractor.ExtractAll(ctx, paths, rs.loader, onResult)
	checks := make([]*models.CheckRecord, 0, len(results))
	for _, res := range results {
		if res.Check != nil {
			checks = append(checks, res.Check)
		}
	}
	if err := ctx.Err(); err != nil {
		return checks, results, errors.Wrap(err, errors.CategoryExtraction, errors.CodeTimeout, "extraction interrupted")
	}
	return checks, results, nil
}

// Match scores checks against invoices in the configured mode
func (rs *ReconciliationService) Match(checks []*models.CheckRecord, invoices []*models.InvoiceRecord) *matcher.Result {
	return rs.engine.Run(checks, invoices)
}

// Reanalyze re-reads doubtful checks and reports whether any were updated.
// It returns nil when re-analysis is disabled.
func (rs *ReconciliationService) Reanalyze(ctx context.Context, checks []*models.CheckRecord, invoices []*models.InvoiceRecord) *reanalysis.Report {
	if rs.reanalyze == nil {
		return nil
	}
	return rs.reanalyze.Run(ctx, checks, invoices)
}

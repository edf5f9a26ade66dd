package reconciler

import (
	"fmt"
	"time"

	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/pkg/logger"
)

// DataPreprocessor enforces batch-level invariants before matching
type DataPreprocessor struct {
	config      *PreprocessingConfig
	edgeHandler *matcher.EdgeCaseHandler
	logger      logger.Logger
	now         func() time.Time
}

// PreprocessingConfig contains configuration for data preprocessing
type PreprocessingConfig struct {
	// RemoveDuplicateInvoices keeps the first invoice per invoice number
	RemoveDuplicateInvoices bool `json:"remove_duplicate_invoices"`
	// FlagDuplicateChecks marks the same paper check scanned twice
	FlagDuplicateChecks bool `json:"flag_duplicate_checks"`

	// Checks dated after today, or older than MaxCheckAge, are flagged for
	// review. Zero disables the age check.
	FlagPostdated bool          `json:"flag_postdated"`
	MaxCheckAge   time.Duration `json:"max_check_age"`
}

// DefaultPreprocessingConfig returns a default preprocessing configuration
func DefaultPreprocessingConfig() *PreprocessingConfig {
	return &PreprocessingConfig{
		RemoveDuplicateInvoices: true,
		FlagDuplicateChecks:     true,
		FlagPostdated:           true,
		MaxCheckAge:             180 * 24 * time.Hour,
	}
}

// PreprocessingStats counts what preprocessing changed
type PreprocessingStats struct {
	DuplicateInvoicesDropped int                      `json:"duplicate_invoices_dropped"`
	DuplicateCheckGroups     int                      `json:"duplicate_check_groups"`
	PostdatedChecks          int                      `json:"postdated_checks"`
	StaleChecks              int                      `json:"stale_checks"`
	Duplicates               []matcher.DuplicateGroup `json:"-"`
}

// NewDataPreprocessor creates a new data preprocessor
func NewDataPreprocessor(config *PreprocessingConfig, log logger.Logger) *DataPreprocessor {
	if config == nil {
		config = DefaultPreprocessingConfig()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &DataPreprocessor{
		config:      config,
		edgeHandler: matcher.NewEdgeCaseHandler(log),
		logger:      log.WithComponent("preprocessing"),
		now:         time.Now,
	}
}

// PreprocessInvoices drops repeated invoice numbers
func (dp *DataPreprocessor) PreprocessInvoices(invoices []*models.InvoiceRecord, stats *PreprocessingStats) []*models.InvoiceRecord {
	if !dp.config.RemoveDuplicateInvoices {
		return invoices
	}

	kept, duplicates := dp.edgeHandler.DedupeInvoices(invoices)
	stats.DuplicateInvoicesDropped += len(invoices) - len(kept)
	stats.Duplicates = append(stats.Duplicates, duplicates.Groups...)
	return kept
}

// PreprocessChecks flags suspicious checks in place. No check is removed:
// every scan reaches the reviewer.
func (dp *DataPreprocessor) PreprocessChecks(checks []*models.CheckRecord, stats *PreprocessingStats) {
	if dp.config.FlagDuplicateChecks {
		duplicates := dp.edgeHandler.FlagDuplicateChecks(checks)
		stats.DuplicateCheckGroups += len(duplicates.Groups)
		stats.Duplicates = append(stats.Duplicates, duplicates.Groups...)
	}

	today := dp.now()
	for _, check := range checks {
		if !check.HasValidDate() {
			continue
		}
		switch {
		case dp.config.FlagPostdated && check.Date.After(today):
			dp.flag(check, fmt.Sprintf("check is postdated (%s)", check.RawDate))
			stats.PostdatedChecks++
		case dp.config.MaxCheckAge > 0 && today.Sub(check.Date) > dp.config.MaxCheckAge:
			dp.flag(check, fmt.Sprintf("check is more than %d days old (%s)", int(dp.config.MaxCheckAge.Hours()/24), check.RawDate))
			stats.StaleChecks++
		}
	}
}

func (dp *DataPreprocessor) flag(check *models.CheckRecord, note string) {
	check.NeedsReview = true
	check.AddNote(note)
	dp.logger.WithField("check", check.ID).Warn(note)
}

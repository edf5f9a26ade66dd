package reporter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// SafeReportGenerator wraps ReportGenerator with logging and fallbacks
type SafeReportGenerator struct {
	*ReportGenerator
	logger logger.Logger
}

// NewSafeReportGenerator creates a new safe report generator with error handling
func NewSafeReportGenerator(config *ReportConfig, log logger.Logger) (*SafeReportGenerator, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, errors.ConfigurationError(
			errors.CodeInvalidConfig,
			"report_config",
			config,
			err,
		).WithSuggestion("Check the report configuration values")
	}

	return &SafeReportGenerator{
		ReportGenerator: generator,
		logger:          log.WithComponent("reporter"),
	}, nil
}

// GenerateReportSafely generates a report, falling back to the console
// format when the requested format fails
func (srg *SafeReportGenerator) GenerateReportSafely(artifact *Artifact, writer io.Writer) error {
	srg.logger.WithFields(logger.Fields{
		"format": srg.config.Format,
		"output": getWriterDescription(writer),
	}).Info("Starting report generation")

	if err := srg.validateInputs(artifact, writer); err != nil {
		srg.logger.WithError(err).Error("Report generation failed: input validation")
		return err
	}

	if err := srg.generateWithFallback(artifact, writer); err != nil {
		srg.logger.WithError(err).Error("Report generation failed")
		return err
	}

	srg.logger.WithField("run_id", artifact.ID).Info("Report generation completed successfully")
	return nil
}

// WriteFile renders the report into path. When path cannot be created the
// report is written next to it, or to the temp directory, with a _backup suffix.
func (srg *SafeReportGenerator) WriteFile(artifact *Artifact, path string) (string, error) {
	file, err := os.Create(path)
	if err != nil {
		if !srg.isFileError(err) {
			return "", errors.FileError(errors.CodeDirectoryError, path, err)
		}
		return srg.writeBackup(artifact, path, err)
	}

	genErr := srg.GenerateReportSafely(artifact, file)
	closeErr := file.Close()
	if genErr != nil {
		return "", genErr
	}
	if closeErr != nil {
		if srg.isFileError(closeErr) {
			return srg.writeBackup(artifact, path, closeErr)
		}
		return "", errors.FileError(errors.CodeFilePermission, path, closeErr)
	}
	return path, nil
}

// validateInputs validates the inputs for report generation
func (srg *SafeReportGenerator) validateInputs(artifact *Artifact, writer io.Writer) error {
	if artifact == nil {
		return errors.ValidationError(
			errors.CodeMissingField,
			"artifact",
			nil,
			nil,
		).WithSuggestion("Provide the artifact of a completed run")
	}

	if writer == nil {
		return errors.ValidationError(
			errors.CodeMissingField,
			"writer",
			nil,
			nil,
		).WithSuggestion("Provide a valid output writer")
	}

	if artifact.ID == "" {
		return errors.ValidationError(
			errors.CodeMissingField,
			"run_id",
			nil,
			nil,
		).WithSuggestion("Artifacts must carry the run ID they were built from")
	}

	return nil
}

// generateWithFallback attempts to generate the report with fallback strategies
func (srg *SafeReportGenerator) generateWithFallback(artifact *Artifact, writer io.Writer) error {
	err := srg.GenerateReport(artifact, writer)
	if err == nil {
		return nil
	}

	srg.logger.WithError(err).Warn("Primary report generation failed, attempting fallback")

	if srg.shouldAttemptFormatFallback(err) {
		return srg.generateWithFormatFallback(artifact, writer, err)
	}

	return srg.wrapGenerationError(err)
}

// shouldAttemptFormatFallback reports whether another format could succeed.
// Output errors fail every format alike.
func (srg *SafeReportGenerator) shouldAttemptFormatFallback(err error) bool {
	return srg.config.Format != FormatConsole && !srg.isFileError(err)
}

// generateWithFormatFallback attempts to generate with the console format
func (srg *SafeReportGenerator) generateWithFormatFallback(artifact *Artifact, writer io.Writer, originalErr error) error {
	fallbackConfig := *srg.config
	fallbackConfig.Format = FormatConsole
	fallbackConfig.UseColors = false

	srg.logger.WithField("fallback_format", FormatConsole).Info("Attempting format fallback")

	fallbackGenerator, err := NewReportGenerator(&fallbackConfig)
	if err != nil {
		return srg.wrapGenerationError(originalErr)
	}

	fmt.Fprintf(writer, "NOTE: Report generated in fallback format due to error with requested format\n")
	fmt.Fprintf(writer, "Original error: %v\n\n", originalErr)

	if err := fallbackGenerator.GenerateReport(artifact, writer); err != nil {
		return errors.InternalError(
			errors.CodeUnexpectedError,
			"report_fallback",
			fmt.Errorf("both primary and fallback generation failed: primary=%v, fallback=%v", originalErr, err),
		)
	}

	srg.logger.Info("Report generated successfully using format fallback")
	return nil
}

// writeBackup writes the report to a backup location after path failed
func (srg *SafeReportGenerator) writeBackup(artifact *Artifact, path string, originalErr error) (string, error) {
	candidates := []string{
		srg.generateBackupPath(path),
		filepath.Join(os.TempDir(), filepath.Base(srg.generateBackupPath(path))),
	}

	for _, backupPath := range candidates {
		srg.logger.WithFields(logger.Fields{
			"original_file": path,
			"backup_file":   backupPath,
		}).Info("Attempting output fallback")

		backupFile, err := os.Create(backupPath)
		if err != nil {
			continue
		}
		genErr := srg.GenerateReport(artifact, backupFile)
		closeErr := backupFile.Close()
		if genErr != nil || closeErr != nil {
			continue
		}

		srg.logger.WithFields(logger.Fields{
			"backup_file": backupPath,
			"error":       originalErr.Error(),
		}).Warn("Report written to backup location")
		return backupPath, nil
	}

	return "", errors.FileError(errors.CodeFilePermission, path, originalErr).
		WithSuggestion("Check that the output directory exists and is writable")
}

// isFileError checks if the error is file-related
func (srg *SafeReportGenerator) isFileError(err error) bool {
	return os.IsPermission(err) ||
		os.IsNotExist(err) ||
		os.IsExist(err) ||
		isSpaceError(err)
}

// generateBackupPath creates a backup file path
func (srg *SafeReportGenerator) generateBackupPath(originalPath string) string {
	dir := filepath.Dir(originalPath)
	base := filepath.Base(originalPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]

	return filepath.Join(dir, fmt.Sprintf("%s_backup%s", name, ext))
}

// wrapGenerationError wraps generation errors with context
func (srg *SafeReportGenerator) wrapGenerationError(err error) error {
	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return reconcilerErr
	}

	return errors.InternalError(
		errors.CodeUnexpectedError,
		"report_generation",
		err,
	).WithSuggestion("Check the output destination and report format settings")
}

// Utility functions

func getWriterDescription(writer io.Writer) string {
	switch w := writer.(type) {
	case *os.File:
		if w.Name() != "" {
			return fmt.Sprintf("file:%s", w.Name())
		}
		return "file:unnamed"
	default:
		return fmt.Sprintf("writer:%T", writer)
	}
}

func isSpaceError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "disk full") ||
		strings.Contains(msg, "device full")
}

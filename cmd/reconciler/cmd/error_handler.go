package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	out     io.Writer
	logger  logger.Logger
	verbose bool
}

// NewCLIErrorHandler creates a new CLI error handler writing to out
func NewCLIErrorHandler(out io.Writer, log logger.Logger, verbose bool) *CLIErrorHandler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &CLIErrorHandler{
		out:     out,
		logger:  log,
		verbose: verbose,
	}
}

// HandleError prints err and returns the process exit code
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Error("Command failed")

	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return h.handleReconcilerError(reconcilerErr)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleReconcilerError(err *errors.ReconcilerError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(h.out, "\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	fmt.Fprintf(h.out, "\n%s\n", h.getCategoryHelp(err.Category))

	if h.verbose {
		if err.Cause != nil {
			fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
		}
		SuggestRecoveryActions(h.out, err.Category)
	}

	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	var pathErr *os.PathError
	if stderrors.As(err, &pathErr) && (h.isFileNotFoundError(err) || h.isPermissionError(err)) {
		fmt.Fprint(h.out, FormatFileError(pathErr.Path, err))
		return 2
	}

	if h.isFileNotFoundError(err) {
		fmt.Fprintf(h.out, "Error: File not found\n")
		fmt.Fprintf(h.out, "Suggestion: Check if the file path is correct and the file exists\n")
		return 2
	}

	if h.isPermissionError(err) {
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have read access\n")
		return 2
	}

	if h.isDiskFullError(err) {
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	fmt.Fprintf(h.out, "Error: %v\n", err)
	if !h.verbose {
		fmt.Fprintf(h.out, "\nRun with --verbose for more detail\n")
	}
	return 1
}

// getCategoryHelp returns category-specific help text
func (h *CLIErrorHandler) getCategoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryFile:
		return `File error help:
• Check that the image directory and billing file exist and are readable
• Use absolute paths if the command runs from another directory
• Make sure the output directory exists and is writable`

	case errors.CategoryParse:
		return `Parse error help:
• Billing downloads must be the JSON export of the invoices object
• CSV billing files need a header row naming the mapped columns
• Check files exported from match must be a JSON array of checks`

	case errors.CategoryValidation:
		return `Validation error help:
• Dates use YYYY-MM-DD or MM/DD/YYYY
• --from must not be after --to
• Amounts are decimal numbers; "$" and thousands separators are accepted`

	case errors.CategoryConfiguration:
		return `Configuration error help:
• Set KNACK_APP_ID and KNACK_API_KEY in .env, or pass --billing-file
• --backend gemini needs GEMINI_API_KEY
• Use 'reconciler process --help' to see all available options`

	case errors.CategoryExtraction:
		return `Extraction error help:
• Make sure Ollama is running (ollama serve) and the model is pulled
• Set OLLAMA_URL if Ollama is not on localhost:11434
• Rescan images that are blurred, rotated or cropped`

	case errors.CategoryConsensus:
		return `Consensus error help:
• The readings of a check disagreed on a required field
• Raise --attempts or --extra-attempts for more readings
• Rescan the check at a higher resolution`

	case errors.CategoryBilling:
		return `Billing error help:
• Verify the Knack credentials and object key
• Download the invoices to billing_download.json and pass --billing-file
• No checks were matched; fix the billing source and run again`

	case errors.CategoryNetwork:
		return `Network error help:
• Check your connection to the billing and extraction services
• Requests are retried with backoff; persistent failures need a look at the service
• Try again later if the service is rate limiting`

	case errors.CategoryReconciliation:
		return `Reconciliation error help:
• Check that the run ID exists with 'reconciler serve' and GET /runs
• Try --mode single_best for unattended runs
• Adjust --near-miss if amounts differ by small fees`

	default:
		return `For more help:
• Use 'reconciler --help' for general help
• Use 'reconciler <command> --help' for command-specific help`
	}
}

// Error detection helpers

func (h *CLIErrorHandler) isFileNotFoundError(err error) bool {
	return stderrors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "no such file or directory")
}

func (h *CLIErrorHandler) isPermissionError(err error) bool {
	return stderrors.Is(err, os.ErrPermission) ||
		strings.Contains(err.Error(), "permission denied") ||
		strings.Contains(err.Error(), "access denied")
}

func (h *CLIErrorHandler) isDiskFullError(err error) bool {
	if stderrors.Is(err, syscall.ENOSPC) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full") ||
		strings.Contains(errStr, "device full")
}

// FormatFileError formats file-related errors with helpful information
func FormatFileError(filePath string, err error) string {
	baseName := filepath.Base(filePath)
	dir := filepath.Dir(filePath)

	var message strings.Builder
	message.WriteString(fmt.Sprintf("Error with file '%s':\n", baseName))
	message.WriteString(fmt.Sprintf("  Path: %s\n", filePath))
	message.WriteString(fmt.Sprintf("  Error: %v\n", err))

	if stderrors.Is(err, os.ErrNotExist) {
		message.WriteString("  Suggestion: Check if the file exists in the specified location\n")

		// Try to suggest similar files in the directory
		if entries, dirErr := os.ReadDir(dir); dirErr == nil {
			prefix := strings.ToLower(baseName[:min(len(baseName), 3)])
			var similar []string
			for _, entry := range entries {
				if !entry.IsDir() && strings.Contains(strings.ToLower(entry.Name()), prefix) {
					similar = append(similar, entry.Name())
				}
			}
			if len(similar) > 0 {
				message.WriteString("  Similar files found:\n")
				for _, name := range similar[:min(len(similar), 3)] {
					message.WriteString(fmt.Sprintf("    - %s\n", name))
				}
			}
		}
	} else if stderrors.Is(err, os.ErrPermission) {
		message.WriteString("  Suggestion: Check file permissions - you may need read access\n")
	}

	return message.String()
}

// ShowProgressError reports how far a run got before it failed
func ShowProgressError(w io.Writer, operation string, processed, total int64, err error) {
	fmt.Fprintf(w, "\nOperation '%s' failed after processing %d", operation, processed)
	if total > 0 {
		percentage := float64(processed) / float64(total) * 100
		fmt.Fprintf(w, "/%d items (%.1f%%)", total, percentage)
	}
	fmt.Fprintf(w, "\nError: %v\n", err)
}

// SuggestRecoveryActions suggests actions the user can take to recover from errors
func SuggestRecoveryActions(w io.Writer, category errors.ErrorCategory) {
	fmt.Fprintf(w, "\nRecovery suggestions:\n")

	switch category {
	case errors.CategoryFile:
		fmt.Fprintf(w, "• Verify file paths and permissions\n")
		fmt.Fprintf(w, "• Check available disk space\n")

	case errors.CategoryExtraction, errors.CategoryConsensus:
		fmt.Fprintf(w, "• Process the failed images again once the model is reachable\n")
		fmt.Fprintf(w, "• Checks that were read are unaffected\n")

	case errors.CategoryBilling, errors.CategoryNetwork:
		fmt.Fprintf(w, "• Retry once the billing service responds\n")
		fmt.Fprintf(w, "• Fall back to a billing download with --billing-file\n")

	case errors.CategoryConfiguration:
		fmt.Fprintf(w, "• Review command-line arguments and .env\n")
		fmt.Fprintf(w, "• Check configuration file syntax\n")

	case errors.CategoryReconciliation:
		fmt.Fprintf(w, "• Resume the review with 'reconciler review --run <id>'\n")
	}

	fmt.Fprintf(w, "• Check the log output for the failing step\n")
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"check-reconciliation-service/cmd/reconciler/config"
	"check-reconciliation-service/internal/extraction"
	"check-reconciliation-service/internal/reconciler"
	"check-reconciliation-service/pkg/errors"

	"github.com/spf13/cobra"
)

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Read check images and match them against outstanding invoices",
	Long: `Process reads every check image in a folder, fetches the outstanding
invoices and matches each payment to the invoices it may pay.

Every image is read several times and the readings are combined field by
field. Checks whose amount is unreadable, uncertain or just misses an
invoice are read again with an amount-focused prompt. You then confirm one
invoice per check; a stored run can be resumed with 'reconciler review'.

Examples:
  # Knack credentials from .env, interactive review
  reconciler process --images ./scans

  # Billing download, no prompts, JSON artifact
  reconciler process --images ./scans --billing-file billing_download.json \
    --no-review --output-format json --output-file run.json

  # Unattended: take the best candidate above the confidence floor
  reconciler process --images ./scans --mode single_best --output-format xlsx -o october.xlsx

  # Gemini instead of the local model
  reconciler process --images ./scans --backend gemini --progress`,

	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	consensus := extraction.DefaultConsensusConfig()
	f := processCmd.Flags()
	f.StringP("images", "i", "", "directory of scanned check images (required)")
	f.String("backend", string(extraction.BackendOllama), "vision backend: ollama, gemini")
	f.Int("attempts", consensus.InitialAttempts, "readings taken of every check")
	f.Int("extra-attempts", consensus.ExtraAttempts, "extra readings when the first ones disagree")
	f.Int("concurrency", consensus.Concurrency, "images read in parallel")
	f.Int("max-dimension", extraction.DefaultMaxDimension, "longest side in pixels of images sent to the model (0 keeps the original)")
	f.Bool("reanalysis", true, "re-read unreadable, uncertain and near-miss amounts")
	f.Bool("progress", false, "show progress indicators")
	f.String("save-checks", "", "write the extracted checks to this JSON file for 'reconciler match'")
	addBillingFlags(processCmd)
	addMatchingFlags(processCmd)
	addOutputFlags(processCmd)

	_ = processCmd.MarkFlagRequired("images")

	bind(processCmd, map[string]string{
		"backend":        config.KeyBackend,
		"attempts":       config.KeyAttempts,
		"extra-attempts": config.KeyExtraAttempts,
		"concurrency":    config.KeyConcurrency,
		"max-dimension":  config.KeyMaxImageSize,
		"reanalysis":     config.KeyReanalysis,
	})
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	imageDir, _ := cmd.Flags().GetString("images")
	if err := validateImageDir(imageDir); err != nil {
		return err
	}

	rt, err := newRuntime(ctx, imageDir, true, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	showProgress, _ := cmd.Flags().GetBool("progress")
	if showProgress {
		rt.orchestrator.AddProgressCallback(progressPrinter(cmd))
	}

	request := &reconciler.ReconciliationRequest{
		ImageDir: imageDir,
		From:     settings.Billing.Query.From,
		To:       settings.Billing.Query.To,
	}
	result, err := rt.orchestrator.ProcessReconciliation(ctx, request)
	if showProgress {
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if err != nil {
		if progress := rt.orchestrator.GetProgress(); progress.ImagesTotal > 0 {
			ShowProgressError(cmd.ErrOrStderr(), "process", int64(progress.ImagesProcessed), int64(progress.ImagesTotal), err)
		}
		return err
	}

	if path, _ := cmd.Flags().GetString("save-checks"); path != "" {
		if err := saveChecks(path, result); err != nil {
			return err
		}
	}

	return finishRun(ctx, cmd, rt, result)
}

// finishRun reviews a processed run and writes its artifact
func finishRun(ctx context.Context, cmd *cobra.Command, rt *services, result *reconciler.RunResult) error {
	reviewed, err := rt.orchestrator.Review(ctx, result, newReviewer(cmd, pendingChecks(result.Match)))
	if err != nil {
		return err
	}

	artifact := reconciler.BuildArtifact(result, reviewed)
	if err := writeArtifact(cmd, artifact); err != nil {
		return err
	}

	cliLogger.WithField("run_id", result.RunID).
		WithField("matched", artifact.Summary.MatchedPayments).
		WithField("pending", artifact.Summary.PendingReview).
		Info("Run finished")
	remindPending(cmd, result.RunID, reviewed.Outcome.Pending, result.Stored)
	return nil
}

func validateImageDir(dir string) error {
	if dir == "" {
		return errors.ValidationError(errors.CodeMissingField, "images", nil, fmt.Errorf("--images is required"))
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileError(errors.CodeFileNotFound, dir, err)
		}
		return errors.FileError(errors.CodeFilePermission, dir, err)
	}
	if !info.IsDir() {
		return errors.FileError(errors.CodeDirectoryError, dir, fmt.Errorf("expected a directory of check images"))
	}
	return nil
}

func saveChecks(path string, result *reconciler.RunResult) error {
	data, err := json.MarshalIndent(result.Checks, "", "  ")
	if err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "save_checks", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.FileError(errors.CodeFilePermission, path, err)
	}
	return nil
}

func progressPrinter(cmd *cobra.Command) reconciler.ProgressCallback {
	out := cmd.ErrOrStderr()
	return func(p *reconciler.ReconciliationProgress) {
		if p.CurrentStep == reconciler.StepExtract && p.ImagesTotal > 0 {
			fmt.Fprintf(out, "\r[%d/%d] %s %d/%d (%d failed)   ",
				p.CompletedSteps, p.TotalSteps, p.CurrentStep, p.ImagesProcessed, p.ImagesTotal, p.ImagesFailed)
			return
		}
		fmt.Fprintf(out, "\r[%d/%d] %s (%.1f%% complete)   ",
			p.CompletedSteps, p.TotalSteps, p.CurrentStep, p.PercentComplete)
	}
}

// signalContext is cancelled on interrupt so extraction stops between images
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

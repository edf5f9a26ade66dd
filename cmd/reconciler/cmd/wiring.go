package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"check-reconciliation-service/cmd/reconciler/config"
	"check-reconciliation-service/internal/extraction"
	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/reconciler"
	"check-reconciliation-service/internal/reporter"
	"check-reconciliation-service/internal/review"
	"check-reconciliation-service/internal/store"
	"check-reconciliation-service/pkg/errors"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// bind records flag to viper key bindings for c
func bind(c *cobra.Command, keys map[string]string) {
	if flagKeys[c] == nil {
		flagKeys[c] = make(map[string]string, len(keys))
	}
	for name, key := range keys {
		flagKeys[c][name] = key
	}
}

func addBillingFlags(c *cobra.Command) {
	f := c.Flags()
	f.String("billing-source", config.SourceAuto, "billing source: auto, knack, file, csv")
	f.String("billing-file", "", "billing download (.json) or CSV export of outstanding invoices")
	f.String("billing-mapping", "", "YAML file mapping billing fields to invoice fields")
	f.String("from", "", "only invoices dated on or after this day (YYYY-MM-DD)")
	f.String("to", "", "only invoices dated on or before this day (YYYY-MM-DD)")
	bind(c, map[string]string{
		"billing-source":  config.KeyBillingSource,
		"billing-file":    config.KeyBillingFile,
		"billing-mapping": config.KeyBillingMapping,
		"from":            config.KeyFromDate,
		"to":              config.KeyToDate,
	})
}

func addMatchingFlags(c *cobra.Command) {
	defaults := matcher.DefaultMatchingConfig()
	f := c.Flags()
	f.String("mode", string(defaults.Mode), "matching mode: all_candidates, single_best")
	f.String("name-strategy", string(defaults.NameStrategy), "name comparison: word_set, edit_distance")
	f.Float64("near-miss", defaults.NearMissTolerance.InexactFloat64(), "largest dollar difference still reported as a near miss")
	bind(c, map[string]string{
		"mode":          config.KeyMode,
		"name-strategy": config.KeyNameStrategy,
		"near-miss":     config.KeyNearMiss,
	})
}

func addOutputFlags(c *cobra.Command) {
	f := c.Flags()
	f.StringP("output-format", "f", string(reporter.FormatConsole), "output format: console, json, csv, xlsx")
	f.StringP("output-file", "o", "", "output file path (default: stdout)")
	f.Bool("no-review", false, "do not prompt; checks with candidates stay pending in the store")
	bind(c, map[string]string{
		"output-format": config.KeyOutputFormat,
		"output-file":   config.KeyOutputFile,
	})
}

// services is the set of services one command works with
type services struct {
	orchestrator *reconciler.ReconciliationOrchestrator
	store        *store.Store
	closers      []io.Closer
}

func (r *services) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			cliLogger.WithError(err).Warn("Failed to release resource")
		}
	}
}

// newRuntime builds the orchestrator. imageDir is searched for a billing
// download when no other billing source is configured.
func newRuntime(ctx context.Context, imageDir string, withBilling, withExtraction bool) (*services, error) {
	rt := &services{}

	if settings.StorePath != "" {
		st, err := store.Open(ctx, settings.StorePath, cliLogger)
		if err != nil {
			return nil, err
		}
		rt.store = st
		rt.closers = append(rt.closers, st)
	}

	if !withBilling {
		orchestrator, err := reconciler.NewReviewOrchestrator(rt.store, cliLogger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.orchestrator = orchestrator
		return rt, nil
	}

	source, err := config.CreateBillingSource(settings.Billing, imageDir, cliLogger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	components := reconciler.Components{Billing: source}
	if withExtraction {
		extractor, err := extraction.NewService(ctx, settings.Extraction, cliLogger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if closer, ok := extractor.(io.Closer); ok {
			rt.closers = append(rt.closers, closer)
		}
		components.Extraction = extractor
	}

	service, err := reconciler.NewReconciliationService(components, settings.Reconciler, cliLogger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	orchestrator, err := reconciler.NewReconciliationOrchestrator(service, rt.store, cliLogger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.orchestrator = orchestrator
	return rt, nil
}

// newReviewer returns a console reviewer, or nil when the command must not
// prompt. Input set with SetIn counts as interactive.
func newReviewer(c *cobra.Command, total int) matcher.Reviewer {
	if noReview, _ := c.Flags().GetBool("no-review"); noReview || total == 0 {
		return nil
	}
	in := c.InOrStdin()
	if in == os.Stdin && !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return nil
	}
	return review.NewConsoleReviewer(in, c.ErrOrStderr(), total, settings.Output.Color)
}

// pendingChecks is the number of checks a reviewer will be asked about
func pendingChecks(result *matcher.Result) int {
	if result == nil || result.Mode == matcher.ModeSingleBest {
		return 0
	}
	return result.Summary.ChecksWithMatches
}

// writeArtifact renders artifact to the output file, or to stdout
func writeArtifact(c *cobra.Command, artifact *reporter.Artifact) error {
	output := settings.Output
	reportConfig, err := config.CreateReportConfig(output.Format, output.Color)
	if err != nil {
		return err
	}
	generator, err := reporter.NewSafeReportGenerator(reportConfig, cliLogger)
	if err != nil {
		return err
	}

	if output.File == "" {
		if output.Format.Binary() {
			return errors.ConfigurationError(errors.CodeMissingConfig, config.KeyOutputFile, nil,
				fmt.Errorf("%s reports must be written to a file", output.Format)).
				WithSuggestion("Pass --output-file report.xlsx")
		}
		return generator.GenerateReportSafely(artifact, c.OutOrStdout())
	}

	written, err := generator.WriteFile(artifact, output.File)
	if err != nil {
		return err
	}
	if written != output.File {
		fmt.Fprintf(c.ErrOrStderr(), "Could not write %s; report saved to %s\n", output.File, written)
	}
	return nil
}

// remindPending tells the user how to finish an interrupted review
func remindPending(c *cobra.Command, runID string, pending int, stored bool) {
	if pending == 0 {
		return
	}
	if stored {
		fmt.Fprintf(c.ErrOrStderr(), "%d checks still need review. Resume with: reconciler review --run %s\n", pending, runID)
		return
	}
	fmt.Fprintf(c.ErrOrStderr(), "%d checks still need review. Use --store to keep runs for later review.\n", pending)
}

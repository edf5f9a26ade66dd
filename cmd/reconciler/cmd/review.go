package cmd

import (
	"fmt"

	"check-reconciliation-service/cmd/reconciler/config"
	"check-reconciliation-service/internal/reporter"
	"check-reconciliation-service/internal/store"
	"check-reconciliation-service/pkg/errors"

	"github.com/spf13/cobra"
)

// reviewCmd resumes the review of a stored run
var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Resume reviewing a saved run",
	Long: `Review continues where an earlier review stopped. Decisions already made
are kept; only checks that are still pending are shown. Without --run the
saved runs are listed.

Examples:
  reconciler review
  reconciler review --run 6f1c2a9e-3d4b-4c1e-9a51-0f6f9a7c2b10
  reconciler review --run 6f1c2a9e-... --no-review --output-format json`,

	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)

	reviewCmd.Flags().String("run", "", "ID of the run to resume")
	reviewCmd.Flags().Int("limit", 20, "runs listed when --run is not given")
	addOutputFlags(reviewCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := newRuntime(ctx, "", false, false)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.store == nil {
		return errors.ConfigurationError(errors.CodeMissingConfig, config.KeyStorePath, nil,
			fmt.Errorf("review needs a run store")).
			WithSuggestion("Pass --store with the database used by 'reconciler process'")
	}

	runID, _ := cmd.Flags().GetString("run")
	if runID == "" {
		limit, _ := cmd.Flags().GetInt("limit")
		return listRuns(cmd, rt.store, limit)
	}

	saved, err := rt.store.LoadRun(ctx, runID)
	if err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryReconciliation, errors.CodeDataInconsistent,
			fmt.Sprintf("cannot load run %s", runID))
	}

	run, reviewed, err := rt.orchestrator.ResumeReview(ctx, runID, newReviewer(cmd, pendingChecks(saved.Result)))
	if err != nil {
		return err
	}

	status := store.StatusCompleted
	if reviewed.Outcome.Pending > 0 {
		status = store.StatusPending
	}
	artifact := reporter.BuildArtifact(reporter.RunInfo{
		ID:            run.ID,
		Status:        string(status),
		BillingSource: run.BillingSource,
		ImageDir:      run.ImageDir,
		CreatedAt:     run.CreatedAt,
	}, run.Result, reviewed.Outcome, reviewed.Decisions)
	if err := writeArtifact(cmd, artifact); err != nil {
		return err
	}

	remindPending(cmd, run.ID, reviewed.Outcome.Pending, true)
	return nil
}

func listRuns(cmd *cobra.Command, st *store.Store, limit int) error {
	runs, err := st.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No saved runs.")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-16s  %-14s  %-14s  %6s  %9s\n", "RUN", "CREATED", "STATUS", "MODE", "CHECKS", "DECISIONS")
	for _, r := range runs {
		fmt.Fprintf(out, "%-36s  %-16s  %-14s  %-14s  %6d  %9d\n",
			r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Status, r.Mode, r.Summary.TotalChecks, r.Decisions)
	}
	return nil
}

package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/reconciler"
	"check-reconciliation-service/pkg/errors"

	"github.com/spf13/cobra"
)

// matchCmd re-matches checks extracted by an earlier run
var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match previously extracted checks against outstanding invoices",
	Long: `Match skips image reading and matches checks saved with
'reconciler process --save-checks' against a fresh set of invoices. Use it
to retry matching with another mode or billing window without paying for
another extraction pass.

Examples:
  reconciler match --checks checks.json
  reconciler match --checks checks.json --billing-file billing_download.json --mode single_best`,

	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	f := matchCmd.Flags()
	f.StringP("checks", "c", "", "JSON file of checks written by process --save-checks (required)")
	f.StringP("images", "i", "", "directory searched for a billing download (default: the checks file's directory)")
	addBillingFlags(matchCmd)
	addMatchingFlags(matchCmd)
	addOutputFlags(matchCmd)

	_ = matchCmd.MarkFlagRequired("checks")
}

func runMatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	checksFile, _ := cmd.Flags().GetString("checks")
	checks, err := loadChecks(checksFile)
	if err != nil {
		return err
	}

	imageDir, _ := cmd.Flags().GetString("images")
	if imageDir == "" {
		imageDir = filepath.Dir(checksFile)
	}

	rt, err := newRuntime(ctx, imageDir, true, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.orchestrator.ProcessChecks(ctx, &reconciler.ReconciliationRequest{
		ImageDir: imageDir,
		From:     settings.Billing.Query.From,
		To:       settings.Billing.Query.To,
	}, checks)
	if err != nil {
		return err
	}
	return finishRun(ctx, cmd, rt, result)
}

// loadChecks reads a JSON array of checks. A run result object with a
// "checks" member is accepted too.
func loadChecks(path string) ([]*models.CheckRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileError(errors.CodeFileNotFound, path, err)
		}
		return nil, errors.FileError(errors.CodeFilePermission, path, err)
	}

	var checks []*models.CheckRecord
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Checks []*models.CheckRecord `json:"checks"`
		}
		err = json.Unmarshal(trimmed, &wrapped)
		checks = wrapped.Checks
	} else {
		err = json.Unmarshal(data, &checks)
	}
	if err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, "checks", filepath.Base(path), err)
	}

	for i, check := range checks {
		if check == nil || check.ID == "" {
			return nil, errors.ParseError(errors.CodeInvalidData, "checks", filepath.Base(path),
				fmt.Errorf("check %d has no id", i+1))
		}
	}
	return checks, nil
}

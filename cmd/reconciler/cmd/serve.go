package cmd

import (
	"check-reconciliation-service/cmd/reconciler/config"
	"check-reconciliation-service/internal/api"
	"check-reconciliation-service/internal/store"
	"check-reconciliation-service/pkg/errors"

	"github.com/spf13/cobra"
)

// serveCmd exposes the run store over HTTP
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve saved runs over HTTP for review from other tools",
	Long: `Serve starts the review API on top of the run store. Runs can be
listed, their pending checks fetched and decisions posted while no CLI
review is open on the same run.

Endpoints:
  GET  /health
  GET  /runs
  GET  /runs/:id
  GET  /runs/:id/pending
  GET  /runs/:id/checks/:check
  POST /runs/:id/checks/:check/accept
  POST /runs/:id/checks/:check/skip
  GET  /runs/:id/artifact

Examples:
  reconciler serve
  reconciler serve --addr 0.0.0.0:9090 --store /var/lib/reconciler/runs.db`,

	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", api.DefaultConfig().Addr, "listen address")
	bind(serveCmd, map[string]string{"addr": config.KeyListenAddr})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	if settings.StorePath == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, config.KeyStorePath, nil, nil).
			WithSuggestion("Pass --store with the database written by 'reconciler process'")
	}
	st, err := store.Open(ctx, settings.StorePath, cliLogger)
	if err != nil {
		return err
	}
	defer st.Close()

	return api.NewServer(st, settings.API, cliLogger).ListenAndServe(ctx)
}

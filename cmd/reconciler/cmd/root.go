package cmd

import (
	"fmt"
	"os"

	"check-reconciliation-service/cmd/reconciler/config"
	"check-reconciliation-service/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	envFile   string
	configErr error
	version   = "dev"
	commit    = "unknown"
	date      = "unknown"

	// settings and cliLogger are resolved before any subcommand runs
	settings  *config.Settings
	cliLogger = logger.NewNopLogger()
)

// flagKeys maps each command's local flags to the viper keys they set.
// Binding happens when the command runs so commands sharing a flag name do
// not steal each other's binding.
var flagKeys = map[*cobra.Command]map[string]string{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Check payment reconciliation tool",
	Long: `Reconciler reads scanned check images with a vision model, matches the
payments against outstanding invoices and walks you through confirming
each match.

Invoices come from Knack when KNACK_APP_ID and KNACK_API_KEY are set, or
from a billing download file. Checks are read by a local Ollama model or by
Gemini when --backend gemini and GEMINI_API_KEY are given.

Examples:
  reconciler process --images ./scans
  reconciler process --images ./scans --billing-file billing_download.json --mode single_best
  reconciler process --images ./scans --output-format xlsx --output-file october.xlsx
  reconciler review --run 6f1c2a9e-...
  reconciler serve --addr 127.0.0.1:8080
  reconciler version`,
	Version:           getVersionString(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: prepare,
}

// Execute runs the command line and returns the process exit code
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	return NewCLIErrorHandler(os.Stderr, cliLogger, viper.GetBool(config.KeyVerbose)).HandleError(err)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (optional)")
	flags.StringVar(&envFile, "env-file", ".env", "file with KNACK_*, GEMINI_API_KEY and OLLAMA_URL settings")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text, json")
	flags.String("log-file", "", "write logs to this file instead of stderr")
	flags.String("store", "reconciler.db", "SQLite run store used to save and resume reviews")
	flags.Bool("color", true, "colorize console output")

	// Bind flags to viper
	for name, key := range map[string]string{
		"verbose":    config.KeyVerbose,
		"log-level":  config.KeyLogLevel,
		"log-format": config.KeyLogFormat,
		"log-file":   config.KeyLogFile,
		"store":      config.KeyStorePath,
		"color":      config.KeyOutputColor,
	} {
		_ = viper.BindPFlag(key, flags.Lookup(name))
	}
}

// initConfig reads in the .env file, config file and ENV variables.
func initConfig() {
	if err := config.LoadEnv(envFile); err != nil {
		configErr = err
		return
	}
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			configErr = fmt.Errorf("error reading config file: %w", err)
			return
		}
		if viper.GetBool(config.KeyVerbose) {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

// prepare binds the running command's flags and resolves settings
func prepare(cmd *cobra.Command, args []string) error {
	if configErr != nil {
		return configErr
	}
	for name, key := range flagKeys[cmd] {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			if err := viper.BindPFlag(key, flag); err != nil {
				return err
			}
		}
	}

	resolved, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(resolved.Log)
	if err != nil {
		return err
	}

	settings = resolved
	cliLogger = log.WithComponent("cli")
	return nil
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}

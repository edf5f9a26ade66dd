// Package config turns command-line flags, environment variables and an
// optional config file into the service configurations of a run.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"check-reconciliation-service/internal/api"
	"check-reconciliation-service/internal/billing"
	"check-reconciliation-service/internal/extraction"
	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/reconciler"
	"check-reconciliation-service/internal/reporter"
	"check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every RECONCILER_* environment variable
const EnvPrefix = "RECONCILER"

// Billing source selectors
const (
	SourceAuto  = "auto"
	SourceKnack = "knack"
	SourceFile  = "file"
	SourceCSV   = "csv"
)

// Keys used in viper. Flags bind to the same names.
const (
	KeyBillingSource   = "billing.source"
	KeyBillingFile     = "billing.file"
	KeyBillingMapping  = "billing.mapping"
	KeyKnackAppID      = "knack.app_id"
	KeyKnackAPIKey     = "knack.api_key"
	KeyKnackObject     = "knack.object"
	KeyKnackURL        = "knack.url"
	KeyBackend         = "extraction.backend"
	KeyOllamaURL       = "ollama.url"
	KeyOllamaModel     = "ollama.model"
	KeyGeminiAPIKey    = "gemini.api_key"
	KeyGeminiModel     = "gemini.model"
	KeyAttempts        = "consensus.attempts"
	KeyExtraAttempts   = "consensus.extra_attempts"
	KeyConcurrency     = "consensus.concurrency"
	KeyMaxImageSize    = "extraction.max_dimension"
	KeyMode            = "matching.mode"
	KeyNameStrategy    = "matching.name_strategy"
	KeyNearMiss        = "matching.near_miss"
	KeyAmountStrategy  = "matching.amount_strategy"
	KeyAmountTolerance = "matching.amount_tolerance_percent"
	KeyAllFloor        = "matching.all_candidates_floor"
	KeySingleBestFloor = "matching.single_best_floor"
	KeyMaxCandidates   = "matching.max_candidates"
	KeyWeightAmount    = "matching.weights.amount"
	KeyWeightDate      = "matching.weights.date"
	KeyWeightFromName  = "matching.weights.from_name"
	KeyWeightPayee     = "matching.weights.payee"
	KeyReanalysis      = "reanalysis.enabled"
	KeyStorePath       = "store.path"
	KeyListenAddr      = "api.addr"
	KeyLogLevel        = "log.level"
	KeyLogFormat       = "log.format"
	KeyLogFile         = "log.file"
	KeyOutputFormat    = "output.format"
	KeyOutputFile      = "output.file"
	KeyOutputColor     = "output.color"
	KeyVerbose         = "verbose"
	KeyFromDate        = "billing.from"
	KeyToDate          = "billing.to"
)

const (
	defaultStoreFile = "reconciler.db"
	dateLayout       = "2006-01-02"
	legacyDateLayout = "01/02/2006"
)

// credentialEnv maps keys to the unprefixed variable names found in .env files
var credentialEnv = map[string]string{
	KeyKnackAppID:   "KNACK_APP_ID",
	KeyKnackAPIKey:  "KNACK_API_KEY",
	KeyGeminiAPIKey: "GEMINI_API_KEY",
	KeyOllamaURL:    "OLLAMA_URL",
}

// LoadEnv loads .env files into the process environment. Missing files are
// ignored; variables already set are not overridden.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "env_file", file, err).
				WithSuggestion("Check the .env file syntax: one KEY=value per line")
		}
	}
	return nil
}

// SetDefaults registers defaults and environment bindings on v
func SetDefaults(v *viper.Viper) {
	knack := billing.DefaultKnackConfig()
	ollama := extraction.DefaultOllamaConfig()
	gemini := extraction.DefaultGeminiConfig()
	consensus := extraction.DefaultConsensusConfig()
	matching := matcher.DefaultMatchingConfig()

	v.SetDefault(KeyBillingSource, SourceAuto)
	v.SetDefault(KeyKnackObject, knack.ObjectKey)
	v.SetDefault(KeyKnackURL, knack.BaseURL)
	v.SetDefault(KeyBackend, string(extraction.BackendOllama))
	v.SetDefault(KeyOllamaURL, ollama.BaseURL)
	v.SetDefault(KeyOllamaModel, ollama.Model)
	v.SetDefault(KeyGeminiModel, gemini.Model)
	v.SetDefault(KeyAttempts, consensus.InitialAttempts)
	v.SetDefault(KeyExtraAttempts, consensus.ExtraAttempts)
	v.SetDefault(KeyConcurrency, consensus.Concurrency)
	v.SetDefault(KeyMaxImageSize, extraction.DefaultMaxDimension)
	v.SetDefault(KeyMode, string(matcher.ModeAllCandidates))
	v.SetDefault(KeyNameStrategy, string(matching.NameStrategy))
	v.SetDefault(KeyNearMiss, matching.NearMissTolerance.InexactFloat64())
	v.SetDefault(KeyAmountStrategy, string(matching.AmountStrategy))
	v.SetDefault(KeyAmountTolerance, matching.AmountTolerancePercent)
	v.SetDefault(KeyAllFloor, matching.AllCandidatesFloor)
	v.SetDefault(KeySingleBestFloor, matching.SingleBestFloor)
	v.SetDefault(KeyMaxCandidates, matching.MaxCandidatesPerCheck)
	v.SetDefault(KeyWeightAmount, matching.Weights.Amount)
	v.SetDefault(KeyWeightDate, matching.Weights.Date)
	v.SetDefault(KeyWeightFromName, matching.Weights.FromName)
	v.SetDefault(KeyWeightPayee, matching.Weights.Payee)
	v.SetDefault(KeyReanalysis, true)
	v.SetDefault(KeyStorePath, defaultStoreFile)
	v.SetDefault(KeyListenAddr, api.DefaultConfig().Addr)
	v.SetDefault(KeyLogLevel, string(logger.InfoLevel))
	v.SetDefault(KeyLogFormat, string(logger.TextFormat))
	v.SetDefault(KeyOutputFormat, string(reporter.FormatConsole))
	v.SetDefault(KeyOutputColor, true)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range credentialEnv {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env)
	}
}

// BillingSettings selects and configures the billing source
type BillingSettings struct {
	Source      string
	File        string
	MappingFile string
	Knack       billing.KnackConfig
	Query       billing.Query
}

// HasKnackCredentials reports whether the hosted source can be used
func (b BillingSettings) HasKnackCredentials() bool {
	return b.Knack.AppID != "" && b.Knack.APIKey != ""
}

// Settings is the resolved configuration of one command
type Settings struct {
	Billing    BillingSettings
	Extraction extraction.Config
	Reconciler *reconciler.Config
	StorePath  string
	API        api.Config
	Log        *logger.Config
	Output     OutputSettings
}

// OutputSettings controls the run artifact
type OutputSettings struct {
	Format reporter.OutputFormat
	File   string
	Color  bool
}

// Load resolves every setting from v
func Load(v *viper.Viper) (*Settings, error) {
	billingSettings, err := loadBilling(v)
	if err != nil {
		return nil, err
	}

	matching, err := CreateMatchingConfig(MatchingOptions{
		Mode:                   v.GetString(KeyMode),
		NameStrategy:           v.GetString(KeyNameStrategy),
		AmountStrategy:         v.GetString(KeyAmountStrategy),
		AmountTolerancePercent: v.GetFloat64(KeyAmountTolerance),
		AllCandidatesFloor:     v.GetFloat64(KeyAllFloor),
		SingleBestFloor:        v.GetFloat64(KeySingleBestFloor),
		MaxCandidates:          v.GetInt(KeyMaxCandidates),
		NearMiss:               v.GetFloat64(KeyNearMiss),
		Weights: matcher.MatchingWeights{
			Amount:   v.GetFloat64(KeyWeightAmount),
			Date:     v.GetFloat64(KeyWeightDate),
			FromName: v.GetFloat64(KeyWeightFromName),
			Payee:    v.GetFloat64(KeyWeightPayee),
		},
	})
	if err != nil {
		return nil, err
	}

	recon := reconciler.DefaultConfig()
	recon.Matching = matching
	recon.Consensus.InitialAttempts = v.GetInt(KeyAttempts)
	recon.Consensus.ExtraAttempts = v.GetInt(KeyExtraAttempts)
	recon.Consensus.Concurrency = v.GetInt(KeyConcurrency)
	recon.MaxImageDimension = v.GetInt(KeyMaxImageSize)
	recon.EnableReanalysis = v.GetBool(KeyReanalysis)
	if err := recon.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "reconciler", nil, err)
	}

	ollama := extraction.DefaultOllamaConfig()
	ollama.BaseURL = v.GetString(KeyOllamaURL)
	ollama.Model = v.GetString(KeyOllamaModel)
	gemini := extraction.DefaultGeminiConfig()
	gemini.APIKey = v.GetString(KeyGeminiAPIKey)
	gemini.Model = v.GetString(KeyGeminiModel)

	apiConfig := api.DefaultConfig()
	apiConfig.Addr = v.GetString(KeyListenAddr)

	logConfig, err := CreateLoggerConfig(v.GetString(KeyLogLevel), v.GetString(KeyLogFormat), v.GetString(KeyLogFile), v.GetBool(KeyVerbose))
	if err != nil {
		return nil, err
	}

	format := reporter.OutputFormat(strings.ToLower(v.GetString(KeyOutputFormat)))
	if !format.IsValid() {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, KeyOutputFormat, format,
			fmt.Errorf("valid formats: console, json, csv, xlsx"))
	}

	return &Settings{
		Billing: billingSettings,
		Extraction: extraction.Config{
			Backend: extraction.Backend(strings.ToLower(v.GetString(KeyBackend))),
			Ollama:  ollama,
			Gemini:  gemini,
		},
		Reconciler: recon,
		StorePath:  v.GetString(KeyStorePath),
		API:        apiConfig,
		Log:        logConfig,
		Output: OutputSettings{
			Format: format,
			File:   v.GetString(KeyOutputFile),
			Color:  v.GetBool(KeyOutputColor),
		},
	}, nil
}

func loadBilling(v *viper.Viper) (BillingSettings, error) {
	settings := BillingSettings{
		Source:      strings.ToLower(v.GetString(KeyBillingSource)),
		File:        v.GetString(KeyBillingFile),
		MappingFile: v.GetString(KeyBillingMapping),
	}
	switch settings.Source {
	case SourceAuto, SourceKnack, SourceFile, SourceCSV:
	default:
		return settings, errors.ConfigurationError(errors.CodeInvalidConfig, KeyBillingSource, settings.Source,
			fmt.Errorf("valid sources: auto, knack, file, csv"))
	}

	mapping, err := billing.LoadFieldMapping(settings.MappingFile)
	if err != nil {
		return settings, err
	}

	settings.Knack = billing.DefaultKnackConfig()
	settings.Knack.AppID = v.GetString(KeyKnackAppID)
	settings.Knack.APIKey = v.GetString(KeyKnackAPIKey)
	settings.Knack.ObjectKey = v.GetString(KeyKnackObject)
	settings.Knack.BaseURL = v.GetString(KeyKnackURL)
	settings.Knack.Mapping = mapping

	from, err := ParseDate(v.GetString(KeyFromDate))
	if err != nil {
		return settings, errors.ValidationError(errors.CodeInvalidDate, KeyFromDate, v.GetString(KeyFromDate), err)
	}
	to, err := ParseDate(v.GetString(KeyToDate))
	if err != nil {
		return settings, errors.ValidationError(errors.CodeInvalidDate, KeyToDate, v.GetString(KeyToDate), err)
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return settings, errors.ValidationError(errors.CodeOutOfRange, "billing.from", from.Format(dateLayout),
			fmt.Errorf("start date cannot be after end date"))
	}
	if !to.IsZero() {
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	settings.Query = billing.Query{From: from, To: to}
	return settings, nil
}

// ParseDate accepts YYYY-MM-DD or MM/DD/YYYY. Empty input is the zero time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{dateLayout, legacyDateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("use YYYY-MM-DD: %q", s)
}

// CreateBillingSource picks the billing source. In auto mode Knack is used
// when credentials are present, otherwise the newest billing download in
// imageDir.
func CreateBillingSource(settings BillingSettings, imageDir string, log logger.Logger) (billing.Source, error) {
	switch settings.Source {
	case SourceKnack:
		return billing.NewKnackSource(settings.Knack, log)
	case SourceCSV:
		if settings.File == "" {
			return nil, errors.ConfigurationError(errors.CodeMissingConfig, KeyBillingFile, nil,
				fmt.Errorf("the csv source needs --billing-file"))
		}
		return billing.NewCSVSource(settings.File, billing.DefaultCSVConfig(), log), nil
	case SourceFile:
		if settings.File == "" {
			return nil, errors.ConfigurationError(errors.CodeMissingConfig, KeyBillingFile, nil,
				fmt.Errorf("the file source needs --billing-file"))
		}
		return billing.NewFileSource(settings.File, settings.Knack.Mapping, log), nil
	}

	if settings.File != "" {
		if strings.HasSuffix(strings.ToLower(settings.File), ".csv") {
			return billing.NewCSVSource(settings.File, billing.DefaultCSVConfig(), log), nil
		}
		return billing.NewFileSource(settings.File, settings.Knack.Mapping, log), nil
	}
	if settings.HasKnackCredentials() {
		return billing.NewKnackSource(settings.Knack, log)
	}
	if imageDir != "" {
		path, err := billing.FindDownload(imageDir)
		if err != nil {
			return nil, err
		}
		if path != "" {
			return billing.NewFileSource(path, settings.Knack.Mapping, log), nil
		}
	}
	return nil, errors.ConfigurationError(errors.CodeMissingConfig, KeyBillingSource, nil,
		fmt.Errorf("no Knack credentials and no %s in %q", billing.DownloadPattern, imageDir)).
		WithSuggestion("Set KNACK_APP_ID and KNACK_API_KEY, or pass --billing-file")
}

// MatchingOptions are the matching settings read from flags, environment
// and config file
type MatchingOptions struct {
	Mode                   string
	NameStrategy           string
	AmountStrategy         string
	AmountTolerancePercent float64
	AllCandidatesFloor     float64
	SingleBestFloor        float64
	MaxCandidates          int
	NearMiss               float64
	Weights                matcher.MatchingWeights
}

// CreateMatchingConfig creates a matching configuration from opts. Empty
// strategy names and an all-zero weight set keep the defaults.
func CreateMatchingConfig(opts MatchingOptions) (*matcher.MatchingConfig, error) {
	config := matcher.DefaultMatchingConfig()
	if opts.Mode != "" {
		config.Mode = matcher.Mode(canonical(opts.Mode))
	}
	if opts.NameStrategy != "" {
		config.NameStrategy = matcher.NameStrategy(canonical(opts.NameStrategy))
	}
	if opts.AmountStrategy != "" {
		config.AmountStrategy = matcher.AmountStrategy(canonical(opts.AmountStrategy))
	}
	if opts.Weights.Sum() > 0 {
		config.Weights = opts.Weights
	}
	config.AmountTolerancePercent = opts.AmountTolerancePercent
	config.AllCandidatesFloor = opts.AllCandidatesFloor
	config.SingleBestFloor = opts.SingleBestFloor
	config.MaxCandidatesPerCheck = opts.MaxCandidates
	config.NearMissTolerance = decimal.NewFromFloat(opts.NearMiss)

	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching", config.String(), err).
			WithSuggestion("Use --mode all_candidates|single_best, --name-strategy word_set|edit_distance, " +
				"matching.amount_strategy relative|percentage, floors between 0 and 1 and matching.weights summing to 1.0")
	}
	return config, nil
}

func canonical(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}

// CreateLoggerConfig creates the logger configuration. Verbose forces
// debug level with caller info.
func CreateLoggerConfig(level, format, file string, verbose bool) (*logger.Config, error) {
	config := logger.DefaultConfig()
	if verbose {
		config = logger.DebugConfig()
	} else if level != "" {
		config.Level = logger.Level(strings.ToLower(level))
	}
	if format != "" {
		config.Format = logger.Format(strings.ToLower(format))
	}
	if file != "" {
		config.Output = logger.FileOutput
		config.File = file
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "log", nil, err)
	}
	return config, nil
}

// CreateReportConfig creates a report configuration for the output format
func CreateReportConfig(format reporter.OutputFormat, useColors bool) (*reporter.ReportConfig, error) {
	config := reporter.DefaultReportConfig()
	config.Format = format
	config.UseColors = useColors && format == reporter.FormatConsole

	if format == reporter.FormatCSV {
		config.CSVHeaders = true
		config.CSVDelimiter = ','
	}

	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, KeyOutputFormat, format, err)
	}
	return config, nil
}

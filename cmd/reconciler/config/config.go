// Package config turns viper settings into the configurations the
// reconciler packages expect
package config

import (
	"fmt"
	"strings"
	"time"

	"reconciliation-engine/internal/api"
	"reconciliation-engine/internal/matcher"
	"reconciliation-engine/internal/parsers"
	"reconciliation-engine/internal/reporter"
	"reconciliation-engine/internal/semantic"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables, e.g.
// RECONCILER_MATCHING_FUZZY_THRESHOLD
const EnvPrefix = "RECONCILER"

// Setting keys
const (
	KeyDatabase  = "database"
	KeyLogLevel  = "log.level"
	KeyLogFormat = "log.format"
	KeyLogOutput = "log.output"
	KeyLogFile   = "log.file"

	KeyProfile              = "matching.profile"
	KeyAmountTolerance      = "matching.amount_tolerance"
	KeyAmountCeiling        = "matching.amount_ceiling"
	KeyDateToleranceDays    = "matching.date_tolerance_days"
	KeyFuzzyThreshold       = "matching.fuzzy_threshold"
	KeyAutoConfirmThreshold = "matching.auto_confirm_threshold"
	KeyScoringWorkers       = "matching.scoring_workers"

	KeySemanticEnabled   = "matching.semantic.enabled"
	KeySemanticEndpoint  = "matching.semantic.endpoint"
	KeySemanticAPIKey    = "matching.semantic.api_key"
	KeySemanticThreshold = "matching.semantic.threshold"
	KeySemanticTimeout   = "matching.semantic.timeout"

	KeyServerAddr           = "server.addr"
	KeyServerAllowedOrigins = "server.allowed_origins"
)

// NewViper returns a viper instance with the environment binding and the
// defaults of every non-matching setting. Matching settings have no defaults
// here; unset keys keep the value of the selected profile.
func NewViper() *viper.Viper {
	v := viper.New()
	Configure(v)
	return v
}

// Configure applies the environment binding and defaults to v
func Configure(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDatabase, "reconciler.db")
	v.SetDefault(KeyLogLevel, string(logger.InfoLevel))
	v.SetDefault(KeyLogFormat, string(logger.TextFormat))
	v.SetDefault(KeyLogOutput, string(logger.StderrOutput))
	v.SetDefault(KeyServerAddr, ":8080")
	v.SetDefault(KeyServerAllowedOrigins, []string{"http://localhost:3000"})
}

// BuildLoggerConfig reads the log settings
func BuildLoggerConfig(v *viper.Viper, verbose bool) *logger.Config {
	cfg := &logger.Config{
		Level:  logger.Level(strings.ToLower(v.GetString(KeyLogLevel))),
		Format: logger.Format(strings.ToLower(v.GetString(KeyLogFormat))),
		Output: logger.Output(strings.ToLower(v.GetString(KeyLogOutput))),
		File:   v.GetString(KeyLogFile),
	}
	if verbose {
		cfg.Level = logger.DebugLevel
	}
	return cfg
}

// BuildMatchingConfig starts from the profile preset and applies every
// matching setting that is explicitly set
func BuildMatchingConfig(v *viper.Viper) (*matcher.MatchingConfig, error) {
	cfg, err := matcher.ConfigForProfile(strings.ToLower(v.GetString(KeyProfile)))
	if err != nil {
		return nil, err
	}

	if v.IsSet(KeyAmountTolerance) {
		d, err := readDecimal(v, KeyAmountTolerance)
		if err != nil {
			return nil, err
		}
		cfg.AmountTolerance = d
	}
	if v.IsSet(KeyAmountCeiling) {
		d, err := readDecimal(v, KeyAmountCeiling)
		if err != nil {
			return nil, err
		}
		cfg.AmountCeiling = d
	}
	if v.IsSet(KeyDateToleranceDays) {
		cfg.DateToleranceDays = v.GetInt(KeyDateToleranceDays)
	}
	if v.IsSet(KeyFuzzyThreshold) {
		cfg.FuzzyThreshold = v.GetFloat64(KeyFuzzyThreshold)
	}
	if v.IsSet(KeyAutoConfirmThreshold) {
		cfg.AutoConfirmThreshold = v.GetFloat64(KeyAutoConfirmThreshold)
	}
	if v.IsSet(KeyScoringWorkers) {
		cfg.ScoringWorkers = v.GetInt(KeyScoringWorkers)
	}
	if v.IsSet(KeySemanticEnabled) {
		cfg.SemanticEnabled = v.GetBool(KeySemanticEnabled)
	}
	if v.IsSet(KeySemanticThreshold) {
		cfg.SemanticThreshold = v.GetFloat64(KeySemanticThreshold)
	}
	if v.IsSet(KeySemanticTimeout) {
		cfg.SemanticTimeout = v.GetDuration(KeySemanticTimeout)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readDecimal(v *viper.Viper, key string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, key, raw, err)
	}
	return d, nil
}

// BuildSemanticMatcher returns the semantic collaborator, or nil when the
// stage is disabled. An endpoint selects the HTTP client; without one the
// offline keyword matcher is used.
func BuildSemanticMatcher(v *viper.Viper) (matcher.SemanticMatcher, error) {
	if !v.GetBool(KeySemanticEnabled) {
		return nil, nil
	}

	endpoint := strings.TrimSpace(v.GetString(KeySemanticEndpoint))
	if endpoint == "" {
		return semantic.NewKeywordMatcher(), nil
	}

	timeout := v.GetDuration(KeySemanticTimeout)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client, err := semantic.NewClient(semantic.ClientConfig{
		Endpoint: endpoint,
		APIKey:   v.GetString(KeySemanticAPIKey),
		Timeout:  timeout,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// BuildServerConfig reads the HTTP server settings
func BuildServerConfig(v *viper.Viper, matching *matcher.MatchingConfig) *api.Config {
	cfg := api.DefaultConfig()
	cfg.Addr = v.GetString(KeyServerAddr)
	cfg.AllowedOrigins = v.GetStringSlice(KeyServerAllowedOrigins)
	if matching != nil {
		cfg.Matching = matching
	}
	return cfg
}

// CreateColumnConfig returns the column layout for an import. kind is
// "transactions" or "ledger"; account fills rows without an account column.
func CreateColumnConfig(kind, delimiter, account string) (*parsers.ColumnConfig, error) {
	var cols *parsers.ColumnConfig
	switch kind {
	case "transactions":
		cols = parsers.DefaultTransactionColumns()
	case "ledger":
		cols = parsers.DefaultLedgerColumns()
	default:
		return nil, fmt.Errorf("unknown import kind: %s", kind)
	}

	if delimiter != "" {
		d, err := parseDelimiter(delimiter)
		if err != nil {
			return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "delimiter", delimiter, err)
		}
		cols.Delimiter = d
	}
	cols.AccountID = strings.TrimSpace(account)

	if err := cols.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "columns", kind, err)
	}
	return cols, nil
}

func parseDelimiter(s string) (rune, error) {
	switch s {
	case "tab", `\t`:
		return '\t', nil
	case "comma":
		return ',', nil
	case "semicolon":
		return ';', nil
	}
	runes := []rune(s)
	if len(runes) != 1 {
		return 0, fmt.Errorf("delimiter must be a single character")
	}
	return runes[0], nil
}

// CreateReportConfig creates a report configuration for the specified output format
func CreateReportConfig(format string) (*reporter.ReportConfig, error) {
	config := reporter.DefaultReportConfig()
	config.Format = reporter.OutputFormat(strings.ToLower(format))

	switch config.Format {
	case reporter.FormatConsole:
		config.IncludeMatches = true
		config.IncludeExceptions = true
	case reporter.FormatJSON:
		config.IncludeMatches = true
		config.IncludeExceptions = true
		config.IncludeResolved = true
	case reporter.FormatCSV:
		config.CSVHeaders = true
		config.CSVDelimiter = ','
		config.IncludeResolved = true
		config.IncludeRunInfo = false
	default:
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "output-format", format, nil).
			WithSuggestion("Valid formats: console, json, csv")
	}
	return config, config.Validate()
}

// ParseLink parses a BANK=LEDGER account link
func ParseLink(s string) (bank, ledger string, err error) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "link", s, nil).
			WithSuggestion("Use BANK_ACCOUNT=LEDGER_ACCOUNT, e.g. --link BANK-1=1000")
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

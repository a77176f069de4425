package cmd

import (
	"fmt"
	"os"
	"time"

	"reconciliation-engine/cmd/reconciler/config"
	"reconciliation-engine/internal/reconciler"
	"reconciliation-engine/internal/storage"
	"reconciliation-engine/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Bank to ledger reconciliation engine",
	Long: `Reconciler pairs bank statement transactions with general ledger entries.
Each reconciliation runs in a session scoped to one bank account and period.
Transactions are matched by user rules, exact amount and date, fuzzy scoring
and optionally a semantic matcher; whatever is left becomes a classified
exception for review.

Examples:
  reconciler import --transactions bank.csv --ledger ledger.csv --link BANK-1=1000
  reconciler reconcile --account BANK-1 --start 2024-01-01 --end 2024-01-31
  reconciler session show <session-id>
  reconciler serve --addr :8080`,
	Version:       getVersionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("database", "", "SQLite database path (default reconciler.db)")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text, json")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag(config.KeyDatabase, rootCmd.PersistentFlags().Lookup("database"))
	viper.BindPFlag(config.KeyLogFormat, rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables.
// Variables from a .env file in the working directory never override the environment.
func initConfig() {
	envLoaded := godotenv.Load() == nil
	config.Configure(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)

		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
			os.Exit(4)
		}
	}

	log, err := logger.NewLogger(config.BuildLoggerConfig(viper.GetViper(), viper.GetBool("verbose")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log settings, using defaults: %s\n", err)
		return
	}
	logger.SetGlobalLogger(log)

	if cfgFile != "" {
		log.WithField("file", viper.ConfigFileUsed()).Debug("Using config file")
	}
	if envLoaded {
		log.Debug("Loaded environment from .env")
	}
}

// bindFlags binds the named flags of the running command to viper keys.
// Binding happens at run time because several commands share keys.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func databasePath() string {
	return viper.GetString(config.KeyDatabase)
}

// openManager opens the configured store and a session manager over it.
// The caller closes the store.
func openManager() (*storage.SQLiteStore, *reconciler.Manager, error) {
	store, err := storage.NewSQLiteStore(databasePath())
	if err != nil {
		return nil, nil, err
	}

	semantic, err := config.BuildSemanticMatcher(viper.GetViper())
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	opts := []reconciler.ManagerOption{
		reconciler.WithLogger(logger.GetGlobalLogger()),
		reconciler.WithClock(time.Now),
	}
	if semantic != nil {
		opts = append(opts, reconciler.WithSemanticMatcher(semantic))
	}
	return store, reconciler.NewManager(store, opts...), nil
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

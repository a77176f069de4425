package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"reconciliation-engine/cmd/reconciler/config"
	"reconciliation-engine/internal/models"
	"reconciliation-engine/internal/reconciler"
	"reconciliation-engine/internal/reporter"
	"reconciliation-engine/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flags for the reconcile command
var (
	reconcileAccount  string
	reconcileStart    string
	reconcileEnd      string
	reconcileComplete bool
	outputFormat      string
	outputFile        string
)

// matchingFlags maps the matching flags shared by reconcile and session start onto viper keys
var matchingFlags = map[string]string{
	"profile":          config.KeyProfile,
	"date-tolerance":   config.KeyDateToleranceDays,
	"amount-tolerance": config.KeyAmountTolerance,
	"fuzzy-threshold":  config.KeyFuzzyThreshold,
	"semantic":         config.KeySemanticEnabled,
	"workers":          config.KeyScoringWorkers,
}

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile a bank account for a period and print the report",
	Long: `Reconcile starts a session for one bank account and period, runs the
matching pipeline over the imported data and prints the session report.

Confident matches are confirmed automatically; everything else stays pending
or becomes an exception for review. Use --complete to close the session right
away, otherwise review it with 'reconciler session' or the HTTP API.

Examples:
  # Default profile, console report
  reconciler reconcile --account BANK-1 --start 2024-01-01 --end 2024-01-31

  # Strict matching, JSON report written to a file
  reconciler reconcile --account BANK-1 --start 2024-01-01 --end 2024-01-31 \
    --profile strict --output-format json --output-file report.json

  # Wider date window, semantic matching enabled, session completed
  reconciler reconcile --account BANK-1 --start 2024-01-01 --end 2024-01-31 \
    --date-tolerance 5 --semantic --complete`,

	PreRunE: validateReconcileFlags,
	RunE:    runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVar(&reconcileAccount, "account", "", "bank account to reconcile (required)")
	reconcileCmd.Flags().StringVar(&reconcileStart, "start", "", "period start date, YYYY-MM-DD (required)")
	reconcileCmd.Flags().StringVar(&reconcileEnd, "end", "", "period end date, YYYY-MM-DD (required)")
	reconcileCmd.Flags().BoolVar(&reconcileComplete, "complete", false, "complete the session after the run")

	reconcileCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	reconcileCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")

	addMatchingFlags(reconcileCmd)

	reconcileCmd.MarkFlagRequired("account")
	reconcileCmd.MarkFlagRequired("start")
	reconcileCmd.MarkFlagRequired("end")
}

func addMatchingFlags(cmd *cobra.Command) {
	cmd.Flags().String("profile", "", "matching profile: default, strict, relaxed")
	cmd.Flags().Int("date-tolerance", 0, "days at which date credit reaches zero")
	cmd.Flags().String("amount-tolerance", "", "amount delta that still earns full credit, e.g. 0.01")
	cmd.Flags().Float64("fuzzy-threshold", 0, "minimum fuzzy score for a candidate match")
	cmd.Flags().Bool("semantic", false, "enable the semantic matching stage")
	cmd.Flags().Int("workers", 0, "parallel candidate scoring workers")
}

func validateReconcileFlags(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd.Flags(), matchingFlags); err != nil {
		return err
	}

	if _, err := parsePeriod(reconcileStart, reconcileEnd); err != nil {
		return err
	}

	if _, err := config.CreateReportConfig(outputFormat); err != nil {
		return err
	}

	if outputFile != "" {
		dir := filepath.Dir(outputFile)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("output directory does not exist: %s", dir)
			}
		}
	}

	_, err := config.BuildMatchingConfig(viper.GetViper())
	return err
}

type period struct {
	start, end time.Time
}

func parsePeriod(start, end string) (period, error) {
	s, err := models.ParseDate(start)
	if err != nil {
		return period{}, fmt.Errorf("invalid start date %q. Use YYYY-MM-DD", start)
	}
	e, err := models.ParseDate(end)
	if err != nil {
		return period{}, fmt.Errorf("invalid end date %q. Use YYYY-MM-DD", end)
	}
	if s.After(e) {
		return period{}, fmt.Errorf("start date cannot be after end date")
	}
	return period{start: s, end: e}, nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist: %s", description, filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%s is not readable: %w", description, err)
	}
	file.Close()

	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.GetGlobalLogger().WithComponent("cli")

	p, err := parsePeriod(reconcileStart, reconcileEnd)
	if err != nil {
		return err
	}
	matching, err := config.BuildMatchingConfig(viper.GetViper())
	if err != nil {
		return err
	}

	store, manager, err := openManager()
	if err != nil {
		return err
	}
	defer store.Close()

	session, err := manager.StartSession(ctx, reconcileAccount, p.start, p.end, matching)
	if err != nil {
		return err
	}
	log.WithField("session_id", session.ID).Info("Session started")

	result, err := manager.RunPipeline(ctx, session.ID)
	if err != nil {
		return err
	}

	if reconcileComplete && !result.Cancelled {
		if _, err := manager.CompleteSession(ctx, session.ID); err != nil {
			return err
		}
	}

	if viper.GetBool("verbose") {
		printRunSummary(os.Stderr, result)
	}

	report, err := reporter.BuildReport(ctx, store, session.ID, time.Now())
	if err != nil {
		return err
	}
	report.Run = result

	reportConfig, err := config.CreateReportConfig(outputFormat)
	if err != nil {
		return err
	}
	generator, err := reporter.NewSafeReportGenerator(reportConfig, log)
	if err != nil {
		return err
	}

	if outputFile == "" {
		return generator.GenerateReportSafely(report, cmd.OutOrStdout())
	}

	written, err := generator.WriteReportFile(report, outputFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Report written to %s\n", written)
	return nil
}

func printRunSummary(w io.Writer, result *reconciler.RunResult) {
	fmt.Fprintf(w, "Session %s: %d considered, %d processed, %d matched, %d exceptions, %d skipped\n",
		result.Session.ID, result.Considered, result.Processed, result.Matched, result.Exceptions, result.Skipped)
	if result.Errors != nil && result.Errors.Total > 0 {
		fmt.Fprintf(w, "Transactions left unprocessed: %d (%v)\n", result.Errors.Total, result.Errors)
	}
	if result.Cancelled {
		fmt.Fprintln(w, "Run was cancelled before all transactions were processed")
	}
}

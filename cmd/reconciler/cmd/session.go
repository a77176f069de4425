package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"reconciliation-engine/cmd/reconciler/config"
	"reconciliation-engine/internal/models"
	"reconciliation-engine/internal/reconciler"
	"reconciliation-engine/internal/reporter"
	"reconciliation-engine/internal/storage"
	"reconciliation-engine/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	sessionAccount string
	sessionStart   string
	sessionEnd     string
	sessionFormat  string
	reviewActor    string
	reviewReason   string
	reviewEntry    string
	reviewNote     string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage reconciliation sessions and review their results",
	Long: `Session exposes each step of a reconciliation separately: start a
session, run the pipeline (again after new data arrives), review matches and
exceptions, then complete or cancel it.

Examples:
  reconciler session start --account BANK-1 --start 2024-01-01 --end 2024-01-31
  reconciler session run <session-id>
  reconciler session confirm <session-id> <transaction-id> <ledger-entry-id> --actor alice
  reconciler session resolve <exception-id> ignored --note "bank fee" --actor alice
  reconciler session complete <session-id>`,
}

// sessionCommand runs fn with an open manager and a context
func sessionCommand(fn func(ctx context.Context, cmd *cobra.Command, store *storage.SQLiteStore, manager *reconciler.Manager, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		store, manager, err := openManager()
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(ctx, cmd, store, manager, args)
	}
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session for a bank account and period",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(cmd.Flags(), matchingFlags); err != nil {
			return err
		}
		_, err := parsePeriod(sessionStart, sessionEnd)
		return err
	},
	RunE: sessionCommand(func(ctx context.Context, cmd *cobra.Command, _ *storage.SQLiteStore, manager *reconciler.Manager, _ []string) error {
		p, err := parsePeriod(sessionStart, sessionEnd)
		if err != nil {
			return err
		}
		matching, err := config.BuildMatchingConfig(viper.GetViper())
		if err != nil {
			return err
		}
		session, err := manager.StartSession(ctx, sessionAccount, p.start, p.end, matching)
		if err != nil {
			return err
		}
		printSession(cmd.OutOrStdout(), session)
		return nil
	}),
}

var sessionRunCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Run the matching pipeline for a session",
	Args:  cobra.ExactArgs(1),
	RunE: sessionCommand(func(ctx context.Context, cmd *cobra.Command, _ *storage.SQLiteStore, manager *reconciler.Manager, args []string) error {
		result, err := manager.RunPipeline(ctx, args[0])
		if err != nil {
			return err
		}
		printRunSummary(cmd.OutOrStdout(), result)
		return nil
	}),
}

var sessionCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Complete a session and freeze its statistics",
	Args:  cobra.ExactArgs(1),
	RunE: sessionCommand(func(ctx context.Context, cmd *cobra.Command, _ *storage.SQLiteStore, manager *reconciler.Manager, args []string) error {
		session, err := manager.CompleteSession(ctx, args[0])
		if err != nil {
			return err
		}
		printSession(cmd.OutOrStdout(), session)
		return nil
	}),
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session",
	Args:  cobra.ExactArgs(1),
	RunE: sessionCommand(func(ctx context.Context, cmd *cobra.Command, _ *storage.SQLiteStore, manager *reconciler.Manager, args []string) error {
		session, err := manager.CancelSession(ctx, args[0])
		if err != nil {
			return err
		}
		printSession(cmd.OutOrStdout(), session)
		return nil
	}),
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the report of a session",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.CreateReportConfig(sessionFormat)
		return err
	},
	RunE: sessionCommand(func(ctx context.Context, cmd *cobra.Command, store *storage.SQLiteStore, _ *reconciler.Manager, args []string) error {
		report, err := reporter.BuildReport(ctx, store, args[0], time.Now())
		if err != nil {
			return err
		}
		reportConfig, err := config.CreateReportConfig(sessionFormat)
		if err != nil {
			return err
		}
		reportConfig.IncludeResolved = true
		generator, err := reporter.NewSafeReportGenerator(reportConfig, logger.GetGlobalLogger())
		if err != nil {
			return err
		}
		return generator.GenerateReportSafely(report, cmd.OutOrStdout())
	}),
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: sessionCommand(func(ctx context.Context, cmd *cobra.Command, store *storage.SQLiteStore, _ *reconciler.Manager, _ []string) error {
		sessions, err := store.ListSessions(ctx, sessionAccount)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions")
			return nil
		}
		for _, s := range sessions {
			fmt.Fprintf(out, "%-36s  %-12s  %s  %s..%s\n", s.ID, s.Status, s.AccountID,
				s.PeriodStart.Format(models.DateLayout), s.PeriodEnd.Format(models.DateLayout))
		}
		return nil
	}),
}

var sessionConfirmCmd = &cobra.Command{
	Use:   "confirm <session-id> <transaction-id> <ledger-entry-id>",
	Short: "Confirm a transaction to ledger entry pairing",
	Args:  cobra.ExactArgs(3),
	RunE: sessionCommand(func(ctx context.Context, cmd *cobra.Command, _ *storage.SQLiteStore, manager *reconciler.Manager, args []string) error {
		match, err := manager.ConfirmMatch(ctx, args[0], args[1], args[2], reviewActor)
		if err != nil {
			return err
		}
		printMatch(cmd.OutOrStdout(), match)
		return nil
	}),
}

var sessionRejectCmd = &cobra.Command{
	Use:   "reject <match-id>",
	Short: "Reject a match and reopen its transaction",
	Args:  cobra.ExactArgs(1),
	RunE: sessionCommand(func(ctx context.Context, cmd *cobra.Command, _ *storage.SQLiteStore, manager *reconciler.Manager, args []string) error {
		match, err := manager.RejectMatch(ctx, args[0], reviewActor)
		if err != nil {
			return err
		}
		printMatch(cmd.OutOrStdout(), match)
		return nil
	}),
}

var sessionExcludeCmd = &cobra.Command{
	Use:   "exclude <session-id> <transaction-id>",
	Short: "Exclude a transaction from reconciliation",
	Args:  cobra.ExactArgs(2),
	RunE: sessionCommand(func(ctx context.Context, cmd *cobra.Command, _ *storage.SQLiteStore, manager *reconciler.Manager, args []string) error {
		match, err := manager.ExcludeTransaction(ctx, args[0], args[1], reviewReason, reviewActor)
		if err != nil {
			return err
		}
		printMatch(cmd.OutOrStdout(), match)
		return nil
	}),
}

var sessionResolveCmd = &cobra.Command{
	Use:   "resolve <exception-id> <matched|excluded|created_entry|ignored>",
	Short: "Resolve an open exception",
	Args:  cobra.ExactArgs(2),
	RunE: sessionCommand(func(ctx context.Context, cmd *cobra.Command, _ *storage.SQLiteStore, manager *reconciler.Manager, args []string) error {
		exc, err := manager.ResolveException(ctx, args[0], models.Resolution(strings.ToUpper(args[1])), reconciler.ResolveOptions{
			LedgerEntryID: reviewEntry,
			Actor:         reviewActor,
			Note:          reviewNote,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exception %s on transaction %s resolved as %s\n", exc.ID, exc.TransactionID, exc.Resolution)
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStartCmd, sessionRunCmd, sessionCompleteCmd, sessionCancelCmd,
		sessionShowCmd, sessionListCmd, sessionConfirmCmd, sessionRejectCmd, sessionExcludeCmd, sessionResolveCmd)

	sessionStartCmd.Flags().StringVar(&sessionAccount, "account", "", "bank account to reconcile (required)")
	sessionStartCmd.Flags().StringVar(&sessionStart, "start", "", "period start date, YYYY-MM-DD (required)")
	sessionStartCmd.Flags().StringVar(&sessionEnd, "end", "", "period end date, YYYY-MM-DD (required)")
	addMatchingFlags(sessionStartCmd)
	sessionStartCmd.MarkFlagRequired("account")
	sessionStartCmd.MarkFlagRequired("start")
	sessionStartCmd.MarkFlagRequired("end")

	sessionListCmd.Flags().StringVar(&sessionAccount, "account", "", "only sessions of this bank account")
	sessionShowCmd.Flags().StringVarP(&sessionFormat, "format", "f", "console", "output format: console, json, csv")

	for _, c := range []*cobra.Command{sessionConfirmCmd, sessionRejectCmd, sessionExcludeCmd, sessionResolveCmd} {
		c.Flags().StringVar(&reviewActor, "actor", "", "who performed the action")
	}
	sessionExcludeCmd.Flags().StringVar(&reviewReason, "reason", "", "why the transaction is excluded")
	sessionResolveCmd.Flags().StringVar(&reviewEntry, "ledger-entry", "", "ledger entry for a matched resolution")
	sessionResolveCmd.Flags().StringVar(&reviewNote, "note", "", "resolution note")
}

func printSession(w io.Writer, s *reconciler.Session) {
	fmt.Fprintf(w, "Session:  %s\n", s.ID)
	fmt.Fprintf(w, "Account:  %s\n", s.AccountID)
	fmt.Fprintf(w, "Period:   %s to %s\n", s.PeriodStart.Format(models.DateLayout), s.PeriodEnd.Format(models.DateLayout))
	fmt.Fprintf(w, "Status:   %s\n", s.Status)
	if s.Statistics != nil {
		fmt.Fprintf(w, "Matched:  %d of %d (%.1f%%)\n", s.Statistics.Matched, s.Statistics.TotalTransactions, s.Statistics.MatchRate*100)
		fmt.Fprintf(w, "Open exceptions: %d\n", s.Statistics.OpenExceptions)
	}
}

func printMatch(w io.Writer, m *models.Match) {
	fmt.Fprintf(w, "Match %s: transaction %s -> ledger entry %s, %s %s (confidence %.2f)\n",
		m.ID, m.TransactionID, m.LedgerEntryID, m.Type, m.Status, m.Confidence)
}

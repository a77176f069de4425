package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"reconciliation-engine/cmd/reconciler/config"
	"reconciliation-engine/internal/parsers"
	"reconciliation-engine/internal/storage"
	"reconciliation-engine/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	importTransactions  string
	importLedger        string
	importRules         string
	importLinks         []string
	importAccount       string
	importLedgerAccount string
	importDelimiter     string
	importStrict        bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load bank transactions, ledger entries, rules and account links",
	Long: `Import loads reconciliation inputs into the database.

Bank statements and ledger exports are CSV files whose header names the
columns. Rows that cannot be parsed are reported and skipped; the rest are
stored. Rules are read from a YAML file. A link tells the engine which ledger
account reconciles against which bank account.

Examples:
  reconciler import --transactions bank.csv --account BANK-1
  reconciler import --ledger gl.csv --ledger-account 1000 --delimiter semicolon
  reconciler import --rules rules.yaml --link BANK-1=1000`,
	PreRunE: validateImportFlags,
	RunE:    runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVarP(&importTransactions, "transactions", "t", "", "bank statement CSV file")
	importCmd.Flags().StringVarP(&importLedger, "ledger", "l", "", "general ledger CSV file")
	importCmd.Flags().StringVarP(&importRules, "rules", "r", "", "matching rules YAML file")
	importCmd.Flags().StringSliceVar(&importLinks, "link", nil, "bank to ledger account link, BANK=LEDGER (repeatable)")
	importCmd.Flags().StringVar(&importAccount, "account", "", "bank account for rows without an account column")
	importCmd.Flags().StringVar(&importLedgerAccount, "ledger-account", "", "ledger account for rows without an account column")
	importCmd.Flags().StringVar(&importDelimiter, "delimiter", "", "CSV delimiter: a single character, comma, semicolon or tab")
	importCmd.Flags().BoolVar(&importStrict, "strict", false, "fail when any row is rejected")
}

func validateImportFlags(cmd *cobra.Command, args []string) error {
	if importTransactions == "" && importLedger == "" && importRules == "" && len(importLinks) == 0 {
		return fmt.Errorf("nothing to import: use --transactions, --ledger, --rules or --link")
	}

	files := []struct{ path, description string }{
		{importTransactions, "bank statement file"},
		{importLedger, "ledger file"},
		{importRules, "rules file"},
	}
	for _, f := range files {
		if f.path == "" {
			continue
		}
		if err := validateFileExists(f.path, f.description); err != nil {
			return err
		}
	}

	for _, link := range importLinks {
		if _, _, err := config.ParseLink(link); err != nil {
			return err
		}
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.GetGlobalLogger().WithComponent("cli")

	store, err := storage.NewSQLiteStore(databasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()

	if importTransactions != "" {
		err := logger.TimedOperation("import transactions", log, func() error {
			return importTransactionFile(ctx, store, out)
		})
		if err != nil {
			return err
		}
	}

	if importLedger != "" {
		err := logger.TimedOperation("import ledger entries", log, func() error {
			return importLedgerFile(ctx, store, out)
		})
		if err != nil {
			return err
		}
	}

	if importRules != "" {
		rules, err := parsers.LoadRules(importRules)
		if err != nil {
			return err
		}
		if err := store.SaveRules(ctx, rules); err != nil {
			return err
		}
		fmt.Fprintf(out, "Rules: %d stored\n", len(rules))
	}

	for _, link := range importLinks {
		bank, ledger, _ := config.ParseLink(link)
		if err := store.LinkAccount(ctx, bank, ledger); err != nil {
			return err
		}
		fmt.Fprintf(out, "Linked bank account %s to ledger account %s\n", bank, ledger)
	}
	return nil
}

func importTransactionFile(ctx context.Context, store *storage.SQLiteStore, out io.Writer) error {
	cols, err := config.CreateColumnConfig("transactions", importDelimiter, importAccount)
	if err != nil {
		return err
	}
	parser, err := parsers.NewTransactionParser(cols)
	if err != nil {
		return err
	}
	txs, stats, err := parser.ParseFile(ctx, importTransactions)
	if err != nil {
		return err
	}
	if err := checkRowErrors(stats); err != nil {
		return err
	}
	if err := store.SaveTransactions(ctx, txs); err != nil {
		return err
	}
	fmt.Fprintf(out, "Transactions: %s, %d stored\n", stats, len(txs))
	return nil
}

func importLedgerFile(ctx context.Context, store *storage.SQLiteStore, out io.Writer) error {
	cols, err := config.CreateColumnConfig("ledger", importDelimiter, importLedgerAccount)
	if err != nil {
		return err
	}
	parser, err := parsers.NewLedgerParser(cols)
	if err != nil {
		return err
	}
	entries, stats, err := parser.ParseFile(ctx, importLedger)
	if err != nil {
		return err
	}
	if err := checkRowErrors(stats); err != nil {
		return err
	}
	if err := store.SaveLedgerEntries(ctx, entries); err != nil {
		return err
	}
	fmt.Fprintf(out, "Ledger entries: %s, %d stored\n", stats, len(entries))
	return nil
}

// checkRowErrors prints rejected rows and fails in strict mode
func checkRowErrors(stats *parsers.ParseStats) error {
	if !stats.HasErrors() {
		return nil
	}
	fmt.Fprintln(os.Stderr, FormatRowErrors(stats.Errors))
	if importStrict {
		return stats.Summary()
	}
	return nil
}

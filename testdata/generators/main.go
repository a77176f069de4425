// Command generators writes a reconciliation scenario with a known outcome:
// a bank statement, a ledger export, a rule file and the expected pairings.
//
//	go run ./testdata/generators -count 500 -seed 42 -output-dir testdata/generated
//	reconciler import --transactions testdata/generated/bank.csv \
//	    --ledger testdata/generated/ledger.csv --rules testdata/generated/rules.yaml --link BANK-1=1000
package main

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"time"
)

func main() {
	var (
		outputDir = flag.String("output-dir", "generated", "Output directory for generated files")
		count     = flag.Int("count", 200, "Number of bank transactions to generate")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "Random seed for reproducible generation")
		start     = flag.String("start-date", "2024-01-01", "First booking date (YYYY-MM-DD)")
		days      = flag.Int("days", 28, "Number of days the transactions spread over")
		bank      = flag.String("bank-account", "BANK-1", "Bank account ID")
		ledger    = flag.String("ledger-account", "1000", "Ledger account ID")
	)
	flag.Parse()

	startDate, err := time.Parse("2006-01-02", *start)
	if err != nil {
		log.Fatalf("Invalid start date: %v", err)
	}
	if *count <= 0 || *days <= 0 {
		log.Fatal("count and days must be positive")
	}

	generator := NewScenarioGenerator(*count, *seed)
	generator.StartDate = startDate
	generator.Days = *days
	generator.BankAccount = *bank
	generator.LedgerAccount = *ledger

	scenario := generator.Generate()
	if err := generator.Write(*outputDir, scenario); err != nil {
		log.Fatalf("Failed to write scenario: %v", err)
	}

	kinds := scenario.CountByKind()
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)

	fmt.Printf("Generated %d bank transactions and %d ledger entries in %s\n", len(scenario.Bank), len(scenario.Ledger), *outputDir)
	for _, k := range names {
		fmt.Printf("  %-16s %d\n", k, kinds[k])
	}
	fmt.Printf("Seed used: %d\n", *seed)
}

package main

import (
	"context"
	"path/filepath"
	"testing"

	"reconciliation-engine/internal/parsers"
)

func TestGenerateIsReproducible(t *testing.T) {
	a := NewScenarioGenerator(50, 7).Generate()
	b := NewScenarioGenerator(50, 7).Generate()

	if len(a.Bank) != len(b.Bank) || len(a.Ledger) != len(b.Ledger) {
		t.Fatalf("expected identical sizes, got %d/%d and %d/%d", len(a.Bank), len(a.Ledger), len(b.Bank), len(b.Ledger))
	}
	for i := range a.Bank {
		if a.Bank[i].Kind != b.Bank[i].Kind || !a.Bank[i].Amount.Equal(b.Bank[i].Amount) {
			t.Fatalf("transaction %d differs between runs with the same seed", i)
		}
	}
}

func TestGenerateScenarioShape(t *testing.T) {
	s := NewScenarioGenerator(200, 42).Generate()

	if len(s.Bank) != 200 {
		t.Fatalf("expected 200 bank transactions, got %d", len(s.Bank))
	}

	kinds := s.CountByKind()
	if len(s.Ledger) != 200-kinds[KindUnmatched] {
		t.Errorf("expected one ledger entry per placed transaction, got %d entries and %d unmatched", len(s.Ledger), kinds[KindUnmatched])
	}

	entries := make(map[string]LedgerRow, len(s.Ledger))
	for _, e := range s.Ledger {
		entries[e.ID] = e
	}

	amounts := make(map[string]bool)
	for _, tx := range s.Bank {
		key := tx.Amount.Abs().String()
		if amounts[key] {
			t.Errorf("amount %s generated twice", key)
		}
		amounts[key] = true

		switch tx.Kind {
		case KindExact, KindFuzzy, KindRule:
			e, ok := entries[tx.Expected]
			if !ok {
				t.Errorf("%s: expected ledger entry %q not generated", tx.ID, tx.Expected)
				continue
			}
			if !e.Amount.Equal(tx.Amount) {
				t.Errorf("%s: amount %s differs from entry amount %s", tx.ID, tx.Amount, e.Amount)
			}
			if tx.Kind == KindRule && e.AccountCode != FeeAccountCode {
				t.Errorf("%s: fee entry has account code %s", tx.ID, e.AccountCode)
			}
		default:
			if tx.Expected != "" {
				t.Errorf("%s: %s transaction should have no expected entry", tx.ID, tx.Kind)
			}
		}
	}
}

func TestWrittenScenarioParses(t *testing.T) {
	dir := t.TempDir()
	generator := NewScenarioGenerator(100, 3)
	s := generator.Generate()
	if err := generator.Write(dir, s); err != nil {
		t.Fatalf("failed to write scenario: %v", err)
	}

	ctx := context.Background()

	txParser, err := parsers.NewTransactionParser(parsers.DefaultTransactionColumns())
	if err != nil {
		t.Fatalf("failed to create transaction parser: %v", err)
	}
	txs, stats, err := txParser.ParseFile(ctx, filepath.Join(dir, "bank.csv"))
	if err != nil {
		t.Fatalf("failed to parse bank.csv: %v", err)
	}
	if stats.HasErrors() {
		t.Fatalf("unexpected row errors: %v", stats.GetSampleErrors(3))
	}
	if len(txs) != len(s.Bank) {
		t.Errorf("expected %d transactions, got %d", len(s.Bank), len(txs))
	}
	for _, tx := range txs {
		if tx.AccountID != generator.BankAccount {
			t.Errorf("transaction %s has account %s", tx.ID, tx.AccountID)
			break
		}
	}

	ledgerParser, err := parsers.NewLedgerParser(parsers.DefaultLedgerColumns())
	if err != nil {
		t.Fatalf("failed to create ledger parser: %v", err)
	}
	entries, stats, err := ledgerParser.ParseFile(ctx, filepath.Join(dir, "ledger.csv"))
	if err != nil {
		t.Fatalf("failed to parse ledger.csv: %v", err)
	}
	if stats.HasErrors() {
		t.Fatalf("unexpected row errors: %v", stats.GetSampleErrors(3))
	}
	if len(entries) != len(s.Ledger) {
		t.Errorf("expected %d ledger entries, got %d", len(s.Ledger), len(entries))
	}

	rules, err := parsers.LoadRules(filepath.Join(dir, "rules.yaml"))
	if err != nil {
		t.Fatalf("failed to load rules.yaml: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "bank-charges" || rules[0].Action.AccountCode != FeeAccountCode {
		t.Errorf("unexpected rules: %+v", rules)
	}
}

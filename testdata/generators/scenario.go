package main

import (
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Scenario kinds; each bank transaction is generated as one of them
const (
	KindExact     = "exact"
	KindFuzzy     = "fuzzy"
	KindRule      = "rule"
	KindMismatch  = "amount_mismatch"
	KindUnmatched = "unmatched"
)

// FeeAccountCode is the ledger account code the generated rule routes bank charges to
const FeeAccountCode = "6100"

// ScenarioGenerator builds a bank statement, a ledger export and a rule file
// whose reconciliation outcome is known in advance
type ScenarioGenerator struct {
	Count         int
	BankAccount   string
	LedgerAccount string
	StartDate     time.Time
	Days          int
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal

	// Mix holds the relative frequency of each kind
	Mix map[string]int

	rng *rand.Rand
}

// BankRow is one generated bank transaction
type BankRow struct {
	ID          string
	Date        time.Time
	Amount      decimal.Decimal
	Description string
	Reference   string
	Kind        string
	// Expected is the ledger entry the transaction should be paired with, if any
	Expected string
}

// LedgerRow is one generated ledger entry
type LedgerRow struct {
	ID          string
	Date        time.Time
	Amount      decimal.Decimal
	Description string
	Reference   string
	AccountCode string
}

// Scenario is the generated data set
type Scenario struct {
	Bank   []BankRow
	Ledger []LedgerRow
}

// NewScenarioGenerator returns a generator with a realistic mix of outcomes
func NewScenarioGenerator(count int, seed int64) *ScenarioGenerator {
	return &ScenarioGenerator{
		Count:         count,
		BankAccount:   "BANK-1",
		LedgerAccount: "1000",
		StartDate:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Days:          28,
		MinAmount:     decimal.NewFromInt(5),
		MaxAmount:     decimal.NewFromInt(5000),
		Mix: map[string]int{
			KindExact:     60,
			KindFuzzy:     15,
			KindRule:      5,
			KindMismatch:  10,
			KindUnmatched: 10,
		},
		rng: rand.New(rand.NewSource(seed)),
	}
}

var kindOrder = []string{KindExact, KindFuzzy, KindRule, KindMismatch, KindUnmatched}

func (sg *ScenarioGenerator) pickKind() string {
	total := 0
	for _, k := range kindOrder {
		total += sg.Mix[k]
	}
	if total == 0 {
		return KindExact
	}
	n := sg.rng.Intn(total)
	for _, k := range kindOrder {
		if n < sg.Mix[k] {
			return k
		}
		n -= sg.Mix[k]
	}
	return KindExact
}

func (sg *ScenarioGenerator) randomAmount() decimal.Decimal {
	span := sg.MaxAmount.Sub(sg.MinAmount)
	amount := decimal.NewFromFloat(sg.rng.Float64()).Mul(span).Add(sg.MinAmount).Round(2)
	if sg.rng.Float64() < 0.6 {
		amount = amount.Neg()
	}
	return amount
}

func (sg *ScenarioGenerator) randomDate() time.Time {
	return sg.StartDate.AddDate(0, 0, sg.rng.Intn(sg.Days))
}

var counterparties = []string{
	"Acme Supplies", "Northwind Traders", "Globex Corp", "Initech", "Umbrella Logistics",
	"Stark Industries", "Wayne Enterprises", "Hooli", "Vandelay Imports", "Soylent Foods",
}

// Generate builds the scenario. Amounts are unique per transaction so that
// no two transactions compete for the same ledger entry.
func (sg *ScenarioGenerator) Generate() *Scenario {
	s := &Scenario{}
	used := make(map[string]bool)

	for i := 0; i < sg.Count; i++ {
		amount := sg.randomAmount()
		for used[amount.Abs().String()] {
			amount = amount.Add(decimal.New(1, -2))
		}
		used[amount.Abs().String()] = true

		date := sg.randomDate()
		party := counterparties[sg.rng.Intn(len(counterparties))]
		txID := fmt.Sprintf("TX%05d", i+1)
		entryID := fmt.Sprintf("GL%05d", i+1)

		tx := BankRow{ID: txID, Date: date, Amount: amount, Kind: sg.pickKind()}
		entry := LedgerRow{ID: entryID, Date: date, Amount: amount, AccountCode: "4000"}

		switch tx.Kind {
		case KindExact:
			ref := fmt.Sprintf("INV-%05d", i+1)
			tx.Description, tx.Reference = "Payment "+party, ref
			entry.Description, entry.Reference = "Invoice "+party, ref
			tx.Expected = entryID

		case KindFuzzy:
			// shifted a day with the same counterparty; no reference
			tx.Date = date.AddDate(0, 0, 1)
			tx.Description = party + " payment"
			entry.Description = "Payment " + party
			tx.Expected = entryID

		case KindRule:
			tx.Amount = amount.Abs().Neg()
			tx.Description = "BANK CHARGE monthly fee"
			entry.Amount = tx.Amount
			entry.Description = "Bank fees"
			entry.AccountCode = FeeAccountCode
			tx.Expected = entryID

		case KindMismatch:
			// same document, amount off by more than the fuzzy ceiling
			ref := fmt.Sprintf("INV-%05d", i+1)
			tx.Description, tx.Reference = "Payment "+party, ref
			entry.Description, entry.Reference = "Invoice "+party, ref
			entry.Amount = amount.Add(decimal.NewFromInt(int64(5 + sg.rng.Intn(20))))

		case KindUnmatched:
			tx.Description = "Transfer " + party
			s.Bank = append(s.Bank, tx)
			continue
		}

		s.Bank = append(s.Bank, tx)
		s.Ledger = append(s.Ledger, entry)
	}
	return s
}

// RuleFile returns the rule set that routes generated bank charges
func RuleFile() map[string]interface{} {
	return map[string]interface{}{
		"rules": []map[string]interface{}{
			{
				"id":       "bank-charges",
				"name":     "Bank charges",
				"priority": 10,
				"conditions": []map[string]string{
					{"field": "description", "operator": "contains", "value": "BANK CHARGE"},
				},
				"action": map[string]interface{}{
					"account_code": FeeAccountCode,
					"auto_confirm": true,
				},
			},
		},
	}
}

// Write stores the scenario in dir as bank.csv, ledger.csv, rules.yaml and expected.csv
func (sg *ScenarioGenerator) Write(dir string, s *Scenario) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	bank := [][]string{{"id", "account_id", "booking_date", "amount", "description", "reference"}}
	expected := [][]string{{"transaction_id", "kind", "ledger_entry_id"}}
	for _, tx := range s.Bank {
		bank = append(bank, []string{tx.ID, sg.BankAccount, tx.Date.Format("2006-01-02"), tx.Amount.StringFixed(2), tx.Description, tx.Reference})
		expected = append(expected, []string{tx.ID, tx.Kind, tx.Expected})
	}

	ledger := [][]string{{"entry_id", "ledger_account", "date", "amount", "description", "reference", "account_code"}}
	for _, e := range s.Ledger {
		ledger = append(ledger, []string{e.ID, sg.LedgerAccount, e.Date.Format("2006-01-02"), e.Amount.StringFixed(2), e.Description, e.Reference, e.AccountCode})
	}

	files := map[string][][]string{"bank.csv": bank, "ledger.csv": ledger, "expected.csv": expected}
	for name, records := range files {
		if err := writeCSV(filepath.Join(dir, name), records); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	rules, err := yaml.Marshal(RuleFile())
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "rules.yaml"), rules, 0644)
}

func writeCSV(path string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		return err
	}
	return file.Close()
}

// CountByKind returns how many bank transactions were generated per kind
func (s *Scenario) CountByKind() map[string]int {
	counts := make(map[string]int)
	for _, tx := range s.Bank {
		counts[tx.Kind]++
	}
	return counts
}

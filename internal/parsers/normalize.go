package parsers

import (
	"strings"

	"reconciliation-engine/internal/models"

	"github.com/shopspring/decimal"
)

// NormalizeConfig contains the clean-up applied to imported records
type NormalizeConfig struct {
	TrimWhitespace    bool
	CollapseSpaces    bool
	UppercaseCurrency bool
	// DecimalPlaces rounds amounts; -1 keeps them as written
	DecimalPlaces int32
}

// DefaultNormalizeConfig returns the default clean-up
func DefaultNormalizeConfig() *NormalizeConfig {
	return &NormalizeConfig{
		TrimWhitespace:    true,
		CollapseSpaces:    true,
		UppercaseCurrency: true,
		DecimalPlaces:     -1,
	}
}

// Normalizer cleans free-text fields and amounts of imported records
type Normalizer struct {
	config *NormalizeConfig
}

// NewNormalizer creates a normalizer
func NewNormalizer(config *NormalizeConfig) *Normalizer {
	if config == nil {
		config = DefaultNormalizeConfig()
	}
	return &Normalizer{config: config}
}

// Text applies the string rules
func (n *Normalizer) Text(s string) string {
	if n.config.CollapseSpaces {
		return strings.Join(strings.Fields(s), " ")
	}
	if n.config.TrimWhitespace {
		return strings.TrimSpace(s)
	}
	return s
}

// Amount applies the rounding rule
func (n *Normalizer) Amount(d decimal.Decimal) decimal.Decimal {
	if n.config.DecimalPlaces >= 0 {
		return d.Round(n.config.DecimalPlaces)
	}
	return d
}

// Transaction normalizes a bank transaction in place
func (n *Normalizer) Transaction(tx *models.BankTransaction) {
	tx.ID = strings.TrimSpace(tx.ID)
	tx.AccountID = strings.TrimSpace(tx.AccountID)
	tx.Description = n.Text(tx.Description)
	tx.Counterparty = n.Text(tx.Counterparty)
	tx.Reference = n.Text(tx.Reference)
	tx.Currency = strings.TrimSpace(tx.Currency)
	if n.config.UppercaseCurrency {
		tx.Currency = strings.ToUpper(tx.Currency)
	}
	tx.BookingDate = models.DateOnly(tx.BookingDate)
	tx.Amount = n.Amount(tx.Amount)
}

// Entry normalizes a ledger entry in place
func (n *Normalizer) Entry(e *models.LedgerEntry) {
	e.ID = strings.TrimSpace(e.ID)
	e.AccountID = strings.TrimSpace(e.AccountID)
	e.Description = n.Text(e.Description)
	e.Reference = n.Text(e.Reference)
	e.AccountCode = strings.TrimSpace(e.AccountCode)
	e.Date = models.DateOnly(e.Date)
	e.Amount = n.Amount(e.Amount)
}

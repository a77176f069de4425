package parsers

import (
	"fmt"
	"strings"
)

// Canonical field names resolved from file headers
const (
	FieldID           = "id"
	FieldAccount      = "account"
	FieldDate         = "date"
	FieldAmount       = "amount"
	FieldDebit        = "debit"
	FieldCredit       = "credit"
	FieldCurrency     = "currency"
	FieldDescription  = "description"
	FieldCounterparty = "counterparty"
	FieldReference    = "reference"
	FieldStatus       = "status"
	FieldAccountCode  = "account_code"
	FieldReconciled   = "reconciled"
)

// ColumnConfig describes how the header of an import file maps onto record fields
type ColumnConfig struct {
	Name      string `json:"name"`
	Delimiter rune   `json:"delimiter"`
	// Columns lists, per canonical field, the header names accepted for it.
	// The first alias found in the header wins.
	Columns map[string][]string `json:"columns"`
	// Required fields must resolve to a column. An amount can also be given
	// as a debit/credit pair.
	Required []string `json:"required"`
	// AccountID is used for rows when the file has no account column
	AccountID string `json:"account_id,omitempty"`
}

// Validate checks if the column configuration is valid
func (cc *ColumnConfig) Validate() error {
	if cc.Delimiter == 0 {
		return fmt.Errorf("delimiter cannot be empty")
	}
	if cc.Delimiter == '"' || cc.Delimiter == '\r' || cc.Delimiter == '\n' {
		return fmt.Errorf("invalid delimiter %q", cc.Delimiter)
	}
	for _, field := range cc.Required {
		if len(cc.Columns[field]) == 0 {
			return fmt.Errorf("required field %s has no column names", field)
		}
	}
	return nil
}

// WithAlias returns a copy accepting header as a name for field, ahead of the defaults
func (cc *ColumnConfig) WithAlias(field, header string) *ColumnConfig {
	clone := *cc
	clone.Columns = make(map[string][]string, len(cc.Columns))
	for k, v := range cc.Columns {
		clone.Columns[k] = append([]string(nil), v...)
	}
	clone.Columns[field] = append([]string{strings.TrimSpace(header)}, clone.Columns[field]...)
	return &clone
}

// DefaultTransactionColumns returns the column layout for bank statement exports
func DefaultTransactionColumns() *ColumnConfig {
	return &ColumnConfig{
		Name:      "bank_transactions",
		Delimiter: ',',
		Columns: map[string][]string{
			FieldID:           {"id", "transaction_id", "trx_id", "trxID", "unique_identifier", "ref_number"},
			FieldAccount:      {"account_id", "account", "bank_account"},
			FieldDate:         {"booking_date", "date", "posting_date", "value_date", "transaction_date"},
			FieldAmount:       {"amount", "transaction_amount", "debit_credit_amount"},
			FieldDebit:        {"debit", "withdrawal"},
			FieldCredit:       {"credit", "deposit"},
			FieldCurrency:     {"currency", "ccy"},
			FieldDescription:  {"description", "transaction_description", "transaction_details", "details", "memo"},
			FieldCounterparty: {"counterparty", "payee", "payer", "name"},
			FieldReference:    {"reference", "ref", "payment_reference"},
			FieldStatus:       {"status"},
		},
		Required: []string{FieldID, FieldDate},
	}
}

// DefaultLedgerColumns returns the column layout for general ledger exports
func DefaultLedgerColumns() *ColumnConfig {
	return &ColumnConfig{
		Name:      "ledger_entries",
		Delimiter: ',',
		Columns: map[string][]string{
			FieldID:          {"id", "entry_id", "ledger_entry_id", "journal_id"},
			FieldAccount:     {"account_id", "ledger_account", "account"},
			FieldDate:        {"date", "entry_date", "posting_date"},
			FieldAmount:      {"amount"},
			FieldDebit:       {"debit"},
			FieldCredit:      {"credit"},
			FieldDescription: {"description", "memo", "narration"},
			FieldReference:   {"reference", "ref", "document"},
			FieldAccountCode: {"account_code", "gl_code", "code"},
			FieldReconciled:  {"reconciled", "is_reconciled"},
		},
		Required: []string{FieldID, FieldDate},
	}
}

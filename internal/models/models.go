package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the reconciliation flag the engine owns on a bank transaction
type TransactionStatus string

const (
	TransactionUnmatched TransactionStatus = "UNMATCHED"
	TransactionMatched   TransactionStatus = "MATCHED"
)

// IsValid checks if the status is known
func (s TransactionStatus) IsValid() bool {
	return s == TransactionUnmatched || s == TransactionMatched
}

// BankTransaction is a booked line on a bank account statement
type BankTransaction struct {
	ID           string            `json:"id"`
	AccountID    string            `json:"accountId"`
	BookingDate  time.Time         `json:"bookingDate"`
	Amount       decimal.Decimal   `json:"amount"`
	Currency     string            `json:"currency,omitempty"`
	Description  string            `json:"description,omitempty"`
	Counterparty string            `json:"counterparty,omitempty"`
	Reference    string            `json:"reference,omitempty"`
	Status       TransactionStatus `json:"status"`
}

// Validate performs basic validation on the BankTransaction
func (t *BankTransaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return fmt.Errorf("transaction %s: account ID cannot be empty", t.ID)
	}
	if t.BookingDate.IsZero() {
		return fmt.Errorf("transaction %s: booking date cannot be zero", t.ID)
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transaction %s: amount cannot be zero", t.ID)
	}
	if t.Status != "" && !t.Status.IsValid() {
		return fmt.Errorf("transaction %s: invalid status %s", t.ID, t.Status)
	}
	return nil
}

// AbsAmount returns the absolute value of the transaction amount
func (t *BankTransaction) AbsAmount() decimal.Decimal {
	return t.Amount.Abs()
}

// IsUnmatched reports whether the transaction still awaits reconciliation
func (t *BankTransaction) IsUnmatched() bool {
	return t.Status == "" || t.Status == TransactionUnmatched
}

// String returns a string representation of the BankTransaction
func (t *BankTransaction) String() string {
	return fmt.Sprintf("BankTransaction{ID: %s, Amount: %s, Date: %s, Ref: %q}",
		t.ID, t.Amount.String(), t.BookingDate.Format(DateLayout), t.Reference)
}

// LedgerEntry is a posted line in the accounting ledger
type LedgerEntry struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"accountId"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	AccountCode string          `json:"accountCode,omitempty"`
	Reconciled  bool            `json:"reconciled"`
}

// Validate performs basic validation on the LedgerEntry
func (e *LedgerEntry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("ledger entry ID cannot be empty")
	}
	if strings.TrimSpace(e.AccountID) == "" {
		return fmt.Errorf("ledger entry %s: account ID cannot be empty", e.ID)
	}
	if e.Date.IsZero() {
		return fmt.Errorf("ledger entry %s: date cannot be zero", e.ID)
	}
	if e.Amount.IsZero() {
		return fmt.Errorf("ledger entry %s: amount cannot be zero", e.ID)
	}
	return nil
}

// AbsAmount returns the absolute value of the entry amount
func (e *LedgerEntry) AbsAmount() decimal.Decimal {
	return e.Amount.Abs()
}

// String returns a string representation of the LedgerEntry
func (e *LedgerEntry) String() string {
	return fmt.Sprintf("LedgerEntry{ID: %s, Amount: %s, Date: %s, Code: %s}",
		e.ID, e.Amount.String(), e.Date.Format(DateLayout), e.AccountCode)
}

// MatchType identifies the strategy that produced a match
type MatchType string

const (
	MatchTypeRule     MatchType = "RULE"
	MatchTypeExact    MatchType = "EXACT"
	MatchTypeFuzzy    MatchType = "FUZZY"
	MatchTypeSemantic MatchType = "SEMANTIC"
	MatchTypeManual   MatchType = "MANUAL"
)

// AllMatchTypes lists match types in pipeline order
var AllMatchTypes = []MatchType{
	MatchTypeRule, MatchTypeExact, MatchTypeFuzzy, MatchTypeSemantic, MatchTypeManual,
}

// MatchStatus is the review state of a match
type MatchStatus string

const (
	MatchPending   MatchStatus = "PENDING"
	MatchConfirmed MatchStatus = "CONFIRMED"
	MatchRejected  MatchStatus = "REJECTED"
	MatchExcluded  MatchStatus = "EXCLUDED"
)

// Criteria is the strategy-specific breakdown behind a confidence value.
// Decimal values are stored as strings so the record survives JSON round trips unchanged.
type Criteria map[string]interface{}

// Match pairs a bank transaction with a ledger entry inside a session
type Match struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"sessionId"`
	TransactionID string      `json:"transactionId"`
	LedgerEntryID string      `json:"ledgerEntryId,omitempty"`
	Type          MatchType   `json:"type"`
	Confidence    float64     `json:"confidence"`
	Criteria      Criteria    `json:"criteria"`
	Status        MatchStatus `json:"status"`
	RuleID        string      `json:"ruleId,omitempty"`
	ConfirmedAt   *time.Time  `json:"confirmedAt,omitempty"`
	ConfirmedBy   string      `json:"confirmedBy,omitempty"`
	Note          string      `json:"note,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// IsActive reports whether the match counts against the one-match-per-transaction limit
func (m *Match) IsActive() bool {
	return m.Status != MatchRejected
}

// ClaimsLedgerEntry reports whether the match holds its ledger entry out of the pool
func (m *Match) ClaimsLedgerEntry() bool {
	return m.LedgerEntryID != "" && (m.Status == MatchPending || m.Status == MatchConfirmed)
}

// Validate checks the structural invariants of a match record
func (m *Match) Validate() error {
	if m.SessionID == "" || m.TransactionID == "" {
		return fmt.Errorf("match must reference a session and a transaction")
	}
	if m.Confidence < 0 || m.Confidence > 1 || math.IsNaN(m.Confidence) {
		return fmt.Errorf("match confidence %.4f outside [0,1]", m.Confidence)
	}
	switch m.Status {
	case MatchPending, MatchConfirmed:
		if m.LedgerEntryID == "" {
			return fmt.Errorf("%s match for transaction %s has no ledger entry", m.Status, m.TransactionID)
		}
	case MatchRejected, MatchExcluded:
	default:
		return fmt.Errorf("invalid match status: %s", m.Status)
	}
	return nil
}

// ExceptionType classifies why a transaction could not be placed
type ExceptionType string

const (
	ExceptionMultipleMatches ExceptionType = "MULTIPLE_MATCHES"
	ExceptionDateDiscrepancy ExceptionType = "DATE_DISCREPANCY"
	ExceptionAmountMismatch  ExceptionType = "AMOUNT_MISMATCH"
	ExceptionNoMatchFound    ExceptionType = "NO_MATCH_FOUND"
)

// AllExceptionTypes lists exception types in detection priority order
var AllExceptionTypes = []ExceptionType{
	ExceptionMultipleMatches, ExceptionDateDiscrepancy, ExceptionAmountMismatch, ExceptionNoMatchFound,
}

// Resolution is how a user closed an exception
type Resolution string

const (
	ResolutionNone         Resolution = ""
	ResolutionMatched      Resolution = "MATCHED"
	ResolutionExcluded     Resolution = "EXCLUDED"
	ResolutionCreatedEntry Resolution = "CREATED_ENTRY"
	ResolutionIgnored      Resolution = "IGNORED"
)

// ParseResolution parses a resolution type from user input
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToUpper(strings.TrimSpace(s))); r {
	case ResolutionMatched, ResolutionExcluded, ResolutionCreatedEntry, ResolutionIgnored:
		return r, nil
	default:
		return ResolutionNone, fmt.Errorf("invalid resolution '%s': must be MATCHED, EXCLUDED, CREATED_ENTRY or IGNORED", s)
	}
}

// CandidateSummary describes one ledger entry considered for an exception
type CandidateSummary struct {
	LedgerEntryID         string          `json:"ledgerEntryId"`
	Amount                decimal.Decimal `json:"amount"`
	Date                  time.Time       `json:"date"`
	Description           string          `json:"description,omitempty"`
	AmountDelta           decimal.Decimal `json:"amountDelta"`
	DaysDelta             int             `json:"daysDelta"`
	DescriptionSimilarity float64         `json:"descriptionSimilarity"`
}

// ExceptionDetails is the structured evidence stored with an exception
type ExceptionDetails struct {
	PoolSize         int                `json:"poolSize"`
	CloseAmountCount int                `json:"closeAmountCount"`
	Nearest          *CandidateSummary  `json:"nearest,omitempty"`
	Candidates       []CandidateSummary `json:"candidates,omitempty"`
	Reason           string             `json:"reason,omitempty"`
}

// Exception records a transaction the pipeline could not place
type Exception struct {
	ID             string           `json:"id"`
	SessionID      string           `json:"sessionId"`
	TransactionID  string           `json:"transactionId"`
	Type           ExceptionType    `json:"type"`
	Details        ExceptionDetails `json:"details"`
	CandidateIDs   []string         `json:"candidateIds,omitempty"`
	Resolution     Resolution       `json:"resolution,omitempty"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy     string           `json:"resolvedBy,omitempty"`
	ResolutionNote string           `json:"resolutionNote,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// IsOpen reports whether the exception still awaits resolution
func (e *Exception) IsOpen() bool {
	return e.Resolution == ResolutionNone
}

// RuleField names a transaction attribute a rule condition inspects
type RuleField string

const (
	FieldDescription  RuleField = "description"
	FieldCounterparty RuleField = "counterparty"
	FieldReference    RuleField = "reference"
	FieldCurrency     RuleField = "currency"
	FieldAmount       RuleField = "amount"
	FieldAbsAmount    RuleField = "abs_amount"
)

// IsNumeric reports whether the field compares as a decimal
func (f RuleField) IsNumeric() bool {
	return f == FieldAmount || f == FieldAbsAmount
}

// RuleOperator is a comparison applied by a rule condition
type RuleOperator string

const (
	OpEquals      RuleOperator = "equals"
	OpNotEquals   RuleOperator = "not_equals"
	OpContains    RuleOperator = "contains"
	OpNotContains RuleOperator = "not_contains"
	OpStartsWith  RuleOperator = "starts_with"
	OpEndsWith    RuleOperator = "ends_with"
	OpMatches     RuleOperator = "matches"
	OpGreater     RuleOperator = "gt"
	OpGreaterEq   RuleOperator = "gte"
	OpLess        RuleOperator = "lt"
	OpLessEq      RuleOperator = "lte"
)

// RuleCondition is one field/operator/value test; conditions of a rule are ANDed
type RuleCondition struct {
	Field    RuleField    `json:"field" yaml:"field"`
	Operator RuleOperator `json:"operator" yaml:"operator"`
	Value    string       `json:"value" yaml:"value"`
}

// RuleAction routes a matching transaction to a ledger account
type RuleAction struct {
	AccountCode string `json:"accountCode" yaml:"account_code"`
	AutoConfirm bool   `json:"autoConfirm" yaml:"auto_confirm"`
}

// MatchingRule is a user-authored deterministic routing rule
type MatchingRule struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Scope      string          `json:"scope,omitempty" yaml:"scope,omitempty"`
	Priority   int             `json:"priority" yaml:"priority"`
	Enabled    bool            `json:"enabled" yaml:"enabled"`
	Conditions []RuleCondition `json:"conditions" yaml:"conditions"`
	Action     RuleAction      `json:"action" yaml:"action"`
	HitCount   int64           `json:"hitCount" yaml:"-"`
	LastHitAt  *time.Time      `json:"lastHitAt,omitempty" yaml:"-"`
}

// Utility functions for type conversion and validation

// DateLayout is the calendar date format used across imports and reports
const DateLayout = "2006-01-02"

// DateOnly truncates t to its calendar date in UTC
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether a and b fall on the same calendar date
func SameDay(a, b time.Time) bool {
	return DateOnly(a).Equal(DateOnly(b))
}

// DaysBetween returns the absolute number of calendar days between a and b
func DaysBetween(a, b time.Time) int {
	diff := DateOnly(a).Sub(DateOnly(b))
	if diff < 0 {
		diff = -diff
	}
	return int(math.Round(diff.Hours() / 24))
}

// AbsDelta returns ||a| - |b||
func AbsDelta(a, b decimal.Decimal) decimal.Decimal {
	return a.Abs().Sub(b.Abs()).Abs()
}

// ParseDecimalFromString parses a decimal value from string with validation
func ParseDecimalFromString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}

	for _, symbol := range []string{"$", "€", "£", "Rp", ","} {
		s = strings.ReplaceAll(s, symbol, "")
	}
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// ParseTransactionStatus parses a reconciliation status, defaulting empty input to UNMATCHED
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "UNMATCHED":
		return TransactionUnmatched, nil
	case "MATCHED":
		return TransactionMatched, nil
	default:
		return "", fmt.Errorf("invalid transaction status '%s': must be UNMATCHED or MATCHED", s)
	}
}

// ParseBool parses the boolean spellings commonly found in exports
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "no", "n", "0":
		return false, nil
	case "true", "yes", "y", "1":
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean '%s'", s)
	}
}

// ParseTimeWithFormats attempts to parse time from string using multiple common formats
func ParseTimeWithFormats(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time string cannot be empty")
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		DateLayout,
		"01/02/2006 15:04:05",
		"01/02/2006",
		"02-01-2006",
		"2006/01/02",
		"Jan 2, 2006",
		"January 2, 2006",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse time '%s': %w", s, lastErr)
}

// ParseDate parses s with ParseTimeWithFormats and truncates it to a calendar date
func ParseDate(s string) (time.Time, error) {
	t, err := ParseTimeWithFormats(s)
	if err != nil {
		return time.Time{}, err
	}
	return DateOnly(t), nil
}

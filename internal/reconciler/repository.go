package reconciler

import (
	"context"
	"time"

	"reconciliation-engine/internal/models"
)

// CandidateStore reads the records a pipeline run works on.
// Store failures are reported as resource errors.
type CandidateStore interface {
	// ListUnmatchedTransactions returns UNMATCHED transactions of the bank
	// account booked within [start, end]
	ListUnmatchedTransactions(ctx context.Context, accountID string, start, end time.Time) ([]*models.BankTransaction, error)

	// ListUnreconciledLedgerEntries returns unreconciled entries of the ledger
	// account linked to the bank account, dated within [start, end]. It fails
	// with a NoLinkedLedgerAccount error when no link exists.
	ListUnreconciledLedgerEntries(ctx context.Context, accountID string, start, end time.Time) ([]*models.LedgerEntry, error)

	// HasLedgerMapping reports whether the bank account is linked to a ledger account
	HasLedgerMapping(ctx context.Context, accountID string) (bool, error)

	GetTransaction(ctx context.Context, id string) (*models.BankTransaction, error)
	GetLedgerEntry(ctx context.Context, id string) (*models.LedgerEntry, error)
}

// RuleStore holds matching rules
type RuleStore interface {
	// ListEnabledRules returns enabled global rules plus those scoped to
	// scope, ascending by priority
	ListEnabledRules(ctx context.Context, scope string) ([]*models.MatchingRule, error)

	// RecordRuleHit increments the hit count of a rule
	RecordRuleHit(ctx context.Context, ruleID string, at time.Time) error
}

// Recorder is the write side used by the pipeline and by manual resolution.
//
// SaveMatch fails with a DuplicateMatch integrity error when the transaction
// already holds a non-rejected match in the session, and with LedgerEntryClaimed
// when another pending or confirmed match holds the ledger entry.
type Recorder interface {
	SaveMatch(ctx context.Context, match *models.Match) error
	UpdateMatch(ctx context.Context, match *models.Match) error
	SaveException(ctx context.Context, exc *models.Exception) error
	UpdateException(ctx context.Context, exc *models.Exception) error
	UpdateTransactionStatus(ctx context.Context, transactionID string, status models.TransactionStatus) error
	UpdateLedgerEntryReconciled(ctx context.Context, entryID string, reconciled bool) error
}

// MatchStore persists matches and exceptions
type MatchStore interface {
	Recorder

	// Atomic runs fn as one unit: either every write fn makes through the
	// given Recorder is kept or none is.
	Atomic(ctx context.Context, fn func(Recorder) error) error

	ListMatches(ctx context.Context, sessionID string) ([]*models.Match, error)
	ListExceptions(ctx context.Context, sessionID string) ([]*models.Exception, error)
	GetMatch(ctx context.Context, id string) (*models.Match, error)
	GetException(ctx context.Context, id string) (*models.Exception, error)
}

// SessionStore persists sessions and the per-account period lock
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	UpdateSession(ctx context.Context, session *Session) error

	// GetSession fails with SessionNotFound for unknown IDs
	GetSession(ctx context.Context, id string) (*Session, error)

	// LockPeriod fails with PeriodLocked when another session holds a lock on
	// an overlapping period of the same account. Re-locking by the holder succeeds.
	LockPeriod(ctx context.Context, accountID string, start, end time.Time, sessionID string) error
	UnlockPeriod(ctx context.Context, accountID, sessionID string) error
}

// Store is everything the session manager needs
type Store interface {
	CandidateStore
	RuleStore
	MatchStore
	SessionStore
}

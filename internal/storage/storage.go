// Package storage provides the persistence adapters behind the reconciler
// repository interfaces: an in-memory store for tests and embedding, and a
// SQLite store for the CLI and the HTTP server.
package storage

import (
	"context"

	"reconciliation-engine/internal/models"
	"reconciliation-engine/internal/reconciler"
)

// Backend is a complete store: the reconciler contracts plus the loading and
// listing operations used by the import command and the API
type Backend interface {
	reconciler.Store

	// SaveTransactions inserts or replaces bank transactions
	SaveTransactions(ctx context.Context, txs []*models.BankTransaction) error

	// SaveLedgerEntries inserts or replaces ledger entries
	SaveLedgerEntries(ctx context.Context, entries []*models.LedgerEntry) error

	// SaveRules inserts or replaces matching rules, keeping existing hit counts
	SaveRules(ctx context.Context, rules []*models.MatchingRule) error

	// LinkAccount maps a bank account to the ledger account it reconciles against
	LinkAccount(ctx context.Context, bankAccountID, ledgerAccountID string) error

	// ListSessions returns the sessions of an account, newest first; an empty
	// accountID lists all sessions
	ListSessions(ctx context.Context, accountID string) ([]*reconciler.Session, error)

	Close() error
}

var (
	_ Backend = (*MemoryStore)(nil)
	_ Backend = (*SQLiteStore)(nil)
)

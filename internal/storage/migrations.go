package storage

import (
	"context"
	"database/sql"
	"fmt"

	"reconciliation-engine/pkg/logger"
)

// Migration represents a database schema migration
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

// allMigrations defines all migrations in order
var allMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up:      migration001InitialSchema,
	},
	{
		Version: 2,
		Name:    "add_match_constraints",
		Up:      migration002AddMatchConstraints,
	},
	{
		Version: 3,
		Name:    "add_period_locks_table",
		Up:      migration003AddPeriodLocksTable,
	},
}

// runMigrations executes all pending migrations
func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range allMigrations {
		if applied[migration.Version] {
			continue
		}

		s.logger.WithFields(logger.Fields{
			"version": migration.Version,
			"name":    migration.Name,
		}).Info("Running migration")

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, migration.Version, migration.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func (s *SQLiteStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func (s *SQLiteStore) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func execAll(tx *sql.Tx, statements []string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migration001InitialSchema(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE IF NOT EXISTS account_links (
			bank_account_id TEXT PRIMARY KEY,
			ledger_account_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bank_transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			booking_date TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			counterparty TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'UNMATCHED'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bank_transactions_account_date
			ON bank_transactions(account_id, booking_date)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			entry_date TEXT NOT NULL,
			amount TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			account_code TEXT NOT NULL DEFAULT '',
			reconciled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_date
			ON ledger_entries(account_id, entry_date)`,
		`CREATE TABLE IF NOT EXISTS matching_rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			conditions_json TEXT NOT NULL,
			account_code TEXT NOT NULL,
			auto_confirm INTEGER NOT NULL DEFAULT 0,
			hit_count INTEGER NOT NULL DEFAULT 0,
			last_hit_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			status TEXT NOT NULL,
			config_json TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			statistics_json TEXT,
			failure_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			transaction_id TEXT NOT NULL,
			ledger_entry_id TEXT,
			type TEXT NOT NULL,
			confidence REAL NOT NULL,
			criteria_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			rule_id TEXT NOT NULL DEFAULT '',
			confirmed_at TEXT,
			confirmed_by TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_session ON matches(session_id)`,
		`CREATE TABLE IF NOT EXISTS exceptions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			transaction_id TEXT NOT NULL,
			type TEXT NOT NULL,
			details_json TEXT NOT NULL,
			candidate_ids_json TEXT NOT NULL DEFAULT '[]',
			resolution TEXT NOT NULL DEFAULT '',
			resolved_at TEXT,
			resolved_by TEXT NOT NULL DEFAULT '',
			resolution_note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exceptions_session ON exceptions(session_id)`,
	})
}

// migration002AddMatchConstraints enforces one non-rejected match per
// (session, transaction) and one pending or confirmed claim per ledger entry
func migration002AddMatchConstraints(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_active_transaction
			ON matches(session_id, transaction_id) WHERE status <> 'REJECTED'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_claimed_entry
			ON matches(ledger_entry_id) WHERE status IN ('PENDING', 'CONFIRMED')`,
	})
}

func migration003AddPeriodLocksTable(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE IF NOT EXISTS period_locks (
			account_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			locked_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (account_id, session_id)
		)`,
	})
}

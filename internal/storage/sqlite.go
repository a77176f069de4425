package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reconciliation-engine/internal/matcher"
	"reconciliation-engine/internal/models"
	"reconciliation-engine/internal/reconciler"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// timestampLayout is fixed width so stored timestamps sort as text
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists reconciliation data in a SQLite database.
// Decimal amounts are stored as text to keep them exact.
type SQLiteStore struct {
	db     *sql.DB
	logger logger.Logger
}

// dbtx is satisfied by both *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, apperrors.ResourceError(apperrors.CodeStoreUnavailable, "open database", err)
	}

	// a single connection keeps :memory: databases shared and writes serialised
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, apperrors.ResourceError(apperrors.CodeStoreUnavailable, "enable foreign keys", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.GetGlobalLogger().WithComponent("sqlite_store"),
	}

	if err := s.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, apperrors.ResourceError(apperrors.CodeStoreUnavailable, "migrate database", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// unavailable reports a failed store operation. Context errors are the
// caller's, not the store's, and are returned unchanged.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.ResourceError(apperrors.CodeStoreUnavailable, op, err)
}

func formatDate(t time.Time) string {
	return models.DateOnly(t).Format(models.DateLayout)
}

func parseDate(s string) (time.Time, error) {
	return time.ParseInLocation(models.DateLayout, s, time.UTC)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func nullTimestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTimestamp(*t)
}

func parseNullTimestamp(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timestampLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveTransactions inserts or replaces bank transactions in one transaction
func (s *SQLiteStore) SaveTransactions(ctx context.Context, txs []*models.BankTransaction) error {
	return s.inTx(ctx, "save transactions", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bank_transactions
		(id, account_id, booking_date, amount, currency, description, counterparty, reference, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, t := range txs {
			status := t.Status
			if status == "" {
				status = models.TransactionUnmatched
			}
			if _, err := stmt.ExecContext(ctx, t.ID, t.AccountID, formatDate(t.BookingDate), t.Amount.String(),
				t.Currency, t.Description, t.Counterparty, t.Reference, string(status)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveLedgerEntries inserts or replaces ledger entries in one transaction
func (s *SQLiteStore) SaveLedgerEntries(ctx context.Context, entries []*models.LedgerEntry) error {
	return s.inTx(ctx, "save ledger entries", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO ledger_entries
		(id, account_id, entry_date, amount, description, reference, account_code, reconciled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, e.ID, e.AccountID, formatDate(e.Date), e.Amount.String(),
				e.Description, e.Reference, e.AccountCode, boolToInt(e.Reconciled)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveRules upserts rules, keeping hit counts of existing ones
func (s *SQLiteStore) SaveRules(ctx context.Context, rules []*models.MatchingRule) error {
	return s.inTx(ctx, "save rules", func(tx *sql.Tx) error {
		for _, r := range rules {
			conditions, err := json.Marshal(r.Conditions)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
			INSERT INTO matching_rules
			(id, name, scope, priority, enabled, conditions_json, account_code, auto_confirm)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				scope = excluded.scope,
				priority = excluded.priority,
				enabled = excluded.enabled,
				conditions_json = excluded.conditions_json,
				account_code = excluded.account_code,
				auto_confirm = excluded.auto_confirm`,
				r.ID, r.Name, r.Scope, r.Priority, boolToInt(r.Enabled), string(conditions),
				r.Action.AccountCode, boolToInt(r.Action.AutoConfirm))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// LinkAccount maps a bank account to a ledger account
func (s *SQLiteStore) LinkAccount(ctx context.Context, bankAccountID, ledgerAccountID string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO account_links (bank_account_id, ledger_account_id) VALUES (?, ?)
	ON CONFLICT(bank_account_id) DO UPDATE SET ledger_account_id = excluded.ledger_account_id`,
		bankAccountID, ledgerAccountID)
	if err != nil {
		return unavailable("link account", err)
	}
	return nil
}

const transactionColumns = `id, account_id, booking_date, amount, currency, description, counterparty, reference, status`

func scanTransaction(scan func(dest ...interface{}) error) (*models.BankTransaction, error) {
	var t models.BankTransaction
	var date, amount, status string
	if err := scan(&t.ID, &t.AccountID, &date, &amount, &t.Currency, &t.Description, &t.Counterparty, &t.Reference, &status); err != nil {
		return nil, err
	}
	var err error
	if t.BookingDate, err = parseDate(date); err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	t.Status = models.TransactionStatus(status)
	return &t, nil
}

// ListUnmatchedTransactions returns UNMATCHED transactions of the account in [start, end]
func (s *SQLiteStore) ListUnmatchedTransactions(ctx context.Context, accountID string, start, end time.Time) ([]*models.BankTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+transactionColumns+`
	FROM bank_transactions
	WHERE account_id = ? AND status = ? AND booking_date >= ? AND booking_date <= ?
	ORDER BY booking_date, id`,
		accountID, string(models.TransactionUnmatched), formatDate(start), formatDate(end))
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	defer rows.Close()

	var result []*models.BankTransaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, unavailable("scan transaction", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list transactions", err)
	}
	return result, nil
}

const entryColumns = `id, account_id, entry_date, amount, description, reference, account_code, reconciled`

func scanEntry(scan func(dest ...interface{}) error) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var date, amount string
	if err := scan(&e.ID, &e.AccountID, &date, &amount, &e.Description, &e.Reference, &e.AccountCode, &e.Reconciled); err != nil {
		return nil, err
	}
	var err error
	if e.Date, err = parseDate(date); err != nil {
		return nil, err
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListUnreconciledLedgerEntries returns unreconciled entries of the linked
// ledger account that no pending or confirmed match holds
func (s *SQLiteStore) ListUnreconciledLedgerEntries(ctx context.Context, accountID string, start, end time.Time) ([]*models.LedgerEntry, error) {
	var ledgerAccount string
	err := s.db.QueryRowContext(ctx, `SELECT ledger_account_id FROM account_links WHERE bank_account_id = ?`, accountID).Scan(&ledgerAccount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ConfigurationError(apperrors.CodeNoLinkedLedgerAccount, "account", accountID, nil)
	}
	if err != nil {
		return nil, unavailable("resolve ledger account", err)
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT `+entryColumns+`
	FROM ledger_entries
	WHERE account_id = ? AND reconciled = 0 AND entry_date >= ? AND entry_date <= ?
		AND id NOT IN (
			SELECT ledger_entry_id FROM matches
			WHERE ledger_entry_id IS NOT NULL AND status IN ('PENDING', 'CONFIRMED'))
	ORDER BY entry_date, id`,
		ledgerAccount, formatDate(start), formatDate(end))
	if err != nil {
		return nil, unavailable("list ledger entries", err)
	}
	defer rows.Close()

	var result []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, unavailable("scan ledger entry", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list ledger entries", err)
	}
	return result, nil
}

// HasLedgerMapping reports whether the account is linked
func (s *SQLiteStore) HasLedgerMapping(ctx context.Context, accountID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM account_links WHERE bank_account_id = ?`, accountID).Scan(&n); err != nil {
		return false, unavailable("check ledger mapping", err)
	}
	return n > 0, nil
}

// GetTransaction returns a transaction by ID
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*models.BankTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM bank_transactions WHERE id = ?`, id)
	t, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "transaction", id, nil)
	}
	if err != nil {
		return nil, unavailable("get transaction", err)
	}
	return t, nil
}

// GetLedgerEntry returns a ledger entry by ID
func (s *SQLiteStore) GetLedgerEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "ledger entry", id, nil)
	}
	if err != nil {
		return nil, unavailable("get ledger entry", err)
	}
	return e, nil
}

// ListEnabledRules returns enabled global rules and rules scoped to scope by priority
func (s *SQLiteStore) ListEnabledRules(ctx context.Context, scope string) ([]*models.MatchingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, name, scope, priority, enabled, conditions_json, account_code, auto_confirm, hit_count, last_hit_at
	FROM matching_rules
	WHERE enabled = 1 AND (scope = '' OR scope = ?)
	ORDER BY priority, rowid`, scope)
	if err != nil {
		return nil, unavailable("list rules", err)
	}
	defer rows.Close()

	var result []*models.MatchingRule
	for rows.Next() {
		var r models.MatchingRule
		var conditions string
		var lastHit sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Scope, &r.Priority, &r.Enabled, &conditions,
			&r.Action.AccountCode, &r.Action.AutoConfirm, &r.HitCount, &lastHit); err != nil {
			return nil, unavailable("scan rule", err)
		}
		if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
			return nil, unavailable("decode rule conditions", err)
		}
		if r.LastHitAt, err = parseNullTimestamp(lastHit); err != nil {
			return nil, unavailable("decode rule", err)
		}
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list rules", err)
	}
	return result, nil
}

// RecordRuleHit increments the hit count of a rule
func (s *SQLiteStore) RecordRuleHit(ctx context.Context, ruleID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE matching_rules SET hit_count = hit_count + 1, last_hit_at = ? WHERE id = ?`,
		formatTimestamp(at), ruleID)
	if err != nil {
		return unavailable("record rule hit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ValidationError(apperrors.CodeNotFound, "rule", ruleID, nil)
	}
	return nil
}

// translateConstraint maps unique index violations on matches to integrity errors
func translateConstraint(err error, match *models.Match) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code != sqlite3.ErrConstraint {
		return nil
	}
	if strings.Contains(sqliteErr.Error(), "ledger_entry_id") {
		return apperrors.IntegrityError(apperrors.CodeLedgerEntryClaimed, match.LedgerEntryID, err)
	}
	if strings.Contains(sqliteErr.Error(), "transaction_id") {
		return apperrors.IntegrityError(apperrors.CodeDuplicateMatch, match.TransactionID, err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func saveMatch(ctx context.Context, db dbtx, m *models.Match) error {
	if err := m.Validate(); err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "save match", err)
	}
	criteria, err := json.Marshal(m.Criteria)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "encode criteria", err)
	}

	_, err = db.ExecContext(ctx, `
	INSERT INTO matches
	(id, session_id, transaction_id, ledger_entry_id, type, confidence, criteria_json, status,
	 rule_id, confirmed_at, confirmed_by, note, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.TransactionID, nullString(m.LedgerEntryID), string(m.Type), m.Confidence,
		string(criteria), string(m.Status), m.RuleID, nullTimestamp(m.ConfirmedAt), m.ConfirmedBy, m.Note,
		formatTimestamp(m.CreatedAt), formatTimestamp(m.UpdatedAt))
	if err != nil {
		if integrity := translateConstraint(err, m); integrity != nil {
			return integrity
		}
		return unavailable("save match", err)
	}
	return nil
}

func updateMatch(ctx context.Context, db dbtx, m *models.Match) error {
	if err := m.Validate(); err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "update match", err)
	}
	criteria, err := json.Marshal(m.Criteria)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "encode criteria", err)
	}

	res, err := db.ExecContext(ctx, `
	UPDATE matches SET
		ledger_entry_id = ?, type = ?, confidence = ?, criteria_json = ?, status = ?, rule_id = ?,
		confirmed_at = ?, confirmed_by = ?, note = ?, updated_at = ?
	WHERE id = ?`,
		nullString(m.LedgerEntryID), string(m.Type), m.Confidence, string(criteria), string(m.Status), m.RuleID,
		nullTimestamp(m.ConfirmedAt), m.ConfirmedBy, m.Note, formatTimestamp(m.UpdatedAt), m.ID)
	if err != nil {
		if integrity := translateConstraint(err, m); integrity != nil {
			return integrity
		}
		return unavailable("update match", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ValidationError(apperrors.CodeNotFound, "match", m.ID, nil)
	}
	return nil
}

func saveException(ctx context.Context, db dbtx, e *models.Exception) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "encode exception details", err)
	}
	candidates, err := json.Marshal(e.CandidateIDs)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "encode exception candidates", err)
	}

	_, err = db.ExecContext(ctx, `
	INSERT INTO exceptions
	(id, session_id, transaction_id, type, details_json, candidate_ids_json, resolution,
	 resolved_at, resolved_by, resolution_note, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.TransactionID, string(e.Type), string(details), string(candidates),
		string(e.Resolution), nullTimestamp(e.ResolvedAt), e.ResolvedBy, e.ResolutionNote, formatTimestamp(e.CreatedAt))
	if err != nil {
		return unavailable("save exception", err)
	}
	return nil
}

func updateException(ctx context.Context, db dbtx, e *models.Exception) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "encode exception details", err)
	}
	candidates, err := json.Marshal(e.CandidateIDs)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "encode exception candidates", err)
	}

	res, err := db.ExecContext(ctx, `
	UPDATE exceptions SET
		type = ?, details_json = ?, candidate_ids_json = ?, resolution = ?,
		resolved_at = ?, resolved_by = ?, resolution_note = ?
	WHERE id = ?`,
		string(e.Type), string(details), string(candidates), string(e.Resolution),
		nullTimestamp(e.ResolvedAt), e.ResolvedBy, e.ResolutionNote, e.ID)
	if err != nil {
		return unavailable("update exception", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ValidationError(apperrors.CodeNotFound, "exception", e.ID, nil)
	}
	return nil
}

func updateTransactionStatus(ctx context.Context, db dbtx, id string, status models.TransactionStatus) error {
	res, err := db.ExecContext(ctx, `UPDATE bank_transactions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return unavailable("update transaction status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ValidationError(apperrors.CodeNotFound, "transaction", id, nil)
	}
	return nil
}

func updateLedgerEntryReconciled(ctx context.Context, db dbtx, id string, reconciled bool) error {
	res, err := db.ExecContext(ctx, `UPDATE ledger_entries SET reconciled = ? WHERE id = ?`, boolToInt(reconciled), id)
	if err != nil {
		return unavailable("update ledger entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ValidationError(apperrors.CodeNotFound, "ledger entry", id, nil)
	}
	return nil
}

// SaveMatch stores a new match
func (s *SQLiteStore) SaveMatch(ctx context.Context, match *models.Match) error {
	return saveMatch(ctx, s.db, match)
}

// UpdateMatch replaces a stored match
func (s *SQLiteStore) UpdateMatch(ctx context.Context, match *models.Match) error {
	return updateMatch(ctx, s.db, match)
}

// SaveException stores a new exception
func (s *SQLiteStore) SaveException(ctx context.Context, exc *models.Exception) error {
	return saveException(ctx, s.db, exc)
}

// UpdateException replaces a stored exception
func (s *SQLiteStore) UpdateException(ctx context.Context, exc *models.Exception) error {
	return updateException(ctx, s.db, exc)
}

// UpdateTransactionStatus writes the reconciliation status of a transaction
func (s *SQLiteStore) UpdateTransactionStatus(ctx context.Context, transactionID string, status models.TransactionStatus) error {
	return updateTransactionStatus(ctx, s.db, transactionID, status)
}

// UpdateLedgerEntryReconciled writes the reconciled flag of a ledger entry
func (s *SQLiteStore) UpdateLedgerEntryReconciled(ctx context.Context, entryID string, reconciled bool) error {
	return updateLedgerEntryReconciled(ctx, s.db, entryID, reconciled)
}

// sqliteUnit is the Recorder handed to Atomic callbacks
type sqliteUnit struct {
	tx *sql.Tx
}

func (u *sqliteUnit) SaveMatch(ctx context.Context, match *models.Match) error {
	return saveMatch(ctx, u.tx, match)
}

func (u *sqliteUnit) UpdateMatch(ctx context.Context, match *models.Match) error {
	return updateMatch(ctx, u.tx, match)
}

func (u *sqliteUnit) SaveException(ctx context.Context, exc *models.Exception) error {
	return saveException(ctx, u.tx, exc)
}

func (u *sqliteUnit) UpdateException(ctx context.Context, exc *models.Exception) error {
	return updateException(ctx, u.tx, exc)
}

func (u *sqliteUnit) UpdateTransactionStatus(ctx context.Context, transactionID string, status models.TransactionStatus) error {
	return updateTransactionStatus(ctx, u.tx, transactionID, status)
}

func (u *sqliteUnit) UpdateLedgerEntryReconciled(ctx context.Context, entryID string, reconciled bool) error {
	return updateLedgerEntryReconciled(ctx, u.tx, entryID, reconciled)
}

// Atomic runs fn inside one database transaction
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(reconciler.Recorder) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	if err := fn(&sqliteUnit{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit transaction", err)
	}
	return nil
}

// inTx runs fn in a transaction and reports failures as resource errors
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

const matchColumns = `id, session_id, transaction_id, ledger_entry_id, type, confidence, criteria_json, status,
	rule_id, confirmed_at, confirmed_by, note, created_at, updated_at`

func scanMatch(scan func(dest ...interface{}) error) (*models.Match, error) {
	var m models.Match
	var entryID, confirmedAt sql.NullString
	var typ, status, criteria, createdAt, updatedAt string
	if err := scan(&m.ID, &m.SessionID, &m.TransactionID, &entryID, &typ, &m.Confidence, &criteria, &status,
		&m.RuleID, &confirmedAt, &m.ConfirmedBy, &m.Note, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.LedgerEntryID = entryID.String
	m.Type = models.MatchType(typ)
	m.Status = models.MatchStatus(status)
	if err := json.Unmarshal([]byte(criteria), &m.Criteria); err != nil {
		return nil, err
	}
	var err error
	if m.ConfirmedAt, err = parseNullTimestamp(confirmedAt); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = time.Parse(timestampLayout, createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = time.Parse(timestampLayout, updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMatches returns the matches of a session in creation order
func (s *SQLiteStore) ListMatches(ctx context.Context, sessionID string) ([]*models.Match, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, unavailable("list matches", err)
	}
	defer rows.Close()

	var result []*models.Match
	for rows.Next() {
		m, err := scanMatch(rows.Scan)
		if err != nil {
			return nil, unavailable("scan match", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list matches", err)
	}
	return result, nil
}

// GetMatch returns a match by ID
func (s *SQLiteStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	m, err := scanMatch(s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "match", id, nil)
	}
	if err != nil {
		return nil, unavailable("get match", err)
	}
	return m, nil
}

const exceptionColumns = `id, session_id, transaction_id, type, details_json, candidate_ids_json, resolution,
	resolved_at, resolved_by, resolution_note, created_at`

func scanException(scan func(dest ...interface{}) error) (*models.Exception, error) {
	var e models.Exception
	var typ, details, candidates, resolution, createdAt string
	var resolvedAt sql.NullString
	if err := scan(&e.ID, &e.SessionID, &e.TransactionID, &typ, &details, &candidates, &resolution,
		&resolvedAt, &e.ResolvedBy, &e.ResolutionNote, &createdAt); err != nil {
		return nil, err
	}
	e.Type = models.ExceptionType(typ)
	e.Resolution = models.Resolution(resolution)
	if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(candidates), &e.CandidateIDs); err != nil {
		return nil, err
	}
	var err error
	if e.ResolvedAt, err = parseNullTimestamp(resolvedAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = time.Parse(timestampLayout, createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExceptions returns the exceptions of a session in creation order
func (s *SQLiteStore) ListExceptions(ctx context.Context, sessionID string) ([]*models.Exception, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, unavailable("list exceptions", err)
	}
	defer rows.Close()

	var result []*models.Exception
	for rows.Next() {
		e, err := scanException(rows.Scan)
		if err != nil {
			return nil, unavailable("scan exception", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list exceptions", err)
	}
	return result, nil
}

// GetException returns an exception by ID
func (s *SQLiteStore) GetException(ctx context.Context, id string) (*models.Exception, error) {
	e, err := scanException(s.db.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "exception", id, nil)
	}
	if err != nil {
		return nil, unavailable("get exception", err)
	}
	return e, nil
}

func encodeSession(session *reconciler.Session) (config string, stats sql.NullString, err error) {
	cfg := session.Config
	if cfg == nil {
		cfg = matcher.DefaultMatchingConfig()
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", stats, err
	}
	if session.Statistics != nil {
		rawStats, err := json.Marshal(session.Statistics)
		if err != nil {
			return "", stats, err
		}
		stats = sql.NullString{String: string(rawStats), Valid: true}
	}
	return string(raw), stats, nil
}

// CreateSession stores a new session
func (s *SQLiteStore) CreateSession(ctx context.Context, session *reconciler.Session) error {
	config, stats, err := encodeSession(session)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "encode session", err)
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO sessions
	(id, account_id, period_start, period_end, status, config_json, started_at, completed_at, statistics_json, failure_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.AccountID, formatDate(session.PeriodStart), formatDate(session.PeriodEnd),
		string(session.Status), config, formatTimestamp(session.StartedAt), nullTimestamp(session.CompletedAt),
		stats, session.FailureReason)
	if err != nil {
		return unavailable("create session", err)
	}
	return nil
}

// UpdateSession replaces a stored session
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *reconciler.Session) error {
	config, stats, err := encodeSession(session)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "encode session", err)
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE sessions SET
		status = ?, config_json = ?, completed_at = ?, statistics_json = ?, failure_reason = ?
	WHERE id = ?`,
		string(session.Status), config, nullTimestamp(session.CompletedAt), stats, session.FailureReason, session.ID)
	if err != nil {
		return unavailable("update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.StateError(apperrors.CodeSessionNotFound, session.ID, nil)
	}
	return nil
}

const sessionColumns = `id, account_id, period_start, period_end, status, config_json, started_at, completed_at,
	statistics_json, failure_reason`

func scanSession(scan func(dest ...interface{}) error) (*reconciler.Session, error) {
	var session reconciler.Session
	var start, end, status, config, startedAt string
	var completedAt, stats sql.NullString
	if err := scan(&session.ID, &session.AccountID, &start, &end, &status, &config, &startedAt,
		&completedAt, &stats, &session.FailureReason); err != nil {
		return nil, err
	}

	var err error
	if session.PeriodStart, err = parseDate(start); err != nil {
		return nil, err
	}
	if session.PeriodEnd, err = parseDate(end); err != nil {
		return nil, err
	}
	if session.StartedAt, err = time.Parse(timestampLayout, startedAt); err != nil {
		return nil, err
	}
	if session.CompletedAt, err = parseNullTimestamp(completedAt); err != nil {
		return nil, err
	}
	session.Status = reconciler.SessionStatus(status)

	session.Config = &matcher.MatchingConfig{}
	if err := json.Unmarshal([]byte(config), session.Config); err != nil {
		return nil, err
	}
	if stats.Valid && stats.String != "" {
		session.Statistics = &reconciler.Statistics{}
		if err := json.Unmarshal([]byte(stats.String), session.Statistics); err != nil {
			return nil, err
		}
	}
	return &session, nil
}

// GetSession returns a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*reconciler.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.StateError(apperrors.CodeSessionNotFound, id, nil)
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return session, nil
}

// ListSessions returns sessions newest first
func (s *SQLiteStore) ListSessions(ctx context.Context, accountID string) ([]*reconciler.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+sessionColumns+`
	FROM sessions
	WHERE ? = '' OR account_id = ?
	ORDER BY started_at DESC, id`, accountID, accountID)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer rows.Close()

	var result []*reconciler.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, unavailable("scan session", err)
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list sessions", err)
	}
	return result, nil
}

// LockPeriod takes the period lock of an account for a session
func (s *SQLiteStore) LockPeriod(ctx context.Context, accountID string, start, end time.Time, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("lock period", err)
	}
	defer func() { _ = tx.Rollback() }()

	var holder string
	err = tx.QueryRowContext(ctx, `
	SELECT session_id FROM period_locks
	WHERE account_id = ? AND session_id <> ? AND period_start <= ? AND period_end >= ?
	LIMIT 1`, accountID, sessionID, formatDate(end), formatDate(start)).Scan(&holder)
	switch {
	case err == nil:
		return apperrors.IntegrityError(apperrors.CodePeriodLocked, accountID, nil).WithContext("held_by", holder)
	case !errors.Is(err, sql.ErrNoRows):
		return unavailable("lock period", err)
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO period_locks (account_id, session_id, period_start, period_end)
	VALUES (?, ?, ?, ?)`, accountID, sessionID, formatDate(start), formatDate(end)); err != nil {
		return unavailable("lock period", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("lock period", err)
	}
	return nil
}

// UnlockPeriod releases the session's lock on the account
func (s *SQLiteStore) UnlockPeriod(ctx context.Context, accountID, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM period_locks WHERE account_id = ? AND session_id = ?`, accountID, sessionID); err != nil {
		return unavailable("unlock period", err)
	}
	return nil
}

// String describes the store
func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{open connections: %d}", s.db.Stats().OpenConnections)
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reconciliation-engine/internal/models"
	"reconciliation-engine/internal/reconciler"
	apperrors "reconciliation-engine/pkg/errors"
)

// MemoryStore keeps every record in process memory. Records are copied in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	// atomicMu serialises Atomic units against each other
	atomicMu sync.Mutex

	transactions map[string]*models.BankTransaction
	entries      map[string]*models.LedgerEntry
	links        map[string]string
	rules        map[string]*models.MatchingRule
	ruleOrder    []string
	sessions     map[string]*reconciler.Session
	matches      map[string]*models.Match
	matchOrder   []string
	exceptions   map[string]*models.Exception
	excOrder     []string
	locks        map[string][]periodLock
}

type periodLock struct {
	sessionID string
	start     time.Time
	end       time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*models.BankTransaction),
		entries:      make(map[string]*models.LedgerEntry),
		links:        make(map[string]string),
		rules:        make(map[string]*models.MatchingRule),
		sessions:     make(map[string]*reconciler.Session),
		matches:      make(map[string]*models.Match),
		exceptions:   make(map[string]*models.Exception),
		locks:        make(map[string][]periodLock),
	}
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func inWindow(t, start, end time.Time) bool {
	d := models.DateOnly(t)
	return !d.Before(models.DateOnly(start)) && !d.After(models.DateOnly(end))
}

// SaveTransactions inserts or replaces bank transactions
func (s *MemoryStore) SaveTransactions(ctx context.Context, txs []*models.BankTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		c := *tx
		if c.Status == "" {
			c.Status = models.TransactionUnmatched
		}
		s.transactions[tx.ID] = &c
	}
	return nil
}

// SaveLedgerEntries inserts or replaces ledger entries
func (s *MemoryStore) SaveLedgerEntries(ctx context.Context, entries []*models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		c := *e
		s.entries[e.ID] = &c
	}
	return nil
}

// SaveRules inserts or replaces rules, keeping existing hit counts
func (s *MemoryStore) SaveRules(ctx context.Context, rules []*models.MatchingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rules {
		c := copyRule(r)
		if existing, ok := s.rules[r.ID]; ok {
			c.HitCount = existing.HitCount
			c.LastHitAt = existing.LastHitAt
		} else {
			s.ruleOrder = append(s.ruleOrder, r.ID)
		}
		s.rules[r.ID] = c
	}
	return nil
}

// LinkAccount maps a bank account to a ledger account
func (s *MemoryStore) LinkAccount(ctx context.Context, bankAccountID, ledgerAccountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[bankAccountID] = ledgerAccountID
	return nil
}

// ListUnmatchedTransactions returns UNMATCHED transactions of the account in [start, end]
func (s *MemoryStore) ListUnmatchedTransactions(ctx context.Context, accountID string, start, end time.Time) ([]*models.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.BankTransaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID && tx.IsUnmatched() && inWindow(tx.BookingDate, start, end) {
			c := *tx
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].BookingDate.Equal(result[j].BookingDate) {
			return result[i].BookingDate.Before(result[j].BookingDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ListUnreconciledLedgerEntries returns unreconciled entries of the linked
// ledger account that no pending or confirmed match holds
func (s *MemoryStore) ListUnreconciledLedgerEntries(ctx context.Context, accountID string, start, end time.Time) ([]*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledgerAccount, ok := s.links[accountID]
	if !ok {
		return nil, apperrors.ConfigurationError(apperrors.CodeNoLinkedLedgerAccount, "account", accountID, nil)
	}

	claimed := make(map[string]bool)
	for _, m := range s.matches {
		if m.ClaimsLedgerEntry() {
			claimed[m.LedgerEntryID] = true
		}
	}

	var result []*models.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID == ledgerAccount && !e.Reconciled && !claimed[e.ID] && inWindow(e.Date, start, end) {
			c := *e
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// HasLedgerMapping reports whether the account is linked
func (s *MemoryStore) HasLedgerMapping(ctx context.Context, accountID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.links[accountID]
	return ok, nil
}

// GetTransaction returns a transaction by ID
func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "transaction", id, nil)
	}
	c := *tx
	return &c, nil
}

// GetLedgerEntry returns a ledger entry by ID
func (s *MemoryStore) GetLedgerEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "ledger entry", id, nil)
	}
	c := *e
	return &c, nil
}

// ListEnabledRules returns enabled global rules and rules scoped to scope by priority
func (s *MemoryStore) ListEnabledRules(ctx context.Context, scope string) ([]*models.MatchingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.MatchingRule
	for _, id := range s.ruleOrder {
		r := s.rules[id]
		if r.Enabled && (r.Scope == "" || r.Scope == scope) {
			result = append(result, copyRule(r))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority < result[j].Priority
	})
	return result, nil
}

// RecordRuleHit increments the hit count of a rule
func (s *MemoryStore) RecordRuleHit(ctx context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return apperrors.ValidationError(apperrors.CodeNotFound, "rule", ruleID, nil)
	}
	r.HitCount++
	hit := at
	r.LastHitAt = &hit
	return nil
}

func copyRule(r *models.MatchingRule) *models.MatchingRule {
	c := *r
	c.Conditions = append([]models.RuleCondition(nil), r.Conditions...)
	return &c
}

func copyMatch(m *models.Match) *models.Match {
	c := *m
	if m.Criteria != nil {
		c.Criteria = make(models.Criteria, len(m.Criteria))
		for k, v := range m.Criteria {
			c.Criteria[k] = v
		}
	}
	return &c
}

func copyException(e *models.Exception) *models.Exception {
	c := *e
	c.CandidateIDs = append([]string(nil), e.CandidateIDs...)
	c.Details.Candidates = append([]models.CandidateSummary(nil), e.Details.Candidates...)
	return &c
}

func copySession(s *reconciler.Session) *reconciler.Session {
	c := *s
	c.Config = s.Config.Clone()
	if s.Statistics != nil {
		stats := *s.Statistics
		c.Statistics = &stats
	}
	return &c
}

// SaveMatch stores a new match
func (s *MemoryStore) SaveMatch(ctx context.Context, match *models.Match) error {
	_, err := s.saveMatch(match)
	return err
}

// UpdateMatch replaces a stored match
func (s *MemoryStore) UpdateMatch(ctx context.Context, match *models.Match) error {
	_, err := s.updateMatch(match)
	return err
}

// SaveException stores a new exception
func (s *MemoryStore) SaveException(ctx context.Context, exc *models.Exception) error {
	_, err := s.saveException(exc)
	return err
}

// UpdateException replaces a stored exception
func (s *MemoryStore) UpdateException(ctx context.Context, exc *models.Exception) error {
	_, err := s.updateException(exc)
	return err
}

// UpdateTransactionStatus writes the reconciliation status of a transaction
func (s *MemoryStore) UpdateTransactionStatus(ctx context.Context, transactionID string, status models.TransactionStatus) error {
	_, err := s.updateTransactionStatus(transactionID, status)
	return err
}

// UpdateLedgerEntryReconciled writes the reconciled flag of a ledger entry
func (s *MemoryStore) UpdateLedgerEntryReconciled(ctx context.Context, entryID string, reconciled bool) error {
	_, err := s.updateLedgerEntryReconciled(entryID, reconciled)
	return err
}

// checkMatchConstraints enforces one non-rejected match per (session,
// transaction) and one claim per ledger entry. Caller holds mu.
func (s *MemoryStore) checkMatchConstraints(match *models.Match) error {
	for _, other := range s.matches {
		if other.ID == match.ID {
			continue
		}
		if match.IsActive() && other.IsActive() &&
			other.SessionID == match.SessionID && other.TransactionID == match.TransactionID {
			return apperrors.IntegrityError(apperrors.CodeDuplicateMatch, match.TransactionID, nil)
		}
		if match.ClaimsLedgerEntry() && other.ClaimsLedgerEntry() && other.LedgerEntryID == match.LedgerEntryID {
			return apperrors.IntegrityError(apperrors.CodeLedgerEntryClaimed, match.LedgerEntryID, nil)
		}
	}
	return nil
}

func (s *MemoryStore) saveMatch(match *models.Match) (func(), error) {
	if err := match.Validate(); err != nil {
		return nil, apperrors.InternalError(apperrors.CodeUnexpectedError, "save match", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.matches[match.ID]; exists {
		return nil, apperrors.InternalError(apperrors.CodeUnexpectedError, "save match", fmt.Errorf("match %s already exists", match.ID))
	}
	if err := s.checkMatchConstraints(match); err != nil {
		return nil, err
	}

	s.matches[match.ID] = copyMatch(match)
	s.matchOrder = append(s.matchOrder, match.ID)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.matches, match.ID)
		s.matchOrder = removeID(s.matchOrder, match.ID)
	}, nil
}

func (s *MemoryStore) updateMatch(match *models.Match) (func(), error) {
	if err := match.Validate(); err != nil {
		return nil, apperrors.InternalError(apperrors.CodeUnexpectedError, "update match", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.matches[match.ID]
	if !ok {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "match", match.ID, nil)
	}
	if err := s.checkMatchConstraints(match); err != nil {
		return nil, err
	}
	s.matches[match.ID] = copyMatch(match)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.matches[match.ID] = previous
	}, nil
}

func (s *MemoryStore) saveException(exc *models.Exception) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.exceptions[exc.ID]; exists {
		return nil, apperrors.InternalError(apperrors.CodeUnexpectedError, "save exception", fmt.Errorf("exception %s already exists", exc.ID))
	}
	s.exceptions[exc.ID] = copyException(exc)
	s.excOrder = append(s.excOrder, exc.ID)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.exceptions, exc.ID)
		s.excOrder = removeID(s.excOrder, exc.ID)
	}, nil
}

func (s *MemoryStore) updateException(exc *models.Exception) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.exceptions[exc.ID]
	if !ok {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "exception", exc.ID, nil)
	}
	s.exceptions[exc.ID] = copyException(exc)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.exceptions[exc.ID] = previous
	}, nil
}

func (s *MemoryStore) updateTransactionStatus(id string, status models.TransactionStatus) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "transaction", id, nil)
	}
	previous := tx.Status
	tx.Status = status

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		tx.Status = previous
	}, nil
}

func (s *MemoryStore) updateLedgerEntryReconciled(id string, reconciled bool) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "ledger entry", id, nil)
	}
	previous := e.Reconciled
	e.Reconciled = reconciled

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		e.Reconciled = previous
	}, nil
}

func removeID(ids []string, id string) []string {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// memoryUnit records undo steps for the writes of one Atomic call
type memoryUnit struct {
	store *MemoryStore
	undo  []func()
}

func (u *memoryUnit) track(undo func(), err error) error {
	if err != nil {
		return err
	}
	u.undo = append(u.undo, undo)
	return nil
}

func (u *memoryUnit) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
}

func (u *memoryUnit) SaveMatch(ctx context.Context, match *models.Match) error {
	return u.track(u.store.saveMatch(match))
}

func (u *memoryUnit) UpdateMatch(ctx context.Context, match *models.Match) error {
	return u.track(u.store.updateMatch(match))
}

func (u *memoryUnit) SaveException(ctx context.Context, exc *models.Exception) error {
	return u.track(u.store.saveException(exc))
}

func (u *memoryUnit) UpdateException(ctx context.Context, exc *models.Exception) error {
	return u.track(u.store.updateException(exc))
}

func (u *memoryUnit) UpdateTransactionStatus(ctx context.Context, transactionID string, status models.TransactionStatus) error {
	return u.track(u.store.updateTransactionStatus(transactionID, status))
}

func (u *memoryUnit) UpdateLedgerEntryReconciled(ctx context.Context, entryID string, reconciled bool) error {
	return u.track(u.store.updateLedgerEntryReconciled(entryID, reconciled))
}

// Atomic runs fn and undoes its writes when it returns an error
func (s *MemoryStore) Atomic(ctx context.Context, fn func(reconciler.Recorder) error) error {
	s.atomicMu.Lock()
	defer s.atomicMu.Unlock()

	unit := &memoryUnit{store: s}
	if err := fn(unit); err != nil {
		unit.rollback()
		return err
	}
	return nil
}

// ListMatches returns the matches of a session in creation order
func (s *MemoryStore) ListMatches(ctx context.Context, sessionID string) ([]*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Match
	for _, id := range s.matchOrder {
		if m := s.matches[id]; m.SessionID == sessionID {
			result = append(result, copyMatch(m))
		}
	}
	return result, nil
}

// ListExceptions returns the exceptions of a session in creation order
func (s *MemoryStore) ListExceptions(ctx context.Context, sessionID string) ([]*models.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Exception
	for _, id := range s.excOrder {
		if e := s.exceptions[id]; e.SessionID == sessionID {
			result = append(result, copyException(e))
		}
	}
	return result, nil
}

// GetMatch returns a match by ID
func (s *MemoryStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "match", id, nil)
	}
	return copyMatch(m), nil
}

// GetException returns an exception by ID
func (s *MemoryStore) GetException(ctx context.Context, id string) (*models.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.exceptions[id]
	if !ok {
		return nil, apperrors.ValidationError(apperrors.CodeNotFound, "exception", id, nil)
	}
	return copyException(e), nil
}

// CreateSession stores a new session
func (s *MemoryStore) CreateSession(ctx context.Context, session *reconciler.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "create session", fmt.Errorf("session %s already exists", session.ID))
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

// UpdateSession replaces a stored session
func (s *MemoryStore) UpdateSession(ctx context.Context, session *reconciler.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; !exists {
		return apperrors.StateError(apperrors.CodeSessionNotFound, session.ID, nil)
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

// GetSession returns a session by ID
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*reconciler.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.StateError(apperrors.CodeSessionNotFound, id, nil)
	}
	return copySession(session), nil
}

// ListSessions returns sessions newest first
func (s *MemoryStore) ListSessions(ctx context.Context, accountID string) ([]*reconciler.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*reconciler.Session
	for _, session := range s.sessions {
		if accountID == "" || session.AccountID == accountID {
			result = append(result, copySession(session))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// LockPeriod takes the period lock of an account for a session
func (s *MemoryStore) LockPeriod(ctx context.Context, accountID string, start, end time.Time, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, end = models.DateOnly(start), models.DateOnly(end)
	var kept []periodLock
	for _, l := range s.locks[accountID] {
		if l.sessionID == sessionID {
			continue
		}
		if !start.After(l.end) && !l.start.After(end) {
			return apperrors.IntegrityError(apperrors.CodePeriodLocked, accountID, nil).
				WithContext("held_by", l.sessionID)
		}
		kept = append(kept, l)
	}
	s.locks[accountID] = append(kept, periodLock{sessionID: sessionID, start: start, end: end})
	return nil
}

// UnlockPeriod releases the session's lock on the account
func (s *MemoryStore) UnlockPeriod(ctx context.Context, accountID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []periodLock
	for _, l := range s.locks[accountID] {
		if l.sessionID != sessionID {
			kept = append(kept, l)
		}
	}
	s.locks[accountID] = kept
	return nil
}

// Package reconciler runs reconciliation sessions.
//
// A session covers one bank account over one period. The Manager opens it,
// runs the matching pipeline over the account's unmatched transactions and
// unreconciled ledger entries, records matches and exceptions through the
// repository interfaces in this package, and closes it.
//
// Example usage:
//
//	manager := reconciler.NewManager(store, reconciler.WithSemanticMatcher(sem))
//	session, err := manager.StartSession(ctx, "ACC-1", start, end, matcher.DefaultMatchingConfig())
//	if err != nil {
//		return err
//	}
//	result, err := manager.RunPipeline(ctx, session.ID)
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"reconciliation-engine/internal/matcher"
	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session
type SessionStatus string

const (
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionCancelled  SessionStatus = "CANCELLED"
	SessionFailed     SessionStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionFailed
}

// Session is one reconciliation of an account over a period
type Session struct {
	ID            string                  `json:"id"`
	AccountID     string                  `json:"accountId"`
	PeriodStart   time.Time               `json:"periodStart"`
	PeriodEnd     time.Time               `json:"periodEnd"`
	Status        SessionStatus           `json:"status"`
	Config        *matcher.MatchingConfig `json:"config"`
	StartedAt     time.Time               `json:"startedAt"`
	CompletedAt   *time.Time              `json:"completedAt,omitempty"`
	Statistics    *Statistics             `json:"statistics,omitempty"`
	FailureReason string                  `json:"failureReason,omitempty"`
}

// String returns a string representation of the session
func (s *Session) String() string {
	return fmt.Sprintf("Session{ID: %s, Account: %s, Period: %s..%s, Status: %s}",
		s.ID, s.AccountID, s.PeriodStart.Format(models.DateLayout), s.PeriodEnd.Format(models.DateLayout), s.Status)
}

// Manager owns session lifecycle, pipeline runs and manual resolution
type Manager struct {
	store    Store
	semantic matcher.SemanticMatcher
	logger   logger.Logger
	clock    func() time.Time

	// running holds the cancel flag of every session with an active run
	mu      sync.Mutex
	running map[string]*atomic.Bool
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithSemanticMatcher wires the semantic collaborator
func WithSemanticMatcher(s matcher.SemanticMatcher) ManagerOption {
	return func(m *Manager) {
		m.semantic = s
	}
}

// WithLogger replaces the manager logger
func WithLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.WithComponent("session_manager")
		}
	}
}

// WithClock replaces the time source
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager creates a session manager over store
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		logger:  logger.GetGlobalLogger().WithComponent("session_manager"),
		clock:   time.Now,
		running: make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession validates the request and creates an IN_PROGRESS session.
// Nothing is persisted when validation fails.
func (m *Manager) StartSession(ctx context.Context, accountID string, periodStart, periodEnd time.Time, cfg *matcher.MatchingConfig) (*Session, error) {
	start, end := models.DateOnly(periodStart), models.DateOnly(periodEnd)
	if start.After(end) {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidPeriod, "period",
			fmt.Sprintf("%s..%s", start.Format(models.DateLayout), end.Format(models.DateLayout)), nil)
	}

	if cfg == nil {
		cfg = matcher.DefaultMatchingConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	linked, err := m.store.HasLedgerMapping(ctx, accountID)
	if err != nil {
		return nil, apperrors.WrapIfNeeded(err, apperrors.CategoryResource, apperrors.CodeStoreUnavailable, "checking ledger mapping")
	}
	if !linked {
		return nil, apperrors.ConfigurationError(apperrors.CodeAccountNotLinked, "account", accountID, nil)
	}

	session := &Session{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      SessionInProgress,
		Config:      cfg.Clone(),
		StartedAt:   m.clock(),
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	m.logger.WithFields(logger.Fields{
		"session_id": session.ID,
		"account_id": accountID,
		"period":     fmt.Sprintf("%s..%s", start.Format(models.DateLayout), end.Format(models.DateLayout)),
	}).Info("Reconciliation session started")

	return session, nil
}

// GetSession returns the stored session
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// CompleteSession closes an IN_PROGRESS session and freezes its statistics
func (m *Manager) CompleteSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := m.requireInProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if m.isRunning(sessionID) {
		return nil, apperrors.StateError(apperrors.CodeInvalidTransition, sessionID, "a pipeline run is still active")
	}

	var lastRun time.Duration
	if session.Statistics != nil {
		lastRun = session.Statistics.Duration
	}
	stats, err := m.collectStatistics(ctx, session, lastRun)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	session.Status = SessionCompleted
	session.CompletedAt = &now
	session.Statistics = stats
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	m.logger.WithFields(logger.Fields{
		"session_id": sessionID,
		"statistics": stats.String(),
	}).Info("Reconciliation session completed")
	return session, nil
}

// CancelSession cancels a session. An active run notices the request before
// its next transaction and moves the session to CANCELLED itself; otherwise
// the session is cancelled immediately. Records already created are kept.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := m.requireInProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	flag, running := m.running[sessionID]
	if running {
		flag.Store(true)
	}
	m.mu.Unlock()

	if running {
		m.logger.WithField("session_id", sessionID).Info("Cancellation requested for running session")
		return session, nil
	}

	var lastRun time.Duration
	if session.Statistics != nil {
		lastRun = session.Statistics.Duration
	}
	stats, err := m.collectStatistics(ctx, session, lastRun)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	session.Status = SessionCancelled
	session.CompletedAt = &now
	session.Statistics = stats
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	m.logger.WithField("session_id", sessionID).Info("Reconciliation session cancelled")
	return session, nil
}

func (m *Manager) requireInProgress(ctx context.Context, sessionID string) (*Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionInProgress {
		return nil, apperrors.StateError(apperrors.CodeSessionNotInProgress, sessionID, session.Status)
	}
	return session, nil
}

// collectStatistics counts every transaction of the session's period: those
// the session holds records for and those still waiting to be placed
func (m *Manager) collectStatistics(ctx context.Context, session *Session, duration time.Duration) (*Statistics, error) {
	unplaced, err := m.store.ListUnmatchedTransactions(ctx, session.AccountID, session.PeriodStart, session.PeriodEnd)
	if err != nil {
		return nil, err
	}
	matches, err := m.store.ListMatches(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	exceptions, err := m.store.ListExceptions(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(unplaced))
	for _, tx := range unplaced {
		ids = append(ids, tx.ID)
	}
	return ComputePeriodStatistics(ids, matches, exceptions, duration), nil
}

// beginRun registers the cancel flag of a run; only one run per session may be active
func (m *Manager) beginRun(sessionID string) (*atomic.Bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.running[sessionID]; exists {
		return nil, apperrors.StateError(apperrors.CodeInvalidTransition, sessionID, "a pipeline run is already active")
	}
	flag := &atomic.Bool{}
	m.running[sessionID] = flag
	return flag, nil
}

func (m *Manager) endRun(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, sessionID)
}

func (m *Manager) isRunning(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[sessionID]
	return ok
}

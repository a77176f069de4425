package reconciler

import (
	"context"
	"errors"
	"sort"
	"time"

	"reconciliation-engine/internal/matcher"
	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"

	"github.com/google/uuid"
)

// SystemActor is recorded as the confirmer of auto-confirmed matches
const SystemActor = "system"

// maxClaimAttempts bounds how often one transaction is re-matched after its
// chosen ledger entry turned out to be claimed elsewhere
const maxClaimAttempts = 3

// RunResult describes one pipeline run
type RunResult struct {
	Session *Session `json:"session"`

	// Considered is the number of transactions the run was asked to place
	Considered int `json:"considered"`
	Processed  int `json:"processed"`
	Matched    int `json:"matched"`
	Exceptions int `json:"exceptions"`

	// Skipped counts transactions already settled in this session
	Skipped int `json:"skipped"`

	// Errors aggregates per-transaction failures that did not stop the run
	Errors *apperrors.ErrorSummary `json:"errors"`

	Cancelled bool `json:"cancelled"`
}

type runState struct {
	session    *Session
	pool       *matcher.CandidatePool
	engine     *matcher.Engine
	classifier *matcher.Classifier
	openExc    map[string]*models.Exception
	errs       []*apperrors.ReconcilerError
	log        logger.Logger
}

func (rs *runState) record(err error) {
	rs.errs = append(rs.errs, apperrors.WrapIfNeeded(err, apperrors.CategoryInternal, apperrors.CodeUnexpectedError, "processing transaction"))
}

type outcome int

const (
	outcomeMatched outcome = iota
	outcomeException
	outcomeSkipped
)

// RunPipeline places every unmatched transaction of the session's account and
// period. Transactions holding a pending or excluded match in this session are
// skipped; those with an open exception are retried without creating a second
// one. A pairing rejected in this session is never proposed again.
//
// A store failure moves the session to FAILED; committed records stay. When
// ctx ends the run stops, returns the context error and leaves the session
// IN_PROGRESS; only CancelSession moves it to CANCELLED.
func (m *Manager) RunPipeline(ctx context.Context, sessionID string) (*RunResult, error) {
	session, err := m.requireInProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	cancelFlag, err := m.beginRun(sessionID)
	if err != nil {
		return nil, err
	}
	defer m.endRun(sessionID)

	if err := m.store.LockPeriod(ctx, session.AccountID, session.PeriodStart, session.PeriodEnd, sessionID); err != nil {
		return nil, err
	}
	defer func() {
		if err := m.store.UnlockPeriod(context.WithoutCancel(ctx), session.AccountID, sessionID); err != nil {
			m.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to release period lock")
		}
	}()

	started := m.clock()
	log := m.logger.WithFields(logger.Fields{"session_id": sessionID, "account_id": session.AccountID})
	result := &RunResult{Session: session}
	cfg := session.Config
	if cfg == nil {
		cfg = matcher.DefaultMatchingConfig()
	}

	rawRules, err := m.store.ListEnabledRules(ctx, session.AccountID)
	if err != nil {
		return m.failRun(ctx, result, started, err)
	}
	rules, err := matcher.NewRuleSet(rawRules)
	if err != nil {
		return m.failRun(ctx, result, started, err)
	}

	transactions, err := m.store.ListUnmatchedTransactions(ctx, session.AccountID, session.PeriodStart, session.PeriodEnd)
	if err != nil {
		return m.failRun(ctx, result, started, err)
	}

	// ledger entries may be booked a few days either side of the bank date
	window := time.Duration(cfg.DateToleranceDays) * 24 * time.Hour
	entries, err := m.store.ListUnreconciledLedgerEntries(ctx, session.AccountID,
		session.PeriodStart.Add(-window), session.PeriodEnd.Add(window))
	if err != nil {
		return m.failRun(ctx, result, started, err)
	}

	existingMatches, err := m.store.ListMatches(ctx, sessionID)
	if err != nil {
		return m.failRun(ctx, result, started, err)
	}
	existingExceptions, err := m.store.ListExceptions(ctx, sessionID)
	if err != nil {
		return m.failRun(ctx, result, started, err)
	}

	state := &runState{
		session:    session,
		pool:       matcher.NewCandidatePool(entries),
		classifier: matcher.NewClassifier(cfg),
		openExc:    make(map[string]*models.Exception),
		log:        log,
	}

	settled := make(map[string]bool)
	var rejected []*models.Match
	for _, match := range existingMatches {
		if match.Status == models.MatchRejected && match.LedgerEntryID != "" {
			rejected = append(rejected, match)
		}
		if match.IsActive() {
			settled[match.TransactionID] = true
		}
		if match.ClaimsLedgerEntry() {
			state.pool.Remove(match.LedgerEntryID)
		}
	}
	for _, exc := range existingExceptions {
		if exc.IsOpen() {
			state.openExc[exc.TransactionID] = exc
		} else {
			settled[exc.TransactionID] = true
		}
	}

	var pending []*models.BankTransaction
	for _, tx := range transactions {
		if settled[tx.ID] || !tx.IsUnmatched() {
			result.Skipped++
			continue
		}
		pending = append(pending, tx)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		di, dj := models.DateOnly(pending[i].BookingDate), models.DateOnly(pending[j].BookingDate)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return pending[i].ID < pending[j].ID
	})
	result.Considered = len(pending)

	log.WithFields(logger.Fields{
		"transactions":   len(pending),
		"skipped":        result.Skipped,
		"ledger_entries": state.pool.Len(),
		"rules":          rules.Len(),
	}).Info("Starting pipeline run")

	scores, err := matcher.PrecomputeFuzzy(ctx, cfg, pending, state.pool)
	if err != nil {
		return m.failRun(ctx, result, started, err)
	}
	state.engine = matcher.NewEngine(cfg, rules, m.semantic).WithLogger(log)
	state.engine.UseScores(scores)
	for _, match := range rejected {
		state.engine.ExcludePair(match.TransactionID, match.LedgerEntryID)
	}

	progress := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: "pipeline run",
		Total:     int64(len(pending)),
		Logger:    log,
		Clock:     m.clock,
	})

	for _, tx := range pending {
		if cancelFlag.Load() {
			result.Cancelled = true
			break
		}
		if ctx.Err() != nil {
			result.Errors = apperrors.NewErrorSummary(state.errs)
			return m.interruptRun(ctx, result, started)
		}

		out, err := m.processTransaction(ctx, state, tx)
		if err != nil {
			progress.CompleteWithError(err)
			result.Errors = apperrors.NewErrorSummary(state.errs)
			return m.failRun(ctx, result, started, err)
		}

		result.Processed++
		switch out {
		case outcomeMatched:
			result.Matched++
		case outcomeException:
			result.Exceptions++
		case outcomeSkipped:
			result.Skipped++
		}
		progress.Increment()
	}

	result.Errors = apperrors.NewErrorSummary(state.errs)

	stats, err := m.collectStatistics(context.WithoutCancel(ctx), session, m.clock().Sub(started))
	if err != nil {
		return m.failRun(ctx, result, started, err)
	}
	session.Statistics = stats

	if result.Cancelled {
		now := m.clock()
		session.Status = SessionCancelled
		session.CompletedAt = &now
		log.WithField("processed", result.Processed).Info("Pipeline run cancelled")
	} else {
		progress.Complete()
	}

	if err := m.store.UpdateSession(context.WithoutCancel(ctx), session); err != nil {
		return result, err
	}

	log.WithFields(logger.Fields{
		"matched":    result.Matched,
		"exceptions": result.Exceptions,
		"errors":     result.Errors.Total,
	}).Info("Pipeline run finished")
	return result, nil
}

// processTransaction runs the strategies for one transaction and commits
// either a match or an exception. Only store failures are returned.
func (m *Manager) processTransaction(ctx context.Context, state *runState, tx *models.BankTransaction) (outcome, error) {
	openExc := state.openExc[tx.ID]

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		match, err := state.engine.Match(ctx, tx, state.pool)
		if err != nil {
			state.log.WithError(err).WithField("transaction_id", tx.ID).Warn("Semantic matcher unavailable, classifying transaction")
			state.record(err)
		}
		if match == nil {
			break
		}

		err = m.commitMatch(ctx, state.session, tx, match, openExc)
		if err == nil {
			if _, claimErr := state.pool.Claim(match.Entry.ID); claimErr != nil {
				state.record(claimErr)
			}
			if match.Rule != nil {
				if hitErr := m.store.RecordRuleHit(ctx, match.Rule.ID, m.clock()); hitErr != nil {
					state.log.WithError(hitErr).WithField("rule_id", match.Rule.ID).Warn("Failed to record rule hit")
				}
			}
			return outcomeMatched, nil
		}

		if !apperrors.IsRetryable(err) {
			return outcomeSkipped, err
		}
		state.record(err)
		if errors.Is(err, apperrors.ErrDuplicateMatch) {
			return outcomeSkipped, nil
		}
		// held by a match outside this session; drop it and try the next best
		state.pool.Remove(match.Entry.ID)
	}

	if err := m.commitException(ctx, state, tx, openExc); err != nil {
		return outcomeSkipped, err
	}
	return outcomeException, nil
}

func (m *Manager) commitMatch(ctx context.Context, session *Session, tx *models.BankTransaction, result *matcher.MatchResult, openExc *models.Exception) error {
	now := m.clock()
	match := &models.Match{
		ID:            uuid.NewString(),
		SessionID:     session.ID,
		TransactionID: tx.ID,
		LedgerEntryID: result.Entry.ID,
		Type:          result.Type,
		Confidence:    result.Confidence,
		Criteria:      result.Criteria,
		Status:        models.MatchPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if result.Rule != nil {
		match.RuleID = result.Rule.ID
	}

	confirmed := session.Config.ShouldAutoConfirm(result.Confidence)
	if confirmed {
		match.Status = models.MatchConfirmed
		match.ConfirmedAt = &now
		match.ConfirmedBy = SystemActor
	}

	return m.store.Atomic(ctx, func(r Recorder) error {
		if err := r.SaveMatch(ctx, match); err != nil {
			return err
		}
		if confirmed {
			if err := writeBack(ctx, r, match, true); err != nil {
				return err
			}
		}
		if openExc != nil {
			return resolveException(ctx, r, openExc, models.ResolutionMatched, SystemActor, "matched on rerun", now)
		}
		return nil
	})
}

// commitException records a new exception, or refreshes the evidence of the
// transaction's open one
func (m *Manager) commitException(ctx context.Context, state *runState, tx *models.BankTransaction, openExc *models.Exception) error {
	c := state.classifier.Classify(tx, state.pool)

	if openExc != nil {
		refreshed := *openExc
		refreshed.Type = c.Type
		refreshed.Details = c.Details
		refreshed.CandidateIDs = c.CandidateIDs
		if err := m.store.UpdateException(ctx, &refreshed); err != nil {
			return err
		}
		*openExc = refreshed
		return nil
	}

	exc := &models.Exception{
		ID:            uuid.NewString(),
		SessionID:     state.session.ID,
		TransactionID: tx.ID,
		Type:          c.Type,
		Details:       c.Details,
		CandidateIDs:  c.CandidateIDs,
		CreatedAt:     m.clock(),
	}
	if err := m.store.SaveException(ctx, exc); err != nil {
		return err
	}
	state.openExc[tx.ID] = exc

	state.log.WithFields(logger.Fields{
		"transaction_id": tx.ID,
		"exception_type": c.Type,
		"pool_size":      c.Details.PoolSize,
	}).Debug("Transaction classified as exception")
	return nil
}

// failRun moves the session to FAILED, keeping what was committed so far.
// Failures caused by the caller's context ending do not fail the session.
func (m *Manager) failRun(ctx context.Context, result *RunResult, started time.Time, cause error) (*RunResult, error) {
	if ctx.Err() != nil {
		return m.interruptRun(ctx, result, started)
	}
	ctx = context.WithoutCancel(ctx)
	session := result.Session

	stats, err := m.collectStatistics(ctx, session, m.clock().Sub(started))
	if err == nil {
		session.Statistics = stats
	}

	now := m.clock()
	session.Status = SessionFailed
	session.CompletedAt = &now
	session.FailureReason = cause.Error()
	if err := m.store.UpdateSession(ctx, session); err != nil {
		m.logger.WithError(err).WithField("session_id", session.ID).Error("Failed to record session failure")
	}
	if result.Errors == nil {
		result.Errors = apperrors.NewErrorSummary(nil)
	}

	m.logger.WithError(cause).WithField("session_id", session.ID).Error("Pipeline run failed")
	return result, cause
}

// interruptRun stops a run whose context ended. The session stays IN_PROGRESS
// with statistics up to this point, so the run can be repeated.
func (m *Manager) interruptRun(ctx context.Context, result *RunResult, started time.Time) (*RunResult, error) {
	cause := ctx.Err()
	ctx = context.WithoutCancel(ctx)
	session := result.Session

	if stats, err := m.collectStatistics(ctx, session, m.clock().Sub(started)); err == nil {
		session.Statistics = stats
		if err := m.store.UpdateSession(ctx, session); err != nil {
			m.logger.WithError(err).WithField("session_id", session.ID).Warn("Failed to record statistics of interrupted run")
		}
	}
	if result.Errors == nil {
		result.Errors = apperrors.NewErrorSummary(nil)
	}

	m.logger.WithFields(logger.Fields{
		"session_id": session.ID,
		"processed":  result.Processed,
	}).WithError(cause).Warn("Pipeline run interrupted")
	return result, cause
}

func writeBack(ctx context.Context, r Recorder, match *models.Match, reconciled bool) error {
	status := models.TransactionUnmatched
	if reconciled {
		status = models.TransactionMatched
	}
	if err := r.UpdateTransactionStatus(ctx, match.TransactionID, status); err != nil {
		return err
	}
	return r.UpdateLedgerEntryReconciled(ctx, match.LedgerEntryID, reconciled)
}

func resolveException(ctx context.Context, r Recorder, exc *models.Exception, resolution models.Resolution, actor, note string, at time.Time) error {
	resolved := *exc
	resolved.Resolution = resolution
	resolved.ResolvedAt = &at
	resolved.ResolvedBy = actor
	resolved.ResolutionNote = note
	return r.UpdateException(ctx, &resolved)
}

package reconciler

import (
	"context"
	"strings"

	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"

	"github.com/google/uuid"
)

// ResolveOptions carries the inputs of ResolveException
type ResolveOptions struct {
	// LedgerEntryID is required for a MATCHED resolution
	LedgerEntryID string
	Actor         string
	Note          string
}

// ConfirmMatch confirms the pairing of a transaction with a ledger entry.
// A pending match on the same entry is confirmed in place; a pending match on
// another entry is rejected and replaced by a MANUAL match. An open exception
// of the transaction is resolved as MATCHED.
func (m *Manager) ConfirmMatch(ctx context.Context, sessionID, transactionID, ledgerEntryID, actor string) (*models.Match, error) {
	return m.confirm(ctx, sessionID, transactionID, ledgerEntryID, actor, "")
}

func (m *Manager) confirm(ctx context.Context, sessionID, transactionID, ledgerEntryID, actor, note string) (*models.Match, error) {
	if _, err := m.requireManual(ctx, sessionID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(ledgerEntryID) == "" {
		return nil, apperrors.ValidationError(apperrors.CodeMissingField, "ledgerEntryId", nil, nil)
	}

	tx, err := m.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	entry, err := m.store.GetLedgerEntry(ctx, ledgerEntryID)
	if err != nil {
		return nil, err
	}

	existing, err := m.activeMatchFor(ctx, sessionID, tx.ID)
	if err != nil {
		return nil, err
	}
	openExc, err := m.openExceptionFor(ctx, sessionID, tx.ID)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.Status != models.MatchPending {
		return nil, apperrors.IntegrityError(apperrors.CodeDuplicateMatch, tx.ID, nil)
	}
	if existing == nil && !tx.IsUnmatched() {
		return nil, apperrors.IntegrityError(apperrors.CodeDuplicateMatch, tx.ID, nil)
	}
	sameEntry := existing != nil && existing.LedgerEntryID == entry.ID
	if !sameEntry && entry.Reconciled {
		return nil, apperrors.IntegrityError(apperrors.CodeLedgerEntryClaimed, entry.ID, nil)
	}

	now := m.clock()
	var confirmed *models.Match

	err = m.store.Atomic(ctx, func(r Recorder) error {
		if sameEntry {
			updated := *existing
			updated.Status = models.MatchConfirmed
			updated.ConfirmedAt = &now
			updated.ConfirmedBy = actor
			updated.UpdatedAt = now
			if note != "" {
				updated.Note = note
			}
			if err := r.UpdateMatch(ctx, &updated); err != nil {
				return err
			}
			confirmed = &updated
		} else {
			if existing != nil {
				rejected := *existing
				rejected.Status = models.MatchRejected
				rejected.UpdatedAt = now
				rejected.Note = "replaced by manual match"
				if err := r.UpdateMatch(ctx, &rejected); err != nil {
					return err
				}
			}
			confirmed = &models.Match{
				ID:            uuid.NewString(),
				SessionID:     sessionID,
				TransactionID: tx.ID,
				LedgerEntryID: entry.ID,
				Type:          models.MatchTypeManual,
				Confidence:    1.0,
				Criteria: models.Criteria{
					"manual":      true,
					"actor":       actor,
					"amountMatch": tx.AbsAmount().Equal(entry.AbsAmount()),
					"dateMatch":   models.SameDay(tx.BookingDate, entry.Date),
				},
				Status:      models.MatchConfirmed,
				ConfirmedAt: &now,
				ConfirmedBy: actor,
				Note:        note,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := r.SaveMatch(ctx, confirmed); err != nil {
				return err
			}
		}

		if err := writeBack(ctx, r, confirmed, true); err != nil {
			return err
		}
		if openExc != nil {
			return resolveException(ctx, r, openExc, models.ResolutionMatched, actor, note, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logger.Fields{
		"session_id":      sessionID,
		"transaction_id":  tx.ID,
		"ledger_entry_id": entry.ID,
		"actor":           actor,
	}).Info("Match confirmed manually")
	return confirmed, nil
}

// RejectMatch rejects a pending, confirmed or excluded match. Write-backs of a
// confirmed match are reverted so the transaction and the ledger entry are
// available to the next run.
func (m *Manager) RejectMatch(ctx context.Context, matchID, actor string) (*models.Match, error) {
	match, err := m.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if _, err := m.requireManual(ctx, match.SessionID); err != nil {
		return nil, err
	}
	if match.Status == models.MatchRejected {
		return nil, apperrors.StateError(apperrors.CodeInvalidTransition, matchID, "already REJECTED")
	}

	wasConfirmed := match.Status == models.MatchConfirmed
	now := m.clock()
	rejected := *match
	rejected.Status = models.MatchRejected
	rejected.UpdatedAt = now
	rejected.Note = "rejected by " + actor

	err = m.store.Atomic(ctx, func(r Recorder) error {
		if err := r.UpdateMatch(ctx, &rejected); err != nil {
			return err
		}
		if wasConfirmed {
			return writeBack(ctx, r, &rejected, false)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logger.Fields{
		"match_id":       matchID,
		"transaction_id": match.TransactionID,
		"was_confirmed":  wasConfirmed,
		"actor":          actor,
	}).Info("Match rejected")
	return &rejected, nil
}

// ExcludeTransaction records that a transaction needs no ledger counterpart.
// An open exception of the transaction is resolved as EXCLUDED.
func (m *Manager) ExcludeTransaction(ctx context.Context, sessionID, transactionID, reason, actor string) (*models.Match, error) {
	if _, err := m.requireManual(ctx, sessionID); err != nil {
		return nil, err
	}

	tx, err := m.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	existing, err := m.activeMatchFor(ctx, sessionID, tx.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil || !tx.IsUnmatched() {
		return nil, apperrors.IntegrityError(apperrors.CodeDuplicateMatch, tx.ID, nil)
	}
	openExc, err := m.openExceptionFor(ctx, sessionID, tx.ID)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	excluded := &models.Match{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		TransactionID: tx.ID,
		Type:          models.MatchTypeManual,
		Criteria: models.Criteria{
			"manual": true,
			"actor":  actor,
			"reason": reason,
		},
		Status:    models.MatchExcluded,
		Note:      reason,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = m.store.Atomic(ctx, func(r Recorder) error {
		if err := r.SaveMatch(ctx, excluded); err != nil {
			return err
		}
		if openExc != nil {
			return resolveException(ctx, r, openExc, models.ResolutionExcluded, actor, reason, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logger.Fields{
		"session_id":     sessionID,
		"transaction_id": tx.ID,
		"actor":          actor,
	}).Info("Transaction excluded")
	return excluded, nil
}

// ResolveException closes an open exception. MATCHED confirms the transaction
// against opts.LedgerEntryID and EXCLUDED excludes it; CREATED_ENTRY and
// IGNORED only record the decision.
func (m *Manager) ResolveException(ctx context.Context, exceptionID string, resolution models.Resolution, opts ResolveOptions) (*models.Exception, error) {
	exc, err := m.store.GetException(ctx, exceptionID)
	if err != nil {
		return nil, err
	}
	if _, err := m.requireManual(ctx, exc.SessionID); err != nil {
		return nil, err
	}
	if !exc.IsOpen() {
		return nil, apperrors.StateError(apperrors.CodeExceptionResolved, exceptionID, exc.Resolution)
	}

	switch resolution {
	case models.ResolutionMatched:
		if strings.TrimSpace(opts.LedgerEntryID) == "" {
			return nil, apperrors.ValidationError(apperrors.CodeMissingField, "ledgerEntryId", nil, nil)
		}
		if _, err := m.confirm(ctx, exc.SessionID, exc.TransactionID, opts.LedgerEntryID, opts.Actor, opts.Note); err != nil {
			return nil, err
		}
	case models.ResolutionExcluded:
		reason := opts.Note
		if reason == "" {
			reason = "excluded while resolving exception"
		}
		if _, err := m.ExcludeTransaction(ctx, exc.SessionID, exc.TransactionID, reason, opts.Actor); err != nil {
			return nil, err
		}
	case models.ResolutionCreatedEntry, models.ResolutionIgnored:
		err := m.store.Atomic(ctx, func(r Recorder) error {
			return resolveException(ctx, r, exc, resolution, opts.Actor, opts.Note, m.clock())
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.ValidationError(apperrors.CodeInvalidResolution, "resolution", string(resolution), nil)
	}

	m.logger.WithFields(logger.Fields{
		"exception_id": exceptionID,
		"resolution":   resolution,
		"actor":        opts.Actor,
	}).Info("Exception resolved")
	return m.store.GetException(ctx, exceptionID)
}

// requireManual checks that a session accepts manual changes
func (m *Manager) requireManual(ctx context.Context, sessionID string) (*Session, error) {
	session, err := m.requireInProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if m.isRunning(sessionID) {
		return nil, apperrors.StateError(apperrors.CodeInvalidTransition, sessionID, "a pipeline run is active")
	}
	return session, nil
}

func (m *Manager) activeMatchFor(ctx context.Context, sessionID, transactionID string) (*models.Match, error) {
	matches, err := m.store.ListMatches(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, match := range matches {
		if match.TransactionID == transactionID && match.IsActive() {
			return match, nil
		}
	}
	return nil, nil
}

func (m *Manager) openExceptionFor(ctx context.Context, sessionID, transactionID string) (*models.Exception, error) {
	exceptions, err := m.store.ListExceptions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, exc := range exceptions {
		if exc.TransactionID == transactionID && exc.IsOpen() {
			return exc, nil
		}
	}
	return nil, nil
}

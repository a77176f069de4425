package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"
)

// MatchResult is an accepted candidate together with its confidence and breakdown
type MatchResult struct {
	Entry      *models.LedgerEntry
	Type       models.MatchType
	Confidence float64
	Criteria   models.Criteria

	// Rule is set for RULE matches
	Rule *models.MatchingRule
}

// Engine runs the matching strategies for one transaction at a time.
// It never claims candidates itself; the caller owns the pool.
type Engine struct {
	config   *MatchingConfig
	rules    *RuleSet
	semantic SemanticMatcher
	scores   *ScoreTable
	logger   logger.Logger

	// rejected holds, per transaction, the ledger entries it must not be paired with
	rejected map[string]map[string]bool
}

// NewEngine creates an engine. rules and semantic may be nil.
func NewEngine(config *MatchingConfig, rules *RuleSet, semantic SemanticMatcher) *Engine {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	return &Engine{
		config:   config,
		rules:    rules,
		semantic: semantic,
		logger:   logger.GetGlobalLogger().WithComponent("matcher"),
	}
}

// WithLogger replaces the engine logger
func (e *Engine) WithLogger(l logger.Logger) *Engine {
	if l != nil {
		e.logger = l.WithComponent("matcher")
	}
	return e
}

// UseScores lets the fuzzy stage read precomputed scores
func (e *Engine) UseScores(table *ScoreTable) {
	e.scores = table
}

// ExcludePair keeps the engine from proposing entryID for transaction txID,
// e.g. after a reviewer rejected that pairing
func (e *Engine) ExcludePair(txID, entryID string) {
	if e.rejected == nil {
		e.rejected = make(map[string]map[string]bool)
	}
	if e.rejected[txID] == nil {
		e.rejected[txID] = make(map[string]bool)
	}
	e.rejected[txID][entryID] = true
}

func (e *Engine) filter(tx *models.BankTransaction, entries []*models.LedgerEntry) []*models.LedgerEntry {
	skip := e.rejected[tx.ID]
	if len(skip) == 0 {
		return entries
	}
	kept := make([]*models.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		if !skip[entry.ID] {
			kept = append(kept, entry)
		}
	}
	return kept
}

// Config returns the engine configuration
func (e *Engine) Config() *MatchingConfig {
	return e.config
}

// Match runs Rule, Exact, Fuzzy and Semantic in order and returns the first
// accepted candidate, or nil. A non-nil error is always a collaborator error
// from the semantic stage; it is informational and the caller should go on to
// classify the transaction.
func (e *Engine) Match(ctx context.Context, tx *models.BankTransaction, pool *CandidatePool) (*MatchResult, error) {
	if result := e.MatchRule(tx, pool); result != nil {
		return result, nil
	}
	if result := e.MatchExact(tx, pool); result != nil {
		return result, nil
	}
	if result := e.MatchFuzzy(tx, pool); result != nil {
		return result, nil
	}
	return e.MatchSemantic(ctx, tx, pool)
}

// MatchRule evaluates enabled rules by priority; the first rule whose
// conditions hold and whose account code is present in the pool wins.
func (e *Engine) MatchRule(tx *models.BankTransaction, pool *CandidatePool) *MatchResult {
	if e.rules.Len() == 0 {
		return nil
	}

	for _, rule := range e.rules.rules {
		if !rule.matches(tx) {
			continue
		}
		candidates := e.filter(tx, pool.ByAccountCode(rule.rule.Action.AccountCode))
		if len(candidates) == 0 {
			e.logger.WithFields(logger.Fields{
				"rule":         rule.rule.Name,
				"transaction":  tx.ID,
				"account_code": rule.rule.Action.AccountCode,
			}).Debug("Rule matched but no candidate carries its account code")
			continue
		}

		entry := preferClosest(tx, candidates)
		confidence := 0.9
		if rule.rule.Action.AutoConfirm {
			confidence = 1.0
		}

		return &MatchResult{
			Entry:      entry,
			Type:       models.MatchTypeRule,
			Confidence: confidence,
			Rule:       rule.rule,
			Criteria: models.Criteria{
				"ruleId":         rule.rule.ID,
				"ruleName":       rule.rule.Name,
				"accountCode":    rule.rule.Action.AccountCode,
				"autoConfirm":    rule.rule.Action.AutoConfirm,
				"conditions":     len(rule.conditions),
				"amountMatch":    entry.AbsAmount().Equal(tx.AbsAmount()),
				"dateMatch":      models.SameDay(entry.Date, tx.BookingDate),
				"referenceMatch": referencesEqual(tx.Reference, entry.Reference),
			},
		}
	}
	return nil
}

// preferClosest picks the exact-amount candidate if any, then the smallest
// amount delta, then the smallest date delta; candidates arrive in pool order.
func preferClosest(tx *models.BankTransaction, candidates []*models.LedgerEntry) *models.LedgerEntry {
	best := candidates[0]
	bestDelta := models.AbsDelta(tx.Amount, best.Amount)
	bestDays := models.DaysBetween(tx.BookingDate, best.Date)

	for _, c := range candidates[1:] {
		delta := models.AbsDelta(tx.Amount, c.Amount)
		days := models.DaysBetween(tx.BookingDate, c.Date)
		cmp := delta.Cmp(bestDelta)
		if cmp < 0 || (cmp == 0 && days < bestDays) {
			best, bestDelta, bestDays = c, delta, days
		}
	}
	return best
}

// MatchExact accepts the first pool candidate with equal absolute amount, the
// same calendar date and, when the transaction carries one, the same reference.
func (e *Engine) MatchExact(tx *models.BankTransaction, pool *CandidatePool) *MatchResult {
	checkReference := strings.TrimSpace(tx.Reference) != ""

	for _, entry := range e.filter(tx, pool.ByExactAmount(tx.Amount)) {
		if !models.SameDay(entry.Date, tx.BookingDate) {
			continue
		}
		if checkReference && !referencesEqual(tx.Reference, entry.Reference) {
			continue
		}

		return &MatchResult{
			Entry:      entry,
			Type:       models.MatchTypeExact,
			Confidence: 1.0,
			Criteria: models.Criteria{
				"amountMatch":    true,
				"dateMatch":      true,
				"referenceMatch": checkReference,
				"referenceCheck": checkReference,
			},
		}
	}
	return nil
}

// referencesEqual compares references exactly after trimming surrounding space
func referencesEqual(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && a == b
}

// MatchFuzzy scores the remaining candidates within the amount ceiling and
// accepts the best one at or above the threshold. Confidence is capped.
func (e *Engine) MatchFuzzy(tx *models.BankTransaction, pool *CandidatePool) *MatchResult {
	var best *FuzzyScore
	var bestEntry *models.LedgerEntry

	for _, entry := range e.filter(tx, pool.WithinAmount(tx.Amount, e.config.AmountCeiling)) {
		score, ok := e.scores.Lookup(tx.ID, entry.ID)
		if !ok {
			score = ScoreFuzzy(e.config, tx, entry)
		}
		if !score.Eligible || score.Score < e.config.FuzzyThreshold {
			continue
		}
		if best == nil || score.Score > best.Score {
			s := score
			best, bestEntry = &s, entry
		}
	}

	if best == nil {
		return nil
	}

	confidence := best.Score
	if confidence > e.config.FuzzyConfidenceCap {
		confidence = e.config.FuzzyConfidenceCap
	}

	return &MatchResult{
		Entry:      bestEntry,
		Type:       models.MatchTypeFuzzy,
		Confidence: confidence,
		Criteria:   best.Criteria(),
	}
}

// MatchSemantic offers the nearest candidates to the semantic collaborator under
// a timeout. Failures are returned as collaborator errors with a nil result.
func (e *Engine) MatchSemantic(ctx context.Context, tx *models.BankTransaction, pool *CandidatePool) (*MatchResult, error) {
	if !e.config.SemanticEnabled || e.semantic == nil || pool.Remaining() == 0 {
		return nil, nil
	}

	candidates := nearestByAmount(tx, e.filter(tx, pool.Alive()), e.config.SemanticMaxCandidates)
	if len(candidates) == 0 {
		return nil, nil
	}
	offered := make(map[string]*models.LedgerEntry, len(candidates))
	for _, c := range candidates {
		offered[c.ID] = c
	}

	verdict, err := e.callSemantic(ctx, tx, candidates)
	if err != nil {
		return nil, err
	}
	if verdict == nil || verdict.CandidateID == "" {
		return nil, nil
	}

	entry, ok := offered[verdict.CandidateID]
	if !ok {
		return nil, apperrors.CollaboratorError(apperrors.CodeSemanticFailed, "semantic matcher",
			fmt.Errorf("returned candidate %s was not offered", verdict.CandidateID))
	}
	if !inUnitInterval(verdict.Confidence) {
		return nil, apperrors.CollaboratorError(apperrors.CodeSemanticFailed, "semantic matcher",
			fmt.Errorf("confidence %f outside [0,1]", verdict.Confidence))
	}
	if verdict.Confidence < e.config.SemanticThreshold {
		return nil, nil
	}

	return &MatchResult{
		Entry:      entry,
		Type:       models.MatchTypeSemantic,
		Confidence: verdict.Confidence,
		Criteria: models.Criteria{
			"semanticScore": verdict.Confidence,
			"rationale":     verdict.Rationale,
			"offered":       len(candidates),
		},
	}, nil
}

type semanticAnswer struct {
	verdict *SemanticVerdict
	err     error
}

// callSemantic runs the collaborator in its own goroutine so a misbehaving
// implementation that ignores ctx cannot stall the run past the deadline.
func (e *Engine) callSemantic(ctx context.Context, tx *models.BankTransaction, candidates []*models.LedgerEntry) (*SemanticVerdict, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.SemanticTimeout)
	defer cancel()

	done := make(chan semanticAnswer, 1)
	go func() {
		verdict, err := e.semantic.SemanticMatch(callCtx, tx, candidates)
		done <- semanticAnswer{verdict: verdict, err: err}
	}()

	select {
	case answer := <-done:
		if answer.err != nil {
			if errors.Is(answer.err, context.DeadlineExceeded) {
				return nil, apperrors.CollaboratorError(apperrors.CodeSemanticTimeout, "semantic matcher", answer.err)
			}
			return nil, apperrors.CollaboratorError(apperrors.CodeSemanticFailed, "semantic matcher", answer.err)
		}
		return answer.verdict, nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.CollaboratorError(apperrors.CodeSemanticTimeout, "semantic matcher", callCtx.Err())
		}
		return nil, apperrors.CollaboratorError(apperrors.CodeSemanticFailed, "semantic matcher", callCtx.Err())
	}
}

// nearestByAmount returns up to limit candidates ordered by amount delta, then pool order
func nearestByAmount(tx *models.BankTransaction, entries []*models.LedgerEntry, limit int) []*models.LedgerEntry {
	sorted := make([]*models.LedgerEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return models.AbsDelta(tx.Amount, sorted[i].Amount).LessThan(models.AbsDelta(tx.Amount, sorted[j].Amount))
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

package matcher

import (
	"fmt"
	"sort"

	"reconciliation-engine/internal/models"
)

// Classification is the outcome of classifying an unplaced transaction
type Classification struct {
	Type         models.ExceptionType
	Details      models.ExceptionDetails
	CandidateIDs []string
}

// Classifier explains why no strategy accepted a candidate
type Classifier struct {
	config *MatchingConfig
}

// NewClassifier creates a classifier
func NewClassifier(config *MatchingConfig) *Classifier {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	return &Classifier{config: config}
}

// Classify assigns exactly one exception type, in priority order:
// MULTIPLE_MATCHES, DATE_DISCREPANCY, AMOUNT_MISMATCH, NO_MATCH_FOUND.
// The nearest candidates by amount delta are recorded whatever the type.
func (c *Classifier) Classify(tx *models.BankTransaction, pool *CandidatePool) Classification {
	remaining := pool.Alive()
	summaries := make([]models.CandidateSummary, 0, len(remaining))

	closeCount := 0
	descriptionHint := false
	for _, entry := range remaining {
		s := models.CandidateSummary{
			LedgerEntryID:         entry.ID,
			Amount:                entry.Amount,
			Date:                  entry.Date,
			Description:           entry.Description,
			AmountDelta:           models.AbsDelta(tx.Amount, entry.Amount),
			DaysDelta:             models.DaysBetween(tx.BookingDate, entry.Date),
			DescriptionSimilarity: round4(DescriptionSimilarity(tx.Description, entry.Description)),
		}
		if s.AmountDelta.LessThan(c.config.CloseAmountDelta) {
			closeCount++
		}
		if s.DescriptionSimilarity > c.config.DescriptionHintThreshold {
			descriptionHint = true
		}
		summaries = append(summaries, s)
	}

	// remaining is in pool order, so a stable sort keeps ties deterministic
	sort.SliceStable(summaries, func(i, j int) bool {
		if cmp := summaries[i].AmountDelta.Cmp(summaries[j].AmountDelta); cmp != 0 {
			return cmp < 0
		}
		return summaries[i].DaysDelta < summaries[j].DaysDelta
	})

	var excType models.ExceptionType
	var reason string
	switch {
	case closeCount > 1:
		excType = models.ExceptionMultipleMatches
		reason = fmt.Sprintf("%d candidates within %s of the amount", closeCount, c.config.CloseAmountDelta)
	case closeCount == 1:
		excType = models.ExceptionDateDiscrepancy
		reason = "one close-amount candidate rejected, likely a timing difference"
	case descriptionHint:
		excType = models.ExceptionAmountMismatch
		reason = "description resembles a candidate but no amount is close"
	default:
		excType = models.ExceptionNoMatchFound
		if len(remaining) == 0 {
			reason = "no candidates left in the pool"
		} else {
			reason = "no candidate resembles the transaction"
		}
	}

	limit := c.config.MaxExceptionCandidates
	if len(summaries) < limit {
		limit = len(summaries)
	}
	closest := summaries[:limit]

	details := models.ExceptionDetails{
		PoolSize:         len(remaining),
		CloseAmountCount: closeCount,
		Candidates:       closest,
		Reason:           reason,
	}
	ids := make([]string, 0, len(closest))
	for _, s := range closest {
		ids = append(ids, s.LedgerEntryID)
	}
	if len(closest) > 0 {
		nearest := closest[0]
		details.Nearest = &nearest
	}

	return Classification{
		Type:         excType,
		Details:      details,
		CandidateIDs: ids,
	}
}

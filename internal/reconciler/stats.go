package reconciler

import (
	"fmt"
	"time"

	"reconciliation-engine/internal/models"
)

// Confidence distribution bucket labels
const (
	BucketPerfect  = "1.00"
	BucketVeryHigh = "0.95-0.99"
	BucketHigh     = "0.85-0.94"
	BucketMedium   = "0.75-0.84"
	BucketLow      = "<0.75"
)

// ConfidenceBuckets lists the bucket labels from highest to lowest
var ConfidenceBuckets = []string{BucketPerfect, BucketVeryHigh, BucketHigh, BucketMedium, BucketLow}

// Statistics summarises a session's records. It is descriptive only.
type Statistics struct {
	TotalTransactions int                          `json:"totalTransactions"`
	Matched           int                          `json:"matched"`
	MatchesByType     map[models.MatchType]int     `json:"matchesByType"`
	Confirmed         int                          `json:"confirmed"`
	Pending           int                          `json:"pending"`
	Excluded          int                          `json:"excluded"`
	OpenExceptions    int                          `json:"openExceptions"`
	ExceptionsByType  map[models.ExceptionType]int `json:"exceptionsByType"`
	AverageConfidence float64                      `json:"averageConfidence"`
	ConfidenceBuckets map[string]int               `json:"confidenceBuckets"`
	Duration          time.Duration                `json:"duration"`
	MatchRate         float64                      `json:"matchRate"`
}

// ComputeStatistics derives statistics from the records of one session.
// A transaction counts once however many records reference it; matched
// means it holds a pending or confirmed match.
func ComputeStatistics(matches []*models.Match, exceptions []*models.Exception, duration time.Duration) *Statistics {
	return ComputePeriodStatistics(nil, matches, exceptions, duration)
}

// ComputePeriodStatistics is ComputeStatistics with the period's unplaced
// transactions counted in the total, so that a partial run does not inflate
// the match rate
func ComputePeriodStatistics(periodTransactionIDs []string, matches []*models.Match, exceptions []*models.Exception, duration time.Duration) *Statistics {
	stats := &Statistics{
		MatchesByType:     make(map[models.MatchType]int),
		ExceptionsByType:  make(map[models.ExceptionType]int),
		ConfidenceBuckets: make(map[string]int),
		Duration:          duration,
	}
	for _, b := range ConfidenceBuckets {
		stats.ConfidenceBuckets[b] = 0
	}

	seen := make(map[string]bool, len(periodTransactionIDs))
	for _, id := range periodTransactionIDs {
		seen[id] = true
	}
	var confidenceSum float64

	for _, m := range matches {
		seen[m.TransactionID] = true

		switch m.Status {
		case models.MatchConfirmed:
			stats.Confirmed++
		case models.MatchPending:
			stats.Pending++
		case models.MatchExcluded:
			stats.Excluded++
			continue
		default:
			continue
		}

		stats.Matched++
		stats.MatchesByType[m.Type]++
		stats.ConfidenceBuckets[bucketFor(m.Confidence)]++
		confidenceSum += m.Confidence
	}

	for _, e := range exceptions {
		seen[e.TransactionID] = true
		if e.IsOpen() {
			stats.OpenExceptions++
			stats.ExceptionsByType[e.Type]++
		}
	}

	stats.TotalTransactions = len(seen)
	if stats.Matched > 0 {
		stats.AverageConfidence = confidenceSum / float64(stats.Matched)
	}
	if stats.TotalTransactions > 0 {
		stats.MatchRate = float64(stats.Matched) / float64(stats.TotalTransactions)
	}
	return stats
}

func bucketFor(confidence float64) string {
	switch {
	case confidence >= 1.0:
		return BucketPerfect
	case confidence >= 0.95:
		return BucketVeryHigh
	case confidence >= 0.85:
		return BucketHigh
	case confidence >= 0.75:
		return BucketMedium
	default:
		return BucketLow
	}
}

// String returns a one-line summary
func (s *Statistics) String() string {
	return fmt.Sprintf("Statistics{Total: %d, Matched: %d (%.1f%%), Confirmed: %d, Pending: %d, OpenExceptions: %d}",
		s.TotalTransactions, s.Matched, s.MatchRate*100, s.Confirmed, s.Pending, s.OpenExceptions)
}

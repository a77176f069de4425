package matcher

import (
	"context"
	"math"

	"reconciliation-engine/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// FuzzyScore is the scored comparison of one transaction with one ledger entry
type FuzzyScore struct {
	EntryID               string
	AmountDiff            decimal.Decimal
	DaysDiff              int
	AmountScore           float64
	DateScore             float64
	DescriptionSimilarity float64
	Score                 float64

	// Eligible is false when the amount delta is beyond the ceiling
	Eligible bool
}

// ScoreFuzzy computes the weighted fuzzy score of entry against tx
func ScoreFuzzy(cfg *MatchingConfig, tx *models.BankTransaction, entry *models.LedgerEntry) FuzzyScore {
	s := FuzzyScore{
		EntryID:    entry.ID,
		AmountDiff: models.AbsDelta(tx.Amount, entry.Amount),
		DaysDiff:   models.DaysBetween(tx.BookingDate, entry.Date),
	}

	s.AmountScore, s.Eligible = amountCloseness(cfg, s.AmountDiff)
	s.DateScore = dateCloseness(cfg, s.DaysDiff)
	s.DescriptionSimilarity = DescriptionSimilarity(tx.Description, entry.Description)

	w := cfg.Weights
	s.Score = w.AmountWeight*s.AmountScore + w.DateWeight*s.DateScore + w.DescriptionWeight*s.DescriptionSimilarity
	return s
}

// amountCloseness gives full credit within tolerance and decays linearly to
// zero at the ceiling. Deltas past the ceiling are not eligible.
func amountCloseness(cfg *MatchingConfig, delta decimal.Decimal) (float64, bool) {
	if delta.LessThanOrEqual(cfg.AmountTolerance) {
		return 1, true
	}
	if delta.GreaterThan(cfg.AmountCeiling) {
		return 0, false
	}
	span := cfg.AmountCeiling.Sub(cfg.AmountTolerance)
	score, _ := cfg.AmountCeiling.Sub(delta).Div(span).Float64()
	return score, true
}

func dateCloseness(cfg *MatchingConfig, days int) float64 {
	if days == 0 {
		return 1
	}
	if cfg.DateToleranceDays == 0 {
		return 0
	}
	return math.Max(0, 1-float64(days)/float64(cfg.DateToleranceDays))
}

// Criteria returns the breakdown persisted with a fuzzy match
func (s FuzzyScore) Criteria() models.Criteria {
	return models.Criteria{
		"amountDiff":            s.AmountDiff.String(),
		"daysDiff":              s.DaysDiff,
		"descriptionSimilarity": round4(s.DescriptionSimilarity),
		"amountScore":           round4(s.AmountScore),
		"dateScore":             round4(s.DateScore),
		"rawScore":              round4(s.Score),
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// ScoreTable holds precomputed fuzzy scores keyed by transaction then entry ID.
// It is read-only once built.
type ScoreTable struct {
	scores map[string]map[string]FuzzyScore
}

// Lookup returns the precomputed score of (txID, entryID)
func (t *ScoreTable) Lookup(txID, entryID string) (FuzzyScore, bool) {
	if t == nil {
		return FuzzyScore{}, false
	}
	row, ok := t.scores[txID]
	if !ok {
		return FuzzyScore{}, false
	}
	s, ok := row[entryID]
	return s, ok
}

// Size returns the number of scored pairs
func (t *ScoreTable) Size() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, row := range t.scores {
		n += len(row)
	}
	return n
}

// PrecomputeFuzzy scores every transaction against every pool entry within the
// amount ceiling, in parallel. It only reads the pool; claims stay with the caller.
func PrecomputeFuzzy(ctx context.Context, cfg *MatchingConfig, txs []*models.BankTransaction, pool *CandidatePool) (*ScoreTable, error) {
	rows := make([]map[string]FuzzyScore, len(txs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.ScoringWorkers)

	for i, tx := range txs {
		i, tx := i, tx
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			candidates := pool.WithinAmount(tx.Amount, cfg.AmountCeiling)
			row := make(map[string]FuzzyScore, len(candidates))
			for _, entry := range candidates {
				row[entry.ID] = ScoreFuzzy(cfg, tx, entry)
			}
			rows[i] = row
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	table := &ScoreTable{scores: make(map[string]map[string]FuzzyScore, len(txs))}
	for i, tx := range txs {
		table.scores[tx.ID] = rows[i]
	}
	return table, nil
}

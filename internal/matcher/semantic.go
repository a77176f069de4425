package matcher

import (
	"context"

	"reconciliation-engine/internal/models"
)

// SemanticVerdict is a collaborator's pick among the offered candidates
type SemanticVerdict struct {
	CandidateID string  `json:"candidateId"`
	Confidence  float64 `json:"confidence"`
	Rationale   string  `json:"rationale,omitempty"`
}

// SemanticMatcher is the boundary to a learned model or heuristic service.
// A nil verdict (or one with an empty CandidateID) means "no opinion".
// Implementations should honour ctx; the engine stops waiting at its deadline
// regardless.
type SemanticMatcher interface {
	SemanticMatch(ctx context.Context, tx *models.BankTransaction, candidates []*models.LedgerEntry) (*SemanticVerdict, error)
}

// SemanticMatcherFunc adapts a function to SemanticMatcher
type SemanticMatcherFunc func(ctx context.Context, tx *models.BankTransaction, candidates []*models.LedgerEntry) (*SemanticVerdict, error)

// SemanticMatch calls f
func (f SemanticMatcherFunc) SemanticMatch(ctx context.Context, tx *models.BankTransaction, candidates []*models.LedgerEntry) (*SemanticVerdict, error) {
	return f(ctx, tx, candidates)
}

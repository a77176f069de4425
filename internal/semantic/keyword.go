package semantic

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"reconciliation-engine/internal/matcher"
	"reconciliation-engine/internal/models"
)

const minTokenLength = 3

// KeywordMatcher is an offline heuristic: it picks the candidate sharing the
// largest share of the transaction's words (description, counterparty and
// reference).
type KeywordMatcher struct{}

var _ matcher.SemanticMatcher = KeywordMatcher{}

// NewKeywordMatcher creates a keyword matcher
func NewKeywordMatcher() KeywordMatcher {
	return KeywordMatcher{}
}

// SemanticMatch returns the best overlapping candidate or nil when no
// candidate shares a word with the transaction
func (KeywordMatcher) SemanticMatch(ctx context.Context, tx *models.BankTransaction, candidates []*models.LedgerEntry) (*matcher.SemanticVerdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txTokens := tokenSet(tx.Description, tx.Counterparty, tx.Reference)
	if len(txTokens) == 0 {
		return nil, nil
	}

	var best *models.LedgerEntry
	var bestShared []string
	for _, c := range candidates {
		entryTokens := tokenSet(c.Description, c.Reference, c.AccountCode)
		var shared []string
		for token := range txTokens {
			if entryTokens[token] {
				shared = append(shared, token)
			}
		}
		// strictly greater keeps the earlier candidate on ties
		if len(shared) > len(bestShared) {
			best, bestShared = c, shared
		}
	}
	if best == nil {
		return nil, nil
	}

	return &matcher.SemanticVerdict{
		CandidateID: best.ID,
		Confidence:  float64(len(bestShared)) / float64(len(txTokens)),
		Rationale:   fmt.Sprintf("%d of %d keywords shared", len(bestShared), len(txTokens)),
	}, nil
}

func tokenSet(fields ...string) map[string]bool {
	set := make(map[string]bool)
	for _, field := range fields {
		words := strings.FieldsFunc(strings.ToLower(field), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			if len(w) >= minTokenLength {
				set[w] = true
			}
		}
	}
	return set
}

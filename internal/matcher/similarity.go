package matcher

import (
	"sort"
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// unit costs; levenshtein.DefaultOptions charges 2 for a substitution
var editOptions = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// NormalizedSimilarity returns (maxLen - editDistance) / maxLen over the
// lower-cased, trimmed inputs. An empty side scores 0.
func NormalizedSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}

	distance := levenshtein.DistanceForStrings(ra, rb, editOptions)
	return float64(maxLen-distance) / float64(maxLen)
}

// DescriptionSimilarity scores two free-text descriptions. It is the larger of
// the plain normalized similarity and the similarity of the word-sorted forms,
// so "Payment from ABC Company" and "ABC Company payment" compare as close.
func DescriptionSimilarity(a, b string) float64 {
	plain := NormalizedSimilarity(a, b)
	if plain == 1 {
		return plain
	}
	if sorted := NormalizedSimilarity(tokenSort(a), tokenSort(b)); sorted > plain {
		return sorted
	}
	return plain
}

func tokenSort(s string) string {
	tokens := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

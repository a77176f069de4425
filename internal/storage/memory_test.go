package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"reconciliation-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	seedBackend(t, store)
	ctx := context.Background()

	tx, err := store.GetTransaction(ctx, "T1")
	require.NoError(t, err)
	tx.Status = models.TransactionMatched

	again, err := store.GetTransaction(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionUnmatched, again.Status)

	newTestSession(t, store, "S1", time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC))
	match := newTestMatch("M1", "S1", "T1", "LE-1")
	require.NoError(t, store.SaveMatch(ctx, match))
	match.Criteria["amountMatch"] = false

	got, err := store.GetMatch(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, true, got.Criteria["amountMatch"])
}

func TestMemoryStore_ConcurrentClaims(t *testing.T) {
	store := NewMemoryStore()
	seedBackend(t, store)
	newTestSession(t, store, "S1", time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txID := []string{"T1", "T2", "T3"}[i%3]
			match := newTestMatch(string(rune('A'+i)), "S1", txID, "LE-1")
			errs[i] = store.SaveMatch(ctx, match)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)

	matches, err := store.ListMatches(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

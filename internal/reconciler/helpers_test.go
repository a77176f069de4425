package reconciler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"reconciliation-engine/internal/matcher"
	"reconciliation-engine/internal/models"
	"reconciliation-engine/internal/reconciler"
	"reconciliation-engine/internal/storage"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"

	"github.com/shopspring/decimal"
)

const (
	bankAccount   = "BANK-1"
	ledgerAccount = "LEDGER-1"
)

var testNow = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

func date(s string) time.Time {
	t, err := time.ParseInLocation(models.DateLayout, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *storage.MemoryStore
	manager *reconciler.Manager
}

func newFixture(t *testing.T, opts ...reconciler.ManagerOption) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	return newFixtureWithStore(t, store, store, opts...)
}

// newFixtureWithStore lets a test wrap the memory store the manager sees
func newFixtureWithStore(t *testing.T, mem *storage.MemoryStore, store reconciler.Store, opts ...reconciler.ManagerOption) *fixture {
	t.Helper()
	ctx := context.Background()
	if err := mem.LinkAccount(ctx, bankAccount, ledgerAccount); err != nil {
		t.Fatalf("LinkAccount failed: %v", err)
	}

	opts = append([]reconciler.ManagerOption{
		reconciler.WithLogger(logger.NewNopLogger()),
		reconciler.WithClock(func() time.Time { return testNow }),
	}, opts...)

	return &fixture{
		t:       t,
		ctx:     ctx,
		store:   mem,
		manager: reconciler.NewManager(store, opts...),
	}
}

func (f *fixture) addTransactions(txs ...*models.BankTransaction) {
	f.t.Helper()
	for _, tx := range txs {
		if tx.AccountID == "" {
			tx.AccountID = bankAccount
		}
	}
	if err := f.store.SaveTransactions(f.ctx, txs); err != nil {
		f.t.Fatalf("SaveTransactions failed: %v", err)
	}
}

func (f *fixture) addEntries(entries ...*models.LedgerEntry) {
	f.t.Helper()
	for _, e := range entries {
		if e.AccountID == "" {
			e.AccountID = ledgerAccount
		}
	}
	if err := f.store.SaveLedgerEntries(f.ctx, entries); err != nil {
		f.t.Fatalf("SaveLedgerEntries failed: %v", err)
	}
}

func (f *fixture) start(cfg *matcher.MatchingConfig) *reconciler.Session {
	f.t.Helper()
	session, err := f.manager.StartSession(f.ctx, bankAccount, date("2024-01-01"), date("2024-01-31"), cfg)
	if err != nil {
		f.t.Fatalf("StartSession failed: %v", err)
	}
	return session
}

func (f *fixture) run(sessionID string) *reconciler.RunResult {
	f.t.Helper()
	result, err := f.manager.RunPipeline(f.ctx, sessionID)
	if err != nil {
		f.t.Fatalf("RunPipeline failed: %v", err)
	}
	return result
}

func (f *fixture) matches(sessionID string) []*models.Match {
	f.t.Helper()
	matches, err := f.store.ListMatches(f.ctx, sessionID)
	if err != nil {
		f.t.Fatalf("ListMatches failed: %v", err)
	}
	return matches
}

func (f *fixture) exceptions(sessionID string) []*models.Exception {
	f.t.Helper()
	exceptions, err := f.store.ListExceptions(f.ctx, sessionID)
	if err != nil {
		f.t.Fatalf("ListExceptions failed: %v", err)
	}
	return exceptions
}

func (f *fixture) transaction(id string) *models.BankTransaction {
	f.t.Helper()
	tx, err := f.store.GetTransaction(f.ctx, id)
	if err != nil {
		f.t.Fatalf("GetTransaction(%s) failed: %v", id, err)
	}
	return tx
}

func (f *fixture) entry(id string) *models.LedgerEntry {
	f.t.Helper()
	e, err := f.store.GetLedgerEntry(f.ctx, id)
	if err != nil {
		f.t.Fatalf("GetLedgerEntry(%s) failed: %v", id, err)
	}
	return e
}

func (f *fixture) session(id string) *reconciler.Session {
	f.t.Helper()
	s, err := f.manager.GetSession(f.ctx, id)
	if err != nil {
		f.t.Fatalf("GetSession failed: %v", err)
	}
	return s
}

func matchFor(matches []*models.Match, txID string) *models.Match {
	for _, m := range matches {
		if m.TransactionID == txID && m.IsActive() {
			return m
		}
	}
	return nil
}

func exceptionFor(exceptions []*models.Exception, txID string) *models.Exception {
	for _, e := range exceptions {
		if e.TransactionID == txID {
			return e
		}
	}
	return nil
}

func expectError(t *testing.T, err, target error) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected error %v, got nil", target)
	}
	if !errors.Is(err, target) {
		t.Fatalf("Expected error %v, got %v", target, err)
	}
}

func expectCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	re, ok := apperrors.AsReconcilerError(err)
	if !ok {
		t.Fatalf("Expected a ReconcilerError with code %s, got %v", code, err)
	}
	if re.Code != code {
		t.Fatalf("Expected code %s, got %s (%v)", code, re.Code, err)
	}
}

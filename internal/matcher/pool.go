package matcher

import (
	"sort"
	"strings"
	"sync"

	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// CandidatePool is the arena of ledger entries a pipeline run may still claim.
// Entries are held in (date, ID) order and never re-fetched; removal only flips
// a slot to dead, so the pool shrinks monotonically for the lifetime of a run.
type CandidatePool struct {
	mu sync.RWMutex

	entries []*models.LedgerEntry
	alive   []bool
	byID    map[string]int

	// exactAmount maps |amount| to slot indexes
	exactAmount map[string][]int

	// accountCode maps a normalized account code to slot indexes
	accountCode map[string][]int

	// amountRange holds distinct |amount| values sorted ascending for range lookups
	amountRange []*amountIndexEntry

	remaining int
}

type amountIndexEntry struct {
	amount decimal.Decimal
	slots  []int
}

// NewCandidatePool builds a pool from entries. Entries sharing an ID are kept once.
func NewCandidatePool(entries []*models.LedgerEntry) *CandidatePool {
	seen := make(map[string]bool, len(entries))
	ordered := make([]*models.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if e == nil || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		ordered = append(ordered, e)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := models.DateOnly(ordered[i].Date), models.DateOnly(ordered[j].Date)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return ordered[i].ID < ordered[j].ID
	})

	pool := &CandidatePool{
		entries:     ordered,
		alive:       make([]bool, len(ordered)),
		byID:        make(map[string]int, len(ordered)),
		exactAmount: make(map[string][]int),
		accountCode: make(map[string][]int),
		remaining:   len(ordered),
	}
	pool.buildIndexes()
	return pool
}

func (p *CandidatePool) buildIndexes() {
	amountMap := make(map[string]*amountIndexEntry)

	for i, e := range p.entries {
		p.alive[i] = true
		p.byID[e.ID] = i

		amountKey := e.AbsAmount().String()
		p.exactAmount[amountKey] = append(p.exactAmount[amountKey], i)

		if code := normalizeCode(e.AccountCode); code != "" {
			p.accountCode[code] = append(p.accountCode[code], i)
		}

		if entry, exists := amountMap[amountKey]; exists {
			entry.slots = append(entry.slots, i)
		} else {
			amountMap[amountKey] = &amountIndexEntry{amount: e.AbsAmount(), slots: []int{i}}
		}
	}

	p.amountRange = make([]*amountIndexEntry, 0, len(amountMap))
	for _, entry := range amountMap {
		p.amountRange = append(p.amountRange, entry)
	}
	sort.Slice(p.amountRange, func(i, j int) bool {
		return p.amountRange[i].amount.LessThan(p.amountRange[j].amount)
	})
}

// Len returns the number of entries the pool was built with
func (p *CandidatePool) Len() int {
	return len(p.entries)
}

// Remaining returns the number of unclaimed entries
func (p *CandidatePool) Remaining() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remaining
}

// Contains reports whether id is in the pool and unclaimed
func (p *CandidatePool) Contains(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, ok := p.byID[id]
	return ok && p.alive[i]
}

// Get returns the unclaimed entry with the given id
func (p *CandidatePool) Get(id string) (*models.LedgerEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, ok := p.byID[id]
	if !ok || !p.alive[i] {
		return nil, false
	}
	return p.entries[i], true
}

// Claim removes id from the pool. Claiming an entry that is absent or already
// claimed is an integrity violation.
func (p *CandidatePool) Claim(id string) (*models.LedgerEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.byID[id]
	if !ok || !p.alive[i] {
		return nil, apperrors.IntegrityError(apperrors.CodeLedgerEntryClaimed, id, nil)
	}
	p.alive[i] = false
	p.remaining--
	return p.entries[i], nil
}

// Remove drops id from the pool if present and reports whether it was unclaimed
func (p *CandidatePool) Remove(id string) bool {
	_, err := p.Claim(id)
	return err == nil
}

// Alive returns the unclaimed entries in pool order
func (p *CandidatePool) Alive() []*models.LedgerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*models.LedgerEntry, 0, p.remaining)
	for i, e := range p.entries {
		if p.alive[i] {
			result = append(result, e)
		}
	}
	return result
}

// ByExactAmount returns unclaimed entries whose |amount| equals |amount|, in pool order
func (p *CandidatePool) ByExactAmount(amount decimal.Decimal) []*models.LedgerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	abs := amount.Abs()
	var result []*models.LedgerEntry
	for _, i := range p.exactAmount[abs.String()] {
		if p.alive[i] && p.entries[i].AbsAmount().Equal(abs) {
			result = append(result, p.entries[i])
		}
	}
	return result
}

// ByAccountCode returns unclaimed entries booked to code, in pool order
func (p *CandidatePool) ByAccountCode(code string) []*models.LedgerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []*models.LedgerEntry
	for _, i := range p.accountCode[normalizeCode(code)] {
		if p.alive[i] {
			result = append(result, p.entries[i])
		}
	}
	return result
}

// WithinAmount returns unclaimed entries whose |amount| lies within delta of
// |amount| (inclusive), in pool order
func (p *CandidatePool) WithinAmount(amount, delta decimal.Decimal) []*models.LedgerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	abs := amount.Abs()
	minAmount := abs.Sub(delta)
	maxAmount := abs.Add(delta)

	startIdx := sort.Search(len(p.amountRange), func(i int) bool {
		return p.amountRange[i].amount.GreaterThanOrEqual(minAmount)
	})

	var slots []int
	for i := startIdx; i < len(p.amountRange); i++ {
		entry := p.amountRange[i]
		if entry.amount.GreaterThan(maxAmount) {
			break
		}
		for _, s := range entry.slots {
			if p.alive[s] {
				slots = append(slots, s)
			}
		}
	}
	sort.Ints(slots)

	result := make([]*models.LedgerEntry, 0, len(slots))
	for _, s := range slots {
		result = append(result, p.entries[s])
	}
	return result
}

// Position returns the pool order of id, or -1 if the pool never held it
func (p *CandidatePool) Position(id string) int {
	if i, ok := p.byID[id]; ok {
		return i
	}
	return -1
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

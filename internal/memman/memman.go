// Package memman implements the worker's in-memory table-page reservation
// manager: the thing a ScanScheduler calls before admitting a chunk so two
// scans sharing a hot table don't double-buffer its pages.
package memman

import (
	"sync"

	"github.com/qservgo/qserv/internal/ids"
)

// tableSizeMB is the flat per-table reservation charged against the
// budget. Real Qserv sizes this from the table's actual page footprint;
// a flat charge is the simplest thing that makes the budget meaningful
// without needing a live catalog.
const tableSizeMB = 64

// handle is the reference-like token MemMan hands back from Prepare and
// expects on Release; it remembers exactly what it reserved so Release
// and Overlaps don't need the caller to repeat the table list.
type handle struct {
	chunkId ids.ChunkId
	tables  []string
}

// BudgetMemMan grants reservations against a fixed memory budget,
// refusing (ENOMEM, reported via Prepare's ok=false) once the budget is
// exhausted. Reservations are reference-counted per table so two chunks
// sharing a table only charge it once.
type BudgetMemMan struct {
	mu        sync.Mutex
	budgetMB  int
	usedMB    int
	refs      map[string]int
}

// NewBudgetMemMan builds a MemMan that will reserve at most budgetMB
// megabytes of table pages at any one time.
func NewBudgetMemMan(budgetMB int) *BudgetMemMan {
	if budgetMB <= 0 {
		budgetMB = 1
	}
	return &BudgetMemMan{
		budgetMB: budgetMB,
		refs:     make(map[string]int),
	}
}

// Prepare reserves pages for tables not already held, charging the
// budget only for the ones newly reserved. required=false (FLEXIBLE)
// still refuses over budget; callers fall back to treating a refusal as
// "defer, try the next chunk" regardless of lock type, per the
// scheduler's own retry policy.
func (m *BudgetMemMan) Prepare(tables []string, chunkId ids.ChunkId, required bool) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newTables []string
	additional := 0
	for _, t := range tables {
		if m.refs[t] == 0 {
			newTables = append(newTables, t)
			additional += tableSizeMB
		}
	}
	if m.usedMB+additional > m.budgetMB {
		return nil, false
	}
	for _, t := range tables {
		m.refs[t]++
	}
	m.usedMB += additional
	return &handle{chunkId: chunkId, tables: tables}, true
}

// Release drops h's reference on each of its tables, freeing budget once
// a table's last reference is gone.
func (m *BudgetMemMan) Release(h any) {
	hd, ok := h.(*handle)
	if !ok || hd == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range hd.tables {
		if m.refs[t] <= 0 {
			continue
		}
		m.refs[t]--
		if m.refs[t] == 0 {
			m.usedMB -= tableSizeMB
		}
	}
}

// Overlaps reports whether two handles share at least one table, the
// signal ScanScheduler uses to defer a release across chunk boundaries
// instead of thrashing a hot table's reservation.
func (m *BudgetMemMan) Overlaps(a, b any) bool {
	ha, aok := a.(*handle)
	hb, bok := b.(*handle)
	if !aok || !bok || ha == nil || hb == nil {
		return false
	}
	for _, ta := range ha.tables {
		for _, tb := range hb.tables {
			if ta == tb {
				return true
			}
		}
	}
	return false
}

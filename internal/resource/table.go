// Package resource implements the per-worker indexed resource table (§4.7,
// §9 "Arena/index for resources"): a dense arena of WorkerResourceId slots
// that never reuses an id within a worker's lifetime even after the slot it
// named is dropped.
package resource

import (
	"fmt"
	"sync"

	"github.com/golemsrv/durability/internal/domain"
)

// Entry is one live resource: its creation parameters plus the indexed key
// DescribeResource attaches for lookup.
type Entry struct {
	ID         domain.WorkerResourceId
	Name       string
	Params     []string
	IndexedKey string
}

// Table is a single worker's resource arena. It is not safe for concurrent
// use across workers — per §5, a worker's resource table is only ever
// touched by that worker's single owning actor.
type Table struct {
	mu      sync.Mutex
	next    domain.WorkerResourceId // monotonic counter, never reused
	entries map[domain.WorkerResourceId]*Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[domain.WorkerResourceId]*Entry)}
}

// Create assigns a new, never-before-used id to (name, params) and returns
// it.
func (t *Table) Create(name string, params []string) domain.WorkerResourceId {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.entries[id] = &Entry{ID: id, Name: name, Params: append([]string(nil), params...)}
	return id
}

// Drop removes id's slot. The id itself is never reassigned: t.next only
// ever increases.
func (t *Table) Drop(id domain.WorkerResourceId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Describe attaches indexedKey to id, used for subsequent lookup by that
// key rather than by raw id.
func (t *Table) Describe(id domain.WorkerResourceId, indexedKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("resource: describe unknown resource %d", id)
	}
	e.IndexedKey = indexedKey
	return nil
}

// Get returns the entry for id, if live.
func (t *Table) Get(id domain.WorkerResourceId) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Restore replaces the table's contents wholesale, used by the status
// deriver's fold result when rehydrating a worker actor from a derived
// Record rather than replaying CreateResource/DropResource one at a time.
func (t *Table) Restore(entries map[domain.WorkerResourceId]*Entry, next domain.WorkerResourceId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[domain.WorkerResourceId]*Entry, len(entries))
	for id, e := range entries {
		cp := *e
		t.entries[id] = &cp
	}
	t.next = next
}

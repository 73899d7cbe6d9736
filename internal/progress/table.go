package progress

import (
	"sort"
	"sync"
	"time"

	"scene-pipeline/internal/models"
)

// Table is the in-process progress store scoped to a server handling
// streaming requests. Expiry is enforced on every read, not only by a
// background sweep, so a caller never observes a record past its TTL.
type Table struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]tableEntry
	clock   func() time.Time
}

type tableEntry struct {
	record   models.ProgressRecord
	storedAt time.Time
}

// NewTable builds a table with the given TTL and entry cap.
func NewTable(ttl time.Duration, max int) *Table {
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	if max == 0 {
		max = 100
	}
	return &Table{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]tableEntry),
		clock:   time.Now,
	}
}

// Put stores or replaces a record, evicting oldest entries past the cap.
func (t *Table) Put(rec models.ProgressRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[rec.JobID] = tableEntry{record: rec, storedAt: t.clock()}
	if len(t.entries) <= t.max {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(t.entries))
	for id, e := range t.entries {
		all = append(all, aged{id: id, at: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(t.entries)-t.max] {
		delete(t.entries, a.id)
	}
}

// Get returns a live record. Expired entries are removed and reported absent.
func (t *Table) Get(jobID string) (models.ProgressRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[jobID]
	if !ok {
		return models.ProgressRecord{}, false
	}
	if t.clock().Sub(e.storedAt) > t.ttl {
		delete(t.entries, jobID)
		return models.ProgressRecord{}, false
	}
	return e.record, true
}

// GetAll returns every live record for operational introspection, evicting
// expired entries as it goes.
func (t *Table) GetAll() []models.ProgressRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	out := make([]models.ProgressRecord, 0, len(t.entries))
	for id, e := range t.entries {
		if now.Sub(e.storedAt) > t.ttl {
			delete(t.entries, id)
			continue
		}
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Delete removes a record.
func (t *Table) Delete(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, jobID)
}

// Package table defines the table-of-record contract consumed by the
// reconciliation loop and the snapshot bookkeeping shared by its backends.
package table

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/runsync/internal/run"
)

// Client is the remote table as the loop sees it. Refresh takes a new
// snapshot; ValidRuns and RunsToUpdate describe that snapshot; Write persists
// the registry. Reads and writes are not transactional with respect to each
// other.
type Client interface {
	run.RowSource
	Refresh(ctx context.Context) error
	ValidRuns() []string
	RunsToUpdate() []string
	Write(ctx context.Context, runs []run.Snapshot) error
}

// Row is one record fetched by a backend.
type Row struct {
	Name   string
	Fields run.Fields
	// Line is the backend's address for the row (sheet row number, 1-based).
	Line int
}

// NormalizeHeader lower-cases and trims a column header.
func NormalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// ValidName reports whether a run name cell identifies a trackable run.
// Blank names and commented-out rows are skipped.
func ValidName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && !strings.HasPrefix(name, "#")
}

// Tracker diffs consecutive snapshots. The first snapshot reports every valid
// row as changed. It is safe for concurrent use so status readers can share a
// backend with the loop.
type Tracker struct {
	mu      sync.RWMutex
	rows    map[string]Row
	changed []string
}

// Apply replaces the current snapshot with rows. Later duplicates of a name
// win, matching how a spreadsheet reads top to bottom.
func (t *Tracker) Apply(rows []Row) {
	next := make(map[string]Row, len(rows))
	for _, row := range rows {
		name := strings.TrimSpace(row.Name)
		if !ValidName(name) {
			continue
		}
		row.Name = name
		next[name] = row
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	changed := make([]string, 0)
	for name, row := range next {
		prev, ok := t.rows[name]
		if !ok || !sameFields(prev.Fields, row.Fields) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	t.rows = next
	t.changed = changed
}

func (t *Tracker) ValidRuns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.rows))
	for name := range t.rows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) RunsToUpdate() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.changed...)
}

func (t *Tracker) Fields(name string) (run.Fields, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[name]
	if !ok {
		return nil, false
	}
	out := make(run.Fields, len(row.Fields))
	for k, v := range row.Fields {
		out[k] = v
	}
	return out, true
}

// Row returns the full row, including its backend address.
func (t *Tracker) Row(name string) (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[name]
	return row, ok
}

func sameFields(a, b run.Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

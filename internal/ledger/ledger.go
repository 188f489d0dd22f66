// Package ledger tracks the recipients waiting for the next code from one
// account.
package ledger

import "sync"

// Ledger is an insertion-ordered set of recipient ids. It is safe for
// concurrent use.
type Ledger struct {
	mu    sync.Mutex
	order []string
	index map[string]struct{}
	limit int
}

// New returns an empty ledger. limit <= 0 means unbounded.
func New(limit int) *Ledger {
	return &Ledger{index: make(map[string]struct{}), limit: limit}
}

// Add appends id. It reports whether id was newly added; adding an id that
// is already pending is a no-op. full is true when the ledger is at its
// limit and id was not added.
func (l *Ledger) Add(id string) (added bool, full bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[id]; ok {
		return false, false
	}
	if l.limit > 0 && len(l.order) >= l.limit {
		return false, true
	}
	l.index[id] = struct{}{}
	l.order = append(l.order, id)
	return true, false
}

// Remove deletes id and reports whether it was pending.
func (l *Ledger) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[id]; !ok {
		return false
	}
	delete(l.index, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Drain returns the pending ids in insertion order and empties the ledger
// in the same critical section.
func (l *Ledger) Drain() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 {
		return nil
	}
	out := l.order
	l.order = nil
	l.index = make(map[string]struct{})
	return out
}

// Snapshot returns a copy of the pending ids.
func (l *Ledger) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// Len returns the number of pending ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Package intern implements gputrack.Interner: a mutex-guarded table
// mapping marker text to a stable 64-bit key, so wire events carry
// small keys instead of repeating the same marker strings.
package intern

import "sync"

// Table is a concurrency-safe string interner. The zero value is not
// usable; use New.
type Table struct {
	mu   sync.Mutex
	next uint64
	keys map[string]uint64
}

func New() *Table {
	return &Table{keys: make(map[string]uint64)}
}

// Intern returns text's key, assigning the next sequential key the
// first time text is seen.
func (t *Table) Intern(text string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if k, ok := t.keys[text]; ok {
		return k
	}
	t.next++
	t.keys[text] = t.next
	return t.next
}

// Lookup returns a copy of the whole text-to-key table, for debugging
// and for the server-side table an exporter would need to resolve keys
// back to text. It does not participate in the hot Intern path.
func (t *Table) Lookup() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64, len(t.keys))
	for k, v := range t.keys {
		out[k] = v
	}
	return out
}

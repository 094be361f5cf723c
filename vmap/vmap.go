// Package vmap implements a revision-stamped map: a full per-key write
// history, which the CWMP planner needs to re-derive values as seen at any
// prior revision and to collapse history once a commit lands.
package vmap

import "sort"

// Entry is one historical write: the revision it was made at, and the
// value written.
type Entry[V any] struct {
	Revision int64
	Value    V
}

// Map is a mapping K -> V where every write is tagged with the Revision
// field at the time of the call. Revision is a write-only field assigned by
// the caller before each batch of writes; it is not advanced automatically.
type Map[K comparable, V any] struct {
	Revision int64
	history  map[K][]Entry[V]
}

// New returns an empty, ready-to-use Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{history: map[K][]Entry[V]{}}
}

// Set appends or overwrites the entry for k at the map's current Revision.
// If the most recent entry for k is already at this revision, it is
// replaced in place rather than appended, so repeated writes within one
// revision do not grow the history.
func (m *Map[K, V]) Set(k K, v V) {
	entries := m.history[k]
	if n := len(entries); n > 0 && entries[n-1].Revision == m.Revision {
		entries[n-1].Value = v
		return
	}
	m.history[k] = append(entries, Entry[V]{Revision: m.Revision, Value: v})
}

// Get returns the value visible at the map's current Revision (the most
// recent entry with Revision <= m.Revision), or the zero value and false if
// none exists.
func (m *Map[K, V]) Get(k K) (V, bool) {
	return m.GetAt(k, m.Revision)
}

// GetAt returns the value visible at the given depth (revision), i.e. the
// most recent entry with Revision <= depth.
func (m *Map[K, V]) GetAt(k K, depth int64) (V, bool) {
	entries := m.history[k]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Revision <= depth {
			return entries[i].Value, true
		}
	}
	var zero V
	return zero, false
}

// Delete removes all history for k.
func (m *Map[K, V]) Delete(k K) {
	delete(m.history, k)
}

// Has reports whether any history exists for k at or before the map's
// current Revision.
func (m *Map[K, V]) Has(k K) bool {
	_, ok := m.Get(k)
	return ok
}

// Keys returns every key with at least one history entry, regardless of
// revision, in no particular order.
func (m *Map[K, V]) Keys() []K {
	out := make([]K, 0, len(m.history))
	for k := range m.history {
		out = append(out, k)
	}
	return out
}

// GetRevisions returns the full write history for k, oldest first, for
// serialization round-tripping.
func (m *Map[K, V]) GetRevisions(k K) []Entry[V] {
	return append([]Entry[V](nil), m.history[k]...)
}

// SetRevisions replaces the full write history for k, sorted by revision,
// for deserialization.
func (m *Map[K, V]) SetRevisions(k K, entries []Entry[V]) {
	sorted := append([]Entry[V](nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Revision < sorted[j].Revision })
	m.history[k] = sorted
}

// Collapse discards per-key history entries written at a revision greater
// than r, re-stamping the newest surviving value (if any newer entry
// existed) at revision r. Callers must only invoke Collapse while no reader
// is observing revisions > r — true by construction under the
// single-thread-per-session rule (see the session package).
func (m *Map[K, V]) Collapse(r int64) {
	for k, entries := range m.history {
		var kept []Entry[V]
		var newest *Entry[V]
		for i := range entries {
			e := entries[i]
			if e.Revision <= r {
				kept = append(kept, e)
				continue
			}
			if newest == nil || e.Revision > newest.Revision {
				newest = &entries[i]
			}
		}
		if newest != nil {
			if n := len(kept); n > 0 && kept[n-1].Revision == r {
				kept[n-1].Value = newest.Value
			} else {
				kept = append(kept, Entry[V]{Revision: r, Value: newest.Value})
			}
		}
		if len(kept) == 0 {
			delete(m.history, k)
			continue
		}
		m.history[k] = kept
	}
}

// Len returns the number of keys with at least one history entry.
func (m *Map[K, V]) Len() int {
	return len(m.history)
}

// Package ptsmap associates codec presentation timestamps with the
// application data of the frame they were assigned to.
//
// Every entry is inserted once and taken once. Entries that are never
// taken show up in Len and are dropped by Clear, so a leak is visible
// instead of silently growing memory.
package ptsmap

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicate is returned by Insert when the PTS is already present.
var ErrDuplicate = errors.New("pts already mapped")

// Map is not safe for concurrent use; it is owned by one session.
type Map[V any] struct {
	entries map[int64]V
}

// New creates an empty map.
func New[V any]() *Map[V] {
	return &Map[V]{entries: make(map[int64]V)}
}

// Insert adds pts → v. It fails if pts is already mapped.
func (m *Map[V]) Insert(pts int64, v V) error {
	if _, dup := m.entries[pts]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicate, pts)
	}
	m.entries[pts] = v
	return nil
}

// Replace stores pts → v. It returns the overwritten value and whether
// there was one, so a failed submission can put it back with Restore.
func (m *Map[V]) Replace(pts int64, v V) (V, bool) {
	prev, existed := m.entries[pts]
	m.entries[pts] = v
	return prev, existed
}

// Restore undoes a Replace: the previous value comes back when there was
// one, otherwise pts is dropped.
func (m *Map[V]) Restore(pts int64, prev V, existed bool) {
	if existed {
		m.entries[pts] = prev
		return
	}
	delete(m.entries, pts)
}

// Take removes and returns the value mapped to pts.
func (m *Map[V]) Take(pts int64) (V, bool) {
	v, ok := m.entries[pts]
	if ok {
		delete(m.entries, pts)
	}
	return v, ok
}

// Remove drops pts, used to roll back an Insert whose frame was refused.
func (m *Map[V]) Remove(pts int64) {
	delete(m.entries, pts)
}

// Len returns the number of outstanding entries.
func (m *Map[V]) Len() int {
	return len(m.entries)
}

// Keys returns the outstanding timestamps in ascending order.
func (m *Map[V]) Keys() []int64 {
	keys := make([]int64, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Clear drops every entry and returns how many were discarded.
func (m *Map[V]) Clear() int {
	n := len(m.entries)
	clear(m.entries)
	return n
}

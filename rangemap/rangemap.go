// Package rangemap implements a generic map from non-overlapping
// half-open key ranges to values, ported from mizu's range-map crate
// (a BTreeMap-backed interval map) onto a sorted Go slice, since the
// standard library has no ordered map primitive.
package rangemap

import (
	"sort"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// entry is one stored (start, end, value) triple, kept sorted by start.
type entry[K constraints.Integer, V any] struct {
	start, end K
	value      V
}

// RangeMap stores values keyed by non-overlapping half-open ranges [start,
// end) within an overall bound [lo, hi).
type RangeMap[K constraints.Integer, V any] struct {
	lo, hi  K
	entries []entry[K, V]
}

// New creates a RangeMap covering [lo, hi).
func New[K constraints.Integer, V any](lo, hi K) *RangeMap[K, V] {
	return &RangeMap[K, V]{lo: lo, hi: hi}
}

// Bounds returns the map's overall [lo, hi) range.
func (m *RangeMap[K, V]) Bounds() (K, K) {
	return m.lo, m.hi
}

// Len returns the number of stored ranges.
func (m *RangeMap[K, V]) Len() int {
	return len(m.entries)
}

func (m *RangeMap[K, V]) indexOf(start K) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].start >= start
	})
}

// overlaps reports whether [start, end) intersects any stored entry.
func (m *RangeMap[K, V]) overlaps(start, end K) bool {
	i := m.indexOf(start)
	if i > 0 && m.entries[i-1].end > start {
		return true
	}
	if i < len(m.entries) && m.entries[i].start < end {
		return true
	}
	return false
}

// TryInsert inserts value at [start, end). It fails (returns false) if the
// range is empty, out of bounds, or overlaps an existing entry.
func (m *RangeMap[K, V]) TryInsert(start, end K, value V) bool {
	if start >= end || start < m.lo || end > m.hi {
		return false
	}
	if m.overlaps(start, end) {
		return false
	}
	i := m.indexOf(start)
	m.entries = slices.Insert(m.entries, i, entry[K, V]{start: start, end: end, value: value})
	return true
}

// Lookup returns the entry containing key, if any.
func (m *RangeMap[K, V]) Lookup(key K) (start, end K, value V, ok bool) {
	i := m.indexOf(key + 1)
	if i == 0 {
		return start, end, value, false
	}
	e := m.entries[i-1]
	if key < e.start || key >= e.end {
		return start, end, value, false
	}
	return e.start, e.end, e.value, true
}

// PtrTo returns a pointer to the value stored at exactly [start,end), if an
// entry with that exact key exists.
func (m *RangeMap[K, V]) PtrTo(start K) (*V, bool) {
	i := m.indexOf(start)
	if i < len(m.entries) && m.entries[i].start == start {
		return &m.entries[i].value, true
	}
	return nil, false
}

// Range calls fn for every stored range that intersects [start, end), in
// increasing order of start. fn receives references so mutation in place is
// possible, matching range_map's range()/intersection() semantics.
func (m *RangeMap[K, V]) Range(start, end K, fn func(s, e K, v *V)) {
	i := m.indexOf(start)
	if i > 0 && m.entries[i-1].end > start {
		i--
	}
	for ; i < len(m.entries) && m.entries[i].start < end; i++ {
		fn(m.entries[i].start, m.entries[i].end, &m.entries[i].value)
	}
}

// Intersection is an alias of Range kept for naming parity with the
// original's range()/intersection() split (intersection additionally clips
// to [start,end) in the caller, exactly as kmem::virt.rs does via
// `start.max`/`end.min`).
func (m *RangeMap[K, V]) Intersection(start, end K, fn func(s, e K, v *V)) {
	m.Range(start, end, fn)
}

// Drain removes and returns every entry fully or partially overlapping
// [start, end).
func (m *RangeMap[K, V]) Drain(start, end K) []struct {
	Start, End K
	Value      V
} {
	var out []struct {
		Start, End K
		Value      V
	}
	kept := m.entries[:0:0]
	for _, e := range m.entries {
		if e.start < end && e.end > start {
			out = append(out, struct {
				Start, End K
				Value      V
			}{e.start, e.end, e.value})
		} else {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return out
}

// Remove deletes the entry with the exact key [start,end), if present.
func (m *RangeMap[K, V]) Remove(start K) (V, bool) {
	i := m.indexOf(start)
	var zero V
	if i < len(m.entries) && m.entries[i].start == start {
		v := m.entries[i].value
		m.entries = slices.Delete(m.entries, i, i+1)
		return v, true
	}
	return zero, false
}

// SplitEditor is returned by SplitEntry; it lets the caller observe the
// original key and install replacement former/latter entries, mirroring
// range_map's Entry editor used by Virt::reprotect/unmap.
type SplitEditor[K constraints.Integer, V any] struct {
	m         *RangeMap[K, V]
	origStart K
	origEnd   K
}

// OldKey returns the [start, end) of the entry being split.
func (s *SplitEditor[K, V]) OldKey() (K, K) {
	return s.origStart, s.origEnd
}

// SetFormer installs the [origStart, at) half with value v.
func (s *SplitEditor[K, V]) SetFormer(at K, v V) {
	s.m.TryInsert(s.origStart, at, v)
}

// SetLatter installs the [at, origEnd) half with value v.
func (s *SplitEditor[K, V]) SetLatter(at K, v V) {
	s.m.TryInsert(at, s.origEnd, v)
}

// SplitEntry removes whatever entry contains key (if any), returning its
// value and an editor used to reinsert former/latter halves split at key.
// If key lies outside any entry, or exactly on a boundary, ok is false and
// no removal happens.
func (m *RangeMap[K, V]) SplitEntry(key K) (value V, editor *SplitEditor[K, V], ok bool) {
	i := m.indexOf(key + 1)
	if i == 0 {
		return value, nil, false
	}
	e := m.entries[i-1]
	if key <= e.start || key >= e.end {
		return value, nil, false
	}
	m.entries = slices.Delete(m.entries, i-1, i)
	return e.value, &SplitEditor[K, V]{m: m, origStart: e.start, origEnd: e.end}, true
}

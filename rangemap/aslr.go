package rangemap

import "golang.org/x/exp/constraints"

// Rng is the minimal random source AllocateWithASLR needs: a uniform
// integer generator, kept abstract so callers can plug in any source
// (crypto/rand, math/rand, or a deterministic one for tests) the way
// mizu's virt.rs takes a generic rand_riscv::rng().
type Rng interface {
	// Uint64N returns a uniform value in [0, n).
	Uint64N(n uint64) uint64
}

// AllocateWithASLR finds a free gap of `size` aligned to `align` within the
// map's bounds using the two-pass entropy-draw algorithm of spec.md §4.1:
// walk every gap, counting `positions = (gapLen-size)/align + 1` aligned
// candidate offsets per gap; if the drawn entropy falls within a gap's
// candidate count, pick that offset; otherwise subtract and continue. If no
// gap is hit after one full pass, redraw entropy uniformly over the total
// candidate count and retry exactly once; if still no hit (or there were no
// candidates at all), it fails.
func AllocateWithASLR[K constraints.Integer, V any](m *RangeMap[K, V], size, align K, rng Rng) (K, bool) {
	if size <= 0 || align <= 0 {
		return 0, false
	}
	entropy := rng.Uint64N(1 << 30)
	if pos, ok := tryASLRPass(m, size, align, entropy); ok {
		return pos, true
	}
	total := countPositions(m, size, align)
	if total == 0 {
		return 0, false
	}
	entropy = rng.Uint64N(total)
	return tryASLRPass(m, size, align, entropy)
}

// gaps yields every free gap [base, end) in increasing order, including the
// leading gap before the first entry and the trailing gap after the last.
func (m *RangeMap[K, V]) gaps(yield func(base, end K) bool) {
	cur := m.lo
	for _, e := range m.entries {
		if cur < e.start {
			if !yield(cur, e.start) {
				return
			}
		}
		cur = e.end
	}
	if cur < m.hi {
		yield(cur, m.hi)
	}
}

func alignUp[K constraints.Integer](v, align K) K {
	r := v % align
	if r == 0 {
		return v
	}
	return v + (align - r)
}

func tryASLRPass[K constraints.Integer, V any](m *RangeMap[K, V], size, align K, entropy uint64) (K, bool) {
	var found K
	var ok bool
	m.gaps(func(base, end K) bool {
		alignedBase := alignUp(base, align)
		if end <= alignedBase || end-alignedBase < size {
			return true
		}
		positions := uint64((end-alignedBase-size)/align) + 1
		if entropy < positions {
			found = alignedBase + K(entropy)*align
			ok = true
			return false
		}
		entropy -= positions
		return true
	})
	return found, ok
}

func countPositions[K constraints.Integer, V any](m *RangeMap[K, V], size, align K) uint64 {
	var total uint64
	m.gaps(func(base, end K) bool {
		alignedBase := alignUp(base, align)
		if end <= alignedBase || end-alignedBase < size {
			return true
		}
		total += uint64((end-alignedBase-size)/align) + 1
		return true
	})
	return total
}

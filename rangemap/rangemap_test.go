package rangemap

import "testing"

func TestTryInsertOverlap(t *testing.T) {
	m := New[int, string](0, 100)
	if !m.TryInsert(10, 20, "a") {
		t.Fatal("expected insert to succeed")
	}
	if m.TryInsert(15, 25, "b") {
		t.Fatal("expected overlap to fail")
	}
	if m.TryInsert(5, 10, "c"); !m.TryInsert(20, 30, "d") {
		t.Fatal("expected adjacent, non-overlapping insert to succeed")
	}
}

func TestTryInsertBounds(t *testing.T) {
	m := New[int, string](0, 100)
	if m.TryInsert(-1, 10, "x") {
		t.Fatal("expected out-of-bounds insert to fail")
	}
	if m.TryInsert(90, 110, "x") {
		t.Fatal("expected out-of-bounds insert to fail")
	}
	if m.TryInsert(10, 10, "x") {
		t.Fatal("expected empty range to fail")
	}
}

func TestLookup(t *testing.T) {
	m := New[int, string](0, 100)
	m.TryInsert(10, 20, "a")
	if _, _, v, ok := m.Lookup(15); !ok || v != "a" {
		t.Fatalf("lookup failed: %v %v", v, ok)
	}
	if _, _, _, ok := m.Lookup(25); ok {
		t.Fatal("expected miss")
	}
}

func TestDrain(t *testing.T) {
	m := New[int, string](0, 100)
	m.TryInsert(0, 10, "a")
	m.TryInsert(10, 20, "b")
	m.TryInsert(30, 40, "c")
	out := m.Drain(5, 35)
	if len(out) != 3 {
		t.Fatalf("expected 3 drained, got %d", len(out))
	}
	if m.Len() != 0 {
		t.Fatalf("expected map empty after full drain, got %d", m.Len())
	}
}

func TestSplitEntry(t *testing.T) {
	m := New[int, int](0, 100)
	m.TryInsert(10, 30, 7)
	v, editor, ok := m.SplitEntry(20)
	if !ok || v != 7 {
		t.Fatalf("split failed: %v %v", v, ok)
	}
	start, end := editor.OldKey()
	if start != 10 || end != 30 {
		t.Fatalf("wrong old key: %d %d", start, end)
	}
	editor.SetFormer(20, 7)
	editor.SetLatter(20, 8)
	if _, _, v, _ := m.Lookup(15); v != 7 {
		t.Fatalf("former wrong: %v", v)
	}
	if _, _, v, _ := m.Lookup(25); v != 8 {
		t.Fatalf("latter wrong: %v", v)
	}
}

func TestSplitEntryOnBoundaryIsNoop(t *testing.T) {
	m := New[int, int](0, 100)
	m.TryInsert(10, 30, 7)
	if _, _, ok := m.SplitEntry(10); ok {
		t.Fatal("splitting exactly at a boundary must not remove anything")
	}
	if _, _, ok := m.SplitEntry(30); ok {
		t.Fatal("splitting exactly at a boundary must not remove anything")
	}
}

type fixedRng struct{ v uint64 }

func (f fixedRng) Uint64N(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return f.v % n
}

func TestAllocateWithASLR(t *testing.T) {
	m := New[int, int](0, 1000)
	m.TryInsert(0, 100, 1)
	m.TryInsert(200, 300, 1)
	pos, ok := AllocateWithASLR[int, int](m, 50, 10, fixedRng{v: 0})
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	if pos < 100 || pos+50 > 1000 {
		t.Fatalf("position %d not in a free gap", pos)
	}
}

func TestAllocateWithASLRExhausted(t *testing.T) {
	m := New[int, int](0, 100)
	m.TryInsert(0, 100, 1)
	if _, ok := AllocateWithASLR[int, int](m, 10, 1, fixedRng{v: 0}); ok {
		t.Fatal("expected allocation to fail when map is full")
	}
}

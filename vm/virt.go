// Package vm implements the virtual address space side of the kernel
// core: a non-overlapping range map of page-granular mappings backed by
// memory.Phys objects, with commit/decommit/reprotect/unmap and ASLR
// address selection, ported from mizu's kmem::virt (kmem/src/virt.rs) in
// the idiom of biscuit's vm package (biscuit/src/vm/as.go).
package vm

import (
	"sync"

	"mizu/errno"
	"mizu/logging"
	"mizu/memory"
	"mizu/rangemap"
)

var log = logging.For("vm")

// Attr is the page permission/kind bitmask attached to a Mapping, mirroring
// rv39_paging::Attr's READABLE/WRITABLE/EXECUTABLE/USER bits.
type Attr uint8

const (
	Readable Attr = 1 << iota
	Writable
	Executable
	User
	Valid
)

// Has reports whether all bits of other are set in a.
func (a Attr) Has(other Attr) bool {
	return a&other == other
}

// Mapping is one entry of a Virt's range map: a window into a Phys,
// starting at start_index pages in, with the permission bits that apply
// to every page committed through it.
type Mapping struct {
	phys       *memory.Phys
	startIndex int
	attr       Attr
}

// pte is the software page-table stand-in entry: the frame currently
// resident at a page address, plus the attr it was committed with. A real
// Sv39 table walk is out of scope; see DESIGN.md for why a page-indexed
// map is the right substitute here.
type pte struct {
	frame *memory.Frame
	attr  Attr
}

// Virt is a process (or kernel) address space: a page-table stand-in plus
// the range map of Mappings that describe what should be there.
type Virt struct {
	mu    sync.Mutex
	table map[int]pte
	m     *rangemap.RangeMap[int, Mapping]
	rng   rangemap.Rng
}

// New creates an address space covering [lo, hi) bytes.
func New(lo, hi int, rng rangemap.Rng) *Virt {
	return &Virt{
		table: map[int]pte{},
		m:     rangemap.New[int, Mapping](lo, hi),
		rng:   rng,
	}
}

func aligned(addr int) bool {
	return addr&(memory.PageSize-1) == 0
}

// Map installs a new mapping of count pages from phys, starting at
// phys page index startIndex, with permissions attr. If addr is nil, a
// location is chosen via the two-pass ASLR algorithm; otherwise addr must
// be page-aligned and free.
func (v *Virt) Map(addr *int, phys *memory.Phys, startIndex, count int, attr Attr) (int, errno.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()

	mapping := Mapping{phys: phys, startIndex: startIndex, attr: attr}
	length := count * memory.PageSize

	if addr != nil {
		if !aligned(*addr) {
			return 0, errno.EINVAL
		}
		end := *addr + length
		if !v.m.TryInsert(*addr, end, mapping) {
			return 0, errno.EEXIST
		}
		return *addr, errno.Zero
	}

	pos, ok := rangemap.AllocateWithASLR[int, Mapping](v.m, length, memory.PageSize, v.rng)
	if !ok {
		return 0, errno.ENOSPC
	}
	if !v.m.TryInsert(pos, pos+length, mapping) {
		return 0, errno.ENOSPC
	}
	return pos, errno.Zero
}

// FindFree chooses an address for count pages without installing anything:
// addr itself if given (after alignment-checking it), otherwise a fresh
// ASLR draw over the free gaps. Callers that go on to Map each of several
// sub-windows at this base (as task.LoadELF does per PT_LOAD segment) use
// this instead of a single Map call that would reserve only one window.
func (v *Virt) FindFree(addr *int, count int) (int, errno.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if addr != nil {
		if !aligned(*addr) {
			return 0, errno.EINVAL
		}
		return *addr, errno.Zero
	}
	length := count * memory.PageSize
	pos, ok := rangemap.AllocateWithASLR[int, Mapping](v.m, length, memory.PageSize, v.rng)
	if !ok {
		return 0, errno.ENOSPC
	}
	return pos, errno.Zero
}

// commitRange materializes count pages of mapping into the table, starting
// at byte address addr, offset pages into the mapping's own window.
func (v *Virt) commitRange(addr int, offset, count int, m *Mapping) errno.Errno {
	writable := m.attr.Has(Writable)
	for c := 0; c < count; c++ {
		index := c + m.startIndex + offset
		pageAddr := addr + c*memory.PageSize
		if _, set := v.table[pageAddr]; set {
			continue
		}
		var writeLen *int
		if writable {
			pl := memory.PageSize
			writeLen = &pl
		}
		frame, _, err := m.phys.Commit(index, writeLen, false)
		if err != errno.Zero {
			return err
		}
		v.table[pageAddr] = pte{frame: frame, attr: m.attr | Valid}
	}
	return errno.Zero
}

// decommitRange releases count pages of mapping from the table, starting
// at byte address addr, offset pages into the mapping's own window.
func (v *Virt) decommitRange(addr int, offset, count int, m *Mapping) errno.Errno {
	dirty := m.attr.Has(Writable)
	for c := 0; c < count; c++ {
		index := c + m.startIndex + offset
		pageAddr := addr + c*memory.PageSize
		if _, set := v.table[pageAddr]; !set {
			continue
		}
		if err := m.phys.Release(index, dirty); err != errno.Zero {
			return err
		}
		delete(v.table, pageAddr)
	}
	return errno.Zero
}

// Commit materializes every page in [lo, hi) that has a mapping, demand-
// loading or allocating as needed. Pages with no mapping are left alone.
func (v *Virt) Commit(lo, hi int) errno.Errno {
	if !aligned(lo) || !aligned(hi) {
		return errno.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var firstErr errno.Errno
	v.m.Intersection(lo, hi, func(s, e int, m *Mapping) {
		if firstErr != errno.Zero {
			return
		}
		start, end := max(lo, s), min(hi, e)
		offset := (start - s) / memory.PageSize
		count := (end - start) / memory.PageSize
		firstErr = v.commitRange(start, offset, count, m)
	})
	return firstErr
}

// Decommit releases every committed page in [lo, hi), leaving the
// mappings themselves intact so a later Commit can re-materialize them.
func (v *Virt) Decommit(lo, hi int) errno.Errno {
	if !aligned(lo) || !aligned(hi) {
		return errno.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var firstErr errno.Errno
	v.m.Intersection(lo, hi, func(s, e int, m *Mapping) {
		if firstErr != errno.Zero {
			return
		}
		start, end := max(lo, s), min(hi, e)
		offset := (start - s) / memory.PageSize
		count := (end - start) / memory.PageSize
		firstErr = v.decommitRange(start, offset, count, m)
	})
	return firstErr
}

// Reprotect changes the permission attr of the mapped pages in [lo, hi),
// decommitting them first so the next access re-commits under the new
// attr. Mappings that only partially overlap are split at the range's
// boundaries; their parts outside the range keep the old attr.
func (v *Virt) Reprotect(lo, hi int, attr Attr) errno.Errno {
	if !aligned(lo) || !aligned(hi) {
		return errno.EINVAL
	}
	attr |= Valid
	v.mu.Lock()
	defer v.mu.Unlock()

	var firstErr errno.Errno
	v.m.Range(lo, hi, func(s, e int, m *Mapping) {
		if firstErr != errno.Zero {
			return
		}
		if s < lo || e > hi {
			// Partially overlapping mappings are handled by the splits below.
			return
		}
		count := (e - s) / memory.PageSize
		if err := v.decommitRange(s, 0, count, m); err != errno.Zero {
			firstErr = err
			return
		}
		m.attr = attr
	})
	if firstErr != errno.Zero {
		return firstErr
	}

	if mapping, editor, ok := v.m.SplitEntry(lo); ok {
		s, e := editor.OldKey()
		offset := (lo - s) / memory.PageSize
		count := (e - lo) / memory.PageSize
		if err := v.decommitRange(lo, offset, count, &mapping); err != errno.Zero {
			return err
		}
		latter := Mapping{phys: mapping.phys, startIndex: mapping.startIndex + offset, attr: attr}
		if e > hi {
			// The mapping also straddles hi; the split below gives only
			// [lo, hi) the new attr.
			latter.attr = mapping.attr
		}
		editor.SetFormer(lo, mapping)
		editor.SetLatter(lo, latter)
	}
	if mapping, editor, ok := v.m.SplitEntry(hi); ok {
		s, _ := editor.OldKey()
		count := (hi - s) / memory.PageSize
		if err := v.decommitRange(s, 0, count, &mapping); err != errno.Zero {
			return err
		}
		former := Mapping{phys: mapping.phys, startIndex: mapping.startIndex, attr: attr}
		mapping.startIndex += count
		editor.SetFormer(hi, former)
		editor.SetLatter(hi, mapping)
	}
	return errno.Zero
}

// Unmap decommits and removes every mapping overlapping [lo, hi), splitting
// boundary-straddling entries so the surviving portions outside the range
// keep their original mapping.
func (v *Virt) Unmap(lo, hi int) errno.Errno {
	if !aligned(lo) || !aligned(hi) {
		return errno.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, d := range v.m.Drain(lo, hi) {
		m := d.Value
		start, end := max(lo, d.Start), min(hi, d.End)
		offset := (start - d.Start) / memory.PageSize
		count := (end - start) / memory.PageSize
		if err := v.decommitRange(start, offset, count, &m); err != errno.Zero {
			return err
		}
		if d.Start < lo {
			v.m.TryInsert(d.Start, lo, m)
		}
		if d.End > hi {
			latter := m
			latter.startIndex += (hi - d.Start) / memory.PageSize
			v.m.TryInsert(hi, d.End, latter)
		}
	}

	if mapping, editor, ok := v.m.SplitEntry(lo); ok {
		s, e := editor.OldKey()
		offset := (lo - s) / memory.PageSize
		count := (e - lo) / memory.PageSize
		if err := v.decommitRange(lo, offset, count, &mapping); err != errno.Zero {
			return err
		}
		editor.SetFormer(lo, mapping)
	}
	if mapping, editor, ok := v.m.SplitEntry(hi); ok {
		s, _ := editor.OldKey()
		count := (hi - s) / memory.PageSize
		if err := v.decommitRange(hi, 0, count, &mapping); err != errno.Zero {
			return err
		}
		mapping.startIndex += count
		editor.SetLatter(hi, mapping)
	}
	return errno.Zero
}

// DeepFork builds a new address space with the same layout as v, where
// every mapping's Phys has been branched via memory.Phys.CloneAs(cow, nil)
// so parent and child share frames copy-on-write, per spec.md §4.3's clone
// semantics when CLONE_VM is absent (kmem::virt::Virt::clone_as in
// kmem/src/virt.rs). The new Virt starts with an empty table: committed
// pages re-fault lazily rather than being copied eagerly.
func (v *Virt) DeepFork(cow bool) *Virt {
	v.mu.Lock()
	defer v.mu.Unlock()

	lo, hi := v.m.Bounds()
	child := &Virt{
		table: map[int]pte{},
		m:     rangemap.New[int, Mapping](lo, hi),
		rng:   v.rng,
	}
	v.m.Range(lo, hi, func(s, e int, m *Mapping) {
		clone := Mapping{phys: m.phys.CloneAs(cow, nil), startIndex: m.startIndex, attr: m.attr}
		child.m.TryInsert(s, e, clone)

		// m.phys was just restructured onto a shared branch; any frame this
		// address space already had committed for it is stale (it still
		// points at the pre-fork frame directly, bypassing the new COW
		// branch), so drop it and let the next access recommit through m.phys.
		count := (e - s) / memory.PageSize
		_ = v.decommitRange(s, 0, count, m)
	})
	return child
}

// NewSibling creates an empty address space with the same bounds and ASLR
// source as v, with nothing mapped. Exec's in-place reset uses this to
// start a condemned task's new image from a blank slate without needing to
// know the address-space layout constants itself.
func (v *Virt) NewSibling() *Virt {
	v.mu.Lock()
	defer v.mu.Unlock()
	lo, hi := v.m.Bounds()
	return New(lo, hi, v.rng)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

package vm

import (
	"mizu/errno"
	"mizu/memory"
)

// pinnedPage records one page pinned into a PinnedBuffer, enough to unpin
// it again on Release without re-walking the range map.
type pinnedPage struct {
	phys  *memory.Phys
	index int
}

// PinnedBuffer is a scoped borrow of kernel-visible bytes backing a pinned
// user virtual range: spec.md §4.1's start_commit/push/as_slice/
// as_mut_slice copy-in/copy-out helper, in the shape of biscuit's
// Userbuf_t (biscuit/src/vm/userbuf.go). Rather than returning a literal
// Go slice spanning possibly-discontiguous frames, it copies page by page
// into/out of the caller's buffer — the alternative spec.md §9 explicitly
// recommends over a thread-local fault handler: every page is committed
// (and therefore fault-free) before any byte is touched.
type PinnedBuffer struct {
	v     *Virt
	lo    int
	hi    int
	attr  Attr
	pages []pinnedPage
}

// StartCommit begins a pinned borrow of [lo, hi) under attr, committing the
// whole range up front.
func (v *Virt) StartCommit(lo, hi int, attr Attr) (*PinnedBuffer, errno.Errno) {
	if !aligned(lo) || !aligned(hi) || hi < lo {
		return nil, errno.EINVAL
	}
	pb := &PinnedBuffer{v: v, lo: lo, hi: lo, attr: attr}
	if err := pb.growTo(hi); err != errno.Zero {
		pb.Release()
		return nil, err
	}
	return pb, errno.Zero
}

// Push extends the pinned window to cover the page containing addr,
// committing any newly covered pages, mirroring a copy cursor advancing
// past the buffer's current high-water mark.
func (p *PinnedBuffer) Push(addr int) errno.Errno {
	target := (addr &^ (memory.PageSize - 1)) + memory.PageSize
	return p.growTo(target)
}

func (p *PinnedBuffer) growTo(target int) errno.Errno {
	v := p.v
	v.mu.Lock()
	defer v.mu.Unlock()
	writable := p.attr.Has(Writable)
	for p.hi < target {
		addr := p.hi
		s, _, m, ok := v.m.Lookup(addr)
		if !ok {
			return errno.EFAULT
		}
		index := m.startIndex + (addr-s)/memory.PageSize
		var writeLen *int
		if writable {
			pl := memory.PageSize
			writeLen = &pl
		}
		frame, _, err := m.phys.Commit(index, writeLen, true)
		if err != errno.Zero {
			return err
		}
		v.table[addr] = pte{frame: frame, attr: m.attr | Valid}
		p.pages = append(p.pages, pinnedPage{phys: m.phys, index: index})
		p.hi += memory.PageSize
	}
	return errno.Zero
}

// Lo and Hi report the buffer's current pinned byte range.
func (p *PinnedBuffer) Lo() int { return p.lo }
func (p *PinnedBuffer) Hi() int { return p.hi }

// ReadAt copies len(dst) pinned bytes starting at addr into dst (copy-out
// to a syscall caller).
func (p *PinnedBuffer) ReadAt(addr int, dst []byte) errno.Errno {
	return p.xfer(addr, dst, false)
}

// WriteAt copies src into the pinned range starting at addr (copy-in from
// a syscall caller, or kernel-side population such as stack construction).
// The buffer must have been pinned with Writable.
func (p *PinnedBuffer) WriteAt(addr int, src []byte) errno.Errno {
	if !p.attr.Has(Writable) {
		return errno.EFAULT
	}
	return p.xfer(addr, src, true)
}

func (p *PinnedBuffer) xfer(addr int, buf []byte, write bool) errno.Errno {
	if addr < p.lo || addr+len(buf) > p.hi {
		return errno.ERANGE
	}
	v := p.v
	v.mu.Lock()
	defer v.mu.Unlock()
	total := 0
	for total < len(buf) {
		cur := addr + total
		pageAddr := cur &^ (memory.PageSize - 1)
		inPage := cur - pageAddr
		e, ok := v.table[pageAddr]
		if !ok {
			return errno.EFAULT
		}
		n := memory.PageSize - inPage
		if remaining := len(buf) - total; n > remaining {
			n = remaining
		}
		if write {
			copy(e.frame.Bytes()[inPage:inPage+n], buf[total:total+n])
		} else {
			copy(buf[total:total+n], e.frame.Bytes()[inPage:inPage+n])
		}
		total += n
	}
	return errno.Zero
}

// Release ends the pinned borrow, unpinning every page it committed. The
// underlying mapping is left committed (a later Virt.Decommit is the
// caller's explicit choice); Release only reverses the pins taken by
// StartCommit and Push.
func (p *PinnedBuffer) Release() errno.Errno {
	dirty := p.attr.Has(Writable)
	for _, pg := range p.pages {
		pg.phys.Release(pg.index, dirty)
	}
	p.pages = nil
	return errno.Zero
}

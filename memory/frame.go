// Package memory implements the physical-memory side of the kernel core:
// owned page frames and the page-indexed, lazily materialized,
// optionally parent-backed Phys object with copy-on-write branching,
// ported from mizu's kmem::phys (kmem/src/phys.rs) in the idiom of
// biscuit's mem package (biscuit/src/mem/mem.go).
package memory

import "sync/atomic"

// PageSize is the fixed frame size in bytes.
const PageSize = 4096

// frameAllocated counts frames allocated since start (it is never
// decremented), for tests and diagnostics only.
var frameAllocated int64

// Frame is a fixed-size unit of owned physical memory. It is
// zero-initialized on creation and exposes a mutable byte view into
// kernel-identity space. There is no explicit free: a Frame is reclaimed by
// the garbage collector once its last reference (an Arc-equivalent,
// ordinary Go pointer sharing) drops, which is sufficient here because this
// module has no separate physical address space to reclaim into.
type Frame struct {
	data [PageSize]byte
}

// NewFrame allocates a fresh, zeroed frame.
func NewFrame() *Frame {
	atomic.AddInt64(&frameAllocated, 1)
	return &Frame{}
}

// Bytes returns the frame's full byte slice.
func (f *Frame) Bytes() []byte {
	return f.data[:]
}

// Copy returns a new frame whose first n bytes equal this frame's.
func (f *Frame) Copy(n int) *Frame {
	nf := NewFrame()
	copy(nf.data[:n], f.data[:n])
	return nf
}

// zero is the shared, all-zeros global frame returned for pages that were
// never written, per spec.md §3's "Pages never previously written return
// ZERO" invariant. It must never be mutated.
var zero = &Frame{}

// ZeroFrame returns the shared all-zeros frame.
func ZeroFrame() *Frame {
	return zero
}

// AllocatedFrames reports the number of frames allocated so far (test/debug
// only, mirroring the accounting role of biscuit's Physpg_t refcounts).
func AllocatedFrames() int64 {
	return atomic.LoadInt64(&frameAllocated)
}

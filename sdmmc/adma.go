package sdmmc

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"mizu/errno"
)

// AdmaMaxLen is the largest single ADMA2 descriptor's transfer length; a
// buffer larger than this is split across multiple chained descriptors, per
// the SDHC v4 ADMA2 descriptor table layout imp.rs's dma_table.fill builds.
const AdmaMaxLen = 65536

// ADMA2 64-bit descriptor attribute bits (descriptor is 12 bytes: attr byte,
// one reserved byte, 16-bit length, 32-bit address low, 32-bit address
// high). Act=3 ("Transfer data") is the only descriptor type this driver
// emits; per DESIGN.md's Open Question decision there is no upstream
// adma.rs in the retrieved source to port byte-for-byte, so this follows
// the SDHC v4 spec's descriptor table directly.
const (
	admaValid = 1 << 0
	admaEnd   = 1 << 1
	admaAct3  = 0b11 << 4 // Act1|Act2: "Transfer data" descriptor
)

// DescTable is this port's stand-in for imp.rs's DescTable: since this
// module models physical memory as Go-heap-backed frames rather than a real
// physical address space (see memory.Phys), a descriptor's "address" is a
// synthetic handle into an in-process table rather than a real bus address.
// Fill keeps each descriptor's data as a slice of the caller's own buffer,
// so a simulated device can read or write through the handle and the
// caller's buffer is mutated directly, matching what real ADMA hardware
// would do via a live address but without needing an address space to do
// it in.
type DescTable struct {
	mu     sync.Mutex
	byAddr map[uint64][]byte
	next   uint64
	id     uuid.UUID
}

// NewDescTable allocates an empty descriptor table tagged with a UUID for
// log correlation (SPEC_FULL.md's sdmmc section wires github.com/google/uuid
// here).
func NewDescTable() *DescTable {
	return &DescTable{byAddr: map[uint64][]byte{}, id: uuid.New()}
}

// Fill splits buf into AdmaMaxLen-sized chunks and encodes an ADMA2
// descriptor chain for them, returning the encoded descriptor bytes (ready
// to be handed to the simulated ADMA_SYSTEM_ADDRESS register) and the
// synthetic base handle of the chain's first descriptor.
func (t *DescTable) Fill(buf []byte, isRead bool) ([]byte, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byAddr = map[uint64][]byte{}
	base := t.next

	var out bytes.Buffer
	off := 0
	for off < len(buf) || len(buf) == 0 {
		n := len(buf) - off
		if n > AdmaMaxLen {
			n = AdmaMaxLen
		}
		addr := t.next
		t.next++
		sub := buf[off : off+n]
		t.byAddr[addr] = sub

		attr := byte(admaValid | admaAct3)
		last := off+n >= len(buf)
		if last {
			attr |= admaEnd
		}
		length := uint16(n)
		if n == AdmaMaxLen {
			length = 0 // 0 encodes a full 65536-byte descriptor
		}

		entry := make([]byte, 12)
		entry[0] = attr
		binary.LittleEndian.PutUint16(entry[2:4], length)
		binary.LittleEndian.PutUint32(entry[4:8], uint32(addr))
		binary.LittleEndian.PutUint32(entry[8:12], uint32(addr>>32))
		out.Write(entry)

		off += n
		if len(buf) == 0 {
			break
		}
	}
	log.Debug().Str("table", t.id.String()).Int("len", len(buf)).Bool("read", isRead).Msg("adma fill")
	return out.Bytes(), base
}

// WriteDMA simulates a device's write into the buffer a descriptor handle
// refers to (the data-pipeline's "device produced these bytes" path for a
// read transfer).
func (t *DescTable) WriteDMA(addr uint64, off int, data []byte) errno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	dst, ok := t.byAddr[addr]
	if !ok || off < 0 || off+len(data) > len(dst) {
		return errno.EINVAL
	}
	copy(dst[off:], data)
	return errno.Zero
}

// ReadDMA simulates a device's read from the buffer a descriptor handle
// refers to (the data-pipeline's "device consumes these bytes" path for a
// write transfer).
func (t *DescTable) ReadDMA(addr uint64, off, n int) ([]byte, errno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.byAddr[addr]
	if !ok || off < 0 || off+n > len(src) {
		return nil, errno.EINVAL
	}
	out := make([]byte, n)
	copy(out, src[off:off+n])
	return out, errno.Zero
}

// Extract is the counterpart to imp.rs's dma_table.extract: because Fill
// keeps each descriptor aliased directly onto the caller's buffer, a
// completed read transfer's bytes are already in place by the time
// TRANSFER_COMPLETE fires, so there is nothing left to copy. It exists to
// keep the call site symmetric with the original and as a place a future
// non-aliased backend would hook a real copy-out.
func (t *DescTable) Extract() errno.Errno {
	return errno.Zero
}

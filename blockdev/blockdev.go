// Package blockdev is the minimal byte-addressed I/O contract spec.md §6
// describes as the "block device contract" external collaborator: a single
// capability interface plus one in-memory reference implementation used by
// tests, the Go shape of biscuit's fs.Disk_i (biscuit/src/fs/blk.go).
package blockdev

import (
	"sync"

	"mizu/errno"
)

// Device is a byte-addressable random-access block device: fat32's FAT
// table and cluster-chain file read and write through one of these rather
// than hardcoding an in-memory buffer, mirroring biscuit's Disk_i
// abstraction over its actual AHCI/virtio disk driver. memory.Backend is a
// separate interface that reports its length through StreamLen rather than
// Len, so a Device is not itself a memory.Backend.
type Device interface {
	ReadAt(off int64, p []byte) (int, errno.Errno)
	WriteAt(off int64, p []byte) (int, errno.Errno)
	Flush() errno.Errno
	Len() int64
}

// Memory is an in-memory Device, the reference implementation spec.md's
// test suite and this repo's own package tests run against in place of a
// real disk.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory allocates a zero-filled in-memory device of the given size.
func NewMemory(size int64) *Memory {
	return &Memory{data: make([]byte, size)}
}

func (m *Memory) ReadAt(off int64, p []byte) (int, errno.Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off > int64(len(m.data)) {
		return 0, errno.EINVAL
	}
	n := copy(p, m.data[off:])
	return n, errno.Zero
}

func (m *Memory) WriteAt(off int64, p []byte) (int, errno.Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, errno.EINVAL
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[off:end], p)
	return n, errno.Zero
}

func (m *Memory) Flush() errno.Errno { return errno.Zero }

func (m *Memory) Len() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data))
}

package blockdev

import (
	"bytes"
	"testing"

	"mizu/errno"
)

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	m := NewMemory(512)
	payload := []byte("hello block device")
	if _, err := m.WriteAt(16, payload); err != errno.Zero {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := m.ReadAt(16, got); err != errno.Zero {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestMemoryWriteGrowsBackingStore(t *testing.T) {
	m := NewMemory(4)
	if _, err := m.WriteAt(10, []byte("grown")); err != errno.Zero {
		t.Fatalf("WriteAt: %v", err)
	}
	if m.Len() != 15 {
		t.Fatalf("Len() = %d, want 15", m.Len())
	}
}

func TestMemoryReadNegativeOffsetIsEINVAL(t *testing.T) {
	m := NewMemory(16)
	if _, err := m.ReadAt(-1, make([]byte, 4)); err != errno.EINVAL {
		t.Fatalf("got %v, want EINVAL", err)
	}
}

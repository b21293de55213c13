package fat32

import (
	"encoding/binary"

	"mizu/blockdev"
	"mizu/errno"
)

// entry special raw values, afat32::table::FatEntry::from_raw's masked
// 28-bit comparisons (FAT32 entries are 32 bits wide but only the low 28
// bits are significant).
const (
	clusterMask   = 0x0FFF_FFFF
	badClusterRaw = 0x0FFF_FFF7
	endClusterMin = 0x0FFF_FFF8
	freeCluster   = 0
)

// EntryKind classifies a decoded FAT table entry, afat32::table::FatEntry.
type EntryKind int

const (
	Free EntryKind = iota
	Next
	Bad
	End
)

// Entry is a decoded 32-bit FAT32 table slot. Cluster is only meaningful
// when Kind == Next.
type Entry struct {
	Kind    EntryKind
	Cluster uint32
}

func entryFromRaw(raw uint32) Entry {
	v := raw & clusterMask
	switch {
	case v == freeCluster:
		return Entry{Kind: Free}
	case v == badClusterRaw:
		return Entry{Kind: Bad}
	case v >= endClusterMin:
		return Entry{Kind: End}
	default:
		return Entry{Kind: Next, Cluster: v}
	}
}

func (e Entry) intoRaw() uint32 {
	switch e.Kind {
	case Free:
		return freeCluster
	case Bad:
		return badClusterRaw
	case End:
		return endClusterMin
	default:
		return e.Cluster & clusterMask
	}
}

// Table is the on-disk FAT itself: a flat array of 4-byte entries indexed
// by cluster number, one or more identical mirrors, ported from
// afat32::table::Fat: reads use the first mirror and writes go to every
// mirror (the allocation-search cursor and multi-mirror consistency repair
// this port's SPEC_FULL scope does not require are omitted; see DESIGN.md).
type Table struct {
	dev          blockdev.Device
	startOffset  int64
	clusterCount uint32
	mirrors      uint8
	fatSize      int64 // bytes per mirror
}

// NewTable wraps dev's FAT region: it starts at startOffset, covers
// clusterCount clusters, and is replicated mirrors times back-to-back.
func NewTable(dev blockdev.Device, startOffset int64, clusterCount uint32, mirrors uint8) *Table {
	return &Table{
		dev:          dev,
		startOffset:  startOffset,
		clusterCount: clusterCount,
		mirrors:      mirrors,
		fatSize:      int64(clusterCount) * 4,
	}
}

func (t *Table) offsetOf(cluster uint32) int64 {
	return t.startOffset + int64(cluster)*4
}

// Get reads the table entry for cluster from the first mirror.
func (t *Table) Get(cluster uint32) (Entry, errno.Errno) {
	if cluster >= t.clusterCount {
		return Entry{}, errno.EINVAL
	}
	var buf [4]byte
	if _, err := t.dev.ReadAt(t.offsetOf(cluster), buf[:]); err != errno.Zero {
		return Entry{}, err
	}
	return entryFromRaw(binary.LittleEndian.Uint32(buf[:])), errno.Zero
}

// Set writes entry into every mirror for cluster.
func (t *Table) Set(cluster uint32, entry Entry) errno.Errno {
	if cluster >= t.clusterCount {
		return errno.EINVAL
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], entry.intoRaw())
	for m := uint8(0); m < t.mirrors; m++ {
		off := t.offsetOf(cluster) + int64(m)*t.fatSize
		if _, err := t.dev.WriteAt(off, buf[:]); err != errno.Zero {
			return err
		}
	}
	return errno.Zero
}

// Chain returns the full list of clusters starting at start, following
// Next links until End, Free, or Bad is reached. A Free or Bad link
// mid-chain is treated as a truncated chain and returned as EIO, per
// spec.md §4.5's "EIO on truncated reads" failure semantics.
func (t *Table) Chain(start uint32) ([]uint32, errno.Errno) {
	var clusters []uint32
	cur := start
	for {
		clusters = append(clusters, cur)
		e, err := t.Get(cur)
		if err != errno.Zero {
			return nil, err
		}
		switch e.Kind {
		case End:
			return clusters, errno.Zero
		case Next:
			cur = e.Cluster
		default:
			return nil, errno.EIO
		}
	}
}

// AllocateAfter links cluster free after tail (tail must currently be
// End) and marks free End in turn. The caller chooses free; Table doesn't
// itself scan for one since callers already track a free-cluster cursor
// per afat32::table::Fat.
func (t *Table) AllocateAfter(tail uint32, free uint32) errno.Errno {
	if err := t.Set(free, Entry{Kind: End}); err != errno.Zero {
		return err
	}
	return t.Set(tail, Entry{Kind: Next, Cluster: free})
}

package fat32

import (
	"mizu/blockdev"
	"mizu/errno"
)

// ClusterChain presents the clusters belonging to one file or directory as
// a single byte-addressable region, the Go shape of afat32::file::File's
// combination of a Fat cluster walk and a raw device read/write, generalized
// here into its own type so both File content and Directory content (a
// directory is just a file of 32-byte entries in FAT32) share one
// implementation.
type ClusterChain struct {
	table       *Table
	dev         blockdev.Device
	dataStart   int64 // byte offset of cluster #2 (the first data cluster)
	clusterSize int64
	start       uint32
}

// NewClusterChain builds a chain rooted at startCluster. dataStart is the
// device byte offset of cluster number 2 (FAT32 numbers the first two
// cluster slots as reserved), matching afat32::fs::FileSystem's
// offset_from_cluster.
func NewClusterChain(table *Table, dev blockdev.Device, dataStart int64, clusterSize int64, startCluster uint32) *ClusterChain {
	return &ClusterChain{table: table, dev: dev, dataStart: dataStart, clusterSize: clusterSize, start: startCluster}
}

func (c *ClusterChain) offsetOfCluster(cluster uint32) int64 {
	return c.dataStart + int64(cluster-2)*c.clusterSize
}

// ReadAt reads len(p) bytes starting at logical offset off within the
// chain, spanning cluster boundaries transparently. A short read at the
// end of the chain returns the partial count with errno.Zero, matching
// blockdev.Device's own short-read convention; a gap caused by a broken
// chain link surfaces as EIO per spec.md §4.5.
func (c *ClusterChain) ReadAt(off int64, p []byte) (int, errno.Errno) {
	if off < 0 {
		return 0, errno.EINVAL
	}
	clusters, err := c.table.Chain(c.start)
	if err != errno.Zero {
		return 0, err
	}
	total := 0
	for len(p) > 0 {
		idx := off / c.clusterSize
		if idx >= int64(len(clusters)) {
			return total, errno.Zero
		}
		inCluster := off % c.clusterSize
		n := c.clusterSize - inCluster
		if int64(len(p)) < n {
			n = int64(len(p))
		}
		devOff := c.offsetOfCluster(clusters[idx]) + inCluster
		got, err := c.dev.ReadAt(devOff, p[:n])
		if err != errno.Zero {
			return total, err
		}
		total += got
		off += int64(got)
		p = p[got:]
		if int64(got) < n {
			return total, errno.Zero
		}
	}
	return total, errno.Zero
}

// WriteAt writes p into the chain starting at logical offset off. It does
// not grow the chain; callers needing more clusters than the chain
// currently has must extend it first via Table.AllocateAfter, mirroring
// afat32::file::File::write's separate "flush length, then maybe extend"
// steps, which this minimal port does not otherwise replicate (see
// DESIGN.md for the scope cut).
func (c *ClusterChain) WriteAt(off int64, p []byte) (int, errno.Errno) {
	if off < 0 {
		return 0, errno.EINVAL
	}
	clusters, err := c.table.Chain(c.start)
	if err != errno.Zero {
		return 0, err
	}
	total := 0
	for len(p) > 0 {
		idx := off / c.clusterSize
		if idx >= int64(len(clusters)) {
			return total, errno.ENOSPC
		}
		inCluster := off % c.clusterSize
		n := c.clusterSize - inCluster
		if int64(len(p)) < n {
			n = int64(len(p))
		}
		devOff := c.offsetOfCluster(clusters[idx]) + inCluster
		put, err := c.dev.WriteAt(devOff, p[:n])
		if err != errno.Zero {
			return total, err
		}
		total += put
		off += int64(put)
		p = p[put:]
	}
	return total, errno.Zero
}

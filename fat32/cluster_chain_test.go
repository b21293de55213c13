package fat32

import (
	"bytes"
	"testing"

	"mizu/blockdev"
	"mizu/errno"
)

func TestClusterChainReadWriteSpansClusters(t *testing.T) {
	const clusterSize = 16
	clusterCount := uint32(5)
	fatBytes := int64(clusterCount) * 4
	dev := blockdev.NewMemory(fatBytes + int64(clusterCount)*clusterSize)
	tbl := NewTable(dev, 0, clusterCount, 1)
	tbl.Set(2, Entry{Kind: Next, Cluster: 3})
	tbl.Set(3, Entry{Kind: End})

	chain := NewClusterChain(tbl, dev, fatBytes, clusterSize, 2)
	payload := bytes.Repeat([]byte{0xAB}, 24) // spans both clusters
	if _, err := chain.WriteAt(4, payload); err != errno.Zero {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 24)
	if _, err := chain.ReadAt(4, got); err != errno.Zero {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestClusterChainWriteBeyondChainIsENOSPC(t *testing.T) {
	const clusterSize = 16
	clusterCount := uint32(3)
	fatBytes := int64(clusterCount) * 4
	dev := blockdev.NewMemory(fatBytes + int64(clusterCount)*clusterSize)
	tbl := NewTable(dev, 0, clusterCount, 1)
	tbl.Set(2, Entry{Kind: End})

	chain := NewClusterChain(tbl, dev, fatBytes, clusterSize, 2)
	if _, err := chain.WriteAt(0, make([]byte, clusterSize+1)); err != errno.ENOSPC {
		t.Fatalf("got %v, want ENOSPC", err)
	}
}

package fat32

import (
	"testing"

	"mizu/blockdev"
	"mizu/errno"
)

func TestTableGetSetRoundTrip(t *testing.T) {
	dev := blockdev.NewMemory(4096)
	tbl := NewTable(dev, 0, 100, 1)

	if err := tbl.Set(5, Entry{Kind: Next, Cluster: 9}); err != errno.Zero {
		t.Fatalf("Set: %v", err)
	}
	got, err := tbl.Get(5)
	if err != errno.Zero {
		t.Fatalf("Get: %v", err)
	}
	if got.Kind != Next || got.Cluster != 9 {
		t.Fatalf("got %+v, want Next(9)", got)
	}
}

func TestTableSetWritesAllMirrors(t *testing.T) {
	dev := blockdev.NewMemory(8192)
	tbl := NewTable(dev, 0, 100, 2)

	if err := tbl.Set(5, Entry{Kind: End}); err != errno.Zero {
		t.Fatalf("Set: %v", err)
	}
	mirrorTbl := NewTable(dev, tbl.fatSize, 100, 1)
	got, err := mirrorTbl.Get(5)
	if err != errno.Zero {
		t.Fatalf("Get mirror: %v", err)
	}
	if got.Kind != End {
		t.Fatalf("mirror got %+v, want End", got)
	}
}

func TestTableChainFollowsLinksToEnd(t *testing.T) {
	dev := blockdev.NewMemory(4096)
	tbl := NewTable(dev, 0, 100, 1)
	tbl.Set(2, Entry{Kind: Next, Cluster: 3})
	tbl.Set(3, Entry{Kind: Next, Cluster: 4})
	tbl.Set(4, Entry{Kind: End})

	chain, err := tbl.Chain(2)
	if err != errno.Zero {
		t.Fatalf("Chain: %v", err)
	}
	want := []uint32{2, 3, 4}
	if len(chain) != len(want) {
		t.Fatalf("got %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("got %v, want %v", chain, want)
		}
	}
}

func TestTableChainBrokenLinkIsEIO(t *testing.T) {
	dev := blockdev.NewMemory(4096)
	tbl := NewTable(dev, 0, 100, 1)
	tbl.Set(2, Entry{Kind: Next, Cluster: 3})
	// cluster 3 left Free: a broken chain.

	if _, err := tbl.Chain(2); err != errno.EIO {
		t.Fatalf("got %v, want EIO", err)
	}
}

func TestTableAllocateAfterExtendsChain(t *testing.T) {
	dev := blockdev.NewMemory(4096)
	tbl := NewTable(dev, 0, 100, 1)
	tbl.Set(2, Entry{Kind: End})

	if err := tbl.AllocateAfter(2, 7); err != errno.Zero {
		t.Fatalf("AllocateAfter: %v", err)
	}
	chain, err := tbl.Chain(2)
	if err != errno.Zero {
		t.Fatalf("Chain: %v", err)
	}
	if len(chain) != 2 || chain[1] != 7 {
		t.Fatalf("got %v, want [2 7]", chain)
	}
}

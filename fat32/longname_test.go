package fat32

import "testing"

func TestValidateLongNameRejectsEmpty(t *testing.T) {
	if err := ValidateLongName(""); err == 0 {
		t.Fatal("expected error for empty name")
	}
}

func TestValidateLongNameRejectsDisallowedChar(t *testing.T) {
	if err := ValidateLongName("foo/bar"); err == 0 {
		t.Fatal("expected error for name containing '/'")
	}
}

func TestValidateLongNameAcceptsPlainName(t *testing.T) {
	if err := ValidateLongName("readme.txt"); err != 0 {
		t.Fatalf("unexpected error: %v", err)
	}
}

type fakeExisting map[[sfnSize]byte]bool

func (f fakeExisting) Contains(raw [sfnSize]byte) bool { return f[raw] }

func TestGenerateShortNamePlainFitsVerbatim(t *testing.T) {
	raw, err := GenerateShortName("readme.txt", fakeExisting{})
	if err != 0 {
		t.Fatalf("unexpected error: %v", err)
	}
	want := NewShortName(raw)
	if want.String() != "README.TXT" {
		t.Fatalf("got %q, want README.TXT", want.String())
	}
}

func TestGenerateShortNameLongPrefixCollision(t *testing.T) {
	existing := fakeExisting{}
	first, err := GenerateShortName("verylongname.txt", existing)
	if err != 0 {
		t.Fatalf("unexpected error: %v", err)
	}
	existing[first] = true

	second, err := GenerateShortName("verylongname.txt", existing)
	if err != 0 {
		t.Fatalf("unexpected error: %v", err)
	}
	if second == first {
		t.Fatal("expected a distinct short name on collision")
	}
	sn := NewShortName(second)
	if sn.String() != "VERYLO~2.TXT" {
		t.Fatalf("got %q, want VERYLO~2.TXT", sn.String())
	}
}

func TestChunkLongNamePadsShortName(t *testing.T) {
	chunks := chunkLongName("hi")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0][0] != 'h' || chunks[0][1] != 'i' || chunks[0][2] != 0x0000 || chunks[0][3] != 0xFFFF {
		t.Fatalf("unexpected chunk layout: %v", chunks[0])
	}
}

func TestChunkLongNameSpansMultipleEntries(t *testing.T) {
	name := "abcdefghijklmnop" // 16 units, > 13
	chunks := chunkLongName(name)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
}

func TestBuildLfnEntriesOrderingAndFlag(t *testing.T) {
	short := [sfnSize]byte{'A', 'B', 'C', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	entries := BuildLfnEntries("abcdefghijklmnop", short)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Order&lfnEntryLastFlag == 0 {
		t.Fatal("first written entry must carry the last-entry flag")
	}
	if entries[0].Order&^lfnEntryLastFlag != 2 {
		t.Fatalf("first entry order = %d, want 2", entries[0].Order&^lfnEntryLastFlag)
	}
	if entries[1].Order != 1 {
		t.Fatalf("second entry order = %d, want 1", entries[1].Order)
	}
	checksum := shortNameChecksum(short)
	for _, e := range entries {
		if e.Checksum != checksum {
			t.Fatalf("entry checksum = %#x, want %#x", e.Checksum, checksum)
		}
	}
}

package task

import (
	"bytes"
	"testing"

	"mizu/errno"
)

func TestProfileIncludesRegisteredTask(t *testing.T) {
	parent := NewTask(nil, "/bin/init")
	Register(parent)
	defer Unregister(parent.Tid)

	p := Profile()
	found := false
	for _, s := range p.Sample {
		if tids, ok := s.Label["tid"]; ok && len(tids) == 1 && tids[0] == itoa(parent.Tid) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a sample labeled with the registered task's tid")
	}
}

func TestWriteProfileProducesNonEmptyOutput(t *testing.T) {
	parent := NewTask(nil, "/bin/init")
	Register(parent)
	defer Unregister(parent.Tid)

	var buf bytes.Buffer
	if err := WriteProfile(&buf); err != errno.Zero {
		t.Fatalf("WriteProfile: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty serialized profile")
	}
}

func TestItoa(t *testing.T) {
	cases := map[int]string{0: "0", 7: "7", 42: "42", -5: "-5"}
	for n, want := range cases {
		if got := itoa(n); got != want {
			t.Fatalf("itoa(%d) = %q, want %q", n, got, want)
		}
	}
}

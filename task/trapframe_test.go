package task

import "testing"

func TestNewTrapFrame(t *testing.T) {
	tf := NewTrapFrame(0x1000, 0x7fff0000, 42)

	if tf.Sepc != 0x1000 {
		t.Fatalf("sepc = %#x, want 0x1000", tf.Sepc)
	}
	if tf.SP() != 0x7fff0000 {
		t.Fatalf("sp = %#x, want 0x7fff0000", tf.SP())
	}
	if tf.GP() != 0x1000 {
		t.Fatalf("gp = %#x, want entry 0x1000", tf.GP())
	}
	if tf.A0() != 42 {
		t.Fatalf("a0 = %d, want 42", tf.A0())
	}
	if tf.Sstatus&sstatusSPIE == 0 {
		t.Fatal("expected SPIE set")
	}
	if tf.Sstatus&sstatusSUM == 0 {
		t.Fatal("expected SUM set")
	}
	if tf.Sstatus&sstatusFSInit == 0 {
		t.Fatal("expected FS=Initial")
	}
	if tf.Sstatus&sstatusSPPField != 0 {
		t.Fatal("expected SPP cleared (user mode)")
	}
}

func TestSetSyscallRet(t *testing.T) {
	tf := NewTrapFrame(0, 0, 99)
	tf.SetSyscallRet(0)
	if tf.A0() != 0 {
		t.Fatalf("a0 = %d, want 0", tf.A0())
	}
}

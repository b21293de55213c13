package task

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"mizu/errno"
	"mizu/memory"
	"mizu/vm"
)

// buildStaticELF assembles a minimal, valid 64-bit little-endian ET_EXEC
// image with a single RWX PT_LOAD segment covering code+data, enough for
// debug/elf and LoadELF to parse without a real toolchain-produced binary.
func buildStaticELF(t *testing.T, vaddr uint64, code []byte) []byte {
	t.Helper()

	const ehsize = 64
	const phentsize = 56
	phoff := uint64(ehsize)
	// mapSegment requires off%PageSize == vaddr%PageSize; since every test
	// vaddr here is page-aligned, the segment's file data must start at a
	// page boundary too.
	dataOff := uint64(memory.PageSize)

	var buf bytes.Buffer
	h := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     vaddr,
		Phoff:     phoff,
		Shoff:     0,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
		Shentsize: 0,
		Shnum:     0,
		Shstrndx:  0,
	}
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatalf("write header: %v", err)
	}

	ph := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    dataOff,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(code)),
		Memsz:  uint64(len(code)),
		Align:  memory.PageSize,
	}
	if err := binary.Write(&buf, binary.LittleEndian, &ph); err != nil {
		t.Fatalf("write phdr: %v", err)
	}
	buf.Write(make([]byte, int(dataOff)-buf.Len()))
	buf.Write(code)

	return buf.Bytes()
}

func newTestVirt() *vm.Virt {
	return vm.New(0, 1<<32, seqRng{})
}

func TestLoadELFStaticEntry(t *testing.T) {
	vaddr := uint64(0x10000)
	code := bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 4) // a few RISC-V NOPs
	img := buildStaticELF(t, vaddr, code)

	phys := memory.NewAnon(true)
	if _, err := phys.WriteAt(0, img); err != errno.Zero {
		t.Fatalf("WriteAt: %v", err)
	}

	v := newTestVirt()
	loaded, err := LoadELF(phys, nil, v)
	if err != errno.Zero {
		t.Fatalf("LoadELF: %v", err)
	}
	if loaded.IsDyn {
		t.Fatal("ET_EXEC should not be reported as dynamic")
	}
	if loaded.Entry != int(vaddr) {
		t.Fatalf("entry = %#x, want %#x (static executables map 1:1)", loaded.Entry, vaddr)
	}
	if loaded.RangeLo != int(vaddr)&^(memory.PageSize-1) {
		t.Fatalf("range lo = %#x", loaded.RangeLo)
	}
}

func TestLoadELFRejectsNonCOWPhys(t *testing.T) {
	phys := memory.NewAnon(false)
	v := newTestVirt()
	if _, err := LoadELF(phys, nil, v); err != errno.ENOSYS {
		t.Fatalf("got %v, want ENOSYS for a non-COW image", err)
	}
}

func TestLoadELFRejectsWrongClass(t *testing.T) {
	phys := memory.NewAnon(true)
	bad := make([]byte, 64)
	bad[0], bad[1], bad[2], bad[3] = 0x7f, 'E', 'L', 'F'
	bad[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	if _, err := phys.WriteAt(0, bad); err != errno.Zero {
		t.Fatalf("WriteAt: %v", err)
	}
	v := newTestVirt()
	if _, err := LoadELF(phys, nil, v); err != errno.ENOSYS {
		t.Fatalf("got %v, want ENOSYS for a 32-bit image", err)
	}
}

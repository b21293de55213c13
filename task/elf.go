package task

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"mizu/errno"
	"mizu/memory"
	"mizu/vm"
)

const pageMask = memory.PageSize - 1

// physReaderAt adapts a memory.Phys to io.ReaderAt so the standard
// library's debug/elf package — the same one biscuit's own chentry tool
// uses to inspect ELF headers (biscuit/src/kernel/chentry.go) — can parse
// an executable image directly out of a Phys, with no intermediate file.
type physReaderAt struct{ phys *memory.Phys }

func (r physReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.phys.ReadAt(off, p)
	if err != errno.Zero {
		return n, err
	}
	return n, nil
}

// ProgramHeader is the subset of an ELF64 program header spec.md's
// LoadedElf.Dynamic/TLS fields need.
type ProgramHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    int64
	Vaddr  int
	Filesz int
	Memsz  int
}

func toProgramHeader(p *elf.Prog) *ProgramHeader {
	return &ProgramHeader{
		Type:   p.Type,
		Flags:  p.Flags,
		Off:    int64(p.Off),
		Vaddr:  int(p.Vaddr),
		Filesz: int(p.Filesz),
		Memsz:  int(p.Memsz),
	}
}

// StackSpec is the PT_GNU_STACK hint: requested size (0 means "use the
// default") and permission attr.
type StackSpec struct {
	Size int
	Attr vm.Attr
}

// LoadedElf is the result of LoadELF, matching spec.md §3/§4.3's
// LoadedElf{entry, range, stack, sym_len, ...}.
type LoadedElf struct {
	IsDyn     bool
	RangeLo   int
	RangeHi   int
	Entry     int
	Stack     *StackSpec
	Dynamic   *ProgramHeader
	TLS       *ProgramHeader
	SymLen    int
	PHOff     int
	PHEntSize int
	PHNum     int
}

func parseAttr(flags elf.ProgFlag) vm.Attr {
	a := vm.User
	if flags&elf.PF_R != 0 {
		a |= vm.Readable
	}
	if flags&elf.PF_W != 0 {
		a |= vm.Writable
	}
	if flags&elf.PF_X != 0 {
		a |= vm.Executable
	}
	return a
}

// header64 mirrors elf.Header64's layout; read directly so LoadELF has
// e_phoff/e_phentsize/e_phnum without debug/elf's File discarding them.
type header64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

func readHeader(phys *memory.Phys) (header64, errno.Errno) {
	var h header64
	buf := make([]byte, binary.Size(h))
	if _, err := phys.ReadAt(0, buf); err != errno.Zero {
		return h, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return h, errno.ENOEXEC
	}
	return h, errno.Zero
}

func loadRange(progs []*elf.Prog) (lo, hi int) {
	lo, hi = int(^uint(0)>>1), 0
	for _, p := range progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		base := int(p.Vaddr)
		size := int(p.Memsz)
		if base < lo {
			lo = base
		}
		if base+size > hi {
			hi = base + size
		}
	}
	return lo, hi
}

// mapSegment installs one PT_LOAD segment's mappings, per spec.md §4.3:
// a COW file-backed window for the page-aligned file-backed portion, plus
// an anonymous Phys pre-filled from the BSS-adjacent file tail for the
// portion beyond file_size, ported from elf::map_segment
// (kernel/src/task/elf.rs).
func mapSegment(p *elf.Prog, phys *memory.Phys, v *vm.Virt, base int) errno.Errno {
	memSize := int(p.Memsz)
	fileSize := int(p.Filesz)
	offset := int(p.Off)
	address := int(p.Vaddr)

	if offset&pageMask != address&pageMask {
		return errno.ENOSYS
	}

	fileEnd := (offset + fileSize) &^ pageMask
	dataEnd := offset + fileSize
	memoryEnd := (offset + memSize + pageMask) &^ pageMask
	alignedOffset := offset &^ pageMask
	alignedAddress := address &^ pageMask
	alignedFileSize := fileEnd - alignedOffset
	alignedCopySize := dataEnd - fileEnd
	alignedAllocSize := memoryEnd - fileEnd
	if alignedAllocSize < 0 {
		alignedAllocSize = 0
	}

	attr := parseAttr(p.Flags)

	if alignedFileSize > 0 {
		addr := base + alignedAddress
		if _, err := v.Map(&addr, phys, alignedOffset/memory.PageSize, alignedFileSize/memory.PageSize, attr); err != errno.Zero {
			return err
		}
	}

	if alignedAllocSize > 0 {
		anonAddr := alignedAddress + alignedFileSize
		mem := memory.NewAnon(false)
		if alignedCopySize > 0 {
			cdata := make([]byte, alignedCopySize)
			if _, err := phys.ReadAt(int64(fileEnd), cdata); err != errno.Zero {
				return err
			}
			if _, err := mem.WriteAt(0, cdata); err != errno.Zero {
				return err
			}
		}
		addr := base + anonAddr
		if _, err := v.Map(&addr, mem, 0, alignedAllocSize/memory.PageSize, attr); err != errno.Zero {
			return err
		}
	}
	return errno.Zero
}

// getInterp reads phys's PT_INTERP segment, if present, as a NUL-terminated
// path string, per elf::get_interp.
func getInterp(phys *memory.Phys) (path string, present bool, err errno.Errno) {
	f, ferr := elf.NewFile(physReaderAt{phys})
	if ferr != nil {
		return "", false, errno.ENOEXEC
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_INTERP {
			continue
		}
		buf := make([]byte, p.Filesz)
		if len(buf) == 0 {
			return "", true, errno.Zero
		}
		if _, rerr := phys.ReadAt(int64(p.Off), buf); rerr != errno.Zero {
			return "", false, rerr
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			buf = buf[:i]
		}
		return string(buf), true, errno.Zero
	}
	return "", false, errno.Zero
}

// LoadELF parses phys as a 64-bit little-endian ELF (ET_EXEC or ET_DYN),
// maps its PT_LOAD segments into v, and returns the resulting layout, per
// spec.md §4.3. forceDyn, if non-nil, requires (true) or forbids (false)
// ET_DYN. phys must be COW, matching the original's invariant that an
// executable image is always loaded copy-on-write.
func LoadELF(phys *memory.Phys, forceDyn *bool, v *vm.Virt) (*LoadedElf, errno.Errno) {
	if !phys.IsCOW() {
		return nil, errno.ENOSYS
	}

	h, herr := readHeader(phys)
	if herr != errno.Zero {
		return nil, herr
	}
	if h.Ident[elf.EI_CLASS] != byte(elf.ELFCLASS64) {
		return nil, errno.ENOSYS
	}
	if h.Ident[elf.EI_DATA] != byte(elf.ELFDATA2LSB) {
		return nil, errno.ENOSYS
	}
	etype := elf.Type(h.Type)
	isDyn := etype == elf.ET_DYN
	switch {
	case forceDyn != nil && *forceDyn && etype != elf.ET_DYN:
		return nil, errno.ENOSYS
	case forceDyn != nil && !*forceDyn && etype != elf.ET_EXEC:
		return nil, errno.ENOSYS
	case forceDyn == nil && etype != elf.ET_EXEC && etype != elf.ET_DYN:
		return nil, errno.ENOSYS
	}

	f, ferr := elf.NewFile(physReaderAt{phys})
	if ferr != nil {
		return nil, errno.ENOEXEC
	}

	lo, hi := loadRange(f.Progs)
	if hi <= lo {
		return nil, errno.ENOEXEC
	}
	count := (hi - lo + pageMask) / memory.PageSize

	var start *int
	if !isDyn {
		lo := lo
		start = &lo
	}
	base, err := v.FindFree(start, count)
	if err != errno.Zero {
		return nil, err
	}

	offsetBase := 0
	if isDyn {
		offsetBase = base
	}
	entry := offsetBase + int(h.Entry)

	var stack *StackSpec
	var dyn, tls *ProgramHeader
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if err := mapSegment(p, phys, v, offsetBase); err != errno.Zero {
				return nil, err
			}
		case elf.PT_GNU_STACK:
			stack = &StackSpec{Size: int(p.Memsz), Attr: parseAttr(p.Flags)}
		case elf.PT_DYNAMIC:
			dyn = toProgramHeader(p)
		case elf.PT_TLS:
			tls = toProgramHeader(p)
		}
	}

	symLen := 0
	for _, s := range f.Sections {
		if s.Type == elf.SHT_DYNSYM && s.Entsize != 0 {
			symLen = int(s.Size / s.Entsize)
			break
		}
	}

	log.Debug().Int("entry", entry).Bool("dynamic", isDyn).Msg("task.LoadELF")

	return &LoadedElf{
		IsDyn:     isDyn,
		RangeLo:   base,
		RangeHi:   base + (hi - lo),
		Entry:     entry,
		Stack:     stack,
		Dynamic:   dyn,
		TLS:       tls,
		SymLen:    symLen,
		PHOff:     base + int(h.Phoff),
		PHEntSize: int(h.Phentsize),
		PHNum:     int(h.Phnum),
	}, errno.Zero
}

// OpenInterp resolves an interpreter path to a fresh COW Phys, the
// external collaborator LoadExecutable calls to re-load a PT_INTERP
// target (the filesystem-open side is out of this core's scope).
type OpenInterp func(path string) (*memory.Phys, errno.Errno)

// LoadExecutable implements spec.md §4.3's "If PT_INTERP is present"
// rule: when phys carries an interpreter, the interpreter is loaded in
// phys's place and argv is rewritten to `[interp, "--library-path=/",
// original args...]`; otherwise phys itself is loaded and must not be
// ET_DYN without an interpreter, per elf.rs/cmd.rs's InitTask::from_elf.
func LoadExecutable(phys *memory.Phys, open OpenInterp, v *vm.Virt, args []string) (*LoadedElf, []string, errno.Errno) {
	interp, present, err := getInterp(phys)
	if err != errno.Zero {
		return nil, nil, err
	}
	if present {
		if open == nil {
			return nil, nil, errno.ENOSYS
		}
		interpPhys, err := open(interp)
		if err != errno.Zero {
			return nil, nil, err
		}
		loaded, err := LoadELF(interpPhys, nil, v)
		if err != errno.Zero {
			return nil, nil, err
		}
		newArgs := append([]string{interp, "--library-path=/"}, args...)
		return loaded, newArgs, errno.Zero
	}

	loaded, err := LoadELF(phys, nil, v)
	if err != errno.Zero {
		return nil, nil, err
	}
	if loaded.IsDyn {
		return nil, nil, errno.ENOSYS
	}
	return loaded, args, errno.Zero
}

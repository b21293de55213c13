package task

import (
	"crypto/rand"
	"encoding/binary"

	"mizu/errno"
	"mizu/memory"
	"mizu/vm"
)

// Default stack geometry used when an ELF carries no PT_GNU_STACK hint (or
// one with size 0), grounded on the DEFAULT_STACK_SIZE/DEFAULT_STACK_ATTR
// constants task/cmd.rs references but does not itself define locally.
const (
	DefaultStackSize = 8 << 20
	DefaultStackAttr = vm.Readable | vm.Writable | vm.User
)

// AUXV key constants, per spec.md §4.3's required minimum set.
const (
	AtPagesz = 6
	AtBase   = 7
	AtPhdr   = 3
	AtPhent  = 4
	AtPhnum  = 5
	AtRandom = 25
	AtNull   = 0
)

// auxEntry is one (key, value) pair of the AUX vector. The sentinel
// randomSentinel marks a value that population time replaces with the
// real address of the 16 random bytes (spec.md §9: "an implementation
// convention, not a contract"; kept for fidelity to cmd.rs's 0xdeadbeef).
type auxEntry struct {
	Key uint64
	Val uint64
}

const randomSentinel = 0xdeadbeef

// BuildStack allocates and populates a new user stack for a freshly loaded
// executable, per spec.md §4.3's exact top-down layout. It returns the
// final stack pointer (argc's address).
//
// Layout, populated top-down into a fresh stack_size+1 page anonymous
// Phys (the first page reprotected read-only as a guard):
//
//	[ argc ][ argv.. NULL ][ envp.. NULL ][ auxv.. {0,0} ]
//	[ 16 random bytes ][ arg strings ][ env strings ]
func BuildStack(v *vm.Virt, stack *StackSpec, args, envs []string, auxv []auxEntry) (int, errno.Errno) {
	size, attr := DefaultStackSize, vm.Attr(DefaultStackAttr)
	if stack != nil && stack.Size != 0 {
		size, attr = stack.Size, stack.Attr
	}
	size = (size + memory.PageSize - 1) &^ (memory.PageSize - 1)

	phys := memory.NewAnon(true)
	addr, err := v.Map(nil, phys, 0, size/memory.PageSize+1, attr)
	if err != errno.Zero {
		return 0, err
	}
	if err := v.Reprotect(addr, addr+memory.PageSize, attr&^vm.Writable); err != errno.Zero {
		return 0, err
	}

	top := addr + memory.PageSize + size
	return populateArgs(v, top, args, envs, auxv)
}

func populateArgs(v *vm.Virt, top int, args, envs []string, auxv []auxEntry) (int, errno.Errno) {
	const wordSize = 8

	argcLen := wordSize
	argvLen := wordSize * (len(args) + 1)
	envpLen := wordSize * (len(envs) + 1)
	auxvLen := wordSize * (len(auxv)*2 + 2)
	randLen := 16
	argsLen, envsLen := 0, 0
	for _, a := range args {
		argsLen += len(a) + 1
	}
	for _, e := range envs {
		envsLen += len(e) + 1
	}

	total := argcLen + argvLen + envpLen + auxvLen + randLen + argsLen + envsLen
	ret := (top - total) &^ 7

	loPage := ret &^ (memory.PageSize - 1)
	hiPage := (top + memory.PageSize - 1) &^ (memory.PageSize - 1)
	pb, err := v.StartCommit(loPage, hiPage, vm.Writable|vm.Readable|vm.User)
	if err != errno.Zero {
		return 0, err
	}
	defer pb.Release()

	argcAddr := ret
	argvAddr := argcAddr + argcLen
	envpAddr := argvAddr + argvLen
	auxvAddr := envpAddr + envpLen
	randAddr := auxvAddr + auxvLen
	argsAddr := randAddr + randLen
	envsAddr := argsAddr + argsLen

	if err := putUint64(pb, argcAddr, uint64(len(args))); err != errno.Zero {
		return 0, err
	}

	strPos := argsAddr
	for i, arg := range args {
		if err := putUint64(pb, argvAddr+i*wordSize, uint64(strPos)); err != errno.Zero {
			return 0, err
		}
		if err := pb.WriteAt(strPos, append([]byte(arg), 0)); err != errno.Zero {
			return 0, err
		}
		strPos += len(arg) + 1
	}
	if err := putUint64(pb, argvAddr+len(args)*wordSize, 0); err != errno.Zero {
		return 0, err
	}

	strPos = envsAddr
	for i, e := range envs {
		if err := putUint64(pb, envpAddr+i*wordSize, uint64(strPos)); err != errno.Zero {
			return 0, err
		}
		if err := pb.WriteAt(strPos, append([]byte(e), 0)); err != errno.Zero {
			return 0, err
		}
		strPos += len(e) + 1
	}
	if err := putUint64(pb, envpAddr+len(envs)*wordSize, 0); err != errno.Zero {
		return 0, err
	}

	for i, a := range auxv {
		val := a.Val
		if val == randomSentinel {
			val = uint64(randAddr)
		}
		off := auxvAddr + i*2*wordSize
		if err := putUint64(pb, off, a.Key); err != errno.Zero {
			return 0, err
		}
		if err := putUint64(pb, off+wordSize, val); err != errno.Zero {
			return 0, err
		}
	}
	termOff := auxvAddr + len(auxv)*2*wordSize
	if err := putUint64(pb, termOff, AtNull); err != errno.Zero {
		return 0, err
	}
	if err := putUint64(pb, termOff+wordSize, 0); err != errno.Zero {
		return 0, err
	}

	randBytes := make([]byte, 16)
	_, _ = rand.Read(randBytes)
	if err := pb.WriteAt(randAddr, randBytes); err != errno.Zero {
		return 0, err
	}

	return ret, errno.Zero
}

func putUint64(pb *vm.PinnedBuffer, addr int, v uint64) errno.Errno {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return pb.WriteAt(addr, buf[:])
}

// DefaultAuxv builds the minimum AUX vector spec.md §4.3 requires for a
// just-loaded executable.
func DefaultAuxv(loaded *LoadedElf) []auxEntry {
	return []auxEntry{
		{AtPagesz, memory.PageSize},
		{AtRandom, randomSentinel},
		{AtBase, uint64(loaded.RangeLo)},
		{AtPhdr, uint64(loaded.PHOff)},
		{AtPhent, uint64(loaded.PHEntSize)},
		{AtPhnum, uint64(loaded.PHNum)},
	}
}

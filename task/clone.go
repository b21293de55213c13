package task

import (
	"mizu/errno"
	"mizu/vm"
)

// Clone flags, matching Linux's clone(2) bitmask (sygnal/task::syscall's
// CloneFlags) plus the CSIGNAL low byte selecting the child's exit signal.
const (
	CloneCSignalMask   = 0xff
	CloneVM            = 0x100
	CloneFS            = 0x200
	CloneFiles         = 0x400
	CloneSighand       = 0x800
	CloneParent        = 0x8000
	CloneSetTLS        = 0x80000
	CloneParentSetTID  = 0x100000
	CloneChildSetTID   = 0x1000000
	CloneChildClearTID = 0x200000
)

// CloneArgs is the decoded argument set of a clone syscall, matching
// task::syscall::clone_task's parameters (kernel/src/task/syscall.rs).
type CloneArgs struct {
	Flags     uint64
	Stack     *uint64 // child's sp if given; nil means "same sp as parent"
	ParentTid *int    // user address to receive the child's tid (CLONE_PARENT_SETTID)
	ChildTid  *int    // user address to receive the child's tid, written in the child (CLONE_CHILD_SETTID)
	ClearTid  *int    // user address cleared on child exit (CLONE_CHILD_CLEARTID)
	TLS       *uint64 // child's tp value (CLONE_SETTLS)
}

// ExitSignal decodes the exit signal clone's low 8 bits select, defaulting
// to SIGCHLD per spec.md §4.3's "Clone flags" table.
func (a CloneArgs) ExitSignal() int {
	sig := int(a.Flags & CloneCSignalMask)
	if sig == 0 {
		return SIGCHLD
	}
	return sig
}

// CloneWriter is the external collaborator that actually writes a value
// into a task's user address space, used for the *_SETTID/CLEARTID pointer
// writes clone_task performs after building the child (the syscall layer,
// which owns the page-write primitive, is out of this core's scope; see
// spec.md §1).
type CloneWriter func(v *vm.Virt, addr int, value uint64) errno.Errno

// Clone implements task::syscall::clone_task: it builds a new Task sharing
// or copying virt/files/sig-actions per flags, derives the child's trap
// frame from the parent's, and wires parent/child bookkeeping, returning
// the new Task, its TaskState, and its TrapFrame ready to be scheduled.
func Clone(parent *Task, ps *TaskState, ptf *TrapFrame, args CloneArgs, write CloneWriter) (*Task, *TaskState, *TrapFrame, errno.Errno) {
	effectiveParent := parent
	if args.Flags&CloneParent != 0 {
		if p := parent.Parent(); p != nil {
			effectiveParent = p
		}
	}

	childVirt := ps.Virt
	if args.Flags&CloneVM == 0 {
		childVirt = ps.Virt.DeepFork(true)
	}

	var childFiles Files
	if ps.Files != nil {
		childFiles = ps.Files.DeepFork(args.Flags&CloneFS != 0, args.Flags&CloneFiles != 0)
	}

	var childSigActions SigActions
	if args.Flags&CloneSighand != 0 {
		childSigActions = ps.SigActions
	} else if ps.SigActions != nil {
		childSigActions = ps.SigActions.DeepFork()
	}

	childTF := *ptf
	childTF.SetSyscallRet(0)
	if args.Stack != nil {
		childTF.SetSP(*args.Stack)
	}
	if args.Flags&CloneSetTLS != 0 && args.TLS != nil {
		childTF.SetTP(*args.TLS)
	}

	t := NewTask(effectiveParent, parent.Executable())
	exitSig := args.ExitSignal()
	ts := &TaskState{
		Task:       t,
		Virt:       childVirt,
		Files:      childFiles,
		SigActions: childSigActions,
		SigMask:    ps.SigMask,
		ExitSignal: &exitSig,
	}
	if args.Flags&CloneChildClearTID != 0 {
		addr := *args.ClearTid
		ts.TidClearAddr = &addr
	}
	Register(t)

	if args.Flags&CloneParentSetTID != 0 && args.ParentTid != nil && write != nil {
		if err := write(ps.Virt, *args.ParentTid, uint64(t.Tid)); err != errno.Zero {
			return nil, nil, nil, err
		}
	}
	if args.Flags&CloneChildSetTID != 0 && args.ChildTid != nil && write != nil {
		if err := write(childVirt, *args.ChildTid, uint64(t.Tid)); err != errno.Zero {
			return nil, nil, nil, err
		}
	}

	log.Debug().Int("parent", parent.Tid).Int("child", t.Tid).Uint64("flags", args.Flags).Msg("task.Clone")

	return t, ts, &childTF, errno.Zero
}

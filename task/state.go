package task

import (
	"mizu/errno"
	"mizu/memory"
	"mizu/vm"
)

// TaskState holds a Task's mutable per-task runtime state, kept separate
// from the Task identity itself per spec.md §3: "TaskState holds the
// mutable per-task runtime state separately".
type TaskState struct {
	Task         *Task
	Virt         *vm.Virt
	Files        Files
	SigActions   SigActions
	SigMask      uint64
	Brk          int
	TidClearAddr *int // user address cleared (and futex-woken) on exit, nil if unset
	ExitSignal   *int
}

// InitTask is the staged result of loading an executable, matching the
// original's InitTask: everything needed to either Spawn a brand new Task
// or Reset an existing one in place (the exec path), per spec.md §4.3.
type InitTask struct {
	executable string
	parent     *Task
	virt       *vm.Virt
	tf         *TrapFrame
	files      Files
}

// BuildInitTask loads phys (following PT_INTERP per spec.md's rule) into a
// fresh virt, builds its stack, and assembles the trap frame, mirroring
// InitTask::from_elf (kernel/src/task/cmd.rs).
func BuildInitTask(executable string, parent *Task, phys *memory.Phys, v *vm.Virt, args, envs []string, open OpenInterp, files Files) (*InitTask, errno.Errno) {
	loaded, args, err := LoadExecutable(phys, open, v, args)
	if err != errno.Zero {
		return nil, err
	}

	entryPage := loaded.Entry &^ (memory.PageSize - 1)
	if err := v.Commit(entryPage, entryPage+memory.PageSize); err != errno.Zero {
		return nil, err
	}

	sp, err := BuildStack(v, loaded.Stack, args, envs, DefaultAuxv(loaded))
	if err != errno.Zero {
		return nil, err
	}

	tf := NewTrapFrame(uint64(loaded.Entry), uint64(sp), 0)

	return &InitTask{
		executable: executable,
		parent:     parent,
		virt:       v,
		tf:         tf,
		files:      files,
	}, errno.Zero
}

// Spawn turns the staged InitTask into a live, registered Task plus its
// initial TaskState and trap frame, per InitTask::spawn.
func (it *InitTask) Spawn() (*Task, *TaskState, *TrapFrame) {
	t := NewTask(it.parent, it.executable)
	exitSig := SIGCHLD
	ts := &TaskState{
		Task:       t,
		Virt:       it.virt,
		Files:      it.files,
		ExitSignal: &exitSig,
	}
	Register(t)
	return t, ts, it.tf
}

// Reset implements Exec's in-place reset of an existing task's state: the
// executable path, virt and trap frame are replaced with the freshly loaded
// executable's, brk is reset to 0, and close-on-exec files are closed, per
// spec.md §4.3's "Exec" operation and InitTask::reset
// (kernel/src/task/cmd.rs). Futex state and the signal mask are left as
// they were.
func (it *InitTask) Reset(ts *TaskState, tf *TrapFrame) {
	ts.Task.setExecutable(it.executable)
	ts.Brk = 0
	ts.Virt = it.virt
	ts.Files.CloseOnExec()
	*tf = *it.tf
}

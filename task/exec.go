package task

import (
	"mizu/errno"
	"mizu/memory"
)

// Exec implements the execve in-place reset: a fresh address space with the
// same layout bounds is built from image by BuildInitTask, then swapped
// into ts/tf via InitTask.Reset, per spec.md §4.3's Exec operation
// (InitTask::reset in kernel/src/task/cmd.rs). The task's tid and parent
// are unchanged; the trap frame is entirely overwritten so execution
// resumes at the new executable's entry point.
func Exec(ts *TaskState, tf *TrapFrame, executable string, image *memory.Phys, args, envs []string, open OpenInterp) errno.Errno {
	newVirt := ts.Virt.NewSibling()

	it, err := BuildInitTask(executable, ts.Task.Parent(), image, newVirt, args, envs, open, ts.Files)
	if err != errno.Zero {
		return err
	}
	it.Reset(ts, tf)
	return errno.Zero
}

// Package task implements the process lifecycle of the kernel core: ELF
// loading, stack construction, clone/fork, exec reset, and waitpid, ported
// from mizu's task::{elf, cmd, syscall} (kernel/src/task/{elf,cmd,
// syscall}.rs) in the idiom of biscuit's accnt/tinfo packages
// (biscuit/src/accnt, biscuit/src/tinfo).
package task

import (
	"sync"

	"mizu/logging"
)

var log = logging.For("task")

// SIGCHLD is the default exit signal a clone's low 8 "CSIGNAL" bits select
// when none is given, matching sygnal::Sig::SIGCHLD's raw value.
const SIGCHLD = 17

// Files is the external file-descriptor-table collaborator (spec.md §1
// scopes fd dispatch as external to this core); task only needs enough of
// it to fork and to react to exec.
type Files interface {
	// DeepFork returns a copy of the table for a cloned task. shareCwd and
	// shareFiles mirror the clone flags FS and FILES.
	DeepFork(shareCwd, shareFiles bool) Files
	// CloseOnExec closes every descriptor flagged close-on-exec, called by
	// Exec's in-place reset.
	CloseOnExec()
}

// SigActions is the external signal-action-table collaborator (spec.md §1
// scopes signal dispatch as external); clone's SIGHAND flag decides
// whether it is shared or deep-copied.
type SigActions interface {
	DeepFork() SigActions
}

// Child is one entry in a parent's children list: the child Task plus the
// event channel through which its eventual Exited/Suspended/Continued
// status is observed by Wait/WaitAny.
type Child struct {
	Task  *Task
	Event *EventChannel
}

// Task is the kernel-wide identity of a process, referenced by its parent
// (through a Child entry) and by the global tid table; it is conceptually
// destroyed once every reference drops (Go's GC plays that role here, the
// same latitude biscuit's own Go port takes with Arc-style refcounting).
type Task struct {
	mu         sync.Mutex
	Tid        int
	parent     *Task // conceptually a weak reference; never locks through it except to read Tid
	executable string
	children   []*Child
	event      *EventChannel
}

// NewTask allocates a Task with a freshly assigned tid. parent may be nil
// for an init task with no parent.
func NewTask(parent *Task, executable string) *Task {
	t := &Task{
		Tid:        allocTid(),
		parent:     parent,
		executable: executable,
		event:      NewEventChannel(),
	}
	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, &Child{Task: t, Event: t.event})
		parent.mu.Unlock()
	}
	return t
}

// Parent returns the task's parent, or nil if it has none (ppid falls
// back to 1 at the syscall layer, which is out of this core's scope).
func (t *Task) Parent() *Task {
	return t.parent
}

// Executable returns the task's current executable path, updated in place
// by Exec.
func (t *Task) Executable() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executable
}

func (t *Task) setExecutable(path string) {
	t.mu.Lock()
	t.executable = path
	t.mu.Unlock()
}

// Event returns the task's own event channel, the one its parent's Child
// entry watches.
func (t *Task) Event() *EventChannel {
	return t.event
}

// Children returns a snapshot of the task's current children.
func (t *Task) Children() []*Child {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Child, len(t.children))
	copy(out, t.children)
	return out
}

func (t *Task) removeChild(tid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.children[:0]
	for _, c := range t.children {
		if c.Task.Tid != tid {
			out = append(out, c)
		}
	}
	t.children = out
}

func (t *Task) addChild(c *Child) {
	t.mu.Lock()
	t.children = append(t.children, c)
	t.mu.Unlock()
}

// registry is the global tid -> Task table (spec.md §9 "global mutable
// state": specified as a module with explicit init and no teardown).
type registry struct {
	mu    sync.Mutex
	tasks map[int]*Task
	next  int
}

var reg = registry{tasks: map[int]*Task{}, next: 2}

func allocTid() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	tid := reg.next
	reg.next++
	return tid
}

// Register inserts t into the global tid table, called once a task is
// fully constructed and ready to run.
func Register(t *Task) {
	reg.mu.Lock()
	reg.tasks[t.Tid] = t
	reg.mu.Unlock()
}

// Lookup finds a task by tid in the global table.
func Lookup(tid int) (*Task, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	t, ok := reg.tasks[tid]
	return t, ok
}

// Unregister removes a task from the global table once it has no more
// references worth tracking (e.g. after its parent has reaped it).
func Unregister(tid int) {
	reg.mu.Lock()
	delete(reg.tasks, tid)
	reg.mu.Unlock()
}

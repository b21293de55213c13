package task

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"mizu/errno"
)

// EventKind distinguishes the three shapes a task's terminal or
// stop/continue event can take, per spec.md §4.3's Wait description.
type EventKind int

const (
	Exited EventKind = iota
	Suspended
	Continued
)

// Event is one occurrence posted to a task's EventChannel.
type Event struct {
	Kind EventKind
	Code int  // exit code, valid when Kind == Exited
	Sig  *int // signal number, valid for Exited (may be nil) and Suspended
}

// EncodeStatus renders ev as the wait-status word spec.md §4.3 specifies:
// exited -> (code&0xff)<<8 | raw(sig), suspended -> sig<<8 | 0x7f,
// continued -> 0xffff.
func (ev Event) EncodeStatus() int {
	switch ev.Kind {
	case Exited:
		raw := 0
		if ev.Sig != nil {
			raw = *ev.Sig
		}
		return (ev.Code&0xff)<<8 | raw
	case Suspended:
		sig := 0
		if ev.Sig != nil {
			sig = *ev.Sig
		}
		return sig<<8 | 0x7f
	default: // Continued
		return 0xffff
	}
}

// EventChannel is a single-fire broadcast of one Event to any number of
// waiters, the Go-idiomatic analogue of ksync::channel::Broadcast used by
// Task::event in the original (kernel/src/task/cmd.rs's Broadcast::new()).
// Every call to Recv after Fire observes the same, first-fired Event.
type EventChannel struct {
	mu     sync.Mutex
	done   chan struct{}
	fired  bool
	result Event
}

// NewEventChannel creates an unfired channel.
func NewEventChannel() *EventChannel {
	return &EventChannel{done: make(chan struct{})}
}

// Fire posts ev to the channel. Only the first call has any effect;
// subsequent calls are no-ops, matching a process that can only exit once.
func (e *EventChannel) Fire(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired {
		return
	}
	e.fired = true
	e.result = ev
	close(e.done)
}

// Recv blocks until an event fires or ctx is done.
func (e *EventChannel) Recv(ctx context.Context) (Event, errno.Errno) {
	select {
	case <-e.done:
		e.mu.Lock()
		ev := e.result
		e.mu.Unlock()
		return ev, errno.Zero
	case <-ctx.Done():
		return Event{}, errno.EINTR
	}
}

// TryRecv reports an already-fired event without blocking.
func (e *EventChannel) TryRecv() (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fired {
		return Event{}, false
	}
	return e.result, true
}

// Wait implements waitpid(pid) for pid > 0: block on exactly that child's
// event channel, reaping it from the children list on Exited.
func (t *Task) Wait(ctx context.Context, pid int) (tid int, ev Event, err errno.Errno) {
	t.mu.Lock()
	var child *Child
	for _, c := range t.children {
		if c.Task.Tid == pid {
			child = c
			break
		}
	}
	t.mu.Unlock()
	if child == nil {
		return 0, Event{}, errno.ECHILD
	}
	ev, err = child.Event.Recv(ctx)
	if err != errno.Zero {
		return 0, Event{}, err
	}
	if ev.Kind == Exited {
		t.removeChild(pid)
	}
	return pid, ev, errno.Zero
}

// WaitAny implements waitpid(pid<=0): race every child's event channel and
// return whichever fires first, using golang.org/x/sync/errgroup to fan
// in the concurrent Recv calls (the Go-idiomatic equivalent of the
// original's select/select_all over each child's Broadcast receiver in
// kernel/src/task/syscall.rs's waitpid).
func (t *Task) WaitAny(ctx context.Context) (tid int, ev Event, err errno.Errno) {
	children := t.Children()
	if len(children) == 0 {
		return 0, Event{}, errno.ECHILD
	}

	type hit struct {
		tid int
		ev  Event
	}
	results := make(chan hit, len(children))

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(gctx)
	for _, c := range children {
		c := c
		g.Go(func() error {
			e, recvErr := c.Event.Recv(gctx)
			if recvErr != errno.Zero {
				return nil
			}
			select {
			case results <- hit{c.Task.Tid, e}:
				cancel()
			default:
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case r := <-results:
		if r.ev.Kind == Exited {
			t.removeChild(r.tid)
		}
		return r.tid, r.ev, errno.Zero
	default:
		return 0, Event{}, errno.EINTR
	}
}

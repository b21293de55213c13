package task

import (
	"context"
	"testing"
	"time"

	"mizu/errno"
)

func TestEventChannelFireOnce(t *testing.T) {
	ec := NewEventChannel()
	sig := 9
	ec.Fire(Event{Kind: Exited, Code: 7, Sig: &sig})
	ec.Fire(Event{Kind: Exited, Code: 99}) // should be a no-op

	ev, ok := ec.TryRecv()
	if !ok {
		t.Fatal("expected a fired event")
	}
	if ev.Code != 7 {
		t.Fatalf("second Fire overwrote the first: got code %d", ev.Code)
	}
}

func TestEventChannelRecvBlocksUntilFire(t *testing.T) {
	ec := NewEventChannel()
	if _, ok := ec.TryRecv(); ok {
		t.Fatal("expected no event yet")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		ec.Fire(Event{Kind: Continued})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := ec.Recv(ctx)
	if err != errno.Zero {
		t.Fatalf("Recv: %v", err)
	}
	if ev.Kind != Continued {
		t.Fatalf("got kind %v, want Continued", ev.Kind)
	}
}

func TestEventChannelRecvCtxCancel(t *testing.T) {
	ec := NewEventChannel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ec.Recv(ctx); err != errno.EINTR {
		t.Fatalf("got %v, want EINTR", err)
	}
}

func TestEncodeStatus(t *testing.T) {
	sig9 := 9
	cases := []struct {
		ev   Event
		want int
	}{
		{Event{Kind: Exited, Code: 3}, 3 << 8},
		{Event{Kind: Exited, Code: 1, Sig: &sig9}, 1<<8 | 9},
		{Event{Kind: Suspended, Sig: &sig9}, 9<<8 | 0x7f},
		{Event{Kind: Continued}, 0xffff},
	}
	for _, c := range cases {
		if got := c.ev.EncodeStatus(); got != c.want {
			t.Fatalf("EncodeStatus(%+v) = %#x, want %#x", c.ev, got, c.want)
		}
	}
}

func TestWaitDirectChild(t *testing.T) {
	parent := NewTask(nil, "parent")
	child := NewTask(parent, "child")

	child.Event().Fire(Event{Kind: Exited, Code: 5})

	tid, ev, err := parent.Wait(context.Background(), child.Tid)
	if err != errno.Zero {
		t.Fatalf("Wait: %v", err)
	}
	if tid != child.Tid || ev.Code != 5 {
		t.Fatalf("got tid=%d ev=%+v", tid, ev)
	}
	if len(parent.Children()) != 0 {
		t.Fatal("expected exited child to be reaped")
	}
}

func TestWaitUnknownChild(t *testing.T) {
	parent := NewTask(nil, "parent")
	if _, _, err := parent.Wait(context.Background(), 99999); err != errno.ECHILD {
		t.Fatalf("got %v, want ECHILD", err)
	}
}

func TestWaitAnyPicksFirstFirer(t *testing.T) {
	parent := NewTask(nil, "parent")
	a := NewTask(parent, "a")
	b := NewTask(parent, "b")

	b.Event().Fire(Event{Kind: Exited, Code: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tid, _, err := parent.WaitAny(ctx)
	if err != errno.Zero {
		t.Fatalf("WaitAny: %v", err)
	}
	if tid != b.Tid {
		t.Fatalf("got tid %d, want %d", tid, b.Tid)
	}
	if len(parent.Children()) != 1 || parent.Children()[0].Task.Tid != a.Tid {
		t.Fatalf("expected only %d left, got %+v", a.Tid, parent.Children())
	}
}

func TestWaitAnyNoChildren(t *testing.T) {
	parent := NewTask(nil, "lonely")
	if _, _, err := parent.WaitAny(context.Background()); err != errno.ECHILD {
		t.Fatalf("got %v, want ECHILD", err)
	}
}

package tagalloc_test

import (
	"testing"

	"github.com/kaidoh/stp-proxy/tagalloc"
	"github.com/kaidoh/stp-proxy/wire"
)

func TestRegisterAllocatesLowestFreeTag(t *testing.T) {
	t.Parallel()

	a := tagalloc.New()
	t1 := a.Register(func(wire.Message) {})
	t2 := a.Register(func(wire.Message) {})
	t3 := a.Register(func(wire.Message) {})
	if t1 != 1 || t2 != 2 || t3 != 3 {
		t.Fatalf("got %d,%d,%d want 1,2,3", t1, t2, t3)
	}

	a.Dispatch(wire.Message{Tag: t2})
	t4 := a.Register(func(wire.Message) {})
	if t4 != 2 {
		t.Fatalf("got %d, want 2 (lowest freed slot)", t4)
	}
}

func TestDispatchInvokesOnceAndRemoves(t *testing.T) {
	t.Parallel()

	a := tagalloc.New()
	var calls int
	tag := a.Register(func(msg wire.Message) {
		calls++
		if msg.Service != "scope" {
			t.Errorf("got service %q", msg.Service)
		}
	})

	if !a.Dispatch(wire.Message{Tag: tag, Service: "scope"}) {
		t.Fatal("expected dispatch to claim the tagged message")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if a.Pending() != 0 {
		t.Fatalf("pending = %d, want 0 after dispatch", a.Pending())
	}

	// A second dispatch for the same tag is not claimed: it was removed.
	if a.Dispatch(wire.Message{Tag: tag}) {
		t.Fatal("expected second dispatch for the same tag to be declined")
	}
}

func TestDispatchDeclinesUnregisteredTag(t *testing.T) {
	t.Parallel()

	a := tagalloc.New()
	if a.Dispatch(wire.Message{Tag: 99}) {
		t.Fatal("expected unregistered tag to be declined")
	}
	if a.Dispatch(wire.Message{Tag: 0}) {
		t.Fatal("expected tag 0 to be declined")
	}
}

func TestCallbackMayRegisterNewTag(t *testing.T) {
	t.Parallel()

	a := tagalloc.New()
	var nested uint32
	tag := a.Register(func(wire.Message) {
		nested = a.Register(func(wire.Message) {})
	})
	a.Dispatch(wire.Message{Tag: tag})
	if nested != 1 {
		t.Fatalf("nested tag = %d, want 1 (freed by removal before callback ran)", nested)
	}
}

func TestResetClearsPending(t *testing.T) {
	t.Parallel()

	a := tagalloc.New()
	a.Register(func(wire.Message) {})
	a.Register(func(wire.Message) {})
	a.Reset()
	if a.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", a.Pending())
	}
	if tag := a.Register(func(wire.Message) {}); tag != 1 {
		t.Fatalf("tag = %d, want 1", tag)
	}
}

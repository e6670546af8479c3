package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kaidoh/stp-proxy/router"
	"github.com/kaidoh/stp-proxy/wire"
)

func TestDeliverThenPollReturnsImmediately(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.Deliver(wire.Message{Service: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := r.NextMessage(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Service != "a" {
		t.Fatalf("got %+v", msg)
	}
	if r.PendingMessageCount() != 0 {
		t.Fatalf("pending = %d, want 0", r.PendingMessageCount())
	}
}

func TestPollThenDeliverWakesPoller(t *testing.T) {
	t.Parallel()

	r := router.New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var got wire.Message
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = r.NextMessage(ctx)
	}()

	// Give the poller a chance to park before delivering.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !r.HasParkedPoller() {
		time.Sleep(time.Millisecond)
	}
	if !r.HasParkedPoller() {
		t.Fatal("poller never parked")
	}

	r.Deliver(wire.Message{Service: "b"})
	wg.Wait()

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if got.Service != "b" {
		t.Fatalf("got %+v", got)
	}
}

func TestTimeoutRemovesParkedPoller(t *testing.T) {
	t.Parallel()

	r := router.New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.NextMessage(ctx)
	if !errors.Is(err, router.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if r.HasParkedPoller() {
		t.Fatal("expected poller to be removed after timeout")
	}
}

func TestOrderingIsFIFO(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.Deliver(wire.Message{Tag: 1})
	r.Deliver(wire.Message{Tag: 2})
	r.Deliver(wire.Message{Tag: 3})

	ctx := context.Background()
	for _, want := range []uint32{1, 2, 3} {
		msg, err := r.NextMessage(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Tag != want {
			t.Fatalf("got tag %d, want %d", msg.Tag, want)
		}
	}
}

func TestResetServesConnectionErrorToParkedPoller(t *testing.T) {
	t.Parallel()

	r := router.New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	go func() {
		defer wg.Done()
		_, gotErr = r.NextMessage(ctx)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !r.HasParkedPoller() {
		time.Sleep(time.Millisecond)
	}

	r.Reset()
	wg.Wait()

	if !errors.Is(gotErr, router.ErrConnectionReset) {
		t.Fatalf("got %v, want ErrConnectionReset", gotErr)
	}
}

func TestSecondPollerWhileOneParkedIsALogicError(t *testing.T) {
	t.Parallel()

	r := router.New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() { _, _ = r.NextMessage(ctx) }()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !r.HasParkedPoller() {
		time.Sleep(time.Millisecond)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err := r.NextMessage(ctx2)
	if !errors.Is(err, router.ErrPollerAlreadyParked) {
		t.Fatalf("got %v, want ErrPollerAlreadyParked", err)
	}
}

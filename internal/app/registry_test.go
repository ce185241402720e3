package app

import (
	"errors"
	"testing"
	"time"

	"github.com/voxkit/voxkit/internal/core"
)

func TestResolveMatchesScope(t *testing.T) {
	r := NewWaitRegistry()
	w := r.Expect(WaitSpec{
		Type:    core.EvtRoomJoined,
		Scope:   Scope{Room: "r1", Channel: "c1"},
		Timeout: time.Second,
	})

	// Wrong room must not settle the wait.
	if n := r.Resolve(core.Dispatch{Type: core.EvtRoomJoined, Room: "other", Channel: "c1"}); n != 0 {
		t.Fatalf("resolved %d waits for foreign room", n)
	}
	if n := r.Resolve(core.Dispatch{Type: core.EvtRoomJoined, Room: "r1", Channel: "c1"}); n != 1 {
		t.Fatalf("resolved %d waits, want 1", n)
	}

	d, err := w.Await()
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if d.Room != "r1" {
		t.Fatalf("got room %q", d.Room)
	}
	if r.Len() != 0 {
		t.Fatalf("registry not empty: %d", r.Len())
	}
}

func TestZeroScopeMatchesAnything(t *testing.T) {
	r := NewWaitRegistry()
	w := r.Expect(WaitSpec{Type: core.EvtVoiceState, Timeout: time.Second})

	r.Resolve(core.Dispatch{Type: core.EvtVoiceState, Room: "whatever", Token: 42})
	if _, err := w.Await(); err != nil {
		t.Fatalf("await: %v", err)
	}
}

func TestMatchPredicate(t *testing.T) {
	r := NewWaitRegistry()
	w := r.Expect(WaitSpec{
		Type:    core.EvtProduced,
		Match:   func(d core.Dispatch) bool { return d.Producer == "p2" },
		Timeout: time.Second,
	})

	if n := r.Resolve(core.Dispatch{Type: core.EvtProduced, Producer: "p1"}); n != 0 {
		t.Fatalf("predicate mismatch still resolved %d", n)
	}
	r.Resolve(core.Dispatch{Type: core.EvtProduced, Producer: "p2"})
	d, err := w.Await()
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if d.Producer != "p2" {
		t.Fatalf("got producer %q", d.Producer)
	}
}

func TestWaitTimeout(t *testing.T) {
	r := NewWaitRegistry()
	w := r.Expect(WaitSpec{Type: core.EvtRoomJoined, Timeout: 20 * time.Millisecond})

	_, err := w.Await()
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("got %v, want ErrWaitTimeout", err)
	}
	if r.Len() != 0 {
		t.Fatalf("timed-out wait still registered")
	}

	// A late matching event must not panic or double-settle.
	if n := r.Resolve(core.Dispatch{Type: core.EvtRoomJoined}); n != 0 {
		t.Fatalf("late dispatch resolved %d waits", n)
	}
}

func TestResolveBeatsTimeout(t *testing.T) {
	r := NewWaitRegistry()
	w := r.Expect(WaitSpec{Type: core.EvtRoomJoined, Timeout: 50 * time.Millisecond})

	r.Resolve(core.Dispatch{Type: core.EvtRoomJoined})
	d, err := w.Await()
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if d.Type != core.EvtRoomJoined {
		t.Fatalf("got %q", d.Type)
	}

	// Let the timer window pass; the settle must stay the success one.
	time.Sleep(80 * time.Millisecond)
	select {
	case r := <-w.ch:
		t.Fatalf("wait settled twice: %+v", r)
	default:
	}
}

func TestRejectByScopeLeavesUnrelated(t *testing.T) {
	r := NewWaitRegistry()
	doomed := r.Expect(WaitSpec{Type: core.EvtProduced, Scope: Scope{Room: "r1", Channel: "c1"}, Timeout: time.Second})
	other := r.Expect(WaitSpec{Type: core.EvtProduced, Scope: Scope{Room: "r2", Channel: "c9"}, Timeout: time.Second})

	r.RejectByScope("r1", "c1", ErrWaitCanceled)

	if _, err := doomed.Await(); !errors.Is(err, ErrWaitCanceled) {
		t.Fatalf("scoped wait got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("unrelated wait was dropped, len=%d", r.Len())
	}

	r.Resolve(core.Dispatch{Type: core.EvtProduced, Room: "r2", Channel: "c9"})
	if _, err := other.Await(); err != nil {
		t.Fatalf("unrelated wait: %v", err)
	}
}

func TestRejectAll(t *testing.T) {
	r := NewWaitRegistry()
	w1 := r.Expect(WaitSpec{Type: core.EvtRoomJoined, Timeout: time.Second})
	w2 := r.Expect(WaitSpec{Type: core.EvtConsumed, Timeout: time.Second})

	cause := errors.New("gateway gone")
	r.RejectAll(cause)

	for _, w := range []*Wait{w1, w2} {
		if _, err := w.Await(); !errors.Is(err, cause) {
			t.Fatalf("got %v, want %v", err, cause)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("registry not empty after RejectAll")
	}
}

func TestAwaitEitherSuccess(t *testing.T) {
	r := NewWaitRegistry()
	sent := false
	go func() {
		// Give AwaitEither a beat to register both waits, then confirm.
		time.Sleep(10 * time.Millisecond)
		r.Resolve(core.Dispatch{Type: core.EvtRoomJoined, Room: "r1"})
	}()

	d, err := r.AwaitEither(
		WaitSpec{Type: core.EvtRoomJoined, Scope: Scope{Room: "r1"}, Timeout: time.Second},
		Scope{Room: "r1"},
		func() error { sent = true; return nil },
	)
	if err != nil {
		t.Fatalf("await either: %v", err)
	}
	if !sent {
		t.Fatal("send was not invoked")
	}
	if d.Room != "r1" {
		t.Fatalf("got room %q", d.Room)
	}
	if r.Len() != 0 {
		t.Fatalf("error wait leaked, len=%d", r.Len())
	}
}

func TestAwaitEitherServerError(t *testing.T) {
	r := NewWaitRegistry()
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Resolve(core.Dispatch{Type: core.EvtError, Room: "r1", Code: "channel_full"})
	}()

	_, err := r.AwaitEither(
		WaitSpec{Type: core.EvtRoomJoined, Scope: Scope{Room: "r1"}, Timeout: time.Second},
		Scope{Room: "r1"},
		nil,
	)
	var derr *core.DispatchError
	if !errors.As(err, &derr) {
		t.Fatalf("got %v, want DispatchError", err)
	}
	if derr.Code != "channel_full" {
		t.Fatalf("got code %q", derr.Code)
	}
	if r.Len() != 0 {
		t.Fatalf("success wait leaked, len=%d", r.Len())
	}
}

func TestAwaitEitherSendFailure(t *testing.T) {
	r := NewWaitRegistry()
	cause := errors.New("socket closed")

	_, err := r.AwaitEither(
		WaitSpec{Type: core.EvtRoomJoined, Timeout: time.Second},
		Scope{},
		func() error { return cause },
	)
	if !errors.Is(err, cause) {
		t.Fatalf("got %v, want %v", err, cause)
	}
	if r.Len() != 0 {
		t.Fatalf("waits leaked after send failure, len=%d", r.Len())
	}
}

func TestTokenScoping(t *testing.T) {
	r := NewWaitRegistry()
	w := r.Expect(WaitSpec{Type: core.EvtConsumed, Scope: Scope{Token: 7}, Timeout: time.Second})

	if n := r.Resolve(core.Dispatch{Type: core.EvtConsumed, Token: 6}); n != 0 {
		t.Fatalf("stale token resolved %d", n)
	}
	r.Resolve(core.Dispatch{Type: core.EvtConsumed, Token: 7})
	if _, err := w.Await(); err != nil {
		t.Fatalf("await: %v", err)
	}
}

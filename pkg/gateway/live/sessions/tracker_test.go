package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterReleaseAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	r1 := tr.Register("session_b", Handle{})
	r2 := tr.Register("session_a", Handle{})
	if got := tr.IDs(); len(got) != 2 || got[0] != "session_a" || got[1] != "session_b" {
		t.Fatalf("ids=%v", got)
	}

	r1()
	r1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait returned true with a live relay")
	}

	r2()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	if !tr.Wait(ctx2) {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_SameIDKeepsBothRelays(t *testing.T) {
	tr := NewTracker()
	var canceled atomic.Int32
	older := tr.Register("dup", Handle{Cancel: func() { canceled.Add(1) }})
	newer := tr.Register("dup", Handle{Cancel: func() { canceled.Add(1) }})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}
	if got := tr.IDs(); len(got) != 2 || got[0] != "dup" || got[1] != "dup" {
		t.Fatalf("ids=%v", got)
	}
	if n := tr.CancelAll(); n != 2 || canceled.Load() != 2 {
		t.Fatalf("canceled=%d calls=%d", n, canceled.Load())
	}

	newer()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait returned true while the older relay is registered")
	}

	older()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	if !tr.Wait(ctx2) {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_CancelAllAndStateCounts(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	tr.Register("s1", Handle{Cancel: func() { c1.Add(1) }, State: func() string { return "relaying" }})
	tr.Register("s2", Handle{Cancel: func() { c2.Add(1) }, State: func() string { return "echoing" }})
	tr.Register("s3", Handle{State: func() string { return "relaying" }})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}

	counts := tr.StateCounts()
	if counts["relaying"] != 2 || counts["echoing"] != 1 {
		t.Fatalf("state counts=%v", counts)
	}
}

func TestTracker_WarnAllIgnoresErrors(t *testing.T) {
	tr := NewTracker()
	var w1, w2 atomic.Int64
	tr.Register("s1", Handle{Warn: func(code, message string) error {
		w1.Add(1)
		return nil
	}})
	tr.Register("s2", Handle{Warn: func(code, message string) error {
		w2.Add(1)
		return errors.New("closed")
	}})

	if sent := tr.WarnAll("server_draining", "restarting"); sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if w1.Load() != 1 || w2.Load() != 1 {
		t.Fatalf("warn calls=%d/%d, want 1/1", w1.Load(), w2.Load())
	}
}

func TestTracker_NilSafe(t *testing.T) {
	var tr *Tracker
	tr.Register("x", Handle{})()
	if tr.Count() != 0 || tr.CancelAll() != 0 || tr.WarnAll("a", "b") != 0 {
		t.Fatalf("nil tracker should be inert")
	}
	if !tr.Wait(context.Background()) {
		t.Fatalf("nil tracker Wait should return true")
	}
}

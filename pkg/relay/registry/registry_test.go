package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_RegisterUnregister_CountAndWait(t *testing.T) {
	r := New()
	if r.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", r.Count())
	}

	u1 := r.Register("token-aaaa", Handle{})
	u2 := r.Register("token-bbbb", Handle{})
	if r.Count() != 2 {
		t.Fatalf("count=%d, want 2", r.Count())
	}

	u1()
	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := r.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d, want 0", r.Count())
	}
}

func TestRegistry_Register_ReplacesExistingToken(t *testing.T) {
	r := New()
	var oldReason atomic.Value
	r.Register("token-aaaa", Handle{Teardown: func(reason string) {
		oldReason.Store(reason)
	}})

	r.Register("token-aaaa", Handle{})

	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}
	got, _ := oldReason.Load().(string)
	if got != "replaced by new connection" {
		t.Fatalf("teardown reason=%q, want %q", got, "replaced by new connection")
	}
}

func TestRegistry_LookupAndRemove(t *testing.T) {
	r := New()
	var torn atomic.Int64
	r.Register("token-aaaa", Handle{Teardown: func(string) { torn.Add(1) }})

	if _, ok := r.Lookup("token-aaaa"); !ok {
		t.Fatal("expected Lookup hit")
	}
	if _, ok := r.Lookup("token-zzzz"); ok {
		t.Fatal("expected Lookup miss")
	}

	if !r.Remove("token-aaaa", "client requested") {
		t.Fatal("expected Remove to find session")
	}
	if torn.Load() != 1 {
		t.Fatalf("teardown calls=%d, want 1", torn.Load())
	}
	if r.Remove("token-aaaa", "again") {
		t.Fatal("expected second Remove to miss")
	}
}

func TestRegistry_Sweep_EvictsIdleSessions(t *testing.T) {
	r := New()
	now := time.Now()

	var idleReason atomic.Value
	r.Register("token-idle", Handle{
		Teardown:     func(reason string) { idleReason.Store(reason) },
		LastActivity: func() time.Time { return now.Add(-45 * time.Minute) },
	})
	r.Register("token-live", Handle{
		Teardown:     func(string) { t.Error("live session torn down") },
		LastActivity: func() time.Time { return now.Add(-1 * time.Minute) },
	})

	if n := r.Sweep(now, 30*time.Minute); n != 1 {
		t.Fatalf("evicted=%d, want 1", n)
	}
	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}
	got, _ := idleReason.Load().(string)
	if got != "idle timeout" {
		t.Fatalf("teardown reason=%q, want %q", got, "idle timeout")
	}
}

func TestRegistry_NotifyShutdownAll_BestEffort(t *testing.T) {
	r := New()
	var n1, n2 atomic.Int64
	r.Register("token-aaaa", Handle{Notify: func(code, message string) error {
		_ = code
		_ = message
		n1.Add(1)
		return nil
	}})
	r.Register("token-bbbb", Handle{Notify: func(code, message string) error {
		_ = code
		_ = message
		n2.Add(1)
		return errors.New("nope")
	}})

	if sent := r.NotifyShutdownAll("draining", "server restarting"); sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if n1.Load() != 1 || n2.Load() != 1 {
		t.Fatalf("notify calls=%d/%d, want 1/1", n1.Load(), n2.Load())
	}
}

func TestRegistry_TeardownAll(t *testing.T) {
	r := New()
	var c1, c2 atomic.Int64
	r.Register("token-aaaa", Handle{Teardown: func(string) { c1.Add(1) }})
	r.Register("token-bbbb", Handle{Teardown: func(string) { c2.Add(1) }})

	if n := r.TeardownAll("server shutdown"); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("teardown calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d, want 0", r.Count())
	}
}

// Package kvtest holds a behaviour suite shared by every kv.Store backend.
package kvtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/deployr/internal/kv"
)

// Harness describes one backend under test.
type Harness struct {
	// New returns an empty store. It is called once per subtest.
	New func(t *testing.T) kv.Store
	// Advance moves the backend clock forward by d.
	Advance func(d time.Duration)
	// TTL is the expiry used for entries that are expected to lapse.
	// Backends driven by a real clock need it short.
	TTL time.Duration
}

// Run exercises the kv.Store contract.
func Run(t *testing.T, h Harness) {
	ctx := context.Background()
	ttl := h.TTL
	if ttl == 0 {
		ttl = time.Second
	}

	t.Run("SetNXExclusive", func(t *testing.T) {
		s := h.New(t)
		ok, err := s.SetNX(ctx, "lock", "a", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first setnx: ok=%v err=%v", ok, err)
		}
		ok, err = s.SetNX(ctx, "lock", "b", time.Minute)
		if err != nil || ok {
			t.Fatalf("second setnx should fail: ok=%v err=%v", ok, err)
		}
		v, err := s.Get(ctx, "lock")
		if err != nil || v != "a" {
			t.Fatalf("get: %q %v", v, err)
		}
	})

	t.Run("SetNXConcurrent", func(t *testing.T) {
		s := h.New(t)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.SetNX(ctx, "race", "x", time.Minute)
				if err != nil {
					t.Errorf("setnx: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("expected exactly one winner, got %d", got)
		}
	})

	t.Run("SetNXAfterExpiry", func(t *testing.T) {
		s := h.New(t)
		if ok, _ := s.SetNX(ctx, "lock", "a", ttl); !ok {
			t.Fatal("setnx failed")
		}
		h.Advance(ttl * 3)
		ok, err := s.SetNX(ctx, "lock", "b", time.Minute)
		if err != nil || !ok {
			t.Fatalf("setnx after expiry: ok=%v err=%v", ok, err)
		}
		if _, err := s.Get(ctx, "lock"); err != nil {
			t.Fatalf("get: %v", err)
		}
	})

	t.Run("CompareAndExpire", func(t *testing.T) {
		s := h.New(t)
		_, _ = s.SetNX(ctx, "lock", "a", time.Minute)
		ok, err := s.CompareAndExpire(ctx, "lock", "b", time.Minute)
		if err != nil || ok {
			t.Fatalf("foreign extend must fail: ok=%v err=%v", ok, err)
		}
		ok, err = s.CompareAndExpire(ctx, "lock", "a", 2*time.Minute)
		if err != nil || !ok {
			t.Fatalf("owner extend: ok=%v err=%v", ok, err)
		}
		d, exists, err := s.TTL(ctx, "lock")
		if err != nil || !exists || d <= time.Minute {
			t.Fatalf("ttl after extend: %v %v %v", d, exists, err)
		}
		ok, err = s.CompareAndExpire(ctx, "missing", "a", time.Minute)
		if err != nil || ok {
			t.Fatalf("extend missing: ok=%v err=%v", ok, err)
		}
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		s := h.New(t)
		_, _ = s.SetNX(ctx, "lock", "a", time.Minute)
		if ok, err := s.CompareAndDelete(ctx, "lock", "b"); err != nil || ok {
			t.Fatalf("foreign delete must fail: ok=%v err=%v", ok, err)
		}
		if ok, err := s.CompareAndDelete(ctx, "lock", "a"); err != nil || !ok {
			t.Fatalf("owner delete: ok=%v err=%v", ok, err)
		}
		if _, err := s.Get(ctx, "lock"); !errors.Is(err, kv.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetDelete", func(t *testing.T) {
		s := h.New(t)
		if err := s.Set(ctx, "flag", "1", time.Minute); err != nil {
			t.Fatalf("set: %v", err)
		}
		v, ok, err := s.GetDelete(ctx, "flag")
		if err != nil || !ok || v != "1" {
			t.Fatalf("getdel: %q %v %v", v, ok, err)
		}
		_, ok, err = s.GetDelete(ctx, "flag")
		if err != nil || ok {
			t.Fatalf("second getdel must be empty: %v %v", ok, err)
		}
	})

	t.Run("TTL", func(t *testing.T) {
		s := h.New(t)
		if _, ok, err := s.TTL(ctx, "none"); err != nil || ok {
			t.Fatalf("ttl missing: %v %v", ok, err)
		}
		_ = s.Set(ctx, "persist", "v", 0)
		if d, ok, err := s.TTL(ctx, "persist"); err != nil || !ok || d != 0 {
			t.Fatalf("ttl persistent: %v %v %v", d, ok, err)
		}
		_ = s.Set(ctx, "short", "v", time.Minute)
		if d, ok, err := s.TTL(ctx, "short"); err != nil || !ok || d <= 0 || d > time.Minute {
			t.Fatalf("ttl: %v %v %v", d, ok, err)
		}
		if err := s.Delete(ctx, "short"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.TTL(ctx, "short"); ok {
			t.Fatal("deleted key still reported")
		}
	})

	t.Run("InvalidTTL", func(t *testing.T) {
		s := h.New(t)
		if _, err := s.SetNX(ctx, "k", "v", 0); err == nil {
			t.Fatal("expected error for zero ttl")
		}
		_, err := s.SetNX(ctx, "k", "v", -time.Second)
		if err == nil || errors.Is(err, kv.ErrUnavailable) {
			t.Fatalf("negative ttl must be rejected without looking like an outage: %v", err)
		}
	})
}

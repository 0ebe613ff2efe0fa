package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockManagerTryAcquire(t *testing.T) {
	m := NewLockManager()
	key := Key("u1", "s1")

	release, ok := m.TryAcquire(key, "req-1")
	if !ok {
		t.Fatal("TryAcquire() = false on free lock")
	}
	if _, ok := m.TryAcquire(key, "req-2"); ok {
		t.Fatal("TryAcquire() = true on held lock")
	}
	if holder, _, locked := m.Holder(key); !locked || holder != "req-1" {
		t.Errorf("Holder() = %q/%v, want req-1/true", holder, locked)
	}

	release()
	release()
	if m.Len() != 0 {
		t.Errorf("Len() = %d after release, want 0", m.Len())
	}
	if _, ok := m.TryAcquire(Key("u1", "s2"), "req-3"); !ok {
		t.Error("TryAcquire() on another session should succeed")
	}
}

func TestKeyKeepsPairsDistinct(t *testing.T) {
	tests := []struct {
		a, b [2]string
	}{
		{[2]string{"a/b", "c"}, [2]string{"a", "b/c"}},
		{[2]string{"a:b", "c"}, [2]string{"a", "b:c"}},
		{[2]string{"", "ab"}, [2]string{"a", "b"}},
	}
	m := NewLockManager()
	for _, tt := range tests {
		ka, kb := Key(tt.a[0], tt.a[1]), Key(tt.b[0], tt.b[1])
		if ka == kb {
			t.Errorf("Key(%q, %q) == Key(%q, %q)", tt.a[0], tt.a[1], tt.b[0], tt.b[1])
			continue
		}
		release, ok := m.TryAcquire(ka, "first")
		if !ok {
			t.Fatalf("TryAcquire(%q) = false on free lock", ka)
		}
		if _, ok := m.TryAcquire(kb, "second"); !ok {
			t.Errorf("TryAcquire(%q) blocked by %q", kb, ka)
		}
		release()
	}
}

func TestLockManagerAcquireTimeout(t *testing.T) {
	m := NewLockManager()
	release, _ := m.TryAcquire("k", "first")
	defer release()

	_, err := m.Acquire(context.Background(), "k", "second", 20*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Acquire() error = %v, want %v", err, ErrLockTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, "k", "third", 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want context.Canceled", err)
	}
}

func TestLockManagerSerializes(t *testing.T) {
	m := NewLockManager()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "k", "worker", time.Second)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Errorf("peak concurrent holders = %d, want 1", peak)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

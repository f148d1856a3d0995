package nonce

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_MonotonicEnforced(t *testing.T) {
	s := NewMemoryStore(time.Hour, 100)
	ctx := context.Background()

	ok, err := s.Check(ctx, "peer-a", 100)
	if err != nil || !ok {
		t.Fatalf("first nonce should be accepted, got ok=%v err=%v", ok, err)
	}

	ok, err = s.Check(ctx, "peer-a", 100)
	if err != nil || ok {
		t.Fatalf("repeated nonce should be rejected, got ok=%v err=%v", ok, err)
	}

	ok, err = s.Check(ctx, "peer-a", 99)
	if err != nil || ok {
		t.Fatalf("lower nonce should be rejected, got ok=%v err=%v", ok, err)
	}

	ok, err = s.Check(ctx, "peer-a", 101)
	if err != nil || !ok {
		t.Fatalf("higher nonce should be accepted, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_CaseInsensitiveSender(t *testing.T) {
	s := NewMemoryStore(time.Hour, 100)
	ctx := context.Background()

	if ok, _ := s.Check(ctx, "Peer-A", 1); !ok {
		t.Fatal("expected first nonce accepted")
	}
	if ok, _ := s.Check(ctx, "peer-a", 1); ok {
		t.Fatal("expected same sender under different case to share nonce state")
	}
	if ok, _ := s.Check(ctx, "  PEER-A  ", 2); !ok {
		t.Fatal("expected higher nonce accepted regardless of whitespace/case")
	}
}

func TestMemoryStore_IndependentSenders(t *testing.T) {
	s := NewMemoryStore(time.Hour, 100)
	ctx := context.Background()

	if ok, _ := s.Check(ctx, "peer-a", 50); !ok {
		t.Fatal("expected peer-a nonce accepted")
	}
	if ok, _ := s.Check(ctx, "peer-b", 1); !ok {
		t.Fatal("expected peer-b's own low nonce accepted independently of peer-a")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore(20*time.Millisecond, 100)
	ctx := context.Background()

	if ok, _ := s.Check(ctx, "peer-a", 5); !ok {
		t.Fatal("expected first nonce accepted")
	}

	time.Sleep(40 * time.Millisecond)

	// After expiry the sender's high-water mark is forgotten, so even a
	// lower nonce is accepted again.
	if ok, _ := s.Check(ctx, "peer-a", 1); !ok {
		t.Fatal("expected nonce state to have expired and reset")
	}
}

func TestMemoryStore_BoundedEviction(t *testing.T) {
	s := NewMemoryStore(time.Hour, 3)
	ctx := context.Background()

	for _, sender := range []string{"a", "b", "c", "d"} {
		if ok, _ := s.Check(ctx, sender, 1); !ok {
			t.Fatalf("expected %s's first nonce accepted", sender)
		}
	}

	// "a" should have been evicted to make room for "d"; its nonce state
	// resets so a replayed low value is accepted again.
	if ok, _ := s.Check(ctx, "a", 1); !ok {
		t.Error("expected evicted sender 'a' to have been forgotten")
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := NewMemoryStore(time.Hour, 1000)
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			_, _ = s.Check(ctx, "peer-a", n)
		}(int64(i))
	}
	wg.Wait()
	// No race detector errors = pass.
}

func TestTimestampNonce_Monotonic(t *testing.T) {
	t1 := TimestampNonce(time.Now())
	time.Sleep(time.Millisecond)
	t2 := TimestampNonce(time.Now())
	if t2 <= t1 {
		t.Errorf("expected strictly increasing timestamp nonces, got %d then %d", t1, t2)
	}
}

func TestParseNonce(t *testing.T) {
	n, err := ParseNonce("12345")
	if err != nil || n != 12345 {
		t.Errorf("ParseNonce(\"12345\") = %d, %v", n, err)
	}

	if _, err := ParseNonce("not-a-number"); err == nil {
		t.Error("expected error for non-numeric nonce")
	}
}

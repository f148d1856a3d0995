package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold:     3,
		FailureRateThreshold: 0.5,
		WindowSize:           10,
		MinCallsForRate:      5,
		SuccessThreshold:     2,
		RecoveryTimeout:      30 * time.Millisecond,
		CallTimeout:          0,
		HalfOpenMaxCalls:     2,
	}
}

func ok(_ context.Context) (string, error)   { return "ok", nil }
func boom(_ context.Context) (string, error) { return "", errors.New("boom") }

// TestCircuitBreaker_OpensOnFailureThreshold mirrors spec.md scenario S3: three
// consecutive failures trip the breaker and the fourth call is rejected.
func TestCircuitBreaker_OpensOnFailureThreshold(t *testing.T) {
	b := New("neo4j", testConfig(), nil)

	for i := 0; i < 3; i++ {
		if _, err := Call(context.Background(), b, boom); err == nil {
			t.Fatal("expected failure to propagate")
		}
	}

	if b.State() != Open {
		t.Fatalf("expected OPEN after 3 failures, got %s", b.State())
	}

	_, err := Call(context.Background(), b, ok)
	var cbErr *Error
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if cbErr.State != Open {
		t.Errorf("expected rejection state OPEN, got %s", cbErr.State)
	}
	if b.GetStatus().RejectedCalls != 1 {
		t.Errorf("expected 1 rejected call, got %d", b.GetStatus().RejectedCalls)
	}
}

// TestCircuitBreaker_HalfOpenRecovery exercises OPEN -> HALF_OPEN -> CLOSED.
func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	b := New("neo4j", testConfig(), nil)
	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), b, boom)
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	time.Sleep(40 * time.Millisecond)

	if _, err := Call(context.Background(), b, ok); err != nil {
		t.Fatalf("expected first half-open trial to succeed, got %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after one success (success_threshold=2), got %s", b.State())
	}

	if _, err := Call(context.Background(), b, ok); err != nil {
		t.Fatalf("expected second half-open trial to succeed, got %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected CLOSED after success_threshold successes, got %s", b.State())
	}
}

// TestCircuitBreaker_HalfOpenFailureReopens verifies any failure in
// HALF_OPEN drives directly back to OPEN (spec.md §4.2).
func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("neo4j", testConfig(), nil)
	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), b, boom)
	}
	time.Sleep(40 * time.Millisecond)

	if _, err := Call(context.Background(), b, boom); err == nil {
		t.Fatal("expected failure to propagate in half-open")
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN again after half-open failure, got %s", b.State())
	}
}

func TestCircuitBreaker_RecoveryTimeoutBlocksEarlyRetries(t *testing.T) {
	b := New("neo4j", testConfig(), nil)
	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), b, boom)
	}

	// Immediately retrying (before RecoveryTimeout) must still be rejected.
	_, err := Call(context.Background(), b, ok)
	var cbErr *Error
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected rejection before recovery_timeout elapses, got %v", err)
	}
}

func TestCircuitBreaker_FailureRateThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 100 // disable absolute-count path
	cfg.MinCallsForRate = 4
	cfg.FailureRateThreshold = 0.5
	b := New("neo4j", cfg, nil)

	// 2 successes, 2 failures => rate 0.5 >= threshold once min_calls reached.
	_, _ = Call(context.Background(), b, ok)
	_, _ = Call(context.Background(), b, ok)
	_, _ = Call(context.Background(), b, boom)
	_, _ = Call(context.Background(), b, boom)

	if b.State() != Open {
		t.Fatalf("expected OPEN via failure rate threshold, got %s", b.State())
	}
}

func TestCircuitBreaker_ExcludedErrorsCountAsSuccess(t *testing.T) {
	cfg := testConfig()
	sentinel := errors.New("not found")
	cfg.IsExcluded = func(err error) bool { return errors.Is(err, sentinel) }
	b := New("neo4j", cfg, nil)

	notFound := func(_ context.Context) (string, error) { return "", sentinel }
	for i := 0; i < 5; i++ {
		_, _ = Call(context.Background(), b, notFound)
	}

	if b.State() != Closed {
		t.Fatalf("excluded errors must not open the circuit, got %s", b.State())
	}
	if b.GetStatus().SuccessfulCalls != 5 {
		t.Errorf("expected excluded errors counted as successes, got %d", b.GetStatus().SuccessfulCalls)
	}
}

func TestCircuitBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	b := New("neo4j", cfg, nil)

	slow := func(ctx context.Context) (string, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := Call(context.Background(), b, slow); err == nil {
			t.Fatal("expected timeout error")
		}
	}

	status := b.GetStatus()
	if status.TimeoutCalls != 3 {
		t.Errorf("expected 3 timeout calls, got %d", status.TimeoutCalls)
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN after repeated timeouts, got %s", b.State())
	}
}

func TestCircuitBreaker_WindowTrimming(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 4
	cfg.FailureThreshold = 100
	cfg.MinCallsForRate = 100
	b := New("neo4j", cfg, nil)

	for i := 0; i < 10; i++ {
		_, _ = Call(context.Background(), b, ok)
	}

	status := b.GetStatus()
	if status.TotalCalls != 10 {
		t.Errorf("total_calls should count every call regardless of window, got %d", status.TotalCalls)
	}
	if len(b.recentSuccesses)+len(b.recentFailures) > cfg.WindowSize {
		t.Errorf("sliding window exceeded configured size: %d", len(b.recentSuccesses)+len(b.recentFailures))
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	b := New("neo4j", testConfig(), nil)
	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), b, boom)
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	b.Reset()
	if b.State() != Closed {
		t.Fatalf("expected CLOSED after reset, got %s", b.State())
	}
	if _, err := Call(context.Background(), b, ok); err != nil {
		t.Fatalf("expected call to succeed after reset, got %v", err)
	}
}

func TestCircuitBreaker_ForceOpen(t *testing.T) {
	b := New("neo4j", testConfig(), nil)
	b.ForceOpen(5 * time.Millisecond)
	if b.State() != Open {
		t.Fatalf("expected OPEN after ForceOpen, got %s", b.State())
	}

	_, err := Call(context.Background(), b, ok)
	if err == nil {
		t.Fatal("expected immediate rejection after ForceOpen")
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := Call(context.Background(), b, ok); err != nil {
		t.Fatalf("expected admission after overridden recovery timeout, got %v", err)
	}
}

func TestCircuitBreaker_Listeners(t *testing.T) {
	b := New("neo4j", testConfig(), nil)
	var transitions [][2]State
	b.AddListener(func(old, new State) {
		transitions = append(transitions, [2]State{old, new})
	})
	b.AddListener(func(_, _ State) { panic("listener panic must not break breaker semantics") })

	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), b, boom)
	}

	if len(transitions) != 1 || transitions[0][1] != Open {
		t.Fatalf("expected one CLOSED->OPEN transition recorded, got %v", transitions)
	}
}

func TestErrorIs(t *testing.T) {
	err := &Error{Name: "neo4j", State: Open}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("expected errors.Is to match ErrCircuitOpen")
	}
}

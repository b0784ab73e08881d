package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	l := NewLimiter(DefaultConfig())

	// 15 -> 12 -> 10 -> 8 -> 6 -> 5, then pinned at the floor.
	want := []int{12, 10, 8, 6, 5, 5, 5}
	for i, w := range want {
		l.RecordFailure(true)
		if got := l.Stats().CurrentRPM; got != w {
			t.Fatalf("after %d overloads: currentRPM = %d, want %d", i+1, got, w)
		}
	}
}

func TestNonRateLimitFailureKeepsBudget(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	l.RecordFailure(false)
	if got := l.Stats().CurrentRPM; got != 15 {
		t.Errorf("non-overload failure changed budget to %d", got)
	}
}

func TestRecoveryRequiresConsecutiveSuccesses(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	l.RecordFailure(true)
	l.RecordFailure(true) // 15 -> 12 -> 10

	for i := 0; i < 9; i++ {
		l.RecordSuccess()
	}
	if got := l.Stats().CurrentRPM; got != 10 {
		t.Fatalf("budget moved before the streak threshold: %d", got)
	}

	l.RecordSuccess() // 10th consecutive success
	if got := l.Stats().CurrentRPM; got != 13 {
		t.Fatalf("after recovery step: currentRPM = %d, want 13", got)
	}

	// A failure in the middle of the next streak resets it.
	for i := 0; i < 5; i++ {
		l.RecordSuccess()
	}
	l.RecordFailure(false)
	for i := 0; i < 9; i++ {
		l.RecordSuccess()
	}
	if got := l.Stats().CurrentRPM; got != 13 {
		t.Fatalf("streak survived an interleaved failure: currentRPM = %d", got)
	}

	l.RecordSuccess()
	if got := l.Stats().CurrentRPM; got != 15 {
		t.Fatalf("second recovery step: currentRPM = %d, want 15 (capped at base)", got)
	}

	// At base, further successes change nothing.
	for i := 0; i < 25; i++ {
		l.RecordSuccess()
	}
	if got := l.Stats().CurrentRPM; got != 15 {
		t.Errorf("budget exceeded base: %d", got)
	}
}

func TestBudgetStaysWithinBounds(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	ops := []func(){
		func() { l.RecordFailure(true) },
		func() { l.RecordSuccess() },
		func() { l.RecordFailure(false) },
	}
	for i := 0; i < 500; i++ {
		ops[i%len(ops)]()
		s := l.Stats()
		if s.CurrentRPM < 5 || s.CurrentRPM > 15 {
			t.Fatalf("budget %d escaped [5,15] at op %d", s.CurrentRPM, i)
		}
	}
}

func TestAcquireBlocksWhenWindowFull(t *testing.T) {
	l := NewLimiter(Config{
		BaseRPM:           3,
		Window:            200 * time.Millisecond,
		BackoffFactor:     0.8,
		RecoveryThreshold: 10,
		MinRPM:            1,
	})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("first window of acquires should be immediate, took %v", elapsed)
	}

	// Fourth admission must wait for the window to roll.
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("fourth acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("fourth acquire returned after %v, expected to block ~200ms", elapsed)
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	l := NewLimiter(Config{
		BaseRPM:           1,
		Window:            time.Minute,
		BackoffFactor:     0.8,
		RecoveryThreshold: 10,
		MinRPM:            1,
	})

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("blocked acquire returned %v, want context.DeadlineExceeded", err)
	}
}

func TestAcquireConcurrentRespectsBudget(t *testing.T) {
	l := NewLimiter(Config{
		BaseRPM:           5,
		Window:            250 * time.Millisecond,
		BackoffFactor:     0.8,
		RecoveryThreshold: 10,
		MinRPM:            1,
	})

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	// 10 admissions against a budget of 5 need at least one extra window.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("10 acquires at 5 per window finished in %v", elapsed)
	}
	if got := l.Stats().TotalAcquired; got != 10 {
		t.Errorf("TotalAcquired = %d, want 10", got)
	}
}

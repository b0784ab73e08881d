/**
 * Adaptive rate limiter for the vision capability
 *
 * Client-side sliding-window limiter shared by every worker goroutine in
 * the process. The effective requests-per-minute shrinks multiplicatively
 * when the capability signals overload and recovers stepwise after a run
 * of successes, so the worker converges on whatever rate the capability
 * will actually sustain.
 */

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/vitalscan/labextract-worker/internal/logging"
)

// Config controls limiter behaviour.
type Config struct {
	BaseRPM           int           // steady-state request budget
	Window            time.Duration // sliding window length
	BackoffFactor     float64       // multiplier applied on overload, in (0,1)
	RecoveryThreshold int           // consecutive successes before stepping back up
	MinRPM            int           // floor the budget never drops below
}

// DefaultConfig matches the provider quota the worker is deployed against.
func DefaultConfig() Config {
	return Config{
		BaseRPM:           15,
		Window:            time.Minute,
		BackoffFactor:     0.8,
		RecoveryThreshold: 10,
		MinRPM:            5,
	}
}

// Stats is a point-in-time snapshot for logging and progress reporting.
type Stats struct {
	CurrentRPM    int   `json:"current_rpm"`
	BaseRPM       int   `json:"base_rpm"`
	InWindow      int   `json:"in_window"`
	SuccessStreak int   `json:"success_streak"`
	Backoffs      int64 `json:"backoffs"`
	TotalAcquired int64 `json:"total_acquired"`
}

// Limiter is safe for concurrent use. One instance serves the whole
// process; per-goroutine limiters would multiply the effective rate.
type Limiter struct {
	mu sync.Mutex

	cfg        Config
	currentRPM int
	timestamps []time.Time // admission times still inside the window
	streak     int
	backoffs   int64
	acquired   int64

	logger *logging.Logger
	now    func() time.Time // injectable for tests
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.MinRPM < 1 {
		cfg.MinRPM = 1
	}
	if cfg.BaseRPM < cfg.MinRPM {
		cfg.BaseRPM = cfg.MinRPM
	}
	return &Limiter{
		cfg:        cfg,
		currentRPM: cfg.BaseRPM,
		logger:     logging.NewLogger("ratelimit"),
		now:        time.Now,
	}
}

// Acquire blocks until a slot is free in the sliding window, then records
// the admission. Returns early with the context error on cancellation.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.timestamps) < l.currentRPM {
			l.timestamps = append(l.timestamps, now)
			l.acquired++
			l.mu.Unlock()
			return nil
		}

		// Oldest admission decides when the next slot opens.
		wait := l.cfg.Window - now.Sub(l.timestamps[0])
		l.mu.Unlock()

		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RecordSuccess notes a successful capability call. After
// RecoveryThreshold consecutive successes the budget steps back toward
// BaseRPM by undoing one backoff multiplication.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.streak++
	if l.streak < l.cfg.RecoveryThreshold || l.currentRPM >= l.cfg.BaseRPM {
		return
	}

	recovered := int(math.Round(float64(l.currentRPM) / l.cfg.BackoffFactor))
	if recovered <= l.currentRPM {
		recovered = l.currentRPM + 1
	}
	if recovered > l.cfg.BaseRPM {
		recovered = l.cfg.BaseRPM
	}
	l.logger.Info("recovering rate budget", "from_rpm", l.currentRPM, "to_rpm", recovered)
	l.currentRPM = recovered
	l.streak = 0
}

// RecordFailure notes a failed call. Only rate-limit rejections shrink the
// budget; other failures just reset the success streak, since slowing down
// does not help a malformed request.
func (l *Limiter) RecordFailure(isRateLimit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.streak = 0
	if !isRateLimit {
		return
	}

	reduced := int(math.Round(float64(l.currentRPM) * l.cfg.BackoffFactor))
	if reduced < l.cfg.MinRPM {
		reduced = l.cfg.MinRPM
	}
	if reduced != l.currentRPM {
		l.logger.Warn("capability overloaded, backing off", "from_rpm", l.currentRPM, "to_rpm", reduced)
	}
	l.currentRPM = reduced
	l.backoffs++
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return Stats{
		CurrentRPM:    l.currentRPM,
		BaseRPM:       l.cfg.BaseRPM,
		InWindow:      len(l.timestamps),
		SuccessStreak: l.streak,
		Backoffs:      l.backoffs,
		TotalAcquired: l.acquired,
	}
}

// prune drops admissions older than the window. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}

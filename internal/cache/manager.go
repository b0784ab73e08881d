/**
 * Two-tier result cache for pipeline stages
 *
 * Fast tier: Redis, bounded TTL. Durable tier: Postgres, compressed,
 * size-budget evicted. Keys are derived from image content, never from
 * job or user identity, so resubmissions of the same bytes hit regardless
 * of who sent them. Cache failures are never fatal: a broken tier degrades
 * to recomputation.
 */

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vitalscan/labextract-worker/internal/logging"
)

// Key derives the cache key for a stage result from the image bytes. Same
// content plus same stage always yields the same key.
func Key(stage string, content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]) + ":" + stage
}

// FastTier is the low-latency cache (Redis). A miss is (nil, nil).
type FastTier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// DurableTier survives process restarts and Redis flushes (Postgres).
// A miss is (nil, false, nil).
type DurableTier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// SimilarMatch is one near-duplicate candidate within the distance bound.
type SimilarMatch struct {
	ID       string
	Distance int
}

// Manager coordinates the two tiers and deduplicates concurrent
// computations of the same key.
type Manager struct {
	fast    FastTier
	durable DurableTier
	ttl     time.Duration
	group   singleflight.Group
	logger  *logging.Logger
}

func NewManager(fast FastTier, durable DurableTier, ttl time.Duration) *Manager {
	return &Manager{
		fast:    fast,
		durable: durable,
		ttl:     ttl,
		logger:  logging.NewLogger("cache"),
	}
}

// Get checks the fast tier, then the durable tier. A durable hit
// repopulates the fast tier so the next lookup is cheap. Tier errors are
// logged and treated as misses.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	if m.fast != nil {
		value, err := m.fast.Get(ctx, key)
		if err != nil {
			m.logger.Warn("fast tier read failed", "key", key, "error", err)
		} else if value != nil {
			return value, true
		}
	}

	if m.durable != nil {
		value, found, err := m.durable.Get(ctx, key)
		if err != nil {
			m.logger.Warn("durable tier read failed", "key", key, "error", err)
		} else if found {
			if m.fast != nil {
				if err := m.fast.Set(ctx, key, value, m.ttl); err != nil {
					m.logger.Warn("fast tier repopulate failed", "key", key, "error", err)
				}
			}
			return value, true
		}
	}

	return nil, false
}

// Put writes through both tiers. Failures are logged; at-least-one-tier is
// good enough and zero tiers just means recomputation later.
func (m *Manager) Put(ctx context.Context, key string, value []byte) {
	if m.fast != nil {
		if err := m.fast.Set(ctx, key, value, m.ttl); err != nil {
			m.logger.Warn("fast tier write failed", "key", key, "error", err)
		}
	}
	if m.durable != nil {
		if err := m.durable.Put(ctx, key, value); err != nil {
			m.logger.Warn("durable tier write failed", "key", key, "error", err)
		}
	}
}

// Do returns the cached value for key or computes it exactly once, even
// under concurrent callers for the same key. The computed value is written
// through both tiers before being returned.
func (m *Manager) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if value, ok := m.Get(ctx, key); ok {
		return value, nil
	}

	value, err, shared := m.group.Do(key, func() (interface{}, error) {
		// Another caller may have populated the cache while this one waited
		// on the flight group.
		if cached, ok := m.Get(ctx, key); ok {
			return cached, nil
		}
		computed, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		m.Put(ctx, key, computed)
		return computed, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("deduplicated concurrent computation", "key", key)
	}
	return value.([]byte), nil
}

// FindSimilar returns the candidate IDs whose perceptual hash lies within
// maxDistance of the probe hash, closest first. Ties break on ID so the
// ordering is stable.
func (m *Manager) FindSimilar(hash uint64, candidates map[string]uint64, maxDistance int) []SimilarMatch {
	var matches []SimilarMatch
	for id, candidate := range candidates {
		if d := HammingDistance(hash, candidate); d <= maxDistance {
			matches = append(matches, SimilarMatch{ID: id, Distance: d})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	return matches
}

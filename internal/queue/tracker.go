/**
 * Redis progress tracker
 *
 * Publishes per-document stage transitions so the API tier can stream
 * progress to clients. State lives in a Redis hash with a TTL; each
 * transition is also published on a channel for subscribers.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	progressKeyPrefix = "labextract:progress:"
	progressChannel   = "labextract:events"
	progressTTL       = 24 * time.Hour
)

// ProgressTracker records pipeline stage transitions in Redis.
type ProgressTracker struct {
	client *redis.Client
}

func NewProgressTracker(client *redis.Client) *ProgressTracker {
	return &ProgressTracker{client: client}
}

// Update stores the current stage for a document and publishes an event.
// Tracking is best effort: a Redis hiccup never blocks the pipeline.
func (t *ProgressTracker) Update(ctx context.Context, documentID, stage string) {
	if t == nil || t.client == nil {
		return
	}

	key := progressKeyPrefix + documentID
	now := time.Now().UTC().Format(time.RFC3339)

	pipe := t.client.Pipeline()
	pipe.HSet(ctx, key, "stage", stage, "updated_at", now)
	pipe.Expire(ctx, key, progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return
	}

	event, _ := json.Marshal(map[string]string{
		"event":       fmt.Sprintf("document:%s", stage),
		"document_id": documentID,
		"stage":       stage,
		"timestamp":   now,
	})
	t.client.Publish(ctx, progressChannel, event)
}

// Current returns the last recorded stage for a document, or "" when the
// document is unknown or the record has expired.
func (t *ProgressTracker) Current(ctx context.Context, documentID string) (string, error) {
	stage, err := t.client.HGet(ctx, progressKeyPrefix+documentID, "stage").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read progress: %w", err)
	}
	return stage, nil
}

package storage

import (
	"bytes"
	"compress/flate"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/vitalscan/labextract-worker/internal/errors"
	"github.com/vitalscan/labextract-worker/internal/logging"
)

/**
 * Durable cache tier backed by the stage_cache table.
 *
 * Payloads are flate-compressed (stage results are JSON and PNG re-encodes,
 * both compress well). Total size is kept under a byte budget by evicting
 * the least recently accessed rows. Implements cache.DurableTier.
 */

type StageCache struct {
	client   *PostgresClient
	maxBytes int64
	logger   *logging.Logger
}

// StageCache returns the durable tier view over this database, bounded to
// maxMB of compressed payload.
func (c *PostgresClient) StageCache(maxMB int) *StageCache {
	return &StageCache{
		client:   c,
		maxBytes: int64(maxMB) * 1024 * 1024,
		logger:   logging.NewLogger("stage-cache"),
	}
}

// Get fetches and decompresses a cached payload, updating its access time.
func (s *StageCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var compressed []byte
	err := s.client.db.QueryRowContext(ctx, `
		UPDATE stage_cache SET last_access = now()
		WHERE cache_key = $1
		RETURNING payload`, key).Scan(&compressed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, apperrors.NewCacheUnavailableError("durable", err)
	}

	reader := flate.NewReader(bytes.NewReader(compressed))
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, fmt.Errorf("durable cache decompress: %w", err)
	}
	return payload, true, nil
}

// Put compresses and stores a payload, then evicts down to the budget.
func (s *StageCache) Put(ctx context.Context, key string, value []byte) error {
	var buf bytes.Buffer
	writer, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return fmt.Errorf("durable cache compress: %w", err)
	}
	if _, err := writer.Write(value); err != nil {
		return fmt.Errorf("durable cache compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("durable cache compress: %w", err)
	}
	compressed := buf.Bytes()

	_, err = s.client.db.ExecContext(ctx, `
		INSERT INTO stage_cache (cache_key, payload, payload_size)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			payload_size = EXCLUDED.payload_size,
			last_access = now()`,
		key, compressed, len(compressed))
	if err != nil {
		return apperrors.NewCacheUnavailableError("durable", err)
	}

	s.evict(ctx)
	return nil
}

// evict deletes least-recently-accessed rows until the total compressed
// size fits the budget. Best effort: eviction failures only log.
func (s *StageCache) evict(ctx context.Context) {
	result, err := s.client.db.ExecContext(ctx, `
		DELETE FROM stage_cache WHERE cache_key IN (
			SELECT cache_key FROM (
				SELECT cache_key,
					SUM(payload_size) OVER (ORDER BY last_access DESC) AS running
				FROM stage_cache
			) ranked
			WHERE running > $1
		)`, s.maxBytes)
	if err != nil {
		s.logger.Warn("cache eviction failed", "error", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("evicted cache entries", "count", n)
	}
}

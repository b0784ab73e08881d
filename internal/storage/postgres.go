/**
 * PostgreSQL storage layer
 *
 * Persists job state, extraction outcomes, image fingerprints and the
 * durable cache tier. Single connection pool shared by all workers.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/vitalscan/labextract-worker/internal/logging"
)

// PostgresClient wraps the database connection pool.
type PostgresClient struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewPostgresClient connects, configures the pool and ensures the schema.
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &PostgresClient{
		db:     db,
		logger: logging.NewLogger("storage"),
	}
	if err := client.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return client, nil
}

func (c *PostgresClient) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS extraction_jobs (
			job_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_extraction_jobs_document
			ON extraction_jobs (document_id)`,
		`CREATE TABLE IF NOT EXISTS extraction_outcomes (
			document_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			quality_score DOUBLE PRECISION,
			confidence DOUBLE PRECISION,
			needs_review BOOLEAN NOT NULL DEFAULT FALSE,
			review_reasons JSONB NOT NULL DEFAULT '[]',
			panel TEXT NOT NULL DEFAULT '',
			summary JSONB,
			tests JSONB NOT NULL DEFAULT '[]',
			timings JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS stage_cache (
			cache_key TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			payload_size BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_access TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS image_fingerprints (
			document_id TEXT PRIMARY KEY,
			phash BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range schema {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// UpdateJobStatus upserts the current state of a job.
func (c *PostgresClient) UpdateJobStatus(ctx context.Context, jobID, documentID, status, stage, errMsg string, attempts int) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO extraction_jobs (job_id, document_id, status, stage, error, attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			stage = EXCLUDED.stage,
			error = EXCLUDED.error,
			attempts = EXCLUDED.attempts,
			updated_at = now()`,
		jobID, documentID, status, stage, errMsg, attempts)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// OutcomeRecord is the persisted result of one document.
type OutcomeRecord struct {
	DocumentID    string
	JobID         string
	Status        string
	QualityScore  float64
	Confidence    float64
	NeedsReview   bool
	ReviewReasons []string
	Panel         string
	Summary       interface{}
	Tests         interface{}
	Timings       map[string]int64 // stage -> milliseconds
}

// SaveOutcome writes (or rewrites) the outcome for a document.
func (c *PostgresClient) SaveOutcome(ctx context.Context, rec *OutcomeRecord) error {
	reasons, err := json.Marshal(rec.ReviewReasons)
	if err != nil {
		return fmt.Errorf("marshal review reasons: %w", err)
	}
	if rec.ReviewReasons == nil {
		reasons = []byte("[]")
	}
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	tests, err := json.Marshal(rec.Tests)
	if err != nil {
		return fmt.Errorf("marshal tests: %w", err)
	}
	if rec.Tests == nil {
		tests = []byte("[]")
	}
	timings, err := json.Marshal(rec.Timings)
	if err != nil {
		return fmt.Errorf("marshal timings: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO extraction_outcomes
			(document_id, job_id, status, quality_score, confidence, needs_review,
			 review_reasons, panel, summary, tests, timings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (document_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			status = EXCLUDED.status,
			quality_score = EXCLUDED.quality_score,
			confidence = EXCLUDED.confidence,
			needs_review = EXCLUDED.needs_review,
			review_reasons = EXCLUDED.review_reasons,
			panel = EXCLUDED.panel,
			summary = EXCLUDED.summary,
			tests = EXCLUDED.tests,
			timings = EXCLUDED.timings`,
		rec.DocumentID, rec.JobID, rec.Status, rec.QualityScore, rec.Confidence,
		rec.NeedsReview, reasons, rec.Panel, summary, tests, timings)
	if err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

// SaveFingerprint records the perceptual hash of an accepted document.
func (c *PostgresClient) SaveFingerprint(ctx context.Context, documentID string, phash uint64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO image_fingerprints (document_id, phash)
		VALUES ($1, $2)
		ON CONFLICT (document_id) DO UPDATE SET phash = EXCLUDED.phash`,
		documentID, int64(phash))
	if err != nil {
		return fmt.Errorf("failed to save fingerprint: %w", err)
	}
	return nil
}

// RecentFingerprints loads up to limit recent fingerprints as candidates
// for near-duplicate detection.
func (c *PostgresClient) RecentFingerprints(ctx context.Context, limit int) (map[string]uint64, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT document_id, phash FROM image_fingerprints
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var id string
		var hash int64
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = uint64(hash)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close shuts down the connection pool.
func (c *PostgresClient) Close() error {
	return c.db.Close()
}

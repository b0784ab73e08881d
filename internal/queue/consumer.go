/**
 * Queue consumer for the lab-report extraction worker
 *
 * Consumes extraction jobs from a Redis-backed queue using Asynq and
 * hands each document to the pipeline orchestrator. The orchestrator
 * owns capability retries and the per-document timeout, so a document
 * that comes back failed is terminal: the task is not re-queued.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	apperrors "github.com/vitalscan/labextract-worker/internal/errors"
	"github.com/vitalscan/labextract-worker/internal/pipeline"
)

// TaskExtractReport is the task type for one lab-report image.
const TaskExtractReport = "extract-report"

// ExtractPayload is the wire format of an extraction task. Image carries
// the raw photo bytes, base64-encoded by encoding/json.
type ExtractPayload struct {
	DocumentID string `json:"documentId"`
	JobID      string `json:"jobId"`
	Filename   string `json:"filename,omitempty"`
	Image      []byte `json:"image"`
}

// Consumer pulls extraction tasks off the queue and runs the pipeline.
type Consumer struct {
	client       *asynq.Client
	server       *asynq.Server
	mux          *asynq.ServeMux
	orchestrator *pipeline.Orchestrator
	config       *ConsumerConfig
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	RedisURL     string
	QueueName    string
	Concurrency  int
	Orchestrator *pipeline.Orchestrator
}

// NewConsumer creates a new queue consumer.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "labextract:jobs"
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("Orchestrator is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Client for enqueueing (resubmissions, tests, local tooling).
	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Queue-level retries only cover infrastructure errors
			// (Redis, Postgres). Capability retries happen inside the
			// pipeline with its own pacing.
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, error=%v", task.Type(), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:       client,
		server:       server,
		mux:          mux,
		orchestrator: cfg.Orchestrator,
		config:       cfg,
	}

	mux.HandleFunc(TaskExtractReport, consumer.handleExtractReport)

	return consumer, nil
}

// Start starts the queue consumer.
func (c *Consumer) Start() error {
	log.Printf("Starting queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			log.Printf("Queue consumer error: %v", err)
		}
	}()

	return nil
}

// Stop stops the queue consumer gracefully, waiting for in-flight
// documents to reach a terminal state.
func (c *Consumer) Stop() error {
	log.Printf("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	log.Printf("Queue consumer stopped")
	return nil
}

// Enqueue submits a new extraction task. A missing document ID gets a
// generated one so resubmitted photos of the same report stay distinct
// at the job level while still deduplicating by content in the cache.
func (c *Consumer) Enqueue(ctx context.Context, payload *ExtractPayload) (string, error) {
	if payload.DocumentID == "" {
		payload.DocumentID = uuid.NewString()
	}
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	task := asynq.NewTask(TaskExtractReport, data)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.config.QueueName)); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	log.Printf("[Job %s] Enqueued document %s (%d bytes)", payload.JobID, payload.DocumentID, len(payload.Image))
	return payload.DocumentID, nil
}

// handleExtractReport runs one extraction task through the pipeline.
func (c *Consumer) handleExtractReport(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload ExtractPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.Image) == 0 {
		return fmt.Errorf("task has no image data: %w", asynq.SkipRetry)
	}
	if payload.DocumentID == "" {
		payload.DocumentID = uuid.NewString()
	}

	log.Printf("[Job %s] Processing document %s: filename=%s, size=%d bytes",
		payload.JobID, payload.DocumentID, payload.Filename, len(payload.Image))

	outcome, err := c.orchestrator.Process(ctx, &pipeline.Document{
		ID:    payload.DocumentID,
		JobID: payload.JobID,
		Image: payload.Image,
	})

	duration := time.Since(startTime)

	if err != nil {
		// Pipeline failures are terminal: retries and the timeout were
		// already spent inside Process. Only infrastructure errors are
		// handed back to the queue for another attempt.
		var perr *apperrors.PipelineError
		if errors.As(err, &perr) {
			detail, _ := json.Marshal(perr.ToMap())
			log.Printf("[Job %s] Document %s failed after %v: %s", payload.JobID, payload.DocumentID, duration, detail)
			return fmt.Errorf("extraction failed: %v: %w", err, asynq.SkipRetry)
		}
		log.Printf("[Job %s] Infrastructure error after %v, re-queueing: %v", payload.JobID, duration, err)
		return err
	}

	log.Printf("[Job %s] Document %s finished in %v: status=%s confidence=%.2f",
		payload.JobID, payload.DocumentID, duration, outcome.Status, outcome.Confidence)
	return nil
}

// GetStatistics returns consumer statistics.
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

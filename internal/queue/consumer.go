/**
 * Asynq Queue Consumer for the IDExtract Worker
 *
 * Alternative backend for deployments that enqueue through asynq instead of
 * the API's plain Redis lists. Tasks of type "extract-document" carry the
 * same JobPayload JSON.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/idextract-worker/internal/processor"
)

// TaskTypeExtractDocument is the asynq task type handled by the consumer
const TaskTypeExtractDocument = "extract-document"

const defaultMaxRetry = 3

// Consumer handles job consumption through asynq
type Consumer struct {
	inspector *asynq.Inspector
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	config    *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // milliseconds, default 300000
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
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
		inspector: asynq.NewInspector(redisOpt),
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
	}

	mux.HandleFunc(TaskTypeExtractDocument, consumer.handleExtractDocument)

	return consumer, nil
}

// NewExtractTask builds the asynq task for a payload
func NewExtractTask(payload *JobPayload, queueName string, timeout time.Duration) (*asynq.Task, error) {
	if payload == nil || payload.JobID == "" {
		return nil, fmt.Errorf("payload with job ID is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TaskTypeExtractDocument, data,
		asynq.Queue(queueName),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Timeout(timeout),
		asynq.Retention(24*time.Hour),
	), nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting asynq consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.inspector.Close(); err != nil {
		return fmt.Errorf("failed to close inspector: %w", err)
	}

	log.Printf("Queue consumer stopped")
	return nil
}

func (c *Consumer) handleExtractDocument(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	if alreadyCompleted(ctx, c.processor, payload.JobID) {
		log.Printf("[Job %s] Already completed, skipping re-delivered task", payload.JobID)
		return nil
	}

	log.Printf("[Job %s] Processing document: filename=%s, size=%d bytes",
		payload.JobID, payload.Filename, payload.FileSize)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, StatusProcessing, 0, payload.startMetadata()); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", payload.JobID, err)
	}

	startTime := time.Now()
	result, err := runWithTimeout(ctx, c.processor, &payload, processingTimeout(c.config.ProcessingTimeout))
	duration := time.Since(startTime)

	if err != nil {
		retryCount, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		final := !isRetryable(err) || retryCount >= maxRetry

		log.Printf("[Job %s] Processing failed after %v (retry %d/%d): %v",
			payload.JobID, duration, retryCount, maxRetry, err)

		if final {
			meta := failureMetadata(err, retryCount+1, duration)
			if updateErr := c.processor.UpdateJobStatus(ctx, payload.JobID, StatusFailed, 100, meta); updateErr != nil {
				log.Printf("[Job %s] Warning: Failed to update status to failed: %v", payload.JobID, updateErr)
			}
		}
		if !isRetryable(err) {
			return fmt.Errorf("document extraction failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document extraction failed: %w", err)
	}

	log.Printf("[Job %s] Processing completed in %v: pages=%d, fields=%v",
		payload.JobID, duration, result.PageCount, result.FieldsFound)

	if result.Document != nil {
		if data, err := json.Marshal(result.Document); err == nil {
			if _, err := task.ResultWriter().Write(data); err != nil {
				log.Printf("[Job %s] Warning: Failed to write task result: %v", payload.JobID, err)
			}
		}
	}

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, StatusCompleted, 100, completionMetadata(result)); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to completed: %v", payload.JobID, err)
	}

	return nil
}

// GetStats returns queue statistics in the same shape as the Redis list
// consumer. Tasks that exhausted their retries are archived by asynq and
// counted as failed.
func (c *Consumer) GetStats(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := c.inspector.GetQueueInfo(c.config.QueueName)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return queueInfoStats(info), nil
}

func queueInfoStats(info *asynq.QueueInfo) map[string]int64 {
	return map[string]int64{
		"waiting":    int64(info.Pending + info.Scheduled),
		"processing": int64(info.Active),
		"retrying":   int64(info.Retry),
		"completed":  int64(info.Completed),
		"failed":     int64(info.Archived),
	}
}

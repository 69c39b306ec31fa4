/**
 * Direct Redis Queue Consumer for the IDExtract Worker
 *
 * Compatible with the TypeScript RedisQueue implementation used by the API.
 * Uses simple Redis LIST/SET/HASH operations:
 *   <queue>             LIST of pending job IDs
 *   <queue>:data        HASH jobID → job JSON
 *   <queue>:processing  SET of running jobs (also :completed, :failed)
 *   <queue>:results     HASH jobID → DocumentResult JSON
 *   <queue>:errors      HASH jobID → error JSON
 *   <queue>:events      PUBSUB channel of job:<status> events
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/idextract-worker/internal/processor"
)

var errNoJobs = errors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.DocumentProcessorInterface
	config    *RedisConsumerConfig
	keys      queueKeys
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // milliseconds, default 300000
}

type queueKeys struct {
	pending, data, processing, completed, failed, results, errors, events string
}

func newQueueKeys(queue string) queueKeys {
	return queueKeys{
		pending:    queue,
		data:       queue + ":data",
		processing: queue + ":processing",
		completed:  queue + ":completed",
		failed:     queue + ":failed",
		results:    queue + ":results",
		errors:     queue + ":errors",
		events:     queue + ":events",
	}
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "idextract:jobs"
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		keys:      newQueueKeys(cfg.QueueName),
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	log.Printf("Starting Redis queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	log.Println("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer, letting in-flight jobs finish
func (c *RedisConsumer) Stop() error {
	log.Println("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-c.ctx.Done():
			log.Printf("Worker %d stopping", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
					continue
				}
				log.Printf("Worker %d error: %v", id, err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.keys.pending).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	// Jobs run to completion on a context detached from shutdown
	return c.runJob(context.WithoutCancel(c.ctx), result[1])
}

// runJob processes one popped job. Every path ends with the job completed,
// re-queued or recorded as failed.
func (c *RedisConsumer) runJob(ctx context.Context, queueJobID string) error {
	jobData, err := c.client.HGet(ctx, c.keys.data, queueJobID).Result()
	if err != nil {
		reason := fmt.Sprintf("failed to get job data: %v", err)
		if err == redis.Nil {
			reason = "job data missing"
		}
		c.fail(ctx, queueJobID, map[string]interface{}{"error": reason})
		return fmt.Errorf("job %s: %s", queueJobID, reason)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.fail(ctx, queueJobID, map[string]interface{}{"error": fmt.Sprintf("malformed job: %v", err)})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = queueJobID
	}
	jobID := job.Payload.JobID

	if alreadyCompleted(ctx, c.processor, jobID) {
		log.Printf("[Job %s] Already completed, skipping re-delivered job", jobID)
		return nil
	}

	if err := c.processor.UpdateJobStatus(ctx, jobID, StatusProcessing, 0, job.Payload.startMetadata()); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", jobID, err)
	}
	if err := c.client.SAdd(ctx, c.keys.processing, jobID).Err(); err != nil {
		log.Printf("[Job %s] Warning: Failed to mark job processing in Redis: %v", jobID, err)
	}
	c.publish(ctx, jobID, StatusProcessing)

	log.Printf("Processing job %s: %s", jobID, job.Payload.Filename)

	startTime := time.Now()
	timeout := processingTimeout(c.config.ProcessingTimeout)
	processResult, err := runWithTimeout(ctx, c.processor, &job.Payload, timeout)
	duration := time.Since(startTime)

	if err != nil {
		job.Attempts++
		log.Printf("[Job %s] Failed after %v (attempt %d/%d): %v", jobID, duration, job.Attempts, job.MaxRetries, err)
		return c.retryOrFail(ctx, queueJobID, &job, err, duration)
	}

	c.markCompleted(ctx, jobID, processResult)
	if err := c.processor.UpdateJobStatus(ctx, jobID, StatusCompleted, 100, completionMetadata(processResult)); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to completed: %v", jobID, err)
	}
	log.Printf("[Job %s] Completed in %v (pages=%d)", jobID, duration, processResult.PageCount)
	return nil
}

// retryOrFail re-queues a retryable failure with attempts left and records
// every other failure. A job that cannot be re-queued is recorded as failed.
func (c *RedisConsumer) retryOrFail(ctx context.Context, queueJobID string, job *RedisJobData, jobErr error, duration time.Duration) error {
	jobID := job.Payload.JobID

	if isRetryable(jobErr) && job.Attempts < job.MaxRetries {
		requeueErr := c.requeue(ctx, queueJobID, job)
		if requeueErr == nil {
			log.Printf("[Job %s] Re-queued for retry (attempt %d/%d)", jobID, job.Attempts, job.MaxRetries)
			return nil
		}

		meta := failureMetadata(jobErr, job.Attempts, duration)
		meta["requeueError"] = requeueErr.Error()
		c.fail(ctx, jobID, meta)
		return fmt.Errorf("job %s could not be re-queued: %w", jobID, requeueErr)
	}

	c.fail(ctx, jobID, failureMetadata(jobErr, job.Attempts, duration))
	return nil
}

// requeue stores the updated attempt count and pushes the job back.
func (c *RedisConsumer) requeue(ctx context.Context, queueJobID string, job *RedisJobData) error {
	updatedData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.keys.data, queueJobID, updatedData)
	pipe.SRem(ctx, c.keys.processing, job.Payload.JobID)
	pipe.LPush(ctx, c.keys.pending, queueJobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to re-queue job: %w", err)
	}
	return nil
}

// fail records a final failure in Redis and in the job store.
func (c *RedisConsumer) fail(ctx context.Context, jobID string, meta map[string]interface{}) {
	c.markFailed(ctx, jobID, meta)
	if err := c.processor.UpdateJobStatus(ctx, jobID, StatusFailed, 100, meta); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to failed: %v", jobID, err)
	}
}

func (c *RedisConsumer) markCompleted(ctx context.Context, jobID string, result *processor.ProcessResult) {
	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, c.keys.processing, jobID)
	pipe.SAdd(ctx, c.keys.completed, jobID)
	if result.Document != nil {
		resultData, err := json.Marshal(result.Document)
		if err != nil {
			log.Printf("[Job %s] Failed to encode result: %v", jobID, err)
		} else {
			pipe.HSet(ctx, c.keys.results, jobID, resultData)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Job %s] Failed to record completion in Redis: %v", jobID, err)
	}
	c.publish(ctx, jobID, StatusCompleted)
}

func (c *RedisConsumer) markFailed(ctx context.Context, jobID string, meta map[string]interface{}) {
	errorData, _ := json.Marshal(meta)
	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, c.keys.processing, jobID)
	pipe.SAdd(ctx, c.keys.failed, jobID)
	pipe.HSet(ctx, c.keys.errors, jobID, errorData)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Job %s] Failed to record failure in Redis: %v", jobID, err)
	}
	c.publish(ctx, jobID, StatusFailed)
}

// publish emits a job event for WebSocket streaming
func (c *RedisConsumer) publish(ctx context.Context, jobID, status string) {
	eventData, _ := json.Marshal(jobEvent(jobID, status, time.Now()))
	c.client.Publish(ctx, c.keys.events, eventData)
}

func jobEvent(jobID, status string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": at.Format(time.RFC3339),
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.keys.pending)
	processing := pipe.SCard(ctx, c.keys.processing)
	completed := pipe.SCard(ctx, c.keys.completed)
	failed := pipe.SCard(ctx, c.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

var errNilPayload = errors.New("payload is required")

// Producer submits extraction jobs to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, payload *JobPayload) (string, error)
	Close() error
}

// AsynqProducer enqueues extract-document tasks for the asynq consumer.
type AsynqProducer struct {
	client    *asynq.Client
	queueName string
	timeout   time.Duration
}

// NewAsynqProducer creates a producer for the asynq backend.
// processingTimeoutMs becomes the task timeout.
func NewAsynqProducer(redisURL, queueName string, processingTimeoutMs int64) (*AsynqProducer, error) {
	if queueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &AsynqProducer{
		client:    asynq.NewClient(redisOpt),
		queueName: queueName,
		timeout:   processingTimeout(processingTimeoutMs),
	}, nil
}

// Enqueue submits payload and returns the task ID.
func (p *AsynqProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload == nil {
		return "", errNilPayload
	}
	ensureJobID(payload)
	task, err := NewExtractTask(payload, p.queueName, p.timeout)
	if err != nil {
		return "", err
	}
	info, err := p.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// Close closes the asynq client.
func (p *AsynqProducer) Close() error {
	return p.client.Close()
}

// RedisProducer writes jobs in the layout the Redis list consumer reads:
// job JSON in <queue>:data and the job ID pushed onto <queue>.
type RedisProducer struct {
	client     *redis.Client
	keys       queueKeys
	maxRetries int
}

// NewRedisProducer creates a producer for the Redis list backend.
func NewRedisProducer(redisURL, queueName string, maxRetries int) (*RedisProducer, error) {
	if queueName == "" {
		queueName = "idextract:jobs"
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetry
	}
	return &RedisProducer{
		client:     redis.NewClient(opt),
		keys:       newQueueKeys(queueName),
		maxRetries: maxRetries,
	}, nil
}

// Enqueue stores payload and queues it, returning the job ID.
func (p *RedisProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload == nil {
		return "", errNilPayload
	}
	job := newRedisJob(payload, p.maxRetries, time.Now())
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.keys.data, job.ID, data)
	pipe.LPush(ctx, p.keys.pending, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// Close closes the Redis client.
func (p *RedisProducer) Close() error {
	return p.client.Close()
}

func newRedisJob(payload *JobPayload, maxRetries int, now time.Time) RedisJobData {
	ensureJobID(payload)
	return RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeExtractDocument,
		Payload:    *payload,
		CreatedAt:  now,
		MaxRetries: maxRetries,
	}
}

func ensureJobID(payload *JobPayload) {
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}
}

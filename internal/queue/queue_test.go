package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/adverant/nexus/idextract-worker/internal/errors"
	"github.com/adverant/nexus/idextract-worker/internal/processor"
)

func TestJobPayloadUnmarshalBase64(t *testing.T) {
	raw := `{"jobId":"j1","filename":"card.png","fileBuffer":"aGVsbG8="}`
	var p JobPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if p.JobID != "j1" || p.Filename != "card.png" || string(p.FileBuffer) != "hello" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestJobPayloadUnmarshalNodeBuffer(t *testing.T) {
	raw := `{"jobId":"j2","fileBuffer":{"type":"Buffer","data":[104,105]}}`
	var p JobPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if string(p.FileBuffer) != "hi" {
		t.Errorf("FileBuffer = %q, want hi", p.FileBuffer)
	}
}

func TestJobPayloadUnmarshalErrors(t *testing.T) {
	tests := map[string]string{
		"bad base64":     `{"fileBuffer":"%%%"}`,
		"wrong type":     `{"fileBuffer":{"type":"Blob","data":[1]}}`,
		"missing data":   `{"fileBuffer":{"type":"Buffer"}}`,
		"non-byte value": `{"fileBuffer":{"type":"Buffer","data":[300]}}`,
		"number":         `{"fileBuffer":42}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			var p JobPayload
			if err := json.Unmarshal([]byte(raw), &p); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRedisJobDataSurvivesRequeue(t *testing.T) {
	job := RedisJobData{
		ID:         "q1",
		Payload:    JobPayload{JobID: "j3", FileBuffer: []byte{0x89, 'P', 'N', 'G'}},
		Attempts:   1,
		MaxRetries: 3,
	}
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	var back RedisJobData
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Attempts != 1 || string(back.Payload.FileBuffer) != string(job.Payload.FileBuffer) {
		t.Errorf("re-queued job lost data: %+v", back)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: apperrors.NewInvalidImageError("empty", nil), want: false},
		{err: apperrors.NewUnsupportedFormatError("j", "text/plain"), want: false},
		{err: apperrors.NewProcessingTimeoutError("j", time.Second, nil), want: false},
		{err: fmt.Errorf("failed to load file: %w", apperrors.NewInvalidInputError("j", "no file source provided", nil)), want: false},
		{err: apperrors.NewRecognitionEngineError("tesseract", nil), want: true},
		{err: fmt.Errorf("failed to load file: %w", errors.New("connection reset")), want: true},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFailureMetadata(t *testing.T) {
	meta := failureMetadata(apperrors.NewUnsupportedFormatError("j", "text/csv"), 1, 1500*time.Millisecond)
	if meta["error_code"] != "UNSUPPORTED_FORMAT" || meta["attempts"] != 1 || meta["processingTime"] != int64(1500) {
		t.Errorf("unexpected metadata %v", meta)
	}

	plain := failureMetadata(errors.New("boom"), 2, 0)
	if plain["error"] != "boom" {
		t.Errorf("unexpected metadata %v", plain)
	}
	if _, ok := plain["error_code"]; ok {
		t.Error("plain error should not carry an error code")
	}
}

func TestProcessingTimeout(t *testing.T) {
	if got := processingTimeout(0); got != 5*time.Minute {
		t.Errorf("processingTimeout(0) = %v", got)
	}
	if got := processingTimeout(1500); got != 1500*time.Millisecond {
		t.Errorf("processingTimeout(1500) = %v", got)
	}
}

type blockingProcessor struct{}

func (blockingProcessor) ProcessDocument(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	return nil
}

func (blockingProcessor) JobStatus(ctx context.Context, jobID string) (string, error) {
	return "", nil
}

type instantProcessor struct{ err error }

func (p instantProcessor) ProcessDocument(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &processor.ProcessResult{JobID: req.JobID, PageCount: 1}, nil
}

func (instantProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	return nil
}

func (instantProcessor) JobStatus(ctx context.Context, jobID string) (string, error) {
	return "", nil
}

type statusUpdate struct {
	jobID  string
	status string
	meta   map[string]interface{}
}

// recordingProcessor remembers status updates and reports a fixed stored status.
type recordingProcessor struct {
	mu        sync.Mutex
	stored    string
	storedErr error
	processed int
	updates   []statusUpdate
}

func (p *recordingProcessor) ProcessDocument(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed++
	return nil, apperrors.NewRecognitionEngineError("fake", nil)
}

func (p *recordingProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, statusUpdate{jobID: jobID, status: status, meta: metadata})
	return nil
}

func (p *recordingProcessor) JobStatus(ctx context.Context, jobID string) (string, error) {
	return p.stored, p.storedErr
}

func (p *recordingProcessor) lastUpdate(t *testing.T) statusUpdate {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updates) == 0 {
		t.Fatal("no status updates recorded")
	}
	return p.updates[len(p.updates)-1]
}

// unreachableConsumer talks to a Redis address that refuses connections, so
// every Redis command fails immediately.
func unreachableConsumer(proc processor.DocumentProcessorInterface) *RedisConsumer {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisConsumer{
		client:    client,
		processor: proc,
		config:    &RedisConsumerConfig{QueueName: "q"},
		keys:      newQueueKeys("q"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func TestRunWithTimeout(t *testing.T) {
	payload := &JobPayload{JobID: "j4"}

	_, err := runWithTimeout(context.Background(), blockingProcessor{}, payload, 10*time.Millisecond)
	if apperrors.CodeOf(err) != apperrors.ErrorProcessingTimeout {
		t.Fatalf("error = %v, want processing timeout", err)
	}

	result, err := runWithTimeout(context.Background(), instantProcessor{}, payload, time.Second)
	if err != nil || result.JobID != "j4" {
		t.Fatalf("runWithTimeout() = (%v, %v)", result, err)
	}

	engineErr := apperrors.NewRecognitionEngineError("tesseract", nil)
	if _, err := runWithTimeout(context.Background(), instantProcessor{err: engineErr}, payload, time.Second); err != engineErr {
		t.Fatalf("error = %v, want engine error unchanged", err)
	}
}

func TestCompletionMetadata(t *testing.T) {
	meta := completionMetadata(&processor.ProcessResult{Confidence: 0.85, PageCount: 2, FieldsFound: []string{"dob"}, ProcessingTimeMs: 10})
	if meta["pageCount"] != 2 || meta["confidence"] != 0.85 || meta["processingTime"] != int64(10) {
		t.Errorf("unexpected metadata %v", meta)
	}
}

func TestQueueKeys(t *testing.T) {
	k := newQueueKeys("idextract:jobs")
	if k.pending != "idextract:jobs" || k.data != "idextract:jobs:data" || k.results != "idextract:jobs:results" || k.events != "idextract:jobs:events" {
		t.Errorf("unexpected keys %+v", k)
	}
}

func TestJobEvent(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := jobEvent("j5", StatusCompleted, at)
	if ev["event"] != "job:completed" || ev["jobId"] != "j5" || ev["timestamp"] != "2024-01-02T03:04:05Z" {
		t.Errorf("unexpected event %v", ev)
	}
}

func TestNewExtractTask(t *testing.T) {
	task, err := NewExtractTask(&JobPayload{JobID: "j6", FileBuffer: []byte("img")}, "idextract:jobs", time.Minute)
	if err != nil {
		t.Fatalf("NewExtractTask() error = %v", err)
	}
	if task.Type() != TaskTypeExtractDocument {
		t.Errorf("type = %s", task.Type())
	}
	var back JobPayload
	if err := json.Unmarshal(task.Payload(), &back); err != nil {
		t.Fatal(err)
	}
	if back.JobID != "j6" || string(back.FileBuffer) != "img" {
		t.Errorf("payload = %+v", back)
	}

	if _, err := NewExtractTask(&JobPayload{}, "q", time.Minute); err == nil {
		t.Error("expected error for missing job ID")
	}
}

func TestHandleExtractDocumentRejectsMalformedPayload(t *testing.T) {
	c := &Consumer{processor: instantProcessor{}, config: &ConsumerConfig{QueueName: "q"}}
	err := c.handleExtractDocument(context.Background(), asynq.NewTask(TaskTypeExtractDocument, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("error = %v, want SkipRetry", err)
	}
}

func TestAlreadyCompleted(t *testing.T) {
	tests := []struct {
		name string
		proc *recordingProcessor
		want bool
	}{
		{name: "completed", proc: &recordingProcessor{stored: StatusCompleted}, want: true},
		{name: "failed earlier", proc: &recordingProcessor{stored: StatusFailed}},
		{name: "unknown", proc: &recordingProcessor{}},
		{name: "lookup error", proc: &recordingProcessor{stored: StatusCompleted, storedErr: errors.New("db down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := alreadyCompleted(context.Background(), tt.proc, "j"); got != tt.want {
				t.Errorf("alreadyCompleted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleExtractDocumentSkipsCompletedJob(t *testing.T) {
	proc := &recordingProcessor{stored: StatusCompleted}
	c := &Consumer{processor: proc, config: &ConsumerConfig{QueueName: "q"}}

	data, _ := json.Marshal(&JobPayload{JobID: "j7", FileBuffer: []byte("img")})
	if err := c.handleExtractDocument(context.Background(), asynq.NewTask(TaskTypeExtractDocument, data)); err != nil {
		t.Fatalf("handleExtractDocument() error = %v", err)
	}
	if proc.processed != 0 || len(proc.updates) != 0 {
		t.Errorf("completed job was processed again: processed=%d updates=%d", proc.processed, len(proc.updates))
	}
}

func TestRunJobRecordsMissingJobData(t *testing.T) {
	proc := &recordingProcessor{}
	c := unreachableConsumer(proc)
	defer c.client.Close()

	if err := c.runJob(context.Background(), "q-1"); err == nil {
		t.Fatal("expected error when job data cannot be read")
	}

	got := proc.lastUpdate(t)
	if got.jobID != "q-1" || got.status != StatusFailed {
		t.Fatalf("update = %+v, want q-1 failed", got)
	}
	if msg, _ := got.meta["error"].(string); !strings.Contains(msg, "job data") {
		t.Errorf("error = %q", msg)
	}
	if proc.processed != 0 {
		t.Error("job without data must not be processed")
	}
}

func TestRetryOrFailRecordsFailedRequeue(t *testing.T) {
	proc := &recordingProcessor{}
	c := unreachableConsumer(proc)
	defer c.client.Close()

	job := &RedisJobData{ID: "q-2", Payload: JobPayload{JobID: "j8"}, Attempts: 1, MaxRetries: 3}
	engineErr := apperrors.NewRecognitionEngineError("tesseract", nil)

	if err := c.retryOrFail(context.Background(), "q-2", job, engineErr, time.Second); err == nil {
		t.Fatal("expected error when the job cannot be re-queued")
	}

	got := proc.lastUpdate(t)
	if got.jobID != "j8" || got.status != StatusFailed {
		t.Fatalf("update = %+v, want j8 failed", got)
	}
	if _, ok := got.meta["requeueError"]; !ok {
		t.Errorf("metadata %v lacks requeueError", got.meta)
	}
	if got.meta["error_code"] != string(apperrors.ErrorRecognitionEngine) {
		t.Errorf("error_code = %v", got.meta["error_code"])
	}
}

func TestRetryOrFailDoesNotRequeueFinalErrors(t *testing.T) {
	tests := []struct {
		name string
		job  *RedisJobData
		err  error
	}{
		{
			name: "non-retryable",
			job:  &RedisJobData{Payload: JobPayload{JobID: "j9"}, Attempts: 1, MaxRetries: 3},
			err:  apperrors.NewInvalidImageError("empty", nil),
		},
		{
			name: "attempts exhausted",
			job:  &RedisJobData{Payload: JobPayload{JobID: "j9"}, Attempts: 3, MaxRetries: 3},
			err:  apperrors.NewRecognitionEngineError("tesseract", nil),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &recordingProcessor{}
			c := unreachableConsumer(proc)
			defer c.client.Close()

			if err := c.retryOrFail(context.Background(), "q-3", tt.job, tt.err, time.Second); err != nil {
				t.Fatalf("retryOrFail() error = %v", err)
			}
			got := proc.lastUpdate(t)
			if got.status != StatusFailed {
				t.Errorf("status = %s, want failed", got.status)
			}
			if _, ok := got.meta["requeueError"]; ok {
				t.Error("final failure must not attempt a re-queue")
			}
		})
	}
}

func TestRedisStatsUnreachable(t *testing.T) {
	c := unreachableConsumer(&recordingProcessor{})
	defer c.client.Close()

	if _, err := c.GetStats(context.Background()); err == nil {
		t.Fatal("expected error from unreachable Redis")
	}
}

func TestQueueInfoStats(t *testing.T) {
	stats := queueInfoStats(&asynq.QueueInfo{Pending: 2, Scheduled: 1, Active: 4, Retry: 3, Completed: 9, Archived: 5})
	want := map[string]int64{"waiting": 3, "processing": 4, "retrying": 3, "completed": 9, "failed": 5}
	for key, v := range want {
		if stats[key] != v {
			t.Errorf("stats[%s] = %d, want %d", key, stats[key], v)
		}
	}
}

func TestNewRedisJob(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	payload := &JobPayload{Filename: "card.png", FileBuffer: []byte{0x89, 'P'}}
	job := newRedisJob(payload, 3, now)
	if job.ID == "" || job.ID != payload.JobID {
		t.Fatalf("job ID %q not propagated to payload %q", job.ID, payload.JobID)
	}
	if job.Type != TaskTypeExtractDocument || job.MaxRetries != 3 || job.Attempts != 0 || !job.CreatedAt.Equal(now) {
		t.Errorf("unexpected job %+v", job)
	}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	var back RedisJobData
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("consumer cannot read produced job: %v", err)
	}
	if back.Payload.JobID != job.ID || string(back.Payload.FileBuffer) != string(payload.FileBuffer) {
		t.Errorf("round trip lost data: %+v", back.Payload)
	}

	kept := newRedisJob(&JobPayload{JobID: "fixed"}, 1, now)
	if kept.ID != "fixed" {
		t.Errorf("ID = %q, want existing job ID kept", kept.ID)
	}
}

func TestProducersRejectNilPayload(t *testing.T) {
	rp, err := NewRedisProducer("redis://127.0.0.1:1/0", "", 0)
	if err != nil {
		t.Fatalf("NewRedisProducer() error = %v", err)
	}
	defer rp.Close()
	if rp.keys.pending != "idextract:jobs" || rp.maxRetries != defaultMaxRetry {
		t.Errorf("defaults not applied: %+v", rp.keys)
	}

	ap, err := NewAsynqProducer("redis://127.0.0.1:1/0", "q", 0)
	if err != nil {
		t.Fatalf("NewAsynqProducer() error = %v", err)
	}
	defer ap.Close()

	for _, p := range []Producer{rp, ap} {
		if _, err := p.Enqueue(context.Background(), nil); !errors.Is(err, errNilPayload) {
			t.Errorf("%T.Enqueue(nil) error = %v", p, err)
		}
	}

	if _, err := NewAsynqProducer("redis://127.0.0.1:1/0", "", 0); err == nil {
		t.Error("expected error for empty asynq queue name")
	}
}

/**
 * PostgreSQL Client for the IDExtract Worker
 *
 * Tracks job lifecycle in idextract.processing_jobs. Only job bookkeeping is
 * stored here (status, page count, timings, error codes and the names of the
 * fields that were found); extracted field values never reach the database.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	PageCount        int
	Confidence       float64
	ProcessingTimeMs int64
	FieldsFound      []string
	ArtifactID       string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// JobRecord is the tracked state of one job.
type JobRecord struct {
	JobID            string
	Status           string
	PageCount        int
	Confidence       float64
	ProcessingTimeMs int64
	FieldsFound      []string
	ArtifactID       string
	ErrorCode        string
	ErrorMessage     string
	UpdatedAt        time.Time
}

// ErrJobNotFound is returned by GetJobByID for unknown jobs.
var ErrJobNotFound = errors.New("job not found")

// JobStore persists job status updates and reads them back.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	GetJobByID(ctx context.Context, jobID string) (*JobRecord, error)
}

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// sanitizeConfidence clamps confidence to [0, 1] and rounds it to 4 decimal
// places so it fits the NUMERIC(5,4) column.
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

func validateJobUpdate(update *JobUpdate) error {
	if update == nil {
		return fmt.Errorf("job update is required")
	}
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// UpdateJobStatus upserts the job row. The worker may see a job before the
// API has created its row, so the first status update creates it.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if err := validateJobUpdate(update); err != nil {
		return err
	}

	sanitizedConfidence := sanitizeConfidence(update.Confidence)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var filename, mimeType string
	if update.Metadata != nil {
		if fn, ok := update.Metadata["filename"].(string); ok {
			filename = fn
		}
		if mt, ok := update.Metadata["mimeType"].(string); ok {
			mimeType = mt
		}
	}

	query := `
		INSERT INTO idextract.processing_jobs (
			id, filename, mime_type, status, page_count, confidence,
			processing_time_ms, fields_found, artifact_id,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), NULLIF($3, ''), $4, NULLIF($5, 0),
			NULLIF($6::NUMERIC(5,4), 0), NULLIF($7, 0), $8, NULLIF($9, ''),
			NULLIF($10, ''), NULLIF($11, ''), COALESCE($12::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			page_count = COALESCE(EXCLUDED.page_count, idextract.processing_jobs.page_count),
			confidence = COALESCE(EXCLUDED.confidence, idextract.processing_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, idextract.processing_jobs.processing_time_ms),
			fields_found = COALESCE(EXCLUDED.fields_found, idextract.processing_jobs.fields_found),
			artifact_id = COALESCE(EXCLUDED.artifact_id, idextract.processing_jobs.artifact_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = COALESCE(EXCLUDED.metadata, idextract.processing_jobs.metadata),
			filename = COALESCE(EXCLUDED.filename, idextract.processing_jobs.filename),
			mime_type = COALESCE(EXCLUDED.mime_type, idextract.processing_jobs.mime_type),
			updated_at = NOW()
		RETURNING id
	`

	var fieldsFound interface{}
	if update.FieldsFound != nil {
		fieldsFound = pq.Array(update.FieldsFound)
	}

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		filename,                // $2
		mimeType,                // $3
		update.Status,           // $4
		update.PageCount,        // $5
		sanitizedConfidence,     // $6
		update.ProcessingTimeMs, // $7
		fieldsFound,             // $8
		update.ArtifactID,       // $9
		update.ErrorCode,        // $10
		update.ErrorMessage,     // $11
		metadataJSON,            // $12
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return fmt.Errorf("failed to update job status (job=%s, status=%s, pg=%s): %w",
				update.JobID, update.Status, pqErr.Code.Name(), err)
		}
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, sanitizedConfidence, err)
	}

	return nil
}

// GetJobByID retrieves the tracking row of a job. It returns ErrJobNotFound
// when the job has no row yet.
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, status, page_count, confidence, processing_time_ms,
			fields_found, artifact_id, error_code, error_message, updated_at
		FROM idextract.processing_jobs
		WHERE id = $1
	`

	var (
		record                          JobRecord
		pageCount, processingTimeMs     sql.NullInt64
		confidence                      sql.NullFloat64
		fieldsFound                     pq.StringArray
		artifactID, errorCode, errorMsg sql.NullString
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&record.JobID, &record.Status, &pageCount, &confidence, &processingTimeMs,
		&fieldsFound, &artifactID, &errorCode, &errorMsg, &record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	record.PageCount = int(pageCount.Int64)
	record.Confidence = confidence.Float64
	record.ProcessingTimeMs = processingTimeMs.Int64
	record.FieldsFound = []string(fieldsFound)
	record.ArtifactID = artifactID.String
	record.ErrorCode = errorCode.String
	record.ErrorMessage = errorMsg.String

	return &record, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

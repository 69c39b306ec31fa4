/**
 * Artifact Client for the IDExtract Worker
 *
 * Uploads debug artifacts (the JSON DocumentResult of a job) to the artifact
 * API so failed or surprising extractions can be inspected later. Artifacts
 * carry a short TTL; extracted data is never kept permanently.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/adverant/nexus/idextract-worker/internal/logging"
	"github.com/adverant/nexus/idextract-worker/internal/storage"
)

const defaultArtifactTTLDays = 7

// ArtifactClient handles communication with the artifact API
type ArtifactClient struct {
	baseURL    string
	httpClient *http.Client
	ttlDays    int
	logger     *logging.Logger
}

// ArtifactUploadRequest represents a file upload request
type ArtifactUploadRequest struct {
	FileBuffer    []byte                 // File content
	Filename      string                 // Artifact filename
	MimeType      string                 // MIME type (application/json for debug artifacts)
	SourceService string                 // Service creating the artifact
	SourceID      string                 // Source identifier (job ID)
	TTLDays       int                    // Time-to-live in days (0 = client default)
	Metadata      map[string]interface{} // Additional metadata
}

// ArtifactUploadResponse represents the response from uploading an artifact
type ArtifactUploadResponse struct {
	Success  bool `json:"success"`
	Artifact struct {
		ID             string `json:"id"`
		Filename       string `json:"filename"`
		FileSize       int64  `json:"file_size"`
		MimeType       string `json:"mime_type"`
		StorageBackend string `json:"storage_backend"`
		DownloadURL    string `json:"download_url"`
		CreatedAt      string `json:"created_at"`
		ExpiresAt      string `json:"expires_at,omitempty"`
	} `json:"artifact,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewArtifactClient creates a new artifact client
func NewArtifactClient(baseURL string) *ArtifactClient {
	return &ArtifactClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		ttlDays: defaultArtifactTTLDays,
		logger:  logging.NewLogger("ArtifactClient"),
	}
}

// HealthCheck verifies the artifact API is available
func (c *ArtifactClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("artifact service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("artifact service health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// SaveArtifact implements storage.ArtifactSink by uploading the artifact JSON
func (c *ArtifactClient) SaveArtifact(ctx context.Context, artifact *storage.DebugArtifact) (string, error) {
	payload, err := artifact.Encode()
	if err != nil {
		return "", err
	}

	resp, err := c.UploadArtifact(ctx, &ArtifactUploadRequest{
		FileBuffer:    payload,
		Filename:      artifact.Filename(),
		MimeType:      "application/json",
		SourceService: "idextract-worker",
		SourceID:      artifact.JobID,
		Metadata: map[string]interface{}{
			"artifactId": artifact.ID,
			"pageCount":  artifact.PageCount(),
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Artifact.ID, nil
}

// UploadArtifact uploads a file to the artifact API
func (c *ArtifactClient) UploadArtifact(ctx context.Context, req *ArtifactUploadRequest) (*ArtifactUploadResponse, error) {
	if len(req.FileBuffer) == 0 {
		return nil, fmt.Errorf("file buffer is required: received empty buffer")
	}

	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required: received empty string")
	}

	if req.SourceService == "" {
		return nil, fmt.Errorf("source_service is required: identifies the service creating this artifact")
	}

	if req.SourceID == "" {
		return nil, fmt.Errorf("source_id is required: identifies the job creating this artifact")
	}

	c.logger.Info("Uploading artifact",
		"filename", req.Filename,
		"size", len(req.FileBuffer),
		"sourceId", req.SourceID)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file part: %w", err)
	}
	if _, err := part.Write(req.FileBuffer); err != nil {
		return nil, fmt.Errorf("failed to write file data to form: %w", err)
	}

	if err := writer.WriteField("mime_type", req.MimeType); err != nil {
		return nil, fmt.Errorf("failed to write mime_type field: %w", err)
	}
	if err := writer.WriteField("source_service", req.SourceService); err != nil {
		return nil, fmt.Errorf("failed to write source_service field: %w", err)
	}
	if err := writer.WriteField("source_id", req.SourceID); err != nil {
		return nil, fmt.Errorf("failed to write source_id field: %w", err)
	}

	ttlDays := req.TTLDays
	if ttlDays <= 0 {
		ttlDays = c.ttlDays
	}
	if err := writer.WriteField("ttl_days", fmt.Sprintf("%d", ttlDays)); err != nil {
		return nil, fmt.Errorf("failed to write ttl_days field: %w", err)
	}

	if len(req.Metadata) > 0 {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata to JSON: %w", err)
		}
		if err := writer.WriteField("metadata", string(metadataJSON)); err != nil {
			return nil, fmt.Errorf("failed to write metadata field: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/files/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to artifact storage failed after %v: %w", time.Since(startTime), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("artifact upload failed with HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result ArtifactUploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse artifact upload response: %w (raw response: %s)", err, string(respBody))
	}

	if !result.Success {
		return nil, fmt.Errorf("artifact upload returned success=false: %s", result.Error)
	}

	if result.Artifact.ID == "" {
		return nil, fmt.Errorf("artifact upload succeeded but returned empty artifact ID")
	}

	c.logger.Info("Artifact uploaded",
		"id", result.Artifact.ID,
		"storage", result.Artifact.StorageBackend,
		"duration", time.Since(startTime))

	return &result, nil
}

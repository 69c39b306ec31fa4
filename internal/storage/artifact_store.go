package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/idextract-worker/internal/document"
)

// DebugArtifact is the optional copy of a job's result kept for inspection.
type DebugArtifact struct {
	ID        string
	JobID     string
	CreatedAt time.Time
	Result    *document.DocumentResult
}

// NewDebugArtifact wraps a result with a fresh artifact ID.
func NewDebugArtifact(jobID string, result *document.DocumentResult) *DebugArtifact {
	return &DebugArtifact{
		ID:        uuid.New().String(),
		JobID:     jobID,
		CreatedAt: time.Now(),
		Result:    result,
	}
}

// Filename returns ocr_result_<unix seconds>_<artifact id>.json.
func (a *DebugArtifact) Filename() string {
	return fmt.Sprintf("ocr_result_%d_%s.json", a.CreatedAt.Unix(), a.ID)
}

// Encode renders the result JSON with 4-space indentation.
func (a *DebugArtifact) Encode() ([]byte, error) {
	if a.Result == nil {
		return nil, fmt.Errorf("artifact %s has no result", a.ID)
	}
	data, err := json.MarshalIndent(a.Result, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}
	return data, nil
}

// PageCount returns the number of pages in the wrapped result.
func (a *DebugArtifact) PageCount() int {
	if a.Result == nil {
		return 0
	}
	return len(a.Result.Pages)
}

// ArtifactSink persists debug artifacts and returns the stored ID.
type ArtifactSink interface {
	SaveArtifact(ctx context.Context, artifact *DebugArtifact) (string, error)
}

// FileArtifactStore writes artifacts as JSON files under a directory.
type FileArtifactStore struct {
	dir string
}

// NewFileArtifactStore creates the directory if needed.
func NewFileArtifactStore(dir string) (*FileArtifactStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FileArtifactStore{dir: dir}, nil
}

// SaveArtifact writes the artifact and returns its ID.
func (s *FileArtifactStore) SaveArtifact(ctx context.Context, artifact *DebugArtifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := artifact.Encode()
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, artifact.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return artifact.ID, nil
}

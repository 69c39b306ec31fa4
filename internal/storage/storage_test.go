package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/adverant/nexus/idextract-worker/internal/document"
)

func TestSanitizeConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{in: -0.5, want: 0},
		{in: 0.85, want: 0.85},
		{in: 0.9632000000000001, want: 0.9632},
		{in: 0.123456, want: 0.1235},
		{in: 1.7, want: 1},
	}
	for _, tt := range tests {
		if got := sanitizeConfidence(tt.in); got != tt.want {
			t.Errorf("sanitizeConfidence(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidateJobUpdate(t *testing.T) {
	if err := validateJobUpdate(nil); err == nil {
		t.Error("expected error for nil update")
	}
	if err := validateJobUpdate(&JobUpdate{Status: "completed"}); err == nil {
		t.Error("expected error for missing job ID")
	}
	if err := validateJobUpdate(&JobUpdate{JobID: "j1"}); err == nil {
		t.Error("expected error for missing status")
	}
	if err := validateJobUpdate(&JobUpdate{JobID: "j1", Status: "processing"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewPostgresClientRequiresURL(t *testing.T) {
	if _, err := NewPostgresClient(""); err == nil {
		t.Fatal("expected error for empty database URL")
	}
}

func TestGetJobByIDRequiresID(t *testing.T) {
	var store JobStore = &PostgresClient{}
	if _, err := store.GetJobByID(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty job ID")
	}
}

func sampleResult() *document.DocumentResult {
	name := "Asha Verma"
	return &document.DocumentResult{Pages: []document.PageResult{{
		PageNumber: 1,
		Fields: document.ExtractedFields{
			Name:       &name,
			RawText:    "Asha Verma\n",
			Confidence: document.StaticConfidence,
		},
	}}}
}

func TestFileArtifactStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	store, err := NewFileArtifactStore(dir)
	if err != nil {
		t.Fatalf("NewFileArtifactStore() error = %v", err)
	}

	artifact := NewDebugArtifact("job-1", sampleResult())
	id, err := store.SaveArtifact(context.Background(), artifact)
	if err != nil {
		t.Fatalf("SaveArtifact() error = %v", err)
	}
	if id != artifact.ID {
		t.Errorf("id = %q, want %q", id, artifact.ID)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("files = %d, want 1", len(entries))
	}
	if !regexp.MustCompile(`^ocr_result_\d+_[0-9a-f-]{36}\.json$`).MatchString(entries[0].Name()) {
		t.Errorf("unexpected filename %s", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\n    \"fields\"") {
		t.Errorf("artifact is not 4-space indented:\n%s", data)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("artifact is not JSON: %v", err)
	}
	fields := decoded["fields"].(map[string]interface{})
	if fields["name"] != "Asha Verma" || fields["gender"] != nil {
		t.Errorf("unexpected fields %v", fields)
	}
}

func TestFileArtifactStoreErrors(t *testing.T) {
	if _, err := NewFileArtifactStore(""); err == nil {
		t.Error("expected error for empty dir")
	}

	store, err := NewFileArtifactStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveArtifact(context.Background(), NewDebugArtifact("job-1", nil)); err == nil {
		t.Error("expected error for artifact without result")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.SaveArtifact(ctx, NewDebugArtifact("job-1", sampleResult())); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestDebugArtifactIDsAreUnique(t *testing.T) {
	a := NewDebugArtifact("job", sampleResult())
	b := NewDebugArtifact("job", sampleResult())
	if a.ID == b.ID {
		t.Fatal("artifact IDs collide")
	}
	if a.PageCount() != 1 {
		t.Errorf("PageCount() = %d, want 1", a.PageCount())
	}
}

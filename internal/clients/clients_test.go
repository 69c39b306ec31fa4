package clients

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adverant/nexus/idextract-worker/internal/document"
	"github.com/adverant/nexus/idextract-worker/internal/storage"
)

func TestEntityClientFindEntities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/entities" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req EntityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Text != "Asha Verma\nFEMALE" {
			http.Error(w, "unexpected text "+req.Text, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"model":"en_core_web_sm","entities":[{"text":"Asha Verma","label":"PERSON"}]}`))
	}))
	defer srv.Close()

	entities, err := NewEntityClient(srv.URL).FindEntities(context.Background(), "Asha Verma\nFEMALE")
	if err != nil {
		t.Fatalf("FindEntities() error = %v", err)
	}
	if len(entities) != 1 || entities[0].Text != "Asha Verma" || entities[0].Label != "PERSON" {
		t.Errorf("entities = %+v", entities)
	}
}

func TestEntityClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "http error", status: http.StatusInternalServerError, body: "model not loaded", wantErr: "status 500"},
		{name: "success false", status: http.StatusOK, body: `{"success":false,"message":"busy"}`, wantErr: "busy"},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewEntityClient(srv.URL).FindEntities(context.Background(), "text")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("FindEntities() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestHealthChecks(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer healthy.Close()

	if err := NewEntityClient(healthy.URL).HealthCheck(context.Background()); err != nil {
		t.Errorf("entity HealthCheck() error = %v", err)
	}
	if err := NewArtifactClient(healthy.URL).HealthCheck(context.Background()); err != nil {
		t.Errorf("artifact HealthCheck() error = %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	if err := NewEntityClient(down.URL).HealthCheck(context.Background()); err == nil {
		t.Error("expected entity HealthCheck() to fail on 503")
	}
}

func TestArtifactClientSaveArtifact(t *testing.T) {
	var gotSource, gotTTL string
	var gotFile []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/files/upload" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotSource = r.FormValue("source_id")
		gotTTL = r.FormValue("ttl_days")
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotFile, _ = io.ReadAll(f)
		_, _ = w.Write([]byte(`{"success":true,"artifact":{"id":"art-1","storage_backend":"postgres_buffer"}}`))
	}))
	defer srv.Close()

	artifact := storage.NewDebugArtifact("job-7", &document.DocumentResult{Pages: []document.PageResult{
		{PageNumber: 1, Fields: document.ExtractedFields{RawText: "hello", Confidence: document.StaticConfidence}},
	}})

	id, err := NewArtifactClient(srv.URL).SaveArtifact(context.Background(), artifact)
	if err != nil {
		t.Fatalf("SaveArtifact() error = %v", err)
	}
	if id != "art-1" {
		t.Errorf("id = %q, want art-1", id)
	}
	if gotSource != "job-7" {
		t.Errorf("source_id = %q, want job-7", gotSource)
	}
	if gotTTL != "7" {
		t.Errorf("ttl_days = %q, want 7", gotTTL)
	}
	if !strings.Contains(string(gotFile), `"text": "hello"`) {
		t.Errorf("uploaded artifact = %s", gotFile)
	}
}

func TestUploadArtifactValidation(t *testing.T) {
	c := NewArtifactClient("http://unused")
	if _, err := c.UploadArtifact(context.Background(), &ArtifactUploadRequest{}); err == nil {
		t.Fatal("expected error for empty buffer")
	}
	if _, err := c.UploadArtifact(context.Background(), &ArtifactUploadRequest{FileBuffer: []byte("x"), Filename: "a.json"}); err == nil {
		t.Fatal("expected error for missing source service")
	}
}

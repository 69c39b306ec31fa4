/**
 * Entity Client - Remote Named-Entity Recognition
 *
 * Delegates entity recognition to an NER service (spaCy-style model served
 * over HTTP). The worker only needs (text, label) pairs back.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/idextract-worker/internal/logging"
	"github.com/adverant/nexus/idextract-worker/internal/ner"
)

// EntityClient handles communication with the NER service
type EntityClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// EntityRequest represents a request to label entities in text
type EntityRequest struct {
	Text     string                 `json:"text"`
	Labels   []string               `json:"labels,omitempty"` // Optional label filter, e.g. ["PERSON"]
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EntityResponse represents the NER service response
type EntityResponse struct {
	Success  bool         `json:"success"`
	Entities []ner.Entity `json:"entities"`
	Model    string       `json:"model,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// NewEntityClient creates a new NER service client
func NewEntityClient(baseURL string) *EntityClient {
	return &EntityClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.NewLogger("EntityClient"),
	}
}

// FindEntities implements ner.EntityFinder against the remote service
func (c *EntityClient) FindEntities(ctx context.Context, text string) ([]ner.Entity, error) {
	resp, err := c.Recognize(ctx, &EntityRequest{
		Text: text,
		Metadata: map[string]interface{}{
			"source": "idextract-worker",
		},
	})
	if err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// Recognize posts text to the NER service and returns the labelled entities
func (c *EntityClient) Recognize(ctx context.Context, req *EntityRequest) (*EntityResponse, error) {
	endpoint := fmt.Sprintf("%s/entities", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "idextract-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ner-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to NER service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("NER service returned error status %d: %s", resp.StatusCode, string(body))
	}

	var entityResp EntityResponse
	if err := json.Unmarshal(body, &entityResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !entityResp.Success {
		return nil, fmt.Errorf("NER service operation failed: %s", entityResp.Message)
	}

	c.logger.Debug("Entity recognition complete",
		"model", entityResp.Model,
		"entities", len(entityResp.Entities),
		"textLength", len(req.Text))

	return &entityResp, nil
}

// HealthCheck verifies the NER service is available
func (c *EntityClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("NER service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("NER service health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

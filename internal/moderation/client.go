package moderation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 1 << 20

type classifyRequest struct {
	Image    string          `json:"image"`
	MIMEType string          `json:"mimeType"`
	Context  classifyContext `json:"context"`
}

type classifyContext struct {
	OwnerID       string `json:"ownerId"`
	Intent        string `json:"intent"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type classifyResponse struct {
	Labels []Label `json:"labels"`
}

// HTTPClassifier talks to the external vision classification service.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPClassifier(endpoint, apiKey string, client *http.Client) *HTTPClassifier {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClassifier{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		client:   client,
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, data []byte, mime string, mc Context) ([]Label, error) {
	if c.endpoint == "" {
		return nil, &ServiceError{Err: errors.New("endpoint not configured")}
	}

	body, err := json.Marshal(classifyRequest{
		Image:    base64.StdEncoding.EncodeToString(data),
		MIMEType: mime,
		Context: classifyContext{
			OwnerID:       mc.OwnerID,
			Intent:        string(mc.Intent),
			CorrelationID: mc.CorrelationID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return nil, &ServiceError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if mc.CorrelationID != "" {
		req.Header.Set("X-Request-Id", mc.CorrelationID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ServiceError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(payload)))}
	}

	var out classifyResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Labels == nil {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Err: errors.New("response carried no labels")}
	}
	return out.Labels, nil
}

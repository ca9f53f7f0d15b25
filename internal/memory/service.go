package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Service is an HTTP client for the external embedding + similarity backend.
// It implements both Embedder and Index.
type Service struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// ServiceConfig configures the vector service client.
type ServiceConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration // per-request; default 15s
}

// NewService creates a vector service client.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vector service base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpc:   &http.Client{Timeout: timeout},
	}, nil
}

// Embed returns one embedding vector per input text.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out struct {
		Vectors [][]float32 `json:"vectors"`
	}
	req := map[string]any{"texts": texts}
	if err := s.post(ctx, "/embed", req, &out); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(out.Vectors) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d texts", len(out.Vectors), len(texts))
	}
	return out.Vectors, nil
}

// Upsert writes vectors to the remote index.
func (s *Service) Upsert(ctx context.Context, vectors []Vector) error {
	type wireVector struct {
		ID       string            `json:"id"`
		Values   []float32         `json:"values"`
		Metadata map[string]string `json:"metadata"`
	}
	entries := make([]wireVector, len(vectors))
	for i, v := range vectors {
		entries[i] = wireVector{ID: v.ID, Values: v.Values, Metadata: v.Metadata}
	}
	req := map[string]any{"vectors": entries}
	if err := s.post(ctx, "/vectors/upsert", req, &struct{}{}); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Query runs a filtered nearest-neighbor search on the remote index.
func (s *Service) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]Match, error) {
	req := map[string]any{
		"vector":         vector,
		"topK":           topK,
		"filter":         filter,
		"returnMetadata": true,
	}
	var out struct {
		Matches []struct {
			Score    float64           `json:"score"`
			Metadata map[string]string `json:"metadata"`
		} `json:"matches"`
	}
	if err := s.post(ctx, "/vectors/query", req, &out); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	matches := make([]Match, len(out.Matches))
	for i, m := range out.Matches {
		matches[i] = Match{Score: m.Score, Metadata: m.Metadata}
	}
	return matches, nil
}

func (s *Service) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vector service returned %d: %s", resp.StatusCode, snippet)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

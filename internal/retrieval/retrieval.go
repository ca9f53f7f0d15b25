// Package retrieval fetches short grounding excerpts from an external
// content-search service. Results are advisory only; callers treat any
// failure as "no context".
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxResults bounds how many excerpts a search returns.
const DefaultMaxResults = 3

// Excerpt is one scored snippet from the content index.
type Excerpt struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Client queries the content-search service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults"`
}

type searchResponse struct {
	Data []struct {
		Content string  `json:"content"`
		Text    string  `json:"text"`
		Score   float64 `json:"score"`
	} `json:"data"`
}

// Search returns up to maxResults excerpts for the query. The service
// may populate either "content" or "text" per result; both are
// accepted.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]Excerpt, error) {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	body, err := json.Marshal(searchRequest{Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("retrieval: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("retrieval: search returned status %d: %s", resp.StatusCode, snippet)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("retrieval: decode response: %w", err)
	}

	excerpts := make([]Excerpt, 0, len(sr.Data))
	for _, d := range sr.Data {
		content := d.Content
		if content == "" {
			content = d.Text
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		excerpts = append(excerpts, Excerpt{Content: content, Score: d.Score})
	}
	return excerpts, nil
}

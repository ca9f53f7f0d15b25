// Package inference talks to the external language-model endpoint. All
// egress passes through a circuit breaker and a client-side rate
// limiter. Failed calls are never retried within a turn; the breaker's
// cooldown is the only retry mechanism.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/pagemate/pagemate/internal/breaker"
	"github.com/pagemate/pagemate/internal/tools"
)

// ErrRateLimited reports that the backend rejected the call with a
// rate-limit response. Rate limiting does not trip the circuit
// breaker; the caller surfaces a wait message instead.
var ErrRateLimited = errors.New("inference: rate limited by backend")

// RateLimitError carries the backend's suggested wait time. It wraps
// ErrRateLimited so errors.Is still matches.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("inference: rate limited, retry after %s", e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// BackendError is a structured failure from the inference endpoint.
// Retryable failures count against the circuit breaker; non-retryable
// ones are surfaced as-is without touching it.
type BackendError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("inference: backend error (status %d, retryable %t): %s", e.Status, e.Retryable, e.Message)
}

// Message is one turn in the model's context window.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the payload for a text inference call.
type Request struct {
	Messages    []Message              `json:"messages"`
	Tools       []tools.WireDefinition `json:"tools,omitempty"`
	Temperature float64                `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
}

// Response is the model's answer. A single call may return prose, a
// tool-call list, or both.
type Response struct {
	Response  string       `json:"response"`
	ToolCalls []tools.Call `json:"tool_calls,omitempty"`
}

// Config holds the connection settings for the inference endpoint.
type Config struct {
	BaseURL     string
	Token       string
	Model       string
	VisionModel string
	// RequestsPerSecond caps outbound call rate; zero disables the limiter.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client calls the inference endpoint over HTTP.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// NewClient builds a Client. The breaker is owned by the caller so
// tests can inject fresh state.
func NewClient(cfg Config, brk *breaker.Breaker, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		breaker: brk,
		logger:  logger,
	}
}

// Breaker exposes the breaker guarding this client's egress.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// Run issues a single text inference call. The call is gated by the
// rate limiter and the circuit breaker; transient failures record a
// breaker failure, successes fully close it.
func (c *Client) Run(ctx context.Context, req Request) (Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return Response{}, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("inference: rate limiter wait: %w", err)
		}
	}

	var resp Response
	err := c.post(ctx, "/run/"+c.cfg.Model, req, &resp)
	c.record(err)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

type visionRequest struct {
	Prompt string `json:"prompt"`
	Image  string `json:"image"`
}

type visionResponse struct {
	Description string `json:"description"`
}

// RunVision describes an attached image with the vision model. Vision
// calls share the breaker with text calls since they hit the same
// backend.
func (c *Client) RunVision(ctx context.Context, prompt string, image []byte) (string, error) {
	if err := c.breaker.Allow(); err != nil {
		return "", err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("inference: rate limiter wait: %w", err)
		}
	}

	req := visionRequest{
		Prompt: prompt,
		Image:  base64.StdEncoding.EncodeToString(image),
	}
	var resp visionResponse
	err := c.post(ctx, "/run/"+c.cfg.VisionModel, req, &resp)
	c.record(err)
	if err != nil {
		return "", err
	}
	return resp.Description, nil
}

// record updates the breaker according to the error taxonomy:
// rate-limit and explicitly non-retryable errors are exempt, transient
// failures count, success closes.
func (c *Client) record(err error) {
	switch {
	case err == nil:
		c.breaker.Success()
	case errors.Is(err, ErrRateLimited):
		// exempt
	case isNonRetryable(err):
		// exempt
	default:
		c.breaker.Failure()
		if c.logger != nil {
			c.logger.Warn("inference call failed",
				slog.String("error", err.Error()),
				slog.String("breaker", c.breaker.State().String()))
		}
	}
}

func isNonRetryable(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && !be.Retryable
}

type errorBody struct {
	Error     string `json:"error"`
	Retryable *bool  `json:"retryable,omitempty"`
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("inference: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("inference: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("inference: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: retryAfter(httpResp)}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return classifyStatus(httpResp)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("inference: decode response: %w", err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// classifyStatus turns a non-2xx response into a BackendError. The
// backend may flag an error as non-retryable in the body; absent that
// flag, 4xx is non-retryable and 5xx is transient.
func classifyStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	var eb errorBody
	msg := string(snippet)
	retryable := resp.StatusCode >= 500
	if err := json.Unmarshal(snippet, &eb); err == nil {
		if eb.Error != "" {
			msg = eb.Error
		}
		if eb.Retryable != nil {
			retryable = *eb.Retryable
		}
	}

	return &BackendError{Status: resp.StatusCode, Message: msg, Retryable: retryable}
}

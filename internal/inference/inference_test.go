package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pagemate/pagemate/internal/breaker"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *breaker.Breaker, *int64) {
	t.Helper()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	brk := breaker.New(breaker.DefaultConfig())
	c := NewClient(Config{
		BaseURL:     srv.URL,
		Model:       "chat-large",
		VisionModel: "vision-small",
		Timeout:     5 * time.Second,
	}, brk, nil)
	return c, brk, &calls
}

func TestRunDecodesResponse(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run/chat-large" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Response{
			Response:  "Hallo!",
			ToolCalls: nil,
		})
	})

	resp, err := c.Run(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "Hallo"}},
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Response != "Hallo!" {
		t.Errorf("Response = %q", resp.Response)
	}
}

func TestRunDecodesToolCalls(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"","tool_calls":[{"name":"navigate","arguments":{"page":"projekte"}}]}`))
	})

	resp, err := c.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "navigate" {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if got := resp.ToolCalls[0].Arguments["page"]; got != "projekte" {
		t.Errorf("page argument = %v", got)
	}
}

func TestTransientFailuresTripBreaker(t *testing.T) {
	t.Parallel()

	c, brk, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	cfg := breaker.DefaultConfig()
	for i := 0; i < cfg.FailureThreshold; i++ {
		if _, err := c.Run(context.Background(), Request{}); err == nil {
			t.Fatal("expected error from 502")
		}
	}
	if brk.State() != breaker.Open {
		t.Fatalf("breaker state = %s, want open", brk.State())
	}

	// Short-circuited: no further network call.
	before := atomic.LoadInt64(calls)
	_, err := c.Run(context.Background(), Request{})
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen", err)
	}
	if atomic.LoadInt64(calls) != before {
		t.Error("open breaker must not attempt the network")
	}
}

func TestRateLimitIsBreakerExempt(t *testing.T) {
	t.Parallel()

	c, brk, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	for i := 0; i < breaker.DefaultConfig().FailureThreshold+1; i++ {
		_, err := c.Run(context.Background(), Request{})
		if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("error = %v, want ErrRateLimited", err)
		}
		var rle *RateLimitError
		if !errors.As(err, &rle) || rle.RetryAfter != 30*time.Second {
			t.Fatalf("RetryAfter not propagated: %v", err)
		}
	}
	if brk.State() != breaker.Closed {
		t.Errorf("rate limiting must not trip the breaker, state = %s", brk.State())
	}
}

func TestNonRetryableIsBreakerExempt(t *testing.T) {
	t.Parallel()

	c, brk, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"prompt too long","retryable":false}`))
	})

	for i := 0; i < breaker.DefaultConfig().FailureThreshold+1; i++ {
		_, err := c.Run(context.Background(), Request{})
		var be *BackendError
		if !errors.As(err, &be) {
			t.Fatalf("error = %v, want BackendError", err)
		}
		if be.Retryable {
			t.Fatalf("retryable = true, want false")
		}
		if be.Message != "prompt too long" {
			t.Errorf("message = %q", be.Message)
		}
	}
	if brk.State() != breaker.Closed {
		t.Errorf("non-retryable errors must not trip the breaker, state = %s", brk.State())
	}
}

func TestSuccessClosesBreaker(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	c, brk, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"response":"ok"}`))
	})

	c.Run(context.Background(), Request{})
	c.Run(context.Background(), Request{})
	if got := brk.Failures(); got != 2 {
		t.Fatalf("failures = %d, want 2", got)
	}

	fail.Store(false)
	if _, err := c.Run(context.Background(), Request{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if brk.State() != breaker.Closed || brk.Failures() != 0 {
		t.Errorf("success must fully close: state=%s failures=%d", brk.State(), brk.Failures())
	}
}

func TestRunVision(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run/vision-small" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req visionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Image == "" {
			t.Error("image payload missing")
		}
		json.NewEncoder(w).Encode(visionResponse{Description: "a cat on a keyboard"})
	})

	desc, err := c.RunVision(context.Background(), "Beschreibe das Bild", []byte{0xff, 0xd8, 0xff})
	if err != nil {
		t.Fatalf("RunVision() error: %v", err)
	}
	if desc != "a cat on a keyboard" {
		t.Errorf("description = %q", desc)
	}
}

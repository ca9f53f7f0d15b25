// Package client is the page-side agent runtime: it issues the turn
// request, consumes the event stream incrementally, dispatches
// client-trusted tools, and keeps the local conversation history.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/pagemate/pagemate/internal/breaker"
	"github.com/pagemate/pagemate/internal/conversation"
	"github.com/pagemate/pagemate/internal/stream"
	"github.com/pagemate/pagemate/internal/tools"
)

// ErrBusy reports that a Send is already in flight. The runtime allows
// exactly one concurrent turn.
var ErrBusy = errors.New("client: a request is already in flight")

// errNonRetryable marks turn failures the backend flagged as
// non-retryable; they surface as text without counting against the
// breaker.
var errNonRetryable = errors.New("client: non-retryable turn failure")

// offlineMessage is shown without a network call when the breaker is
// open or the caller reports being offline.
const offlineMessage = "Ich bin gerade nicht erreichbar. Bitte versuche es in ein paar Minuten noch einmal."

// fallbackMessage is shown when a turn fails mid-stream without a
// server-provided error text.
const fallbackMessage = "Entschuldigung, da ist etwas schiefgelaufen. Bitte versuche es noch einmal."

// defaultIdleTimeout aborts a stream that stops delivering bytes. The
// protocol has no heartbeat, so this is the only way a dead connection
// is detected.
const defaultIdleTimeout = 30 * time.Second

// TokenCallback receives the accumulated response text after every
// token event. Callers render by replacing, not appending.
type TokenCallback func(accumulated string)

// ToolObserver is notified of server-executed tool events. No client
// action is taken for them.
type ToolObserver func(stream.Tool)

// State persists the per-browser identity and conversation history.
type State interface {
	UserID(ctx context.Context) (string, error)
	History(ctx context.Context) ([]conversation.Turn, error)
	SaveHistory(ctx context.Context, turns []conversation.Turn) error
}

// Result is the outcome of one completed turn.
type Result struct {
	Text        string
	ToolCalls   []tools.Call
	ToolResults []tools.Result // client-side execution outcomes
}

// Config contains the runtime's dependencies.
type Config struct {
	BaseURL  string
	HTTP     *http.Client
	Executor *tools.Executor
	State    State
	Breaker  *breaker.Breaker
	Logger   *slog.Logger

	// Offline reports whether the host environment is known to be
	// offline. Optional; nil means always assume online.
	Offline func() bool

	// ToolObserver is invoked for server-executed tool events. Optional.
	ToolObserver ToolObserver

	IdleTimeout time.Duration
}

func (cfg Config) validate() error {
	if cfg.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if cfg.Executor == nil {
		return errors.New("tool executor is required")
	}
	if cfg.State == nil {
		return errors.New("state store is required")
	}
	if cfg.Breaker == nil {
		return errors.New("circuit breaker is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Client is the agent runtime. Safe for concurrent use; concurrent
// Send calls beyond the first fail with ErrBusy.
type Client struct {
	baseURL  string
	http     *http.Client
	executor *tools.Executor
	state    State
	breaker  *breaker.Breaker
	logger   *slog.Logger
	offline  func() bool
	observer ToolObserver

	idleTimeout time.Duration

	mu      sync.Mutex
	sending bool
}

func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		http:        httpClient,
		executor:    cfg.Executor,
		state:       cfg.State,
		breaker:     cfg.Breaker,
		logger:      cfg.Logger,
		offline:     cfg.Offline,
		observer:    cfg.ToolObserver,
		idleTimeout: idle,
	}, nil
}

type agentRequest struct {
	Prompt  string              `json:"prompt"`
	UserID  string              `json:"userId"`
	History []conversation.Turn `json:"conversationHistory"`
}

// Send runs one turn: request, stream consumption, client tool
// dispatch, history update. image may be nil for text-only turns.
// onToken may be nil.
func (c *Client) Send(ctx context.Context, prompt string, image []byte, onToken TokenCallback) (Result, error) {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return Result{}, ErrBusy
	}
	c.sending = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	// Pre-flight degradation: no network call when known offline or
	// the breaker is open. The token callback still fires once so UI
	// behavior stays uniform.
	if c.offline != nil && c.offline() {
		if onToken != nil {
			onToken(offlineMessage)
		}
		return Result{Text: offlineMessage}, nil
	}
	if err := c.breaker.Allow(); err != nil {
		if onToken != nil {
			onToken(offlineMessage)
		}
		return Result{Text: offlineMessage}, nil
	}

	userID, err := c.state.UserID(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("client: load user id: %w", err)
	}
	history, err := c.state.History(ctx)
	if err != nil {
		c.logger.Warn("loading history failed (continuing without it)", "error", err)
		history = nil
	}

	resp, err := c.issueRequest(ctx, prompt, userID, history, image)
	if err != nil {
		c.breaker.Failure()
		if onToken != nil {
			onToken(fallbackMessage)
		}
		return Result{Text: fallbackMessage}, nil
	}
	defer resp.Body.Close()

	result, turnErr := c.consume(resp.Body, onToken)
	if turnErr != nil {
		if !errors.Is(turnErr, errNonRetryable) {
			c.breaker.Failure()
		}
		if result.Text == "" {
			result.Text = fallbackMessage
		}
		if onToken != nil {
			onToken(result.Text)
		}
		return result, nil
	}

	c.breaker.Success()
	c.saveHistory(ctx, history, prompt, result.Text)
	return result, nil
}

func (c *Client) issueRequest(ctx context.Context, prompt, userID string, history []conversation.Turn, image []byte) (*http.Response, error) {
	var (
		body        io.Reader
		contentType string
	)

	if image == nil {
		raw, err := json.Marshal(agentRequest{
			Prompt:  prompt,
			UserID:  userID,
			History: history,
		})
		if err != nil {
			return nil, fmt.Errorf("client: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	} else {
		buf := new(bytes.Buffer)
		mw := multipart.NewWriter(buf)
		if err := mw.WriteField("prompt", prompt); err != nil {
			return nil, fmt.Errorf("client: build multipart: %w", err)
		}
		if err := mw.WriteField("userId", userID); err != nil {
			return nil, fmt.Errorf("client: build multipart: %w", err)
		}
		fw, err := mw.CreateFormFile("image", "image")
		if err != nil {
			return nil, fmt.Errorf("client: build multipart: %w", err)
		}
		if _, err := fw.Write(image); err != nil {
			return nil, fmt.Errorf("client: build multipart: %w", err)
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("client: build multipart: %w", err)
		}
		body = buf
		contentType = mw.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent", body)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("client: agent returned status %d", resp.StatusCode)
	}
	return resp, nil
}

// consume reads the event stream to completion. An idle timer closes
// the body when no bytes arrive for idleTimeout, so a dead connection
// cannot hang the turn.
func (c *Client) consume(body io.ReadCloser, onToken TokenCallback) (Result, error) {
	idle := time.AfterFunc(c.idleTimeout, func() {
		body.Close()
	})
	defer idle.Stop()

	var (
		dec         stream.Decoder
		result      Result
		accumulated string
		sawMessage  bool
		streamErr   *stream.ErrorInfo
	)

	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		idle.Reset(c.idleTimeout)

		for _, event := range dec.Feed(buf[:n]) {
			switch event.Type {
			case stream.TypeToken:
				accumulated += event.Token.Text
				if onToken != nil {
					onToken(accumulated)
				}

			case stream.TypeTool:
				c.handleTool(*event.Tool, &result)

			case stream.TypeMessage:
				// message.text is authoritative over the token buffer.
				sawMessage = true
				result.Text = event.Message.Text
				result.ToolCalls = event.Message.ToolCalls
				if event.Message.Text != "" && onToken != nil {
					onToken(event.Message.Text)
				}

			case stream.TypeError:
				streamErr = event.Error

			case stream.TypeDone:
				return c.finalize(result, accumulated, sawMessage, streamErr)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				// Socket closed without a done frame: the turn was
				// aborted. A buffered error frame still decides the
				// outcome; otherwise this is an implicit failure.
				if streamErr != nil {
					return c.finalize(result, accumulated, sawMessage, streamErr)
				}
				return result, errors.New("client: stream ended before done event")
			}
			return result, fmt.Errorf("client: stream read: %w", readErr)
		}
	}
}

func (c *Client) handleTool(tool stream.Tool, result *Result) {
	switch tool.Status {
	case stream.ToolClient:
		res := c.executor.Execute(tools.Call{Name: tool.Name, Arguments: tool.Arguments})
		result.ToolResults = append(result.ToolResults, res)
		if !res.Success {
			c.logger.Warn("client tool failed",
				"tool", tool.Name,
				"message", res.Message)
		}
	case stream.ToolDone:
		if c.observer != nil {
			c.observer(tool)
		}
	}
}

func (c *Client) finalize(result Result, accumulated string, sawMessage bool, streamErr *stream.ErrorInfo) (Result, error) {
	if streamErr != nil {
		text := streamErr.Text
		if text == "" {
			text = fallbackMessage
		}
		result.Text = text
		if streamErr.Retryable {
			return result, fmt.Errorf("client: turn failed: %s", streamErr.Text)
		}
		return result, fmt.Errorf("%w: %s", errNonRetryable, streamErr.Text)
	}
	if !sawMessage {
		result.Text = accumulated
	}
	return result, nil
}

// saveHistory appends the completed turn and truncates to the bounded
// window. Persistence failures are logged, never surfaced.
func (c *Client) saveHistory(ctx context.Context, history []conversation.Turn, prompt, text string) {
	now := time.Now()
	history = append(history,
		conversation.Turn{Role: conversation.RoleUser, Content: prompt, Timestamp: now},
		conversation.Turn{Role: conversation.RoleAssistant, Content: text, Timestamp: now},
	)
	history = conversation.Truncate(history, conversation.MaxTurns)
	if err := c.state.SaveHistory(ctx, history); err != nil {
		c.logger.Warn("saving history failed", "error", err)
	}
}

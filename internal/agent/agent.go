// Package agent orchestrates one conversational turn: context
// assembly, inference, tool execution, and the typed event stream the
// page client consumes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagemate/pagemate/internal/breaker"
	"github.com/pagemate/pagemate/internal/conversation"
	"github.com/pagemate/pagemate/internal/inference"
	"github.com/pagemate/pagemate/internal/memory"
	"github.com/pagemate/pagemate/internal/retrieval"
	"github.com/pagemate/pagemate/internal/stream"
	"github.com/pagemate/pagemate/internal/tools"
)

const (
	// maxContextTurns bounds how much history travels into the model
	// context; the client may send more.
	maxContextTurns = 10

	// fetchTimeout caps the concurrent memory and retrieval fetches so
	// a slow backend cannot stall the turn.
	fetchTimeout = 5 * time.Second

	// degradedMessage is returned when the pipeline fails for a reason
	// the user can do nothing about.
	degradedMessage = "Entschuldigung, da ist gerade etwas schiefgelaufen. Bitte versuche es später noch einmal."

	// busyMessage is returned when the backend rate-limits us.
	busyMessage = "Der Assistent ist gerade stark ausgelastet. Bitte versuche es gleich noch einmal."

	// busyWaitFormat is used instead when the backend told us how long
	// to wait.
	busyWaitFormat = "Der Assistent ist gerade stark ausgelastet. Bitte versuche es in etwa %d Sekunden noch einmal."
)

// Emitter receives stream events as the pipeline produces them. The
// HTTP layer implements it with an SSE writer; tests collect events in
// a slice.
type Emitter interface {
	Emit(stream.Event) error
}

// Inference is the slice of the inference client the orchestrator
// needs.
type Inference interface {
	Run(ctx context.Context, req inference.Request) (inference.Response, error)
}

// Recaller fetches memory facts for a user. Failures degrade to no
// facts.
type Recaller interface {
	Recall(ctx context.Context, userID, query string) ([]memory.Fact, error)
}

// Searcher fetches grounding excerpts for a prompt. Failures degrade
// to no context.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]retrieval.Excerpt, error)
}

// ServerTools is the slice of the tool registry the orchestrator
// needs: the advertised catalog, the server/client classification, and
// server-side execution.
type ServerTools interface {
	WireFormat() []tools.WireDefinition
	IsServer(name string) bool
	Execute(ctx context.Context, userID string, call tools.Call) tools.Result
}

// Request is one inbound turn.
type Request struct {
	Prompt           string
	UserID           string
	History          []conversation.Turn
	ImageDescription string
}

// Config contains the orchestrator's dependencies.
type Config struct {
	Inference Inference
	Tools     ServerTools
	Memory    Recaller // optional
	Retrieval Searcher // optional
	Logger    *slog.Logger

	Temperature float64
	MaxTokens   int
}

func (cfg Config) validate() error {
	if cfg.Inference == nil {
		return errors.New("inference client is required")
	}
	if cfg.Tools == nil {
		return errors.New("tool catalog is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Orchestrator sequences model calls and tool execution for one turn
// at a time. It is stateless across turns and safe for concurrent use.
type Orchestrator struct {
	inference Inference
	tools     ServerTools
	memory    Recaller
	retrieval Searcher
	logger    *slog.Logger

	temperature float64
	maxTokens   int

	now func() time.Time
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Orchestrator{
		inference:   cfg.Inference,
		tools:       cfg.Tools,
		memory:      cfg.Memory,
		retrieval:   cfg.Retrieval,
		logger:      cfg.Logger,
		temperature: temperature,
		maxTokens:   maxTokens,
		now:         time.Now,
	}, nil
}

// Run executes one turn and writes its event sequence to em. Exactly
// one done event is emitted, last, regardless of what fails in
// between. The final message payload is also returned for
// non-streaming callers.
func (o *Orchestrator) Run(ctx context.Context, req Request, em Emitter) (stream.Message, error) {
	msg, err := o.pipeline(ctx, req, em)
	if err != nil {
		text, retryable := degrade(err)
		o.logger.Error("turn failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		if emitErr := em.Emit(stream.ErrorEvent(text, retryable)); emitErr != nil {
			o.logger.Debug("emit error frame failed", slog.String("error", emitErr.Error()))
		}
	}
	if emitErr := em.Emit(stream.DoneEvent(o.now().UnixMilli())); emitErr != nil {
		o.logger.Debug("emit done frame failed", slog.String("error", emitErr.Error()))
	}
	return msg, err
}

// degrade maps a pipeline error to the user-facing error payload.
func degrade(err error) (text string, retryable bool) {
	switch {
	case errors.Is(err, inference.ErrRateLimited):
		var rle *inference.RateLimitError
		if errors.As(err, &rle) && rle.RetryAfter > 0 {
			wait := int(rle.RetryAfter.Round(time.Second).Seconds())
			return fmt.Sprintf(busyWaitFormat, wait), false
		}
		return busyMessage, false
	case errors.Is(err, breaker.ErrOpen):
		return degradedMessage, true
	}
	var be *inference.BackendError
	if errors.As(err, &be) && !be.Retryable {
		return degradedMessage, false
	}
	return degradedMessage, true
}

func (o *Orchestrator) pipeline(ctx context.Context, req Request, em Emitter) (stream.Message, error) {
	if err := em.Emit(stream.StatusEvent(stream.PhaseThinking)); err != nil {
		return stream.Message{}, fmt.Errorf("emit status: %w", err)
	}

	facts, excerpts := o.fetchContext(ctx, req.UserID, req.Prompt)

	infReq := inference.Request{
		Messages:    o.buildMessages(req, facts, excerpts),
		Tools:       o.tools.WireFormat(),
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}

	resp, err := o.inference.Run(ctx, infReq)
	if err != nil {
		return stream.Message{}, fmt.Errorf("inference call: %w", err)
	}

	hasMemory := len(facts) > 0
	hasImage := req.ImageDescription != ""

	if len(resp.ToolCalls) == 0 {
		return o.emitText(em, resp.Response, hasMemory, hasImage)
	}
	return o.runTools(ctx, req, infReq.Messages, resp.ToolCalls, hasMemory, hasImage, em)
}

// fetchContext performs the memory and retrieval lookups concurrently
// under a shared timeout. Either may fail without affecting the turn.
func (o *Orchestrator) fetchContext(ctx context.Context, userID, prompt string) ([]memory.Fact, []retrieval.Excerpt) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var (
		facts    []memory.Fact
		excerpts []retrieval.Excerpt
	)

	var g errgroup.Group
	g.Go(func() error {
		if o.memory == nil {
			return nil
		}
		got, err := o.memory.Recall(fetchCtx, userID, prompt)
		if err != nil {
			o.logger.Debug("memory recall failed (continuing without facts)",
				slog.String("error", err.Error()))
			return nil
		}
		facts = got
		return nil
	})
	g.Go(func() error {
		if o.retrieval == nil {
			return nil
		}
		got, err := o.retrieval.Search(fetchCtx, prompt, retrieval.DefaultMaxResults)
		if err != nil {
			o.logger.Debug("retrieval search failed (continuing without context)",
				slog.String("error", err.Error()))
			return nil
		}
		excerpts = got
		return nil
	})
	_ = g.Wait() // goroutines never return errors

	return facts, excerpts
}

func (o *Orchestrator) buildMessages(req Request, facts []memory.Fact, excerpts []retrieval.Excerpt) []inference.Message {
	history := conversation.Truncate(req.History, maxContextTurns)

	messages := make([]inference.Message, 0, len(history)+2)
	messages = append(messages, inference.Message{
		Role:    "system",
		Content: buildSystemPrompt(facts, excerpts, req.ImageDescription),
	})
	for _, t := range history {
		messages = append(messages, inference.Message{Role: string(t.Role), Content: t.Content})
	}
	messages = append(messages, inference.Message{Role: "user", Content: req.Prompt})
	return messages
}

// emitText streams a plain text answer word by word, then the final
// message.
func (o *Orchestrator) emitText(em Emitter, text string, hasMemory, hasImage bool) (stream.Message, error) {
	if err := em.Emit(stream.StatusEvent(stream.PhaseStreaming)); err != nil {
		return stream.Message{}, fmt.Errorf("emit status: %w", err)
	}
	for _, chunk := range chunkWords(text) {
		if err := em.Emit(stream.TokenEvent(chunk)); err != nil {
			return stream.Message{}, fmt.Errorf("emit token: %w", err)
		}
	}

	msg := stream.Message{
		Text:      text,
		ToolCalls: []tools.Call{},
		HasMemory: hasMemory,
		HasImage:  hasImage,
	}
	if err := em.Emit(stream.MessageEvent(msg)); err != nil {
		return stream.Message{}, fmt.Errorf("emit message: %w", err)
	}
	return msg, nil
}

// runTools executes server tools inline, defers client tools to the
// page runtime, and issues the follow-up inference call when server
// results exist. Prose from the first call is discarded: it may
// describe actions that had not happened yet.
func (o *Orchestrator) runTools(ctx context.Context, req Request, baseMessages []inference.Message, calls []tools.Call, hasMemory, hasImage bool, em Emitter) (stream.Message, error) {
	var (
		clientCalls   []tools.Call
		serverResults []tools.Result
	)

	for _, call := range calls {
		isServer := o.tools.IsServer(call.Name)
		if err := em.Emit(stream.ToolEvent(stream.Tool{
			Name:         call.Name,
			Arguments:    call.Arguments,
			Status:       stream.ToolExecuting,
			IsServerTool: isServer,
		})); err != nil {
			return stream.Message{}, fmt.Errorf("emit tool: %w", err)
		}

		if !isServer {
			clientCalls = append(clientCalls, call)
			if err := em.Emit(stream.ToolEvent(stream.Tool{
				Name:      call.Name,
				Arguments: call.Arguments,
				Status:    stream.ToolClient,
			})); err != nil {
				return stream.Message{}, fmt.Errorf("emit tool: %w", err)
			}
			continue
		}

		result := o.tools.Execute(ctx, req.UserID, call)
		serverResults = append(serverResults, result)
		if err := em.Emit(stream.ToolEvent(stream.Tool{
			Name:         call.Name,
			Arguments:    call.Arguments,
			Status:       stream.ToolDone,
			Result:       &result,
			IsServerTool: true,
		})); err != nil {
			return stream.Message{}, fmt.Errorf("emit tool: %w", err)
		}
	}

	if clientCalls == nil {
		clientCalls = []tools.Call{}
	}

	// Pure client actions: the action is the whole response.
	if len(serverResults) == 0 {
		msg := stream.Message{
			Text:      "",
			ToolCalls: clientCalls,
			HasMemory: hasMemory,
			HasImage:  hasImage,
		}
		if err := em.Emit(stream.MessageEvent(msg)); err != nil {
			return stream.Message{}, fmt.Errorf("emit message: %w", err)
		}
		return msg, nil
	}

	if err := em.Emit(stream.StatusEvent(stream.PhaseSynthesizing)); err != nil {
		return stream.Message{}, fmt.Errorf("emit status: %w", err)
	}

	resultNames := make([]string, len(serverResults))
	for i, r := range serverResults {
		resultNames[i] = r.Name
	}

	followup := append(baseMessages,
		inference.Message{
			Role:    "assistant",
			Content: "Ich habe folgende Aktionen ausgeführt: " + strings.Join(resultNames, ", "),
		},
		inference.Message{
			Role:    "user",
			Content: formatToolResults(serverResults),
		},
	)

	resp, err := o.inference.Run(ctx, inference.Request{
		Messages:    followup,
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	})
	if err != nil {
		return stream.Message{}, fmt.Errorf("follow-up inference call: %w", err)
	}

	for _, chunk := range chunkWords(resp.Response) {
		if err := em.Emit(stream.TokenEvent(chunk)); err != nil {
			return stream.Message{}, fmt.Errorf("emit token: %w", err)
		}
	}

	msg := stream.Message{
		Text:        resp.Response,
		ToolCalls:   clientCalls,
		HasMemory:   hasMemory,
		HasImage:    hasImage,
		ToolResults: resultNames,
	}
	if err := em.Emit(stream.MessageEvent(msg)); err != nil {
		return stream.Message{}, fmt.Errorf("emit message: %w", err)
	}
	return msg, nil
}

func formatToolResults(results []tools.Result) string {
	var b strings.Builder
	b.WriteString("Ergebnisse der ausgeführten Aktionen:\n")
	for _, r := range results {
		status := "erfolgreich"
		if !r.Success {
			status = "fehlgeschlagen"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", r.Name, status, r.Message)
	}
	b.WriteString("Antworte dem Nutzer jetzt auf Grundlage dieser Ergebnisse.")
	return b.String()
}

// chunkWords splits text into word-sized chunks whose concatenation is
// the original text, so a non-streaming backend still yields an
// incremental token stream.
func chunkWords(text string) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' || text[i] == '\n' {
			chunks = append(chunks, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}

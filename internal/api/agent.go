package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pagemate/pagemate/internal/agent"
	"github.com/pagemate/pagemate/internal/breaker"
	"github.com/pagemate/pagemate/internal/conversation"
	"github.com/pagemate/pagemate/internal/inference"
	"github.com/pagemate/pagemate/internal/stream"
)

// maxImageBytes caps attached images. Larger uploads are rejected
// before the vision call.
const maxImageBytes = 10 << 20

// Vision describes attached images before the turn runs. Optional;
// nil disables image support.
type Vision interface {
	RunVision(ctx context.Context, prompt string, image []byte) (string, error)
}

const visionPrompt = "Beschreibe das Bild kurz und sachlich, damit ein Assistent darauf Bezug nehmen kann."

type agentRequest struct {
	Prompt  string              `json:"prompt"`
	UserID  string              `json:"userId"`
	History []conversation.Turn `json:"conversationHistory"`
	// Stream defaults to true when absent.
	Stream *bool `json:"stream"`
}

type agentHandler struct {
	orchestrator *agent.Orchestrator
	vision       Vision
	logger       *slog.Logger
}

func (h *agentHandler) handle(w http.ResponseWriter, r *http.Request) {
	var (
		req       agent.Request
		streaming = true
	)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		parsed, ok := h.parseMultipart(w, r)
		if !ok {
			return
		}
		req = parsed
	} else {
		var body agentRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
		req = agent.Request{
			Prompt:  body.Prompt,
			UserID:  body.UserID,
			History: body.History,
		}
		if body.Stream != nil {
			streaming = *body.Stream
		}
	}

	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "missing_prompt", "prompt is required")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "userId is required")
		return
	}

	if !streaming {
		msg, err := h.orchestrator.Run(r.Context(), req, discardEmitter{})
		if err != nil {
			status, code := classifyTurnError(err)
			writeError(w, status, code, "the assistant could not complete the request")
			return
		}
		writeJSON(w, http.StatusOK, msg)
		return
	}

	sw, err := stream.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}
	// Pipeline errors are already on the stream as error frames.
	if _, err := h.orchestrator.Run(r.Context(), req, sw); err != nil {
		h.logger.Debug("streamed turn ended with error",
			"error", err,
			"request_id", requestIDFromContext(r.Context()))
	}
}

// parseMultipart extracts prompt, userId, and the attached image. The
// vision call is best-effort: a failure degrades to a turn without an
// image description.
func (h *agentHandler) parseMultipart(w http.ResponseWriter, r *http.Request) (agent.Request, bool) {
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_multipart", "could not parse multipart form")
		return agent.Request{}, false
	}

	req := agent.Request{
		Prompt: r.FormValue("prompt"),
		UserID: r.FormValue("userId"),
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		// No image attached; plain multipart turn.
		return req, true
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxImageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_image", "could not read image")
		return agent.Request{}, false
	}

	if h.vision == nil {
		h.logger.Debug("image attached but vision is disabled")
		return req, true
	}

	description, err := h.vision.RunVision(r.Context(), visionPrompt, image)
	if err != nil {
		h.logger.Warn("vision call failed (continuing without image description)",
			"error", err)
		return req, true
	}
	req.ImageDescription = description
	return req, true
}

// discardEmitter swallows events for the non-streaming path; the final
// message comes back from Run directly.
type discardEmitter struct{}

func (discardEmitter) Emit(stream.Event) error { return nil }

func classifyTurnError(err error) (status int, code string) {
	switch {
	case errors.Is(err, inference.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, breaker.ErrOpen):
		return http.StatusServiceUnavailable, "backend_unavailable"
	}
	var be *inference.BackendError
	if errors.As(err, &be) && !be.Retryable {
		return http.StatusBadGateway, "backend_rejected"
	}
	return http.StatusBadGateway, "backend_error"
}

// Package api exposes the orchestrator over HTTP: a single agent
// endpoint speaking either SSE or plain JSON, plus health probes.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pagemate/pagemate/internal/agent"
)

// ServerConfig contains configuration for creating the HTTP server.
type ServerConfig struct {
	Logger       *slog.Logger
	Orchestrator *agent.Orchestrator // Required
	Vision       Vision              // Optional: nil disables image support
	CORSOrigins  []string            // Allowed origins for CORS
	TrustProxy   bool                // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst    int                 // Rate limiter burst size per IP (0 = default 30)
}

// Server is the agent HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the server with all routes and middleware
// configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ah := &agentHandler{
		orchestrator: cfg.Orchestrator,
		vision:       cfg.Vision,
		logger:       logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent", ah.handle)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 30
	}
	rl := newIPLimiter(1.0, burst)

	// Middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Routes
	// RequestID must precede Logging so request_id is available in log
	// attributes; CORS must precede RateLimit so preflight OPTIONS gets
	// proper headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pagemate/pagemate/internal/agent"
	"github.com/pagemate/pagemate/internal/api"
	"github.com/pagemate/pagemate/internal/breaker"
	"github.com/pagemate/pagemate/internal/config"
	"github.com/pagemate/pagemate/internal/inference"
	"github.com/pagemate/pagemate/internal/log"
	"github.com/pagemate/pagemate/internal/memory"
	"github.com/pagemate/pagemate/internal/retrieval"
	"github.com/pagemate/pagemate/internal/tools"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute // event streaming needs a long write timeout
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(log.Config{
		Level: parseLogLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logger.Info("starting pagemate server", "version", AppVersion)

	inferenceClient := inference.NewClient(inference.Config{
		BaseURL:           cfg.InferenceURL,
		Token:             cfg.InferenceToken,
		Model:             cfg.Model,
		VisionModel:       cfg.VisionModel,
		RequestsPerSecond: cfg.RequestsPerSec,
	}, breaker.New(breaker.DefaultConfig()), logger)

	facts, cleanup, err := buildMemory(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing memory: %w", err)
	}
	defer cleanup()

	defs, err := tools.Catalog(facts)
	if err != nil {
		return fmt.Errorf("building tool catalog: %w", err)
	}
	registry, err := tools.NewRegistry(defs)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}

	var searcher agent.Searcher
	if cfg.RetrievalURL != "" {
		searcher = retrieval.NewClient(cfg.RetrievalURL, cfg.RetrievalToken)
	}

	var recaller agent.Recaller
	if store, ok := facts.(*memory.Store); ok {
		recaller = store
	}

	orchestrator, err := agent.New(agent.Config{
		Inference:   inferenceClient,
		Tools:       registry,
		Memory:      recaller,
		Retrieval:   searcher,
		Logger:      logger,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:       logger,
		Orchestrator: orchestrator,
		Vision:       inferenceClient,
		CORSOrigins:  cfg.CORSOrigins,
		TrustProxy:   cfg.TrustProxy,
		RateBurst:    cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"agent", "/agent",
		"health", "/health",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// buildMemory wires the configured memory backend. The returned
// cleanup closes any held connections.
func buildMemory(ctx context.Context, cfg *config.Config, logger log.Logger) (tools.FactStore, func(), error) {
	noop := func() {}

	switch cfg.MemoryBackend {
	case config.MemoryBackendOff:
		return disabledFacts{}, noop, nil

	case config.MemoryBackendService:
		svc, err := memory.NewService(memory.ServiceConfig{
			BaseURL: cfg.MemoryURL,
			Token:   cfg.MemoryToken,
		})
		if err != nil {
			return nil, nil, err
		}
		return memory.New(svc, svc, memory.Config{}, logger), noop, nil

	case config.MemoryBackendPostgres:
		// Embeddings still come from the vector service; only the index
		// moves into Postgres.
		svc, err := memory.NewService(memory.ServiceConfig{
			BaseURL: cfg.MemoryURL,
			Token:   cfg.MemoryToken,
		})
		if err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		index := memory.NewPgIndex(pool)
		if err := index.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensuring vector schema: %w", err)
		}
		return memory.New(svc, index, memory.Config{}, logger), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q", cfg.MemoryBackend)
	}
}

// disabledFacts satisfies the tool catalog when no memory backend is
// configured; the memory tools fail gracefully at call time.
type disabledFacts struct{}

func (disabledFacts) Remember(context.Context, string, string, string) error {
	return errors.New("memory is disabled")
}

func (disabledFacts) Recall(context.Context, string, string) ([]memory.Fact, error) {
	return nil, errors.New("memory is disabled")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

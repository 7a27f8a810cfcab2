// Package app wires configuration, storage, providers, and the HTTP surface
// into a runnable service.
package app

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

	"github.com/loomhq/loom/internal/api"
	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/chat"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/database"
	"github.com/loomhq/loom/internal/knowledge"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/llm/googleai"
	"github.com/loomhq/loom/internal/llm/openaiprov"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/transcript"
)

// Version identifies the build; set via -ldflags at release time.
var Version = "dev"

// App is the assembled service container.
type App struct {
	Config *config.Config
	Logger log.Logger
	Pool   *pgxpool.Pool

	server        *http.Server
	shutdownTrace func(context.Context) error
}

// New loads configuration and wires every component. The returned App owns
// the database pool; Close releases it.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{
		Level: parseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logger.Info("starting", "version", Version, "config", cfg)

	shutdownTrace, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    true,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, err
	}

	transcripts := transcript.NewStore(pool, logger.With("component", "transcript"))
	guard := authz.NewGuard(pool, logger.With("component", "authz"))
	store := knowledge.NewStore(pool, logger.With("component", "knowledge"))
	bridge := mcp.NewBridge("loom", Version, logger.With("component", "mcp"))

	registry := llm.NewRegistry()
	googleai.Register(registry)
	openaiprov.Register(registry)

	toolsets := func(ctx context.Context, servers []authz.ToolServer) (chat.Toolset, error) {
		configs := make([]mcp.ServerConfig, len(servers))
		for i, srv := range servers {
			configs[i] = mcp.ServerConfig{
				Name:      srv.Name,
				Transport: srv.Transport,
				Endpoint:  srv.Endpoint,
				Headers:   srv.Headers,
			}
		}
		return bridge.BuildToolset(ctx, configs)
	}

	retriever := chat.NewKnowledgeRetriever(store, guard, registry,
		logger.With("component", "retrieval"))

	orchestrator := chat.NewService(transcripts, guard, registry, toolsets, retriever, chat.Config{
		MaxTurns:     cfg.MaxTurns,
		HistoryLimit: cfg.HistoryLimit,
		ModelRate:    cfg.ModelRateLimit,
		ModelBurst:   cfg.ModelRateBurst,
	}, logger.With("component", "chat"))

	server := api.NewServer(api.Deps{
		Chat:         orchestrator,
		Transcripts:  transcripts,
		Knowledge:    store,
		Guard:        guard,
		Registry:     registry,
		Bridge:       bridge,
		DB:           pool,
		ProbeTimeout: time.Duration(cfg.ProbeTimeoutSec) * time.Second,
	}, logger.With("component", "api"))

	return &App{
		Config: cfg,
		Logger: logger,
		Pool:   pool,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTrace: shutdownTrace,
	}, nil
}

// Run serves HTTP until the context is canceled or a termination signal
// arrives, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining server: %w", err)
	}
	return nil
}

// Close releases the pool and flushes traces.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.shutdownTrace != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTrace(ctx); err != nil {
			a.Logger.Warn("trace shutdown failed", "error", err)
		}
	}
	a.Logger.Info("stopped")
}

func parseLevel(level string) slog.Level {
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

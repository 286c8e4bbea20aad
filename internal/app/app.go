// Package app is the composition root: it wires the database, the task
// queue, the AI clients and the orchestrator into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/activetigger/activetigger/internal/adapter/ai"
	"github.com/activetigger/activetigger/internal/adapter/httpserver"
	"github.com/activetigger/activetigger/internal/adapter/repo/postgres"
	"github.com/activetigger/activetigger/internal/config"
	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/orchestrator"
	"github.com/activetigger/activetigger/internal/queue"
)

// App holds the wired components of one server process.
type App struct {
	Cfg   config.Config
	Log   *slog.Logger
	Pool  *pgxpool.Pool
	Queue *queue.Queue
	Orch  *orchestrator.Orchestrator
	HTTP  *http.Server
}

// New connects to the database, applies the schema and assembles the
// orchestrator and HTTP server. Close the returned App with Shutdown.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("op=app.New: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=app.New: %w", err)
	}
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=app.New: %w", err)
	}

	repos := orchestrator.Repos{
		Projects:    postgres.NewProjectRepo(pool),
		Auth:        postgres.NewAuthRepo(pool),
		Users:       postgres.NewUserRepo(pool),
		Tokens:      postgres.NewTokenRepo(pool),
		Schemes:     postgres.NewSchemeRepo(pool),
		Annotations: postgres.NewAnnotationRepo(pool),
		Features:    postgres.NewFeatureRepo(pool),
		Models:      postgres.NewModelRepo(pool),
		Generations: postgres.NewGenerationRepo(pool),
		Logs:        postgres.NewLogRepo(pool),
		Messages:    postgres.NewMessageRepo(pool),
	}

	q := queue.New(cfg.NWorkersCPU, cfg.NWorkersGPU, cfg.MaxQueuedTasks, log)
	orch := orchestrator.New(&cfg, repos, buildClients(cfg, log), q, frame.NewStore(), log)

	srv := httpserver.New(orch, &cfg, log)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{Cfg: cfg, Log: log, Pool: pool, Queue: q, Orch: orch, HTTP: httpSrv}, nil
}

// buildClients returns real AI clients where an endpoint is configured
// and deterministic stubs otherwise, so a bare dev setup still runs
// every flow end to end.
func buildClients(cfg config.Config, log *slog.Logger) orchestrator.Clients {
	c := orchestrator.Clients{
		Sbert:    ai.StubEmbedder{},
		Fasttext: ai.StubEmbedder{},
		Trainer:  ai.StubTrainer{},
		Gen:      ai.StubGenerator{},
	}
	if cfg.EmbedderURL != "" {
		var emb domain.Embedder = ai.NewEmbedClient(cfg)
		c.Sbert = emb
		c.Fasttext = emb
	} else {
		log.Warn("no embeddings endpoint configured, using stub embedder")
	}
	if cfg.TrainerURL != "" {
		c.Trainer = ai.NewTrainerClient(cfg)
	} else {
		log.Warn("no trainer endpoint configured, using stub trainer")
	}
	if cfg.GenerationURL != "" {
		c.Gen = ai.NewGenerateClient(cfg)
	} else {
		log.Warn("no generation endpoint configured, using stub generator")
	}
	return c
}

// Run serves HTTP and the orchestrator loop until the context is
// cancelled or a termination signal arrives, then shuts down in order:
// HTTP first, then the queue, then the pool.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go a.Orch.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("http server starting", slog.Int("port", a.Cfg.Port))
		errCh <- a.HTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.Log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.shutdown()
			return fmt.Errorf("op=app.Run: %w", err)
		}
	}
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.ServerShutdownTimeout)
	defer cancel()
	if err := a.HTTP.Shutdown(shutdownCtx); err != nil {
		a.Log.Error("http shutdown failed", slog.Any("error", err))
	}
	a.Queue.Close()
	a.Pool.Close()
	a.Log.Info("server stopped")
}

// Taskflow - conversational task orchestration server
package main

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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/taskflow/internal/api"
	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/config"
	"github.com/ashureev/taskflow/internal/dispatch"
	"github.com/ashureev/taskflow/internal/flow"
	"github.com/ashureev/taskflow/internal/identity"
	"github.com/ashureev/taskflow/internal/middleware"
	"github.com/ashureev/taskflow/internal/nlu"
	"github.com/ashureev/taskflow/internal/preference"
	"github.com/ashureev/taskflow/internal/realtime"
	"github.com/ashureev/taskflow/internal/session"
	"github.com/ashureev/taskflow/internal/shared"
	"github.com/ashureev/taskflow/internal/store"
	"github.com/ashureev/taskflow/internal/transcript"
	"github.com/ashureev/taskflow/internal/vocab"
	"github.com/ashureev/taskflow/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "nlu_backend", cfg.NLU.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	cat, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}
	voc, err := loadVocab(cfg.VocabFile)
	if err != nil {
		return err
	}
	catalogs := catalog.NewHolder(cat)
	vocabs := vocab.NewHolder(voc)

	backend, closeBackend, err := nlu.OpenBackend(ctx, nlu.BackendConfig{
		Name: cfg.NLU.Backend,
		Anthropic: nlu.AnthropicConfig{
			APIKey:     cfg.NLU.AnthropicAPIKey,
			Model:      cfg.NLU.Model,
			UseBedrock: cfg.NLU.UseBedrock,
			AWSRegion:  cfg.NLU.AWSRegion,
		},
		Gemini: nlu.GeminiConfig{
			APIKey: cfg.NLU.GeminiAPIKey,
			Model:  cfg.NLU.Model,
		},
		GRPC: grpcConfig(cfg.NLU.GRPCAddr),
	}, catalogs, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	understander := nlu.NewService(catalogs, vocabs, backend, nlu.ServiceConfig{Timeout: cfg.NLU.Timeout, MaxAttempts: 2})
	slog.Info("Understanding service ready", "enhanced", understander.EnhancedName())

	var dispatcher dispatch.Dispatcher = dispatch.NewLogDispatcher(logger)
	if cfg.Dispatch.URL != "" {
		hd, err := dispatch.NewHTTPDispatcher(dispatch.HTTPConfig{
			URL:     cfg.Dispatch.URL,
			Timeout: cfg.Dispatch.Timeout,
		}, logger)
		if err != nil {
			return err
		}
		dispatcher = hd
	}

	prefs := preference.NewStore(preference.Policy{
		MinTasks:  cfg.Preference.MinTasks,
		Dominance: cfg.Preference.Dominance,
	}, preference.DefaultTracked(), repo, logger)

	transcripts, err := transcript.New(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Error("Failed to close transcripts", "error", closeErr)
		}
	}()

	sessions := session.NewManager(
		flow.NewController(understander, catalogs, vocabs, logger),
		prefs, repo, dispatcher, transcripts,
		session.Config{TTL: cfg.SessionTTL, SweepInterval: cfg.SweepInterval},
		logger,
	)
	registry := realtime.NewRegistry(logger)
	sessions.OnResult(registry.Notify)

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	flowHandler := api.NewFlowHandler(sessions, prefs, catalogs, limiter, cfg.MaxRequestBodySize, logger)
	healthHandler := api.NewHealthHandler(repo, 5*time.Second, logger)
	wsHandler := realtime.NewHandler(sessions, catalogs, registry, realtime.Options{
		Limiter:        limiter,
		AllowedOrigins: cfg.AllowedOrigins(),
		IsDev:          cfg.IsDevelopment(),
		ReadLimit:      cfg.MaxRequestBodySize,
	}, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment(), cfg.Locale))

	healthHandler.RegisterHealth(r)
	flowHandler.RegisterRoutes(r)
	r.Get("/ws/flow", wsHandler.ServeHTTP)
	chat, err := web.ChatHandler()
	if err != nil {
		return fmt.Errorf("load chat page: %w", err)
	}
	r.Handle("/*", chat)

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sessions.RunSweeper(gctx) })
	g.Go(func() error { return limiter.RunEviction(gctx) })
	if cfg.CatalogFile != "" {
		g.Go(func() error {
			return shared.WatchFile(gctx, cfg.CatalogFile, func() error {
				c, err := catalog.LoadFile(cfg.CatalogFile)
				if err != nil {
					return err
				}
				catalogs.Store(c)
				return nil
			})
		})
	}
	if cfg.VocabFile != "" {
		g.Go(func() error {
			return shared.WatchFile(gctx, cfg.VocabFile, func() error {
				t, err := vocab.LoadFile(cfg.VocabFile)
				if err != nil {
					return err
				}
				vocabs.Store(t)
				return nil
			})
		})
	}
	return g.Wait()
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Builtin(), nil
	}
	slog.Info("Loading task catalog", "path", path)
	return catalog.LoadFile(path)
}

func loadVocab(path string) (vocab.Tables, error) {
	if path == "" {
		return vocab.Builtin(), nil
	}
	slog.Info("Loading vocabulary", "path", path)
	return vocab.LoadFile(path)
}

func grpcConfig(addr string) nlu.GRPCConfig {
	c := nlu.DefaultGRPCConfig()
	c.Address = addr
	return c
}

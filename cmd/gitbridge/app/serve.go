package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/gitbridge/internal/api"
	"github.com/stacklok/gitbridge/internal/api/githttp"
	"github.com/stacklok/gitbridge/internal/auth"
	"github.com/stacklok/gitbridge/internal/config"
	"github.com/stacklok/gitbridge/internal/gitproto"
	"github.com/stacklok/gitbridge/internal/mirror"
	"github.com/stacklok/gitbridge/internal/projects"
	"github.com/stacklok/gitbridge/internal/redact"
	"github.com/stacklok/gitbridge/internal/status"
	"github.com/stacklok/gitbridge/internal/telemetry"
	"github.com/stacklok/gitbridge/internal/tokens"
)

const (
	defaultGracefulTimeout  = 30 * time.Second // Kubernetes-friendly shutdown time
	serverReadHeaderTimeout = 10 * time.Second // Enough for headers
	serverIdleTimeout       = 60 * time.Second // Keep connections alive for reuse
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the git HTTP server",
		Long: `Start the git smart HTTP server.

Repositories are served at /git/<project id>.git. Every fetch synchronizes the
project's mirror from its directory before the request is answered.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(redact.NewHandler(slog.Default().Handler(), cfg.Paths())))
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, cfg, nil)
		},
	}
}

// Serve serves until ctx is done. When ready is not nil it receives the
// bound address once the listener is open.
func Serve(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	slog.InfoContext(ctx, "Starting gitbridge", "address", cfg.Address, "branch", cfg.Branch)

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultGracefulTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.GitRoot, 0750); err != nil {
		return fmt.Errorf("failed to create git root: %w", err)
	}
	if err := mirror.RemoveStale(ctx, cfg.GitRoot); err != nil {
		slog.WarnContext(ctx, "Failed to remove stale temporary directories", "error", err)
	}
	if _, err := os.Stat(cfg.ProjectsRoot()); err != nil {
		// Projects appear once the platform creates them
		slog.WarnContext(ctx, "Projects directory is not accessible", "error", redact.PathError(err))
	}

	store, err := tokens.NewFileStore(cfg.TokensFile)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}

	syncMetrics, err := telemetry.NewSyncMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	gitMetrics, err := telemetry.NewGitMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create git metrics: %w", err)
	}
	metricsMiddleware, err := telemetry.MetricsMiddleware(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	resolver := projects.NewResolver(cfg.ProjectsRoot())
	tracker := status.NewTracker()
	engine, err := mirror.NewEngine(mirror.Config{
		GitRoot:     cfg.GitRoot,
		LockDir:     cfg.LockDir(),
		Branch:      cfg.Branch,
		AuthorName:  cfg.CommitAuthorName,
		AuthorEmail: cfg.CommitAuthorEmail,
	}, resolver,
		mirror.WithTracker(tracker),
		mirror.WithSyncMetrics(syncMetrics),
		mirror.WithTracerProvider(tel.TracerProvider()),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync engine: %w", err)
	}

	if cfg.AdminKey == "" {
		slog.InfoContext(ctx, "No admin key configured, admin API disabled")
	}

	router := api.NewServer(api.Dependencies{
		Gate:     auth.NewGate(store, resolver),
		Engine:   engine,
		Protocol: gitproto.NewBridge(cfg.GitRoot, cfg.Branch, gitproto.WithTracerProvider(tel.TracerProvider())),
		Tokens:   store,
		Tracker:  tracker,
		AdminKey: cfg.AdminKey,
	},
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			telemetry.TracingMiddleware(tel.TracerProvider()),
			metricsMiddleware,
			api.LoggingMiddleware,
		),
		api.WithMetricsHandler(tel.MetricsHandler()),
		api.WithGitOptions(githttp.WithGitMetrics(gitMetrics)),
		api.WithReadinessChecks(
			func(ctx context.Context) error {
				_, err := store.List(ctx)
				return err
			},
			func(context.Context) error {
				_, err := os.Stat(cfg.GitRoot)
				return err
			},
		),
	)

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	// No write timeout: packs of large projects stream for as long as the
	// client keeps reading.
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "address", listener.Addr().String())
		if ready != nil {
			ready <- listener.Addr().String()
		}
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultGracefulTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		slog.Info("Server shutdown complete")
		return nil
	})

	return g.Wait()
}

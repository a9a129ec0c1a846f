// Package main is the entry point for the flaggate server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply pending migrations.
//  3. Create the repository, cache, and service.
//  4. Wire up the API key token validator and auth middleware.
//  5. Start the HTTP server.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oakmere/flaggate/internal/cache"
	"github.com/oakmere/flaggate/internal/config"
	"github.com/oakmere/flaggate/internal/logging"
	"github.com/oakmere/flaggate/internal/metrics"
	"github.com/oakmere/flaggate/internal/middleware"
	"github.com/oakmere/flaggate/internal/repository"
	"github.com/oakmere/flaggate/internal/server"
	"github.com/oakmere/flaggate/internal/service"
	"github.com/oakmere/flaggate/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	flagCache := cache.New(cfg.CacheTTL)
	svc, err := service.New(repo, flagCache,
		service.WithLogger(log),
		service.WithRepoTimeout(cfg.RepoTimeout),
		service.WithInstrumentation(service.Instrumentation{
			CacheHit:  m.CacheHitsTotal.Inc,
			CacheMiss: m.CacheMissesTotal.Inc,
			CacheInvalidation: func() {
				m.CacheInvalidations.Inc()
				m.CacheSize.Set(float64(flagCache.Len()))
			},
			Evaluation:     m.RecordEvaluation,
			StaleServe:     m.StaleServesTotal.Inc,
			HistoryFailure: m.HistoryFailures.Inc,
		}),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	apiHandler := server.NewHTTPHandler(svc,
		server.WithDefaultEnvironment(cfg.Environment),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
	)
	httpHandler := newHTTPHandler(apiHandler, m, &apiKeyTokenValidator{lookup: repo},
		middleware.WithOnAuthFailure(m.AuthFailuresTotal.Inc),
		middleware.WithRateLimiter(rateLimiter),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.RequestLogging(log)(httpHandler), "flaggate-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "environment", string(cfg.Environment))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newHTTPHandler mounts the authenticated API under /v1/ and leaves the
// health and metrics endpoints public.
func newHTTPHandler(apiHandler http.Handler, m *metrics.Metrics, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.BearerAuth(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", m.Handler())

	return m.HTTPMiddleware(mux)
}

type apiKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (keyHash, actor, role string, err error)
}

type apiKeyTokenValidator struct {
	lookup apiKeyLookup
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (middleware.Principal, error) {
	if v == nil || v.lookup == nil {
		return middleware.Principal{}, errors.New("api key validator is nil")
	}

	keyID, rawSecret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || rawSecret == "" {
		return middleware.Principal{}, errors.New("invalid token format")
	}

	keyHash, actor, role, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return middleware.Principal{}, fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(rawSecret, keyHash) {
		return middleware.Principal{}, errors.New("invalid token")
	}

	return middleware.Principal{Actor: actor, Role: role}, nil
}

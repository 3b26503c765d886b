package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/modelrelay/modelrelay/internal/access"
	"github.com/modelrelay/modelrelay/internal/api"
	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/catalog"
	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/crypto"
	"github.com/modelrelay/modelrelay/internal/gateway"
	"github.com/modelrelay/modelrelay/internal/integration"
	"github.com/modelrelay/modelrelay/internal/integration/notion"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/notifications"
	"github.com/modelrelay/modelrelay/internal/queue"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/relay"
	"github.com/modelrelay/modelrelay/internal/repository"
	"github.com/modelrelay/modelrelay/internal/secrets"
	"github.com/modelrelay/modelrelay/internal/telemetry"
	"github.com/modelrelay/modelrelay/internal/toolcall"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting modelrelay", "addr", cfg.Addr, "providers", len(cfg.ProviderBaseURLs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "modelrelay", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	providerKeys := cfg.ProviderAPIKeys
	if cfg.ProviderKeysSecret != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to connect to secrets manager", "error", err)
			os.Exit(1)
		}
		providerKeys, err = secrets.LoadProviderKeys(ctx, store, cfg.ProviderKeysSecret, providerKeys)
		if err != nil {
			slog.Error("failed to load provider keys", "error", err, "secret", cfg.ProviderKeysSecret)
			os.Exit(1)
		}
		slog.Info("provider keys loaded from secrets manager", "secret", cfg.ProviderKeysSecret)
	}

	reg := registry.New(registry.Config{
		BaseURLs: cfg.ProviderBaseURLs,
		APIKeys:  providerKeys,
		Settings: cfg.ProviderSettings,
	})
	if len(reg.List()) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	client := upstream.New(upstream.Config{ForwardIdentity: cfg.ForwardUserHeaders})
	cat := catalog.New(reg, client, cfg.CatalogTTL)

	var db *sql.DB
	var callers repository.CallerRepository
	var handles integration.Store
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			slog.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}

		callers = repository.NewPostgresCallerRepository(db)
		handles = integration.NewPostgresStore(db, enc)
		slog.Info("using postgres storage")
	} else {
		callers = repository.NewInMemoryCallerRepository()
		handles = integration.NewInMemoryStore()
		slog.Info("using in-memory storage")
	}

	var publisher queue.Publisher
	if cfg.ToolEventsQueueURL != "" {
		publisher, err = queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.ToolEventsQueueURL)
		if err != nil {
			slog.Error("failed to connect to sqs", "error", err)
			os.Exit(1)
		}
		slog.Info("publishing tool events", "queue", cfg.ToolEventsQueueURL)
	}

	orchestrator := toolcall.New(toolcall.Config{
		Integration: notion.NewClient(),
		Handles:     handles,
		Publisher:   publisher,
	})

	streamRelay := relay.New(relay.Config{Fulfiller: orchestrator})

	checker := access.NewChecker(access.NewInMemoryStore(cfg.ModelPolicies), cfg.BypassAccessControl)

	var notifier notifications.Notifier
	if cfg.NotifyTopicARN != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.NotifyTopicARN)
		if err != nil {
			slog.Error("failed to connect to sns", "error", err)
			os.Exit(1)
		}
		slog.Info("publishing notifications", "topic", cfg.NotifyTopicARN)
	} else {
		notifier = notifications.NewInMemoryNotifier()
	}

	var dedup notifications.Deduplicator
	if cfg.RedisURL != "" {
		redisDedup, err := notifications.NewRedisDeduplicator(cfg.RedisURL, time.Hour)
		if err != nil {
			slog.Warn("failed to connect to redis for notification dedup, using in-memory", "error", err)
			dedup = notifications.NewInMemoryDeduplicator()
		} else {
			dedup = redisDedup
		}
	} else {
		dedup = notifications.NewInMemoryDeduplicator()
	}

	breakerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithStateChangeHandler(breakerObserver(notifier, dedup)),
	}
	if cfg.UseDistributedCircuitBreaker && cfg.RedisURL != "" {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(cfg.RedisURL))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	gw := gateway.New(gateway.Config{
		Registry:     reg,
		Catalog:      cat,
		Upstream:     client,
		Access:       checker,
		Orchestrator: orchestrator,
		Relay:        streamRelay,
		StreamPolicy: relay.ParsePolicy(cfg.ToolStreamPolicy),
		Breakers:     breakers,
	})

	var rateLimiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		rateLimiter, err = ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var healthCheckers []api.HealthChecker
	if cfg.RedisURL != "" {
		redisChecker, err := api.NewRedisHealthChecker(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to create redis health checker", "error", err)
		} else {
			healthCheckers = append(healthCheckers, redisChecker)
		}
	}
	if db != nil {
		healthCheckers = append(healthCheckers, api.NewPostgresHealthChecker(db))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Callers:        callers,
		RateLimiter:    rateLimiter,
		Gateway:        gw,
		Catalog:        cat,
		Registry:       reg,
		Prober:         client,
		Access:         checker,
		Breakers:       breakers,
		HealthCheckers: healthCheckers,
	})

	var rbac *auth.RBACMiddleware
	if cfg.AdminAuthEnabled {
		var adminUsers auth.AdminUserRepository
		if db != nil {
			adminUsers = auth.NewPostgresAdminUserRepository(db)
		} else {
			adminUsers = auth.NewInMemoryAdminUserRepository()
		}
		rbac = auth.NewRBACMiddleware(auth.NewAuthenticator(adminUsers))
		slog.Info("admin authentication enabled")
	} else {
		slog.Warn("admin endpoints are unauthenticated, set ADMIN_AUTH_ENABLED=true in production")
	}

	admin := api.NewAdminHandler(api.AdminConfig{
		Registry:     reg,
		Catalog:      cat,
		Callers:      callers,
		Integrations: handles,
		RBAC:         rbac,
	})

	mux := http.NewServeMux()
	mux.Handle("/admin/", admin)
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: SSE streams stay open for the life of a
		// completion.
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer flushCancel()
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

// breakerObserver gauges breaker state and alerts on provider outage and
// recovery. Handlers must not block, so sends happen on their own goroutine.
func breakerObserver(notifier notifications.Notifier, dedup notifications.Deduplicator) circuitbreaker.StateChangeHandler {
	return func(providerIndex int, from, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState(providerIndex, int(to))

		slog.Warn("circuit breaker state changed",
			"provider_index", providerIndex,
			"from", from.String(),
			"to", to.String(),
		)

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			switch {
			case to == circuitbreaker.StateOpen:
				if !dedup.ShouldNotify(ctx, providerIndex, notifications.NotificationProviderDown) {
					return
				}
				notifier.Send(ctx, notifications.Notification{
					Type:          notifications.NotificationProviderDown,
					ProviderIndex: providerIndex,
					Message:       fmt.Sprintf("provider %d circuit opened", providerIndex),
				})
			case from == circuitbreaker.StateHalfOpen && to == circuitbreaker.StateClosed:
				dedup.Clear(ctx, providerIndex)
				notifier.Send(ctx, notifications.Notification{
					Type:          notifications.NotificationProviderUp,
					ProviderIndex: providerIndex,
					Message:       fmt.Sprintf("provider %d recovered", providerIndex),
				})
			}
		}()
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

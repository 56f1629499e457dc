// Command placebook serves the authorization, entitlement, subscription and
// event log API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/placebook/pkg/audit"
	"github.com/platinummonkey/placebook/pkg/config"
	"github.com/platinummonkey/placebook/pkg/entitlements"
	"github.com/platinummonkey/placebook/pkg/middleware"
	"github.com/platinummonkey/placebook/pkg/migrations"
	"github.com/platinummonkey/placebook/pkg/observability"
	"github.com/platinummonkey/placebook/pkg/rbac"
	"github.com/platinummonkey/placebook/pkg/storage"
	"github.com/platinummonkey/placebook/pkg/subscriptions"
)

var migrate = flag.Bool("migrate", false, "Apply pending database migrations before serving")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("placebook exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, cfg.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	cm, err := storage.NewConnectionManager(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	cm.StartMaintenance(ctx, 30*time.Second, metrics)

	if *migrate {
		if err := migrations.Up(ctx, cm.Primary()); err != nil {
			cm.Close()
			return err
		}
		logger.Info("database migrations applied")
	}

	var redisClient *storage.RedisClient
	if cfg.Storage.RedisURL != "" {
		redisClient, err = storage.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			cm.Close()
			return err
		}
	}

	var archiver audit.Archiver
	if cfg.Storage.S3Bucket != "" {
		objects, err := storage.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			cm.Close()
			return err
		}
		archiver = audit.NewObjectArchiver(objects, cfg.Audit.ArchivePrefix)
		logger.WithField("bucket", objects.Bucket()).Info("event log archives enabled")
	}

	// Access control
	rbacStore := rbac.NewPostgresStore(cm.Primary())
	readStore := rbac.NewCachedStore(rbacStore, cfg.RBAC.MembershipCacheSize, cfg.RBAC.MembershipCacheTTL, metrics)
	resolver := rbac.NewResolver(readStore, rbac.WithMetrics(metrics), rbac.WithLogger(logger))
	permissions := rbac.NewPermissionMiddleware(resolver, logger)

	// Event log
	auditStore := audit.NewPostgresStore(cm.Primary())
	recorder := audit.NewRecorder(auditStore, logger, metrics)
	auditOpts := []audit.ServiceOption{
		audit.WithBroadDeleteThreshold(cfg.Audit.BroadDeleteThreshold),
		audit.WithServiceMetrics(metrics),
		audit.WithServiceLogger(logger),
	}
	if archiver != nil {
		auditOpts = append(auditOpts, audit.WithArchiver(archiver))
	}
	auditService := audit.NewService(auditStore, auditOpts...)

	// Subscriptions
	subStore := subscriptions.NewPostgresStore(cm.Primary())
	lifecycle := subscriptions.NewLifecycle(subStore,
		subscriptions.WithLocation(cfg.Location()),
		subscriptions.WithUsage(subscriptions.NewPostgresUsage(cm.Replica())),
		subscriptions.WithMetrics(metrics),
		subscriptions.WithLogger(logger),
		subscriptions.WithTracer(observability.Tracer()),
		subscriptions.WithExpireHistory(cfg.Subscriptions.ExpireHistory),
	)
	dispatcher := subscriptions.NewDispatcher(subStore, recorder, rbacStore,
		subscriptions.WithDispatchLogger(logger),
		subscriptions.WithDispatchMetrics(metrics),
	)

	userLimiter, anonLimiter, adminLimiter := newLimiters(ctx, redisClient)

	router := mux.NewRouter()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(logger))
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	router.Use(middleware.Principal(rbacStore, logger))
	router.Use(middleware.RateLimit("api", userLimiter, anonLimiter, metrics, logger))

	rbac.NewHandlers(rbacStore, readStore, permissions, logger,
		rbac.WithPlanGate(lifecycle, entitlements.NewEvaluator(metrics)),
		rbac.WithAuditor(recorder),
	).RegisterRoutes(router)
	subscriptions.NewHandlers(lifecycle, dispatcher, resolver, logger).RegisterRoutes(router)

	admin := router.NewRoute().Subrouter()
	admin.Use(middleware.RateLimit("admin", adminLimiter, adminLimiter, metrics, logger))
	audit.NewHandlers(auditService, recorder, logger).RegisterRoutes(admin)

	// Probes and metrics on their own port
	var redisUniversal redis.UniversalClient
	if redisClient != nil {
		redisUniversal = redisClient.Client()
	}
	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, observability.NewHealthChecker(cm.Primary(), redisUniversal))
	observability.RegisterMetricsEndpoint(healthRouter, registry)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "placebook"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.Register(func(context.Context) error { return cm.Close() })
	if redisClient != nil {
		shutdown.Register(func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register(providers.Shutdown)
	shutdown.Register(func(context.Context) error {
		cancel()
		return nil
	})
	// runs first: committed transitions finish their side writes before the pool closes
	shutdown.Register(dispatcher.Wait)

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		srv := srv
		go func() {
			logger.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}()
	}

	waitCtx, stopWait := context.WithCancelCause(ctx)
	defer stopWait(nil)
	go func() {
		stopWait(<-serveErr)
	}()

	if err := shutdown.Wait(waitCtx); err != nil {
		return err
	}
	if cause := context.Cause(waitCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// newLimiters shares rate limit windows across replicas when redis is
// configured and falls back to per-process buckets otherwise.
func newLimiters(ctx context.Context, redisClient *storage.RedisClient) (user, anon, admin middleware.Limiter) {
	if redisClient != nil {
		client := redisClient.Client()
		return middleware.NewRedisLimiter(client, middleware.PerUserRateLimitConfig(), "placebook:ratelimit:user"),
			middleware.NewRedisLimiter(client, middleware.AnonymousRateLimitConfig(), "placebook:ratelimit:anon"),
			middleware.NewRedisLimiter(client, middleware.AdminExportRateLimitConfig(), "placebook:ratelimit:admin")
	}

	memUser := middleware.NewMemoryLimiter(middleware.PerUserRateLimitConfig())
	memAnon := middleware.NewMemoryLimiter(middleware.AnonymousRateLimitConfig())
	memAdmin := middleware.NewMemoryLimiter(middleware.AdminExportRateLimitConfig())
	for _, l := range []*middleware.MemoryLimiter{memUser, memAnon, memAdmin} {
		l.StartCleanup(ctx)
	}
	return memUser, memAnon, memAdmin
}

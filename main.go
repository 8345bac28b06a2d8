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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	gormlogger "gorm.io/gorm/logger"

	"task-hierarchy/backend/internal/config"
	"task-hierarchy/backend/internal/database"
	"task-hierarchy/backend/internal/handlers"
	"task-hierarchy/backend/internal/middleware"
	"task-hierarchy/backend/internal/monitoring"
	"task-hierarchy/backend/internal/services"
	"task-hierarchy/backend/internal/store"
	"task-hierarchy/backend/internal/store/memstore"
	"task-hierarchy/backend/internal/store/redisstore"
	"task-hierarchy/backend/internal/store/sqlstore"
	"task-hierarchy/backend/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// deps holds everything that must be closed on shutdown.
type deps struct {
	pool    *database.DatabasePool
	redis   *redis.Client
	gateway store.Gateway
	worker  *worker.Worker
	limiter *middleware.RateLimiter

	// set when the gateway wraps, and so closes, the client or pool
	gatewayOwnsRedis bool
	gatewayOwnsPool  bool
}

func (d *deps) close(logger *slog.Logger) {
	if d.worker != nil {
		d.worker.Stop()
	}
	if d.limiter != nil {
		d.limiter.Stop()
	}
	if d.gateway != nil {
		if err := d.gateway.Close(); err != nil {
			logger.Error("failed to close document store", "error", err)
		}
	}
	if d.redis != nil && !d.gatewayOwnsRedis {
		if err := d.redis.Close(); err != nil {
			logger.Error("failed to close redis client", "error", err)
		}
	}
	if d.pool != nil && !d.gatewayOwnsPool {
		if err := d.pool.Close(); err != nil {
			logger.Error("failed to close database pool", "error", err)
		}
	}
}

// newApp opens every backend and builds the HTTP handler. The returned deps
// must be closed by the caller.
func newApp(cfg *config.Config, logger *slog.Logger) (*deps, http.Handler, error) {
	d := &deps{}
	if err := openBackends(cfg, logger, d); err != nil {
		d.close(logger)
		return nil, nil, err
	}

	directory, err := services.NewUserDirectory(d.pool.DB)
	if err != nil {
		d.close(logger)
		return nil, nil, err
	}

	opts := []services.Option{services.WithFanOut(cfg.Store.FanOut)}
	if cfg.Worker.Enabled {
		queue := worker.NewJobQueue(d.redis, cfg.Worker.MaxTries)
		opts = append(opts, services.WithOrphanReporter(queue))

		d.worker = worker.NewWorker(worker.WorkerConfig{
			RedisClient:    d.redis,
			Logger:         logger,
			PollInterval:   cfg.Worker.PollInterval,
			RetryBaseDelay: cfg.Worker.RetryBaseDelay,
		})
		d.worker.RegisterHandler(worker.JobTypeOrphanCleanup, worker.OrphanCleanupHandler(d.gateway))
		d.worker.Start(cfg.Worker.Concurrency)
	}
	manager := services.NewManager(d.gateway, logger, opts...)

	registerHealthChecks(d)

	if cfg.RateLimit.Enabled {
		d.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMin, cfg.RateLimit.BurstSize, cfg.RateLimit.CleanupInterval)
	}
	return d, setupRouter(cfg, logger, manager, directory, d.limiter), nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	d, router, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer d.close(logger)

	srv := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", srv.Addr,
			"store_backend", cfg.Store.Backend,
			"worker_enabled", cfg.Worker.Enabled,
			"auth_enabled", cfg.Auth.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openBackends connects the SQL pool, redis and the document store selected
// by STORE_BACKEND. The user directory always lives in SQL: postgres for the
// postgres backend and the sqlite file otherwise.
func openBackends(cfg *config.Config, logger *slog.Logger, d *deps) error {
	poolCfg := database.DefaultPoolConfig()
	poolCfg.LogLevel = gormlogger.Warn
	if cfg.Store.Backend == config.BackendPostgres {
		poolCfg.Driver = database.DriverPostgres
		poolCfg.DSN = cfg.GetDatabaseDSN()
		poolCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		poolCfg.MaxIdleConns = cfg.Database.MaxIdleConns
		poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		poolCfg.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	} else {
		poolCfg.Driver = database.DriverSQLite
		poolCfg.DSN = cfg.Store.SQLitePath
		poolCfg.MaxOpenConns = 1
		poolCfg.MaxIdleConns = 1
	}

	pool, err := database.NewDatabasePool(poolCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	d.pool = pool

	if cfg.NeedsRedis() {
		d.redis = redis.NewClient(&redis.Options{
			Addr:         cfg.GetRedisAddr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		defer cancel()
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis at %s: %w", cfg.GetRedisAddr(), err)
		}
	}

	var backend store.Gateway
	switch cfg.Store.Backend {
	case config.BackendMemory:
		backend = memstore.New()
	case config.BackendRedis:
		backend = redisstore.NewWithClient(d.redis, &redisstore.Config{
			KeyPrefix: cfg.Redis.KeyPrefix,
			OpTimeout: cfg.Store.OpTimeout,
			TxRetries: cfg.Store.LinkMaxRetries,
		})
		d.gatewayOwnsRedis = true
	case config.BackendPostgres, config.BackendSQLite:
		backend, err = sqlstore.New(pool.DB, cfg.Store.LinkMaxRetries)
		if err != nil {
			return err
		}
		d.gatewayOwnsPool = true
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	d.gateway = store.NewBreaker(backend, &store.CircuitBreakerConfig{
		MaxFailures:      cfg.Store.BreakerMaxFailures,
		Timeout:          cfg.Store.BreakerTimeout,
		HalfOpenMaxCalls: 1,
	})
	logger.Info("document store ready", "backend", cfg.Store.Backend)
	return nil
}

func registerHealthChecks(d *deps) {
	monitoring.RegisterHealthCheck("document_store", d.gateway.Ping)
	monitoring.RegisterHealthCheck("database", func(context.Context) error {
		return d.pool.Health()
	})
	if d.redis != nil {
		monitoring.RegisterHealthCheck("redis", func(ctx context.Context) error {
			return d.redis.Ping(ctx).Err()
		})
	}
}

func setupRouter(cfg *config.Config, logger *slog.Logger, svc handlers.HierarchyService, directory services.UserDirectory, limiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveryWithLog())
	router.Use(middleware.RequestLogger(logger))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	monitoring.RegisterRoutes(router)

	api := router.Group("/api/v1")
	if limiter != nil {
		api.Use(limiter.Middleware())
	}
	if cfg.Auth.Enabled {
		api.Use(middleware.AuthzMiddleware(middleware.AuthzConfig{
			Secret: cfg.Auth.JWTSecret,
			Issuer: cfg.Auth.JWTIssuer,
		}))
	}
	handlers.RegisterRoutes(api, svc, directory)

	return router
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/AuditForest/internal/alerts"
	"github.com/jmerrifield20/AuditForest/internal/api"
	"github.com/jmerrifield20/AuditForest/internal/audit"
	"github.com/jmerrifield20/AuditForest/internal/config"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/jmerrifield20/AuditForest/internal/integrity"
	"github.com/jmerrifield20/AuditForest/internal/proofcache"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(os.Getenv("AUDITD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditd: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	if cfg.Log.Development {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("auditd exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if cfg.File == "" {
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", cfg.File))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	forestCfg, err := cfg.Forest.Build()
	if err != nil {
		return err
	}

	// ── Storage ──────────────────────────────────────────────────────────────
	var (
		store   audit.Store
		layouts integrity.LayoutStore
	)
	if cfg.Database.URL != "" {
		db, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		store = audit.NewPostgresStore(db, logger)
		layouts = integrity.NewPostgresLayoutStore(db, logger)
	} else {
		logger.Warn("database.url not set, records are kept in memory only")
		store = audit.NewMemoryStore()
		layouts = integrity.NewMemoryLayoutStore()
	}

	// ── Integrity service ────────────────────────────────────────────────────
	svc, err := integrity.New(ctx, store, layouts, forestCfg, logger)
	if err != nil {
		return fmt.Errorf("restore forest: %w", err)
	}
	svc.SetMetrics(api.PrometheusMetrics{})

	cache, closeCache, err := newProofCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()
	svc.SetProofCache(cache)

	notifier := alerts.NewNotifier(cfg.Alerts.Webhooks, logger)
	notifier.SetMetricsRecorder(api.RecordAlertDelivery)

	res := svc.VerifyAll(ctx)
	if res.Valid() {
		logger.Info("forest verified",
			zap.Int("partitions", res.TotalPartitions),
			zap.Int("records", res.TotalRecords),
			zap.String("strategy", forestCfg.Strategy.String()),
		)
	} else {
		logger.Warn("forest integrity check FAILED",
			zap.Int("failed", res.FailedCount()),
			zap.Any("partitions", res.FailedPartitions),
		)
		notifier.IntegrityFailed(ctx, res)
	}

	// ── Auth ─────────────────────────────────────────────────────────────────
	var tokens *api.TokenIssuer
	if cfg.Auth.JWTSecret != "" {
		tokens, err = api.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		logger.Warn("auth.jwt_secret not set, write routes are unauthenticated")
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	origins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Cache-Control", "no-store")
		c.Next()
	})
	router.Use(api.RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitRPS*2))
	router.Use(api.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"partitions": svc.Forest().PartitionCount(),
			"records":    svc.Forest().TotalRecordCount(),
		})
	})
	router.GET("/metrics", api.MetricsHandler())

	v1 := router.Group("/api/v1")
	api.NewForestHandler(svc, tokens, logger).Register(v1)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// ── Background: compaction and integrity sweeps ──────────────────────────
	compactorQuit := make(chan os.Signal, 1)
	if cfg.Compaction.Enabled {
		compactor := integrity.NewCompactor(svc, integrity.CompactorConfig{Interval: cfg.Compaction.Interval}, logger)
		compactor.SetFailureHook(func(ctx context.Context, res forest.VerificationResult) {
			logger.Error("integrity sweep found tampered partitions", zap.Any("partitions", res.FailedPartitions))
			notifier.IntegrityFailed(ctx, res)
		})
		go compactor.Start(compactorQuit)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("auditd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	sig := <-quit
	compactorQuit <- sig
	logger.Info("shutting down auditd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	notifier.Wait()

	logger.Info("auditd stopped")
	return nil
}

func newProofCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (proofcache.Cache, func(), error) {
	if cfg.ProofCache.TTL <= 0 {
		cfg.ProofCache.TTL = 10 * time.Minute
	}
	switch cfg.ProofCache.Backend {
	case "redis":
		rc, err := proofcache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.ProofCache.TTL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("proof cache: %w", err)
		}
		if err := rc.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, proof cache will miss until it recovers", zap.Error(err))
		}
		logger.Info("proof cache: redis", zap.String("addr", cfg.Redis.Addr))
		return rc, func() { _ = rc.Close() }, nil
	case "memory":
		mc := proofcache.NewMemoryCache(cfg.ProofCache.TTL)
		go func() {
			ticker := time.NewTicker(cfg.ProofCache.TTL)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := mc.Evict(); n > 0 {
						logger.Debug("proof cache evicted", zap.Int("entries", n))
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		return mc, func() {}, nil
	default:
		return proofcache.Nop{}, func() {}, nil
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

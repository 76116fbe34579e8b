package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"adaptive-limiter/internal/config"
	"adaptive-limiter/internal/domain"
	"adaptive-limiter/internal/handler"
	"adaptive-limiter/internal/logger"
	"adaptive-limiter/internal/metrics"
	"adaptive-limiter/internal/middleware"
	"adaptive-limiter/internal/service"
	"adaptive-limiter/internal/storage"
	"adaptive-limiter/internal/threat"
)

const (
	anomalySweepEvery = time.Minute
	anomalyIdleAfter  = 30 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

type configEventLogger interface {
	LogConfigEvent(eventType string, details map[string]interface{})
}

func main() {
	// Carregar configurações
	configLoader := config.NewConfigLoader()
	cfg, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	serverConfig := configLoader.GetConfig()

	// Inicializar logger
	appLogger := logger.NewLogger(serverConfig.LogLevel, serverConfig.LogFormat)
	appLogger.Info("Starting Adaptive Rate Limiter", map[string]interface{}{
		"version":   "1.0.0",
		"log_level": serverConfig.LogLevel,
		"port":      serverConfig.ServerPort,
		"storage":   serverConfig.StorageType,
	})

	// Inicializar storage compartilhado
	factory := storage.NewStorageFactory()
	storageConfig := storage.BuildStorageConfig(
		serverConfig.StorageType,
		serverConfig.RedisHost,
		serverConfig.RedisPort,
		serverConfig.RedisPassword,
		serverConfig.RedisDB,
		cfg.StoreTimeout,
	)
	store, err := factory.CreateStorage(storageConfig, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize storage", err, nil)
		os.Exit(1)
	}
	defer store.Close()

	// Métricas em registry próprio
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	// Inicializar service
	rateLimiterService, err := service.NewRateLimiterService(store, cfg, appLogger, appMetrics)
	if err != nil {
		appLogger.Error("Failed to initialize rate limiter", err, nil)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rateLimiterService.LoadAccessLists(ctx, cfg.DenyIPs, cfg.AllowIPs); err != nil {
		// Listas do ambiente continuam valendo; a sincronização periódica tenta de novo
		appLogger.Warn("Access lists loaded without shared store", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Configurar Gin
	if serverConfig.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	limiter := middleware.NewRateLimiterMiddleware(rateLimiterService, appLogger, serverConfig.EvaluationTimeout())
	if serverConfig.AdminToken == "" {
		appLogger.Warn("ADMIN_TOKEN not set, admin routes are disabled", nil)
	}
	adminAuth := middleware.RequireAdminToken(serverConfig.AdminToken, appLogger)
	handlers := handler.NewHandlers(rateLimiterService, appLogger)
	handlers.SetupRoutes(router, limiter, adminAuth, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", serverConfig.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rateLimiterService.AccessLists().Run(gctx, cfg.AccessListSyncEvery)
	})

	g.Go(func() error {
		return rateLimiterService.Anomaly().Run(gctx, anomalySweepEvery, anomalyIdleAfter)
	})

	if cfg.ThreatPatternsFile != "" {
		watcher, err := threat.NewPatternWatcher(cfg.ThreatPatternsFile,
			rateLimiterService.ReloadPatterns, rateLimiterService.RejectPatterns, appLogger)
		if err != nil {
			appLogger.Error("Failed to watch threat patterns", err, nil)
			os.Exit(1)
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error {
		return reloadOnHangup(gctx, configLoader, rateLimiterService, appLogger)
	})

	g.Go(func() error {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"port": serverConfig.ServerPort,
			"addr": server.Addr,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	appLogger.Info("Adaptive Rate Limiter is running", map[string]interface{}{
		"port":     serverConfig.ServerPort,
		"policies": rateLimiterService.Policies(),
		"endpoints": []string{
			"GET  /health",
			"GET  /metrics",
			"POST /auth/login        (auth)",
			"GET  /api/v1/resource   (api)",
			"GET  /admin/stats       (admin)",
			"GET  /admin/report      (admin)",
		},
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Server stopped with error", err, nil)
		os.Exit(1)
	}

	appLogger.Info("Server stopped gracefully", nil)
}

// reloadOnHangup relê o .env a cada SIGHUP e aplica as novas políticas
func reloadOnHangup(ctx context.Context, loader *config.ConfigLoader, svc *service.RateLimiterService, appLogger domain.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			details := map[string]interface{}{}
			cfg, err := loader.Reload()
			if err == nil {
				err = svc.ReloadPolicies(cfg.Policies)
			}
			if err != nil {
				appLogger.Error("Configuration reload rejected, keeping previous policies", err, nil)
				details["status"] = "rejected"
			} else {
				details["status"] = "applied"
				details["policies"] = len(cfg.Policies)
			}

			if cl, ok := appLogger.(configEventLogger); ok {
				cl.LogConfigEvent("policies_reload", details)
			}
		}
	}
}

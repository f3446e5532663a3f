package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradingagents/internal/config"
	"tradingagents/internal/execution"
	"tradingagents/internal/handlers"
	"tradingagents/internal/jobs"
	"tradingagents/internal/logging"
	"tradingagents/internal/middleware"
	"tradingagents/internal/models"
	"tradingagents/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting TradingAgents Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Mode: %s, Stage timeout: %s)", cfg.Port, cfg.TradingMode, cfg.StageTimeout)

	instanceID := uuid.New().String()

	// Redis is optional: shared tool cache and session event fan-out
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		var err error
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (shared cache and event publishing disabled)", err)
			redisService = nil
		}
	} else {
		log.Println("⚠️ REDIS_URL not set, running with in-process cache only")
	}

	metrics := services.NewMetrics(prometheus.DefaultRegisterer)

	// LLM provider: PROVIDERS_FILE wins over env, and is hot-reloaded
	providerService, err := services.NewProviderService(cfg.ProvidersFile, cfg.EnvProvider())
	if err != nil {
		log.Fatalf("❌ Failed to load providers: %v", err)
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go providerService.Watch(watchCtx)

	llmService := services.NewLLMService(providerService, metrics)

	var toolCache services.ToolCache
	if redisService != nil {
		toolCache = redisService
	}
	toolClient := services.NewToolClient(services.ToolClientConfig{
		CryptoServerURL: cfg.CryptoServerURL,
		NewsServerURL:   cfg.NewsServerURL,
		DefaultTTL:      cfg.CacheTTL,
		RatePerSecond:   cfg.ToolRateLimit,
	}, toolCache, metrics)

	mode := services.ResolveExecutorMode(cfg.ExecutorMode, providerService)
	registry := services.NewStageExecutors(mode, llmService, toolClient, cfg.TradingMode, cfg.SimulatedLatency)

	var pubsubService *services.PubSubService
	if redisService != nil {
		pubsubService = services.NewPubSubService(redisService, instanceID)
	}

	store := services.NewSessionStore()
	runner := execution.NewRunner(store, registry, execution.RunnerOptions{
		StageTimeout: cfg.StageTimeout,
		StageDelay:   cfg.StageDelay,
		Concurrency:  cfg.AnalystConcurrency,
		OnEvent: func(sessionID string, entry models.LogEntry) {
			if pubsubService != nil {
				pubsubService.PublishSessionEvent(sessionID, entry)
			}
		},
		OnStageDone: metrics.RecordStage,
	})
	tracker := execution.NewRunnerTracker()
	metrics.RegisterRunnerGauge(prometheus.DefaultRegisterer, tracker.Active)

	sessionService := services.NewSessionService(store, runner, tracker, metrics, cfg.SupportedAssets)

	// Background jobs
	jobScheduler, err := jobs.NewJobScheduler()
	if err != nil {
		log.Fatalf("❌ Failed to create job scheduler: %v", err)
	}
	mustRegister(jobScheduler, "session_eviction", jobs.NewSessionEvictionJob(sessionService, cfg.SessionTTL, cfg.SessionSweepInterval))
	mustRegister(jobScheduler, "orphan_sweep", jobs.NewOrphanSweepJob(sessionService, cfg.OrphanMaxAge, cfg.SessionSweepInterval))

	var providerHealth *jobs.ProviderHealthChecker
	if mode == services.ExecutorModeAgent {
		providerHealth = jobs.NewProviderHealthChecker(llmService, cfg.ProviderHealthInterval)
		mustRegister(jobScheduler, "provider_health", providerHealth)
	}
	jobScheduler.Start()

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "TradingAgents v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prom := fiberprometheus.New("tradingagents")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, SessionCreate=%d/min, WS=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.SessionCreateMax,
		rateLimitConfig.WebSocketMax,
	)

	// Fiber's CORS middleware does not allow AllowCredentials with wildcard origins.
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept",
		AllowCredentials: cfg.AllowedOrigins != "*",
	}))
	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", cfg.AllowedOrigins)

	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Handlers
	healthHandler := handlers.NewHealthHandler(sessionService, redisService)
	healthHandler.SetProviderHealth(providerService, providerHealth)
	healthHandler.SetScheduler(jobScheduler)
	sessionHandler := handlers.NewSessionHandler(sessionService)
	sessionWSHandler := handlers.NewSessionWebSocketHandler(sessionService, metrics)

	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api")
	api.Get("/stages", handlers.ListStages)
	api.Post("/sessions", middleware.SessionCreateRateLimiter(rateLimitConfig), sessionHandler.Create)
	api.Get("/sessions/:id", sessionHandler.Get)
	api.Get("/sessions/:id/report", sessionHandler.Report)

	// Session streaming WebSocket
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	wsConfig := websocket.Config{Origins: strings.Split(cfg.AllowedOrigins, ",")}
	app.Use("/ws/sessions", middleware.WebSocketRateLimiter(rateLimitConfig))
	app.Get("/ws/sessions/:id", websocket.New(sessionWSHandler.Handle, wsConfig))

	log.Printf("✅ Server ready on port %s (executor: %s, instance: %s)", cfg.Port, mode, instanceID)
	log.Printf("🔗 Session stream: ws://localhost:%s/ws/sessions/:id", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Stop accepting sessions; running ones get DRAIN_TIMEOUT, then are cancelled
		sessionService.Shutdown(cfg.DrainTimeout)

		jobScheduler.Stop()
		stopWatch()

		if pubsubService != nil {
			pubsubService.Stop()
		}
		if redisService != nil {
			if err := redisService.Close(); err != nil {
				log.Printf("⚠️ Error closing Redis: %v", err)
			}
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

func mustRegister(scheduler *jobs.JobScheduler, name string, job jobs.Job) {
	if err := scheduler.Register(name, job); err != nil {
		log.Fatalf("❌ Failed to register job %s: %v", name, err)
	}
}

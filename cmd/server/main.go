package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/flowmend/api/internal/client"
	"github.com/flowmend/api/internal/config"
	"github.com/flowmend/api/internal/handler"
	"github.com/flowmend/api/internal/lock"
	"github.com/flowmend/api/internal/middleware"
	"github.com/flowmend/api/internal/service"
	"github.com/flowmend/api/internal/store"
	"github.com/flowmend/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Platform.WebhookSecret == "" {
		log.Println("Warning: PLATFORM_WEBHOOK_SECRET not set, trigger webhooks will be rejected")
	}
	if cfg.Platform.EncryptionKey == "" {
		log.Println("Warning: TOKEN_ENCRYPTION_KEY not set, shop tokens cannot be decrypted")
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator with custom tags
	validate := handler.NewValidator()

	// Initialize archive storage (optional - continues if not configured)
	var archive client.StorageClient
	if cfg.Archive.AccessKeyID != "" && cfg.Archive.SecretAccessKey != "" {
		archiveClient, err := client.NewArchiveClient(&cfg.Archive)
		if err != nil {
			log.Printf("Warning: archive storage not initialized: %v", err)
		} else {
			archive = archiveClient
		}
	} else {
		log.Println("Info: archive storage not configured, mutation inputs will not be archived")
	}

	// Initialize core components
	jobStore := store.New(redisClient)
	lockManager := lock.NewManager(redisClient)
	bulkClient := client.NewBulkClient(&cfg.Platform, &cfg.Bulk, archive)
	jobService := service.NewJobService(jobStore, asynqClient, &cfg.Worker)

	// Initialize handlers
	triggerHandler := handler.NewTriggerHandler(jobService, jobStore, validate, cfg.Platform.WebhookSecret)
	jobHandler := handler.NewJobHandler(jobService)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024, // 1MB, trigger payloads are small
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		redisOK := redisClient.Ping(c.Context()).Err() == nil
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":   redisOK,
				"archive": archive != nil,
			},
		})
	})

	// Trigger webhook (HMAC-verified inside the handler)
	app.Post("/webhooks/flow-action",
		rateLimiter.TriggerLimit(cfg.RateLimit.TriggersPerMin),
		triggerHandler.Trigger,
	)

	// Read-only job views
	api := app.Group("/api")
	api.Get("/jobs/:id", jobHandler.GetJob)
	api.Get("/jobs/:id/events", jobHandler.GetJobEvents)

	// Start Asynq worker server
	go startWorkerServer(cfg, jobStore, lockManager, bulkClient)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	jobStore *store.Store,
	lockManager *lock.Manager,
	bulkClient *client.BulkClient,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				service.QueueJobs: 10,
			},
			RetryDelayFunc: retryDelay,
			LogLevel:       asynqLogLevel,
		},
	)

	jobWorker := worker.NewJobWorker(jobStore, lockManager, bulkClient, cfg)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeJob, jobWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

// retryDelay backs off exponentially from one minute. A task bounced by the
// per-shop lock retries sooner since the blocking run may finish any moment.
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if errors.Is(err, worker.ErrLockBusy) {
		return 30 * time.Second
	}
	return time.Duration(1<<uint(n)) * 30 * time.Second
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/audioscore/api/internal/arbiter"
	"github.com/audioscore/api/internal/artifact"
	"github.com/audioscore/api/internal/config"
	"github.com/audioscore/api/internal/handler"
	"github.com/audioscore/api/internal/ingest"
	"github.com/audioscore/api/internal/model"
	"github.com/audioscore/api/internal/pipeline"
	"github.com/audioscore/api/internal/service"
	"github.com/audioscore/api/internal/stages"
	"github.com/audioscore/api/internal/store"
	ws "github.com/audioscore/api/internal/websocket"
	"github.com/audioscore/api/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	jobs, err := newJobStore(cfg, redisClient)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer jobs.Close()

	artifacts, err := artifact.NewStore(cfg.Storage.WorkDir, cfg.Storage.ResultDir)
	if err != nil {
		log.Fatalf("Failed to open artifact store: %v", err)
	}

	// WebSocket hub doubles as the pipeline's progress notifier.
	hub := ws.NewHub()
	go hub.Run()

	engine, err := newEngine(cfg, jobs, artifacts, hub)
	if err != nil {
		log.Fatalf("Failed to build pipeline engine: %v", err)
	}

	ingestor := ingest.New(artifacts, cfg.Ingest.FFmpegPath, cfg.Ingest.YtdlpPath)
	dispatcher := service.NewAsynqDispatcher(asynqClient, cfg.Worker.Queue, cfg.Worker.MaxRetry, cfg.Worker.JobTimeout, cfg.Worker.RetentionTTL)
	jobService := service.NewJobService(jobs, artifacts, ingestor, dispatcher)
	jobHandler := handler.NewJobHandler(jobService, cfg.Storage.MaxUploadMB)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    (cfg.Storage.MaxUploadMB + 1) * 1024 * 1024,
	})

	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
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

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", jobHandler.Health)

	api := app.Group("/api")

	jobsGroup := api.Group("/jobs")
	jobsGroup.Post("/upload", jobHandler.SubmitUpload)
	jobsGroup.Post("/link", jobHandler.SubmitLink)
	jobsGroup.Get("/:jobId", jobHandler.GetStatus)
	jobsGroup.Get("/:jobId/result", jobHandler.GetResult)
	jobsGroup.Post("/:jobId/cancel", jobHandler.Cancel)

	api.Get("/download/:jobId/:filename", jobHandler.Download)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start the embedded Asynq worker server.
	go startWorkerServer(cfg, engine)

	// Periodically sweep expired results.
	go runRetentionSweep(artifacts, time.Duration(cfg.Storage.RetentionHours)*time.Hour)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func newJobStore(cfg *config.Config, redisClient *redis.Client) (store.JobStore, error) {
	switch cfg.Storage.Backend {
	case "redis":
		return store.NewRedisStore(redisClient, cfg.Worker.RetentionTTL), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.SQLitePath)
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func newEngine(cfg *config.Config, jobs store.JobStore, artifacts *artifact.Store, notifier pipeline.Notifier) (*pipeline.Engine, error) {
	arb := arbiter.New(cfg.Pipeline.LeaseTimeout)
	backoff := pipeline.BackoffPolicy{Base: cfg.Pipeline.BackoffBase, Max: cfg.Pipeline.BackoffMax}

	defs := []pipeline.Definition{
		{Name: model.StageSeparation, MaxRetries: cfg.Pipeline.Separation.MaxRetries, Backoff: backoff, Timeout: cfg.Pipeline.Separation.Timeout},
		{Name: model.StagePitchDetection, MaxRetries: cfg.Pipeline.PitchDetection.MaxRetries, Backoff: backoff, Timeout: cfg.Pipeline.PitchDetection.Timeout},
		{Name: model.StageScoreGeneration, MaxRetries: cfg.Pipeline.ScoreGeneration.MaxRetries, Backoff: backoff, Timeout: cfg.Pipeline.ScoreGeneration.Timeout},
		{Name: model.StageRendering, MaxRetries: cfg.Pipeline.Rendering.MaxRetries, Backoff: backoff, Timeout: cfg.Pipeline.Rendering.Timeout, Exclusive: true},
	}
	stageImpls := []pipeline.Stage{
		stages.NewSeparation(artifacts, cfg.Pipeline.Separation.Command, cfg.Pipeline.DemucsModel),
		stages.NewPitchDetection(artifacts, cfg.Pipeline.PitchDetection.Command),
		stages.NewScoreGeneration(artifacts, cfg.Pipeline.ScoreGeneration.Command),
		stages.NewRendering(artifacts, cfg.Pipeline.Rendering.Command, cfg.Pipeline.UseXvfb),
	}
	return pipeline.NewEngine(jobs, artifacts, arb, notifier, defs, stageImpls, cfg.Pipeline.ClaimTTL)
}

func startWorkerServer(cfg *config.Config, engine *pipeline.Engine) {
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
				cfg.Worker.Queue: 1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	pipelineWorker := worker.NewPipelineWorker(engine)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypePipelineProcess, pipelineWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func runRetentionSweep(artifacts *artifact.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		removed, err := artifacts.SweepResults(retention)
		if err != nil {
			log.Printf("Warning: result sweep failed: %v", err)
			continue
		}
		if removed > 0 {
			log.Printf("Info: swept %d expired result dirs", removed)
		}
	}
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

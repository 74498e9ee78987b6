// Standalone pipeline worker. Runs the same engine the API server
// embeds, for deployments that scale processing separately from the
// HTTP surface. Progress still reaches clients through status polling;
// WebSocket push requires the server's embedded worker.
package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/audioscore/api/internal/arbiter"
	"github.com/audioscore/api/internal/artifact"
	"github.com/audioscore/api/internal/config"
	"github.com/audioscore/api/internal/model"
	"github.com/audioscore/api/internal/pipeline"
	"github.com/audioscore/api/internal/service"
	"github.com/audioscore/api/internal/stages"
	"github.com/audioscore/api/internal/store"
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
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	jobs, err := newJobStore(cfg, redisClient)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer jobs.Close()

	artifacts, err := artifact.NewStore(cfg.Storage.WorkDir, cfg.Storage.ResultDir)
	if err != nil {
		log.Fatalf("Failed to open artifact store: %v", err)
	}

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
	engine, err := pipeline.NewEngine(jobs, artifacts, arb, pipeline.NopNotifier{}, defs, stageImpls, cfg.Pipeline.ClaimTTL)
	if err != nil {
		log.Fatalf("Failed to build pipeline engine: %v", err)
	}

	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
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

	log.Printf("Worker starting on queue %q with concurrency %d", cfg.Worker.Queue, cfg.Worker.Concurrency)
	if err := srv.Run(mux); err != nil {
		log.Fatalf("Worker error: %v", err)
	}
}

func newJobStore(cfg *config.Config, redisClient *redis.Client) (store.JobStore, error) {
	switch cfg.Storage.Backend {
	case "redis":
		return store.NewRedisStore(redisClient, cfg.Worker.RetentionTTL), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.SQLitePath)
	case "memory":
		return nil, fmt.Errorf("memory backend cannot back a standalone worker")
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Ingest   IngestConfig
	Pipeline PipelineConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Backend        string // "redis", "sqlite" or "memory"
	SQLitePath     string
	WorkDir        string
	ResultDir      string
	MaxUploadMB    int
	RetentionHours int
}

type IngestConfig struct {
	FFmpegPath string
	YtdlpPath  string
	Timeout    time.Duration
}

// StageConfig holds the per-stage tool invocation and retry settings.
type StageConfig struct {
	Command    string
	Timeout    time.Duration
	MaxRetries int
}

type PipelineConfig struct {
	Separation      StageConfig
	DemucsModel     string
	PitchDetection  StageConfig
	ScoreGeneration StageConfig
	Rendering       StageConfig
	UseXvfb         bool
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	LeaseTimeout    time.Duration
	ClaimTTL        time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	Queue        string
	MaxRetry     int // queue-level redeliveries, not stage retries
	JobTimeout   time.Duration
	RetentionTTL time.Duration
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("storage.backend", "STORAGE_BACKEND")
	_ = viper.BindEnv("storage.sqlite_path", "STORAGE_SQLITE_PATH")
	_ = viper.BindEnv("storage.work_dir", "STORAGE_WORK_DIR")
	_ = viper.BindEnv("storage.result_dir", "STORAGE_RESULT_DIR")
	_ = viper.BindEnv("storage.max_upload_mb", "MAX_UPLOAD_MB")
	_ = viper.BindEnv("storage.retention_hours", "RESULT_RETENTION_HOURS")
	_ = viper.BindEnv("ingest.ffmpeg_path", "FFMPEG_PATH")
	_ = viper.BindEnv("ingest.ytdlp_path", "YTDLP_PATH")
	_ = viper.BindEnv("ingest.timeout_seconds", "INGEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("pipeline.demucs_path", "DEMUCS_PATH")
	_ = viper.BindEnv("pipeline.demucs_model", "DEMUCS_MODEL")
	_ = viper.BindEnv("pipeline.basic_pitch_path", "BASIC_PITCH_PATH")
	_ = viper.BindEnv("pipeline.score_converter_path", "SCORE_CONVERTER_PATH")
	_ = viper.BindEnv("pipeline.musescore_path", "MUSESCORE_PATH")
	_ = viper.BindEnv("pipeline.use_xvfb", "USE_XVFB")
	_ = viper.BindEnv("pipeline.lease_timeout_seconds", "RENDER_LEASE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = viper.BindEnv("worker.queue", "WORKER_QUEUE")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("storage.backend", "redis")
	viper.SetDefault("storage.sqlite_path", "audioscore.db")
	viper.SetDefault("storage.work_dir", "temp")
	viper.SetDefault("storage.result_dir", "results")
	viper.SetDefault("storage.max_upload_mb", 100)
	viper.SetDefault("storage.retention_hours", 24)

	viper.SetDefault("ingest.ffmpeg_path", "ffmpeg")
	viper.SetDefault("ingest.ytdlp_path", "yt-dlp")
	viper.SetDefault("ingest.timeout_seconds", 600)

	viper.SetDefault("pipeline.demucs_path", "demucs")
	viper.SetDefault("pipeline.demucs_model", "htdemucs")
	viper.SetDefault("pipeline.separation_timeout_seconds", 1200)
	viper.SetDefault("pipeline.separation_max_retries", 2)
	viper.SetDefault("pipeline.basic_pitch_path", "basic-pitch")
	viper.SetDefault("pipeline.pitch_timeout_seconds", 600)
	viper.SetDefault("pipeline.pitch_max_retries", 2)
	viper.SetDefault("pipeline.score_converter_path", "midi2musicxml")
	viper.SetDefault("pipeline.score_timeout_seconds", 300)
	viper.SetDefault("pipeline.score_max_retries", 2)
	viper.SetDefault("pipeline.musescore_path", "/usr/bin/musescore")
	viper.SetDefault("pipeline.render_timeout_seconds", 300)
	viper.SetDefault("pipeline.render_max_retries", 3)
	viper.SetDefault("pipeline.use_xvfb", true)
	viper.SetDefault("pipeline.backoff_base_ms", 500)
	viper.SetDefault("pipeline.backoff_max_ms", 30000)
	viper.SetDefault("pipeline.lease_timeout_seconds", 300)
	viper.SetDefault("pipeline.claim_ttl_seconds", 1800)

	viper.SetDefault("worker.concurrency", 4)
	viper.SetDefault("worker.queue", "pipeline")
	viper.SetDefault("worker.max_retry", 5)
	viper.SetDefault("worker.job_timeout_minutes", 45)
	viper.SetDefault("worker.retention_hours", 24)

	// Config file is optional; env vars and defaults cover everything
	_ = viper.ReadInConfig()

	seconds := func(key string) time.Duration {
		return time.Duration(viper.GetInt(key)) * time.Second
	}
	millis := func(key string) time.Duration {
		return time.Duration(viper.GetInt(key)) * time.Millisecond
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Storage: StorageConfig{
			Backend:        viper.GetString("storage.backend"),
			SQLitePath:     viper.GetString("storage.sqlite_path"),
			WorkDir:        viper.GetString("storage.work_dir"),
			ResultDir:      viper.GetString("storage.result_dir"),
			MaxUploadMB:    viper.GetInt("storage.max_upload_mb"),
			RetentionHours: viper.GetInt("storage.retention_hours"),
		},
		Ingest: IngestConfig{
			FFmpegPath: viper.GetString("ingest.ffmpeg_path"),
			YtdlpPath:  viper.GetString("ingest.ytdlp_path"),
			Timeout:    seconds("ingest.timeout_seconds"),
		},
		Pipeline: PipelineConfig{
			Separation: StageConfig{
				Command:    viper.GetString("pipeline.demucs_path"),
				Timeout:    seconds("pipeline.separation_timeout_seconds"),
				MaxRetries: viper.GetInt("pipeline.separation_max_retries"),
			},
			DemucsModel: viper.GetString("pipeline.demucs_model"),
			PitchDetection: StageConfig{
				Command:    viper.GetString("pipeline.basic_pitch_path"),
				Timeout:    seconds("pipeline.pitch_timeout_seconds"),
				MaxRetries: viper.GetInt("pipeline.pitch_max_retries"),
			},
			ScoreGeneration: StageConfig{
				Command:    viper.GetString("pipeline.score_converter_path"),
				Timeout:    seconds("pipeline.score_timeout_seconds"),
				MaxRetries: viper.GetInt("pipeline.score_max_retries"),
			},
			Rendering: StageConfig{
				Command:    viper.GetString("pipeline.musescore_path"),
				Timeout:    seconds("pipeline.render_timeout_seconds"),
				MaxRetries: viper.GetInt("pipeline.render_max_retries"),
			},
			UseXvfb:      viper.GetBool("pipeline.use_xvfb"),
			BackoffBase:  millis("pipeline.backoff_base_ms"),
			BackoffMax:   millis("pipeline.backoff_max_ms"),
			LeaseTimeout: seconds("pipeline.lease_timeout_seconds"),
			ClaimTTL:     seconds("pipeline.claim_ttl_seconds"),
		},
		Worker: WorkerConfig{
			Concurrency:  viper.GetInt("worker.concurrency"),
			Queue:        viper.GetString("worker.queue"),
			MaxRetry:     viper.GetInt("worker.max_retry"),
			JobTimeout:   time.Duration(viper.GetInt("worker.job_timeout_minutes")) * time.Minute,
			RetentionTTL: time.Duration(viper.GetInt("worker.retention_hours")) * time.Hour,
		},
	}

	return cfg, nil
}

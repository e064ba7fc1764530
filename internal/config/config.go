// Package config loads the demo wiring's environment-driven settings,
// in the teacher's utils.GetEnv/GetEnvAsInt style (internal/utils/env.go)
// rather than a config-struct-plus-library approach — the teacher never
// reaches for viper or envconfig, so neither do we (see DESIGN.md).
package config

import (
	"os"
	"strconv"

	"github.com/yungbote/dataflow/pipeline"
)

// GetEnv returns the environment variable's value, or defaultVal if unset.
func GetEnv(key, defaultVal string, log pipeline.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	if log != nil {
		log.Debug("environment variable found", "value", val)
	}
	return val
}

// GetEnvAsInt parses the environment variable as an int, or returns
// defaultVal if unset or unparsable.
func GetEnvAsInt(key string, defaultVal int, log pipeline.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as int, using default", "provided", val, "default", defaultVal, "error", err)
		}
		return defaultVal
	}
	return i
}

// Postgres holds connection settings for internal/storage/postgres.
type Postgres struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// PostgresFromEnv mirrors the teacher's db.NewPostgresService env lookups.
func PostgresFromEnv(log pipeline.Logger) Postgres {
	return Postgres{
		Host:     GetEnv("POSTGRES_HOST", "localhost", log),
		Port:     GetEnv("POSTGRES_PORT", "5432", log),
		User:     GetEnv("POSTGRES_USER", "postgres", log),
		Password: GetEnv("POSTGRES_PASSWORD", "", log),
		Database: GetEnv("POSTGRES_NAME", "dataflow", log),
	}
}

// GCS holds the bucket settings for internal/artifactsink/gcs.
type GCS struct {
	BucketName string
}

// GCSFromEnv mirrors the teacher's gcp.NewBucketService env lookups.
func GCSFromEnv(log pipeline.Logger) GCS {
	return GCS{BucketName: GetEnv("ARTIFACT_GCS_BUCKET_NAME", "", log)}
}

// Engine holds the tunables exposed on pipeline.Config, re-read from
// the environment so operators can override batch sizes and flush
// intervals without a redeploy.
type Engine struct {
	MaxConcurrentContexts int

	ArtifactBatchSize     int
	ArtifactFlushInterval int

	ProgressBatchSizeStart         int
	ProgressBatchSizeStep          int
	ProgressBatchSizeComplete      int
	ProgressFlushIntervalStartMs   int
	ProgressFlushIntervalStepMs    int
	ProgressFlushIntervalCompleteMs int
}

// EngineFromEnv loads a pipeline.Config from the environment, falling back to pipeline.DefaultConfig's values.
func EngineFromEnv(log pipeline.Logger) pipeline.Config {
	d := pipeline.DefaultConfig()
	return pipeline.Config{
		DefaultMaxDegreeOfParallelism: GetEnvAsInt("DATAFLOW_DEFAULT_PARALLELISM", d.DefaultMaxDegreeOfParallelism, log),
		DefaultBoundedCapacity:        GetEnvAsInt("DATAFLOW_DEFAULT_CAPACITY", d.DefaultBoundedCapacity, log),
		MaxConcurrentContexts:         GetEnvAsInt("DATAFLOW_MAX_CONCURRENT_CONTEXTS", d.MaxConcurrentContexts, log),

		ArtifactBatchSize:     GetEnvAsInt("DATAFLOW_ARTIFACT_BATCH_SIZE", d.ArtifactBatchSize, log),
		ArtifactFlushInterval: GetEnvAsInt("DATAFLOW_ARTIFACT_FLUSH_INTERVAL_MS", d.ArtifactFlushInterval, log),

		ProgressBatchSizeStart:          GetEnvAsInt("DATAFLOW_PROGRESS_BATCH_SIZE_START", d.ProgressBatchSizeStart, log),
		ProgressBatchSizeStep:           GetEnvAsInt("DATAFLOW_PROGRESS_BATCH_SIZE_STEP", d.ProgressBatchSizeStep, log),
		ProgressBatchSizeComplete:       GetEnvAsInt("DATAFLOW_PROGRESS_BATCH_SIZE_COMPLETE", d.ProgressBatchSizeComplete, log),
		ProgressFlushIntervalStartMs:    GetEnvAsInt("DATAFLOW_PROGRESS_FLUSH_INTERVAL_START_MS", d.ProgressFlushIntervalStartMs, log),
		ProgressFlushIntervalStepMs:     GetEnvAsInt("DATAFLOW_PROGRESS_FLUSH_INTERVAL_STEP_MS", d.ProgressFlushIntervalStepMs, log),
		ProgressFlushIntervalCompleteMs: GetEnvAsInt("DATAFLOW_PROGRESS_FLUSH_INTERVAL_COMPLETE_MS", d.ProgressFlushIntervalCompleteMs, log),
	}
}

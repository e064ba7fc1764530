// Command dataflow-demo wires the engine end-to-end over Postgres
// storage and a GCS artifact sink, pushing a small batch of patient
// records through three stages and a terminal logging action. It exists to exercise every
// external interface the engine defines, the way the teacher's own
// cmd entrypoints wire a PostgresService and BucketService into a job
// runner — not as a production ingestion tool.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yungbote/dataflow/internal/artifactsink/gcs"
	"github.com/yungbote/dataflow/internal/config"
	"github.com/yungbote/dataflow/internal/httpapi"
	"github.com/yungbote/dataflow/internal/obs"
	"github.com/yungbote/dataflow/internal/storage/postgres"
	"github.com/yungbote/dataflow/internal/storage/rediscache"
	"github.com/yungbote/dataflow/pipeline"
)

// PatientRecord is the demo's record type, standing in for spec.md's
// "healthcare record" peripheral example. Only the fields the three
// stages below need are modeled.
type PatientRecord struct {
	ID    string
	Age   int
	Band  string
	Score float64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := obs.NewLogger(config.GetEnv("LOG_MODE", "dev", nil))
	if err != nil {
		fmt.Fprintln(os.Stderr, "dataflow-demo: logger init:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	shutdownTracing := obs.InitOTel(ctx, logger, obs.TracerConfig{ServiceName: "dataflow-demo"})
	defer shutdownTracing(ctx)

	if err := run(ctx, logger); err != nil {
		logger.Error("dataflow-demo run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *obs.ZapLogger) error {
	pgCfg := config.PostgresFromEnv(logger)
	store, err := postgres.Open(postgres.Config{
		Host: pgCfg.Host, Port: pgCfg.Port, User: pgCfg.User, Password: pgCfg.Password, Database: pgCfg.Database,
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}

	gcsCfg := config.GCSFromEnv(logger)
	sink, err := gcs.New(ctx, gcsCfg.BucketName)
	if err != nil {
		return fmt.Errorf("open gcs sink: %w", err)
	}

	// Optional: a Redis read-through cache in front of resource-run
	// lookups, and an HTTP status endpoint for polling run progress.
	// Both are no-ops when their env vars are unset.
	var runReader httpapi.RunReader = store
	var engineStore pipeline.Storage = store
	if addr := config.GetEnv("REDIS_ADDR", "", logger); addr != "" {
		cached, rerr := rediscache.Open(ctx, rediscache.Config{Addr: addr}, store)
		if rerr != nil {
			return fmt.Errorf("open redis cache: %w", rerr)
		}
		defer cached.Close()
		runReader = cached
		engineStore = cached
	}
	if statusAddr := config.GetEnv("STATUS_ADDR", "", logger); statusAddr != "" {
		srv := &http.Server{Addr: statusAddr, Handler: httpapi.New(runReader, httpapi.Config{
			JWTSecret: config.GetEnv("STATUS_JWT_SECRET", "", logger),
		}).Handler()}
		go func() {
			if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Error("status server exited", "error", serveErr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	pctx, err := pipeline.NewContextBuilder(engineStore, sink).
		WithCategory("healthcare").
		WithName("patient-record-ingest").
		WithResourceType("patient_record").
		WithRunType(pipeline.RunTypeFresh).
		WithConfig(config.EngineFromEnv(logger)).
		WithLogger(logger).
		WithTracer(obs.NewTracer("dataflow-demo")).
		Build(ctx)
	if err != nil {
		return fmt.Errorf("build pipeline context: %w", err)
	}

	records := []PatientRecord{
		{ID: "p-1001", Age: 34},
		{ID: "p-1002", Age: 58},
		{ID: "p-1003", Age: 71},
		{ID: "p-1004", Age: 22},
		{ID: "p-1005", Age: 45},
	}
	source := pipeline.SliceSource(records, func(r PatientRecord) string { return r.ID })

	b, err := pipeline.New[PatientRecord](pctx, source)
	if err != nil {
		return fmt.Errorf("new builder: %w", err)
	}

	scored := pipeline.Transform(b, "score_risk", func(_ context.Context, _ *pipeline.Context, r PatientRecord) (PatientRecord, error) {
		r.Score = riskScore(r.Age)
		return r, nil
	})

	banded := pipeline.Transform(scored, "assign_band", func(_ context.Context, _ *pipeline.Context, r PatientRecord) (PatientRecord, error) {
		r.Band = riskBand(r.Score)
		return r, nil
	})

	withArtifact := pipeline.WithArtifact(banded, "capture_summary", func(_ context.Context, _ *pipeline.Context, r PatientRecord) (pipeline.ArtifactRequest, error) {
		return pipeline.ArtifactRequest{
			StepName:     "capture_summary",
			ArtifactName: "risk_summary",
			StorageType:  pipeline.StorageObjectStore,
			Data:         []byte(fmt.Sprintf("patient=%s age=%d score=%.2f band=%s", r.ID, r.Age, r.Score, r.Band)),
			Metadata:     map[string]any{"band": r.Band},
		}, nil
	})

	return pipeline.Complete(withArtifact, func(_ context.Context, _ *pipeline.Context, r PatientRecord) error {
		logger.Info("patient record processed", "patient_id", r.ID, "band", r.Band, "score", r.Score)
		return nil
	})
}

func riskScore(age int) float64 {
	switch {
	case age >= 65:
		return 0.8
	case age >= 45:
		return 0.5
	default:
		return 0.2
	}
}

func riskBand(score float64) string {
	switch {
	case score >= 0.8:
		return "high"
	case score >= 0.5:
		return "moderate"
	default:
		return "low"
	}
}

// Package obs wires the engine's minimal Logger/Tracer interfaces to
// concrete zap and OpenTelemetry implementations, the same libraries
// the teacher repo uses for its own ambient stack (internal/platform/logger,
// internal/observability/otel.go), kept out of the pipeline package
// itself so the engine stays importable without pulling either in.
package obs

import (
	"strings"

	"go.uber.org/zap"

	"github.com/yungbote/dataflow/pipeline"
)

// ZapLogger adapts *zap.SugaredLogger to pipeline.Logger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger builds a zap logger in "prod" or "dev" mode, mirroring the
// teacher's logger.New(mode).
func NewLogger(mode string) (*ZapLogger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{s: z.Sugar()}, nil
}

func (l *ZapLogger) Sync() { _ = l.s.Sync() }

func (l *ZapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *ZapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *ZapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *ZapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

func (l *ZapLogger) With(kv ...any) pipeline.Logger {
	return &ZapLogger{s: l.s.With(kv...)}
}

package obs

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/yungbote/dataflow/pipeline"
)

// TracerConfig mirrors the teacher's observability.OtelConfig.
type TracerConfig struct {
	ServiceName string
	Environment string
}

var (
	initOnce sync.Once
	shutdown func(context.Context) error
)

// InitOTel sets the global trace provider once per process, adapted
// from the teacher's observability/otel.go (stdout exporter in place
// of its OTLP/HTTP exporter — see DESIGN.md for why). Returns a
// shutdown func; a no-op if OTEL is disabled via env.
func InitOTel(ctx context.Context, log pipeline.Logger, cfg TracerConfig) func(context.Context) error {
	initOnce.Do(func() {
		if !otelEnabled() {
			shutdown = func(context.Context) error { return nil }
			return
		}
		name := strings.TrimSpace(cfg.ServiceName)
		if name == "" {
			name = "dataflow"
		}
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			if log != nil {
				log.Warn("otel stdout exporter init failed, tracing disabled", "error", err)
			}
			shutdown = func(context.Context) error { return nil }
			return
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(otelSampleRatio()))),
		)
		otel.SetTracerProvider(tp)
		shutdown = tp.Shutdown
		if log != nil {
			log.Info("otel tracing initialized", "service", name, "environment", cfg.Environment)
		}
	})
	return shutdown
}

func otelEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("OTEL_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func otelSampleRatio() float64 {
	v := strings.TrimSpace(os.Getenv("OTEL_SAMPLER_RATIO"))
	if v == "" {
		return 1.0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 1.0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Tracer adapts the global OTel tracer to pipeline.Tracer.
type Tracer struct {
	t oteltrace.Tracer
}

// NewTracer returns a Tracer bound to the named OTel tracer.
func NewTracer(name string) *Tracer {
	return &Tracer{t: otel.Tracer(name)}
}

func (t *Tracer) Start(ctx context.Context, name string) (context.Context, pipeline.Span) {
	spanCtx, span := t.t.Start(ctx, name)
	return spanCtx, &otelSpan{span: span}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.span.SetAttributes(attribute.String("error.message", err.Error()))
}

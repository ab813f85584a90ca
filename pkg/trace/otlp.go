package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/runwire/runwire/pkg/runnable"
)

// OTLPConfig configures the OTLP trace exporter.
type OTLPConfig struct {
	// Protocol is "grpc" or "http".
	Protocol string
	// Endpoint is host:port, without scheme.
	Endpoint string
	Headers  map[string]string
	Insecure bool
	// SampleRate in [0,1]; 0 is treated as 1 (export everything).
	SampleRate float64
}

// OTLPExporter replays finished Traces as OpenTelemetry spans with their
// original timestamps and ships them over OTLP.
type OTLPExporter struct {
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer
	logger *slog.Logger
}

var _ Exporter = (*OTLPExporter)(nil)

// NewOTLPExporter creates an exporter for the configured protocol.
func NewOTLPExporter(ctx context.Context, cfg OTLPConfig) (*OTLPExporter, error) {
	var (
		exp *otlptrace.Exporter
		err error
	)
	switch cfg.Protocol {
	case "grpc", "":
		// The connection is owned here rather than by the exporter: grpc
		// dials lazily, so startup succeeds even when the collector is down.
		creds := credentials.NewTLS(nil)
		if cfg.Insecure {
			creds = insecure.NewCredentials()
		}
		conn, dialErr := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(creds))
		if dialErr != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC connection: %w", dialErr)
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithGRPCConn(conn)}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, &runnable.ConfigError{
			Field: "otlp.protocol",
			Err:   fmt.Errorf("unsupported protocol %q", cfg.Protocol),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "runwire"),
		)),
	)
	return &OTLPExporter{
		tp:     tp,
		tracer: tp.Tracer("github.com/runwire/runwire/pkg/trace"),
		logger: slog.Default().With("component", "otlp_exporter"),
	}, nil
}

// ExportTrace replays the trace's span tree through the SDK. Parent/child
// relations are preserved by starting children in their parent's context.
func (e *OTLPExporter) ExportTrace(ctx context.Context, t *Trace) error {
	children := make(map[string][]*Span)
	var roots []*Span
	for _, s := range t.Spans {
		if s.ParentID == "" {
			roots = append(roots, s)
		} else {
			children[s.ParentID] = append(children[s.ParentID], s)
		}
	}
	for _, root := range roots {
		e.replay(ctx, t, root, children)
	}
	return e.tp.ForceFlush(ctx)
}

// Shutdown flushes and stops the underlying provider.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	return e.tp.Shutdown(ctx)
}

func (e *OTLPExporter) replay(ctx context.Context, t *Trace, s *Span, children map[string][]*Span) {
	spanCtx, otelSpan := e.tracer.Start(ctx, s.Name,
		oteltrace.WithTimestamp(s.StartTime),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
	)
	attrs := []attribute.KeyValue{
		attribute.String("runwire.trace_id", t.ID),
		attribute.String("runwire.span_kind", string(s.Kind)),
		attribute.Int("runwire.depth", s.Depth),
	}
	if s.RunID != "" {
		attrs = append(attrs, attribute.String("runwire.run_id", s.RunID))
	}
	for _, k := range sortedKeys(s.Attributes) {
		attrs = append(attrs, anyAttribute("runwire."+k, s.Attributes[k]))
	}
	if s.OutputPreview != "" {
		attrs = append(attrs, attribute.String("runwire.output_preview", s.OutputPreview))
	}
	otelSpan.SetAttributes(attrs...)
	if s.Status == SpanError {
		otelSpan.SetStatus(codes.Error, s.Error)
	} else {
		otelSpan.SetStatus(codes.Ok, "")
	}

	for _, child := range children[s.ID] {
		e.replay(spanCtx, t, child, children)
	}

	end := s.EndTime
	if end.IsZero() {
		end = s.StartTime
	}
	otelSpan.End(oteltrace.WithTimestamp(end))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func anyAttribute(key string, v any) attribute.KeyValue {
	switch t := v.(type) {
	case string:
		return attribute.String(key, t)
	case bool:
		return attribute.Bool(key, t)
	case int:
		return attribute.Int(key, t)
	case int64:
		return attribute.Int64(key, t)
	case float64:
		return attribute.Float64(key, t)
	default:
		return attribute.String(key, fmt.Sprint(t))
	}
}

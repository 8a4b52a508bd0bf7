package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("veriscope"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "veriscope"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("veriscope"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("veriscope"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attributes
const (
	AttrSessionID     = "veriscope.session.id"
	AttrSessionToken  = "veriscope.session.token"
	AttrTemplateID    = "veriscope.template.id"
	AttrStep          = "veriscope.session.step"
	AttrTotalSteps    = "veriscope.session.total_steps"
	AttrStatus        = "veriscope.session.status"
	AttrFramesSeen    = "veriscope.frames.analyzed"
	AttrTrustScore    = "veriscope.trust.score"
	AttrTrustFlags    = "veriscope.trust.flags"
	AttrDurationMs    = "veriscope.duration.ms"
	AttrMatchesStep   = "veriscope.analysis.matches"
	AttrConfidence    = "veriscope.analysis.confidence"
	AttrChallengeID   = "veriscope.challenge.id"
	AttrChallengePass = "veriscope.challenge.passed"
)

// StartFrameSpan starts a span covering one frame analysis.
func (p *Provider) StartFrameSpan(ctx context.Context, sessionID string, step int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "engine.analyze_frame",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.Int(AttrStep, step),
		),
	)
}

// EndFrameSpan ends a frame span with the analysis outcome.
func (p *Provider) EndFrameSpan(span trace.Span, matches bool, confidence float64, err error) {
	span.SetAttributes(
		attribute.Bool(AttrMatchesStep, matches),
		attribute.Float64(AttrConfidence, confidence),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordChallengeResolved records a challenge outcome on the current span.
func (p *Provider) RecordChallengeResolved(ctx context.Context, challengeID string, passed bool) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("challenge.resolved",
		trace.WithAttributes(
			attribute.String(AttrChallengeID, challengeID),
			attribute.Bool(AttrChallengePass, passed),
		),
	)
}

// RecordSessionCompleted exports a terminal session record span.
func (p *Provider) RecordSessionCompleted(ctx context.Context, sessionID, templateID string, durationMs int64, framesAnalyzed int64, trustScore float64, trustFlags []string) {
	if !p.Enabled() {
		return
	}

	_, span := p.tracer.Start(ctx, "session.completed",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrTemplateID, templateID),
			attribute.Int64(AttrDurationMs, durationMs),
			attribute.Int64(AttrFramesSeen, framesAnalyzed),
			attribute.Float64(AttrTrustScore, trustScore),
			attribute.StringSlice(AttrTrustFlags, trustFlags),
		),
	)
	span.End()

	slog.Info("session record exported",
		"session_id", sessionID,
		"duration_ms", durationMs,
		"frames_analyzed", framesAnalyzed,
		"trust_score", trustScore,
	)
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("veriscope-noop"),
	}
}

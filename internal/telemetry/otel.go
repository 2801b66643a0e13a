package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

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
			tracer: otel.Tracer("switchboard"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "switchboard"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
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
			tracer: otel.Tracer("switchboard"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // Use sync exporter for simplicity
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("switchboard"),
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

// Request span attributes, one per proxied call through the orchestrator.
const (
	AttrTraceID       = "switchboard.trace.id"
	AttrOrgID         = "switchboard.org.id"
	AttrAgentID       = "switchboard.agent.id"
	AttrActionTaken   = "switchboard.action_taken"
	AttrRiskScore     = "switchboard.risk_score"
	AttrModel         = "switchboard.model"
	AttrInputTokens   = "switchboard.tokens.input"
	AttrOutputTokens  = "switchboard.tokens.output"
	AttrCostUSD       = "switchboard.cost_usd"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
	AttrResponseCode  = "http.response.status_code"
)

// StartRequestSpan starts a span for one request passing through the
// orchestrator pipeline.
func (p *Provider) StartRequestSpan(ctx context.Context, traceID, orgID, method, path string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "switchboard.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrTraceID, traceID),
			attribute.String(AttrOrgID, orgID),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
	return ctx, span
}

// EndRequestSpan ends a request span with the decision recorded by the
// Flight Recorder for that trace.
func (p *Provider) EndRequestSpan(span trace.Span, agentID, actionTaken, model string, riskScore float64, inputTokens, outputTokens int, costUSD float64, statusCode int, err error) {
	span.SetAttributes(
		attribute.String(AttrAgentID, agentID),
		attribute.String(AttrActionTaken, actionTaken),
		attribute.String(AttrModel, model),
		attribute.Float64(AttrRiskScore, riskScore),
		attribute.Int(AttrInputTokens, inputTokens),
		attribute.Int(AttrOutputTokens, outputTokens),
		attribute.Float64(AttrCostUSD, costUSD),
		attribute.Int(AttrResponseCode, statusCode),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordAnomaly records an anomaly-detected event on the current span.
func (p *Provider) RecordAnomaly(ctx context.Context, agentID, anomalyType, severity string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("anomaly.detected",
		trace.WithAttributes(
			attribute.String(AttrAgentID, agentID),
			attribute.String("switchboard.anomaly.type", anomalyType),
			attribute.String("switchboard.anomaly.severity", severity),
		),
	)
}

// DefaultConfig returns a default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "switchboard",
	}
}

// ConfigFromEnv creates config from environment variables
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("SWITCHBOARD_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("SWITCHBOARD_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("SWITCHBOARD_TELEMETRY_EXPORTER")
	}
	if os.Getenv("SWITCHBOARD_TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("SWITCHBOARD_TELEMETRY_ENDPOINT")
	}

	return cfg
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("switchboard-noop"),
	}
}

// SpanFromContext extracts a span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

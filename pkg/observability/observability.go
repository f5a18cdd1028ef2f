// Package observability provides OpenTelemetry metrics for the permission
// engine: decision rates, escalations, revocations, and evaluation latency.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the OpenTelemetry metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	ExportInterval time.Duration // periodic reader interval
	Enabled        bool          // enable/disable telemetry
	Insecure       bool          // use insecure connection (dev only)
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mandate-engine",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages the OpenTelemetry meter provider and the engine's
// instruments. All record methods are nil-safe so a disabled provider can
// be wired without guards at the call sites.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	decisionCounter   metric.Int64Counter
	escalationCounter metric.Int64Counter
	revocationCounter metric.Int64Counter
	voteCounter       metric.Int64Counter
	evaluateDuration  metric.Float64Histogram
	activePermissions metric.Int64UpDownCounter
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initMeterProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.meter = otel.Meter("mandate.engine",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
	)

	return p, nil
}

func (p *Provider) initMeterProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)

	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.decisionCounter, err = p.meter.Int64Counter("mandate.decisions.total",
		metric.WithDescription("Total evaluation decisions rendered"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.escalationCounter, err = p.meter.Int64Counter("mandate.escalations.total",
		metric.WithDescription("Total decisions escalated to community review"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		return err
	}

	p.revocationCounter, err = p.meter.Int64Counter("mandate.revocations.total",
		metric.WithDescription("Total permissions revoked or expired"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return err
	}

	p.voteCounter, err = p.meter.Int64Counter("mandate.votes.total",
		metric.WithDescription("Total community votes recorded"),
		metric.WithUnit("{vote}"),
	)
	if err != nil {
		return err
	}

	p.evaluateDuration, err = p.meter.Float64Histogram("mandate.evaluate.duration",
		metric.WithDescription("Permission evaluation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	)
	if err != nil {
		return err
	}

	p.activePermissions, err = p.meter.Int64UpDownCounter("mandate.permissions.active",
		metric.WithDescription("Currently active permissions"),
		metric.WithUnit("{permission}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
			return err
		}
	}
	return nil
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("mandate.engine")
	}
	return p.meter
}

// RecordDecision records one evaluation decision.
func (p *Provider) RecordDecision(ctx context.Context, allowed bool, riskLevel string) {
	if p == nil || p.decisionCounter == nil {
		return
	}
	p.decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("risk_level", riskLevel),
	))
}

// RecordEscalation records a decision routed to community review.
func (p *Provider) RecordEscalation(ctx context.Context, reason string) {
	if p == nil || p.escalationCounter == nil {
		return
	}
	p.escalationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordRevocation records a permission leaving the active pool.
func (p *Provider) RecordRevocation(ctx context.Context, cause string) {
	if p == nil || p.revocationCounter == nil {
		return
	}
	p.revocationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cause", cause),
	))
	if p.activePermissions != nil {
		p.activePermissions.Add(ctx, -1)
	}
}

// RecordGrant records a permission entering the active pool.
func (p *Provider) RecordGrant(ctx context.Context) {
	if p == nil || p.activePermissions == nil {
		return
	}
	p.activePermissions.Add(ctx, 1)
}

// RecordVote records one community vote.
func (p *Provider) RecordVote(ctx context.Context, choice string) {
	if p == nil || p.voteCounter == nil {
		return
	}
	p.voteCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("choice", choice),
	))
}

// RecordEvaluateDuration records the latency of one evaluation.
func (p *Provider) RecordEvaluateDuration(ctx context.Context, d time.Duration) {
	if p == nil || p.evaluateDuration == nil {
		return
	}
	p.evaluateDuration.Record(ctx, d.Seconds())
}

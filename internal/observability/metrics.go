package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandeepkv93/smart-session-gateway/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "smart-session-gateway"

type AppMetrics struct {
	sessionConfigureCounter metric.Int64Counter
	sessionSignCounter      metric.Int64Counter
	agentStepCounter        metric.Int64Counter
	userOpCounter           metric.Int64Counter
	userOpLatency           metric.Float64Histogram
	repositoryCounter       metric.Int64Counter
	pendingAuthCounter      metric.Int64Counter
	tokenValidationCounter  metric.Int64Counter
	rateLimitCounter        metric.Int64Counter
	rateLimitRetryAfter     metric.Float64Histogram
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func newAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	var (
		m   AppMetrics
		err error
	)
	if m.sessionConfigureCounter, err = meter.Int64Counter("session.configure"); err != nil {
		return nil, err
	}
	if m.sessionSignCounter, err = meter.Int64Counter("session.sign"); err != nil {
		return nil, err
	}
	if m.agentStepCounter, err = meter.Int64Counter("agent.invoke.steps"); err != nil {
		return nil, err
	}
	if m.userOpCounter, err = meter.Int64Counter("userop.submissions"); err != nil {
		return nil, err
	}
	if m.userOpLatency, err = meter.Float64Histogram("userop.confirmation.seconds", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.repositoryCounter, err = meter.Int64Counter("repository.operations"); err != nil {
		return nil, err
	}
	if m.pendingAuthCounter, err = meter.Int64Counter("pending_auth.events"); err != nil {
		return nil, err
	}
	if m.tokenValidationCounter, err = meter.Int64Counter("auth.access_token.validations"); err != nil {
		return nil, err
	}
	if m.rateLimitCounter, err = meter.Int64Counter("http.rate_limit.decisions"); err != nil {
		return nil, err
	}
	if m.rateLimitRetryAfter, err = meter.Float64Histogram("http.rate_limit.retry_after.seconds", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordSessionConfigure(ctx context.Context, chainID uint64, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.sessionConfigureCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("chain_id", int64(chainID)),
		attribute.String("outcome", outcome),
	))
}

func RecordSessionSign(ctx context.Context, chainID uint64, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.sessionSignCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("chain_id", int64(chainID)),
		attribute.String("outcome", outcome),
	))
}

func RecordAgentStep(ctx context.Context, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.agentStepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordUserOperation(ctx context.Context, chainID uint64, kind, outcome string, seconds float64) {
	m := current()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Int64("chain_id", int64(chainID)),
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.userOpCounter.Add(ctx, 1, attrs)
	if seconds > 0 {
		m.userOpLatency.Record(ctx, seconds, attrs)
	}
}

func RecordRepositoryOperation(ctx context.Context, entity, op, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.repositoryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func RecordPendingAuthEvent(ctx context.Context, store, event string) {
	m := current()
	if m == nil {
		return
	}
	m.pendingAuthCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("event", event),
	))
}

func RecordAccessTokenValidation(ctx context.Context, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.tokenValidationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordRateLimitDecision(ctx context.Context, scope, decision, mode string) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("decision", decision),
		attribute.String("mode", mode),
	))
}

func RecordRateLimitRetryAfter(ctx context.Context, scope, reason string, retryAfter time.Duration) {
	m := current()
	if m == nil || retryAfter <= 0 {
		return
	}
	m.rateLimitRetryAfter.Record(ctx, retryAfter.Seconds(), metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("reason", reason),
	))
}

package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sandeepkv93/smart-session-gateway/internal/config"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Runtime owns the OpenTelemetry providers installed for the process.
type Runtime struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	LoggerProvider *sdklog.LoggerProvider
}

type flushShutdowner interface {
	ForceFlush(context.Context) error
	Shutdown(context.Context) error
}

type namedProvider struct {
	name     string
	provider flushShutdowner
}

// InitRuntime installs the meter and tracer providers and adopts lp, which
// NewLogger created earlier so startup logs reach the exporter.
func InitRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, lp *sdklog.LoggerProvider) (*Runtime, error) {
	mp, err := InitMetrics(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	tp, err := InitTracing(ctx, cfg, logger)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	return &Runtime{MeterProvider: mp, TracerProvider: tp, LoggerProvider: lp}, nil
}

// Shutdown flushes then stops every provider. Logs go last so shutdown
// errors from the other providers can still be exported.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, p := range r.providers() {
		if err := p.provider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s provider: %w", p.name, err))
		}
		if err := p.provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s provider: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) providers() []namedProvider {
	var out []namedProvider
	if r.MeterProvider != nil {
		out = append(out, namedProvider{name: "meter", provider: r.MeterProvider})
	}
	if r.TracerProvider != nil {
		out = append(out, namedProvider{name: "tracer", provider: r.TracerProvider})
	}
	if r.LoggerProvider != nil {
		out = append(out, namedProvider{name: "logger", provider: r.LoggerProvider})
	}
	return out
}

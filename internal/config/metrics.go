package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	loadMetricsOnce sync.Once
	loadCounter     metric.Int64Counter
)

// recordLoad counts config loads by environment, outcome, failure class and
// which backing store the process will run with.
func recordLoad(ctx context.Context, cfg *Config, err error) {
	loadMetricsOnce.Do(func() {
		counter, cerr := otel.Meter("smart-session-gateway").Int64Counter("config.load.events")
		if cerr == nil {
			loadCounter = counter
		}
	})
	if loadCounter == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	env, store := "unknown", "unknown"
	if cfg != nil {
		env = environmentLabel(cfg.Env)
		store = storeMode(cfg)
	}
	loadCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("env", env),
		attribute.String("outcome", outcome),
		attribute.String("error_class", loadErrorClass(err)),
		attribute.String("store", store),
	))
}

func environmentLabel(env string) string {
	v := strings.ToLower(strings.TrimSpace(env))
	switch v {
	case "":
		return "unknown"
	case "development", "test", "staging", "production":
		return v
	default:
		return "other"
	}
}

func storeMode(cfg *Config) string {
	if cfg.RedisEnabled() {
		return "redis"
	}
	return "memory"
}

func loadErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, errParse):
		return "parse"
	case errors.Is(err, errValidate):
		return "validation"
	default:
		return "load"
	}
}

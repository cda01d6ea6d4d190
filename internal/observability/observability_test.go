package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sandeepkv93/smart-session-gateway/internal/config"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestRecordersAreNoopsBeforeInit(t *testing.T) {
	metricsMu.Lock()
	appMetrics = nil
	metricsMu.Unlock()

	RecordSessionConfigure(context.Background(), 1, "success")
	RecordRepositoryOperation(context.Background(), "account", "find", "success")
	RecordUserOperation(context.Background(), 1, "agent", "confirmed", 1.5)
}

func TestAppMetricsRecordCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		t.Fatalf("new app metrics: %v", err)
	}
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()
	t.Cleanup(func() {
		metricsMu.Lock()
		appMetrics = nil
		metricsMu.Unlock()
	})

	RecordPendingAuthEvent(context.Background(), "memory", "claimed")
	RecordPendingAuthEvent(context.Background(), "memory", "claimed")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "pending_auth.events" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
				t.Fatalf("unexpected pending_auth.events data %+v", metric.Data)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("expected pending_auth.events to be recorded")
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, lp, err := NewLogger(context.Background(), &config.Config{LogLevel: "debug"}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if lp != nil {
		t.Fatal("expected no logger provider when otel logs are disabled")
	}
	logger.Debug("hello", "chain_id", 1)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected json log line, got %q", buf.String())
	}
	if rec["msg"] != "hello" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestAuditIncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	req := httptest.NewRequest("POST", "/api/v1/accounts/0x1/sessions", nil)
	req.Header.Set("X-Request-Id", "req-1")
	Audit(req, "session.configure", "chain_id", 1)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if rec["event"] != "session.configure" || rec["request_id"] != "req-1" {
		t.Fatalf("unexpected audit record %v", rec)
	}
}

func TestRedactPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/public/agent-access/0123abcd", "/public/agent-access/redacted"},
		{"/public/agent-access/", "/public/agent-access/"},
		{"/api/v1/sessions", "/api/v1/sessions"},
	}
	for _, tc := range tests {
		if got := RedactPath(tc.in); got != tc.want {
			t.Fatalf("RedactPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRuntimeShutdownOrderAndNil(t *testing.T) {
	var nilRuntime *Runtime
	if err := nilRuntime.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil runtime shutdown: %v", err)
	}

	rt := &Runtime{
		MeterProvider:  sdkmetric.NewMeterProvider(),
		TracerProvider: sdktrace.NewTracerProvider(),
		LoggerProvider: sdklog.NewLoggerProvider(),
	}
	var names []string
	for _, p := range rt.providers() {
		names = append(names, p.name)
	}
	if strings.Join(names, ",") != "meter,tracer,logger" {
		t.Fatalf("unexpected provider order %v", names)
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if got := len((&Runtime{MeterProvider: sdkmetric.NewMeterProvider()}).providers()); got != 1 {
		t.Fatalf("expected absent providers skipped, got %d", got)
	}
}

package app

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sandeepkv93/smart-session-gateway/internal/config"
	"github.com/sandeepkv93/smart-session-gateway/internal/health"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAssignsDependenciesAndTimeouts(t *testing.T) {
	cfg := &config.Config{
		ShutdownTimeout:              10 * time.Second,
		ShutdownHTTPDrainTimeout:     2 * time.Second,
		ShutdownObservabilityTimeout: 3 * time.Second,
	}
	logger := discardLogger()
	server := &http.Server{Addr: ":8080", ReadHeaderTimeout: time.Second}
	readiness := health.NewProbeRunner(100*time.Millisecond, 50*time.Millisecond)
	stopped := false

	a := New(cfg, logger, server, nil, readiness, func() { stopped = true })
	if a.Config != cfg || a.Logger != logger || a.Server != server || a.Readiness != readiness {
		t.Fatal("expected app dependencies to be assigned")
	}
	if a.ShutdownTimeout != cfg.ShutdownTimeout || a.ShutdownHTTPDrainTimeout != cfg.ShutdownHTTPDrainTimeout || a.ShutdownObservabilityTimeout != cfg.ShutdownObservabilityTimeout {
		t.Fatal("expected app shutdown timeouts copied from config")
	}

	a.StopBackgroundTasks()
	if !stopped {
		t.Fatal("expected stop callback to be set")
	}
}

func TestRunShutsDownOnCancelAndClosesInReverseOrder(t *testing.T) {
	cfg := &config.Config{
		ShutdownTimeout:              time.Second,
		ShutdownHTTPDrainTimeout:     500 * time.Millisecond,
		ShutdownObservabilityTimeout: 500 * time.Millisecond,
	}
	var order []string
	closer := func(name string) func() error {
		return func() error {
			order = append(order, name)
			return nil
		}
	}
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	a := New(cfg, discardLogger(), server, nil, nil, func() { order = append(order, "background") }, closer("db"), closer("redis"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if strings.Join(order, ",") != "background,redis,db" {
		t.Fatalf("unexpected shutdown order %v", order)
	}
}

func TestShutdownJoinsCloserErrors(t *testing.T) {
	cfg := &config.Config{ShutdownTimeout: time.Second, ShutdownHTTPDrainTimeout: time.Second, ShutdownObservabilityTimeout: time.Second}
	boom := errors.New("close failed")
	a := New(cfg, discardLogger(), &http.Server{}, nil, nil, nil, func() error { return boom })
	if err := a.Shutdown(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected closer error, got %v", err)
	}
}

func testBuildConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:                          "test",
		HTTPAddr:                     "127.0.0.1:0",
		LogLevel:                     "info",
		DatabaseDriver:               "sqlite",
		DatabaseURL:                  "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared",
		RedisKeyPrefix:               "test",
		PendingAuthTTL:               time.Minute,
		JWTIssuer:                    "iss",
		JWTAudience:                  "aud",
		JWTAccessSecret:              "abcdefghijklmnopqrstuvwxyz123456",
		SessionKeySealingKey:         hex.EncodeToString(make([]byte, 32)),
		ChainIDs:                     []uint64{11155111},
		RPCURLs:                      map[string]string{"11155111": "http://127.0.0.1:1"},
		BundlerURL:                   "http://127.0.0.1:1/v2",
		BundlerAPIKey:                "key",
		EntryPointAddress:            "0x0000000071727De22E5E9d8BAf0edAc6f37da032",
		RPCTimeout:                   time.Second,
		ReceiptTimeout:               time.Second,
		ReceiptPollInterval:          100 * time.Millisecond,
		AgentRateLimitRPM:            60,
		ShutdownTimeout:              time.Second,
		ShutdownHTTPDrainTimeout:     time.Second,
		ShutdownObservabilityTimeout: time.Second,
	}
}

func TestBuildWiresRouterWithoutDialingUpstreams(t *testing.T) {
	a, comps, err := Build(context.Background(), testBuildConfig(t), discardLogger(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if comps.Redis != nil {
		t.Fatal("expected no redis client without REDIS_ADDR")
	}
	if comps.Registry.ChainIDs()[0] != 11155111 {
		t.Fatalf("unexpected registry chains %v", comps.Registry.ChainIDs())
	}

	rr := httptest.NewRecorder()
	comps.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready with sqlite only, got %d %s", rr.Code, rr.Body.String())
	}

	token, err := comps.JWT.SignAccessToken("owner-1", time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	comps.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected empty account list, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestBuildRejectsBadDefaultActions(t *testing.T) {
	cfg := testBuildConfig(t)
	cfg.DefaultActions = []string{"not-an-action"}
	if _, _, err := Build(context.Background(), cfg, discardLogger(), nil); err == nil || !strings.Contains(err.Error(), "DEFAULT_ACTIONS") {
		t.Fatalf("expected DEFAULT_ACTIONS error, got %v", err)
	}
}

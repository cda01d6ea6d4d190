package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/sandeepkv93/smart-session-gateway/internal/chain"
	"github.com/sandeepkv93/smart-session-gateway/internal/config"
	"github.com/sandeepkv93/smart-session-gateway/internal/health"
	"github.com/sandeepkv93/smart-session-gateway/internal/http/handler"
	"github.com/sandeepkv93/smart-session-gateway/internal/http/middleware"
	"github.com/sandeepkv93/smart-session-gateway/internal/http/router"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"
	"github.com/sandeepkv93/smart-session-gateway/internal/repository"
	"github.com/sandeepkv93/smart-session-gateway/internal/security"
	"github.com/sandeepkv93/smart-session-gateway/internal/service"
)

const pendingSweepInterval = time.Minute

// Components are the wired pieces behind the HTTP server, exposed for the
// CLI and for tests that need to reach past the router.
type Components struct {
	DB        *gorm.DB
	Redis     redis.UniversalClient
	Registry  *chain.Registry
	Sessions  *service.SessionService
	Gateway   *service.Gateway
	Pending   service.PendingAuthorizationStore
	JWT       *security.JWTManager
	Handler   http.Handler
	Readiness *health.ProbeRunner
}

// Build wires repositories, upstream clients and services into an App.
// The caller owns runtime; it is shut down with the App.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, runtime *observability.Runtime) (*App, *Components, error) {
	var closers []func() error
	fail := func(err error) (*App, *Components, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, nil, err
	}

	db, err := OpenDatabase(cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if err := repository.AutoMigrate(db); err != nil {
		return fail(fmt.Errorf("migrate: %w", err))
	}

	probes := []health.Probe{{Name: "database", Check: pingDatabase(db)}}
	var redisClient redis.UniversalClient
	if cfg.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		redisClient = client
		closers = append(closers, client.Close)
		probes = append(probes, health.Probe{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() error { registry.Close(); return nil })

	key, err := cfg.SealingKey()
	if err != nil {
		return fail(err)
	}
	sealer, err := security.NewKeySealer(key)
	if err != nil {
		return fail(err)
	}
	defaultActions, err := service.ParseActionAllowList(cfg.DefaultActions)
	if err != nil {
		return fail(fmt.Errorf("DEFAULT_ACTIONS: %w", err))
	}

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	var (
		pending   service.PendingAuthorizationStore
		missCache service.EndpointMissCache
	)
	if redisClient != nil {
		pending = service.NewRedisPendingAuthorizationStore(redisClient, cfg.RedisKeyPrefix, cfg.PendingAuthTTL, 0)
		missCache = service.NewRedisEndpointMissCache(redisClient, cfg.RedisKeyPrefix)
	} else {
		mem := service.NewInMemoryPendingAuthorizationStore(cfg.PendingAuthTTL)
		go mem.RunSweeper(bgCtx, pendingSweepInterval)
		pending = mem
		missCache = service.NewInMemoryEndpointMissCache()
	}

	accounts := repository.NewAccountRepository(db)
	records := repository.NewSessionRecordRepository(db)
	operations := repository.NewOperationRepository(db)
	upstreams := service.NewRegistryUpstreams(registry)

	submitter := service.NewSubmitter(upstreams, operations, service.SubmitterOptions{
		EntryPoint: cfg.EntryPoint(),
		Sponsored:  cfg.PaymasterSponsored,
		MaxRetries: int(cfg.UpstreamMaxRetries),
		Logger:     logger,
	})
	sessions := service.NewSessionService(
		accounts,
		records,
		operations,
		pending,
		service.NewPolicyComposer(defaultActions),
		submitter,
		upstreams,
		sealer,
		missCache,
		service.SessionServiceOptions{Logger: logger},
	)
	gateway := service.NewGateway(records, submitter, sealer, missCache, service.GatewayOptions{Logger: logger})
	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret)

	readiness := health.NewProbeRunner(2*time.Second, 2*time.Second, probes...)
	dep := router.Dependencies{
		SessionHandler:    handler.NewSessionHandler(sessions),
		AgentHandler:      handler.NewAgentHandler(gateway),
		JWTManager:        jwtMgr,
		AgentRateLimitRPM: cfg.AgentRateLimitRPM,
		Readiness:         readiness,
		EnableOTelHTTP:    cfg.OTELTracingEnabled || cfg.OTELMetricsEnabled,
	}
	if redisClient != nil {
		dep.AgentRateLimiter = middleware.NewDistributedRateLimiter(
			middleware.NewRedisFixedWindowLimiter(redisClient, cfg.RedisKeyPrefix),
			middleware.PerMinutePolicy(cfg.AgentRateLimitRPM),
			middleware.FailClosed,
			"agent_access",
			middleware.AgentPathKeyFunc("path"),
		).Middleware()
	}
	h := router.NewRouter(dep)

	// No write timeout: agent and sign requests hold the connection until
	// each operation reaches a receipt or RECEIPT_TIMEOUT.
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a := New(cfg, logger, server, runtime, readiness, stopBackground, closers...)
	return a, &Components{
		DB:        db,
		Redis:     redisClient,
		Registry:  registry,
		Sessions:  sessions,
		Gateway:   gateway,
		Pending:   pending,
		JWT:       jwtMgr,
		Handler:   h,
		Readiness: readiness,
	}, nil
}

func newRegistry(cfg *config.Config) (*chain.Registry, error) {
	endpoints := make([]chain.Endpoint, 0, len(cfg.ChainIDs))
	for _, id := range cfg.ChainIDs {
		rpcURL, ok := cfg.RPCURL(id)
		if !ok {
			return nil, fmt.Errorf("no rpc url for chain %d", id)
		}
		bundlerURL, err := chain.BundlerURL(cfg.BundlerURL, cfg.BundlerAPIKey, id)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, chain.Endpoint{ChainID: id, RPCURL: rpcURL, BundlerURL: bundlerURL})
	}
	return chain.NewRegistry(endpoints, chain.RegistryOptions{
		EntryPoint:          cfg.EntryPoint(),
		HTTPTimeout:         cfg.RPCTimeout,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
		ReceiptTimeout:      cfg.ReceiptTimeout,
	}), nil
}

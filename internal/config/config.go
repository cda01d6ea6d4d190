package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
)

type Config struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"file:smart-sessions.db?_busy_timeout=5000"`

	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string        `env:"REDIS_KEY_PREFIX" envDefault:"smart-sessions"`
	PendingAuthTTL time.Duration `env:"PENDING_AUTH_TTL" envDefault:"15m"`

	JWTIssuer       string `env:"JWT_ISSUER" envDefault:"smart-session-gateway"`
	JWTAudience     string `env:"JWT_AUDIENCE" envDefault:"smart-session-gateway"`
	JWTAccessSecret string `env:"JWT_ACCESS_SECRET"`

	SessionKeySealingKey string `env:"SESSION_KEY_SEALING_KEY"`

	ChainIDs            []uint64          `env:"CHAIN_IDS" envSeparator:"," envDefault:"11155111"`
	RPCURLs             map[string]string `env:"RPC_URLS" envSeparator:"," envKeyValSeparator:"="`
	BundlerURL          string            `env:"BUNDLER_URL" envDefault:"https://api.pimlico.io/v2"`
	BundlerAPIKey       string            `env:"BUNDLER_API_KEY"`
	PaymasterSponsored  bool              `env:"PAYMASTER_SPONSORED" envDefault:"true"`
	EntryPointAddress   string            `env:"ENTRY_POINT_ADDRESS" envDefault:"0x0000000071727De22E5E9d8BAf0edAc6f37da032"`
	RPCTimeout          time.Duration     `env:"RPC_TIMEOUT" envDefault:"15s"`
	ReceiptTimeout      time.Duration     `env:"RECEIPT_TIMEOUT" envDefault:"2m"`
	ReceiptPollInterval time.Duration     `env:"RECEIPT_POLL_INTERVAL" envDefault:"2s"`
	UpstreamMaxRetries  uint              `env:"UPSTREAM_MAX_RETRIES" envDefault:"3"`
	DefaultActions      []string          `env:"DEFAULT_ACTIONS" envSeparator:","`

	AgentRateLimitRPM int `env:"AGENT_RATE_LIMIT_RPM" envDefault:"60"`

	OTELServiceName           string        `env:"OTEL_SERVICE_NAME" envDefault:"smart-session-gateway"`
	OTELEnvironment           string        `env:"OTEL_ENVIRONMENT" envDefault:"development"`
	OTELExporterOTLPEndpoint  string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTELExporterOTLPInsecure  bool          `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	OTELMetricsEnabled        bool          `env:"OTEL_METRICS_ENABLED" envDefault:"false"`
	OTELTracingEnabled        bool          `env:"OTEL_TRACING_ENABLED" envDefault:"false"`
	OTELLogsEnabled           bool          `env:"OTEL_LOGS_ENABLED" envDefault:"false"`
	OTELMetricsExportInterval time.Duration `env:"OTEL_METRICS_EXPORT_INTERVAL" envDefault:"10s"`
	OTELTraceSamplingRatio    float64       `env:"OTEL_TRACE_SAMPLING_RATIO" envDefault:"1"`

	ShutdownTimeout              time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`
	ShutdownHTTPDrainTimeout     time.Duration `env:"SHUTDOWN_HTTP_DRAIN_TIMEOUT" envDefault:"10s"`
	ShutdownObservabilityTimeout time.Duration `env:"SHUTDOWN_OBSERVABILITY_TIMEOUT" envDefault:"5s"`
}

var (
	errParse    = errors.New("parse env")
	errValidate = errors.New("validate config")
)

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		err = fmt.Errorf("%w: %w", errParse, err)
		recordLoad(context.Background(), nil, err)
		return nil, err
	}
	err := cfg.Validate()
	recordLoad(context.Background(), cfg, err)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.JWTAccessSecret) < 32 {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be at least 32 bytes"))
	}
	if _, err := c.SealingKey(); err != nil {
		errs = append(errs, err)
	}
	if len(c.ChainIDs) == 0 {
		errs = append(errs, errors.New("CHAIN_IDS must list at least one chain"))
	}
	for _, id := range c.ChainIDs {
		if _, ok := c.RPCURL(id); !ok {
			errs = append(errs, fmt.Errorf("RPC_URLS has no entry for chain %d", id))
		}
	}
	if _, err := c.rpcURLsByChain(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.BundlerURL) == "" {
		errs = append(errs, errors.New("BUNDLER_URL is required"))
	}
	if !common.IsHexAddress(c.EntryPointAddress) {
		errs = append(errs, fmt.Errorf("ENTRY_POINT_ADDRESS %q is not an address", c.EntryPointAddress))
	}
	if c.PendingAuthTTL <= 0 {
		errs = append(errs, errors.New("PENDING_AUTH_TTL must be positive"))
	}
	if c.ReceiptTimeout <= 0 || c.ReceiptPollInterval <= 0 {
		errs = append(errs, errors.New("RECEIPT_TIMEOUT and RECEIPT_POLL_INTERVAL must be positive"))
	} else if c.ReceiptPollInterval >= c.ReceiptTimeout {
		errs = append(errs, errors.New("RECEIPT_POLL_INTERVAL must be shorter than RECEIPT_TIMEOUT"))
	}
	if c.AgentRateLimitRPM <= 0 {
		errs = append(errs, errors.New("AGENT_RATE_LIMIT_RPM must be positive"))
	}
	if c.OTELTraceSamplingRatio < 0 || c.OTELTraceSamplingRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACE_SAMPLING_RATIO must be between 0 and 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errValidate, errors.Join(errs...))
	}
	return nil
}

// SealingKey decodes SESSION_KEY_SEALING_KEY, a hex encoded 32 byte key.
func (c *Config) SealingKey() ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(c.SessionKeySealingKey), "0x")
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, errors.New("SESSION_KEY_SEALING_KEY must be 32 hex encoded bytes")
	}
	return key, nil
}

func (c *Config) rpcURLsByChain() (map[uint64]string, error) {
	out := make(map[uint64]string, len(c.RPCURLs))
	for k, v := range c.RPCURLs {
		id, err := strconv.ParseUint(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("RPC_URLS key %q is not a chain id", k)
		}
		out[id] = strings.TrimSpace(v)
	}
	return out, nil
}

func (c *Config) RPCURL(chainID uint64) (string, bool) {
	urls, err := c.rpcURLsByChain()
	if err != nil {
		return "", false
	}
	u, ok := urls[chainID]
	return u, ok && u != ""
}

func (c *Config) EntryPoint() common.Address {
	return common.HexToAddress(c.EntryPointAddress)
}

func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}

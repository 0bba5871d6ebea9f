// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration shared by the registry, facilitator, provider,
// and consumer processes. Each process reads only the fields relevant to its
// role.
type Config struct {
	// Process settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (registry only; in-memory store used when unset)
	DatabaseURL string

	// Ledger settings
	RPCURL       string
	ChainID      int64
	PrivateKey   string `json:"-"` // Hex-encoded, no 0x prefix — excluded from serialization
	WalletAddr   string
	USDCContract string

	// Marketplace URLs
	RegistryURL    string // base URL of the registry HTTP API
	FacilitatorURL string // base URL of the facilitator
	ProviderURL    string // this provider's own public endpoint, registered with the registry

	// Negotiation timing
	PollInterval     time.Duration // provider polling cadence (default 3s)
	BidWindowSeconds int           // consumer bidding window, T_bid (default 10s)

	// Payment bounds
	MaxPaymentUSDC string // consumer's default max_amount ceiling

	// Security
	RateLimitRPM int

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration

	// Observability
	OTLPEndpoint string // empty = tracing disabled
}

// Base Sepolia defaults.
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimit    = 100

	DefaultPollInterval     = 3 * time.Second
	DefaultBidWindowSeconds = 10
	DefaultMaxPaymentUSDC   = "1000"

	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5
	DefaultDBStatementTimeout = 30000

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables, loading a .env file
// first if present (local development convenience). It validates the
// ledger-facing fields; processes that never sign should use LoadServerOnly.
func Load() (*Config, error) {
	cfg := loadEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServerOnly is Load for processes without a signing key (registry,
// provider, consumer): the private-key requirement is skipped.
func LoadServerOnly() (*Config, error) {
	cfg := loadEnv()
	if err := cfg.ValidateServerOnly(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnv() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RPCURL:       getEnv("RPC_URL", DefaultRPCURL),
		ChainID:      getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:   os.Getenv("PRIVATE_KEY"),
		WalletAddr:   os.Getenv("WALLET_ADDRESS"),
		USDCContract: getEnv("USDC_CONTRACT", DefaultUSDCContract),

		RegistryURL:    getEnv("REGISTRY_URL", "http://localhost:8080"),
		FacilitatorURL: getEnv("FACILITATOR_URL", "http://localhost:8402"),
		ProviderURL:    os.Getenv("PROVIDER_URL"),

		PollInterval:     getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		BidWindowSeconds: int(getEnvInt64("BID_WINDOW_SECONDS", int64(DefaultBidWindowSeconds))),
		MaxPaymentUSDC:   getEnv("MAX_PAYMENT_USDC", DefaultMaxPaymentUSDC),

		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	return cfg
}

// Validate checks that ledger-facing configuration is well-formed. Processes
// that never sign (e.g. a registry with no wallet) should call
// ValidateServerOnly instead.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	return c.ValidateServerOnly()
}

// ValidateServerOnly checks the subset of configuration every process needs,
// regardless of whether it holds a signing key.
func (c *Config) ValidateServerOnly() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}
	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

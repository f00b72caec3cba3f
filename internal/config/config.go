// Package config loads process configuration from environment variables,
// using a distinct prefix per isolated service (INDEXER_, GATEWAY_, ...).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GatewayConfig configures cmd/gateway.
type GatewayConfig struct {
	ListenAddr string

	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SharedSecret string // X-Shared-Secret gate, shared with the upstream edge proxy.

	QuoteRatePerSecond  int
	QuoteRateBurst      int
	BundleRatePerMinute int
	BundleRateBurst     int
	GasSponsorRatePerMinute int
	GasSponsorRateBurst     int

	BundleTTL time.Duration

	MaxRequestBodyBytes int64

	SettlementContractAddr string
	ChainRPCURL            string

	RelayerBaseURL string

	MasterKeyHex string // AES-GCM envelope key for API-key secrets, 32 bytes hex.

	AdminJWTSecret string
	AdminSessionTTL time.Duration

	SponsorSignerKeyHex         string
	SponsorContractAddr         string
	MinSponsorQuoteAmountUSD    int64
	GasSponsorGasUnitsEstimate  uint64
	GasSponsorConversionRateBps uint64
	GlobalMatchingPool          string

	KeyCacheTTL          time.Duration
	QuoteCacheTTL        time.Duration
	BundleLRUSize        int
	SettlementPollInterval time.Duration

	LogLevel  string
	LogFormat string
}

// DefaultGatewayConfig returns conservative defaults, overridden by env vars.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		ListenAddr:              ":8080",
		PostgresDSN:             "host=localhost port=5432 dbname=darkpool user=darkpool password=darkpool sslmode=disable",
		RedisAddr:               "localhost:6379",
		RedisDB:                 0,
		QuoteRatePerSecond:      20,
		QuoteRateBurst:          40,
		BundleRatePerMinute:     30,
		BundleRateBurst:         10,
		GasSponsorRatePerMinute: 10,
		GasSponsorRateBurst:     5,
		BundleTTL:               10 * time.Minute,
		MaxRequestBodyBytes:     1 << 20, // 1MiB
		AdminSessionTTL:         24 * time.Hour,
		MinSponsorQuoteAmountUSD: 10,
		GasSponsorGasUnitsEstimate:  300_000,
		GasSponsorConversionRateBps: 10_000,
		GlobalMatchingPool:      "global",
		KeyCacheTTL:             time.Minute,
		QuoteCacheTTL:           2 * time.Minute,
		BundleLRUSize:           10_000,
		SettlementPollInterval:  5 * time.Second,
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

// LoadGatewayConfig loads gateway configuration from GATEWAY_* env vars.
func LoadGatewayConfig() (*GatewayConfig, error) {
	c := DefaultGatewayConfig()

	setString(&c.ListenAddr, "GATEWAY_LISTEN_ADDR")
	setString(&c.PostgresDSN, "GATEWAY_POSTGRES_DSN")
	setString(&c.RedisAddr, "GATEWAY_REDIS_ADDR")
	setString(&c.RedisPassword, "GATEWAY_REDIS_PASSWORD")
	setInt(&c.RedisDB, "GATEWAY_REDIS_DB")
	setString(&c.SharedSecret, "GATEWAY_SHARED_SECRET")
	setInt(&c.QuoteRatePerSecond, "GATEWAY_QUOTE_RATE_PER_SECOND")
	setInt(&c.QuoteRateBurst, "GATEWAY_QUOTE_RATE_BURST")
	setInt(&c.BundleRatePerMinute, "GATEWAY_BUNDLE_RATE_PER_MINUTE")
	setInt(&c.BundleRateBurst, "GATEWAY_BUNDLE_RATE_BURST")
	setInt(&c.GasSponsorRatePerMinute, "GATEWAY_GAS_SPONSOR_RATE_PER_MINUTE")
	setInt(&c.GasSponsorRateBurst, "GATEWAY_GAS_SPONSOR_RATE_BURST")
	setDuration(&c.BundleTTL, "GATEWAY_BUNDLE_TTL")
	setInt64(&c.MaxRequestBodyBytes, "GATEWAY_MAX_REQUEST_BODY_BYTES")
	setString(&c.SettlementContractAddr, "GATEWAY_SETTLEMENT_CONTRACT_ADDR")
	setString(&c.ChainRPCURL, "GATEWAY_CHAIN_RPC_URL")
	setString(&c.RelayerBaseURL, "GATEWAY_RELAYER_BASE_URL")
	setString(&c.MasterKeyHex, "GATEWAY_MASTER_KEY")
	setString(&c.AdminJWTSecret, "GATEWAY_ADMIN_JWT_SECRET")
	setDuration(&c.AdminSessionTTL, "GATEWAY_ADMIN_SESSION_TTL")
	setString(&c.SponsorSignerKeyHex, "GATEWAY_SPONSOR_SIGNER_KEY")
	setString(&c.SponsorContractAddr, "GATEWAY_SPONSOR_CONTRACT_ADDR")
	setInt64(&c.MinSponsorQuoteAmountUSD, "GATEWAY_MIN_SPONSOR_QUOTE_AMOUNT_USD")
	setUint64(&c.GasSponsorGasUnitsEstimate, "GATEWAY_GAS_SPONSOR_GAS_UNITS_ESTIMATE")
	setUint64(&c.GasSponsorConversionRateBps, "GATEWAY_GAS_SPONSOR_CONVERSION_RATE_BPS")
	setString(&c.GlobalMatchingPool, "GATEWAY_GLOBAL_MATCHING_POOL")
	setDuration(&c.KeyCacheTTL, "GATEWAY_KEY_CACHE_TTL")
	setDuration(&c.QuoteCacheTTL, "GATEWAY_QUOTE_CACHE_TTL")
	setInt(&c.BundleLRUSize, "GATEWAY_BUNDLE_LRU_SIZE")
	setDuration(&c.SettlementPollInterval, "GATEWAY_SETTLEMENT_POLL_INTERVAL")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks invariants the gateway cannot start without.
func (c *GatewayConfig) Validate() error {
	if c.SharedSecret == "" {
		return fmt.Errorf("GATEWAY_SHARED_SECRET is required")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("GATEWAY_POSTGRES_DSN is required")
	}
	if c.BundleTTL <= 0 {
		return fmt.Errorf("GATEWAY_BUNDLE_TTL must be positive")
	}
	if c.MasterKeyHex == "" {
		return fmt.Errorf("GATEWAY_MASTER_KEY is required")
	}
	if c.AdminJWTSecret == "" {
		return fmt.Errorf("GATEWAY_ADMIN_JWT_SECRET is required")
	}
	if c.RelayerBaseURL == "" {
		return fmt.Errorf("GATEWAY_RELAYER_BASE_URL is required")
	}
	return nil
}

// IndexerConfig configures cmd/indexer.
type IndexerConfig struct {
	PostgresDSN string

	ChainRPCURL            string
	SettlementContractAddr string

	ConfirmationDepth uint64
	PollInterval      time.Duration
	BackfillBatchSize uint64
	MaxReorgDepth     uint64

	QueueVisibilityTimeout time.Duration
	QueuePollInterval      time.Duration
	ApplicatorWorkers      int

	AdminListenAddr string

	LogLevel  string
	LogFormat string
}

func DefaultIndexerConfig() *IndexerConfig {
	return &IndexerConfig{
		PostgresDSN:            "host=localhost port=5432 dbname=darkpool user=darkpool password=darkpool sslmode=disable",
		ConfirmationDepth:      10,
		PollInterval:           5 * time.Second,
		BackfillBatchSize:      2000,
		MaxReorgDepth:          64,
		QueueVisibilityTimeout: 30 * time.Second,
		QueuePollInterval:      500 * time.Millisecond,
		ApplicatorWorkers:      4,
		AdminListenAddr:        ":8081",
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// LoadIndexerConfig loads configuration from INDEXER_* env vars.
func LoadIndexerConfig() (*IndexerConfig, error) {
	c := DefaultIndexerConfig()

	setString(&c.PostgresDSN, "INDEXER_POSTGRES_DSN")
	setString(&c.ChainRPCURL, "INDEXER_CHAIN_RPC_URL")
	setString(&c.SettlementContractAddr, "INDEXER_SETTLEMENT_CONTRACT_ADDR")
	setUint64(&c.ConfirmationDepth, "INDEXER_CONFIRMATION_DEPTH")
	setDuration(&c.PollInterval, "INDEXER_POLL_INTERVAL")
	setUint64(&c.BackfillBatchSize, "INDEXER_BACKFILL_BATCH_SIZE")
	setUint64(&c.MaxReorgDepth, "INDEXER_MAX_REORG_DEPTH")
	setDuration(&c.QueueVisibilityTimeout, "INDEXER_QUEUE_VISIBILITY_TIMEOUT")
	setDuration(&c.QueuePollInterval, "INDEXER_QUEUE_POLL_INTERVAL")
	setInt(&c.ApplicatorWorkers, "INDEXER_APPLICATOR_WORKERS")
	setString(&c.AdminListenAddr, "INDEXER_ADMIN_LISTEN_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *IndexerConfig) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("INDEXER_POSTGRES_DSN is required")
	}
	if c.ChainRPCURL == "" {
		return fmt.Errorf("INDEXER_CHAIN_RPC_URL is required")
	}
	if c.SettlementContractAddr == "" {
		return fmt.Errorf("INDEXER_SETTLEMENT_CONTRACT_ADDR is required")
	}
	if c.ConfirmationDepth == 0 {
		return fmt.Errorf("INDEXER_CONFIRMATION_DEPTH must be at least 1")
	}
	return nil
}

// PriceReporterConfig configures cmd/pricereporter.
type PriceReporterConfig struct {
	ListenAddr string

	Exchanges []string // e.g. "binance", "coinbase", "renegade"

	SnapshotRehydrateCron string // robfig/cron expression
	KeepaliveInterval     time.Duration
	ReconnectBaseDelay    time.Duration
	ReconnectMaxDelay     time.Duration

	SubscriberSendBuffer int

	LogLevel  string
	LogFormat string
}

func DefaultPriceReporterConfig() *PriceReporterConfig {
	return &PriceReporterConfig{
		ListenAddr:            ":8082",
		Exchanges:             []string{"binance", "coinbase"},
		SnapshotRehydrateCron: "@every 30m",
		KeepaliveInterval:     15 * time.Second,
		ReconnectBaseDelay:    500 * time.Millisecond,
		ReconnectMaxDelay:     30 * time.Second,
		SubscriberSendBuffer:  64,
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// LoadPriceReporterConfig loads configuration from PRICEREPORTER_* env vars.
func LoadPriceReporterConfig() (*PriceReporterConfig, error) {
	c := DefaultPriceReporterConfig()

	setString(&c.ListenAddr, "PRICEREPORTER_LISTEN_ADDR")
	if exch := strings.TrimSpace(os.Getenv("PRICEREPORTER_EXCHANGES")); exch != "" {
		c.Exchanges = splitCSV(exch)
	}
	setString(&c.SnapshotRehydrateCron, "PRICEREPORTER_SNAPSHOT_CRON")
	setDuration(&c.KeepaliveInterval, "PRICEREPORTER_KEEPALIVE_INTERVAL")
	setDuration(&c.ReconnectBaseDelay, "PRICEREPORTER_RECONNECT_BASE_DELAY")
	setDuration(&c.ReconnectMaxDelay, "PRICEREPORTER_RECONNECT_MAX_DELAY")
	setInt(&c.SubscriberSendBuffer, "PRICEREPORTER_SUBSCRIBER_SEND_BUFFER")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	if len(c.Exchanges) == 0 {
		return nil, fmt.Errorf("at least one exchange is required")
	}
	return c, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setInt64(dst *int64, env string) {
	if v := os.Getenv(env); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = i
		}
	}
}

func setUint64(dst *uint64, env string) {
	if v := os.Getenv(env); v != "" {
		if i, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = i
		}
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

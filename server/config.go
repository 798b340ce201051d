package server

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/becomeliminal/x402-facilitator/evm"
)

// Config holds the facilitator process configuration. It is read once at
// startup.
type Config struct {
	Port     string
	GinMode  string // "debug", "release", or "test"
	LogLevel slog.Level

	// PrivateKey is the raw FACILITATOR_WALLET_PRIVATE_KEY value.
	PrivateKey string

	// FeeAmount is the raw FACILITATOR_FEE_AMOUNT value.
	FeeAmount string

	RPCTimeout      time.Duration
	ShutdownTimeout time.Duration

	// RPCURLs overrides the default endpoint per CAIP-2 network.
	RPCURLs map[string]string
}

// rpcURLEnv maps networks to the variable overriding their RPC endpoint.
var rpcURLEnv = map[string]string{
	evm.NetworkOptimism:        "OPTIMISM_RPC_URL",
	evm.NetworkOptimismSepolia: "OPTIMISM_SEPOLIA_RPC_URL",
	evm.NetworkBase:            "BASE_RPC_URL",
	evm.NetworkBaseSepolia:     "BASE_SEPOLIA_RPC_URL",
}

// LoadConfig loads the given .env files (".env" when none are given) into the
// process environment without overriding variables already set, then reads
// the configuration. Missing files are skipped.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		GinMode:         getEnv("GIN_MODE", "release"),
		LogLevel:        ParseLogLevel(getEnv("LOG_LEVEL", "info")),
		PrivateKey:      getEnv("FACILITATOR_WALLET_PRIVATE_KEY", ""),
		FeeAmount:       getEnv("FACILITATOR_FEE_AMOUNT", ""),
		RPCTimeout:      getEnvDuration("RPC_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		RPCURLs:         make(map[string]string),
	}
	for network, key := range rpcURLEnv {
		if url := getEnv(key, ""); url != "" {
			cfg.RPCURLs[network] = url
		}
	}
	return cfg, nil
}

// FeeConfig builds the fee configuration. Invalid values never stop the
// process: a bad fee amount falls back to the default and a bad key leaves
// the facilitator without signing capability. Both are logged.
func (c *Config) FeeConfig(logger *slog.Logger) evm.FeeConfig {
	amount, err := evm.ParseFeeAmount(c.FeeAmount)
	if err != nil {
		logger.Warn("invalid FACILITATOR_FEE_AMOUNT, using default",
			"value", c.FeeAmount,
			"default", evm.DefaultFeeAmount,
			"error", err,
		)
	}

	fee := evm.FeeConfig{Amount: amount}
	if c.PrivateKey == "" {
		logger.Warn("FACILITATOR_WALLET_PRIVATE_KEY not set, settlement and fee collection disabled")
		return fee
	}

	key, err := evm.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		logger.Warn("invalid FACILITATOR_WALLET_PRIVATE_KEY, settlement and fee collection disabled", "error", err)
		return fee
	}
	fee.Key = key
	return fee
}

// ParseLogLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv retrieves an environment variable with a fallback default value.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration retrieves an environment variable as a duration with a fallback.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

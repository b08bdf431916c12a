// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL              string
	ChainID             int64
	StableTokenContract string // ERC-20 stable token used for all settlement
	EscrowContract      string // Escrow job contract (required when EscrowMode is "onchain")
	AccountFactory      string // CREATE2 factory for custody contract accounts
	AccountInitCodeHash string // keccak256 of the custody account init code
	AccountInitCode     string // Full custody account init code, forwarded to the relay for lazy deployment
	RelayURL            string // Fee-sponsoring relay for custody account transactions

	// Escrow settings
	EscrowMode      string // "centralized" or "onchain"
	PlatformKey     string // Platform custodial account private key, hex, no 0x prefix
	PlatformAddress string

	// Security
	MasterSecret string // Secret-store master key material
	RateLimitRPS int
}

// Base Sepolia defaults
const (
	DefaultRPCURL      = "https://sepolia.base.org"
	DefaultChainID     = 84532                                        // Base Sepolia
	DefaultStableToken = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultEscrowMode  = "centralized"
	DefaultRateLimit   = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		StableTokenContract: getEnv("STABLE_TOKEN_CONTRACT", DefaultStableToken),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		AccountFactory:      os.Getenv("ACCOUNT_FACTORY"),
		AccountInitCodeHash: os.Getenv("ACCOUNT_INIT_CODE_HASH"),
		AccountInitCode:     os.Getenv("ACCOUNT_INIT_CODE"),
		RelayURL:            os.Getenv("RELAY_URL"),
		EscrowMode:          getEnv("ESCROW_MODE", DefaultEscrowMode),
		PlatformKey:         os.Getenv("PLATFORM_PRIVATE_KEY"), // Required, no default
		PlatformAddress:     os.Getenv("PLATFORM_ADDRESS"),
		MasterSecret:        os.Getenv("MASTER_SECRET"), // Required, no default
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformKey == "" {
		return fmt.Errorf("PLATFORM_PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PlatformKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PLATFORM_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.MasterSecret == "" {
		return fmt.Errorf("MASTER_SECRET is required")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	switch c.EscrowMode {
	case "centralized":
	case "onchain":
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required when ESCROW_MODE is onchain")
		}
	default:
		return fmt.Errorf("ESCROW_MODE must be \"centralized\" or \"onchain\", got %q", c.EscrowMode)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// OnChainEscrow returns true when settlement goes through the escrow contract
func (c *Config) OnChainEscrow() bool {
	return c.EscrowMode == "onchain"
}

// Helper functions

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

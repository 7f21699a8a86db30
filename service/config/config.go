package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURL            string
	SolanaNetwork           string // "mainnet" or "devnet"
	ServiceWalletPrivateKey string
	USDCMintAddress         string

	// Escrow configuration
	CodeLength        int
	MaxBulkRecipients int
	ClaimBaseURL      string
}

// Load reads configuration from environment variables and validates all
// required fields. Returns an error if any required configuration is missing
// or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	cfg.SolanaNetwork = getEnvOrDefault("SOLANA_NETWORK", "devnet")
	if cfg.SolanaNetwork != "mainnet" && cfg.SolanaNetwork != "devnet" {
		errs = append(errs, fmt.Errorf("SOLANA_NETWORK must be \"mainnet\" or \"devnet\", got %q", cfg.SolanaNetwork))
	}

	cfg.ServiceWalletPrivateKey = os.Getenv("SERVICE_WALLET_PRIVATE_KEY")
	if cfg.ServiceWalletPrivateKey == "" {
		errs = append(errs, fmt.Errorf("SERVICE_WALLET_PRIVATE_KEY is required"))
	}

	cfg.USDCMintAddress = os.Getenv("USDC_MINT_ADDRESS")
	if cfg.USDCMintAddress == "" {
		errs = append(errs, fmt.Errorf("USDC_MINT_ADDRESS is required"))
	}

	// Escrow configuration
	codeLength, err := parseInt("CODE_LENGTH", 6)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.CodeLength = codeLength
	}

	maxBulk, err := parseInt("MAX_BULK_RECIPIENTS", 100)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxBulkRecipients = maxBulk
	}

	cfg.ClaimBaseURL = getEnvOrDefault("CLAIM_BASE_URL", "http://localhost:8080")

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.SolanaNetwork != "mainnet" && c.SolanaNetwork != "devnet" {
		errs = append(errs, fmt.Errorf("SolanaNetwork must be \"mainnet\" or \"devnet\""))
	}

	if c.ServiceWalletPrivateKey == "" {
		errs = append(errs, fmt.Errorf("ServiceWalletPrivateKey is required"))
	}

	if c.USDCMintAddress == "" {
		errs = append(errs, fmt.Errorf("USDCMintAddress is required"))
	}

	if c.CodeLength < 4 || c.CodeLength > 32 {
		errs = append(errs, fmt.Errorf("CodeLength must be between 4 and 32, got %d", c.CodeLength))
	}

	if c.MaxBulkRecipients < 1 {
		errs = append(errs, fmt.Errorf("MaxBulkRecipients must be at least 1, got %d", c.MaxBulkRecipients))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

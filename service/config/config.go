package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Fee modes understood by the wallet provider.
const (
	FeeModePaymaster = "paymaster"
	FeeModeUser      = "user"
)

// DefaultPresets is the preset list used when TIP_PRESETS is unset.
const DefaultPresets = "0.01:0.01 SOL,0.05:0.05 SOL,0.1:0.1 SOL"

// Preset is one selectable tip amount, expressed in whole SOL.
type Preset struct {
	Amount float64 `json:"amount"`
	Label  string  `json:"label"`
}

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// NATS configuration (optional, empty disables tip events)
	NATSURL string

	// Solana configuration
	SolanaRPCURLs    []string
	SolanaCluster    string
	ExplorerBaseURL  string
	RecipientAddress string

	// Wallet provider configuration
	WalletBridgeURL string
	PaymasterURL    string
	FeeMode         string

	// Widget configuration
	BalancePollInterval time.Duration
	Presets             []Preset

	// Session configuration
	SessionIdleTimeout time.Duration // 0 disables eviction
	MaxSessions        int
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.NATSURL = os.Getenv("NATS_URL")

	// Solana configuration
	// A comma separated list spreads read load across providers.
	cfg.SolanaRPCURLs = splitList(getEnvOrDefault("SOLANA_RPC_URL", "https://api.devnet.solana.com"))
	cfg.SolanaCluster = getEnvOrDefault("SOLANA_CLUSTER", "devnet")
	cfg.ExplorerBaseURL = getEnvOrDefault("EXPLORER_BASE_URL", "https://explorer.solana.com")

	cfg.RecipientAddress = os.Getenv("RECIPIENT_ADDRESS")
	if cfg.RecipientAddress == "" {
		errs = append(errs, fmt.Errorf("RECIPIENT_ADDRESS is required"))
	}

	// Wallet provider configuration
	cfg.WalletBridgeURL = getEnvOrDefault("WALLET_BRIDGE_URL", "http://localhost:8787")
	cfg.PaymasterURL = getEnvOrDefault("PAYMASTER_URL", "https://kora.devnet.lazorkit.com")
	cfg.FeeMode = getEnvOrDefault("FEE_MODE", FeeModePaymaster)

	// Widget configuration
	interval, err := parseDuration("BALANCE_POLL_INTERVAL", "10s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.BalancePollInterval = interval
	}

	idle, err := parseDuration("SESSION_IDLE_TIMEOUT", "30m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SessionIdleTimeout = idle
	}

	maxSessions, err := strconv.Atoi(getEnvOrDefault("MAX_SESSIONS", "1000"))
	if err != nil {
		errs = append(errs, fmt.Errorf("MAX_SESSIONS: invalid integer: %w", err))
	} else {
		cfg.MaxSessions = maxSessions
	}

	presets, err := ParsePresets(getEnvOrDefault("TIP_PRESETS", DefaultPresets))
	if err != nil {
		errs = append(errs, fmt.Errorf("TIP_PRESETS: %w", err))
	} else {
		cfg.Presets = presets
	}

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

	if c.RecipientAddress == "" {
		errs = append(errs, fmt.Errorf("RecipientAddress is required"))
	} else if _, err := solana.PublicKeyFromBase58(c.RecipientAddress); err != nil {
		errs = append(errs, fmt.Errorf("RecipientAddress is not a valid public key: %w", err))
	}

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURLs is required"))
	}
	for _, rpcURL := range c.SolanaRPCURLs {
		if err := validateURL("SolanaRPCURL", rpcURL); err != nil {
			errs = append(errs, err)
		}
	}
	if err := validateURL("WalletBridgeURL", c.WalletBridgeURL); err != nil {
		errs = append(errs, err)
	}
	if err := validateURL("ExplorerBaseURL", c.ExplorerBaseURL); err != nil {
		errs = append(errs, err)
	}

	if c.FeeMode != FeeModePaymaster && c.FeeMode != FeeModeUser {
		errs = append(errs, fmt.Errorf("FeeMode must be %q or %q", FeeModePaymaster, FeeModeUser))
	}

	if c.FeeMode == FeeModePaymaster {
		if err := validateURL("PaymasterURL", c.PaymasterURL); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.SolanaCluster {
	case "devnet", "testnet", "mainnet-beta":
	default:
		errs = append(errs, fmt.Errorf("SolanaCluster must be one of devnet, testnet, mainnet-beta"))
	}

	if c.BalancePollInterval < time.Second {
		errs = append(errs, fmt.Errorf("BalancePollInterval must be at least 1 second"))
	}

	if len(c.Presets) == 0 {
		errs = append(errs, fmt.Errorf("at least one preset is required"))
	}

	if c.SessionIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("SessionIdleTimeout must not be negative"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("MaxSessions must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// ParsePresets parses a comma separated list of amount:label pairs.
// The label is optional and defaults to "<amount> SOL".
func ParsePresets(value string) ([]Preset, error) {
	var presets []Preset
	seen := make(map[float64]struct{})

	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		amountStr, label, _ := strings.Cut(item, ":")
		amount, err := strconv.ParseFloat(strings.TrimSpace(amountStr), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", amountStr, err)
		}
		if amount <= 0 {
			return nil, fmt.Errorf("amount %q must be positive", amountStr)
		}
		if _, dup := seen[amount]; dup {
			return nil, fmt.Errorf("duplicate amount %q", amountStr)
		}
		seen[amount] = struct{}{}

		label = strings.TrimSpace(label)
		if label == "" {
			label = strconv.FormatFloat(amount, 'f', -1, 64) + " SOL"
		}

		presets = append(presets, Preset{Amount: amount, Label: label})
	}

	if len(presets) == 0 {
		return nil, fmt.Errorf("no presets configured")
	}

	return presets, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validateURL(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, value)
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

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Fantasim/stablewatch/internal/models"
)

// Config holds all stablewatch configuration loaded from environment variables.
type Config struct {
	DBPath   string `envconfig:"SW_DB_PATH" default:"./data/stablewatch.sqlite"`
	Port     int    `envconfig:"SW_PORT" default:"8085"`
	LogLevel string `envconfig:"SW_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"SW_LOG_DIR" default:"./logs"`

	APIKey       string `envconfig:"SW_API_KEY" required:"true"`
	SharedSecret string `envconfig:"SW_SHARED_SECRET" required:"true"`
	MnemonicFile string `envconfig:"SW_MNEMONIC_FILE" required:"true"`
	KeySecret    string `envconfig:"SW_KEY_SECRET" required:"true"`

	WatchDuration         time.Duration   `envconfig:"SW_WATCH_DURATION" default:"1h"`
	RequiredConfirmations int             `envconfig:"SW_REQUIRED_CONFIRMATIONS" default:"5"`
	PollInterval          time.Duration   `envconfig:"SW_POLL_INTERVAL" default:"30s"`
	ScanWindowBlocks      uint64          `envconfig:"SW_SCAN_WINDOW_BLOCKS" default:"1000"`
	CallbackRetryDelays   []time.Duration `envconfig:"SW_CALLBACK_RETRY_DELAYS" default:"0s,1s,5s,15s"`
	CallbackExhaust       time.Duration   `envconfig:"SW_CALLBACK_EXHAUST" default:"3h"`
	MaintenanceInterval   time.Duration   `envconfig:"SW_MAINTENANCE_INTERVAL" default:"10m"`
	WatchFanout           int             `envconfig:"SW_WATCH_FANOUT" default:"8"`

	BatchMinSize   int           `envconfig:"SW_BATCH_MIN" default:"5"`
	BatchMaxSize   int           `envconfig:"SW_BATCH_MAX" default:"20"`
	BatchMaxWait   time.Duration `envconfig:"SW_BATCH_MAX_WAIT" default:"4h"`
	BatchInterval  time.Duration `envconfig:"SW_BATCH_INTERVAL" default:"5m"`
	GasInterval    time.Duration `envconfig:"SW_GAS_INTERVAL" default:"5m"`
	PriorityChains []string      `envconfig:"SW_PRIORITY_CHAINS"`

	EthereumRPCURL string `envconfig:"SW_ETHEREUM_RPC_URL" default:"https://eth.llamarpc.com"`
	BSCRPCURL      string `envconfig:"SW_BSC_RPC_URL" default:"https://bsc-dataseed.binance.org"`
	PolygonRPCURL  string `envconfig:"SW_POLYGON_RPC_URL" default:"https://polygon-rpc.com"`
	SolanaRPCURL   string `envconfig:"SW_SOLANA_RPC_URL" default:"https://api.mainnet-beta.solana.com"`
	TronAPIURL     string `envconfig:"SW_TRON_API_URL" default:"https://api.trongrid.io"`
	TronAPIKey     string `envconfig:"SW_TRON_API_KEY"`

	CustodyEthereum string `envconfig:"SW_CUSTODY_ETHEREUM"`
	CustodyBSC      string `envconfig:"SW_CUSTODY_BSC"`
	CustodyPolygon  string `envconfig:"SW_CUSTODY_POLYGON"`
	CustodySolana   string `envconfig:"SW_CUSTODY_SOLANA"`
	CustodyTron     string `envconfig:"SW_CUSTODY_TRON"`

	// Derivation index of the dedicated gas-fee wallet per chain family.
	// Gas for sweeps is paid from these, never from user wallets.
	GasWalletEthereum int `envconfig:"SW_GAS_WALLET_ETHEREUM" default:"0"`
	GasWalletBSC      int `envconfig:"SW_GAS_WALLET_BSC" default:"0"`
	GasWalletPolygon  int `envconfig:"SW_GAS_WALLET_POLYGON" default:"0"`
	GasWalletSolana   int `envconfig:"SW_GAS_WALLET_SOLANA" default:"0"`
	GasWalletTron     int `envconfig:"SW_GAS_WALLET_TRON" default:"0"`

	// Per-chain "cheap gas" thresholds in the chain's native fee unit
	// (gwei for EVM chains, lamports for Solana, sun for Tron).
	GasThresholdEthereum string `envconfig:"SW_GAS_THRESHOLD_ETHEREUM" default:"20"`
	GasThresholdBSC      string `envconfig:"SW_GAS_THRESHOLD_BSC" default:"3"`
	GasThresholdPolygon  string `envconfig:"SW_GAS_THRESHOLD_POLYGON" default:"50"`
	GasThresholdSolana   string `envconfig:"SW_GAS_THRESHOLD_SOLANA" default:"5000"`
	GasThresholdTron     string `envconfig:"SW_GAS_THRESHOLD_TRON" default:"420"`
}

// Load reads configuration from .env file (if present) then from environment variables.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			slog.Warn("failed to load .env file", "error", err)
		} else {
			slog.Info("loaded .env file")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid config: port must be 1-65535, got %d", c.Port)
	}
	if c.RequiredConfirmations < 1 {
		return fmt.Errorf("invalid config: SW_REQUIRED_CONFIRMATIONS must be >= 1, got %d", c.RequiredConfirmations)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("invalid config: SW_POLL_INTERVAL must be >= 1s, got %s", c.PollInterval)
	}
	if c.WatchFanout < 1 {
		return fmt.Errorf("invalid config: SW_WATCH_FANOUT must be >= 1, got %d", c.WatchFanout)
	}
	if c.BatchMaxSize < c.BatchMinSize {
		return fmt.Errorf("invalid config: SW_BATCH_MAX (%d) must be >= SW_BATCH_MIN (%d)", c.BatchMaxSize, c.BatchMinSize)
	}
	if len(c.CallbackRetryDelays) == 0 {
		return fmt.Errorf("invalid config: SW_CALLBACK_RETRY_DELAYS must not be empty")
	}
	for _, pc := range c.PriorityChains {
		if !models.Chain(pc).Valid() {
			return fmt.Errorf("invalid config: unknown priority chain %q", pc)
		}
	}
	return nil
}

// CustodyAddress returns the custody address configured for a chain.
func (c *Config) CustodyAddress(chain models.Chain) string {
	switch chain {
	case models.ChainEthereum:
		return c.CustodyEthereum
	case models.ChainBSC, models.ChainBUSD:
		return c.CustodyBSC
	case models.ChainPolygon:
		return c.CustodyPolygon
	case models.ChainSolana:
		return c.CustodySolana
	case models.ChainTron:
		return c.CustodyTron
	}
	return ""
}

// GasWalletIndex returns the derivation index of the gas-fee wallet for a chain.
func (c *Config) GasWalletIndex(chain models.Chain) int {
	switch chain {
	case models.ChainEthereum:
		return c.GasWalletEthereum
	case models.ChainBSC, models.ChainBUSD:
		return c.GasWalletBSC
	case models.ChainPolygon:
		return c.GasWalletPolygon
	case models.ChainSolana:
		return c.GasWalletSolana
	case models.ChainTron:
		return c.GasWalletTron
	}
	return 0
}

// GasThreshold returns the "cheap gas" threshold for a chain as a decimal string.
func (c *Config) GasThreshold(chain models.Chain) string {
	switch chain {
	case models.ChainEthereum:
		return c.GasThresholdEthereum
	case models.ChainBSC, models.ChainBUSD:
		return c.GasThresholdBSC
	case models.ChainPolygon:
		return c.GasThresholdPolygon
	case models.ChainSolana:
		return c.GasThresholdSolana
	case models.ChainTron:
		return c.GasThresholdTron
	}
	return "0"
}

// IsPriority reports whether sweeps on this chain bypass batch triggers.
func (c *Config) IsPriority(chain models.Chain) bool {
	for _, pc := range c.PriorityChains {
		if models.Chain(pc) == chain {
			return true
		}
	}
	return false
}

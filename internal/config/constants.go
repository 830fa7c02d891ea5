package config

import "time"

// Product
const (
	ProductName    = "stablewatch"
	ProductVersion = "1.2.0"
	UserAgent      = ProductName + "/" + ProductVersion
)

// Token Contract Addresses - USDT
const (
	EthereumUSDTContract = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
	BSCUSDTContract      = "0x55d398326f99059fF775485246999027B3197955"
	PolygonUSDTContract  = "0xc2132D05D31c914a87C6611C10748AEb04B58e8F"
	SolanaUSDTMint       = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
	TronUSDTContract     = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
)

// Token Contract Addresses - BUSD on BSC
const (
	BSCBUSDContract = "0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56"
)

// EVM Chain IDs
const (
	EthereumChainID = 1
	BSCChainID      = 56
	PolygonChainID  = 137
)

// BIP-44 Derivation
const (
	BIP44Purpose = 44
	EVMCoinType  = 60  // m/44'/60'/0'/0/N
	SOLCoinType  = 501 // m/44'/501'/N'
	TronCoinType = 195 // m/44'/195'/0'/0/N
)

// Chain RPC
const (
	RPCTimeout              = 15 * time.Second
	HTTPMaxConnsPerHost     = 10
	HTTPMaxIdleConns        = 20
	HTTPMaxIdleConnsPerHost = 5
)

// Rate Limiting (requests per second)
const (
	RateLimitEVMRPC    = 10
	RateLimitSolanaRPC = 10
	RateLimitTronGrid  = 5
	RateLimitCallback  = 5 // per callback host
)

// Circuit Breaker
const (
	CircuitBreakerThreshold   = 5
	CircuitBreakerCooldown    = 30 * time.Second
	CircuitBreakerHalfOpenMax = 1
)

// Circuit Breaker States
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// Callbacks
const (
	CallbackTimeout       = 15 * time.Second
	HealthProbeTimeout    = 5 * time.Second
	SignatureHeader       = "X-Wallet-API-Signature"
	SignaturePrefix       = "sha256="
	CallbackOKMarker      = "ok"
)

// Sweeps
const (
	EVMGasLimitTransfer = 21_000
	EVMGasLimitERC20    = 65_000
	// Suggested gas price is buffered by 20% before signing.
	GasPriceBufferNumerator   = 120
	GasPriceBufferDenominator = 100
	ReceiptPollInterval       = 3 * time.Second
	ReceiptPollTimeout        = 2 * time.Minute
	TronFeeLimitSun           = 40_000_000 // 40 TRX ceiling per TRC-20 transfer
	// Batch items stuck in EXECUTING longer than this are re-queued by maintenance.
	BatchStuckHorizon = 1 * time.Hour
	// Period key for grouping batch items: floor(hour/2).
	BatchPeriodHours = 2
)

// Gas Monitor
const (
	GasSampleRetention = 24 * time.Hour
)

// Database
const (
	DBBusyTimeout = 5000 // milliseconds
)

// Server
const (
	ServerReadTimeout  = 30 * time.Second
	ServerWriteTimeout = 60 * time.Second
	ShutdownTimeout    = 10 * time.Second
)

// Logging
const (
	LogFilePattern = "stablewatch-%s.log" // %s = YYYY-MM-DD
	LogFilePrefix  = "stablewatch-"
	LogMaxAgeDays  = 30
)

// API Error Codes
const (
	ErrorInvalidRequest = "INVALID_REQUEST"
	ErrorInvalidChain   = "INVALID_CHAIN"
	ErrorInvalidAmount  = "INVALID_AMOUNT"
	ErrorWatchNotFound  = "WATCH_NOT_FOUND"
	ErrorWatchNotActive = "WATCH_NOT_ACTIVE"
	ErrorUnauthorized   = "UNAUTHORIZED"
	ErrorDatabase       = "DATABASE_ERROR"
	ErrorInternal       = "INTERNAL_ERROR"
)

package models

// Chain identifies one supported blockchain. The value "busd" denotes the
// BUSD token on BSC and shares BSC's RPC surface.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBSC      Chain = "bsc"
	ChainPolygon  Chain = "polygon"
	ChainSolana   Chain = "solana"
	ChainTron     Chain = "tron"
	ChainBUSD     Chain = "busd"
)

// Chains lists every enabled chain in a stable order.
var Chains = []Chain{ChainEthereum, ChainBSC, ChainPolygon, ChainSolana, ChainTron, ChainBUSD}

// Valid reports whether c is one of the enabled chains.
func (c Chain) Valid() bool {
	switch c {
	case ChainEthereum, ChainBSC, ChainPolygon, ChainSolana, ChainTron, ChainBUSD:
		return true
	}
	return false
}

// Token returns the stablecoin watched on this chain.
func (c Chain) Token() string {
	if c == ChainBUSD {
		return "BUSD"
	}
	return "USDT"
}

// Decimals returns the canonical token decimals for this chain.
// USDT/BUSD are 18 on BSC and 6 everywhere else.
func (c Chain) Decimals() int {
	switch c {
	case ChainBSC, ChainBUSD:
		return 18
	default:
		return 6
	}
}

// WalletStatus represents the lifecycle state of a receiving address.
type WalletStatus string

const (
	WalletUnused  WalletStatus = "UNUSED"
	WalletPending WalletStatus = "PENDING"
	WalletUsed    WalletStatus = "USED"
	WalletFailed  WalletStatus = "FAILED"
)

// WatchStatus represents the state of a deposit watch.
type WatchStatus string

const (
	WatchActive    WatchStatus = "ACTIVE"
	WatchConfirmed WatchStatus = "CONFIRMED"
	WatchExpired   WatchStatus = "EXPIRED"
	WatchInactive  WatchStatus = "INACTIVE"
)

// Terminal reports whether the status is a terminal state.
func (s WatchStatus) Terminal() bool {
	return s == WatchConfirmed || s == WatchExpired || s == WatchInactive
}

// DepositStatus represents the confirmation state of a detected deposit.
type DepositStatus string

const (
	DepositPending   DepositStatus = "PENDING"
	DepositConfirmed DepositStatus = "CONFIRMED"
	DepositFailed    DepositStatus = "FAILED"
)

// BatchState represents the sweep state of a queued batch item.
type BatchState string

const (
	BatchQueued    BatchState = "QUEUED"
	BatchExecuting BatchState = "EXECUTING"
	BatchDone      BatchState = "DONE"
	BatchFailed    BatchState = "FAILED"
)

// Wallet is a derived receiving address bound to one user on one chain.
// The private key is stored encrypted; only the sweep path ever opens it.
type Wallet struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	Chain           Chain        `json:"chain"`
	Address         string       `json:"address"`
	EncryptedKey    string       `json:"-"`
	DerivationIndex int          `json:"derivation_index"`
	Status          WalletStatus `json:"status"`
	CreatedAt       string       `json:"created_at"`
	UpdatedAt       string       `json:"updated_at"`
}

// Watch is a bounded-lifetime subscription to the event "address receives
// expectedAmount of token before expiresAt".
type Watch struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"user_id"`
	WalletID            string      `json:"wallet_id"`
	Address             string      `json:"address"`
	Chain               Chain       `json:"chain"`
	Token               string      `json:"token"`
	ExpectedAmount      string      `json:"expected_amount"`
	Status              WatchStatus `json:"status"`
	ExpiresAt           string      `json:"expires_at"`
	CreatedAt           string      `json:"created_at"`
	LastCheckedAt       *string     `json:"last_checked_at,omitempty"`
	Confirmations       int         `json:"confirmations"`
	TxHash              *string     `json:"tx_hash,omitempty"`
	ActualAmount        *string     `json:"actual_amount,omitempty"`
	CallbackURL         *string     `json:"callback_url,omitempty"`
	PaymentID           *string     `json:"payment_id,omitempty"`
	CallbackSent        bool        `json:"callback_sent"`
	CallbackAttempts    int         `json:"callback_attempts"`
	LastCallbackAttempt *string     `json:"last_callback_attempt,omitempty"`
	LastScannedHeight   uint64      `json:"last_scanned_height"`
	EvidenceHeight      uint64      `json:"evidence_height"`
}

// HasEvidence reports whether deposit evidence has been recorded for this watch.
func (w *Watch) HasEvidence() bool {
	return w.TxHash != nil && w.ActualAmount != nil
}

// Deposit is the archival record of one observed incoming transfer.
// UNIQUE(chain, tx_hash) prevents double-credit across overlapping scans.
type Deposit struct {
	ID        int           `json:"id"`
	Chain     Chain         `json:"chain"`
	TxHash    string        `json:"tx_hash"`
	WalletID  string        `json:"wallet_id"`
	WatchID   string        `json:"watch_id"`
	Token     string        `json:"token"`
	Amount    string        `json:"amount"`
	Height    uint64        `json:"height"`
	Status    DepositStatus `json:"status"`
	CreatedAt string        `json:"created_at"`
}

// BatchItem is one confirmed deposit queued for sweeping to custody.
type BatchItem struct {
	ID         string     `json:"id"`
	WatchID    string     `json:"watch_id"`
	Chain      Chain      `json:"chain"`
	UserID     string     `json:"user_id"`
	Amount     string     `json:"amount"`
	State      BatchState `json:"state"`
	CreatedAt  string     `json:"created_at"`
	ExecutedAt *string    `json:"executed_at,omitempty"`
	TxHash     *string    `json:"tx_hash,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// APIResponse is the standard API response wrapper.
type APIResponse struct {
	Data interface{} `json:"data,omitempty"`
}

// APIError is the standard error response.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail contains error code and message.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WatchFilters contains filter parameters for listing watches.
type WatchFilters struct {
	UserID *string
	Status *WatchStatus
	Chain  *Chain
}

package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/keys"
	"github.com/Fantasim/stablewatch/internal/models"
)

// TokenTransfer is one incoming stablecoin transfer observed on chain.
type TokenTransfer struct {
	TxHash string
	Amount *big.Int // base units
	Height uint64
}

// FeeData is a point-in-time fee estimate in the chain's native fee unit
// (wei, lamports, sun).
type FeeData struct {
	Slow      *big.Int
	Standard  *big.Int
	Fast      *big.Int
	Instant   *big.Int
	SampledAt time.Time
}

// SendReceipt is the outcome of a broadcast and mined token transfer.
type SendReceipt struct {
	TxHash  string
	GasUsed uint64
}

// Adapter is the per-chain surface the engine and sweep scheduler talk to.
// One adapter instance serves one (chain, token) pair.
type Adapter interface {
	Chain() models.Chain

	// CurrentHeight returns the chain tip (block number or slot).
	CurrentHeight(ctx context.Context) (uint64, error)

	// TokenBalance returns the watched token balance of an address in base units.
	TokenBalance(ctx context.Context, address string) (*big.Int, error)

	// NativeBalance returns the gas-currency balance of an address.
	NativeBalance(ctx context.Context, address string) (*big.Int, error)

	// ScanTokenTransfers lists incoming token transfers to an address with
	// heights in (fromHeight, toHeight].
	ScanTokenTransfers(ctx context.Context, address string, fromHeight, toHeight uint64) ([]TokenTransfer, error)

	// SendToken moves amount base units of the token from the key's address
	// to the destination and waits for inclusion.
	SendToken(ctx context.Context, from *keys.Key, fromAddress, to string, amount *big.Int) (*SendReceipt, error)

	// FeeData samples the current fee market.
	FeeData(ctx context.Context) (*FeeData, error)
}

// Registry holds one adapter per chain.
type Registry struct {
	adapters map[models.Chain]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Chain]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Chain()] = a
}

// Get returns the adapter for a chain or an error when none is configured.
func (r *Registry) Get(chain models.Chain) (Adapter, error) {
	a, ok := r.adapters[chain]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for chain %s: %w", chain, config.ErrValidation)
	}
	return a, nil
}

// Chains lists the chains with a registered adapter.
func (r *Registry) Chains() []models.Chain {
	out := make([]models.Chain, 0, len(r.adapters))
	for _, c := range models.Chains {
		if _, ok := r.adapters[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// newHTTPClient builds the pooled HTTP client shared by the non-EVM adapters.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: config.RPCTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        config.HTTPMaxIdleConns,
			MaxIdleConnsPerHost: config.HTTPMaxIdleConnsPerHost,
			MaxConnsPerHost:     config.HTTPMaxConnsPerHost,
		},
	}
}

// transientErr marks a provider failure the engine should retry next tick.
func transientErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", config.ErrChainTransient, fmt.Sprintf(format, args...))
}

// permanentErr marks a failure that retrying will not fix.
func permanentErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", config.ErrChainPermanent, fmt.Sprintf(format, args...))
}

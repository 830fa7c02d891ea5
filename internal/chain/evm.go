package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/keys"
	"github.com/Fantasim/stablewatch/internal/models"
)

// erc20TransferMethodID is the 4-byte selector for transfer(address,uint256).
const erc20TransferMethodID = "a9059cbb"

// erc20BalanceOfMethodID is the 4-byte selector for balanceOf(address).
const erc20BalanceOfMethodID = "70a08231"

var erc20TransferSelector = func() []byte {
	b, _ := hex.DecodeString(erc20TransferMethodID)
	return b
}()

var erc20BalanceOfSelector = func() []byte {
	b, _ := hex.DecodeString(erc20BalanceOfMethodID)
	return b
}()

// transferEventTopic is keccak256("Transfer(address,address,uint256)").
var transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EncodeERC20Transfer encodes an ERC-20 transfer(address,uint256) call.
// Returns 68 bytes: 4-byte selector + 32-byte padded address + 32-byte padded amount.
func EncodeERC20Transfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// BufferedGasPrice applies the 20% gas price buffer to a suggested price.
func BufferedGasPrice(suggested *big.Int) *big.Int {
	buffered := new(big.Int).Mul(suggested, big.NewInt(config.GasPriceBufferNumerator))
	return buffered.Div(buffered, big.NewInt(config.GasPriceBufferDenominator))
}

// evmClient is the subset of ethclient used by the adapter. Narrowed for
// mocking in tests.
type evmClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMAdapter watches and sweeps one ERC-20 token on one EVM chain. The same
// implementation serves ethereum, bsc, polygon and busd with different
// contract addresses and chain IDs.
type EVMAdapter struct {
	chain   models.Chain
	client  evmClient
	token   common.Address
	chainID *big.Int
	guard   *Guard

	// gas-fee wallet used to top up deposit wallets before a sweep
	gasKey     *keys.Key
	gasAddress common.Address
}

// NewEVMAdapter dials the RPC endpoint and builds the adapter.
func NewEVMAdapter(chain models.Chain, rpcURL, tokenContract string, chainID int64, gasKey *keys.Key, gasAddress string) (*EVMAdapter, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", chain, err)
	}

	slog.Info("evm adapter created",
		"chain", chain,
		"token", tokenContract,
		"chainID", chainID,
	)

	return &EVMAdapter{
		chain:      chain,
		client:     client,
		token:      common.HexToAddress(tokenContract),
		chainID:    big.NewInt(chainID),
		guard:      NewGuard(string(chain)+"-rpc", config.RateLimitEVMRPC),
		gasKey:     gasKey,
		gasAddress: common.HexToAddress(gasAddress),
	}, nil
}

func (a *EVMAdapter) Chain() models.Chain { return a.chain }

// Breaker exposes the provider guard for the health surface.
func (a *EVMAdapter) Breaker() *Guard { return a.guard }

func (a *EVMAdapter) CurrentHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		h, err := a.client.BlockNumber(ctx)
		if err != nil {
			return transientErr("%s block number: %s", a.chain, err)
		}
		height = h
		return nil
	})
	return height, err
}

func (a *EVMAdapter) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	var balance *big.Int
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		b, err := a.client.BalanceAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			return transientErr("%s native balance for %s: %s", a.chain, address, err)
		}
		balance = b
		return nil
	})
	return balance, err
}

func (a *EVMAdapter) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, erc20BalanceOfSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)

	var balance *big.Int
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		result, err := a.client.CallContract(ctx, ethereum.CallMsg{
			To:   &a.token,
			Data: data,
		}, nil)
		if err != nil {
			return transientErr("%s balanceOf for %s: %s", a.chain, address, err)
		}
		if len(result) < 32 {
			return permanentErr("%s balanceOf returned %d bytes, expected 32", a.chain, len(result))
		}
		balance = new(big.Int).SetBytes(result[:32])
		return nil
	})
	return balance, err
}

// ScanTokenTransfers filters Transfer events on the token contract addressed
// to the watched wallet within (fromHeight, toHeight].
func (a *EVMAdapter) ScanTokenTransfers(ctx context.Context, address string, fromHeight, toHeight uint64) ([]TokenTransfer, error) {
	if toHeight <= fromHeight {
		return nil, nil
	}

	recipient := common.HexToAddress(address)
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromHeight + 1),
		ToBlock:   new(big.Int).SetUint64(toHeight),
		Addresses: []common.Address{a.token},
		Topics: [][]common.Hash{
			{transferEventTopic},
			nil, // any sender
			{common.BytesToHash(common.LeftPadBytes(recipient.Bytes(), 32))},
		},
	}

	var logs []types.Log
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		l, err := a.client.FilterLogs(ctx, query)
		if err != nil {
			return transientErr("%s filter transfer logs for %s: %s", a.chain, address, err)
		}
		logs = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	transfers := make([]TokenTransfer, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Data) < 32 {
			continue
		}
		transfers = append(transfers, TokenTransfer{
			TxHash: lg.TxHash.Hex(),
			Amount: new(big.Int).SetBytes(lg.Data[:32]),
			Height: lg.BlockNumber,
		})
	}

	slog.Debug("evm transfers scanned",
		"chain", a.chain,
		"address", address,
		"fromHeight", fromHeight,
		"toHeight", toHeight,
		"count", len(transfers),
	)
	return transfers, nil
}

// FeeData derives fee tiers from the node's suggested gas price.
func (a *EVMAdapter) FeeData(ctx context.Context) (*FeeData, error) {
	var suggested *big.Int
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		s, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return transientErr("%s suggest gas price: %s", a.chain, err)
		}
		suggested = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	scale := func(num int64) *big.Int {
		v := new(big.Int).Mul(suggested, big.NewInt(num))
		return v.Div(v, big.NewInt(100))
	}
	return &FeeData{
		Slow:      scale(80),
		Standard:  new(big.Int).Set(suggested),
		Fast:      scale(120),
		Instant:   scale(150),
		SampledAt: time.Now().UTC(),
	}, nil
}

// SendToken transfers tokens from the deposit wallet to the destination,
// topping up gas from the gas-fee wallet when the wallet cannot cover the
// transfer fee itself.
func (a *EVMAdapter) SendToken(ctx context.Context, from *keys.Key, fromAddress, to string, amount *big.Int) (*SendReceipt, error) {
	if from == nil || from.ECDSA == nil {
		return nil, permanentErr("%s send: missing ecdsa key", a.chain)
	}

	fromAddr := common.HexToAddress(fromAddress)
	derived := crypto.PubkeyToAddress(from.ECDSA.PublicKey)
	if derived != fromAddr {
		return nil, permanentErr("%s send: key does not match address %s (derived %s)", a.chain, fromAddress, derived.Hex())
	}

	gasPrice, err := a.suggestBufferedGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gasCost := new(big.Int).Mul(gasPrice, big.NewInt(config.EVMGasLimitERC20))

	balance, err := a.NativeBalance(ctx, fromAddress)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(gasCost) < 0 {
		if err := a.topUpGas(ctx, fromAddr, gasCost, gasPrice); err != nil {
			return nil, err
		}
	}

	nonce, err := a.pendingNonce(ctx, fromAddr)
	if err != nil {
		return nil, err
	}

	dest := common.HexToAddress(to)
	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &a.token,
		Value:    big.NewInt(0),
		Gas:      config.EVMGasLimitERC20,
		GasPrice: gasPrice,
		Data:     EncodeERC20Transfer(dest, amount),
	})

	signed, err := types.SignTx(unsigned, types.NewEIP155Signer(a.chainID), from.ECDSA)
	if err != nil {
		return nil, permanentErr("%s sign token transfer: %s", a.chain, err)
	}

	slog.Info("evm token transfer broadcasting",
		"chain", a.chain,
		"from", fromAddress,
		"to", to,
		"amount", amount.String(),
		"nonce", nonce,
	)

	if err := a.sendTransaction(ctx, signed); err != nil {
		return nil, err
	}

	receipt, err := a.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}

	slog.Info("evm token transfer confirmed",
		"chain", a.chain,
		"txHash", signed.Hash().Hex(),
		"block", receipt.BlockNumber,
		"gasUsed", receipt.GasUsed,
	)
	return &SendReceipt{TxHash: signed.Hash().Hex(), GasUsed: receipt.GasUsed}, nil
}

// topUpGas sends the full transfer fee from the gas-fee wallet to the deposit
// wallet and waits for it to mine.
func (a *EVMAdapter) topUpGas(ctx context.Context, target common.Address, gasCost, gasPrice *big.Int) error {
	if a.gasKey == nil || a.gasKey.ECDSA == nil {
		return permanentErr("%s top-up: no gas wallet configured", a.chain)
	}

	topUpCost := new(big.Int).Mul(gasPrice, big.NewInt(config.EVMGasLimitTransfer))
	gasBalance, err := a.NativeBalance(ctx, a.gasAddress.Hex())
	if err != nil {
		return err
	}
	needed := new(big.Int).Add(gasCost, topUpCost)
	if gasBalance.Cmp(needed) < 0 {
		return transientErr("%s top-up: gas wallet balance %s below needed %s", a.chain, gasBalance, needed)
	}

	nonce, err := a.pendingNonce(ctx, a.gasAddress)
	if err != nil {
		return err
	}

	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &target,
		Value:    gasCost,
		Gas:      config.EVMGasLimitTransfer,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(unsigned, types.NewEIP155Signer(a.chainID), a.gasKey.ECDSA)
	if err != nil {
		return permanentErr("%s sign gas top-up: %s", a.chain, err)
	}

	slog.Info("evm gas top-up broadcasting",
		"chain", a.chain,
		"target", target.Hex(),
		"amount", gasCost.String(),
	)

	if err := a.sendTransaction(ctx, signed); err != nil {
		return err
	}
	if _, err := a.waitForReceipt(ctx, signed.Hash()); err != nil {
		return err
	}
	return nil
}

func (a *EVMAdapter) suggestBufferedGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		suggested, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return transientErr("%s suggest gas price: %s", a.chain, err)
		}
		price = BufferedGasPrice(suggested)
		return nil
	})
	return price, err
}

func (a *EVMAdapter) pendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var nonce uint64
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		n, err := a.client.PendingNonceAt(ctx, addr)
		if err != nil {
			return transientErr("%s pending nonce for %s: %s", a.chain, addr.Hex(), err)
		}
		nonce = n
		return nil
	})
	return nonce, err
}

func (a *EVMAdapter) sendTransaction(ctx context.Context, tx *types.Transaction) error {
	return a.guard.Do(ctx, func(ctx context.Context) error {
		if err := a.client.SendTransaction(ctx, tx); err != nil {
			return transientErr("%s broadcast %s: %s", a.chain, tx.Hash().Hex(), err)
		}
		return nil
	})
}

// waitForReceipt polls for a receipt until mined, reverted, or timeout.
func (a *EVMAdapter) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	pollCtx, cancel := context.WithTimeout(ctx, config.ReceiptPollTimeout)
	defer cancel()

	for {
		receipt, err := a.client.TransactionReceipt(pollCtx, txHash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, permanentErr("%s tx %s reverted in block %d", a.chain, txHash.Hex(), receipt.BlockNumber.Uint64())
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, transientErr("%s query receipt for %s: %s", a.chain, txHash.Hex(), err)
		}

		select {
		case <-pollCtx.Done():
			return nil, transientErr("%s tx %s not mined within timeout", a.chain, txHash.Hex())
		case <-time.After(config.ReceiptPollInterval):
		}
	}
}

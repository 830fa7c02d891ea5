package chain

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/mr-tron/base58"

	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/keys"
	"github.com/Fantasim/stablewatch/internal/models"
)

// splTokenProgram is the SPL Token program ID.
const splTokenProgram = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// splTransferInstruction is the SPL Token Transfer instruction index.
const splTransferInstruction = 3

// solBaseFeeLamports is the flat per-signature fee.
const solBaseFeeLamports = 5000

// solSignaturePageSize caps getSignaturesForAddress pages per scan.
const solSignaturePageSize = 25

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Error   *rpcError       `json:"error,omitempty"`
	Result  json.RawMessage `json:"result"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type signatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Err       any    `json:"err"`
}

type transactionResult struct {
	Slot uint64 `json:"slot"`
	Meta txMeta `json:"meta"`
}

type txMeta struct {
	Err               any               `json:"err"`
	Fee               uint64            `json:"fee"`
	PreTokenBalances  []solTokenBalance `json:"preTokenBalances"`
	PostTokenBalances []solTokenBalance `json:"postTokenBalances"`
}

type solTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"` // raw integer string
		Decimals int    `json:"decimals"`
	} `json:"uiTokenAmount"`
}

type signatureStatusesResult struct {
	Value []*struct {
		Slot               uint64 `json:"slot"`
		Err                any    `json:"err"`
		ConfirmationStatus string `json:"confirmationStatus"`
	} `json:"value"`
}

type tokenAccountsResult struct {
	Value []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount string `json:"amount"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// SolanaAdapter watches and sweeps an SPL token via raw Solana JSON-RPC.
// The configured custody destination must be an SPL token account for the
// watched mint, not a wallet address.
type SolanaAdapter struct {
	client *http.Client
	rpcURL string
	mint   string
	guard  *Guard
}

func NewSolanaAdapter(rpcURL, mint string) *SolanaAdapter {
	slog.Info("solana adapter created", "rpcURL", rpcURL, "mint", mint)
	return &SolanaAdapter{
		client: newHTTPClient(),
		rpcURL: rpcURL,
		mint:   mint,
		guard:  NewGuard("solana-rpc", config.RateLimitSolanaRPC),
	}
}

func (a *SolanaAdapter) Chain() models.Chain { return models.ChainSolana }

// Breaker exposes the provider guard for the health surface.
func (a *SolanaAdapter) Breaker() *Guard { return a.guard }

func (a *SolanaAdapter) CurrentHeight(ctx context.Context) (uint64, error) {
	var slot uint64
	err := a.call(ctx, "getSlot", []any{map[string]any{"commitment": "finalized"}}, &slot)
	return slot, err
}

func (a *SolanaAdapter) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := a.call(ctx, "getBalance", []any{address}, &result); err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(result.Value), nil
}

// TokenBalance sums the mint balance across the owner's token accounts.
func (a *SolanaAdapter) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	accounts, err := a.tokenAccounts(ctx, address)
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, acc := range accounts.Value {
		v, ok := new(big.Int).SetString(acc.Account.Data.Parsed.Info.TokenAmount.Amount, 10)
		if ok {
			total.Add(total, v)
		}
	}
	return total, nil
}

// ScanTokenTransfers walks recent signatures for the owner and extracts
// incoming mint transfers from pre/post token balance deltas. Slots outside
// (fromHeight, toHeight] are skipped.
func (a *SolanaAdapter) ScanTokenTransfers(ctx context.Context, address string, fromHeight, toHeight uint64) ([]TokenTransfer, error) {
	var sigs []signatureInfo
	params := []any{address, map[string]any{
		"limit":      solSignaturePageSize,
		"commitment": "finalized",
	}}
	if err := a.call(ctx, "getSignaturesForAddress", params, &sigs); err != nil {
		return nil, err
	}

	var transfers []TokenTransfer
	for _, sig := range sigs {
		if sig.Err != nil || sig.Slot <= fromHeight || sig.Slot > toHeight {
			continue
		}

		amount, err := a.incomingTokenDelta(ctx, sig.Signature, address)
		if err != nil {
			slog.Warn("solana failed to parse transaction, skipping",
				"signature", sig.Signature,
				"error", err,
			)
			continue
		}
		if amount == nil || amount.Sign() <= 0 {
			continue
		}

		transfers = append(transfers, TokenTransfer{
			TxHash: sig.Signature,
			Amount: amount,
			Height: sig.Slot,
		})
	}

	slog.Debug("solana transfers scanned",
		"address", address,
		"fromHeight", fromHeight,
		"toHeight", toHeight,
		"count", len(transfers),
	)
	return transfers, nil
}

// incomingTokenDelta fetches one transaction and returns the owner's mint
// balance increase, or nil when the transaction did not credit the owner.
func (a *SolanaAdapter) incomingTokenDelta(ctx context.Context, signature, owner string) (*big.Int, error) {
	var tx *transactionResult
	params := []any{signature, map[string]any{
		"commitment":                     "finalized",
		"maxSupportedTransactionVersion": 0,
	}}
	if err := a.call(ctx, "getTransaction", params, &tx); err != nil {
		return nil, err
	}
	if tx == nil || tx.Meta.Err != nil {
		return nil, nil
	}

	type balanceKey struct {
		accountIndex int
		mint         string
	}
	pre := make(map[balanceKey]string)
	for _, tb := range tx.Meta.PreTokenBalances {
		pre[balanceKey{tb.AccountIndex, tb.Mint}] = tb.UITokenAmount.Amount
	}

	delta := new(big.Int)
	for _, tb := range tx.Meta.PostTokenBalances {
		if tb.Owner != owner || tb.Mint != a.mint {
			continue
		}

		post := new(big.Int)
		post.SetString(tb.UITokenAmount.Amount, 10)

		prev := new(big.Int)
		if p, ok := pre[balanceKey{tb.AccountIndex, tb.Mint}]; ok {
			prev.SetString(p, 10)
		}

		d := new(big.Int).Sub(post, prev)
		if d.Sign() > 0 {
			delta.Add(delta, d)
		}
	}
	return delta, nil
}

// FeeData reports the flat per-signature fee for every tier. Solana fees do
// not ride a gas market the way EVM fees do.
func (a *SolanaAdapter) FeeData(ctx context.Context) (*FeeData, error) {
	fee := big.NewInt(solBaseFeeLamports)
	return &FeeData{
		Slow:      fee,
		Standard:  new(big.Int).Set(fee),
		Fast:      new(big.Int).Set(fee),
		Instant:   new(big.Int).Set(fee),
		SampledAt: time.Now().UTC(),
	}, nil
}

// SendToken builds, signs and broadcasts an SPL transfer from the owner's
// token account to the destination token account, then waits for
// confirmation.
func (a *SolanaAdapter) SendToken(ctx context.Context, from *keys.Key, fromAddress, to string, amount *big.Int) (*SendReceipt, error) {
	if from == nil || len(from.Ed25519) == 0 {
		return nil, permanentErr("solana send: missing ed25519 key")
	}
	if !amount.IsUint64() {
		return nil, permanentErr("solana send: amount %s exceeds u64", amount.String())
	}

	owner := from.Ed25519.Public().(ed25519.PublicKey)
	if base58.Encode(owner) != fromAddress {
		return nil, permanentErr("solana send: key does not match address %s", fromAddress)
	}

	accounts, err := a.tokenAccounts(ctx, fromAddress)
	if err != nil {
		return nil, err
	}
	if len(accounts.Value) == 0 {
		return nil, permanentErr("solana send: %s holds no token account for mint %s", fromAddress, a.mint)
	}
	source := accounts.Value[0].Pubkey

	var blockhashResult struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := a.call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": "finalized"}}, &blockhashResult); err != nil {
		return nil, err
	}

	raw, err := buildSPLTransfer(owner, source, to, blockhashResult.Value.Blockhash, amount.Uint64(), from.Ed25519)
	if err != nil {
		return nil, permanentErr("solana send: %s", err)
	}

	var signature string
	params := []any{
		base64.StdEncoding.EncodeToString(raw),
		map[string]any{"encoding": "base64"},
	}
	if err := a.call(ctx, "sendTransaction", params, &signature); err != nil {
		return nil, err
	}

	slog.Info("solana token transfer broadcast",
		"signature", signature,
		"from", fromAddress,
		"dest", to,
		"amount", amount.String(),
	)

	if err := a.awaitConfirmation(ctx, signature); err != nil {
		return nil, err
	}
	return &SendReceipt{TxHash: signature, GasUsed: solBaseFeeLamports}, nil
}

// awaitConfirmation polls signature statuses until the transfer lands.
func (a *SolanaAdapter) awaitConfirmation(ctx context.Context, signature string) error {
	pollCtx, cancel := context.WithTimeout(ctx, config.ReceiptPollTimeout)
	defer cancel()

	for {
		var result signatureStatusesResult
		params := []any{[]string{signature}, map[string]any{"searchTransactionHistory": true}}
		if err := a.call(pollCtx, "getSignatureStatuses", params, &result); err != nil {
			return err
		}

		if len(result.Value) > 0 && result.Value[0] != nil {
			status := result.Value[0]
			if status.Err != nil {
				return permanentErr("solana tx %s failed on chain", signature)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				slog.Info("solana token transfer confirmed",
					"signature", signature,
					"slot", status.Slot,
				)
				return nil
			}
		}

		select {
		case <-pollCtx.Done():
			return transientErr("solana tx %s not confirmed within timeout", signature)
		case <-time.After(config.ReceiptPollInterval):
		}
	}
}

func (a *SolanaAdapter) tokenAccounts(ctx context.Context, owner string) (*tokenAccountsResult, error) {
	var result tokenAccountsResult
	params := []any{
		owner,
		map[string]any{"mint": a.mint},
		map[string]any{"encoding": "jsonParsed"},
	}
	if err := a.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// call sends a JSON-RPC request behind the guard and decodes the result field.
func (a *SolanaAdapter) call(ctx context.Context, method string, params []any, out any) error {
	return a.guard.Do(ctx, func(ctx context.Context) error {
		reqBody, err := json.Marshal(rpcRequest{
			JSONRPC: "2.0",
			ID:      1,
			Method:  method,
			Params:  params,
		})
		if err != nil {
			return permanentErr("solana marshal %s request: %s", method, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.rpcURL, bytes.NewReader(reqBody))
		if err != nil {
			return permanentErr("solana create %s request: %s", method, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", config.UserAgent)

		resp, err := a.client.Do(req)
		if err != nil {
			return transientErr("solana %s request: %s", method, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return transientErr("solana read %s response: %s", method, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return transientErr("solana %s rate limited (HTTP 429)", method)
		}
		if resp.StatusCode != http.StatusOK {
			return transientErr("solana %s status %d: %s", method, resp.StatusCode, string(respBody))
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			return transientErr("solana parse %s response: %s", method, err)
		}
		if rpcResp.Error != nil {
			return transientErr("solana %s rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}

		if out != nil {
			if err := json.Unmarshal(rpcResp.Result, out); err != nil {
				return transientErr("solana decode %s result: %s", method, err)
			}
		}
		return nil
	})
}

// buildSPLTransfer serializes a single-signer legacy transaction carrying one
// SPL Token Transfer instruction.
//
// Account layout: [owner (signer, writable), source (writable),
// dest (writable), token program (readonly)].
func buildSPLTransfer(owner ed25519.PublicKey, source, dest, recentBlockhash string, amount uint64, signer ed25519.PrivateKey) ([]byte, error) {
	sourceKey, err := base58.Decode(source)
	if err != nil {
		return nil, fmt.Errorf("decode source account: %w", err)
	}
	destKey, err := base58.Decode(dest)
	if err != nil {
		return nil, fmt.Errorf("decode destination account: %w", err)
	}
	programKey, err := base58.Decode(splTokenProgram)
	if err != nil {
		return nil, fmt.Errorf("decode token program: %w", err)
	}
	blockhash, err := base58.Decode(recentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("decode blockhash: %w", err)
	}
	if len(sourceKey) != 32 || len(destKey) != 32 || len(blockhash) != 32 {
		return nil, fmt.Errorf("account keys and blockhash must be 32 bytes")
	}

	var msg bytes.Buffer

	// header: 1 required signature, 0 readonly signed, 1 readonly unsigned
	msg.Write([]byte{1, 0, 1})

	// account keys
	msg.Write(shortvecLen(4))
	msg.Write(owner)
	msg.Write(sourceKey)
	msg.Write(destKey)
	msg.Write(programKey)

	msg.Write(blockhash)

	// one instruction: program index 3, accounts [source, dest, owner]
	data := make([]byte, 9)
	data[0] = splTransferInstruction
	binary.LittleEndian.PutUint64(data[1:], amount)

	msg.Write(shortvecLen(1))
	msg.WriteByte(3)
	msg.Write(shortvecLen(3))
	msg.Write([]byte{1, 2, 0})
	msg.Write(shortvecLen(len(data)))
	msg.Write(data)

	signature := ed25519.Sign(signer, msg.Bytes())

	var tx bytes.Buffer
	tx.Write(shortvecLen(1))
	tx.Write(signature)
	tx.Write(msg.Bytes())
	return tx.Bytes(), nil
}

// shortvecLen encodes a length as a Solana compact-u16.
func shortvecLen(n int) []byte {
	var out []byte
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/keys"
	"github.com/Fantasim/stablewatch/internal/models"
)

// tronAPIKeyHeader carries the TronGrid API key when one is configured.
const tronAPIKeyHeader = "TRON-PRO-API-KEY"

// trc20ScanPageSize caps the TronGrid transfer listing per scan.
const trc20ScanPageSize = 50

// TronAdapter watches and sweeps a TRC-20 token through the TronGrid HTTP API.
type TronAdapter struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	contract string // base58check token contract
	guard    *Guard
}

func NewTronAdapter(baseURL, apiKey, tokenContract string) *TronAdapter {
	slog.Info("tron adapter created", "baseURL", baseURL, "token", tokenContract)
	return &TronAdapter{
		client:   newHTTPClient(),
		baseURL:  baseURL,
		apiKey:   apiKey,
		contract: tokenContract,
		guard:    NewGuard("trongrid", config.RateLimitTronGrid),
	}
}

func (a *TronAdapter) Chain() models.Chain { return models.ChainTron }

// Breaker exposes the provider guard for the health surface.
func (a *TronAdapter) Breaker() *Guard { return a.guard }

func (a *TronAdapter) CurrentHeight(ctx context.Context) (uint64, error) {
	var result struct {
		BlockHeader struct {
			RawData struct {
				Number uint64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := a.post(ctx, "/wallet/getnowblock", map[string]any{}, &result); err != nil {
		return 0, err
	}
	return result.BlockHeader.RawData.Number, nil
}

func (a *TronAdapter) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	var result struct {
		Balance int64 `json:"balance"`
	}
	body := map[string]any{"address": address, "visible": true}
	if err := a.post(ctx, "/wallet/getaccount", body, &result); err != nil {
		return nil, err
	}
	return big.NewInt(result.Balance), nil
}

func (a *TronAdapter) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	param, err := tronABIAddress(address)
	if err != nil {
		return nil, err
	}

	var result struct {
		ConstantResult []string `json:"constant_result"`
	}
	body := map[string]any{
		"owner_address":     address,
		"contract_address":  a.contract,
		"function_selector": "balanceOf(address)",
		"parameter":         param,
		"visible":           true,
	}
	if err := a.post(ctx, "/wallet/triggerconstantcontract", body, &result); err != nil {
		return nil, err
	}
	if len(result.ConstantResult) == 0 {
		return nil, transientErr("tron balanceOf for %s returned no result", address)
	}

	raw, err := hex.DecodeString(result.ConstantResult[0])
	if err != nil {
		return nil, permanentErr("tron balanceOf result not hex: %s", err)
	}
	return new(big.Int).SetBytes(raw), nil
}

// ScanTokenTransfers lists confirmed incoming TRC-20 transfers and resolves
// each one's block number, keeping those in (fromHeight, toHeight].
func (a *TronAdapter) ScanTokenTransfers(ctx context.Context, address string, fromHeight, toHeight uint64) ([]TokenTransfer, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(trc20ScanPageSize))
	q.Set("contract_address", a.contract)
	q.Set("only_confirmed", "true")
	q.Set("only_to", "true")

	var result struct {
		Data []struct {
			TransactionID string `json:"transaction_id"`
			Value         string `json:"value"`
			To            string `json:"to"`
		} `json:"data"`
	}
	path := "/v1/accounts/" + address + "/transactions/trc20?" + q.Encode()
	if err := a.get(ctx, path, &result); err != nil {
		return nil, err
	}

	var transfers []TokenTransfer
	for _, entry := range result.Data {
		if entry.To != address {
			continue
		}
		amount, ok := new(big.Int).SetString(entry.Value, 10)
		if !ok || amount.Sign() <= 0 {
			continue
		}

		height, err := a.transactionBlock(ctx, entry.TransactionID)
		if err != nil {
			slog.Warn("tron failed to resolve transfer block, skipping",
				"txID", entry.TransactionID,
				"error", err,
			)
			continue
		}
		if height <= fromHeight || height > toHeight {
			continue
		}

		transfers = append(transfers, TokenTransfer{
			TxHash: entry.TransactionID,
			Amount: amount,
			Height: height,
		})
	}

	slog.Debug("tron transfers scanned",
		"address", address,
		"fromHeight", fromHeight,
		"toHeight", toHeight,
		"count", len(transfers),
	)
	return transfers, nil
}

// FeeData reports the network energy price for every tier. Tron's energy
// price is a governed chain parameter, not a market.
func (a *TronAdapter) FeeData(ctx context.Context) (*FeeData, error) {
	var result struct {
		ChainParameter []struct {
			Key   string `json:"key"`
			Value int64  `json:"value"`
		} `json:"chainParameter"`
	}
	if err := a.post(ctx, "/wallet/getchainparameters", map[string]any{}, &result); err != nil {
		return nil, err
	}

	var energyFee int64
	for _, p := range result.ChainParameter {
		if p.Key == "getEnergyFee" {
			energyFee = p.Value
			break
		}
	}
	if energyFee == 0 {
		return nil, transientErr("tron chain parameters missing getEnergyFee")
	}

	fee := big.NewInt(energyFee)
	return &FeeData{
		Slow:      fee,
		Standard:  new(big.Int).Set(fee),
		Fast:      new(big.Int).Set(fee),
		Instant:   new(big.Int).Set(fee),
		SampledAt: time.Now().UTC(),
	}, nil
}

// SendToken builds a TRC-20 transfer via triggersmartcontract, signs the
// transaction ID hash with the wallet's secp256k1 key and broadcasts it.
func (a *TronAdapter) SendToken(ctx context.Context, from *keys.Key, fromAddress, to string, amount *big.Int) (*SendReceipt, error) {
	if from == nil || from.ECDSA == nil {
		return nil, permanentErr("tron send: missing ecdsa key")
	}

	account := ethcrypto.PubkeyToAddress(from.ECDSA.PublicKey)
	if keys.TronAddressFromEVM(account.Bytes()) != fromAddress {
		return nil, permanentErr("tron send: key does not match address %s", fromAddress)
	}

	destParam, err := tronABIAddress(to)
	if err != nil {
		return nil, err
	}
	parameter := destParam + hex.EncodeToString(common.LeftPadBytes(amount.Bytes(), 32))

	var created struct {
		Result struct {
			Result  bool   `json:"result"`
			Message string `json:"message"`
		} `json:"result"`
		Transaction json.RawMessage `json:"transaction"`
	}
	body := map[string]any{
		"owner_address":     fromAddress,
		"contract_address":  a.contract,
		"function_selector": "transfer(address,uint256)",
		"parameter":         parameter,
		"fee_limit":         config.TronFeeLimitSun,
		"call_value":        0,
		"visible":           true,
	}
	if err := a.post(ctx, "/wallet/triggersmartcontract", body, &created); err != nil {
		return nil, err
	}
	if !created.Result.Result {
		return nil, permanentErr("tron build transfer: %s", created.Result.Message)
	}

	var tx map[string]any
	if err := json.Unmarshal(created.Transaction, &tx); err != nil {
		return nil, permanentErr("tron decode built transaction: %s", err)
	}
	txID, _ := tx["txID"].(string)
	if txID == "" {
		return nil, permanentErr("tron built transaction has no txID")
	}

	// txID is the sha256 of raw_data; signing it signs the transaction.
	digest, err := hex.DecodeString(txID)
	if err != nil {
		return nil, permanentErr("tron txID not hex: %s", err)
	}
	signature, err := ethcrypto.Sign(digest, from.ECDSA)
	if err != nil {
		return nil, permanentErr("tron sign transfer: %s", err)
	}
	tx["signature"] = []string{hex.EncodeToString(signature)}

	var broadcast struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := a.post(ctx, "/wallet/broadcasttransaction", tx, &broadcast); err != nil {
		return nil, err
	}
	if !broadcast.Result {
		return nil, transientErr("tron broadcast %s: %s %s", txID, broadcast.Code, broadcast.Message)
	}

	slog.Info("tron token transfer broadcast",
		"txID", txID,
		"from", fromAddress,
		"to", to,
		"amount", amount.String(),
	)

	return a.awaitReceipt(ctx, txID)
}

// awaitReceipt polls transaction info until the transfer executes.
func (a *TronAdapter) awaitReceipt(ctx context.Context, txID string) (*SendReceipt, error) {
	pollCtx, cancel := context.WithTimeout(ctx, config.ReceiptPollTimeout)
	defer cancel()

	for {
		var info struct {
			ID          string `json:"id"`
			BlockNumber uint64 `json:"blockNumber"`
			Receipt     struct {
				Result           string `json:"result"`
				EnergyUsageTotal uint64 `json:"energy_usage_total"`
			} `json:"receipt"`
		}
		err := a.post(pollCtx, "/wallet/gettransactioninfobyid", map[string]any{"value": txID}, &info)
		if err == nil && info.ID == txID && info.BlockNumber > 0 {
			if info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS" {
				return nil, permanentErr("tron tx %s failed: %s", txID, info.Receipt.Result)
			}
			slog.Info("tron token transfer confirmed",
				"txID", txID,
				"block", info.BlockNumber,
				"energyUsed", info.Receipt.EnergyUsageTotal,
			)
			return &SendReceipt{TxHash: txID, GasUsed: info.Receipt.EnergyUsageTotal}, nil
		}

		select {
		case <-pollCtx.Done():
			return nil, transientErr("tron tx %s not confirmed within timeout", txID)
		case <-time.After(config.ReceiptPollInterval):
		}
	}
}

// transactionBlock resolves the block number a transaction was included in.
func (a *TronAdapter) transactionBlock(ctx context.Context, txID string) (uint64, error) {
	var info struct {
		ID          string `json:"id"`
		BlockNumber uint64 `json:"blockNumber"`
	}
	if err := a.post(ctx, "/wallet/gettransactioninfobyid", map[string]any{"value": txID}, &info); err != nil {
		return 0, err
	}
	if info.ID != txID || info.BlockNumber == 0 {
		return 0, transientErr("tron tx %s not found", txID)
	}
	return info.BlockNumber, nil
}

func (a *TronAdapter) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return permanentErr("tron marshal %s request: %s", path, err)
	}
	return a.send(ctx, http.MethodPost, path, payload, out)
}

func (a *TronAdapter) get(ctx context.Context, path string, out any) error {
	return a.send(ctx, http.MethodGet, path, nil, out)
}

func (a *TronAdapter) send(ctx context.Context, method, path string, payload []byte, out any) error {
	return a.guard.Do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
		if err != nil {
			return permanentErr("tron create %s request: %s", path, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", config.UserAgent)
		if a.apiKey != "" {
			req.Header.Set(tronAPIKeyHeader, a.apiKey)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return transientErr("tron %s request: %s", path, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return transientErr("tron read %s response: %s", path, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return transientErr("tron %s rate limited (HTTP 429)", path)
		}
		if resp.StatusCode != http.StatusOK {
			return transientErr("tron %s status %d: %s", path, resp.StatusCode, string(respBody))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return transientErr("tron decode %s response: %s", path, err)
			}
		}
		return nil
	})
}

// tronABIAddress encodes a base58check address as a 32-byte padded ABI
// parameter in hex.
func tronABIAddress(address string) (string, error) {
	account, ok := keys.TronAddressToEVM(address)
	if !ok {
		return "", permanentErr("invalid tron address %s", address)
	}
	return hex.EncodeToString(common.LeftPadBytes(account, 32)), nil
}

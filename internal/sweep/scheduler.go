package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/Fantasim/stablewatch/internal/chain"
	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/keys"
	"github.com/Fantasim/stablewatch/internal/models"
	"github.com/Fantasim/stablewatch/internal/store"
)

// KeyOpener decrypts a wallet's stored key blob back into signing material.
type KeyOpener interface {
	Open(chain models.Chain, encryptedKey string) (*keys.Key, error)
}

// Scheduler drains the sweep queue in per-chain batches. A batch fires when it
// is big enough, old enough, gas is cheap, or the chain is marked priority;
// otherwise items wait so one gas payment covers more transfers.
type Scheduler struct {
	db       *store.DB
	cfg      *config.Config
	registry *chain.Registry
	opener   KeyOpener
	gas      *Monitor

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(db *store.DB, cfg *config.Config, registry *chain.Registry, opener KeyOpener, gas *Monitor) *Scheduler {
	return &Scheduler{
		db:       db,
		cfg:      cfg,
		registry: registry,
		opener:   opener,
		gas:      gas,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.BatchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()

	slog.Info("sweep scheduler started",
		"interval", s.cfg.BatchInterval,
		"batchMin", s.cfg.BatchMinSize,
		"batchMax", s.cfg.BatchMaxSize,
	)
}

// Stop signals the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	slog.Info("sweep scheduler stopped")
}

// Sweep evaluates every registered chain's queue once and executes the
// batches whose trigger fired. Items are grouped into (chain, period)
// batches; each period is judged on its own.
func (s *Scheduler) Sweep(ctx context.Context) {
	for _, c := range s.registry.Chains() {
		items, err := s.db.ListQueuedByChain(c)
		if err != nil {
			slog.Error("sweep: failed to list queue", "chain", c, "error", err)
			continue
		}

		for _, batch := range groupByPeriod(items) {
			reason, ok := s.trigger(ctx, c, batch)
			if !ok {
				slog.Debug("sweep: batch waiting", "chain", c, "queued", len(batch))
				continue
			}

			if len(batch) > s.cfg.BatchMaxSize {
				batch = batch[:s.cfg.BatchMaxSize]
			}

			slog.Info("sweep: executing batch",
				"chain", c,
				"items", len(batch),
				"trigger", reason,
			)
			s.executeBatch(ctx, c, batch)
		}
	}
}

// groupByPeriod splits queued items into their enqueue periods, oldest period
// first. Input is already ordered oldest first.
func groupByPeriod(items []models.BatchItem) [][]models.BatchItem {
	var out [][]models.BatchItem
	var current int64 = -1
	for i := range items {
		p := periodKey(items[i].CreatedAt)
		if len(out) == 0 || p != current {
			out = append(out, nil)
			current = p
		}
		out[len(out)-1] = append(out[len(out)-1], items[i])
	}
	return out
}

// periodKey buckets a timestamp into fixed windows of BatchPeriodHours.
func periodKey(createdAt string) int64 {
	t, err := store.ParseTime(createdAt)
	if err != nil {
		return 0
	}
	return t.Unix() / int64(config.BatchPeriodHours*60*60)
}

// trigger decides whether a chain's queue should be swept now and names the
// reason. Items are ordered oldest first.
func (s *Scheduler) trigger(ctx context.Context, c models.Chain, items []models.BatchItem) (string, bool) {
	if s.cfg.IsPriority(c) {
		return "priority", true
	}
	if len(items) >= s.cfg.BatchMinSize {
		return "size", true
	}

	if oldest, err := store.ParseTime(items[0].CreatedAt); err == nil {
		if s.now().UTC().Sub(oldest) >= s.cfg.BatchMaxWait {
			return "age", true
		}
	}

	if s.cheapGas(ctx, c) {
		return "cheap-gas", true
	}
	return "", false
}

// cheapGas reports whether the current standard fee sits at or below the
// configured per-chain threshold.
func (s *Scheduler) cheapGas(ctx context.Context, c models.Chain) bool {
	threshold, err := thresholdBaseUnits(c, s.cfg.GasThreshold(c))
	if err != nil || threshold.Sign() <= 0 {
		return false
	}

	fd := s.gas.Latest(c)
	if fd == nil {
		adapter, err := s.registry.Get(c)
		if err != nil {
			return false
		}
		fd, err = adapter.FeeData(ctx)
		if err != nil {
			slog.Debug("sweep: fee data unavailable", "chain", c, "error", err)
			return false
		}
	}
	return fd.Standard != nil && fd.Standard.Cmp(threshold) <= 0
}

// executeBatch sends each item's funds from its deposit wallet to the custody
// address. Failures are recorded per item and do not stop the batch.
func (s *Scheduler) executeBatch(ctx context.Context, c models.Chain, items []models.BatchItem) {
	adapter, err := s.registry.Get(c)
	if err != nil {
		slog.Error("sweep: no adapter for chain", "chain", c, "error", err)
		return
	}

	custody := s.cfg.CustodyAddress(c)
	if custody == "" {
		slog.Error("sweep: no custody address configured", "chain", c)
		return
	}

	for i := range items {
		item := items[i]
		if err := s.db.MarkBatchExecuting(item.ID); err != nil {
			if store.IsConflict(err) {
				continue
			}
			slog.Error("sweep: failed to claim batch item", "batchItemID", item.ID, "error", err)
			continue
		}

		txHash, err := s.sweepItem(ctx, adapter, custody, &item)
		executedAt := store.FormatTime(s.now())
		if err != nil {
			slog.Error("sweep: item failed",
				"batchItemID", item.ID,
				"watchID", item.WatchID,
				"chain", c,
				"error", err,
			)
			if merr := s.db.MarkBatchFailed(item.ID, err.Error(), executedAt); merr != nil {
				slog.Error("sweep: failed to record item failure", "batchItemID", item.ID, "error", merr)
			}
			continue
		}

		if merr := s.db.MarkBatchDone(item.ID, txHash, executedAt); merr != nil {
			slog.Error("sweep: failed to record item success", "batchItemID", item.ID, "error", merr)
		}
	}
}

// sweepItem moves one confirmed deposit to custody and returns the sweep
// transaction hash.
func (s *Scheduler) sweepItem(ctx context.Context, adapter chain.Adapter, custody string, item *models.BatchItem) (string, error) {
	watch, err := s.db.GetWatch(item.WatchID)
	if err != nil {
		return "", err
	}
	if watch == nil {
		return "", fmt.Errorf("watch %s not found for batch item %s", item.WatchID, item.ID)
	}

	wallet, err := s.db.GetWallet(watch.WalletID)
	if err != nil {
		return "", err
	}
	if wallet == nil {
		return "", fmt.Errorf("wallet %s not found for batch item %s", watch.WalletID, item.ID)
	}

	amount, err := chain.ToBaseUnits(item.Amount, item.Chain.Decimals())
	if err != nil {
		return "", err
	}

	key, err := s.opener.Open(item.Chain, wallet.EncryptedKey)
	if err != nil {
		return "", err
	}
	defer key.Zero()

	receipt, err := adapter.SendToken(ctx, key, wallet.Address, custody, amount)
	if err != nil {
		return "", err
	}

	slog.Info("sweep: funds moved to custody",
		"batchItemID", item.ID,
		"chain", item.Chain,
		"from", wallet.Address,
		"amount", item.Amount,
		"txHash", receipt.TxHash,
	)
	return receipt.TxHash, nil
}

// thresholdBaseUnits converts a configured gas threshold into the fee unit
// the adapters report. EVM thresholds are configured in gwei; Solana
// (lamports) and Tron (sun) are already in their native unit.
func thresholdBaseUnits(c models.Chain, threshold string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(threshold, 10)
	if !ok {
		return nil, fmt.Errorf("malformed gas threshold %q for chain %s", threshold, c)
	}
	if keys.FamilyOf(c) == keys.FamilyEVM {
		v.Mul(v, big.NewInt(1_000_000_000))
	}
	return v, nil
}

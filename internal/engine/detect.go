package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Fantasim/stablewatch/internal/callback"
	"github.com/Fantasim/stablewatch/internal/chain"
	"github.com/Fantasim/stablewatch/internal/models"
	"github.com/Fantasim/stablewatch/internal/store"
)

// detect scans the watch's address for new incoming transfers and records the
// first one that satisfies the expected amount as evidence.
func (e *Engine) detect(ctx context.Context, adapter chain.Adapter, w *models.Watch, height uint64) error {
	from := w.LastScannedHeight
	if from == 0 && height > e.cfg.ScanWindowBlocks {
		// First pass: bound the window so a fresh watch does not walk
		// the whole chain.
		from = height - e.cfg.ScanWindowBlocks
	}

	transfers, err := adapter.ScanTokenTransfers(ctx, w.Address, from, height)
	if err != nil {
		return err
	}

	expected, err := chain.ToBaseUnits(w.ExpectedAmount, w.Chain.Decimals())
	if err != nil {
		return err
	}

	for _, tr := range transfers {
		deposit := &models.Deposit{
			Chain:    w.Chain,
			TxHash:   tr.TxHash,
			WalletID: w.WalletID,
			WatchID:  w.ID,
			Token:    w.Chain.Token(),
			Amount:   chain.FromBaseUnits(tr.Amount, w.Chain.Decimals()),
			Height:   tr.Height,
			Status:   models.DepositPending,
		}

		inserted, err := e.db.InsertDepositOnce(deposit)
		if err != nil {
			return err
		}
		if !inserted {
			// Already credited by an earlier, overlapping scan.
			continue
		}

		if w.HasEvidence() || !chain.MeetsExpected(tr.Amount, expected, w.Chain) {
			slog.Info("transfer recorded but not matched",
				"watchID", w.ID,
				"txHash", tr.TxHash,
				"amount", deposit.Amount,
				"expected", w.ExpectedAmount,
			)
			continue
		}

		confirmations := confirmationCount(height, tr.Height)
		if err := e.db.RecordEvidence(w.ID, tr.TxHash, deposit.Amount, confirmations, tr.Height); err != nil {
			if store.IsConflict(err) {
				continue
			}
			return err
		}

		// Wallet is now holding funds awaiting sweep.
		if err := e.db.TransitionWallet(w.WalletID,
			[]models.WalletStatus{models.WalletUnused},
			models.WalletPending,
		); err != nil && !store.IsConflict(err) {
			slog.Error("failed to mark wallet pending", "walletID", w.WalletID, "error", err)
		}

		w.TxHash = &deposit.TxHash
		w.ActualAmount = &deposit.Amount
		w.Confirmations = confirmations
		w.EvidenceHeight = tr.Height
	}

	if err := e.db.UpdateScanCursor(w.ID, height); err != nil {
		return err
	}
	w.LastScannedHeight = height
	return nil
}

// progressConfirmation recomputes confirmations from the chain tip and closes
// the watch once the requirement is met.
func (e *Engine) progressConfirmation(ctx context.Context, w *models.Watch, height uint64) {
	confirmations := confirmationCount(height, w.EvidenceHeight)
	if confirmations != w.Confirmations {
		if err := e.db.UpdateConfirmations(w.ID, confirmations); err != nil {
			slog.Error("failed to update confirmations", "watchID", w.ID, "error", err)
			return
		}
		w.Confirmations = confirmations
	}

	if confirmations < e.cfg.RequiredConfirmations {
		slog.Debug("deposit awaiting confirmations",
			"watchID", w.ID,
			"confirmations", confirmations,
			"required", e.cfg.RequiredConfirmations,
		)
		return
	}

	e.confirm(ctx, w)
}

// confirm settles a fully-confirmed watch: the deposit is marked, the sweep is
// queued, the merchant is notified. Queueing precedes the callback so funds
// reach custody even when the merchant endpoint is down. The watch goes
// terminal only on an acknowledged callback; force-stop handles receivers
// that never accept.
func (e *Engine) confirm(ctx context.Context, w *models.Watch) {
	if w.TxHash != nil {
		if err := e.db.UpdateDepositStatus(w.Chain, *w.TxHash, models.DepositConfirmed); err != nil {
			slog.Error("failed to confirm deposit", "watchID", w.ID, "error", err)
		}
	}

	item := &models.BatchItem{
		ID:      uuid.NewString(),
		WatchID: w.ID,
		Chain:   w.Chain,
		UserID:  w.UserID,
		Amount:  *w.ActualAmount,
	}
	if _, err := e.db.EnqueueBatchItem(item); err != nil {
		slog.Error("failed to enqueue sweep", "watchID", w.ID, "error", err)
		// Leave the watch ACTIVE; next tick retries the enqueue.
		return
	}

	evidence := &callback.Evidence{
		TxHash:        *w.TxHash,
		ActualAmount:  *w.ActualAmount,
		Confirmations: w.Confirmations,
	}

	if w.CallbackURL != nil && *w.CallbackURL != "" {
		e.dispatcher.ProbeHealth(ctx, *w.CallbackURL)
	}

	result, attempts := e.dispatcher.Deliver(ctx, w, models.WatchConfirmed, evidence)
	e.recordCallbackAttempts(w.ID, attempts)

	switch result {
	case callback.OK:
		if err := e.db.SetCallbackSent(w.ID, true); err != nil {
			slog.Error("failed to set callback_sent", "watchID", w.ID, "error", err)
			return
		}
	case callback.Permanent:
		slog.Error("confirmed callback permanently rejected, watch awaits force-stop",
			"watchID", w.ID,
			"attempts", attempts,
		)
		return
	default:
		slog.Warn("confirmed callback not acknowledged, watch stays active",
			"watchID", w.ID,
			"attempts", attempts,
		)
		return
	}

	if !e.terminate(w, models.WatchConfirmed) {
		return
	}

	if err := e.db.TransitionWallet(w.WalletID,
		[]models.WalletStatus{models.WalletUnused, models.WalletPending},
		models.WalletUsed,
	); err != nil && !store.IsConflict(err) {
		slog.Error("failed to mark wallet used", "walletID", w.WalletID, "error", err)
	}

	slog.Info("watch confirmed",
		"watchID", w.ID,
		"txHash", *w.TxHash,
		"amount", *w.ActualAmount,
		"confirmations", w.Confirmations,
	)
}

// confirmationCount is blocks-on-top inclusive of the containing block.
func confirmationCount(tip, txHeight uint64) int {
	if txHeight == 0 || tip < txHeight {
		return 0
	}
	return int(tip-txHeight) + 1
}

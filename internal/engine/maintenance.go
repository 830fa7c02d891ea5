package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/Fantasim/stablewatch/internal/callback"
	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/store"
)

// maintenanceBatchLimit caps orphaned-callback retries per pass.
const maintenanceBatchLimit = 50

func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Maintain(ctx)
		}
	}
}

// Maintain repairs state left behind by crashes and merchant outages: it
// retries callbacks on terminal watches that never got acknowledged and
// returns sweep items stuck in EXECUTING to the queue.
func (e *Engine) Maintain(ctx context.Context) {
	e.retryOrphanedCallbacks(ctx)

	cutoff := store.FormatTime(e.now().Add(-config.BatchStuckHorizon))
	if _, err := e.db.RequeueStuckBatchItems(cutoff); err != nil {
		slog.Error("maintenance: failed to requeue stuck batch items", "error", err)
	}
}

// retryOrphanedCallbacks re-delivers callbacks for terminal watches until the
// exhaustion horizon after their expiry passes.
func (e *Engine) retryOrphanedCallbacks(ctx context.Context) {
	watches, err := e.db.ListUnsentCallbacks(maintenanceBatchLimit)
	if err != nil {
		slog.Error("maintenance: failed to list unsent callbacks", "error", err)
		return
	}

	now := e.now().UTC()
	for i := range watches {
		w := watches[i]

		expiresAt, err := store.ParseTime(w.ExpiresAt)
		if err != nil || now.After(expiresAt.Add(e.cfg.CallbackExhaust)) {
			continue
		}

		var evidence *callback.Evidence
		if w.HasEvidence() {
			evidence = &callback.Evidence{
				TxHash:        *w.TxHash,
				ActualAmount:  *w.ActualAmount,
				Confirmations: w.Confirmations,
			}
		}

		result, attempts := e.dispatcher.Deliver(ctx, &w, w.Status, evidence)
		e.recordCallbackAttempts(w.ID, attempts)

		if result == callback.OK {
			if err := e.db.SetCallbackSent(w.ID, true); err != nil {
				slog.Error("maintenance: failed to set callback_sent", "watchID", w.ID, "error", err)
				continue
			}
			slog.Info("maintenance: orphaned callback delivered", "watchID", w.ID, "status", w.Status)
		}
	}
}

package store

import (
	"fmt"
	"log/slog"

	"github.com/Fantasim/stablewatch/internal/models"
)

const batchColumns = `id, watch_id, chain, user_id, amount, state, created_at, executed_at, tx_hash, error`

func scanBatchItem(row interface{ Scan(...any) error }) (*models.BatchItem, error) {
	b := &models.BatchItem{}
	err := row.Scan(
		&b.ID, &b.WatchID, &b.Chain, &b.UserID, &b.Amount, &b.State,
		&b.CreatedAt, &b.ExecutedAt, &b.TxHash, &b.Error,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// EnqueueBatchItem queues a confirmed deposit for sweeping. The partial
// unique index on open items makes re-enqueueing the same watch a no-op.
func (d *DB) EnqueueBatchItem(b *models.BatchItem) (inserted bool, err error) {
	res, err := d.conn.Exec(`INSERT OR IGNORE INTO batch_items
		(id, watch_id, chain, user_id, amount, state)
		VALUES (?, ?, ?, ?, ?, 'QUEUED')`,
		b.ID, b.WatchID, b.Chain, b.UserID, b.Amount,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue batch item for watch %s: %w", b.WatchID, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		slog.Debug("batch item already queued for watch", "watchID", b.WatchID)
		return false, nil
	}

	slog.Info("batch item queued",
		"batchItemID", b.ID,
		"watchID", b.WatchID,
		"chain", b.Chain,
		"amount", b.Amount,
	)
	return true, nil
}

// ListQueuedByChain returns QUEUED items for a chain, oldest first.
func (d *DB) ListQueuedByChain(chain models.Chain) ([]models.BatchItem, error) {
	rows, err := d.conn.Query(`SELECT `+batchColumns+` FROM batch_items
		WHERE chain = ? AND state = 'QUEUED' ORDER BY created_at ASC`, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued batch items for %s: %w", chain, err)
	}
	defer rows.Close()

	var items []models.BatchItem
	for rows.Next() {
		b, err := scanBatchItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch item row: %w", err)
		}
		items = append(items, *b)
	}
	return items, rows.Err()
}

// MarkBatchExecuting moves a QUEUED item to EXECUTING. Returns ErrConflict
// if the item is no longer queued (another pass picked it up).
func (d *DB) MarkBatchExecuting(id string) error {
	res, err := d.conn.Exec(`UPDATE batch_items SET state = 'EXECUTING'
		WHERE id = ? AND state = 'QUEUED'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark batch item %s executing: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark batch item %s executing: %w", id, ErrConflict)
	}
	return nil
}

// MarkBatchDone finishes an EXECUTING item with its sweep transaction hash.
func (d *DB) MarkBatchDone(id, txHash, executedAt string) error {
	res, err := d.conn.Exec(`UPDATE batch_items
		SET state = 'DONE', tx_hash = ?, executed_at = ?
		WHERE id = ? AND state = 'EXECUTING'`, txHash, executedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark batch item %s done: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark batch item %s done: %w", id, ErrConflict)
	}

	slog.Info("batch item swept", "batchItemID", id, "txHash", txHash)
	return nil
}

// MarkBatchFailed finishes an EXECUTING item with the sweep error.
func (d *DB) MarkBatchFailed(id, errMsg, executedAt string) error {
	res, err := d.conn.Exec(`UPDATE batch_items
		SET state = 'FAILED', error = ?, executed_at = ?
		WHERE id = ? AND state = 'EXECUTING'`, errMsg, executedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark batch item %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark batch item %s failed: %w", id, ErrConflict)
	}

	slog.Warn("batch item sweep failed", "batchItemID", id, "error", errMsg)
	return nil
}

// RequeueStuckBatchItems returns EXECUTING items older than the cutoff to
// QUEUED. Run by the maintenance loop after a crash mid-sweep.
func (d *DB) RequeueStuckBatchItems(cutoff string) (int64, error) {
	res, err := d.conn.Exec(`UPDATE batch_items SET state = 'QUEUED'
		WHERE state = 'EXECUTING' AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck batch items: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("requeued stuck batch items", "count", n)
	}
	return n, nil
}

// BatchStats returns item counts per state for one chain.
func (d *DB) BatchStats(chain models.Chain) (map[models.BatchState]int, error) {
	rows, err := d.conn.Query(`SELECT state, COUNT(*) FROM batch_items
		WHERE chain = ? GROUP BY state`, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch stats for %s: %w", chain, err)
	}
	defer rows.Close()

	stats := make(map[models.BatchState]int)
	for rows.Next() {
		var state models.BatchState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan batch stats row: %w", err)
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Fantasim/stablewatch/internal/models"
)

// InsertDepositOnce inserts a deposit keyed by (chain, txHash). A transfer
// observed across overlapping scan windows or after a restart hits the unique
// key and reports duplicate instead of crediting twice.
func (d *DB) InsertDepositOnce(dep *models.Deposit) (inserted bool, err error) {
	res, err := d.conn.Exec(`INSERT OR IGNORE INTO deposits
		(chain, tx_hash, wallet_id, watch_id, token, amount, height, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dep.Chain, dep.TxHash, dep.WalletID, dep.WatchID, dep.Token, dep.Amount, dep.Height, dep.Status,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert deposit %s/%s: %w", dep.Chain, dep.TxHash, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		slog.Debug("deposit already recorded, skipping",
			"chain", dep.Chain,
			"txHash", dep.TxHash,
		)
		return false, nil
	}

	slog.Info("deposit recorded",
		"chain", dep.Chain,
		"txHash", dep.TxHash,
		"watchID", dep.WatchID,
		"amount", dep.Amount,
	)
	return true, nil
}

// GetDeposit retrieves a deposit by its (chain, txHash) key.
func (d *DB) GetDeposit(chain models.Chain, txHash string) (*models.Deposit, error) {
	dep := &models.Deposit{}
	err := d.conn.QueryRow(`SELECT id, chain, tx_hash, wallet_id, watch_id, token, amount, height, status, created_at
		FROM deposits WHERE chain = ? AND tx_hash = ?`, chain, txHash,
	).Scan(&dep.ID, &dep.Chain, &dep.TxHash, &dep.WalletID, &dep.WatchID,
		&dep.Token, &dep.Amount, &dep.Height, &dep.Status, &dep.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit %s/%s: %w", chain, txHash, err)
	}
	return dep, nil
}

// UpdateDepositStatus updates the confirmation state of a deposit.
func (d *DB) UpdateDepositStatus(chain models.Chain, txHash string, status models.DepositStatus) error {
	if _, err := d.conn.Exec(`UPDATE deposits SET status = ?
		WHERE chain = ? AND tx_hash = ?`, status, chain, txHash); err != nil {
		return fmt.Errorf("failed to update deposit %s/%s to %s: %w", chain, txHash, status, err)
	}
	return nil
}

// CountDepositsByWatch returns the number of deposits recorded for a watch.
func (d *DB) CountDepositsByWatch(watchID string) (int, error) {
	var count int
	err := d.conn.QueryRow(`SELECT COUNT(*) FROM deposits WHERE watch_id = ?`, watchID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count deposits for watch %s: %w", watchID, err)
	}
	return count, nil
}

package store

import (
	"fmt"

	"github.com/Fantasim/stablewatch/internal/models"
)

// Stats summarizes stored state for the operator surface.
type Stats struct {
	WatchesByStatus map[models.WatchStatus]int  `json:"watches_by_status"`
	WalletsByStatus map[models.WalletStatus]int `json:"wallets_by_status"`
	DepositCount    int                         `json:"deposit_count"`
	QueuedSweeps    int                         `json:"queued_sweeps"`
}

// GetStats aggregates watch, wallet, deposit and batch counts.
func (d *DB) GetStats() (*Stats, error) {
	stats := &Stats{
		WatchesByStatus: make(map[models.WatchStatus]int),
		WalletsByStatus: make(map[models.WalletStatus]int),
	}

	rows, err := d.conn.Query(`SELECT status, COUNT(*) FROM watches GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watch stats: %w", err)
	}
	for rows.Next() {
		var status models.WatchStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan watch stats row: %w", err)
		}
		stats.WatchesByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = d.conn.Query(`SELECT status, COUNT(*) FROM wallets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet stats: %w", err)
	}
	for rows.Next() {
		var status models.WalletStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan wallet stats row: %w", err)
		}
		stats.WalletsByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM deposits`).Scan(&stats.DepositCount); err != nil {
		return nil, fmt.Errorf("failed to count deposits: %w", err)
	}
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM batch_items WHERE state = 'QUEUED'`).Scan(&stats.QueuedSweeps); err != nil {
		return nil, fmt.Errorf("failed to count queued sweeps: %w", err)
	}

	return stats, nil
}

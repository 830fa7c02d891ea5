package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Fantasim/stablewatch/internal/models"
)

const watchColumns = `id, user_id, wallet_id, address, chain, token, expected_amount,
       status, expires_at, created_at, last_checked_at, confirmations,
       tx_hash, actual_amount, callback_url, payment_id,
       callback_sent, callback_attempts, last_callback_attempt, last_scanned_height,
       evidence_height`

func scanWatch(row interface{ Scan(...any) error }) (*models.Watch, error) {
	w := &models.Watch{}
	err := row.Scan(
		&w.ID, &w.UserID, &w.WalletID, &w.Address, &w.Chain, &w.Token, &w.ExpectedAmount,
		&w.Status, &w.ExpiresAt, &w.CreatedAt, &w.LastCheckedAt, &w.Confirmations,
		&w.TxHash, &w.ActualAmount, &w.CallbackURL, &w.PaymentID,
		&w.CallbackSent, &w.CallbackAttempts, &w.LastCallbackAttempt, &w.LastScannedHeight,
		&w.EvidenceHeight,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// StartWatchParams carries the inputs for StartOrReuseWatch.
type StartWatchParams struct {
	ID             string
	UserID         string
	WalletID       string
	Address        string
	Chain          models.Chain
	Token          string
	ExpectedAmount string
	ExpiresAt      string
	CallbackURL    *string
	PaymentID      *string
}

// StartOrReuseWatch atomically finds the existing ACTIVE watch for
// (userId, chain) or inserts a new one. A reused watch keeps its wallet and
// evidence but gets a fresh expiry, expected amount, callback URL and payment id.
// Returns the watch and whether an existing ACTIVE row was reused.
func (d *DB) StartOrReuseWatch(p StartWatchParams) (*models.Watch, bool, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin start-watch transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+watchColumns+` FROM watches
		WHERE user_id = ? AND chain = ? AND status = 'ACTIVE'`, p.UserID, p.Chain)
	existing, err := scanWatch(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to look up active watch for user %s on %s: %w", p.UserID, p.Chain, err)
	}

	if existing != nil {
		if _, err := tx.Exec(`UPDATE watches
			SET expected_amount = ?, expires_at = ?, callback_url = ?, payment_id = ?
			WHERE id = ? AND status = 'ACTIVE'`,
			p.ExpectedAmount, p.ExpiresAt, p.CallbackURL, p.PaymentID, existing.ID,
		); err != nil {
			return nil, false, fmt.Errorf("failed to refresh watch %s: %w", existing.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit watch reuse: %w", err)
		}

		existing.ExpectedAmount = p.ExpectedAmount
		existing.ExpiresAt = p.ExpiresAt
		existing.CallbackURL = p.CallbackURL
		existing.PaymentID = p.PaymentID

		slog.Info("active watch reused",
			"watchID", existing.ID,
			"userID", p.UserID,
			"chain", p.Chain,
			"expiresAt", p.ExpiresAt,
		)
		return existing, true, nil
	}

	if _, err := tx.Exec(`INSERT INTO watches
		(id, user_id, wallet_id, address, chain, token, expected_amount, status, expires_at, callback_url, payment_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'ACTIVE', ?, ?, ?)`,
		p.ID, p.UserID, p.WalletID, p.Address, p.Chain, p.Token, p.ExpectedAmount,
		p.ExpiresAt, p.CallbackURL, p.PaymentID,
	); err != nil {
		return nil, false, fmt.Errorf("failed to insert watch %s: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit watch insert: %w", err)
	}

	slog.Info("watch created",
		"watchID", p.ID,
		"userID", p.UserID,
		"chain", p.Chain,
		"address", p.Address,
		"expectedAmount", p.ExpectedAmount,
		"expiresAt", p.ExpiresAt,
	)

	w, err := d.GetWatch(p.ID)
	if err != nil {
		return nil, false, err
	}
	return w, false, nil
}

// GetWatch retrieves a watch by ID. Returns (nil, nil) when absent.
func (d *DB) GetWatch(id string) (*models.Watch, error) {
	row := d.conn.QueryRow(`SELECT `+watchColumns+` FROM watches WHERE id = ?`, id)
	w, err := scanWatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watch %s: %w", id, err)
	}
	return w, nil
}

// ListActiveWatches returns every watch currently in ACTIVE state.
func (d *DB) ListActiveWatches() ([]models.Watch, error) {
	rows, err := d.conn.Query(`SELECT ` + watchColumns + ` FROM watches
		WHERE status = 'ACTIVE' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active watches: %w", err)
	}
	defer rows.Close()

	var watches []models.Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watch row: %w", err)
		}
		watches = append(watches, *w)
	}
	return watches, rows.Err()
}

// ListWatches retrieves watches with optional filters, newest first.
func (d *DB) ListWatches(filters models.WatchFilters) ([]models.Watch, error) {
	query := `SELECT ` + watchColumns + ` FROM watches WHERE 1=1`
	var args []any

	if filters.UserID != nil {
		query += " AND user_id = ?"
		args = append(args, *filters.UserID)
	}
	if filters.Status != nil {
		query += " AND status = ?"
		args = append(args, *filters.Status)
	}
	if filters.Chain != nil {
		query += " AND chain = ?"
		args = append(args, *filters.Chain)
	}

	query += " ORDER BY created_at DESC"

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list watches: %w", err)
	}
	defer rows.Close()

	var watches []models.Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watch row: %w", err)
		}
		watches = append(watches, *w)
	}
	return watches, rows.Err()
}

// MarkChecked records the time of the latest engine pass over a watch.
func (d *DB) MarkChecked(id, now string) error {
	if _, err := d.conn.Exec(`UPDATE watches SET last_checked_at = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("failed to mark watch %s checked: %w", id, err)
	}
	return nil
}

// UpdateScanCursor persists the highest block height already scanned for a watch.
func (d *DB) UpdateScanCursor(id string, height uint64) error {
	if _, err := d.conn.Exec(`UPDATE watches SET last_scanned_height = ?
		WHERE id = ? AND last_scanned_height < ?`, height, id, height); err != nil {
		return fmt.Errorf("failed to update scan cursor for watch %s: %w", id, err)
	}
	return nil
}

// RecordEvidence writes deposit evidence onto a still-ACTIVE watch.
// Evidence is stored before the callback succeeds, so a crash between the two
// never loses the deposit.
func (d *DB) RecordEvidence(id, txHash, amount string, confirmations int, height uint64) error {
	res, err := d.conn.Exec(`UPDATE watches
		SET tx_hash = ?, actual_amount = ?, confirmations = ?, evidence_height = ?
		WHERE id = ? AND status = 'ACTIVE'`,
		txHash, amount, confirmations, height, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record evidence for watch %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record evidence for watch %s: %w", id, ErrConflict)
	}

	slog.Info("deposit evidence recorded",
		"watchID", id,
		"txHash", txHash,
		"amount", amount,
		"confirmations", confirmations,
	)
	return nil
}

// SetCallbackSent flips the callback-delivered flag on a watch.
func (d *DB) SetCallbackSent(id string, sent bool) error {
	if _, err := d.conn.Exec(`UPDATE watches SET callback_sent = ? WHERE id = ?`, sent, id); err != nil {
		return fmt.Errorf("failed to set callback_sent for watch %s: %w", id, err)
	}
	return nil
}

// IncrementCallbackAttempts bumps the attempt counter and records the attempt time.
func (d *DB) IncrementCallbackAttempts(id string, attempts int, now string) error {
	if _, err := d.conn.Exec(`UPDATE watches
		SET callback_attempts = callback_attempts + ?, last_callback_attempt = ?
		WHERE id = ?`, attempts, now, id); err != nil {
		return fmt.Errorf("failed to increment callback attempts for watch %s: %w", id, err)
	}
	return nil
}

// UpdateConfirmations refreshes the confirmation count on a still-ACTIVE watch.
func (d *DB) UpdateConfirmations(id string, confirmations int) error {
	if _, err := d.conn.Exec(`UPDATE watches SET confirmations = ?
		WHERE id = ? AND status = 'ACTIVE'`, confirmations, id); err != nil {
		return fmt.Errorf("failed to update confirmations for watch %s: %w", id, err)
	}
	return nil
}

// ListUnsentCallbacks returns terminal watches whose callback never got
// acknowledged and that still have a callback URL to notify. The maintenance
// loop retries these until the exhaustion horizon passes.
func (d *DB) ListUnsentCallbacks(limit int) ([]models.Watch, error) {
	rows, err := d.conn.Query(`SELECT `+watchColumns+` FROM watches
		WHERE status IN ('CONFIRMED', 'EXPIRED')
		  AND callback_sent = 0
		  AND callback_url IS NOT NULL
		ORDER BY expires_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsent callbacks: %w", err)
	}
	defer rows.Close()

	var watches []models.Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watch row: %w", err)
		}
		watches = append(watches, *w)
	}
	return watches, rows.Err()
}

// TransitionTerminal moves an ACTIVE watch into a terminal state. The update
// is conditional on the row still being ACTIVE; a lost race returns ErrConflict.
func (d *DB) TransitionTerminal(id string, newStatus models.WatchStatus) error {
	if !newStatus.Terminal() {
		return fmt.Errorf("transition watch %s: %s is not a terminal status", id, newStatus)
	}

	res, err := d.conn.Exec(`UPDATE watches SET status = ?
		WHERE id = ? AND status = 'ACTIVE'`, newStatus, id)
	if err != nil {
		return fmt.Errorf("failed to transition watch %s to %s: %w", id, newStatus, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transition watch %s to %s: %w", id, newStatus, ErrConflict)
	}

	slog.Info("watch transitioned to terminal state", "watchID", id, "status", newStatus)
	return nil
}

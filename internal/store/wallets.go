package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Fantasim/stablewatch/internal/models"
)

// WalletIndexBase is the first derivation index handed to user wallets.
// Indexes below it are reserved for operational wallets (gas fee, custody test).
const WalletIndexBase = 100

const walletColumns = `id, user_id, chain, address, encrypted_key, derivation_index,
       status, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := row.Scan(
		&w.ID, &w.UserID, &w.Chain, &w.Address, &w.EncryptedKey, &w.DerivationIndex,
		&w.Status, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// CreateWallet inserts a new receiving wallet.
func (d *DB) CreateWallet(w *models.Wallet) error {
	_, err := d.conn.Exec(`INSERT INTO wallets
		(id, user_id, chain, address, encrypted_key, derivation_index, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Chain, w.Address, w.EncryptedKey, w.DerivationIndex, w.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert wallet %s: %w", w.ID, err)
	}

	slog.Info("wallet created",
		"walletID", w.ID,
		"userID", w.UserID,
		"chain", w.Chain,
		"address", w.Address,
		"derivationIndex", w.DerivationIndex,
	)
	return nil
}

// GetWallet retrieves a wallet by ID. Returns (nil, nil) when absent.
func (d *DB) GetWallet(id string) (*models.Wallet, error) {
	row := d.conn.QueryRow(`SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet %s: %w", id, err)
	}
	return w, nil
}

// GetWalletByAddress retrieves a wallet by its chain address.
func (d *DB) GetWalletByAddress(address string) (*models.Wallet, error) {
	row := d.conn.QueryRow(`SELECT `+walletColumns+` FROM wallets WHERE address = ?`, address)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet for address %s: %w", address, err)
	}
	return w, nil
}

// FindReusableWallet returns the user's newest UNUSED wallet on a chain, or
// (nil, nil) when every wallet has seen funds and a fresh one must be derived.
func (d *DB) FindReusableWallet(userID string, chain models.Chain) (*models.Wallet, error) {
	row := d.conn.QueryRow(`SELECT `+walletColumns+` FROM wallets
		WHERE user_id = ? AND chain = ? AND status = 'UNUSED'
		ORDER BY derivation_index DESC LIMIT 1`, userID, chain)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reusable wallet for user %s on %s: %w", userID, chain, err)
	}
	return w, nil
}

// NextDerivationIndex returns the next free derivation index for a chain,
// starting at WalletIndexBase.
func (d *DB) NextDerivationIndex(chain models.Chain) (int, error) {
	var next int
	err := d.conn.QueryRow(`SELECT COALESCE(MAX(derivation_index) + 1, ?)
		FROM wallets WHERE chain = ?`, WalletIndexBase, chain).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next derivation index for %s: %w", chain, err)
	}
	if next < WalletIndexBase {
		next = WalletIndexBase
	}
	return next, nil
}

// TransitionWallet moves a wallet from one of the allowed statuses to a new
// one. The update is conditional; a wallet already past the transition
// returns ErrConflict so callers can treat repeats as no-ops.
func (d *DB) TransitionWallet(id string, from []models.WalletStatus, to models.WalletStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("transition wallet %s: no source statuses given", id)
	}

	query := `UPDATE wallets SET status = ?, updated_at = datetime('now') WHERE id = ? AND status IN (`
	args := []any{to, id}
	for i, s := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, s)
	}
	query += ")"

	res, err := d.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition wallet %s to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transition wallet %s to %s: %w", id, to, ErrConflict)
	}

	slog.Info("wallet transitioned", "walletID", id, "status", to)
	return nil
}

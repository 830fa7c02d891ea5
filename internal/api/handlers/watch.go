package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Fantasim/stablewatch/internal/chain"
	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/keys"
	"github.com/Fantasim/stablewatch/internal/models"
	"github.com/Fantasim/stablewatch/internal/store"
)

// Deriver issues receiving addresses with their encrypted key blobs.
type Deriver interface {
	Derive(chain models.Chain, index int) (*keys.DerivedWallet, error)
}

// amountRegex matches a plain decimal amount with an optional fraction.
var amountRegex = regexp.MustCompile(`^\d+(\.\d+)?$`)

type startWatchRequest struct {
	UserID          string  `json:"userId"`
	Chain           string  `json:"chain"`
	ExpectedAmount  string  `json:"expectedAmount"`
	CallbackURL     *string `json:"callbackUrl,omitempty"`
	PaymentID       *string `json:"paymentId,omitempty"`
	DurationSeconds int     `json:"durationSeconds,omitempty"`
}

type startWatchResponse struct {
	Watch  *models.Watch `json:"watch"`
	Reused bool          `json:"reused"`
}

// StartWatch handles POST /api/watch: it derives or reuses a receiving wallet
// for the user on the requested chain and opens (or refreshes) the watch.
func StartWatch(db *store.DB, cfg *config.Config, deriver Deriver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startWatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, config.ErrorInvalidRequest, "malformed JSON body")
			return
		}

		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, config.ErrorInvalidRequest, "userId is required")
			return
		}

		c := models.Chain(req.Chain)
		if !c.Valid() {
			writeError(w, http.StatusBadRequest, config.ErrorInvalidChain, "invalid chain: "+req.Chain)
			return
		}

		if !amountRegex.MatchString(req.ExpectedAmount) {
			writeError(w, http.StatusBadRequest, config.ErrorInvalidAmount, "expectedAmount must be a plain decimal")
			return
		}
		if _, err := chain.ToBaseUnits(req.ExpectedAmount, c.Decimals()); err != nil {
			writeError(w, http.StatusBadRequest, config.ErrorInvalidAmount, "expectedAmount has too many decimal places for "+string(c))
			return
		}

		duration := cfg.WatchDuration
		if req.DurationSeconds > 0 {
			duration = time.Duration(req.DurationSeconds) * time.Second
		}

		wallet, err := findOrCreateWallet(db, deriver, req.UserID, c)
		if err != nil {
			slog.Error("failed to provision wallet",
				"userID", req.UserID,
				"chain", c,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, config.ErrorInternal, "failed to provision wallet")
			return
		}

		watch, reused, err := db.StartOrReuseWatch(store.StartWatchParams{
			ID:             uuid.NewString(),
			UserID:         req.UserID,
			WalletID:       wallet.ID,
			Address:        wallet.Address,
			Chain:          c,
			Token:          c.Token(),
			ExpectedAmount: req.ExpectedAmount,
			ExpiresAt:      store.FormatTime(time.Now().Add(duration)),
			CallbackURL:    req.CallbackURL,
			PaymentID:      req.PaymentID,
		})
		if err != nil {
			slog.Error("failed to start watch", "userID", req.UserID, "chain", c, "error", err)
			writeError(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to start watch")
			return
		}

		status := http.StatusCreated
		if reused {
			status = http.StatusOK
		}
		writeJSON(w, status, models.APIResponse{Data: startWatchResponse{Watch: watch, Reused: reused}})
	}
}

// findOrCreateWallet reuses the user's newest UNUSED wallet on the chain or
// derives a fresh address at the next free index.
func findOrCreateWallet(db *store.DB, deriver Deriver, userID string, c models.Chain) (*models.Wallet, error) {
	wallet, err := db.FindReusableWallet(userID, c)
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		return wallet, nil
	}

	index, err := db.NextDerivationIndex(c)
	if err != nil {
		return nil, err
	}

	derived, err := deriver.Derive(c, index)
	if err != nil {
		return nil, err
	}

	wallet = &models.Wallet{
		ID:              uuid.NewString(),
		UserID:          userID,
		Chain:           c,
		Address:         derived.Address,
		EncryptedKey:    derived.EncryptedKey,
		DerivationIndex: derived.Index,
		Status:          models.WalletUnused,
	}
	if err := db.CreateWallet(wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}

// StopWatch handles DELETE /api/watch/{id}: the operator stop path, closing
// an ACTIVE watch as INACTIVE without a callback.
func StopWatch(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		watch, err := db.GetWatch(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to load watch")
			return
		}
		if watch == nil {
			writeError(w, http.StatusNotFound, config.ErrorWatchNotFound, "no watch with id "+id)
			return
		}

		if err := db.TransitionTerminal(id, models.WatchInactive); err != nil {
			if store.IsConflict(err) {
				writeError(w, http.StatusConflict, config.ErrorWatchNotActive, "watch is not active")
				return
			}
			writeError(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to stop watch")
			return
		}

		slog.Info("watch stopped by operator", "watchID", id)
		watch.Status = models.WatchInactive
		writeJSON(w, http.StatusOK, models.APIResponse{Data: watch})
	}
}

// CompleteWatch handles POST /api/watch/{id}/complete: a manual completion
// used in testing, closing the watch as CONFIRMED without chain evidence.
func CompleteWatch(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		watch, err := db.GetWatch(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to load watch")
			return
		}
		if watch == nil {
			writeError(w, http.StatusNotFound, config.ErrorWatchNotFound, "no watch with id "+id)
			return
		}

		if err := db.TransitionTerminal(id, models.WatchConfirmed); err != nil {
			if store.IsConflict(err) {
				writeError(w, http.StatusConflict, config.ErrorWatchNotActive, "watch is not active")
				return
			}
			writeError(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to complete watch")
			return
		}

		if err := db.TransitionWallet(watch.WalletID,
			[]models.WalletStatus{models.WalletUnused, models.WalletPending},
			models.WalletUsed,
		); err != nil && !store.IsConflict(err) {
			slog.Error("failed to mark wallet used on manual complete", "walletID", watch.WalletID, "error", err)
		}

		slog.Info("watch manually completed", "watchID", id)
		watch.Status = models.WatchConfirmed
		writeJSON(w, http.StatusOK, models.APIResponse{Data: watch})
	}
}

// ListWatches handles GET /api/watches with optional userId, status and chain
// filters, newest first.
func ListWatches(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filters models.WatchFilters

		if userID := r.URL.Query().Get("userId"); userID != "" {
			filters.UserID = &userID
		}
		if status := r.URL.Query().Get("status"); status != "" {
			s := models.WatchStatus(status)
			filters.Status = &s
		}
		if chainParam := r.URL.Query().Get("chain"); chainParam != "" {
			c := models.Chain(chainParam)
			if !c.Valid() {
				writeError(w, http.StatusBadRequest, config.ErrorInvalidChain, "invalid chain: "+chainParam)
				return
			}
			filters.Chain = &c
		}

		watches, err := db.ListWatches(filters)
		if err != nil {
			slog.Error("failed to list watches", "error", err)
			writeError(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to list watches")
			return
		}
		if watches == nil {
			watches = []models.Watch{}
		}
		writeJSON(w, http.StatusOK, models.APIResponse{Data: watches})
	}
}

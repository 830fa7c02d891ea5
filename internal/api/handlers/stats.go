package handlers

import (
	"log/slog"
	"net/http"

	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/models"
	"github.com/Fantasim/stablewatch/internal/store"
	"github.com/Fantasim/stablewatch/internal/sweep"
)

// Stats handles GET /api/stats with aggregate watch, wallet, deposit and
// sweep-queue counts.
func Stats(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.GetStats()
		if err != nil {
			slog.Error("failed to aggregate stats", "error", err)
			writeError(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to aggregate stats")
			return
		}
		writeJSON(w, http.StatusOK, models.APIResponse{Data: stats})
	}
}

// Gas handles GET /api/gas with the per-chain fee snapshot.
func Gas(gas *sweep.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports := gas.Snapshot()
		if reports == nil {
			reports = []sweep.Report{}
		}
		writeJSON(w, http.StatusOK, models.APIResponse{Data: reports})
	}
}

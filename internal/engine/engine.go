package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Fantasim/stablewatch/internal/callback"
	"github.com/Fantasim/stablewatch/internal/chain"
	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/models"
	"github.com/Fantasim/stablewatch/internal/store"
)

// Engine drives every ACTIVE watch from a single periodic loop. Each tick
// loads the ACTIVE set and processes watches with bounded fan-out; a per-watch
// in-flight lock keeps a slow watch from being processed twice concurrently.
// Processing is a pure function of stored state, so a crash at any point is
// repaired by the next tick.
type Engine struct {
	db         *store.DB
	cfg        *config.Config
	registry   *chain.Registry
	dispatcher *callback.Dispatcher

	mu       sync.Mutex
	inflight map[string]struct{}

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

func New(db *store.DB, cfg *config.Config, registry *chain.Registry, dispatcher *callback.Dispatcher) *Engine {
	return &Engine{
		db:         db,
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		inflight:   make(map[string]struct{}),
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// Start launches the poll and maintenance loops.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.pollLoop(ctx)
	go e.maintenanceLoop(ctx)

	slog.Info("engine started",
		"pollInterval", e.cfg.PollInterval,
		"maintenanceInterval", e.cfg.MaintenanceInterval,
		"fanout", e.cfg.WatchFanout,
	)
}

// Stop signals the loops and waits for in-flight work to finish.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	slog.Info("engine stopped")
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick processes every ACTIVE watch once with bounded fan-out.
func (e *Engine) Tick(ctx context.Context) {
	watches, err := e.db.ListActiveWatches()
	if err != nil {
		slog.Error("engine tick: failed to load active watches", "error", err)
		return
	}
	if len(watches) == 0 {
		return
	}

	slog.Debug("engine tick", "activeWatches", len(watches))

	sem := make(chan struct{}, e.cfg.WatchFanout)
	var wg sync.WaitGroup
	for i := range watches {
		w := watches[i]
		if !e.claim(w.ID) {
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer e.release(w.ID)
			e.processWatch(ctx, &w)
		}()
	}
	wg.Wait()
}

// claim marks a watch as in flight. Returns false when a previous tick is
// still working on it.
func (e *Engine) claim(watchID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[watchID]; busy {
		return false
	}
	e.inflight[watchID] = struct{}{}
	return true
}

func (e *Engine) release(watchID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, watchID)
}

// processWatch runs one watch through expiry, detection and confirmation.
func (e *Engine) processWatch(ctx context.Context, w *models.Watch) {
	now := e.now().UTC()
	defer func() {
		if err := e.db.MarkChecked(w.ID, store.FormatTime(now)); err != nil {
			slog.Error("failed to mark watch checked", "watchID", w.ID, "error", err)
		}
	}()

	expiresAt, err := store.ParseTime(w.ExpiresAt)
	if err != nil {
		slog.Error("watch has unparseable expiry, force-stopping",
			"watchID", w.ID,
			"expiresAt", w.ExpiresAt,
		)
		e.forceStop(w)
		return
	}

	// Past the callback exhaustion horizon nothing more can be won by waiting.
	if now.After(expiresAt.Add(e.cfg.CallbackExhaust)) {
		e.forceStop(w)
		return
	}

	adapter, err := e.registry.Get(w.Chain)
	if err != nil {
		slog.Error("watch on unconfigured chain", "watchID", w.ID, "chain", w.Chain, "error", err)
		return
	}

	height, err := adapter.CurrentHeight(ctx)
	if err != nil {
		slog.Warn("engine: chain height unavailable, skipping watch this tick",
			"watchID", w.ID,
			"chain", w.Chain,
			"error", err,
		)
		return
	}

	if !w.HasEvidence() {
		if err := e.detect(ctx, adapter, w, height); err != nil {
			slog.Warn("engine: detection failed",
				"watchID", w.ID,
				"chain", w.Chain,
				"error", err,
			)
		}
	}

	if w.HasEvidence() {
		e.progressConfirmation(ctx, w, height)
		return
	}

	// No deposit seen. After expiry the watch closes with an EXPIRED callback.
	if now.After(expiresAt) {
		e.expire(ctx, w)
	}
}

// expire delivers the EXPIRED callback and closes the watch. A rejected or
// unacknowledged delivery leaves the watch ACTIVE; the watch only goes
// terminal without an acknowledged callback through force-stop, which bounds
// the total effort.
func (e *Engine) expire(ctx context.Context, w *models.Watch) {
	result, attempts := e.dispatcher.Deliver(ctx, w, models.WatchExpired, nil)
	e.recordCallbackAttempts(w.ID, attempts)

	switch result {
	case callback.OK:
		if err := e.db.SetCallbackSent(w.ID, true); err != nil {
			slog.Error("failed to set callback_sent", "watchID", w.ID, "error", err)
			return
		}
		e.terminate(w, models.WatchExpired)
	case callback.Permanent:
		slog.Error("expiry callback permanently rejected, watch awaits force-stop",
			"watchID", w.ID,
			"attempts", attempts,
		)
	default:
		slog.Warn("expiry callback not acknowledged, watch stays active",
			"watchID", w.ID,
			"attempts", attempts,
		)
	}
}

// forceStop closes a watch unconditionally: CONFIRMED when evidence exists,
// EXPIRED otherwise. The callback flag stays false so operators can audit
// merchants that never acknowledged.
func (e *Engine) forceStop(w *models.Watch) {
	status := models.WatchExpired
	if w.HasEvidence() {
		status = models.WatchConfirmed
	}

	slog.Warn("force-stopping watch past exhaustion horizon",
		"watchID", w.ID,
		"status", status,
		"callbackAttempts", w.CallbackAttempts,
	)

	if !e.terminate(w, status) {
		return
	}

	// The wallet saw activity we could not hand off cleanly.
	if err := e.db.TransitionWallet(w.WalletID,
		[]models.WalletStatus{models.WalletUnused, models.WalletPending},
		models.WalletFailed,
	); err != nil && !store.IsConflict(err) {
		slog.Error("failed to fail wallet on force-stop", "walletID", w.WalletID, "error", err)
	}
}

// terminate moves the watch to a terminal state, treating a lost race as done.
func (e *Engine) terminate(w *models.Watch, status models.WatchStatus) bool {
	err := e.db.TransitionTerminal(w.ID, status)
	if err == nil {
		w.Status = status
		return true
	}
	if store.IsConflict(err) {
		slog.Debug("watch already terminal", "watchID", w.ID)
		return false
	}
	slog.Error("failed to transition watch", "watchID", w.ID, "status", status, "error", err)
	return false
}

func (e *Engine) recordCallbackAttempts(watchID string, attempts int) {
	if attempts == 0 {
		return
	}
	if err := e.db.IncrementCallbackAttempts(watchID, attempts, store.FormatTime(e.now())); err != nil {
		slog.Error("failed to record callback attempts", "watchID", watchID, "error", err)
	}
}

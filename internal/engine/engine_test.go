package engine

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Fantasim/stablewatch/internal/callback"
	"github.com/Fantasim/stablewatch/internal/chain"
	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/keys"
	"github.com/Fantasim/stablewatch/internal/models"
	"github.com/Fantasim/stablewatch/internal/store"
)

// fakeAdapter serves scripted transfers and heights.
type fakeAdapter struct {
	chainID   models.Chain
	height    uint64
	transfers map[string][]chain.TokenTransfer
}

func (f *fakeAdapter) Chain() models.Chain { return f.chainID }

func (f *fakeAdapter) CurrentHeight(ctx context.Context) (uint64, error) {
	return f.height, nil
}

func (f *fakeAdapter) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeAdapter) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeAdapter) ScanTokenTransfers(ctx context.Context, address string, fromHeight, toHeight uint64) ([]chain.TokenTransfer, error) {
	var out []chain.TokenTransfer
	for _, tr := range f.transfers[address] {
		if tr.Height > fromHeight && tr.Height <= toHeight {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeAdapter) SendToken(ctx context.Context, from *keys.Key, fromAddress, to string, amount *big.Int) (*chain.SendReceipt, error) {
	return &chain.SendReceipt{TxHash: "fake-sweep"}, nil
}

func (f *fakeAdapter) FeeData(ctx context.Context) (*chain.FeeData, error) {
	return &chain.FeeData{
		Slow:      big.NewInt(1),
		Standard:  big.NewInt(1),
		Fast:      big.NewInt(1),
		Instant:   big.NewInt(1),
		SampledAt: time.Now(),
	}, nil
}

type testRig struct {
	engine  *Engine
	db      *store.DB
	adapter *fakeAdapter
	watch   *models.Watch
	wallet  *models.Wallet
}

func newTestDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		PollInterval:          30 * time.Second,
		MaintenanceInterval:   10 * time.Minute,
		WatchFanout:           4,
		RequiredConfirmations: 3,
		ScanWindowBlocks:      1000,
		CallbackRetryDelays:   []time.Duration{0},
		CallbackExhaust:       3 * time.Hour,
	}
}

// newTestRig builds an engine over a fresh DB with one ACTIVE watch on an
// ethereum fake adapter, expecting 5.00 USDT.
func newTestRig(t *testing.T, callbackURL string) *testRig {
	t.Helper()

	db := newTestDB(t)

	wallet := &models.Wallet{
		ID:              uuid.NewString(),
		UserID:          "user-1",
		Chain:           models.ChainEthereum,
		Address:         "0xdeposit",
		EncryptedKey:    "blob",
		DerivationIndex: 100,
		Status:          models.WalletUnused,
	}
	if err := db.CreateWallet(wallet); err != nil {
		t.Fatalf("CreateWallet() error = %v", err)
	}

	var cbURL *string
	if callbackURL != "" {
		cbURL = &callbackURL
	}
	watch, _, err := db.StartOrReuseWatch(store.StartWatchParams{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		WalletID:       wallet.ID,
		Address:        wallet.Address,
		Chain:          models.ChainEthereum,
		Token:          "USDT",
		ExpectedAmount: "5.00",
		ExpiresAt:      store.FormatTime(time.Now().Add(time.Hour)),
		CallbackURL:    cbURL,
	})
	if err != nil {
		t.Fatalf("StartOrReuseWatch() error = %v", err)
	}

	adapter := &fakeAdapter{
		chainID:   models.ChainEthereum,
		height:    100,
		transfers: make(map[string][]chain.TokenTransfer),
	}
	registry := chain.NewRegistry()
	registry.Register(adapter)

	dispatcher := callback.New("test-secret", []time.Duration{0})
	eng := New(db, testConfig(), registry, dispatcher)

	return &testRig{engine: eng, db: db, adapter: adapter, watch: watch, wallet: wallet}
}

func ackServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustAmount(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := chain.ToBaseUnits(s, 6)
	if err != nil {
		t.Fatalf("ToBaseUnits(%q) error = %v", s, err)
	}
	return v
}

func TestExactPaymentConfirms(t *testing.T) {
	var calls int32
	srv := ackServer(t, &calls)
	rig := newTestRig(t, srv.URL)

	rig.adapter.transfers[rig.wallet.Address] = []chain.TokenTransfer{
		{TxHash: "0xtx1", Amount: mustAmount(t, "5.00"), Height: 98},
	}
	// 98..100 = 3 confirmations, exactly the requirement.
	rig.engine.Tick(context.Background())

	w, err := rig.db.GetWatch(rig.watch.ID)
	if err != nil {
		t.Fatalf("GetWatch() error = %v", err)
	}
	if w.Status != models.WatchConfirmed {
		t.Fatalf("watch status = %s, want CONFIRMED", w.Status)
	}
	if !w.CallbackSent {
		t.Error("callback_sent should be true")
	}
	if w.TxHash == nil || *w.TxHash != "0xtx1" {
		t.Errorf("watch tx_hash = %v, want 0xtx1", w.TxHash)
	}
	if w.Confirmations != 3 {
		t.Errorf("confirmations = %d, want 3", w.Confirmations)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("callback calls = %d, want 1", calls)
	}

	wallet, _ := rig.db.GetWallet(rig.wallet.ID)
	if wallet.Status != models.WalletUsed {
		t.Errorf("wallet status = %s, want USED", wallet.Status)
	}

	dep, _ := rig.db.GetDeposit(models.ChainEthereum, "0xtx1")
	if dep == nil || dep.Status != models.DepositConfirmed {
		t.Errorf("deposit = %+v, want CONFIRMED", dep)
	}

	queued, _ := rig.db.ListQueuedByChain(models.ChainEthereum)
	if len(queued) != 1 {
		t.Errorf("queued sweeps = %d, want 1", len(queued))
	}
}

func TestUnderpaymentWithinToleranceConfirms(t *testing.T) {
	srv := ackServer(t, nil)
	rig := newTestRig(t, srv.URL)

	rig.adapter.transfers[rig.wallet.Address] = []chain.TokenTransfer{
		{TxHash: "0xtx2", Amount: mustAmount(t, "4.999999"), Height: 98},
	}
	rig.engine.Tick(context.Background())

	w, _ := rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchConfirmed {
		t.Errorf("watch status = %s, want CONFIRMED (within tolerance)", w.Status)
	}
	if w.ActualAmount == nil || *w.ActualAmount != "4.999999" {
		t.Errorf("actual amount = %v, want 4.999999", w.ActualAmount)
	}
}

func TestUnderpaymentBeyondToleranceIgnored(t *testing.T) {
	srv := ackServer(t, nil)
	rig := newTestRig(t, srv.URL)

	rig.adapter.transfers[rig.wallet.Address] = []chain.TokenTransfer{
		{TxHash: "0xtx3", Amount: mustAmount(t, "4.50"), Height: 98},
	}
	rig.engine.Tick(context.Background())

	w, _ := rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchActive {
		t.Errorf("watch status = %s, want ACTIVE", w.Status)
	}
	if w.HasEvidence() {
		t.Error("an underpayment beyond tolerance must not become evidence")
	}

	// The transfer is still archived.
	dep, _ := rig.db.GetDeposit(models.ChainEthereum, "0xtx3")
	if dep == nil {
		t.Error("underpayment should still be recorded as a deposit")
	}
}

func TestOverpaymentBeyondToleranceIgnored(t *testing.T) {
	srv := ackServer(t, nil)
	rig := newTestRig(t, srv.URL)

	rig.adapter.transfers[rig.wallet.Address] = []chain.TokenTransfer{
		{TxHash: "0xtx8", Amount: mustAmount(t, "5.02"), Height: 98},
	}
	rig.engine.Tick(context.Background())

	w, _ := rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchActive {
		t.Errorf("watch status = %s, want ACTIVE", w.Status)
	}
	if w.HasEvidence() {
		t.Error("an overpayment beyond tolerance must not become evidence")
	}

	dep, _ := rig.db.GetDeposit(models.ChainEthereum, "0xtx8")
	if dep == nil {
		t.Error("overpayment should still be recorded as a deposit")
	}
}

func TestConfirmationAccruesAcrossTicks(t *testing.T) {
	srv := ackServer(t, nil)
	rig := newTestRig(t, srv.URL)

	rig.adapter.transfers[rig.wallet.Address] = []chain.TokenTransfer{
		{TxHash: "0xtx4", Amount: mustAmount(t, "5.00"), Height: 100},
	}
	// Tip at 101: 2 confirmations, below the requirement of 3.
	rig.adapter.height = 101
	rig.engine.Tick(context.Background())

	w, _ := rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchActive {
		t.Fatalf("watch status = %s, want ACTIVE while confirming", w.Status)
	}
	if w.Confirmations != 2 {
		t.Errorf("confirmations = %d, want 2", w.Confirmations)
	}

	rig.adapter.height = 102
	rig.engine.Tick(context.Background())

	w, _ = rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchConfirmed {
		t.Errorf("watch status = %s, want CONFIRMED at 3 confirmations", w.Status)
	}
}

func TestOverlappingScansCreditOnce(t *testing.T) {
	srv := ackServer(t, nil)
	rig := newTestRig(t, srv.URL)

	// Beyond tolerance, so the watch keeps scanning on later ticks.
	rig.adapter.transfers[rig.wallet.Address] = []chain.TokenTransfer{
		{TxHash: "0xtx5", Amount: mustAmount(t, "4.00"), Height: 100},
	}
	rig.adapter.height = 101
	rig.engine.Tick(context.Background())

	// Rewind the cursor directly to force an overlapping re-scan; the cursor
	// update itself is monotone.
	if _, err := rig.db.Conn().Exec(`UPDATE watches SET last_scanned_height = 90 WHERE id = ?`, rig.watch.ID); err != nil {
		t.Fatalf("failed to rewind scan cursor: %v", err)
	}
	rig.adapter.height = 102
	rig.engine.Tick(context.Background())

	count, err := rig.db.CountDepositsByWatch(rig.watch.ID)
	if err != nil {
		t.Fatalf("CountDepositsByWatch() error = %v", err)
	}
	if count != 1 {
		t.Errorf("deposits recorded = %d, want 1 (dedup by (chain, txHash))", count)
	}
}

func TestExpiryDeliversExpiredCallback(t *testing.T) {
	var status atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p struct {
			Status string `json:"status"`
		}
		if err := jsonDecode(r, &p); err == nil {
			status.Store(p.Status)
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	rig := newTestRig(t, srv.URL)

	// Jump past the expiry but inside the exhaustion horizon.
	rig.engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	rig.engine.Tick(context.Background())

	w, _ := rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchExpired {
		t.Fatalf("watch status = %s, want EXPIRED", w.Status)
	}
	if !w.CallbackSent {
		t.Error("callback_sent should be true after acknowledged expiry")
	}
	if got, _ := status.Load().(string); got != "EXPIRED" {
		t.Errorf("callback payload status = %q, want EXPIRED", got)
	}

	wallet, _ := rig.db.GetWallet(rig.wallet.ID)
	if wallet.Status != models.WalletUnused {
		t.Errorf("wallet status = %s, want UNUSED after plain expiry", wallet.Status)
	}
}

func TestUnacknowledgedCallbackRetriesNextTick(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	rig := newTestRig(t, srv.URL)
	rig.adapter.transfers[rig.wallet.Address] = []chain.TokenTransfer{
		{TxHash: "0xtx6", Amount: mustAmount(t, "5.00"), Height: 98},
	}

	rig.engine.Tick(context.Background())
	w, _ := rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchActive {
		t.Fatalf("watch status after failed callback = %s, want ACTIVE", w.Status)
	}
	if w.CallbackAttempts == 0 {
		t.Error("callback attempts should be recorded")
	}

	rig.engine.Tick(context.Background())
	w, _ = rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchConfirmed {
		t.Errorf("watch status after retry = %s, want CONFIRMED", w.Status)
	}
	if !w.CallbackSent {
		t.Error("callback_sent should be true after retry succeeds")
	}

	// The sweep was queued once despite two confirm passes.
	queued, _ := rig.db.ListQueuedByChain(models.ChainEthereum)
	if len(queued) != 1 {
		t.Errorf("queued sweeps = %d, want 1", len(queued))
	}
}

func TestForceStopAfterExhaustionHorizon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rig := newTestRig(t, srv.URL)
	rig.adapter.transfers[rig.wallet.Address] = []chain.TokenTransfer{
		{TxHash: "0xtx7", Amount: mustAmount(t, "5.00"), Height: 98},
	}

	// Detect the deposit; the callback never succeeds.
	rig.engine.Tick(context.Background())
	w, _ := rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchActive {
		t.Fatalf("watch status = %s, want ACTIVE while callback fails", w.Status)
	}

	// Past expiry + exhaustion horizon the watch is cut loose.
	rig.engine.now = func() time.Time { return time.Now().Add(5 * time.Hour) }
	rig.engine.Tick(context.Background())

	w, _ = rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchConfirmed {
		t.Errorf("force-stopped watch with evidence = %s, want CONFIRMED", w.Status)
	}
	if w.CallbackSent {
		t.Error("callback_sent must stay false on force-stop")
	}

	wallet, _ := rig.db.GetWallet(rig.wallet.ID)
	if wallet.Status != models.WalletFailed {
		t.Errorf("wallet status = %s, want FAILED after force-stop", wallet.Status)
	}
}

func TestPermanentRejectionAwaitsForceStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rig := newTestRig(t, srv.URL)
	rig.adapter.transfers[rig.wallet.Address] = []chain.TokenTransfer{
		{TxHash: "0xtx9", Amount: mustAmount(t, "5.00"), Height: 98},
	}

	// The receiver rejects outright; the watch must not go terminal early.
	rig.engine.Tick(context.Background())

	w, _ := rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchActive {
		t.Fatalf("watch status after rejected callback = %s, want ACTIVE", w.Status)
	}
	if !w.HasEvidence() {
		t.Error("evidence must be preserved while the callback is rejected")
	}
	if w.CallbackSent {
		t.Error("callback_sent must stay false on rejection")
	}

	wallet, _ := rig.db.GetWallet(rig.wallet.ID)
	if wallet.Status != models.WalletPending {
		t.Errorf("wallet status = %s, want PENDING while undelivered", wallet.Status)
	}

	// Only force-stop past the exhaustion horizon closes it.
	rig.engine.now = func() time.Time { return time.Now().Add(5 * time.Hour) }
	rig.engine.Tick(context.Background())

	w, _ = rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchConfirmed {
		t.Errorf("force-stopped watch = %s, want CONFIRMED", w.Status)
	}
	if w.CallbackSent {
		t.Error("callback_sent must stay false on force-stop")
	}

	wallet, _ = rig.db.GetWallet(rig.wallet.ID)
	if wallet.Status != models.WalletFailed {
		t.Errorf("wallet status = %s, want FAILED after force-stop", wallet.Status)
	}
}

func TestExpiryPermanentRejectionAwaitsForceStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rig := newTestRig(t, srv.URL)

	// Past expiry but inside the horizon: the rejection leaves it ACTIVE.
	rig.engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	rig.engine.Tick(context.Background())

	w, _ := rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchActive {
		t.Fatalf("watch status after rejected expiry callback = %s, want ACTIVE", w.Status)
	}

	rig.engine.now = func() time.Time { return time.Now().Add(5 * time.Hour) }
	rig.engine.Tick(context.Background())

	w, _ = rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchExpired {
		t.Errorf("force-stopped watch without evidence = %s, want EXPIRED", w.Status)
	}
	if w.CallbackSent {
		t.Error("callback_sent must stay false on force-stop")
	}
}

func TestForceStopWithoutEvidenceExpires(t *testing.T) {
	rig := newTestRig(t, "") // no callback URL

	rig.engine.now = func() time.Time { return time.Now().Add(5 * time.Hour) }
	rig.engine.Tick(context.Background())

	w, _ := rig.db.GetWatch(rig.watch.ID)
	if w.Status != models.WatchExpired {
		t.Errorf("force-stopped watch without evidence = %s, want EXPIRED", w.Status)
	}
}

func TestMaintenanceRetriesOrphanedCallback(t *testing.T) {
	var calls int32
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	rig := newTestRig(t, srv.URL)

	// Expire with a dead receiver: Permanent never happens, watch keeps
	// retrying until terminal by hand here.
	if err := rig.db.TransitionTerminal(rig.watch.ID, models.WatchExpired); err != nil {
		t.Fatalf("TransitionTerminal() error = %v", err)
	}

	healthy.Store(true)
	rig.engine.Maintain(context.Background())

	w, _ := rig.db.GetWatch(rig.watch.ID)
	if !w.CallbackSent {
		t.Error("maintenance should deliver the orphaned callback")
	}
	if atomic.LoadInt32(&calls) == 0 {
		t.Error("maintenance never called the receiver")
	}
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

package sweep

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Fantasim/stablewatch/internal/chain"
	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/keys"
	"github.com/Fantasim/stablewatch/internal/models"
	"github.com/Fantasim/stablewatch/internal/store"
)

type sentTransfer struct {
	from   string
	to     string
	amount *big.Int
}

// fakeAdapter scripts fee data and records outgoing transfers.
type fakeAdapter struct {
	chainID  models.Chain
	standard *big.Int
	sendErr  error

	mu    sync.Mutex
	sends []sentTransfer
}

func (f *fakeAdapter) Chain() models.Chain { return f.chainID }

func (f *fakeAdapter) CurrentHeight(ctx context.Context) (uint64, error) { return 100, nil }

func (f *fakeAdapter) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeAdapter) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeAdapter) ScanTokenTransfers(ctx context.Context, address string, fromHeight, toHeight uint64) ([]chain.TokenTransfer, error) {
	return nil, nil
}

func (f *fakeAdapter) SendToken(ctx context.Context, from *keys.Key, fromAddress, to string, amount *big.Int) (*chain.SendReceipt, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.mu.Lock()
	f.sends = append(f.sends, sentTransfer{from: fromAddress, to: to, amount: new(big.Int).Set(amount)})
	n := len(f.sends)
	f.mu.Unlock()
	return &chain.SendReceipt{TxHash: fmt.Sprintf("0xsweep%d", n), GasUsed: 50_000}, nil
}

func (f *fakeAdapter) FeeData(ctx context.Context) (*chain.FeeData, error) {
	std := f.standard
	if std == nil {
		std = big.NewInt(30_000_000_000)
	}
	return &chain.FeeData{
		Slow:      new(big.Int).Div(std, big.NewInt(2)),
		Standard:  new(big.Int).Set(std),
		Fast:      new(big.Int).Mul(std, big.NewInt(2)),
		Instant:   new(big.Int).Mul(std, big.NewInt(3)),
		SampledAt: time.Now(),
	}, nil
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// fakeOpener hands out throwaway keys without real decryption.
type fakeOpener struct {
	err error
}

func (o *fakeOpener) Open(c models.Chain, encryptedKey string) (*keys.Key, error) {
	if o.err != nil {
		return nil, o.err
	}
	return &keys.Key{Family: keys.FamilyOf(c)}, nil
}

type schedRig struct {
	scheduler *Scheduler
	db        *store.DB
	adapter   *fakeAdapter
	cfg       *config.Config
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

func newSchedRig(t *testing.T) *schedRig {
	t.Helper()

	cfg := &config.Config{
		BatchMinSize:    5,
		BatchMaxSize:    20,
		BatchMaxWait:    4 * time.Hour,
		BatchInterval:   5 * time.Minute,
		GasInterval:     5 * time.Minute,
		CustodyEthereum: "0xcustody",
	}

	adapter := &fakeAdapter{chainID: models.ChainEthereum}
	registry := chain.NewRegistry()
	registry.Register(adapter)

	db := newTestDB(t)
	gas := NewMonitor(cfg, registry)
	sched := NewScheduler(db, cfg, registry, &fakeOpener{}, gas)

	return &schedRig{scheduler: sched, db: db, adapter: adapter, cfg: cfg}
}

// queueItem seeds a wallet, a watch and a queued batch item for one user.
func queueItem(t *testing.T, db *store.DB, n int, amount string) *models.BatchItem {
	t.Helper()

	user := fmt.Sprintf("user-%d", n)
	wallet := &models.Wallet{
		ID:              uuid.NewString(),
		UserID:          user,
		Chain:           models.ChainEthereum,
		Address:         fmt.Sprintf("0xwallet%d", n),
		EncryptedKey:    "blob",
		DerivationIndex: store.WalletIndexBase + n,
		Status:          models.WalletPending,
	}
	if err := db.CreateWallet(wallet); err != nil {
		t.Fatalf("CreateWallet() error = %v", err)
	}

	watch, _, err := db.StartOrReuseWatch(store.StartWatchParams{
		ID:             uuid.NewString(),
		UserID:         user,
		WalletID:       wallet.ID,
		Address:        wallet.Address,
		Chain:          models.ChainEthereum,
		Token:          "USDT",
		ExpectedAmount: amount,
		ExpiresAt:      store.FormatTime(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("StartOrReuseWatch() error = %v", err)
	}

	item := &models.BatchItem{
		ID:      uuid.NewString(),
		WatchID: watch.ID,
		Chain:   models.ChainEthereum,
		UserID:  user,
		Amount:  amount,
	}
	if _, err := db.EnqueueBatchItem(item); err != nil {
		t.Fatalf("EnqueueBatchItem() error = %v", err)
	}
	return item
}

func batchStates(t *testing.T, db *store.DB) map[models.BatchState]int {
	t.Helper()
	stats, err := db.BatchStats(models.ChainEthereum)
	if err != nil {
		t.Fatalf("BatchStats() error = %v", err)
	}
	return stats
}

func TestBatchFiresAtMinSize(t *testing.T) {
	rig := newSchedRig(t)
	for i := 0; i < rig.cfg.BatchMinSize; i++ {
		queueItem(t, rig.db, i, "5.00")
	}

	rig.scheduler.Sweep(context.Background())

	stats := batchStates(t, rig.db)
	if stats[models.BatchDone] != rig.cfg.BatchMinSize {
		t.Errorf("done items = %d, want %d", stats[models.BatchDone], rig.cfg.BatchMinSize)
	}
	if rig.adapter.sendCount() != rig.cfg.BatchMinSize {
		t.Errorf("transfers sent = %d, want %d", rig.adapter.sendCount(), rig.cfg.BatchMinSize)
	}
	for _, s := range rig.adapter.sends {
		if s.to != "0xcustody" {
			t.Errorf("sweep destination = %s, want custody address", s.to)
		}
	}
}

func TestSmallFreshBatchWaits(t *testing.T) {
	rig := newSchedRig(t)
	queueItem(t, rig.db, 0, "5.00")
	queueItem(t, rig.db, 1, "7.00")

	rig.scheduler.Sweep(context.Background())

	stats := batchStates(t, rig.db)
	if stats[models.BatchQueued] != 2 {
		t.Errorf("queued items = %d, want 2 (below every trigger)", stats[models.BatchQueued])
	}
	if rig.adapter.sendCount() != 0 {
		t.Errorf("transfers sent = %d, want 0", rig.adapter.sendCount())
	}
}

func TestAgedBatchFires(t *testing.T) {
	rig := newSchedRig(t)
	item := queueItem(t, rig.db, 0, "5.00")

	// Age the item past the batch wait.
	aged := store.FormatTime(time.Now().Add(-5 * time.Hour))
	if _, err := rig.db.Conn().Exec(`UPDATE batch_items SET created_at = ? WHERE id = ?`, aged, item.ID); err != nil {
		t.Fatalf("failed to age batch item: %v", err)
	}

	rig.scheduler.Sweep(context.Background())

	stats := batchStates(t, rig.db)
	if stats[models.BatchDone] != 1 {
		t.Errorf("done items = %d, want 1 (age trigger)", stats[models.BatchDone])
	}
}

func TestCheapGasFires(t *testing.T) {
	rig := newSchedRig(t)
	rig.cfg.GasThresholdEthereum = "20"               // gwei
	rig.adapter.standard = big.NewInt(10_000_000_000) // 10 gwei

	queueItem(t, rig.db, 0, "5.00")
	rig.scheduler.Sweep(context.Background())

	stats := batchStates(t, rig.db)
	if stats[models.BatchDone] != 1 {
		t.Errorf("done items = %d, want 1 (cheap-gas trigger)", stats[models.BatchDone])
	}
}

func TestExpensiveGasWaits(t *testing.T) {
	rig := newSchedRig(t)
	rig.cfg.GasThresholdEthereum = "20"               // gwei
	rig.adapter.standard = big.NewInt(50_000_000_000) // 50 gwei

	queueItem(t, rig.db, 0, "5.00")
	rig.scheduler.Sweep(context.Background())

	stats := batchStates(t, rig.db)
	if stats[models.BatchQueued] != 1 {
		t.Errorf("queued items = %d, want 1 (gas too expensive)", stats[models.BatchQueued])
	}
}

func TestPriorityChainFiresImmediately(t *testing.T) {
	rig := newSchedRig(t)
	rig.cfg.PriorityChains = []string{string(models.ChainEthereum)}

	queueItem(t, rig.db, 0, "5.00")
	rig.scheduler.Sweep(context.Background())

	stats := batchStates(t, rig.db)
	if stats[models.BatchDone] != 1 {
		t.Errorf("done items = %d, want 1 (priority trigger)", stats[models.BatchDone])
	}
}

func TestBatchCapsAtMaxSize(t *testing.T) {
	rig := newSchedRig(t)
	for i := 0; i < rig.cfg.BatchMaxSize+5; i++ {
		queueItem(t, rig.db, i, "5.00")
	}

	rig.scheduler.Sweep(context.Background())

	stats := batchStates(t, rig.db)
	if stats[models.BatchDone] != rig.cfg.BatchMaxSize {
		t.Errorf("done items = %d, want %d", stats[models.BatchDone], rig.cfg.BatchMaxSize)
	}
	if stats[models.BatchQueued] != 5 {
		t.Errorf("queued items = %d, want 5 left for the next pass", stats[models.BatchQueued])
	}
}

func TestFailedSendRecordedPerItem(t *testing.T) {
	rig := newSchedRig(t)
	rig.adapter.sendErr = errors.New("nonce too low")
	for i := 0; i < rig.cfg.BatchMinSize; i++ {
		queueItem(t, rig.db, i, "5.00")
	}

	rig.scheduler.Sweep(context.Background())

	stats := batchStates(t, rig.db)
	if stats[models.BatchFailed] != rig.cfg.BatchMinSize {
		t.Errorf("failed items = %d, want %d", stats[models.BatchFailed], rig.cfg.BatchMinSize)
	}
}

func TestOpenerFailureFailsItemNotBatch(t *testing.T) {
	rig := newSchedRig(t)
	opener := &fakeOpener{err: errors.New("bad key blob")}
	rig.scheduler.opener = opener

	for i := 0; i < rig.cfg.BatchMinSize; i++ {
		queueItem(t, rig.db, i, "5.00")
	}
	rig.scheduler.Sweep(context.Background())

	stats := batchStates(t, rig.db)
	if stats[models.BatchFailed] != rig.cfg.BatchMinSize {
		t.Errorf("failed items = %d, want all failed on key error", stats[models.BatchFailed])
	}
	if rig.adapter.sendCount() != 0 {
		t.Errorf("transfers sent = %d, want 0 when keys cannot be opened", rig.adapter.sendCount())
	}
}

func TestSweepAmountConversion(t *testing.T) {
	rig := newSchedRig(t)
	rig.cfg.PriorityChains = []string{string(models.ChainEthereum)}
	queueItem(t, rig.db, 0, "12.34")

	rig.scheduler.Sweep(context.Background())

	if rig.adapter.sendCount() != 1 {
		t.Fatalf("transfers sent = %d, want 1", rig.adapter.sendCount())
	}
	want := big.NewInt(12_340_000) // 12.34 with 6 decimals
	if rig.adapter.sends[0].amount.Cmp(want) != 0 {
		t.Errorf("sweep amount = %s, want %s", rig.adapter.sends[0].amount, want)
	}
}

func TestPeriodsJudgedSeparately(t *testing.T) {
	rig := newSchedRig(t)

	aged := queueItem(t, rig.db, 0, "5.00")
	old := store.FormatTime(time.Now().Add(-5 * time.Hour))
	if _, err := rig.db.Conn().Exec(`UPDATE batch_items SET created_at = ? WHERE id = ?`, old, aged.ID); err != nil {
		t.Fatalf("failed to age batch item: %v", err)
	}
	queueItem(t, rig.db, 1, "6.00")
	queueItem(t, rig.db, 2, "7.00")

	rig.scheduler.Sweep(context.Background())

	// The old period fires on age; the fresh period is still below every trigger.
	stats := batchStates(t, rig.db)
	if stats[models.BatchDone] != 1 {
		t.Errorf("done items = %d, want 1 (aged period only)", stats[models.BatchDone])
	}
	if stats[models.BatchQueued] != 2 {
		t.Errorf("queued items = %d, want 2 (fresh period waits)", stats[models.BatchQueued])
	}
}

func TestThresholdBaseUnits(t *testing.T) {
	v, err := thresholdBaseUnits(models.ChainEthereum, "20")
	if err != nil {
		t.Fatalf("thresholdBaseUnits() error = %v", err)
	}
	if v.Cmp(big.NewInt(20_000_000_000)) != 0 {
		t.Errorf("ethereum threshold = %s, want 20 gwei in wei", v)
	}

	v, err = thresholdBaseUnits(models.ChainTron, "420")
	if err != nil {
		t.Fatalf("thresholdBaseUnits() error = %v", err)
	}
	if v.Cmp(big.NewInt(420)) != 0 {
		t.Errorf("tron threshold = %s, want 420 sun unchanged", v)
	}

	if _, err := thresholdBaseUnits(models.ChainEthereum, "not-a-number"); err == nil {
		t.Error("thresholdBaseUnits() should reject malformed input")
	}
}

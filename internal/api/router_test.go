package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Fantasim/stablewatch/internal/api/middleware"
	"github.com/Fantasim/stablewatch/internal/chain"
	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/keys"
	"github.com/Fantasim/stablewatch/internal/models"
	"github.com/Fantasim/stablewatch/internal/store"
	"github.com/Fantasim/stablewatch/internal/sweep"
)

type nopDeriver struct{}

func (nopDeriver) Derive(c models.Chain, index int) (*keys.DerivedWallet, error) {
	return &keys.DerivedWallet{Address: "0xaddr", EncryptedKey: "blob", Index: index}, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	cfg := &config.Config{
		APIKey:        "test-key",
		WatchDuration: time.Hour,
		GasInterval:   5 * time.Minute,
	}
	gas := sweep.NewMonitor(cfg, chain.NewRegistry())
	return NewRouter(db, cfg, nopDeriver{}, gas)
}

func TestHealthIsOpen(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 without an API key", rec.Code)
	}
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	r := newTestRouter(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/watches"},
		{http.MethodGet, "/api/stats"},
		{http.MethodGet, "/api/gas"},
		{http.MethodPost, "/api/watch"},
	}
	for _, p := range paths {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(p.method, p.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401 without key", p.method, p.path, rec.Code)
		}
	}
}

func TestProtectedRouteWithKey(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/gas", nil)
	req.Header.Set(middleware.APIKeyHeader, "test-key")
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("gas status = %d, want 200 with key", rec.Code)
	}
}

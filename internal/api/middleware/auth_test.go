package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func protected(key string) http.Handler {
	return APIKey(key)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestAPIKeyAccepts(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set(APIKeyHeader, "secret-key")

	protected("secret-key").ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want request to pass through", rec.Code)
	}
}

func TestAPIKeyRejectsWrongKey(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set(APIKeyHeader, "wrong")

	protected("secret-key").ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAPIKeyRejectsMissingHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	protected("secret-key").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAPIKeyRejectsWhenUnconfigured(t *testing.T) {
	// An empty configured key must never open the API.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set(APIKeyHeader, "")

	protected("").ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 when no key is configured", rec.Code)
	}
}

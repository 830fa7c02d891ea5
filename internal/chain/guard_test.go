package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Fantasim/stablewatch/internal/config"
)

func failingCall(ctx context.Context) error { return errors.New("provider down") }
func okCall(ctx context.Context) error      { return nil }

func newTestGuard() *Guard {
	g := NewGuard("test", 1000)
	g.cooldown = 50 * time.Millisecond
	return g
}

func TestGuardOpensAfterThreshold(t *testing.T) {
	g := newTestGuard()
	ctx := context.Background()

	for i := 0; i < config.CircuitBreakerThreshold; i++ {
		if err := g.Do(ctx, failingCall); err == nil {
			t.Fatal("Do() with failing call should return error")
		}
	}

	if g.State() != config.CircuitOpen {
		t.Errorf("state after %d failures = %s, want %s", config.CircuitBreakerThreshold, g.State(), config.CircuitOpen)
	}

	err := g.Do(ctx, okCall)
	if err == nil {
		t.Fatal("Do() with open breaker should reject the call")
	}
	if !errors.Is(err, config.ErrChainTransient) {
		t.Errorf("open breaker error should be transient, got %v", err)
	}
}

func TestGuardHalfOpenRecovery(t *testing.T) {
	g := newTestGuard()
	ctx := context.Background()

	for i := 0; i < config.CircuitBreakerThreshold; i++ {
		g.Do(ctx, failingCall)
	}
	if g.State() != config.CircuitOpen {
		t.Fatalf("state = %s, want open", g.State())
	}

	time.Sleep(g.cooldown + 10*time.Millisecond)

	if err := g.Do(ctx, okCall); err != nil {
		t.Fatalf("Do() after cooldown should allow a probe, got %v", err)
	}
	if g.State() != config.CircuitClosed {
		t.Errorf("state after successful probe = %s, want %s", g.State(), config.CircuitClosed)
	}
	if g.ConsecutiveFailures() != 0 {
		t.Errorf("failure count after recovery = %d, want 0", g.ConsecutiveFailures())
	}
}

func TestGuardHalfOpenReopensOnFailure(t *testing.T) {
	g := newTestGuard()
	ctx := context.Background()

	for i := 0; i < config.CircuitBreakerThreshold; i++ {
		g.Do(ctx, failingCall)
	}

	time.Sleep(g.cooldown + 10*time.Millisecond)

	if err := g.Do(ctx, failingCall); err == nil {
		t.Fatal("probe call should propagate the failure")
	}
	if g.State() != config.CircuitOpen {
		t.Errorf("state after failed probe = %s, want %s", g.State(), config.CircuitOpen)
	}
}

func TestGuardClosedPassesThrough(t *testing.T) {
	g := newTestGuard()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := g.Do(ctx, okCall); err != nil {
			t.Fatalf("Do() error = %v", err)
		}
	}
	if g.State() != config.CircuitClosed {
		t.Errorf("state = %s, want %s", g.State(), config.CircuitClosed)
	}
}

func TestGuardFailureCountResetsOnSuccess(t *testing.T) {
	g := newTestGuard()
	ctx := context.Background()

	g.Do(ctx, failingCall)
	g.Do(ctx, failingCall)
	if g.ConsecutiveFailures() != 2 {
		t.Fatalf("failure count = %d, want 2", g.ConsecutiveFailures())
	}

	g.Do(ctx, okCall)
	if g.ConsecutiveFailures() != 0 {
		t.Errorf("failure count after success = %d, want 0", g.ConsecutiveFailures())
	}
}

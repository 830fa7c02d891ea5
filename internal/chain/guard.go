package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Fantasim/stablewatch/internal/config"
)

// ErrCircuitOpen is returned when the provider's circuit breaker is tripped.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Guard wraps every RPC call with a token-bucket rate limiter and a circuit
// breaker. One Guard per provider endpoint.
//
// Breaker state machine:
//   - closed: requests pass, consecutive failures counted. threshold → open.
//   - open: requests rejected until the cooldown elapses → half-open.
//   - half-open: one probe allowed. Success → closed, failure → open.
type Guard struct {
	name    string
	limiter *rate.Limiter

	mu               sync.Mutex
	state            string
	consecutiveFails int
	threshold        int
	cooldown         time.Duration
	lastFailure      time.Time
	halfOpenAllowed  int
	halfOpenCount    int
}

// NewGuard creates a provider guard allowing rps requests per second.
// Burst(1) spreads requests evenly across the second so a polling burst does
// not trip the provider's own rate limiting.
func NewGuard(name string, rps int) *Guard {
	slog.Debug("provider guard created", "provider", name, "rps", rps)
	return &Guard{
		name:            name,
		limiter:         rate.NewLimiter(rate.Limit(rps), 1),
		state:           config.CircuitClosed,
		threshold:       config.CircuitBreakerThreshold,
		cooldown:        config.CircuitBreakerCooldown,
		halfOpenAllowed: config.CircuitBreakerHalfOpenMax,
	}
}

// Do runs fn behind the limiter and breaker. Breaker rejections surface as
// ErrCircuitOpen wrapped in a transient chain error.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !g.allow() {
		return transientErr("provider %s: %s", g.name, ErrCircuitOpen)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		slog.Warn("rate limiter wait cancelled", "provider", g.name, "error", err)
		return err
	}

	if err := fn(ctx); err != nil {
		g.recordFailure()
		return err
	}
	g.recordSuccess()
	return nil
}

// State returns the current breaker state for the health surface.
func (g *Guard) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ConsecutiveFailures returns the current failure count.
func (g *Guard) ConsecutiveFailures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveFails
}

func (g *Guard) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case config.CircuitClosed:
		return true

	case config.CircuitOpen:
		if time.Since(g.lastFailure) >= g.cooldown {
			slog.Debug("circuit breaker transitioning to half-open",
				"provider", g.name,
				"consecutiveFails", g.consecutiveFails,
			)
			g.state = config.CircuitHalfOpen
			g.halfOpenCount = 0
			g.halfOpenCount++
			return true
		}
		return false

	case config.CircuitHalfOpen:
		if g.halfOpenCount < g.halfOpenAllowed {
			g.halfOpenCount++
			return true
		}
		return false

	default:
		return false
	}
}

func (g *Guard) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	previous := g.state
	g.consecutiveFails = 0
	g.state = config.CircuitClosed
	g.halfOpenCount = 0

	if previous != config.CircuitClosed {
		slog.Info("circuit breaker closed after success",
			"provider", g.name,
			"previousState", previous,
		)
	}
}

func (g *Guard) recordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveFails++
	g.lastFailure = time.Now()

	if g.state == config.CircuitHalfOpen {
		slog.Warn("circuit breaker reopened from half-open after failure",
			"provider", g.name,
			"consecutiveFails", g.consecutiveFails,
		)
		g.state = config.CircuitOpen
		g.halfOpenCount = 0
		return
	}

	if g.consecutiveFails >= g.threshold {
		slog.Warn("circuit breaker tripped to open",
			"provider", g.name,
			"consecutiveFails", g.consecutiveFails,
			"threshold", g.threshold,
		)
		g.state = config.CircuitOpen
		g.halfOpenCount = 0
	}
}

package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/models"
)

// Result classifies one delivery attempt sequence.
type Result int

const (
	// OK: the receiver acknowledged the callback.
	OK Result = iota
	// Retriable: delivery failed but a later attempt may succeed.
	Retriable
	// Permanent: the receiver rejected the callback; retrying is pointless.
	Permanent
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case Retriable:
		return "RETRIABLE"
	default:
		return "PERMANENT"
	}
}

// Evidence carries the detected deposit details into the payload.
type Evidence struct {
	TxHash        string
	ActualAmount  string
	Confirmations int
}

// payload is the signed JSON body POSTed to the merchant callback URL.
// actualAmount and txHash serialize as explicit null when no deposit evidence
// exists (EXPIRED watches).
type payload struct {
	UserID         string  `json:"userId"`
	Address        string  `json:"address"`
	Chain          string  `json:"chain"`
	Token          string  `json:"token"`
	ExpectedAmount string  `json:"expectedAmount"`
	ActualAmount   *string `json:"actualAmount"`
	Confirmations  int     `json:"confirmations"`
	Status         string  `json:"status"`
	TxHash         *string `json:"txHash"`
	Timestamp      string  `json:"timestamp"`
	WatchID        string  `json:"watchId"`
	PaymentID      string  `json:"paymentId,omitempty"`
}

// ackBody is the receiver's response body. Only {"status":"ok"} acknowledges.
type ackBody struct {
	Status string `json:"status"`
}

// Dispatcher delivers HMAC-signed watch callbacks with at-least-once
// semantics. Each Deliver call walks the configured retry delays; the caller
// owns persistence of attempt counts and the callback-sent flag.
type Dispatcher struct {
	client *http.Client
	secret []byte
	delays []time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // per callback host
}

// New builds a dispatcher signing with the shared secret. delays are waited
// before each attempt; their count is the attempt budget per Deliver call.
func New(sharedSecret string, delays []time.Duration) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: config.CallbackTimeout},
		secret: []byte(sharedSecret),
		delays: delays,
	}
}

// Sign computes the hex HMAC-SHA256 signature header value for a body.
func (d *Dispatcher) Sign(body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write(body)
	return config.SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Deliver sends the callback for a watch, retrying per the configured
// schedule. Returns the final classification and the number of attempts made.
func (d *Dispatcher) Deliver(ctx context.Context, watch *models.Watch, status models.WatchStatus, ev *Evidence) (Result, int) {
	if watch.CallbackURL == nil || *watch.CallbackURL == "" {
		// Nothing to notify; treat as acknowledged.
		return OK, 0
	}
	target := *watch.CallbackURL

	p := payload{
		UserID:         watch.UserID,
		Address:        watch.Address,
		Chain:          string(watch.Chain),
		Token:          watch.Chain.Token(),
		ExpectedAmount: watch.ExpectedAmount,
		Status:         string(status),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		WatchID:        watch.ID,
	}
	if watch.PaymentID != nil {
		p.PaymentID = *watch.PaymentID
	}
	if ev != nil {
		p.ActualAmount = &ev.ActualAmount
		p.TxHash = &ev.TxHash
		p.Confirmations = ev.Confirmations
	}

	body, err := json.Marshal(p)
	if err != nil {
		slog.Error("callback payload marshal failed", "watchID", watch.ID, "error", err)
		return Permanent, 0
	}

	attempts := 0
	for _, delay := range d.delays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return Retriable, attempts
			case <-time.After(delay):
			}
		}

		attempts++
		result := d.attempt(ctx, target, body, watch.ID, attempts)
		if result != Retriable {
			return result, attempts
		}
	}

	slog.Warn("callback attempts exhausted",
		"watchID", watch.ID,
		"url", target,
		"attempts", attempts,
	)
	return Retriable, attempts
}

// attempt performs one signed POST and classifies the outcome.
func (d *Dispatcher) attempt(ctx context.Context, target string, body []byte, watchID string, attempt int) Result {
	if err := d.limiter(target).Wait(ctx); err != nil {
		return Retriable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		slog.Error("callback request build failed", "watchID", watchID, "url", target, "error", err)
		return Permanent
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", config.UserAgent)
	req.Header.Set(config.SignatureHeader, d.Sign(body))

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("callback delivery failed",
			"watchID", watchID,
			"url", target,
			"attempt", attempt,
			"error", err,
		)
		return Retriable
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	result := classify(resp.StatusCode, respBody)

	logArgs := []any{
		"watchID", watchID,
		"url", target,
		"attempt", attempt,
		"status", resp.StatusCode,
		"result", result.String(),
	}
	switch result {
	case OK:
		slog.Info("callback acknowledged", logArgs...)
	case Permanent:
		slog.Error("callback rejected", logArgs...)
	default:
		slog.Warn("callback not acknowledged", logArgs...)
	}
	return result
}

// classify maps an HTTP response to a delivery result. A 2xx only counts as
// acknowledged when the body carries {"status":"ok"}; 4xx means the receiver
// will never accept this payload; everything else is worth retrying.
func classify(statusCode int, body []byte) Result {
	switch {
	case statusCode >= 200 && statusCode < 300:
		var ack ackBody
		if err := json.Unmarshal(body, &ack); err == nil && ack.Status == config.CallbackOKMarker {
			return OK
		}
		return Retriable
	case statusCode >= 400 && statusCode < 500:
		return Permanent
	default:
		return Retriable
	}
}

// ProbeHealth POSTs to {callbackURL}/health before a CONFIRMED callback.
// Advisory only: a failed probe is logged, never blocks delivery.
func (d *Dispatcher) ProbeHealth(ctx context.Context, callbackURL string) {
	probeCtx, cancel := context.WithTimeout(ctx, config.HealthProbeTimeout)
	defer cancel()

	target := callbackURL + "/health"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, target, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", config.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("callback health probe failed", "url", target, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("callback health probe unhealthy", "url", target, "status", resp.StatusCode)
	}
}

// limiter returns the per-host rate limiter for a callback URL.
func (d *Dispatcher) limiter(target string) *rate.Limiter {
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limiters == nil {
		d.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := d.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(config.RateLimitCallback), 1)
		d.limiters[host] = lim
	}
	return lim
}

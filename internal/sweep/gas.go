package sweep

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/Fantasim/stablewatch/internal/chain"
	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/models"
)

// Trend labels reported by the gas monitor.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendFlat    = "flat"
)

// trendBandPercent is the dead zone around the 24h average inside which the
// trend reads flat.
const trendBandPercent = 5

// Report is one chain's gas picture for the stats surface.
type Report struct {
	Chain     models.Chain `json:"chain"`
	Current   string       `json:"current"`
	Average   string       `json:"average24h"`
	Trend     string       `json:"trend"`
	SampledAt time.Time    `json:"sampledAt"`
}

// Monitor samples each chain's fee market on a fixed interval and keeps a
// rolling day of samples. The scheduler reads it for the cheap-gas trigger;
// the API reads it for reporting.
type Monitor struct {
	cfg      *config.Config
	registry *chain.Registry

	mu      sync.RWMutex
	samples map[models.Chain][]*chain.FeeData

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewMonitor(cfg *config.Config, registry *chain.Registry) *Monitor {
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		samples:  make(map[models.Chain][]*chain.FeeData),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the sampling loop with an immediate first pass.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.GasInterval)
		defer ticker.Stop()

		m.Sample(ctx)
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sample(ctx)
			}
		}
	}()

	slog.Info("gas monitor started", "interval", m.cfg.GasInterval)
}

func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Sample queries every registered chain's fee market once.
func (m *Monitor) Sample(ctx context.Context) {
	for _, c := range m.registry.Chains() {
		adapter, err := m.registry.Get(c)
		if err != nil {
			continue
		}

		fd, err := adapter.FeeData(ctx)
		if err != nil {
			slog.Warn("gas monitor: sample failed", "chain", c, "error", err)
			continue
		}
		m.record(c, fd)
	}
}

// record appends a sample and prunes everything past the retention window.
func (m *Monitor) record(c models.Chain, fd *chain.FeeData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-config.GasSampleRetention)
	kept := m.samples[c][:0]
	for _, s := range m.samples[c] {
		if s.SampledAt.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.samples[c] = append(kept, fd)
}

// Latest returns the most recent sample for a chain, or nil before the first
// successful sample.
func (m *Monitor) Latest(c models.Chain) *chain.FeeData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.samples[c]
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

// Average returns the mean standard fee over the retained window, or nil when
// no samples exist.
func (m *Monitor) Average(c models.Chain) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.samples[c]
	if len(s) == 0 {
		return nil
	}

	sum := new(big.Int)
	for _, fd := range s {
		if fd.Standard != nil {
			sum.Add(sum, fd.Standard)
		}
	}
	return sum.Div(sum, big.NewInt(int64(len(s))))
}

// Trend compares the latest standard fee against the 24h average, with a
// small dead zone so noise reads flat.
func (m *Monitor) Trend(c models.Chain) string {
	latest := m.Latest(c)
	avg := m.Average(c)
	if latest == nil || latest.Standard == nil || avg == nil || avg.Sign() == 0 {
		return TrendFlat
	}

	band := new(big.Int).Div(new(big.Int).Mul(avg, big.NewInt(trendBandPercent)), big.NewInt(100))
	upper := new(big.Int).Add(avg, band)
	lower := new(big.Int).Sub(avg, band)

	switch {
	case latest.Standard.Cmp(upper) > 0:
		return TrendRising
	case latest.Standard.Cmp(lower) < 0:
		return TrendFalling
	default:
		return TrendFlat
	}
}

// Snapshot returns one report per chain that has at least one sample.
func (m *Monitor) Snapshot() []Report {
	var out []Report
	for _, c := range m.registry.Chains() {
		latest := m.Latest(c)
		if latest == nil {
			continue
		}

		report := Report{
			Chain:     c,
			Current:   latest.Standard.String(),
			Trend:     m.Trend(c),
			SampledAt: latest.SampledAt,
		}
		if avg := m.Average(c); avg != nil {
			report.Average = avg.String()
		}
		out = append(out, report)
	}
	return out
}

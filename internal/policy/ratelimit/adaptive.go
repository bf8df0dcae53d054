package ratelimit

import (
	"sync"

	"go.uber.org/zap"
)

// AdaptiveConfig bounds how the adaptive limiter moves its rate.
type AdaptiveConfig struct {
	MinRate          float64
	MaxRate          float64
	IncreaseFactor   float64
	DecreaseFactor   float64
	SuccessThreshold int
}

// DefaultAdaptiveConfig mirrors the tuning used for Common Crawl hosts.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MinRate:          0.5,
		MaxRate:          10,
		IncreaseFactor:   1.2,
		DecreaseFactor:   0.5,
		SuccessThreshold: 10,
	}
}

// Adaptive raises the rate after a streak of successes and cuts it on any
// failure, within [MinRate, MaxRate].
type Adaptive struct {
	*Limiter

	mu     sync.Mutex
	cfg    AdaptiveConfig
	rate   float64
	streak int
	logger *zap.Logger
}

// NewAdaptive wraps base. Zero config fields take their defaults.
func NewAdaptive(base *Limiter, cfg AdaptiveConfig, logger *zap.Logger) *Adaptive {
	def := DefaultAdaptiveConfig()
	if cfg.MinRate <= 0 {
		cfg.MinRate = def.MinRate
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = def.MaxRate
	}
	if cfg.IncreaseFactor <= 1 {
		cfg.IncreaseFactor = def.IncreaseFactor
	}
	if cfg.DecreaseFactor <= 0 || cfg.DecreaseFactor >= 1 {
		cfg.DecreaseFactor = def.DecreaseFactor
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adaptive{
		Limiter: base,
		cfg:     cfg,
		rate:    base.Rate(),
		logger:  logger,
	}
}

// ReportSuccess counts a successful request.
func (a *Adaptive) ReportSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streak++
	if a.streak < a.cfg.SuccessThreshold {
		return
	}
	a.streak = 0
	next := min(a.rate*a.cfg.IncreaseFactor, a.cfg.MaxRate)
	if next != a.rate {
		a.setLocked(next)
		a.logger.Debug("rate increased", zap.Float64("rps", next))
	}
}

// ReportFailure cuts the rate and resets the success streak.
func (a *Adaptive) ReportFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streak = 0
	next := max(a.rate*a.cfg.DecreaseFactor, a.cfg.MinRate)
	if next != a.rate {
		a.setLocked(next)
		a.logger.Info("rate decreased", zap.Float64("rps", next))
	}
}

// Rate returns the current effective rate.
func (a *Adaptive) Rate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate
}

func (a *Adaptive) setLocked(rps float64) {
	a.rate = rps
	a.Limiter.SetRate(rps)
}

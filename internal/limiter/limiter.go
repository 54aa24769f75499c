package limiter

import (
	"context"
	"errors"

	hperrors "github.com/23skdu/hazardstack/internal/errors"
	"github.com/23skdu/hazardstack/internal/metrics"
	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration
type Config struct {
	RPS   int `envconfig:"RATE_LIMIT_RPS" default:"0"`   // 0 means disabled
	Burst int `envconfig:"RATE_LIMIT_BURST" default:"0"` // 0 means use RPS
}

// RateLimiter paces a single stress worker
type RateLimiter struct {
	limiter *rate.Limiter
	enabled bool
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg Config) *RateLimiter {
	if cfg.RPS <= 0 {
		return &RateLimiter{enabled: false}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		enabled: true,
	}
}

// Enabled reports whether the limiter paces anything at all.
func (l *RateLimiter) Enabled() bool { return l.enabled }

// Wait blocks until the next operation may run. Context cancellation is
// returned as is; a wait that could never finish before the deadline is a
// capacity error.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if !l.enabled {
		return nil
	}

	if err := l.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		metrics.RateLimitWaitsTotal.WithLabelValues("throttled").Inc()
		return hperrors.WrapCapacityError(err, "rate_limit", "operation rate exceeded")
	}

	metrics.RateLimitWaitsTotal.WithLabelValues("allowed").Inc()
	return nil
}

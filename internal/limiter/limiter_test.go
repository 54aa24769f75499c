package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/23skdu/hazardstack/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRateLimiter(t *testing.T) {
	// Disabled
	l := NewRateLimiter(Config{RPS: 0})
	assert.False(t, l.enabled)
	assert.False(t, l.Enabled())

	// Enabled
	l = NewRateLimiter(Config{RPS: 10, Burst: 20})
	assert.True(t, l.enabled)
	assert.NotNil(t, l.limiter)
	assert.Equal(t, float64(10), float64(l.limiter.Limit()))
	assert.Equal(t, 20, l.limiter.Burst())

	// Burst defaults to RPS
	l = NewRateLimiter(Config{RPS: 5})
	assert.Equal(t, 5, l.limiter.Burst())
}

func TestRateLimiter_DisabledNeverBlocks(t *testing.T) {
	l := NewRateLimiter(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx))
	}
}

func TestRateLimiter_Wait(t *testing.T) {
	l := NewRateLimiter(Config{RPS: 1, Burst: 1})
	allowed := metrics.RateLimitWaitsTotal.WithLabelValues("allowed")
	before := testutil.ToFloat64(allowed)

	// First token is available immediately
	require.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, before+1, testutil.ToFloat64(allowed))

	// The next token is a second away, well past this deadline
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	throttled := metrics.RateLimitWaitsTotal.WithLabelValues("throttled")
	throttledBefore := testutil.ToFloat64(throttled)
	err := l.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, throttledBefore+1, testutil.ToFloat64(throttled))
}

func TestRateLimiter_Canceled(t *testing.T) {
	l := NewRateLimiter(Config{RPS: 1, Burst: 1})
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

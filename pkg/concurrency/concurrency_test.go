package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT", "7")
	t.Setenv("DAEDALUS_RUNNER_WORKERS", "3")
	t.Setenv("DAEDALUS_LOOP_CONCURRENCY", "2")
	t.Setenv("DAEDALUS_BREAKER_THRESHOLD", "4")
	t.Setenv("DAEDALUS_BREAKER_RESET", "5s")

	cfg := LoadConfig()
	assert.Equal(t, 7, cfg.MaxConcurrent)
	assert.Equal(t, 3, cfg.RunnerWorkers)
	assert.Equal(t, 2, cfg.LoopConcurrency)
	assert.Equal(t, int64(4), cfg.FailureThreshold)
	assert.Equal(t, 5*time.Second, cfg.ResetTimeout)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
	assert.Contains(t, cfg.String(), "MaxConcurrent: 7")
}

func TestLoadConfig_AutoDetect(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT", "")
	t.Setenv("DAEDALUS_CONCURRENCY_MULTIPLIER", "")
	t.Setenv("DAEDALUS_RUNNER_WORKERS", "not-a-number")
	t.Setenv("DAEDALUS_BREAKER_RESET", "bogus")
	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")

	cfg := LoadConfig()
	assert.True(t, cfg.IsKubernetes)
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
	assert.Equal(t, cfg.EffectiveCPUs*2, cfg.MaxConcurrent)
	assert.Equal(t, max(cfg.EffectiveCPUs, 4), cfg.RunnerWorkers)
	assert.Equal(t, DefaultResetTimeout, cfg.ResetTimeout)
	assert.Equal(t, int64(DefaultFailureThreshold), cfg.FailureThreshold)
}

func TestLoadConfig_Multiplier(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT", "")
	t.Setenv("DAEDALUS_CONCURRENCY_MULTIPLIER", "3")

	cfg := LoadConfig()
	assert.Equal(t, cfg.EffectiveCPUs*3, cfg.MaxConcurrent)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
}

func TestLimiter_BoundsConcurrency(t *testing.T) {
	l := NewLimiter(2)
	assert.Equal(t, 2, l.Capacity())

	var (
		mu      sync.Mutex
		active  int
		highest int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				active++
				if active > highest {
					highest = active
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, highest, 2)
	m := l.GetMetrics()
	assert.Equal(t, int64(8), m.TotalAcquired)
	assert.Equal(t, int64(8), m.TotalReleased)
	assert.LessOrEqual(t, m.PeakConcurrent, int64(2))
	assert.Zero(t, l.CurrentActive())

	l.Reset()
	assert.Zero(t, l.GetMetrics().TotalAcquired)
	assert.Zero(t, l.GetAverageWaitTime())
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)

	l.Release()
	l.Release() // extra release is ignored
	assert.Zero(t, l.CurrentActive())
}

func TestLimiter_OpensCircuitOnFailures(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, time.Minute, WithBreakerClock(func() time.Time { return now }))
	l := NewLimiterWithCircuitBreaker(1, cb)
	boom := errors.New("publish failed")

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, l.Do(context.Background(), func(context.Context) error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, l.GetCircuitBreakerState())
	assert.ErrorIs(t, l.Acquire(context.Background()), ErrCircuitOpen)
	assert.Equal(t, int64(1), l.GetMetrics().TotalRejected)

	now = now.Add(2 * time.Minute)
	require.NoError(t, l.Do(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateHalfOpen, l.GetCircuitBreakerState())
}

func TestCircuitBreaker_HalfOpenTransitions(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(1, time.Second, WithBreakerClock(func() time.Time { return now }))

	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	now = now.Add(2 * time.Second)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.GetState())

	// a failing probe reopens
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())

	now = now.Add(2 * time.Second)
	assert.False(t, cb.IsOpen())
	for i := 0; i < HalfOpenSuccesses; i++ {
		cb.RecordSuccess()
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Zero(t, cb.GetConsecutiveFailures())

	cb.RecordFailure()
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", CircuitBreakerState(9).String())
}

func TestLimiter_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	l := NewLimiter(3)
	require.NoError(t, l.Register(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "daedalus_limiter_capacity")
	assert.Contains(t, names, "daedalus_limiter_active")
	assert.Contains(t, names, "daedalus_limiter_rejected_total")

	assert.Error(t, l.Register(reg), "duplicate registration fails")
}

func TestInitializeForKubernetes(t *testing.T) {
	undo := InitializeForKubernetes(nil)
	require.NotNil(t, undo)
	undo()
}

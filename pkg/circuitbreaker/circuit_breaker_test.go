package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		RequestTimeout:   time.Second,
	}
}

var errDownstream = errors.New("downstream failure")

func fail(ctx context.Context) error    { return errDownstream }
func succeed(ctx context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New("test", testConfig(), newTestLogger())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDownstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Rejected without executing
	err := cb.Execute(context.Background(), fail)
	var openErr *ErrOpen
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test", openErr.Name)
}

func TestBreaker_HalfOpenProbeAfterCooldown(t *testing.T) {
	cb := New("test", testConfig(), newTestLogger())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	// First probe succeeds, breaker is half-open until success threshold met
	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("test", testConfig(), newTestLogger())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	time.Sleep(60 * time.Millisecond)

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDownstream)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New("test", testConfig(), newTestLogger())

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	require.NoError(t, cb.Execute(context.Background(), succeed))
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_AppliesRequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	cb := New("test", cfg, newTestLogger())

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

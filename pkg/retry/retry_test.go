package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errTransient = errors.New("transient")

func fastConfig(t *testing.T) Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Logger:       zaptest.NewLogger(t),
		Name:         "test",
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(t), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(t), func() error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	bad := errors.New("bad request")
	err := Do(context.Background(), fastConfig(t), func() error {
		calls++
		return Permanent(bad)
	})

	assert.Equal(t, bad, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursRetryableList(t *testing.T) {
	cfg := fastConfig(t)
	cfg.RetryableErrors = []error{errTransient}

	calls := 0
	other := errors.New("other")
	err := Do(context.Background(), cfg, func() error {
		calls++
		return other
	})

	assert.ErrorIs(t, err, other)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursRetryIf(t *testing.T) {
	cfg := fastConfig(t)
	cfg.RetryIf = func(err error) bool { return false }

	calls := 0
	_ = Do(context.Background(), cfg, func() error {
		calls++
		return errTransient
	})
	assert.Equal(t, 1, calls)
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(t)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	calls := 0
	err := Do(ctx, cfg, func() error {
		calls++
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(t), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errTransient
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestAddJitterBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		j := addJitter(d, 0.1)
		assert.GreaterOrEqual(t, j, 90*time.Millisecond)
		assert.LessOrEqual(t, j, 110*time.Millisecond)
	}
	assert.Equal(t, d, addJitter(d, 0))
}

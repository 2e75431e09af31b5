package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream failed")

func newTestBreaker() *Breaker {
	b := New(Config{
		FailureThreshold: 3,
		ResetTimeout:     10 * time.Second,
		SuccessThreshold: 1,
		CallTimeout:      time.Second,
	})
	return b
}

func TestOpensAfterThresholdFailures(t *testing.T) {
	b := newTestBreaker()
	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error {
			return errDownstream
		})
		assert.ErrorIs(t, err, errDownstream)
	}
	assert.Equal(t, Open, b.State())
}

func TestOpenRejectsWithoutInvokingDownstream(t *testing.T) {
	b := newTestBreaker()
	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDownstream })
	}
	require.Equal(t, Open, b.State())

	called := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "downstream must not be invoked while open")
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	b := newTestBreaker()
	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDownstream })
	}
	require.Equal(t, Open, b.State())

	b.now = func() time.Time { return base.Add(11 * time.Second) }
	called := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called, "the probe call after reset timeout must reach the downstream")
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker()
	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDownstream })
	}

	b.now = func() time.Time { return base.Add(11 * time.Second) }
	err := b.Execute(context.Background(), func(ctx context.Context) error { return errDownstream })
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, Open, b.State())
}

func TestSuccessInClosedResetsFailureCount(t *testing.T) {
	b := newTestBreaker()
	base := time.Now()
	b.now = func() time.Time { return base }

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDownstream })
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDownstream })
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.Equal(t, Closed, b.State())

	// Two more failures shouldn't open it yet since the streak reset.
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDownstream })
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDownstream })
	assert.Equal(t, Closed, b.State())
}

func TestCallTimeoutAppliedToFn(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Second, SuccessThreshold: 1, CallTimeout: 10 * time.Millisecond})

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay(t *testing.T) {
	fixed := Policy{MaxAttempts: 3, BackoffMs: 500}
	assert.Equal(t, 500*time.Millisecond, fixed.Delay(1))
	assert.Equal(t, 500*time.Millisecond, fixed.Delay(3))

	exp := Policy{MaxAttempts: 8, BackoffMs: 1000, Exponential: true}
	assert.Equal(t, 1*time.Second, exp.Delay(1))
	assert.Equal(t, 2*time.Second, exp.Delay(2))
	assert.Equal(t, 8*time.Second, exp.Delay(4))

	capped := Policy{MaxAttempts: 8, BackoffMs: 1000, Exponential: true, MaxBackoffMs: 3000}
	assert.Equal(t, 3*time.Second, capped.Delay(5))

	jit := Policy{BackoffMs: 1000, Jitter: true}
	for i := 0; i < 20; i++ {
		d := jit.Delay(1)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestPolicyExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, Policy{}.Exhausted(1))
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	p := Policy{MaxAttempts: 3, BackoffMs: 1}

	calls := 0
	err := Do(ctx, p, func(int) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = Do(ctx, p, func(int) error {
		calls++
		return errors.New("down")
	})
	assert.EqualError(t, err, "down")
	assert.Equal(t, 3, calls)

	calls = 0
	bad := errors.New("malformed")
	err = Do(ctx, p, func(int) error {
		calls++
		return Permanent(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(Permanent(bad)))
	assert.False(t, IsPermanent(bad))
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxAttempts: 5, BackoffMs: 1000}, func(int) error {
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

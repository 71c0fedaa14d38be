package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastPolicy keeps test waits negligible.
var fastPolicy = Policy{
	Attempts:       3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("still down")
	calls := 0
	err := Do(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		return boom
	}, nil)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	denied := errors.New("permission denied")
	calls := 0
	err := Do(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		return Permanent(denied)
	}, nil)

	require.ErrorIs(t, err, denied)
	assert.Equal(t, 1, calls)
	// Returned unwrapped, not as the marker type.
	assert.Equal(t, denied, err)
}

func TestDo_NotifiesBeforeEachWait(t *testing.T) {
	t.Parallel()

	var attempts []int
	err := Do(context.Background(), fastPolicy, func(context.Context) error {
		return errors.New("transient")
	}, func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
		assert.Error(t, err)
		assert.Positive(t, delay)
	})

	require.Error(t, err)
	// No notification after the final attempt.
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastPolicy, func(context.Context) error {
		calls++
		return nil
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	policy := Policy{Attempts: 2, InitialBackoff: time.Minute}
	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, policy, func(context.Context) error {
			return errors.New("transient")
		}, nil)
	}()

	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not observe cancellation during backoff")
	}
}

func TestDo_ZeroPolicyUsesDefaults(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), Policy{InitialBackoff: time.Millisecond}, func(context.Context) error {
		calls++
		return errors.New("transient")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, DefaultAttempts, calls)
}

func TestPermanent_NilStaysNil(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Permanent(nil))
}

func TestPolicyDelay(t *testing.T) {
	t.Parallel()

	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	first := p.delay(1)
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.LessOrEqual(t, first, 125*time.Millisecond)

	// Growth is capped.
	assert.Equal(t, time.Second, p.delay(10))
}

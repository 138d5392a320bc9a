package tokibot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T) (*RateLimiter, *testClock) {
	t.Helper()
	clock := newTestClock()
	limiter := NewRateLimiter(
		NewStore(testLogger(t)),
		filepath.Join(t.TempDir(), ConfessionConfigFile),
		testLogger(t),
	)
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestRateLimiter(t)
	window := time.Hour

	for i := 0; i < 5; i++ {
		allowed, retryAfter, err := limiter.Check("u", window, 5, true)
		require.NoError(t, err)
		assert.True(t, allowed, "call %d", i+1)
		assert.Equal(t, window-time.Duration(i)*time.Minute, retryAfter)
		clock.Advance(time.Minute)
	}

	allowed, retryAfter, err := limiter.Check("u", window, 5, true)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 55*time.Minute, retryAfter)

	state, ok := limiter.Usage("u")
	require.True(t, ok)
	assert.Equal(t, 5, state.Count, "a denied check doesn't count")

	clock.Advance(55 * time.Minute)
	allowed, retryAfter, err = limiter.Check("u", window, 5, true)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, window, retryAfter, "new window starts at the first check after expiry")

	state, ok = limiter.Usage("u")
	require.True(t, ok)
	assert.Equal(t, 1, state.Count)
	assert.Equal(t, NewUnixTime(clock.Now().Add(window)), state.WindowReset)
}

func TestRateLimiter_Refund(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestRateLimiter(t)
	window := time.Hour

	require.NoError(t, limiter.Refund("u"), "unknown keys are ignored")
	_, ok := limiter.Usage("u")
	assert.False(t, ok)

	for i := 0; i < 2; i++ {
		require.NoError(t, limiter.Allow("u", window, 2, true))
	}
	require.ErrorIs(t, limiter.Allow("u", window, 2, true), ErrRateLimited)

	require.NoError(t, limiter.Refund("u"))
	state, _ := limiter.Usage("u")
	assert.Equal(t, 1, state.Count)
	require.NoError(t, limiter.Allow("u", window, 2, true))

	require.NoError(t, limiter.Refund("u"))
	require.NoError(t, limiter.Refund("u"))
	require.NoError(t, limiter.Refund("u"))
	state, _ = limiter.Usage("u")
	assert.Equal(t, 0, state.Count, "never refunded below zero")

	require.NoError(t, limiter.Allow("u", window, 2, true))
	clock.Advance(window)
	require.NoError(t, limiter.Refund("u"))
	state, _ = limiter.Usage("u")
	assert.Equal(t, 1, state.Count, "an ended window isn't refunded")
}

func TestRateLimiter_PreviewDoesNotConsume(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestRateLimiter(t)

	for i := 0; i < 10; i++ {
		allowed, _, err := limiter.Check("u", time.Hour, 2, false)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	_, ok := limiter.Usage("u")
	assert.False(t, ok, "preview must not write")

	require.NoError(t, limiter.Allow("u", time.Hour, 2, true))
	require.NoError(t, limiter.Allow("u", time.Hour, 2, true))

	allowed, retryAfter, err := limiter.Check("u", time.Hour, 2, false)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Hour, retryAfter)
}

func TestRateLimiter_PreviewAfterWindow(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestRateLimiter(t)

	require.NoError(t, limiter.Allow("u", time.Hour, 1, true))
	require.ErrorIs(t, limiter.Allow("u", time.Hour, 1, true), ErrRateLimited)

	clock.Advance(time.Hour)
	allowed, _, err := limiter.Check("u", time.Hour, 1, false)
	require.NoError(t, err)
	assert.True(t, allowed)

	state, ok := limiter.Usage("u")
	require.True(t, ok)
	assert.Equal(t, 1, state.Count, "the stale window is only reset by a consuming check")
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestRateLimiter(t)

	require.NoError(t, limiter.Allow("a", time.Hour, 1, true))
	require.NoError(t, limiter.Allow("b", time.Hour, 1, true))

	err := limiter.Allow("a", time.Hour, 1, true)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, time.Hour, rl.RetryAfter)
}

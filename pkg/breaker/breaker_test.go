package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errDownstream = errors.New("downstream failed")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	b := NewBreaker("test-target", Config{
		FailureThreshold:    3,
		ResetTimeout:        time.Minute,
		HalfOpenMaxAttempts: 2,
	}, zap.NewNop())

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(b *Breaker) error    { return b.Execute(func() error { return errDownstream }) }
func succeed(b *Breaker) error { return b.Execute(func() error { return nil }) }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, fail(b), errDownstream)
		assert.Equal(t, StateClosed, b.State())
	}

	require.ErrorIs(t, fail(b), errDownstream)
	assert.Equal(t, StateOpen, b.State())

	err := succeed(b)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsCircuitOpen(err))
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(t)

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	require.NoError(t, succeed(b))
	require.Error(t, fail(b))
	require.Error(t, fail(b))

	assert.Equal(t, StateClosed, b.State(), "streak should have reset on success")
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		require.Error(t, fail(b))
	}
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(59 * time.Second)
	require.ErrorIs(t, succeed(b), ErrCircuitOpen)

	*now = now.Add(2 * time.Second)
	require.NoError(t, succeed(b))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State(), "success streak should close the circuit")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		require.Error(t, fail(b))
	}
	*now = now.Add(2 * time.Minute)

	require.NoError(t, succeed(b))
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, fail(b), errDownstream)
	assert.Equal(t, StateOpen, b.State(), "any half-open failure re-opens")

	require.ErrorIs(t, succeed(b), ErrCircuitOpen)
}

func TestRegistryPerTargetIsolation(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenMaxAttempts: 1}, zap.NewNop())

	require.Error(t, fail(r.Get("alerts.example.com")))
	assert.Equal(t, StateOpen, r.Get("alerts.example.com").State())
	assert.Equal(t, StateClosed, r.Get("hooks.other.com").State())

	assert.Same(t, r.Get("alerts.example.com"), r.Get("alerts.example.com"))
}

func TestRegistryStateChangeCallback(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenMaxAttempts: 1}, zap.NewNop())

	var transitions []string
	r.SetOnStateChange(func(name string, from, to State) {
		transitions = append(transitions, name+":"+string(from)+"->"+string(to))
	})

	require.Error(t, fail(r.Get("hooks.example.com")))
	require.Equal(t, []string{"hooks.example.com:closed->open"}, transitions)
}

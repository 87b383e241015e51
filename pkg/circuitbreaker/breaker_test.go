package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func tripAfter(n uint32) Config {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = n
	cfg.MinRequests = 100
	cfg.Timeout = time.Hour
	return cfg
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	cfg := tripAfter(2)
	cfg.OnStateChange = func(_ string, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := cb.Do(ctx, func(context.Context) error { return errUpstream })
		assert.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err = cb.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	mu.Lock()
	assert.Equal(t, []State{StateOpen}, transitions)
	mu.Unlock()
}

func TestBreaker_IsSuccessfulIgnoresCallerErrors(t *testing.T) {
	errBadInput := errors.New("bad input")
	cfg := tripAfter(1)
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errBadInput) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		err := cb.Do(context.Background(), func(context.Context) error { return errBadInput })
		assert.ErrorIs(t, err, errBadInput)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCall_Typed(t *testing.T) {
	cb, err := New(DefaultConfig("typed"), nil)
	require.NoError(t, err)

	n, err := Call(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	ptr, err := Call(context.Background(), cb, func(context.Context) (*string, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, ptr)
}

func TestManager(t *testing.T) {
	var notified []string
	m := NewManager(nil, func(name string, _ State) { notified = append(notified, name) })

	a, err := m.GetOrCreate("smtp", tripAfter(1))
	require.NoError(t, err)
	b, err := m.GetOrCreate("smtp", DefaultConfig("ignored"))
	require.NoError(t, err)
	assert.Same(t, a, b)

	_ = a.Do(context.Background(), func(context.Context) error { return errUpstream })
	assert.Equal(t, []string{"smtp"}, notified)

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, StateOpen, statuses[0].State)
	assert.Equal(t, "smtp", a.Name())
}

func TestManager_HealthSortedByName(t *testing.T) {
	m := NewManager(nil, nil)
	for _, name := range []string{"mail-relay", "interaction-source"} {
		_, err := m.GetOrCreate(name, DefaultConfig(name))
		require.NoError(t, err)
	}
	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "interaction-source", statuses[0].Name)
	assert.Equal(t, "mail-relay", statuses[1].Name)
	assert.True(t, statuses[0].Healthy)
}

func TestTripPolicy(t *testing.T) {
	cfg := DefaultConfig("p")
	trip := tripPolicy(cfg)

	assert.False(t, trip(gobreaker.Counts{Requests: 4, TotalFailures: 4, ConsecutiveFailures: 4}))
	assert.True(t, trip(gobreaker.Counts{Requests: 5, TotalFailures: 5, ConsecutiveFailures: 5}))
	assert.False(t, trip(gobreaker.Counts{Requests: 10, TotalFailures: 5, ConsecutiveFailures: 1}))
	assert.True(t, trip(gobreaker.Counts{Requests: 10, TotalFailures: 6, ConsecutiveFailures: 1}))
}

func TestCall_PassesContext(t *testing.T) {
	cb, err := New(DefaultConfig("ctx"), nil)
	require.NoError(t, err)

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	got, err := Call(ctx, cb, func(ctx context.Context) (string, error) {
		v, _ := ctx.Value(key{}).(string)
		return v, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestStateValue(t *testing.T) {
	assert.Equal(t, 0, StateClosed.Value())
	assert.Equal(t, 1, StateHalfOpen.Value())
	assert.Equal(t, 2, StateOpen.Value())
}

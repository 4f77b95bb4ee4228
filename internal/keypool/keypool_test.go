package keypool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClock lets tests advance pool time deterministically.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestPool(t *testing.T, keys []string, perWindow int, window time.Duration) (*Pool, *fakeClock) {
	t.Helper()
	p, err := New(keys, perWindow, window, zaptest.NewLogger(t))
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	p.now = clock.Now
	return p, clock
}

func TestNewValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := New(nil, 5, time.Minute, logger)
	assert.Error(t, err)

	_, err = New([]string{"k"}, 0, time.Minute, logger)
	assert.Error(t, err)

	_, err = New([]string{"k"}, 5, 0, logger)
	assert.Error(t, err)
}

func TestAcquireChargesActiveCredential(t *testing.T) {
	p, _ := newTestPool(t, []string{"alpha", "beta"}, 2, time.Minute)

	id, key, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "key-1", id)
	assert.Equal(t, "alpha", key)

	snap := p.Snapshot()
	assert.Equal(t, 1, snap[0].Used)
	assert.Equal(t, 0, snap[1].Used)
}

func TestAcquireRotatesWhenBudgetSpent(t *testing.T) {
	p, _ := newTestPool(t, []string{"alpha", "beta"}, 1, time.Minute)

	id, _, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "key-1", id)

	// First key is spent; the pool must move to the second.
	id, key, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "key-2", id)
	assert.Equal(t, "beta", key)
}

func TestAcquireExhaustion(t *testing.T) {
	p, _ := newTestPool(t, []string{"alpha", "beta"}, 1, time.Minute)

	_, _, err := p.Acquire()
	require.NoError(t, err)
	_, _, err = p.Acquire()
	require.NoError(t, err)

	_, _, err = p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestWindowResetRestoresBudget(t *testing.T) {
	p, clock := newTestPool(t, []string{"alpha"}, 1, time.Minute)

	_, _, err := p.Acquire()
	require.NoError(t, err)
	_, _, err = p.Acquire()
	require.ErrorIs(t, err, ErrExhausted)

	clock.Advance(61 * time.Second)

	id, _, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "key-1", id)
}

func TestMarkThrottledSkipsCredential(t *testing.T) {
	p, clock := newTestPool(t, []string{"alpha", "beta"}, 10, time.Minute)

	p.MarkThrottled("key-1", 30*time.Second)

	id, _, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "key-2", id)

	// After the cooldown elapses the first key serves again.
	clock.Advance(31 * time.Second)
	p.Rotate() // active back onto key-1
	id, _, err = p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "key-1", id)
}

func TestRotateSkipsCoolingCredentials(t *testing.T) {
	p, _ := newTestPool(t, []string{"alpha", "beta", "gamma"}, 10, time.Minute)

	p.MarkThrottled("key-2", 30*time.Second)
	p.Rotate()

	// key-2 is cooling down, so rotation lands on key-3 directly.
	id, _, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "key-3", id)
}

func TestRotateWithEveryCredentialCooling(t *testing.T) {
	p, _ := newTestPool(t, []string{"alpha", "beta"}, 10, time.Minute)

	p.MarkThrottled("key-1", time.Minute)
	p.MarkThrottled("key-2", time.Minute)
	p.Rotate()

	_, _, err := p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestExhaustionWhenAllCoolingDown(t *testing.T) {
	p, _ := newTestPool(t, []string{"alpha", "beta"}, 10, time.Minute)

	p.MarkThrottled("key-1", time.Minute)
	p.MarkThrottled("key-2", time.Minute)

	_, _, err := p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
}

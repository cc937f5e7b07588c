package tokenbucket

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clever/tokenbucket/internal/clock"
)

func newLocalBucket(t *testing.T, c clock.Clock, bandwidths ...Bandwidth) *LocalBucket {
	b, err := NewLocalBucket(configuration(t, bandwidths...), WithClock(c))
	require.NoError(t, err)
	return b
}

func TestNewLocalBucketRequiresConfiguration(t *testing.T) {
	_, err := NewLocalBucket(Configuration{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestTryConsumeScenario(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(10, 1, time.Nanosecond))

	assert.True(t, b.TryConsume(7))
	assert.Equal(t, int64(3), b.AvailableTokens())

	assert.False(t, b.TryConsume(5))
	assert.Equal(t, int64(3), b.AvailableTokens())

	c.Advance(5 * time.Nanosecond)
	assert.True(t, b.TryConsume(5))
	assert.Equal(t, int64(3), b.AvailableTokens())
}

func TestTryConsumeMoreThanCapacity(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Simple(10, time.Second))
	c.Advance(time.Hour)
	assert.False(t, b.TryConsume(11))
	assert.Equal(t, int64(10), b.AvailableTokens())
}

func TestConsumeAsMuchAsPossible(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(10, 1, time.Nanosecond))

	assert.Equal(t, int64(4), b.ConsumeAsMuchAsPossible(4))
	assert.Equal(t, int64(6), b.ConsumeAsMuchAsPossible(100))
	assert.Equal(t, int64(0), b.ConsumeAsMuchAsPossible(1))

	c.Advance(2 * time.Nanosecond)
	assert.Equal(t, int64(2), b.ConsumeAsMuchAsPossible(5))
}

func TestTryConsumeAndReturnRemaining(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(10, 1, 2*time.Nanosecond))

	probe := b.TryConsumeAndReturnRemaining(8)
	assert.Equal(t, ConsumptionProbe{Consumed: true, RemainingTokens: 2}, probe)

	probe = b.TryConsumeAndReturnRemaining(5)
	assert.Equal(t, ConsumptionProbe{RemainingTokens: 2, NanosToWaitForRefill: 6}, probe)

	estimate := b.EstimateAbilityToConsume(2)
	assert.Equal(t, EstimationProbe{CanBeConsumed: true, RemainingTokens: 2}, estimate)
	assert.Equal(t, int64(2), b.AvailableTokens(), "estimation must not consume")
}

func TestAddTokens(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Simple(10, time.Hour).WithInitialTokens(1))
	b.AddTokens(4)
	assert.Equal(t, int64(5), b.AvailableTokens())
	b.AddTokens(100)
	assert.Equal(t, int64(10), b.AvailableTokens())
}

func TestNonPositiveTokensPanic(t *testing.T) {
	b := newLocalBucket(t, clock.NewMock(0), Simple(10, time.Second))
	assert.Panics(t, func() { b.TryConsume(0) })
	assert.Panics(t, func() { b.ConsumeAsMuchAsPossible(-1) })
	assert.Panics(t, func() { b.ConsumeOrAwait(context.Background(), 0, time.Second) })
}

func TestConsumeOrAwaitImmediately(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(10, 1, time.Nanosecond))

	ok, err := b.ConsumeOrAwait(context.Background(), 4, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, c.Slept())
	assert.Equal(t, int64(6), b.AvailableTokens())
}

func TestConsumeOrAwaitWaitsForRefill(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(10, 1, time.Nanosecond).WithInitialTokens(0))

	ok, err := b.ConsumeOrAwait(context.Background(), 5, 10*time.Nanosecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []time.Duration{5 * time.Nanosecond}, c.Slept())
	assert.Equal(t, int64(0), b.AvailableTokens())
}

func TestConsumeOrAwaitBudgetTooSmall(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(10, 1, time.Nanosecond).WithInitialTokens(0))
	before := b.State()

	ok, err := b.ConsumeOrAwait(context.Background(), 5, 2*time.Nanosecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, c.Slept())
	assert.Equal(t, before, b.State())
}

func TestConsumeOrAwaitWithoutBudgetDoesNotWait(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(10, 1, time.Nanosecond).WithInitialTokens(0))

	for _, budget := range []time.Duration{0, -time.Second} {
		ok, err := b.ConsumeOrAwait(context.Background(), 1, budget)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Empty(t, c.Slept())
}

func TestConsumeOrAwaitUnsatisfiable(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(10, 1, time.Nanosecond))

	ok, err := b.ConsumeOrAwait(context.Background(), 11, time.Hour)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnsatisfiable)

	drained := newLocalBucket(t, c, Classic(10, 0, time.Second).WithInitialTokens(2))
	ok, err = drained.ConsumeOrAwait(context.Background(), 3, time.Hour)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnsatisfiable)
	assert.Empty(t, c.Slept())
}

func TestConsumeOrAwaitCancelled(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(10, 1, time.Nanosecond).WithInitialTokens(0))
	before := b.State()

	ctx, cancel := context.WithCancel(context.Background())
	c.OnSleep(func(time.Duration) { cancel() })

	ok, err := b.ConsumeOrAwait(ctx, 5, time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, b.State())
}

func TestConsumeOrAwaitReleasesLockWhileSleeping(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(10, 1, time.Nanosecond).WithInitialTokens(0))

	var observed []int64
	c.OnSleep(func(time.Duration) {
		// would deadlock if the waiter still held the bucket
		observed = append(observed, b.AvailableTokens())
	})
	ok, err := b.ConsumeOrAwait(context.Background(), 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{0}, observed)
}

func TestConcurrentTryConsume(t *testing.T) {
	b, err := NewLocalBucket(configuration(t, Classic(100, 0, time.Hour)))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryConsume(1) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), granted.Load())
	assert.Equal(t, int64(0), b.AvailableTokens())
}

func TestConsumeOrAwaitRealClock(t *testing.T) {
	b, err := NewLocalBucket(configuration(t, Classic(1, 1, 20*time.Millisecond)))
	require.NoError(t, err)
	require.True(t, b.TryConsume(1))

	start := time.Now()
	ok, err := b.ConsumeOrAwait(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestInvariantsUnderRandomConsumption(t *testing.T) {
	c := clock.NewMock(0)
	b := newLocalBucket(t, c, Classic(25, 3, 5*time.Nanosecond), Classic(40, 1, time.Nanosecond))
	for i := 0; i < 5_000; i++ {
		c.Advance(time.Duration(i % 7))
		b.TryConsume(int64(i%30 + 1))
		for j, band := range b.State().Bands {
			capacity := b.Configuration().Bandwidths()[j].Capacity
			require.GreaterOrEqual(t, band.Available, int64(0))
			require.LessOrEqual(t, band.Available, capacity)
		}
	}
}

// Package test holds the conformance tests every Backend must pass. It is meant to
// be used by store implementers.
package test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clever/tokenbucket"
	"github.com/Clever/tokenbucket/internal/clock"
)

// Factory returns a backend over an empty store, built with opts.
type Factory func(opts ...tokenbucket.Option) tokenbucket.Backend[string]

// BackendTests runs every conformance test against backends built by newBackend.
func BackendTests(t *testing.T, newBackend Factory) {
	t.Run("CreateInitialState", CreateInitialStateTest(newBackend))
	t.Run("AbsentKey", AbsentKeyTest(newBackend))
	t.Run("Execute", ExecuteTest(newBackend))
	t.Run("ConcurrentExecute", ConcurrentExecuteTest(newBackend))
	t.Run("ConcurrentCreateAndExecute", ConcurrentCreateAndExecuteTest(newBackend))
	t.Run("Async", AsyncTest(newBackend))
}

func mustConfiguration(t *testing.T, bandwidths ...tokenbucket.Bandwidth) tokenbucket.Configuration {
	cfg, err := tokenbucket.NewConfiguration(bandwidths...)
	require.NoError(t, err)
	return cfg
}

// CreateInitialStateTest checks that creating state twice keeps the first one.
func CreateInitialStateTest(newBackend Factory) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		b := newBackend()
		first := mustConfiguration(t, tokenbucket.Classic(10, 1, time.Hour))
		second := mustConfiguration(t, tokenbucket.Classic(20, 5, time.Second))

		require.NoError(t, b.CreateInitialState(ctx, "create", first))
		res, err := tokenbucket.Execute[bool](ctx, b, "create", tokenbucket.TryConsume{Tokens: 3})
		require.NoError(t, err)
		require.True(t, res.StateExisted)
		require.True(t, res.Value)

		require.NoError(t, b.CreateInitialState(ctx, "create", second))
		cfg, ok, err := b.GetConfiguration(ctx, "create")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, first.Equal(cfg), "configuration was overwritten: %+v", cfg.Bandwidths())

		available, err := tokenbucket.Execute[int64](ctx, b, "create", tokenbucket.GetAvailableTokens{})
		require.NoError(t, err)
		assert.Equal(t, int64(7), available.Value)
	}
}

// AbsentKeyTest checks that commands never fabricate state for unknown keys.
func AbsentKeyTest(newBackend Factory) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		b := newBackend()

		res, err := tokenbucket.Execute[bool](ctx, b, "absent", tokenbucket.TryConsume{Tokens: 1})
		require.NoError(t, err)
		assert.False(t, res.StateExisted)
		assert.False(t, res.Value)
		assert.True(t, res.Configuration.IsZero())

		_, ok, err := b.GetConfiguration(ctx, "absent")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

// ExecuteTest walks through consumption and refill with a controlled clock.
func ExecuteTest(newBackend Factory) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		c := clock.NewMock(1_000)
		b := newBackend(tokenbucket.WithClock(c))
		cfg := mustConfiguration(t, tokenbucket.Classic(10, 1, time.Nanosecond))

		res, err := tokenbucket.CreateInitialStateAndExecute[bool](ctx, b, "execute", cfg, tokenbucket.TryConsume{Tokens: 7})
		require.NoError(t, err)
		assert.False(t, res.StateExisted)
		assert.True(t, res.Value)
		assert.Equal(t, int64(3), res.State.AvailableTokens())

		res, err = tokenbucket.Execute[bool](ctx, b, "execute", tokenbucket.TryConsume{Tokens: 5})
		require.NoError(t, err)
		assert.True(t, res.StateExisted)
		assert.False(t, res.Value)
		assert.Equal(t, int64(3), res.State.AvailableTokens())

		c.Advance(5 * time.Nanosecond)
		res, err = tokenbucket.Execute[bool](ctx, b, "execute", tokenbucket.TryConsume{Tokens: 5})
		require.NoError(t, err)
		assert.True(t, res.Value)
		assert.Equal(t, int64(3), res.State.AvailableTokens())

		many, err := tokenbucket.Execute[int64](ctx, b, "execute", tokenbucket.ConsumeAsMuchAsPossible{Limit: 100})
		require.NoError(t, err)
		assert.Equal(t, int64(3), many.Value)

		probe, err := tokenbucket.Execute[tokenbucket.ConsumptionProbe](ctx, b, "execute", tokenbucket.TryConsumeAndReturnRemaining{Tokens: 4})
		require.NoError(t, err)
		assert.False(t, probe.Value.Consumed)
		assert.Equal(t, int64(4), probe.Value.NanosToWaitForRefill)

		added, err := tokenbucket.Execute[int64](ctx, b, "execute", tokenbucket.AddTokens{Tokens: 50})
		require.NoError(t, err)
		assert.Equal(t, int64(10), added.Value)
	}
}

// ConcurrentExecuteTest consumes one token from many goroutines and checks that
// exactly capacity of them succeed.
func ConcurrentExecuteTest(newBackend Factory) func(*testing.T) {
	return func(t *testing.T) {
		const (
			callers  = 50
			capacity = 20
		)
		ctx := context.Background()
		b := newBackend()
		cfg := mustConfiguration(t, tokenbucket.Classic(capacity, 1, 24*time.Hour))
		require.NoError(t, b.CreateInitialState(ctx, "concurrent", cfg))

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int64
			failed    atomic.Int64
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := tokenbucket.Execute[bool](ctx, b, "concurrent", tokenbucket.TryConsume{Tokens: 1})
				if !assert.NoError(t, err) {
					return
				}
				if res.Value {
					succeeded.Add(1)
				} else {
					failed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(capacity), succeeded.Load())
		assert.Equal(t, int64(callers-capacity), failed.Load())
		available, err := tokenbucket.Execute[int64](ctx, b, "concurrent", tokenbucket.GetAvailableTokens{})
		require.NoError(t, err)
		assert.Equal(t, int64(0), available.Value)
	}
}

// ConcurrentCreateAndExecuteTest races first use of a key from many goroutines.
// None of them may reset a state another one already consumed from.
func ConcurrentCreateAndExecuteTest(newBackend Factory) func(*testing.T) {
	return func(t *testing.T) {
		const (
			callers  = 30
			capacity = 10
		)
		ctx := context.Background()
		b := newBackend()
		cfg := mustConfiguration(t, tokenbucket.Classic(capacity, 1, 24*time.Hour))

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int64
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := tokenbucket.CreateInitialStateAndExecute[bool](ctx, b, "first-use", cfg, tokenbucket.TryConsume{Tokens: 1})
				if assert.NoError(t, err) && res.Value {
					succeeded.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(capacity), succeeded.Load())
	}
}

// AsyncTest checks the async twins, or their refusal when async mode is off.
func AsyncTest(newBackend Factory) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		b := newBackend()
		cfg := mustConfiguration(t, tokenbucket.Simple(5, time.Hour))

		if !b.IsAsyncModeSupported() {
			_, err := tokenbucket.ExecuteAsync[bool](ctx, b, "async", tokenbucket.TryConsume{Tokens: 1}).Get(ctx)
			assert.True(t, errors.Is(err, tokenbucket.ErrUnsupportedOperation))
			return
		}

		created, err := tokenbucket.CreateInitialStateAndExecuteAsync[bool](ctx, b, "async", cfg, tokenbucket.TryConsume{Tokens: 2}).Get(ctx)
		require.NoError(t, err)
		assert.True(t, created.Value)

		f := tokenbucket.ExecuteAsync[int64](ctx, b, "async", tokenbucket.ConsumeAsMuchAsPossible{Limit: 10})
		select {
		case <-f.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("async execution did not complete")
		}
		res, err := f.Get(ctx)
		require.NoError(t, err)
		assert.True(t, res.StateExisted)
		assert.Equal(t, int64(3), res.Value)
	}
}

// RemoveFunc drops the state of key from the store under test.
type RemoveFunc func(ctx context.Context, key string) error

// StoreTests runs the Store level conformance tests against store. remove must
// delete a key the way eviction or expiry would.
func StoreTests(t *testing.T, store tokenbucket.Store[string], remove RemoveFunc) {
	t.Run("StaleVersion", StaleVersionTest(store))
	t.Run("RecreatedKey", RecreatedKeyTest(store, remove))
}

func remoteState(t *testing.T, available int64) tokenbucket.RemoteState {
	cfg := mustConfiguration(t, tokenbucket.Classic(10, 1, time.Hour))
	state := tokenbucket.NewState(cfg, 0)
	state.Bands[0].Available = available
	return tokenbucket.NewRemoteState(cfg, state)
}

// StaleVersionTest checks that a version is good for a single write.
func StaleVersionTest(store tokenbucket.Store[string]) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		inserted, err := store.Insert(ctx, "stale", remoteState(t, 10))
		require.NoError(t, err)
		require.True(t, inserted)

		_, version, found, err := store.Load(ctx, "stale")
		require.NoError(t, err)
		require.True(t, found)

		swapped, err := store.CompareAndSwap(ctx, "stale", version, remoteState(t, 7))
		require.NoError(t, err)
		require.True(t, swapped)
		swapped, err = store.CompareAndSwap(ctx, "stale", version, remoteState(t, 3))
		require.NoError(t, err)
		assert.False(t, swapped)

		stored, _, _, err := store.Load(ctx, "stale")
		require.NoError(t, err)
		assert.Equal(t, int64(7), stored.State.Bands[0].Available)
	}
}

// RecreatedKeyTest checks that a version read before a key was removed cannot
// overwrite the state the key was created with afterwards.
func RecreatedKeyTest(store tokenbucket.Store[string], remove RemoveFunc) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		inserted, err := store.Insert(ctx, "recreated", remoteState(t, 10))
		require.NoError(t, err)
		require.True(t, inserted)
		_, old, found, err := store.Load(ctx, "recreated")
		require.NoError(t, err)
		require.True(t, found)

		require.NoError(t, remove(ctx, "recreated"))
		inserted, err = store.Insert(ctx, "recreated", remoteState(t, 9))
		require.NoError(t, err)
		require.True(t, inserted)

		swapped, err := store.CompareAndSwap(ctx, "recreated", old, remoteState(t, 0))
		require.NoError(t, err)
		assert.False(t, swapped, "write based on the removed state was accepted")

		stored, _, found, err := store.Load(ctx, "recreated")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(9), stored.State.Bands[0].Available)
	}
}

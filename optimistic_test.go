package tokenbucket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Clever/tokenbucket/internal/clock"
)

// flakyStore is a single-process Store that can lose a number of writes on purpose.
type flakyStore struct {
	mu        sync.Mutex
	entries   map[string]RemoteState
	versions  map[string]uint64
	conflicts int
	loadErr   error
	loads     int
}

func newFlakyStore(conflicts int) *flakyStore {
	return &flakyStore{
		entries:   map[string]RemoteState{},
		versions:  map[string]uint64{},
		conflicts: conflicts,
	}
}

func (s *flakyStore) Load(_ context.Context, key string) (RemoteState, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return RemoteState{}, 0, false, s.loadErr
	}
	r, ok := s.entries[key]
	return r, s.versions[key], ok, nil
}

func (s *flakyStore) Insert(_ context.Context, key string, state RemoteState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = state
	s.versions[key] = 1
	return true, nil
}

func (s *flakyStore) CompareAndSwap(_ context.Context, key string, version uint64, state RemoteState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return false, nil
	}
	if s.versions[key] != version {
		return false, nil
	}
	s.entries[key] = state
	s.versions[key]++
	return true, nil
}

// countingCommand takes one token and records how often it was evaluated.
type countingCommand struct {
	calls *int
}

func (c countingCommand) Execute(cfg Configuration, state *State, now int64) bool {
	*c.calls++
	return TryConsume{Tokens: 1}.Execute(cfg, state, now)
}

func seeded(t *testing.T, store *flakyStore, key string, cfg Configuration) {
	inserted, err := store.Insert(context.Background(), key, NewRemoteState(cfg, NewState(cfg, 0)))
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestOptimisticRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	cfg := configuration(t, Classic(10, 1, time.Hour))
	store := newFlakyStore(3)
	seeded(t, store, "k", cfg)

	core, logs := observer.New(zapcore.DebugLevel)
	b := NewOptimisticBackend[string](store, WithClock(clock.NewMock(0)), WithLogger(zap.New(core)))

	calls := 0
	res, err := Execute[bool](ctx, b, "k", countingCommand{calls: &calls})
	require.NoError(t, err)
	assert.True(t, res.StateExisted)
	assert.True(t, res.Value)
	assert.Equal(t, 4, calls)
	assert.Equal(t, int64(9), res.State.AvailableTokens())
	assert.Equal(t, 3, logs.FilterMessage("optimistic write conflict").Len())

	stored, version, _, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
	assert.Equal(t, int64(9), stored.State.AvailableTokens())
}

func TestOptimisticGivesUp(t *testing.T) {
	ctx := context.Background()
	cfg := configuration(t, Classic(10, 1, time.Hour))
	store := newFlakyStore(1_000)
	seeded(t, store, "k", cfg)

	core, logs := observer.New(zapcore.WarnLevel)
	b := NewOptimisticBackend[string](store, WithMaxRetries(4), WithLogger(zap.New(core)))

	calls := 0
	_, err := Execute[bool](ctx, b, "k", countingCommand{calls: &calls})
	assert.ErrorIs(t, err, ErrTooManyRetries)
	assert.Equal(t, 5, calls)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)

	stored, _, _, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored.State.AvailableTokens(), "a failed execution must not change the state")
}

func TestOptimisticDoesNotRetryStoreErrors(t *testing.T) {
	store := newFlakyStore(0)
	store.loadErr = errors.New("connection reset")
	b := NewOptimisticBackend[string](store)

	_, err := Execute[bool](context.Background(), b, "k", TryConsume{Tokens: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.loadErr)
	assert.NotErrorIs(t, err, ErrTooManyRetries)
	assert.Equal(t, 1, store.loads)
}

func TestOptimisticAbsentKey(t *testing.T) {
	b := NewOptimisticBackend[string](newFlakyStore(0))

	calls := 0
	res, err := Execute[bool](context.Background(), b, "missing", countingCommand{calls: &calls})
	require.NoError(t, err)
	assert.False(t, res.StateExisted)
	assert.False(t, res.Value)
	assert.Zero(t, calls)

	_, ok, err := b.GetConfiguration(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOptimisticCreatesState(t *testing.T) {
	ctx := context.Background()
	cfg := configuration(t, Classic(10, 1, time.Hour))
	store := newFlakyStore(0)
	b := NewOptimisticBackend[string](store, WithClock(clock.NewMock(0)))

	res, err := CreateInitialStateAndExecute[bool](ctx, b, "k", cfg, TryConsume{Tokens: 4})
	require.NoError(t, err)
	assert.False(t, res.StateExisted)
	assert.True(t, res.Value)
	assert.True(t, cfg.Equal(res.Configuration))

	res, err = CreateInitialStateAndExecute[bool](ctx, b, "k", cfg, TryConsume{Tokens: 4})
	require.NoError(t, err)
	assert.True(t, res.StateExisted)
	assert.Equal(t, int64(2), res.State.AvailableTokens())
}

func TestOptimisticRejectsEmptyConfiguration(t *testing.T) {
	ctx := context.Background()
	b := NewOptimisticBackend[string](newFlakyStore(0))

	assert.ErrorIs(t, b.CreateInitialState(ctx, "k", Configuration{}), ErrInvalidConfiguration)
	_, err := CreateInitialStateAndExecute[bool](ctx, b, "k", Configuration{}, TryConsume{Tokens: 1})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestOptimisticCorruptedState(t *testing.T) {
	ctx := context.Background()
	cfg := configuration(t, Classic(10, 1, time.Hour))
	store := newFlakyStore(0)
	_, err := store.Insert(ctx, "k", RemoteState{Bandwidths: cfg.Bandwidths()})
	require.NoError(t, err)

	b := NewOptimisticBackend[string](store)
	_, err = Execute[bool](ctx, b, "k", TryConsume{Tokens: 1})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, _, err = b.GetConfiguration(ctx, "k")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestOptimisticAsync(t *testing.T) {
	ctx := context.Background()
	cfg := configuration(t, Classic(10, 1, time.Hour))
	b := NewOptimisticBackend[string](newFlakyStore(0))
	require.True(t, b.IsAsyncModeSupported())

	res, err := CreateInitialStateAndExecuteAsync[int64](ctx, b, "k", cfg, ConsumeAsMuchAsPossible{Limit: 6}).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Value)

	f := ExecuteAsync[int64](ctx, b, "k", GetAvailableTokens{})
	<-f.Done()
	res, err = f.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Value)
}

func TestOptimisticAsyncDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := configuration(t, Classic(10, 1, time.Hour))
	b := NewOptimisticBackend[string](newFlakyStore(0), WithAsyncMode(false))
	require.False(t, b.IsAsyncModeSupported())

	_, err := ExecuteAsync[bool](ctx, b, "k", TryConsume{Tokens: 1}).Get(ctx)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	_, err = CreateInitialStateAndExecuteAsync[bool](ctx, b, "k", cfg, TryConsume{Tokens: 1}).Get(ctx)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}

func TestFutureGetHonorsContext(t *testing.T) {
	f := newFuture[bool]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	f.complete(CommandResult[bool]{Value: true}, nil)
	res, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Value)
}

// mistypedBackend answers every command with a string.
type mistypedBackend struct {
	Backend[string]
}

func (mistypedBackend) Execute(context.Context, string, Command[any]) (CommandResult[any], error) {
	return CommandResult[any]{Value: "granted", StateExisted: true}, nil
}

func (mistypedBackend) ExecuteAsync(context.Context, string, Command[any]) *Future[any] {
	f := newFuture[any]()
	f.complete(CommandResult[any]{Value: "granted", StateExisted: true}, nil)
	return f
}

func TestTypedHelpersRejectMistypedResults(t *testing.T) {
	ctx := context.Background()
	b := mistypedBackend{}

	_, err := Execute[bool](ctx, b, "k", TryConsume{Tokens: 1})
	assert.ErrorIs(t, err, ErrUnexpectedResult)

	_, err = ExecuteAsync[int64](ctx, b, "k", GetAvailableTokens{}).Get(ctx)
	assert.ErrorIs(t, err, ErrUnexpectedResult)
}

func TestTypedHelpersAcceptAbsentState(t *testing.T) {
	res, err := castResult[bool](CommandResult[any]{})
	require.NoError(t, err)
	assert.False(t, res.StateExisted)
	assert.False(t, res.Value)
}

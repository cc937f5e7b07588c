package tokenbucket

import (
	"context"
	"errors"
	"fmt"

	"github.com/eapache/go-resiliency/retrier"
	"go.uber.org/zap"

	"github.com/Clever/tokenbucket/internal/clock"
)

var errConflict = errors.New("state changed since it was read")

var _ Backend[string] = &OptimisticBackend[string]{}

// OptimisticBackend implements Backend on top of a Store. Every execution reads the
// stored state, applies the command to a copy and writes it back conditioned on the
// version it read; a lost race re-runs the whole cycle.
type OptimisticBackend[K comparable] struct {
	store   Store[K]
	clock   clock.Clock
	logger  *zap.Logger
	retrier *retrier.Retrier
	async   bool
}

// NewOptimisticBackend returns a Backend that keeps its state in store.
func NewOptimisticBackend[K comparable](store Store[K], opts ...Option) *OptimisticBackend[K] {
	o := newOptions(opts)
	return &OptimisticBackend[K]{
		store:   store,
		clock:   o.clock,
		logger:  o.logger,
		retrier: retrier.New(retrier.ConstantBackoff(o.maxRetries, o.backoff), conflictClassifier{}),
		async:   o.async,
	}
}

// conflictClassifier retries lost optimistic writes and nothing else; store
// failures go straight back to the caller.
type conflictClassifier struct{}

var _ retrier.Classifier = conflictClassifier{}

func (conflictClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	} else if errors.Is(err, errConflict) {
		return retrier.Retry
	}
	return retrier.Fail
}

// CreateInitialState stores a fresh state for key. An existing state is left untouched.
func (b *OptimisticBackend[K]) CreateInitialState(ctx context.Context, key K, cfg Configuration) error {
	if cfg.IsZero() {
		return fmt.Errorf("%w: empty configuration", ErrInvalidConfiguration)
	}
	state := NewState(cfg, b.clock.Nanos())
	if _, err := b.store.Insert(ctx, key, NewRemoteState(cfg, state)); err != nil {
		return fmt.Errorf("create state for %v: %w", key, err)
	}
	return nil
}

// Execute applies cmd to the state of key.
func (b *OptimisticBackend[K]) Execute(ctx context.Context, key K, cmd Command[any]) (CommandResult[any], error) {
	return b.run(ctx, key, nil, cmd)
}

// CreateInitialStateAndExecute applies cmd to the state of key, creating it from cfg
// first when absent.
func (b *OptimisticBackend[K]) CreateInitialStateAndExecute(ctx context.Context, key K, cfg Configuration, cmd Command[any]) (CommandResult[any], error) {
	if cfg.IsZero() {
		return CommandResult[any]{}, fmt.Errorf("%w: empty configuration", ErrInvalidConfiguration)
	}
	return b.run(ctx, key, &cfg, cmd)
}

func (b *OptimisticBackend[K]) ExecuteAsync(ctx context.Context, key K, cmd Command[any]) *Future[any] {
	if !b.async {
		return failedFuture[any](fmt.Errorf("execute async: %w", ErrUnsupportedOperation))
	}
	f := newFuture[any]()
	// cancelling ctx abandons Get, not an execution that may already be committing
	detached := context.WithoutCancel(ctx)
	go func() {
		f.complete(b.Execute(detached, key, cmd))
	}()
	return f
}

func (b *OptimisticBackend[K]) CreateInitialStateAndExecuteAsync(ctx context.Context, key K, cfg Configuration, cmd Command[any]) *Future[any] {
	if !b.async {
		return failedFuture[any](fmt.Errorf("create initial state and execute async: %w", ErrUnsupportedOperation))
	}
	f := newFuture[any]()
	detached := context.WithoutCancel(ctx)
	go func() {
		f.complete(b.CreateInitialStateAndExecute(detached, key, cfg, cmd))
	}()
	return f
}

// GetConfiguration returns the configuration stored for key.
func (b *OptimisticBackend[K]) GetConfiguration(ctx context.Context, key K) (Configuration, bool, error) {
	stored, _, found, err := b.store.Load(ctx, key)
	if err != nil {
		return Configuration{}, false, fmt.Errorf("load state for %v: %w", key, err)
	} else if !found {
		return Configuration{}, false, nil
	}
	cfg, err := stored.Configuration()
	if err != nil {
		return Configuration{}, false, fmt.Errorf("stored state for %v: %w", key, err)
	}
	return cfg, true, nil
}

func (b *OptimisticBackend[K]) IsAsyncModeSupported() bool {
	return b.async
}

func (b *OptimisticBackend[K]) run(ctx context.Context, key K, cfg *Configuration, cmd Command[any]) (CommandResult[any], error) {
	var (
		result   CommandResult[any]
		attempts int
	)
	err := b.retrier.RunCtx(ctx, func(ctx context.Context) error {
		attempts++
		res, err := b.attempt(ctx, key, cfg, cmd)
		if err != nil {
			if errors.Is(err, errConflict) {
				b.logger.Debug("optimistic write conflict", zap.Any("key", key), zap.Int("attempt", attempts))
			}
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, errConflict) {
		b.logger.Warn("giving up after repeated write conflicts", zap.Any("key", key), zap.Int("attempts", attempts))
		return CommandResult[any]{}, fmt.Errorf("%w: key %v, %d attempts", ErrTooManyRetries, key, attempts)
	}
	if err != nil {
		return CommandResult[any]{}, err
	}
	return result, nil
}

// attempt is one read-apply-write cycle.
func (b *OptimisticBackend[K]) attempt(ctx context.Context, key K, create *Configuration, cmd Command[any]) (CommandResult[any], error) {
	stored, version, found, err := b.store.Load(ctx, key)
	if err != nil {
		return CommandResult[any]{}, fmt.Errorf("load state for %v: %w", key, err)
	}
	now := b.clock.Nanos()

	if !found {
		if create == nil {
			return CommandResult[any]{}, nil
		}
		state := NewState(*create, now)
		value := cmd.Execute(*create, &state, now)
		inserted, err := b.store.Insert(ctx, key, NewRemoteState(*create, state))
		if err != nil {
			return CommandResult[any]{}, fmt.Errorf("create state for %v: %w", key, err)
		} else if !inserted {
			return CommandResult[any]{}, errConflict
		}
		return CommandResult[any]{Value: value, State: state, Configuration: *create}, nil
	}

	cfg, err := stored.Configuration()
	if err != nil {
		return CommandResult[any]{}, fmt.Errorf("stored state for %v: %w", key, err)
	}
	state := stored.State.Clone()
	value := cmd.Execute(cfg, &state, now)
	swapped, err := b.store.CompareAndSwap(ctx, key, version, NewRemoteState(cfg, state))
	if err != nil {
		return CommandResult[any]{}, fmt.Errorf("update state for %v: %w", key, err)
	} else if !swapped {
		return CommandResult[any]{}, errConflict
	}
	return CommandResult[any]{
		Value:         value,
		StateExisted:  true,
		State:         state,
		Configuration: cfg,
	}, nil
}

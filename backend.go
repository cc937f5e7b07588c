package tokenbucket

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// CommandResult is the outcome of running a command against a backend.
type CommandResult[T any] struct {
	// Value is the command result. It is the zero value when the command did not run.
	Value T
	// StateExisted reports whether the key had state before this execution.
	StateExisted bool
	// State is a snapshot of the state the command left behind.
	State State
	// Configuration is the configuration the command was evaluated with.
	Configuration Configuration
}

func castResult[T any](r CommandResult[any]) (CommandResult[T], error) {
	v, ok := r.Value.(T)
	if !ok && (r.Value != nil || r.StateExisted) {
		return CommandResult[T]{}, fmt.Errorf("%w: got %T, want %T", ErrUnexpectedResult, r.Value, v)
	}
	return CommandResult[T]{
		Value:         v,
		StateExisted:  r.StateExisted,
		State:         r.State,
		Configuration: r.Configuration,
	}, nil
}

// Backend holds bucket state for many keys and applies commands to it. Writes for
// one key are serialized through optimistic concurrency; different keys are
// independent.
type Backend[K comparable] interface {
	// CreateInitialState stores a fresh state for key unless one already exists.
	CreateInitialState(ctx context.Context, key K, cfg Configuration) error

	// Execute applies cmd to the state stored for key. If key has no state the command
	// is not run and the result has StateExisted false.
	Execute(ctx context.Context, key K, cmd Command[any]) (CommandResult[any], error)

	// CreateInitialStateAndExecute applies cmd to the state of key, creating it from
	// cfg first if it is absent.
	CreateInitialStateAndExecute(ctx context.Context, key K, cfg Configuration, cmd Command[any]) (CommandResult[any], error)

	// ExecuteAsync is Execute without blocking the caller.
	ExecuteAsync(ctx context.Context, key K, cmd Command[any]) *Future[any]

	// CreateInitialStateAndExecuteAsync is CreateInitialStateAndExecute without
	// blocking the caller.
	CreateInitialStateAndExecuteAsync(ctx context.Context, key K, cfg Configuration, cmd Command[any]) *Future[any]

	// GetConfiguration returns the configuration stored for key. ok is false when key
	// has no state.
	GetConfiguration(ctx context.Context, key K) (cfg Configuration, ok bool, err error)

	// IsAsyncModeSupported reports whether the async operations can be used.
	IsAsyncModeSupported() bool
}

// Execute runs a typed command through b.
func Execute[T any, K comparable](ctx context.Context, b Backend[K], key K, cmd Command[T]) (CommandResult[T], error) {
	res, err := b.Execute(ctx, key, Erase(cmd))
	if err != nil {
		return CommandResult[T]{}, err
	}
	return castResult[T](res)
}

// CreateInitialStateAndExecute runs a typed command through b, creating the state of
// key from cfg if needed.
func CreateInitialStateAndExecute[T any, K comparable](ctx context.Context, b Backend[K], key K, cfg Configuration, cmd Command[T]) (CommandResult[T], error) {
	res, err := b.CreateInitialStateAndExecute(ctx, key, cfg, Erase(cmd))
	if err != nil {
		return CommandResult[T]{}, err
	}
	return castResult[T](res)
}

// ExecuteAsync is the typed form of Backend.ExecuteAsync.
func ExecuteAsync[T any, K comparable](ctx context.Context, b Backend[K], key K, cmd Command[T]) *Future[T] {
	return typed[T](b.ExecuteAsync(ctx, key, Erase(cmd)))
}

// CreateInitialStateAndExecuteAsync is the typed form of
// Backend.CreateInitialStateAndExecuteAsync.
func CreateInitialStateAndExecuteAsync[T any, K comparable](ctx context.Context, b Backend[K], key K, cfg Configuration, cmd Command[T]) *Future[T] {
	return typed[T](b.CreateInitialStateAndExecuteAsync(ctx, key, cfg, Erase(cmd)))
}

// Future is the pending result of an asynchronous execution.
type Future[T any] struct {
	done chan struct{}
	res  CommandResult[T]
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	f.complete(CommandResult[T]{}, err)
	return f
}

func (f *Future[T]) complete(res CommandResult[T], err error) {
	f.res = res
	f.err = err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result. Cancelling ctx stops the wait but does not undo a write
// the execution may already have committed.
func (f *Future[T]) Get(ctx context.Context) (CommandResult[T], error) {
	select {
	case <-ctx.Done():
		return CommandResult[T]{}, ctx.Err()
	case <-f.done:
		return f.res, f.err
	}
}

func typed[T any](f *Future[any]) *Future[T] {
	out := newFuture[T]()
	go func() {
		<-f.done
		if f.err != nil {
			out.complete(CommandResult[T]{}, f.err)
			return
		}
		out.complete(castResult[T](f.res))
	}()
	return out
}

// RemoteState is what a Store persists for one key.
type RemoteState struct {
	Bandwidths []Bandwidth `json:"bandwidths"`
	State      State       `json:"state"`
}

// NewRemoteState pairs a configuration with a state.
func NewRemoteState(cfg Configuration, state State) RemoteState {
	return RemoteState{
		Bandwidths: cfg.Bandwidths(),
		State:      state.Clone(),
	}
}

// Configuration validates and returns the stored configuration.
func (r RemoteState) Configuration() (Configuration, error) {
	cfg, err := NewConfiguration(r.Bandwidths...)
	if err != nil {
		return Configuration{}, err
	}
	if err := r.State.compatible(cfg); err != nil {
		return Configuration{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return cfg, nil
}

// Store is the persistence primitive an OptimisticBackend runs on. Versions are
// opaque to the backend; a store bumps the version on every successful write. A key
// that is removed and inserted again must not get back a version an earlier
// reader could still hold.
type Store[K comparable] interface {
	// Load returns the state stored for key. found is false when there is none;
	// that is not an error.
	Load(ctx context.Context, key K) (state RemoteState, version uint64, found bool, err error)

	// Insert stores state for key only if key has no state. It reports whether it wrote.
	Insert(ctx context.Context, key K, state RemoteState) (bool, error)

	// CompareAndSwap replaces the state of key only if its version is still version.
	// It reports whether it wrote.
	CompareAndSwap(ctx context.Context, key K, version uint64, state RemoteState) (bool, error)
}

// InitialVersion returns a version for a newly inserted state. Remote stores seed
// Insert with it so versions do not repeat across removal and recreation of a key.
func InitialVersion() uint64 {
	return rand.Uint64()
}

package tokenbucket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Clever/tokenbucket/internal/clock"
)

// LocalBucket is an in-process bucket. It is safe for concurrent use.
type LocalBucket struct {
	cfg   Configuration
	clock clock.Clock

	mu    sync.Mutex
	state State
}

// NewLocalBucket returns a bucket holding the initial tokens of every band of cfg.
func NewLocalBucket(cfg Configuration, opts ...Option) (*LocalBucket, error) {
	if cfg.IsZero() {
		return nil, fmt.Errorf("%w: empty configuration", ErrInvalidConfiguration)
	}
	o := newOptions(opts)
	return &LocalBucket{
		cfg:   cfg,
		clock: o.clock,
		state: NewState(cfg, o.clock.Nanos()),
	}, nil
}

// Configuration returns the configuration the bucket was built with.
func (b *LocalBucket) Configuration() Configuration {
	return b.cfg
}

// TryConsume takes n tokens if every band has them.
func (b *LocalBucket) TryConsume(n int64) bool {
	mustBePositive(n)
	return apply[bool](b, TryConsume{Tokens: n})
}

// ConsumeAsMuchAsPossible takes up to limit tokens and returns how many it took.
func (b *LocalBucket) ConsumeAsMuchAsPossible(limit int64) int64 {
	mustBePositive(limit)
	return apply[int64](b, ConsumeAsMuchAsPossible{Limit: limit})
}

// TryConsumeAndReturnRemaining is TryConsume with details about what is left.
func (b *LocalBucket) TryConsumeAndReturnRemaining(n int64) ConsumptionProbe {
	mustBePositive(n)
	return apply[ConsumptionProbe](b, TryConsumeAndReturnRemaining{Tokens: n})
}

// EstimateAbilityToConsume reports whether n tokens could be taken right now.
func (b *LocalBucket) EstimateAbilityToConsume(n int64) EstimationProbe {
	mustBePositive(n)
	return apply[EstimationProbe](b, EstimateAbilityToConsume{Tokens: n})
}

// AddTokens returns n tokens to the bucket, capped at each band's capacity.
func (b *LocalBucket) AddTokens(n int64) {
	mustBePositive(n)
	apply[int64](b, AddTokens{Tokens: n})
}

// AvailableTokens returns the tokens that can be taken right now.
func (b *LocalBucket) AvailableTokens() int64 {
	return apply[int64](b, GetAvailableTokens{})
}

// ConsumeOrAwait takes n tokens, sleeping until enough have been refilled if needed.
// It gives up and returns false, without sleeping, once the wait it would need
// exceeds what is left of maxWait. A maxWait of zero or less never waits.
//
// When n can never be granted, ErrUnsatisfiable is returned. Cancelling ctx while
// sleeping returns ctx.Err(); the bucket is not modified in either case.
func (b *LocalBucket) ConsumeOrAwait(ctx context.Context, n int64, maxWait time.Duration) (bool, error) {
	mustBePositive(n)
	if maxWait <= 0 {
		return b.TryConsume(n), nil
	}
	if n > b.cfg.MinCapacity() {
		return false, fmt.Errorf("%w: %d tokens, capacity %d", ErrUnsatisfiable, n, b.cfg.MinCapacity())
	}

	budget := int64(maxWait)
	for {
		wait, ok, consumed := b.consumeOrEstimate(n)
		if consumed {
			return true, nil
		} else if !ok {
			return false, fmt.Errorf("%w: %d tokens", ErrUnsatisfiable, n)
		} else if wait > budget {
			return false, nil
		}

		start := b.clock.Nanos()
		if err := b.clock.Sleep(ctx, time.Duration(wait)); err != nil {
			return false, err
		}
		budget -= max(b.clock.Nanos()-start, wait)
		if budget < 0 {
			budget = 0
		}
	}
}

// consumeOrEstimate takes n tokens or reports how long to wait for them, in one
// critical section.
func (b *LocalBucket) consumeOrEstimate(n int64) (wait int64, ok bool, consumed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Nanos()
	if (TryConsume{Tokens: n}).Execute(b.cfg, &b.state, now) {
		return 0, true, true
	}
	wait, ok = b.state.NanosToWait(b.cfg, n)
	return wait, ok, false
}

// State returns a snapshot of the bucket state.
func (b *LocalBucket) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Clone()
}

func apply[T any](b *LocalBucket, cmd Command[T]) T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cmd.Execute(b.cfg, &b.state, b.clock.Nanos())
}

func mustBePositive(n int64) {
	if n <= 0 {
		panic(fmt.Sprintf("tokenbucket: token count must be positive, got %d", n))
	}
}

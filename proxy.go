package tokenbucket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Clever/tokenbucket/internal/clock"
)

// RecoveryStrategy decides what a Proxy does when the backend lost its state.
type RecoveryStrategy int

const (
	// Reconstruct recreates the state from the proxy configuration and retries the
	// command against it.
	Reconstruct RecoveryStrategy = iota
	// ThrowBucketNotFound fails the call with ErrBucketNotFound.
	ThrowBucketNotFound
)

func (r RecoveryStrategy) String() string {
	switch r {
	case Reconstruct:
		return "reconstruct"
	case ThrowBucketNotFound:
		return "throw-bucket-not-found"
	}
	return fmt.Sprintf("RecoveryStrategy(%d)", int(r))
}

// Proxy is a bucket whose state lives in a Backend under one key. Any number of
// proxies, in any number of processes, may share the key.
type Proxy[K comparable] struct {
	backend  Backend[K]
	key      K
	cfg      Configuration
	recovery RecoveryStrategy
	clock    clock.Clock
	logger   *zap.Logger
}

// NewProxy makes sure key has state in backend, creating it from cfg if needed, and
// returns a proxy for it.
func NewProxy[K comparable](ctx context.Context, backend Backend[K], key K, cfg Configuration, opts ...Option) (*Proxy[K], error) {
	if cfg.IsZero() {
		return nil, fmt.Errorf("%w: empty configuration", ErrInvalidConfiguration)
	}
	o := newOptions(opts)
	if err := backend.CreateInitialState(ctx, key, cfg); err != nil {
		return nil, err
	}
	return &Proxy[K]{
		backend:  backend,
		key:      key,
		cfg:      cfg,
		recovery: o.recovery,
		clock:    o.clock,
		logger:   o.logger,
	}, nil
}

// Key returns the key the proxy operates on.
func (p *Proxy[K]) Key() K {
	return p.key
}

// TryConsume takes n tokens if every band has them.
func (p *Proxy[K]) TryConsume(ctx context.Context, n int64) (bool, error) {
	mustBePositive(n)
	return remote[bool](ctx, p, TryConsume{Tokens: n})
}

// ConsumeAsMuchAsPossible takes up to limit tokens and returns how many it took.
func (p *Proxy[K]) ConsumeAsMuchAsPossible(ctx context.Context, limit int64) (int64, error) {
	mustBePositive(limit)
	return remote[int64](ctx, p, ConsumeAsMuchAsPossible{Limit: limit})
}

// TryConsumeAndReturnRemaining is TryConsume with details about what is left.
func (p *Proxy[K]) TryConsumeAndReturnRemaining(ctx context.Context, n int64) (ConsumptionProbe, error) {
	mustBePositive(n)
	return remote[ConsumptionProbe](ctx, p, TryConsumeAndReturnRemaining{Tokens: n})
}

// EstimateAbilityToConsume reports whether n tokens could be taken right now.
func (p *Proxy[K]) EstimateAbilityToConsume(ctx context.Context, n int64) (EstimationProbe, error) {
	mustBePositive(n)
	return remote[EstimationProbe](ctx, p, EstimateAbilityToConsume{Tokens: n})
}

// AddTokens returns n tokens to the bucket.
func (p *Proxy[K]) AddTokens(ctx context.Context, n int64) error {
	mustBePositive(n)
	_, err := remote[int64](ctx, p, AddTokens{Tokens: n})
	return err
}

// AvailableTokens returns the tokens that can be taken right now.
func (p *Proxy[K]) AvailableTokens(ctx context.Context) (int64, error) {
	return remote[int64](ctx, p, GetAvailableTokens{})
}

// ConsumeOrAwait follows the LocalBucket.ConsumeOrAwait contract. Each attempt is a
// separate command; the proxy sleeps locally between attempts.
func (p *Proxy[K]) ConsumeOrAwait(ctx context.Context, n int64, maxWait time.Duration) (bool, error) {
	mustBePositive(n)
	if maxWait <= 0 {
		return p.TryConsume(ctx, n)
	}
	budget := int64(maxWait)
	for {
		probe, err := p.TryConsumeAndReturnRemaining(ctx, n)
		if err != nil {
			return false, err
		} else if probe.Consumed {
			return true, nil
		} else if probe.NanosToWaitForRefill == forever {
			return false, fmt.Errorf("%w: %d tokens", ErrUnsatisfiable, n)
		} else if probe.NanosToWaitForRefill > budget {
			return false, nil
		}

		wait := probe.NanosToWaitForRefill
		start := p.clock.Nanos()
		if err := p.clock.Sleep(ctx, time.Duration(wait)); err != nil {
			return false, err
		}
		budget = max(budget-max(p.clock.Nanos()-start, wait), 0)
	}
}

func remote[T any, K comparable](ctx context.Context, p *Proxy[K], cmd Command[T]) (T, error) {
	res, err := Execute[T](ctx, p.backend, p.key, cmd)
	if err != nil {
		var zero T
		return zero, err
	}
	if res.StateExisted {
		return res.Value, nil
	}

	if p.recovery == ThrowBucketNotFound {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrBucketNotFound, p.key)
	}
	p.logger.Info("bucket state missing, reconstructing", zap.Any("key", p.key))
	res, err = CreateInitialStateAndExecute[T](ctx, p.backend, p.key, p.cfg, cmd)
	if err != nil {
		var zero T
		return zero, err
	}
	return res.Value, nil
}

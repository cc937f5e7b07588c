package tokenbucket

import (
	"time"

	"go.uber.org/zap"

	"github.com/Clever/tokenbucket/internal/clock"
)

const (
	// DefaultMaxRetries caps how many times a conflicting optimistic write is retried.
	DefaultMaxRetries = 100
)

type options struct {
	clock      clock.Clock
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
	async      bool
	recovery   RecoveryStrategy
}

func newOptions(opts []Option) *options {
	o := &options{
		clock:      clock.NewSystemClock(),
		logger:     zap.NewNop(),
		maxRetries: DefaultMaxRetries,
		async:      true,
		recovery:   Reconstruct,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a LocalBucket, an OptimisticBackend or a Proxy. Options that do
// not apply to the value being built are ignored.
type Option func(*options)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxRetries caps the number of retries after an optimistic write conflict.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the pause between retries after a write conflict. Defaults to none.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		o.backoff = d
	}
}

// WithAsyncMode turns the asynchronous backend operations on or off.
func WithAsyncMode(enabled bool) Option {
	return func(o *options) {
		o.async = enabled
	}
}

// WithRecoveryStrategy sets what a Proxy does when its state disappears from the backend.
func WithRecoveryStrategy(r RecoveryStrategy) Option {
	return func(o *options) {
		o.recovery = r
	}
}

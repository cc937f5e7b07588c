// Package tokenbucket implements token buckets that refill continuously and can
// run either in a single process or against a shared store.
//
// A bucket is described by a Configuration made of one or more Bandwidths. Each
// Bandwidth is a capacity plus a refill rate expressed as a rational number of
// tokens per period; a request is granted only when every band allows it.
package tokenbucket

import (
	"fmt"
	"time"
)

// Bandwidth is one capacity and refill rate pair.
type Bandwidth struct {
	// Capacity is the maximum number of tokens the band holds.
	Capacity int64 `json:"capacity"`
	// InitialTokens is the number of tokens a fresh bucket starts with.
	InitialTokens int64 `json:"initialTokens"`
	// RefillTokens are added every RefillPeriod, spread evenly over the period.
	RefillTokens int64 `json:"refillTokens"`
	// RefillPeriod is the denominator of the refill rate.
	RefillPeriod time.Duration `json:"refillPeriod"`
}

// Simple returns a band that refills its whole capacity every period.
func Simple(capacity int64, period time.Duration) Bandwidth {
	return Classic(capacity, capacity, period)
}

// Classic returns a band with the given capacity refilled by refillTokens every period.
// The band starts full.
func Classic(capacity, refillTokens int64, period time.Duration) Bandwidth {
	return Bandwidth{
		Capacity:      capacity,
		InitialTokens: capacity,
		RefillTokens:  refillTokens,
		RefillPeriod:  period,
	}
}

// WithInitialTokens returns a copy of b that starts with n tokens.
func (b Bandwidth) WithInitialTokens(n int64) Bandwidth {
	b.InitialTokens = n
	return b
}

func (b Bandwidth) validate() error {
	switch {
	case b.Capacity < 0:
		return fmt.Errorf("%w: capacity %d is negative", ErrInvalidConfiguration, b.Capacity)
	case b.RefillTokens < 0:
		return fmt.Errorf("%w: refill tokens %d is negative", ErrInvalidConfiguration, b.RefillTokens)
	case b.RefillPeriod <= 0:
		return fmt.Errorf("%w: refill period %s must be positive", ErrInvalidConfiguration, b.RefillPeriod)
	case b.InitialTokens < 0 || b.InitialTokens > b.Capacity:
		return fmt.Errorf("%w: initial tokens %d outside [0, %d]", ErrInvalidConfiguration, b.InitialTokens, b.Capacity)
	}
	return nil
}

// Configuration is an immutable set of bands. The zero value holds no bands and
// is not a valid configuration; use NewConfiguration.
type Configuration struct {
	bandwidths []Bandwidth
}

// NewConfiguration validates bandwidths and returns the configuration built from them.
func NewConfiguration(bandwidths ...Bandwidth) (Configuration, error) {
	if len(bandwidths) == 0 {
		return Configuration{}, fmt.Errorf("%w: at least one bandwidth is required", ErrInvalidConfiguration)
	}
	for i, b := range bandwidths {
		if err := b.validate(); err != nil {
			return Configuration{}, fmt.Errorf("bandwidth %d: %w", i, err)
		}
	}
	return Configuration{bandwidths: append([]Bandwidth(nil), bandwidths...)}, nil
}

// Bandwidths returns a copy of the configured bands.
func (c Configuration) Bandwidths() []Bandwidth {
	return append([]Bandwidth(nil), c.bandwidths...)
}

// Len is the number of bands.
func (c Configuration) Len() int {
	return len(c.bandwidths)
}

// IsZero reports whether c was never built by NewConfiguration.
func (c Configuration) IsZero() bool {
	return len(c.bandwidths) == 0
}

// MinCapacity is the largest request that can ever be granted.
func (c Configuration) MinCapacity() int64 {
	var least int64 = -1
	for _, b := range c.bandwidths {
		if least < 0 || b.Capacity < least {
			least = b.Capacity
		}
	}
	return least
}

// Equal reports whether both configurations hold the same bands in the same order.
func (c Configuration) Equal(other Configuration) bool {
	if len(c.bandwidths) != len(other.bandwidths) {
		return false
	}
	for i := range c.bandwidths {
		if c.bandwidths[i] != other.bandwidths[i] {
			return false
		}
	}
	return true
}

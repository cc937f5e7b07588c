package tokenbucket

import (
	"fmt"
	"math"
	"math/bits"
)

// BandState is the refill bookkeeping of one band.
//
// Available and RoundingError together form an exact fixed-point value:
// Available + RoundingError/RefillPeriod tokens, with 0 <= RoundingError < RefillPeriod.
type BandState struct {
	Available       int64 `json:"available"`
	RoundingError   int64 `json:"roundingError"`
	LastRefillNanos int64 `json:"lastRefillNanos"`
}

// State is the mutable part of a bucket, one BandState per band of its configuration.
type State struct {
	Bands []BandState `json:"bands"`
}

// NewState returns the initial state of a bucket created at now.
func NewState(cfg Configuration, now int64) State {
	bands := make([]BandState, len(cfg.bandwidths))
	for i, b := range cfg.bandwidths {
		bands[i] = BandState{
			Available:       b.InitialTokens,
			LastRefillNanos: now,
		}
	}
	return State{Bands: bands}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	return State{Bands: append([]BandState(nil), s.Bands...)}
}

func (s State) compatible(cfg Configuration) error {
	if len(s.Bands) != len(cfg.bandwidths) {
		return fmt.Errorf("state has %d bands, configuration has %d", len(s.Bands), len(cfg.bandwidths))
	}
	return nil
}

// Refill adds the tokens accumulated since the last refill of every band.
// A timestamp earlier than a band's last refill counts as zero elapsed time.
func (s *State) Refill(cfg Configuration, now int64) {
	for i, b := range cfg.bandwidths {
		s.Bands[i].refill(b, now)
	}
}

func (bs *BandState) refill(b Bandwidth, now int64) {
	if now <= bs.LastRefillNanos {
		return
	}
	elapsed := now - bs.LastRefillNanos
	bs.LastRefillNanos = now
	if bs.Available >= b.Capacity {
		bs.fill(b)
		return
	}

	// added = (elapsed*refillTokens + roundingError) / period, in 128 bits
	period := uint64(b.RefillPeriod)
	hi, lo := bits.Mul64(uint64(elapsed), uint64(b.RefillTokens))
	lo, carry := bits.Add64(lo, uint64(bs.RoundingError), 0)
	hi += carry
	if hi >= period {
		bs.fill(b)
		return
	}
	added, rem := bits.Div64(hi, lo, period)
	if added >= uint64(b.Capacity-bs.Available) {
		bs.fill(b)
		return
	}
	bs.Available += int64(added)
	bs.RoundingError = int64(rem)
}

func (bs *BandState) fill(b Bandwidth) {
	bs.Available = b.Capacity
	bs.RoundingError = 0
}

// AvailableTokens is the number of tokens every band can give right now.
func (s State) AvailableTokens() int64 {
	var available int64 = math.MaxInt64
	for _, bs := range s.Bands {
		if bs.Available < available {
			available = bs.Available
		}
	}
	return available
}

// Consume removes n tokens from every band. Callers check AvailableTokens first.
func (s *State) Consume(n int64) {
	for i := range s.Bands {
		s.Bands[i].Available -= n
	}
}

// AddTokens adds n tokens to every band without exceeding its capacity.
func (s *State) AddTokens(cfg Configuration, n int64) {
	for i, b := range cfg.bandwidths {
		bs := &s.Bands[i]
		if n >= b.Capacity-bs.Available {
			bs.fill(b)
			continue
		}
		bs.Available += n
	}
}

// NanosToWait returns how long the slowest band needs to hold n tokens, assuming no
// other consumption. ok is false when no amount of waiting is enough: n exceeds a
// capacity, or a band short of n never refills. Waits that overflow int64 saturate
// at math.MaxInt64.
func (s State) NanosToWait(cfg Configuration, n int64) (nanos int64, ok bool) {
	for i, b := range cfg.bandwidths {
		w, ok := s.Bands[i].nanosToWait(b, n)
		if !ok {
			return 0, false
		}
		if w > nanos {
			nanos = w
		}
	}
	return nanos, true
}

func (bs BandState) nanosToWait(b Bandwidth, n int64) (int64, bool) {
	if n > b.Capacity {
		return 0, false
	}
	if n <= bs.Available {
		return 0, true
	}
	if b.RefillTokens == 0 {
		return 0, false
	}

	// smallest t with t*refillTokens + roundingError >= deficit*period
	deficit := uint64(n - bs.Available)
	hi, lo := bits.Mul64(deficit, uint64(b.RefillPeriod))
	lo, borrow := bits.Sub64(lo, uint64(bs.RoundingError), 0)
	hi -= borrow
	rate := uint64(b.RefillTokens)
	if hi >= rate {
		return math.MaxInt64, true
	}
	q, r := bits.Div64(hi, lo, rate)
	if r != 0 && q < math.MaxUint64 {
		q++
	}
	if q > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(q), true
}

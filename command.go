package tokenbucket

import "math"

// Command is a deterministic operation on the state of one bucket. Execute must
// depend only on its arguments and must not touch anything but state, because a
// backend may evaluate it several times against different snapshots before one
// of them commits.
type Command[T any] interface {
	Execute(cfg Configuration, state *State, now int64) T
}

// ConsumptionProbe describes the outcome of TryConsumeAndReturnRemaining.
type ConsumptionProbe struct {
	Consumed        bool
	RemainingTokens int64
	// NanosToWaitForRefill is zero when Consumed is true. It is math.MaxInt64 when
	// the request can never be granted.
	NanosToWaitForRefill int64
}

// EstimationProbe describes whether a request could be granted right now.
type EstimationProbe struct {
	CanBeConsumed        bool
	RemainingTokens      int64
	NanosToWaitForRefill int64
}

// TryConsume takes Tokens from every band if all of them can give it. Result: whether
// the tokens were taken.
type TryConsume struct {
	Tokens int64
}

func (c TryConsume) Execute(cfg Configuration, state *State, now int64) bool {
	state.Refill(cfg, now)
	if c.Tokens <= state.AvailableTokens() {
		state.Consume(c.Tokens)
		return true
	}
	return false
}

// ConsumeAsMuchAsPossible takes up to Limit tokens. Result: the number taken.
type ConsumeAsMuchAsPossible struct {
	Limit int64
}

func (c ConsumeAsMuchAsPossible) Execute(cfg Configuration, state *State, now int64) int64 {
	state.Refill(cfg, now)
	toConsume := min(c.Limit, state.AvailableTokens())
	if toConsume <= 0 {
		return 0
	}
	state.Consume(toConsume)
	return toConsume
}

// TryConsumeAndReturnRemaining behaves like TryConsume and also reports what is
// left, or how long the caller has to wait before retrying.
type TryConsumeAndReturnRemaining struct {
	Tokens int64
}

func (c TryConsumeAndReturnRemaining) Execute(cfg Configuration, state *State, now int64) ConsumptionProbe {
	state.Refill(cfg, now)
	available := state.AvailableTokens()
	if c.Tokens <= available {
		state.Consume(c.Tokens)
		return ConsumptionProbe{Consumed: true, RemainingTokens: available - c.Tokens}
	}
	return ConsumptionProbe{
		RemainingTokens:      available,
		NanosToWaitForRefill: waitOrForever(*state, cfg, c.Tokens),
	}
}

// EstimateAbilityToConsume reports whether Tokens could be taken without taking them.
type EstimateAbilityToConsume struct {
	Tokens int64
}

func (c EstimateAbilityToConsume) Execute(cfg Configuration, state *State, now int64) EstimationProbe {
	state.Refill(cfg, now)
	available := state.AvailableTokens()
	if c.Tokens <= available {
		return EstimationProbe{CanBeConsumed: true, RemainingTokens: available}
	}
	return EstimationProbe{
		RemainingTokens:      available,
		NanosToWaitForRefill: waitOrForever(*state, cfg, c.Tokens),
	}
}

// AddTokens puts Tokens back into every band, capped at capacity. Result: the
// available tokens afterwards.
type AddTokens struct {
	Tokens int64
}

func (c AddTokens) Execute(cfg Configuration, state *State, now int64) int64 {
	state.Refill(cfg, now)
	if c.Tokens > 0 {
		state.AddTokens(cfg, c.Tokens)
	}
	return state.AvailableTokens()
}

// GetAvailableTokens returns the tokens available after refill.
type GetAvailableTokens struct{}

func (GetAvailableTokens) Execute(cfg Configuration, state *State, now int64) int64 {
	state.Refill(cfg, now)
	return state.AvailableTokens()
}

func waitOrForever(state State, cfg Configuration, n int64) int64 {
	nanos, ok := state.NanosToWait(cfg, n)
	if !ok {
		return forever
	}
	return nanos
}

const forever int64 = math.MaxInt64

type erased[T any] struct {
	cmd Command[T]
}

func (e erased[T]) Execute(cfg Configuration, state *State, now int64) any {
	return e.cmd.Execute(cfg, state, now)
}

// Erase adapts a typed command to the untyped form Backend implementations accept.
func Erase[T any](cmd Command[T]) Command[any] {
	if c, ok := any(cmd).(Command[any]); ok {
		return c
	}
	return erased[T]{cmd: cmd}
}

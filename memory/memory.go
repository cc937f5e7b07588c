// Package memory provides an in-process Store. State is shared by every caller
// holding the same Store, which makes it a reference implementation of the
// optimistic protocol and a stand-in for a remote store in tests.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Clever/tokenbucket"
)

type entry struct {
	version uint64
	state   tokenbucket.RemoteState
}

var _ tokenbucket.Store[string] = &Store[string]{}

// Store is a thread-safe in-memory Store. Writes swap immutable entries with
// sync.Map's compare-and-swap, so no lock is held across a read-apply-write cycle.
type Store[K comparable] struct {
	entries sync.Map
	// versions are drawn from one counter for every key, so a removed and
	// recreated key never reuses a version.
	versions atomic.Uint64
}

// NewStore initializes an empty store.
func NewStore[K comparable]() *Store[K] {
	return &Store[K]{}
}

// New returns a backend over a fresh in-memory store.
func New[K comparable](opts ...tokenbucket.Option) *tokenbucket.OptimisticBackend[K] {
	return tokenbucket.NewOptimisticBackend[K](NewStore[K](), opts...)
}

func (s *Store[K]) Load(ctx context.Context, key K) (tokenbucket.RemoteState, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return tokenbucket.RemoteState{}, 0, false, err
	}
	v, ok := s.entries.Load(key)
	if !ok {
		return tokenbucket.RemoteState{}, 0, false, nil
	}
	e := v.(*entry)
	return clone(e.state), e.version, true, nil
}

func (s *Store[K]) Insert(ctx context.Context, key K, state tokenbucket.RemoteState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, loaded := s.entries.LoadOrStore(key, &entry{version: s.versions.Add(1), state: clone(state)})
	return !loaded, nil
}

func (s *Store[K]) CompareAndSwap(ctx context.Context, key K, version uint64, state tokenbucket.RemoteState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	v, ok := s.entries.Load(key)
	if !ok {
		return false, nil
	}
	current := v.(*entry)
	if current.version != version {
		return false, nil
	}
	return s.entries.CompareAndSwap(key, current, &entry{version: s.versions.Add(1), state: clone(state)}), nil
}

// Remove evicts the state of key.
func (s *Store[K]) Remove(key K) {
	s.entries.Delete(key)
}

// Clear evicts every key.
func (s *Store[K]) Clear() {
	s.entries.Clear()
}

// Len returns the number of keys with state.
func (s *Store[K]) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func clone(r tokenbucket.RemoteState) tokenbucket.RemoteState {
	return tokenbucket.RemoteState{
		Bandwidths: append([]tokenbucket.Bandwidth(nil), r.Bandwidths...),
		State:      r.State.Clone(),
	}
}

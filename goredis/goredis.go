// Package goredis provides a Store on Redis using go-redis. Each bucket is a hash
// holding a version and the encoded state; conditional writes run as Lua scripts
// so the version check and the write are atomic on the server.
package goredis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Clever/tokenbucket"
)

var (
	//go:embed insert.lua
	insertLua    string
	insertScript = redis.NewScript(insertLua)

	//go:embed cas.lua
	casLua    string
	casScript = redis.NewScript(casLua)
)

// DefaultKeyPrefix namespaces bucket keys.
const DefaultKeyPrefix = "tokenbucket:"

// Options tune a Store.
type Options struct {
	KeyPrefix string        // defaults to DefaultKeyPrefix
	TTL       time.Duration // expiry refreshed on every write, zero keeps keys forever; rounded up to 1ms
}

// Config for creating a Store with its own client.
type Config struct {
	Addr     string // Redis address (e.g., "localhost:6379")
	Password string // Redis password (empty for no auth)
	DB       int    // Redis database number
	Options
}

var _ tokenbucket.Store[string] = &Store{}

// Store is a go-redis backed Store.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New connects to Redis and fails early when it is unreachable.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.Options)
}

// NewWithClient wraps an existing client, which may be a cluster or sentinel client.
func NewWithClient(client redis.UniversalClient, opts Options) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := opts.TTL
	if ttl > 0 && ttl < time.Millisecond {
		// the scripts take milliseconds and treat 0 as no expiry
		ttl = time.Millisecond
	}
	return &Store{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// NewBackend returns a backend over s.
func NewBackend(s *Store, opts ...tokenbucket.Option) *tokenbucket.OptimisticBackend[string] {
	return tokenbucket.NewOptimisticBackend[string](s, opts...)
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

func (s *Store) Load(ctx context.Context, name string) (tokenbucket.RemoteState, uint64, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(name), "version", "state").Result()
	if err != nil {
		return tokenbucket.RemoteState{}, 0, false, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return tokenbucket.RemoteState{}, 0, false, nil
	}

	rawVersion, _ := vals[0].(string)
	version, err := strconv.ParseUint(rawVersion, 10, 64)
	if err != nil {
		return tokenbucket.RemoteState{}, 0, false, fmt.Errorf("decode version of %s: %w", name, err)
	}
	rawState, _ := vals[1].(string)
	var state tokenbucket.RemoteState
	if err := json.Unmarshal([]byte(rawState), &state); err != nil {
		return tokenbucket.RemoteState{}, 0, false, fmt.Errorf("decode state of %s: %w", name, err)
	}
	return state, version, true, nil
}

func (s *Store) Insert(ctx context.Context, name string, state tokenbucket.RemoteState) (bool, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	n, err := insertScript.Run(ctx, s.client, []string{s.key(name)},
		strconv.FormatUint(tokenbucket.InitialVersion(), 10),
		data,
		s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, name string, version uint64, state tokenbucket.RemoteState) (bool, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	n, err := casScript.Run(ctx, s.client, []string{s.key(name)},
		strconv.FormatUint(version, 10),
		strconv.FormatUint(version+1, 10),
		data,
		s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Remove deletes the state of name.
func (s *Store) Remove(ctx context.Context, name string) error {
	return s.client.Del(ctx, s.key(name)).Err()
}

// Ping checks if the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

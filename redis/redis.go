// Package redis provides a Store on Redis using the redigo client. Optimistic
// writes use WATCH/MULTI/EXEC on the bucket key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/garyburd/redigo/redis"
)

// DefaultKeyPrefix namespaces bucket keys.
const DefaultKeyPrefix = "tokenbucket:"

// envelope is the value stored under a bucket key.
type envelope struct {
	Version uint64                  `json:"version"`
	State   tokenbucket.RemoteState `json:"state"`
}

var _ tokenbucket.Store[string] = &Storage{}

// Storage is a Redis-backed Store.
type Storage struct {
	pool   *redis.Pool
	prefix string
	ttl    time.Duration
}

// Config configures a Storage.
type Config struct {
	Network      string        // defaults to "tcp"
	Address      string        // e.g. "localhost:6379"
	ReadTimeout  time.Duration // zero means no timeout
	WriteTimeout time.Duration // zero means no timeout
	MaxIdle      int           // idle connections kept in the pool, defaults to 5
	KeyPrefix    string        // defaults to DefaultKeyPrefix
	TTL          time.Duration // expiry refreshed on every write, zero keeps keys forever; rounded up to 1ms
}

// New initializes the connection pool to redis.
func New(cfg Config) (*Storage, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 5
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl > 0 && ttl < time.Millisecond {
		// PX has millisecond resolution and rejects 0
		ttl = time.Millisecond
	}
	return &Storage{
		pool: redis.NewPool(func() (redis.Conn, error) {
			return redis.Dial(network, cfg.Address,
				redis.DialReadTimeout(cfg.ReadTimeout),
				redis.DialWriteTimeout(cfg.WriteTimeout),
			)
		}, maxIdle),
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// NewBackend returns a backend over s.
func NewBackend(s *Storage, opts ...tokenbucket.Option) *tokenbucket.OptimisticBackend[string] {
	return tokenbucket.NewOptimisticBackend[string](s, opts...)
}

func (s *Storage) key(name string) string {
	return s.prefix + name
}

func (s *Storage) conn(ctx context.Context) (redis.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := s.pool.Get()
	if err := conn.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Storage) Load(ctx context.Context, name string) (tokenbucket.RemoteState, uint64, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return tokenbucket.RemoteState{}, 0, false, err
	}
	defer conn.Close()

	env, found, err := get(conn, s.key(name))
	if err != nil || !found {
		return tokenbucket.RemoteState{}, 0, false, err
	}
	return env.State, env.Version, true, nil
}

func (s *Storage) Insert(ctx context.Context, name string, state tokenbucket.RemoteState) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	data, err := json.Marshal(envelope{Version: tokenbucket.InitialVersion(), State: state})
	if err != nil {
		return false, err
	}
	args := redis.Args{}.Add(s.key(name), data, "NX")
	if s.ttl > 0 {
		args = args.Add("PX", s.ttl.Milliseconds())
	}
	if _, err := redis.String(conn.Do("SET", args...)); err == redis.ErrNil {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Storage) CompareAndSwap(ctx context.Context, name string, version uint64, state tokenbucket.RemoteState) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	key := s.key(name)
	if _, err := conn.Do("WATCH", key); err != nil {
		return false, err
	}
	current, found, err := get(conn, key)
	if err != nil || !found || current.Version != version {
		if _, uerr := conn.Do("UNWATCH"); uerr != nil && err == nil {
			err = uerr
		}
		return false, err
	}

	data, err := json.Marshal(envelope{Version: version + 1, State: state})
	if err != nil {
		conn.Do("UNWATCH")
		return false, err
	}
	args := redis.Args{}.Add(key, data)
	if s.ttl > 0 {
		args = args.Add("PX", s.ttl.Milliseconds())
	}
	if err := conn.Send("MULTI"); err != nil {
		return false, err
	}
	if err := conn.Send("SET", args...); err != nil {
		return false, err
	}
	// EXEC replies nil when the watched key changed
	if _, err := redis.Values(conn.Do("EXEC")); err == redis.ErrNil {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Flush removes every bucket key under the storage prefix.
func (s *Storage) Flush(ctx context.Context) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	keys, err := redis.Strings(conn.Do("KEYS", s.prefix+"*"))
	if err != nil || len(keys) == 0 {
		return err
	}
	_, err = conn.Do("DEL", redis.Args{}.AddFlat(keys)...)
	return err
}

// Remove deletes the state of name.
func (s *Storage) Remove(ctx context.Context, name string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("DEL", s.key(name))
	return err
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	return s.pool.Close()
}

func get(conn redis.Conn, key string) (envelope, bool, error) {
	data, err := redis.Bytes(conn.Do("GET", key))
	if err == redis.ErrNil {
		return envelope{}, false, nil
	} else if err != nil {
		return envelope{}, false, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return env, true, nil
}

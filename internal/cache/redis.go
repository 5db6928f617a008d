// internal/cache/redis.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultMaxRetries bounds optimistic transaction retries when no option overrides it.
const DefaultMaxRetries = 3

// Options configures the connection to the shared cache.
type Options struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string
	MaxRetries int
}

// Store is the shared key-value cache holding all ephemeral matchmaking state.
// It is created once at process start with Connect and closed at shutdown.
type Store struct {
	client     redis.UniversalClient
	keys       Keys
	maxRetries int
	log        logrus.FieldLogger
}

// Option customises a Store.
type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.keys = Keys{prefix: prefix} }
}

// WithMaxRetries sets the default retry budget of Protected.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithLogger sets the logger used for transaction diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore wraps an existing client.
func NewStore(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		maxRetries: DefaultMaxRetries,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the cache and verifies the connection with a ping.
func Connect(ctx context.Context, o Options, log logrus.FieldLogger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", o.Addr, err)
	}

	log.WithFields(logrus.Fields{"addr": o.Addr, "db": o.DB}).Info("connected to redis")
	return NewStore(client, WithPrefix(o.Prefix), WithMaxRetries(o.MaxRetries), WithLogger(log)), nil
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the raw client for plain reads and single-key writes.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Keys returns the key builder of this store.
func (s *Store) Keys() Keys {
	return s.keys
}

// MaxRetries is the default retry budget of Protected on this store.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

// ScanKeys walks the keyspace for a pattern. It is only meant for maintenance
// paths; hot paths use the secondary indexes.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keys.prefix+pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Reader is the read subset shared by *redis.Client and *redis.Tx, so decode
// helpers work both inside and outside a watched transaction.
type Reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
}

// GetString reads a string key; ok is false when the key is absent.
func GetString(ctx context.Context, r Reader, key string) (value string, ok bool, err error) {
	value, err = r.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// GetInt64 reads an integer key; ok is false when the key is absent.
func GetInt64(ctx context.Context, r Reader, key string) (value int64, ok bool, err error) {
	raw, ok, err := GetString(ctx, r, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	value, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, corrupt(key, "not an integer: %q", raw)
	}
	return value, true, nil
}

// GetTime reads an RFC3339 timestamp key; ok is false when the key is absent.
func GetTime(ctx context.Context, r Reader, key string) (value time.Time, ok bool, err error) {
	raw, ok, err := GetString(ctx, r, key)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	value, err = ParseTime(key, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return value, true, nil
}

// Int64Members reads a set of integer ids, sorted ascending.
func Int64Members(ctx context.Context, r Reader, key string) ([]int64, error) {
	raw, err := r.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return ParseIDs(key, raw)
}

// FormatTime renders a timestamp the way every key family stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(key, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, corrupt(key, "bad timestamp %q", raw)
	}
	return t, nil
}

package cache_test

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/cache/cachetest"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

func TestProtectedCommitsAndReturnsValue(t *testing.T) {
	store, srv := cachetest.New(t)
	ctx := context.Background()
	require.NoError(t, srv.Set("counter", "41"))

	got, err := cache.Protected[int64, int64](ctx, store, []string{"counter"},
		func(ctx context.Context, tx *redis.Tx) (int64, error) {
			v, _, err := cache.GetInt64(ctx, tx, "counter")
			return v, err
		},
		func(ctx context.Context, pipe redis.Pipeliner, current int64) (int64, error) {
			pipe.Set(ctx, "counter", current+1, 0)
			return current + 1, nil
		})
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	v, err := srv.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
}

func TestProtectedValidationErrorCommitsNothing(t *testing.T) {
	store, srv := cachetest.New(t)
	ctx := context.Background()

	err := store.Protect(ctx, []string{"k"}, func(ctx context.Context, pipe redis.Pipeliner) error {
		pipe.Set(ctx, "k", "written", 0)
		return models.Invalid("lobby is full")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Equal(t, "lobby is full", models.Reason(err))
	assert.False(t, srv.Exists("k"))
}

func TestProtectedExhaustsWithConcurrentWriter(t *testing.T) {
	store, srv := cachetest.New(t)
	writer := cachetest.Writer(t, srv)
	ctx := context.Background()
	require.NoError(t, srv.Set("seat", "free"))

	err := store.Protect(ctx, []string{"seat"},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.Set(ctx, "seat", "mine", 0)
			return nil
		},
		cache.MaxRetries(1),
		cache.BeforeExec(func(ctx context.Context) {
			require.NoError(t, writer.Set(ctx, "seat", "theirs", 0).Err())
		}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConcurrency))

	v, err := srv.Get("seat")
	require.NoError(t, err)
	assert.Equal(t, "theirs", v, "stale write must not be committed")
}

func TestProtectedRetriesWholeCycle(t *testing.T) {
	store, srv := cachetest.New(t)
	writer := cachetest.Writer(t, srv)
	ctx := context.Background()
	require.NoError(t, srv.Set("n", "1"))

	preRuns := 0
	interfered := false
	got, err := cache.Protected[int64, int64](ctx, store, []string{"n"},
		func(ctx context.Context, tx *redis.Tx) (int64, error) {
			preRuns++
			v, _, err := cache.GetInt64(ctx, tx, "n")
			return v, err
		},
		func(ctx context.Context, pipe redis.Pipeliner, n int64) (int64, error) {
			pipe.Set(ctx, "n", n*10, 0)
			return n * 10, nil
		},
		cache.MaxRetries(3),
		cache.BeforeExec(func(ctx context.Context) {
			if !interfered {
				interfered = true
				require.NoError(t, writer.Set(ctx, "n", "2", 0).Err())
			}
		}))
	require.NoError(t, err)
	assert.Equal(t, 2, preRuns)
	assert.Equal(t, int64(20), got, "second attempt sees the concurrent write")
}

func TestScanKeysHonoursPrefix(t *testing.T) {
	store, srv := cachetest.New(t, cache.WithPrefix("mm:"))
	ctx := context.Background()
	require.NoError(t, srv.Set("mm:lobby:1:queue", "x"))
	require.NoError(t, srv.Set("mm:lobby:2:queue", "x"))
	require.NoError(t, srv.Set("other:lobby:3:queue", "x"))

	keys, err := store.ScanKeys(ctx, "lobby:*:queue")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mm:lobby:1:queue", "mm:lobby:2:queue"}, keys)
	assert.Equal(t, "mm:lobby:7", store.Keys().Lobby(7))
}

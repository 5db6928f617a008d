// Package cachetest runs cache-backed tests against an in-process miniredis.
package cachetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
)

// New starts a miniredis server for the duration of the test and returns a
// store connected to it.
func New(t testing.TB, opts ...cache.Option) (*cache.Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	opts = append([]cache.Option{cache.WithLogger(logger)}, opts...)
	return cache.NewStore(client, opts...), srv
}

// Writer returns a second, independent client on the same server, used to
// play a concurrent writer.
func Writer(t testing.TB, srv *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

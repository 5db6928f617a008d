// internal/cache/tx.go
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/metrics"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// PreFunc reads through the watched connection before MULTI. Its result is
// handed to the mutation.
type PreFunc[P any] func(ctx context.Context, tx *redis.Tx) (P, error)

// TxFunc queues writes on pipe. Nothing it queues is visible until EXEC
// succeeds; returning an error discards the whole attempt.
type TxFunc[P, R any] func(ctx context.Context, pipe redis.Pipeliner, pre P) (R, error)

type txConfig struct {
	op         string
	maxRetries int
	beforeExec func(ctx context.Context)
}

// TxOption tunes a single Protected call.
type TxOption func(*txConfig)

// MaxRetries overrides the store default retry budget.
func MaxRetries(n int) TxOption {
	return func(c *txConfig) { c.maxRetries = n }
}

// Op names the operation in logs and metrics.
func Op(name string) TxOption {
	return func(c *txConfig) { c.op = name }
}

// BeforeExec runs a hook between the mutation and EXEC. Tests use it to play
// the concurrent writer.
func BeforeExec(fn func(ctx context.Context)) TxOption {
	return func(c *txConfig) { c.beforeExec = fn }
}

// Protected runs pre and fn as one optimistic transaction over keys. When a
// watched key changes before EXEC the whole watch/pre/mutation cycle runs
// again, up to the retry budget, after which models.ErrConcurrency is returned.
// Errors from pre or fn abort the attempt without committing and are returned
// as is.
func Protected[P, R any](ctx context.Context, s *Store, keys []string, pre PreFunc[P], fn TxFunc[P, R], opts ...TxOption) (R, error) {
	cfg := txConfig{op: "unnamed", maxRetries: s.maxRetries}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	var zero R
	for attempt := 1; attempt <= cfg.maxRetries; attempt++ {
		metrics.TxAttempts.WithLabelValues(cfg.op).Inc()

		var result R
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var (
				preValue P
				err      error
			)
			if pre != nil {
				preValue, err = pre(ctx, tx)
				if err != nil {
					return err
				}
			}

			pipe := tx.TxPipeline()
			result, err = fn(ctx, pipe, preValue)
			if err != nil {
				return err
			}
			if cfg.beforeExec != nil {
				cfg.beforeExec(ctx)
			}
			_, err = pipe.Exec(ctx)
			return err
		}, keys...)

		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return zero, err
		}

		metrics.TxConflicts.WithLabelValues(cfg.op).Inc()
		s.log.WithFields(logrus.Fields{
			"op":      cfg.op,
			"attempt": attempt,
		}).Debug("watched key changed, retrying transaction")
	}

	metrics.TxExhausted.WithLabelValues(cfg.op).Inc()
	return zero, fmt.Errorf("%s: concurrency reached maximum of %d retries: %w", cfg.op, cfg.maxRetries, models.ErrConcurrency)
}

// Protect is Protected without a pre-read or a result.
func (s *Store) Protect(ctx context.Context, keys []string, fn func(ctx context.Context, pipe redis.Pipeliner) error, opts ...TxOption) error {
	_, err := Protected[struct{}, struct{}](ctx, s, keys, nil, func(ctx context.Context, pipe redis.Pipeliner, _ struct{}) (struct{}, error) {
		return struct{}{}, fn(ctx, pipe)
	}, opts...)
	return err
}

// ProtectedPre is Protect with a pre-read that only validates.
func ProtectedPre(ctx context.Context, s *Store, keys []string, pre func(ctx context.Context, tx *redis.Tx) error, fn func(ctx context.Context, pipe redis.Pipeliner) error, opts ...TxOption) error {
	_, err := Protected[struct{}, struct{}](ctx, s, keys,
		func(ctx context.Context, tx *redis.Tx) (struct{}, error) {
			return struct{}{}, pre(ctx, tx)
		},
		func(ctx context.Context, pipe redis.Pipeliner, _ struct{}) (struct{}, error) {
			return struct{}{}, fn(ctx, pipe)
		}, opts...)
	return err
}

// ErrStaleWatch aborts an attempt whose watch set was planned from state that
// moved before WATCH was issued.
var ErrStaleWatch = errors.New("watch set is stale")

// Replan runs attempt again while it reports ErrStaleWatch, up to the store
// retry budget. Attempts read a snapshot, derive the keys to watch from it and
// return ErrStaleWatch when the watched state no longer matches the snapshot.
func Replan(ctx context.Context, s *Store, op string, attempt func(ctx context.Context) error) error {
	for i := 0; i < s.maxRetries; i++ {
		err := attempt(ctx)
		if !errors.Is(err, ErrStaleWatch) {
			return err
		}
		s.log.WithField("op", op).Debug("state moved while planning, replanning")
	}
	metrics.TxExhausted.WithLabelValues(op).Inc()
	return fmt.Errorf("%s: watch set kept moving: %w", op, models.ErrConcurrency)
}

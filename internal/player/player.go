// internal/player/player.go
package player

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/events"
	"github.com/jason-s-yu/cambia-matchmaker/internal/metrics"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// DodgeMultipliers scales the lock-out, in minutes per dodge, once a player
// passes two dodges inside the window.
var DodgeMultipliers = []int{1, 5, 10, 15, 20, 40, 60, 90}

// MaxLock is the lock-out applied once the multiplier table is exhausted.
const MaxLock = 7 * 24 * time.Hour

// Service tracks matchmaking penalties per user.
type Service struct {
	store    *cache.Store
	keys     cache.Keys
	clock    clockwork.Clock
	window   time.Duration
	notifier events.Notifier
	log      logrus.FieldLogger
}

// NewService builds the penalty service. window is how long a single dodge
// counts against the player.
func NewService(store *cache.Store, clock clockwork.Clock, window time.Duration, notifier events.Notifier, log logrus.FieldLogger) *Service {
	return &Service{
		store:    store,
		keys:     store.Keys(),
		clock:    clock,
		window:   window,
		notifier: notifier,
		log:      log.WithField("component", "player"),
	}
}

// LockFor returns the lock-out earned by a dodge count, zero for none.
func LockFor(dodges int) time.Duration {
	switch {
	case dodges >= len(DodgeMultipliers):
		return MaxLock
	case dodges > 2:
		return time.Duration(dodges*DodgeMultipliers[dodges-2]) * time.Minute
	default:
		return 0
	}
}

func (s *Service) cutoff() string {
	return strconv.FormatInt(s.clock.Now().Add(-s.window).UnixMilli(), 10)
}

type dodgeState struct {
	active int
}

// DodgeAdd charges one dodge to userID and returns the end of the resulting
// queue lock-out, zero when the player is not locked. A player already
// serving a lock-out cannot be charged again.
func (s *Service) DodgeAdd(ctx context.Context, userID int64) (time.Time, error) {
	dodgesKey := s.keys.PlayerDodges(userID)
	lockKey := s.keys.PlayerQueueLock(userID)
	now := s.clock.Now()

	lockUntil, err := cache.Protected[dodgeState, time.Time](ctx, s.store, []string{dodgesKey, lockKey},
		func(ctx context.Context, tx *redis.Tx) (dodgeState, error) {
			locked, ok, err := cache.GetTime(ctx, tx, lockKey)
			if err != nil {
				return dodgeState{}, err
			}
			if ok && locked.After(now) {
				return dodgeState{}, models.Invalid("player cannot dodge while in queue restriction")
			}
			active, err := tx.ZCount(ctx, dodgesKey, "("+s.cutoff(), "+inf").Result()
			if err != nil {
				return dodgeState{}, fmt.Errorf("count dodges: %w", err)
			}
			return dodgeState{active: int(active)}, nil
		},
		func(ctx context.Context, pipe redis.Pipeliner, st dodgeState) (time.Time, error) {
			pipe.ZRemRangeByScore(ctx, dodgesKey, "-inf", s.cutoff())
			pipe.ZAdd(ctx, dodgesKey, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
			pipe.Expire(ctx, dodgesKey, s.window)
			pipe.SAdd(ctx, s.keys.Players(), cache.FormatID(userID))

			lock := LockFor(st.active + 1)
			if lock == 0 {
				return time.Time{}, nil
			}
			until := now.Add(lock)
			pipe.Set(ctx, lockKey, cache.FormatTime(until), lock)
			return until, nil
		},
		cache.Op("player.dodge_add"))
	if err != nil {
		return time.Time{}, err
	}

	metrics.Dodges.Inc()
	entry := s.log.WithField("user_id", userID)
	if !lockUntil.IsZero() {
		entry.WithField("lock_until", lockUntil).Info("player locked out of queue")
		s.notifier.Notify(ctx, models.Event{
			Type:    models.EventRestrictionSet,
			UserIDs: []int64{userID},
			Payload: map[string]interface{}{"lock_date": lockUntil},
			SentAt:  now,
		})
	} else {
		entry.Info("dodge recorded")
	}
	return lockUntil, nil
}

// Dodges counts the dodges still inside the window.
func (s *Service) Dodges(ctx context.Context, userID int64) (int, error) {
	n, err := s.store.Client().ZCount(ctx, s.keys.PlayerDodges(userID), "("+s.cutoff(), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count dodges of %d: %w", userID, err)
	}
	return int(n), nil
}

// LatestDodge returns the time of the most recent dodge.
func (s *Service) LatestDodge(ctx context.Context, userID int64) (time.Time, bool, error) {
	zs, err := s.store.Client().ZRevRangeWithScores(ctx, s.keys.PlayerDodges(userID), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest dodge of %d: %w", userID, err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}

// LockDate returns when the queue lock-out of userID ends. ok is false when
// the player is not locked.
func (s *Service) LockDate(ctx context.Context, userID int64) (time.Time, bool, error) {
	until, ok, err := cache.GetTime(ctx, s.store.Client(), s.keys.PlayerQueueLock(userID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if !until.After(s.clock.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// LockCountdown returns the remaining lock-out, zero when not locked.
func (s *Service) LockCountdown(ctx context.Context, userID int64) (time.Duration, error) {
	until, ok, err := s.LockDate(ctx, userID)
	if err != nil || !ok {
		return 0, err
	}
	return until.Sub(s.clock.Now()), nil
}

// RestrictionCountdown returns the greatest lock-out countdown among ids.
func (s *Service) RestrictionCountdown(ctx context.Context, ids []int64) (time.Duration, error) {
	var longest time.Duration
	for _, id := range ids {
		d, err := s.LockCountdown(ctx, id)
		if err != nil {
			return 0, err
		}
		if d > longest {
			longest = d
		}
	}
	return longest, nil
}

// DodgeClear forgets every dodge of userID.
func (s *Service) DodgeClear(ctx context.Context, userID int64) error {
	if err := s.store.Client().Del(ctx, s.keys.PlayerDodges(userID)).Err(); err != nil {
		return fmt.Errorf("clear dodges of %d: %w", userID, err)
	}
	return nil
}

// Delete drops userID from the tracked players.
func (s *Service) Delete(ctx context.Context, userID int64) error {
	n, err := s.store.Client().SRem(ctx, s.keys.Players(), cache.FormatID(userID)).Result()
	if err != nil {
		return fmt.Errorf("delete player %d: %w", userID, err)
	}
	if n == 0 {
		return models.NotFound("player", userID)
	}
	return nil
}

// ClearStaleDodges is the periodic sweep: every tracked player whose latest
// dodge left the window is cleared and untracked. It returns how many were
// cleared.
func (s *Service) ClearStaleDodges(ctx context.Context) (int, error) {
	ids, err := cache.Int64Members(ctx, s.store.Client(), s.keys.Players())
	if err != nil {
		return 0, err
	}

	threshold := s.clock.Now().Add(-s.window)
	cleared := 0
	for _, id := range ids {
		latest, ok, err := s.LatestDodge(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("user_id", id).Warn("dodge sweep skipped player")
			continue
		}
		if ok && latest.After(threshold) {
			continue
		}
		if err := s.DodgeClear(ctx, id); err != nil {
			return cleared, err
		}
		if err := s.Delete(ctx, id); err != nil && !errors.Is(err, models.ErrNotFound) {
			return cleared, err
		}
		cleared++
	}
	if cleared > 0 {
		s.log.WithField("cleared", cleared).Info("stale dodges cleared")
	}
	return cleared, nil
}

// internal/prematch/service.go
package prematch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/events"
	"github.com/jason-s-yu/cambia-matchmaker/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaker/internal/metrics"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
	"github.com/jason-s-yu/cambia-matchmaker/internal/team"
)

// claimTTL bounds a match hand-off. A finalizer that dies mid hand-off
// leaves the pre-match to the next tick once the claim expires.
const claimTTL = 30 * time.Second

// allocTimeout bounds each allocator call. It stays below claimTTL so a match
// is created while the claim renewed just before it still holds.
const allocTimeout = 10 * time.Second

// Penalizer charges dodges to players who failed a ready check.
type Penalizer interface {
	DodgeAdd(ctx context.Context, userID int64) (time.Time, error)
}

type Deps struct {
	Store     *cache.Store
	Lobbies   *lobby.Service
	Teams     *team.Service
	Penalties Penalizer
	Allocator models.Allocator
	Notifier  events.Notifier
	Clock     clockwork.Clock
	Timing    Timing
	Log       logrus.FieldLogger
}

// Service runs the ready check of paired teams and hands successful ones to
// the match allocator.
type Service struct {
	store     *cache.Store
	keys      cache.Keys
	lobbies   *lobby.Service
	teams     *team.Service
	penalties Penalizer
	allocator models.Allocator
	notifier  events.Notifier
	clock     clockwork.Clock
	timing    Timing
	log       logrus.FieldLogger
}

func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Notifier == nil {
		d.Notifier = events.Nop{}
	}
	return &Service{
		store:     d.Store,
		keys:      d.Store.Keys(),
		lobbies:   d.Lobbies,
		teams:     d.Teams,
		penalties: d.Penalties,
		allocator: d.Allocator,
		notifier:  d.Notifier,
		clock:     d.Clock,
		timing:    d.Timing,
		log:       d.Log.WithField("component", "prematch"),
	}
}

// Timing returns the ready-check deadlines.
func (s *Service) Timing() Timing { return s.timing }

// State is the state of pm now.
func (s *Service) State(pm *PreMatch) models.PreMatchState {
	return pm.State(s.clock.Now(), s.timing)
}

// Countdown is the ready time left of pm now.
func (s *Service) Countdown(pm *PreMatch) time.Duration {
	return pm.Countdown(s.clock.Now(), s.timing)
}

// Get returns the pre-match or a not-found error.
func (s *Service) Get(ctx context.Context, id string) (*PreMatch, error) {
	pm, ok, err := s.TryGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NotFound("pre-match", id)
	}
	return pm, nil
}

// TryGet returns the pre-match; ok is false when it does not exist.
func (s *Service) TryGet(ctx context.Context, id string) (*PreMatch, bool, error) {
	return read(ctx, s.store.Client(), s.keys, id)
}

// ByPlayer returns the pre-match userID takes part in.
func (s *Service) ByPlayer(ctx context.Context, userID int64) (*PreMatch, error) {
	id, ok, err := cache.GetString(ctx, s.store.Client(), s.keys.PlayerPreMatch(userID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NotFound("pre-match of player", userID)
	}
	return s.Get(ctx, id)
}

// All lists the live pre-matches ordered by creation. Index entries of
// vanished pre-matches are dropped from the index.
func (s *Service) All(ctx context.Context) ([]*PreMatch, error) {
	ids, err := s.store.Client().ZRange(ctx, s.keys.PreMatches(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read pre-matches: %w", err)
	}
	out := make([]*PreMatch, 0, len(ids))
	for _, id := range ids {
		pm, ok, err := s.TryGet(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("pre_match_id", id).Warn("skipping unreadable pre-match")
			continue
		}
		if !ok {
			s.store.Client().ZRem(ctx, s.keys.PreMatches(), id)
			continue
		}
		out = append(out, pm)
	}
	return out, nil
}

func checkPair(a, b *team.Team) error {
	for _, t := range []*team.Team{a, b} {
		if !t.Ready() {
			return models.Invalid("both teams must be ready")
		}
		if t.Matched() {
			return models.Invalid("team is in a pre-match")
		}
		if len(t.Lobbies) != len(t.LobbyIDs) {
			return models.Invalid("team has missing lobbies")
		}
		for _, l := range t.Lobbies {
			if l.Frozen() {
				return models.Invalid("lobby is in a pre-match")
			}
			if l.TeamID != t.ID {
				return models.Invalid("lobby left its team")
			}
		}
	}
	if a.Mode() != b.Mode() || a.Type() != b.Type() {
		return models.Invalid("teams mode and type must match")
	}
	return nil
}

// Create pairs two ready teams. Both teams and every member lobby are frozen
// until the pre-match is torn down.
func (s *Service) Create(ctx context.Context, teamAID, teamBID string) (*PreMatch, error) {
	if teamAID == teamBID {
		return nil, models.Invalid("a team cannot play against itself")
	}

	id := uuid.NewString()
	var players, lobbyIDs []int64
	err := cache.Replan(ctx, s.store, "prematch.create", func(ctx context.Context) error {
		a, err := s.teams.Get(ctx, teamAID)
		if err != nil {
			return err
		}
		b, err := s.teams.Get(ctx, teamBID)
		if err != nil {
			return err
		}
		planned := append(append([]int64{}, a.LobbyIDs...), b.LobbyIDs...)

		keys := []string{
			s.keys.Team(teamAID), s.keys.TeamPreMatch(teamAID),
			s.keys.Team(teamBID), s.keys.TeamPreMatch(teamBID),
		}
		for _, lid := range planned {
			keys = append(keys, s.keys.Lobby(lid), s.keys.LobbyPlayers(lid), s.keys.LobbyQueue(lid))
		}
		return cache.ProtectedPre(ctx, s.store, keys,
			func(ctx context.Context, tx *redis.Tx) error {
				ta, ok, err := s.teams.Load(ctx, tx, teamAID)
				if err != nil {
					return err
				}
				if !ok {
					return models.NotFound("team", teamAID)
				}
				tb, ok, err := s.teams.Load(ctx, tx, teamBID)
				if err != nil {
					return err
				}
				if !ok {
					return models.NotFound("team", teamBID)
				}
				if !equalIDs(append(append([]int64{}, ta.LobbyIDs...), tb.LobbyIDs...), planned) {
					return cache.ErrStaleWatch
				}
				if err := checkPair(ta, tb); err != nil {
					return err
				}
				players = append(ta.PlayerIDs(), tb.PlayerIDs()...)
				lobbyIDs = planned
				return nil
			},
			func(ctx context.Context, pipe redis.Pipeliner) error {
				now := s.clock.Now()
				pipe.Set(ctx, s.keys.PreMatch(id), teamAID+":"+teamBID, 0)
				pipe.SAdd(ctx, s.keys.PreMatchPlayers(id), cache.IDArgs(players)...)
				pipe.Set(ctx, s.keys.PreMatchCreated(id), cache.FormatTime(now), 0)
				pipe.ZAdd(ctx, s.keys.PreMatches(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
				pipe.Set(ctx, s.keys.TeamPreMatch(teamAID), id, 0)
				pipe.Set(ctx, s.keys.TeamPreMatch(teamBID), id, 0)
				for _, lid := range lobbyIDs {
					pipe.HSet(ctx, s.keys.Lobby(lid), cache.FieldPreMatchID, id)
				}
				for _, p := range players {
					pipe.Set(ctx, s.keys.PlayerPreMatch(p), id, 0)
				}
				return nil
			},
			cache.Op("prematch.create"))
	})
	if err != nil {
		return nil, err
	}

	pm, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.PreMatchesCreated.Inc()
	s.log.WithFields(logrus.Fields{
		"pre_match_id": id,
		"team_a":       teamAID,
		"team_b":       teamBID,
		"players":      pm.PlayerIDs,
	}).Info("pre-match created")
	s.notify(ctx, models.EventPreMatchCreate, pm.PlayerIDs, pm)
	return pm, nil
}

// SetPlayerLockIn records that userID acknowledged the pre-match. Locking in
// twice is a no-op. The last lock-in starts the ready countdown.
func (s *Service) SetPlayerLockIn(ctx context.Context, id string, userID int64) (*PreMatch, error) {
	var changed, start bool
	keys := []string{s.keys.PreMatch(id), s.keys.PreMatchIn(id), s.keys.PreMatchReadyTime(id)}
	err := cache.ProtectedPre(ctx, s.store, keys,
		func(ctx context.Context, tx *redis.Tx) error {
			pm, ok, err := read(ctx, tx, s.keys, id)
			if err != nil {
				return err
			}
			if !ok {
				return models.NotFound("pre-match", id)
			}
			if !pm.HasPlayer(userID) {
				return fmt.Errorf("%w: player is not in this pre-match", models.ErrForbidden)
			}
			if pm.LockedIn(userID) {
				return nil
			}
			if s.State(pm) != models.StatePreStart {
				return models.Invalid("pre-match is not ready to lock in players")
			}
			changed = true
			start = len(pm.InPlayerIDs)+1 >= len(pm.PlayerIDs)
			return nil
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			if !changed {
				return nil
			}
			pipe.SAdd(ctx, s.keys.PreMatchIn(id), cache.FormatID(userID))
			if start {
				pipe.SetNX(ctx, s.keys.PreMatchReadyTime(id), cache.FormatTime(s.clock.Now()), 0)
			}
			return nil
		},
		cache.Op("prematch.lock_in"))
	if err != nil {
		return nil, err
	}

	pm, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		entry := s.log.WithFields(logrus.Fields{"pre_match_id": id, "user_id": userID})
		if start {
			entry.Info("every player locked in, ready countdown started")
		} else {
			entry.Debug("player locked in")
		}
		s.notify(ctx, models.EventPreMatchUpdate, pm.PlayerIDs, pm)
	}
	return pm, nil
}

// StartPlayersReadyCountdown records the countdown start unless it is
// already running.
func (s *Service) StartPlayersReadyCountdown(ctx context.Context, id string) (*PreMatch, error) {
	err := cache.ProtectedPre(ctx, s.store, []string{s.keys.PreMatch(id), s.keys.PreMatchReadyTime(id)},
		func(ctx context.Context, tx *redis.Tx) error {
			_, ok, err := cache.GetString(ctx, tx, s.keys.PreMatch(id))
			if err != nil {
				return err
			}
			if !ok {
				return models.NotFound("pre-match", id)
			}
			return nil
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.SetNX(ctx, s.keys.PreMatchReadyTime(id), cache.FormatTime(s.clock.Now()), 0)
			return nil
		},
		cache.Op("prematch.start_countdown"))
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// SetPlayerReady records the ready confirmation of a locked-in player.
func (s *Service) SetPlayerReady(ctx context.Context, id string, userID int64) (*PreMatch, error) {
	changed := false
	keys := []string{s.keys.PreMatch(id), s.keys.PreMatchIn(id), s.keys.PreMatchReady(id), s.keys.PreMatchReadyTime(id)}
	err := cache.ProtectedPre(ctx, s.store, keys,
		func(ctx context.Context, tx *redis.Tx) error {
			pm, ok, err := read(ctx, tx, s.keys, id)
			if err != nil {
				return err
			}
			if !ok {
				return models.NotFound("pre-match", id)
			}
			if !pm.HasPlayer(userID) {
				return fmt.Errorf("%w: player is not in this pre-match", models.ErrForbidden)
			}
			if pm.IsReady(userID) {
				return nil
			}
			if s.State(pm) != models.StateLockIn {
				return models.Invalid("pre-match is not ready for ready players")
			}
			if !pm.LockedIn(userID) {
				return models.Invalid("player must lock in first")
			}
			changed = true
			return nil
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			if changed {
				pipe.SAdd(ctx, s.keys.PreMatchReady(id), cache.FormatID(userID))
			}
			return nil
		},
		cache.Op("prematch.ready"))
	if err != nil {
		return nil, err
	}

	pm, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.WithFields(logrus.Fields{"pre_match_id": id, "user_id": userID}).Debug("player ready")
		s.notify(ctx, models.EventPreMatchUpdate, pm.PlayerIDs, pm)
	}
	return pm, nil
}

// LockIn locks userID in its current pre-match.
func (s *Service) LockIn(ctx context.Context, userID int64) (*PreMatch, error) {
	pm, err := s.ByPlayer(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.SetPlayerLockIn(ctx, pm.ID, userID)
}

// Ready confirms userID in its current pre-match. The confirmation that
// completes the quorum hands the match off right away; on failure the queue
// tick retries the hand-off.
func (s *Service) Ready(ctx context.Context, userID int64) (*PreMatch, error) {
	pm, err := s.ByPlayer(ctx, userID)
	if err != nil {
		return nil, err
	}
	pm, err = s.SetPlayerReady(ctx, pm.ID, userID)
	if err != nil {
		return nil, err
	}
	if s.State(pm) == models.StateReady && !pm.Claimed {
		if _, err := s.Finalize(ctx, pm.ID); err != nil && !errors.Is(err, models.ErrValidation) {
			s.log.WithError(err).WithField("pre_match_id", pm.ID).Warn("match hand-off failed")
		}
	}
	return pm, nil
}

// closing is what a teardown reads under watch.
type closing struct {
	pm       *PreMatch
	state    models.PreMatchState
	teams    []*team.Team
	lobbies  []*lobby.Lobby
	requeued map[int64]bool
}

// close tears a pre-match down: the pre-match, both teams and every
// back-reference go away and the member lobbies are released. Lobbies for
// which requeue answers true keep their place in the queue, the others leave
// it.
func (s *Service) close(ctx context.Context, id, op string, check func(*PreMatch, models.PreMatchState) error, requeue func(*closing) map[int64]bool) (*closing, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	keys := s.keys.PreMatchFamily(id)
	for _, tid := range snap.TeamIDs() {
		keys = append(keys, s.keys.Team(tid), s.keys.TeamPreMatch(tid))
	}

	var c *closing
	_, err = cache.Protected[*closing, struct{}](ctx, s.store, keys,
		func(ctx context.Context, tx *redis.Tx) (*closing, error) {
			pm, ok, err := read(ctx, tx, s.keys, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, models.NotFound("pre-match", id)
			}
			st := &closing{pm: pm, state: s.State(pm)}
			if err := check(pm, st.state); err != nil {
				return nil, err
			}
			for _, tid := range pm.TeamIDs() {
				t, ok, err := s.teams.Load(ctx, tx, tid)
				if err != nil {
					return nil, err
				}
				if ok {
					st.teams = append(st.teams, t)
					st.lobbies = append(st.lobbies, t.Lobbies...)
				}
			}
			if requeue != nil {
				st.requeued = requeue(st)
			}
			return st, nil
		},
		func(ctx context.Context, pipe redis.Pipeliner, st *closing) (struct{}, error) {
			s.stageTeardown(ctx, pipe, st)
			c = st
			return struct{}{}, nil
		},
		cache.Op(op))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) stageTeardown(ctx context.Context, pipe redis.Pipeliner, c *closing) {
	pm := c.pm
	pipe.Del(ctx, s.keys.PreMatchFamily(pm.ID)...)
	pipe.ZRem(ctx, s.keys.PreMatches(), pm.ID)
	for _, p := range pm.PlayerIDs {
		pipe.Del(ctx, s.keys.PlayerPreMatch(p))
	}
	for _, t := range c.teams {
		team.StageDelete(ctx, pipe, s.keys, t.ID, t.LobbyIDs)
	}
	now := s.clock.Now()
	for _, l := range c.lobbies {
		lobby.StageRelease(ctx, pipe, s.keys, l.ID)
		if !c.requeued[l.ID] {
			lobby.StageDequeue(ctx, pipe, s.keys, l.ID)
			continue
		}
		at := now
		if l.QueuedAt != nil {
			at = *l.QueuedAt
		}
		lobby.StageRequeue(ctx, pipe, s.keys, l.ID, at)
	}
}

// Cancel runs the failure path of an expired pre-match. Players who did not
// confirm are charged a dodge. Lobbies whose players all confirmed go back to
// the queue with their original queue start, the other lobbies leave the
// queue. A cancelled pre-match counts ready confirmations, an idle one counts
// lock-ins.
func (s *Service) Cancel(ctx context.Context, id string) error {
	c, err := s.close(ctx, id, "prematch.cancel",
		func(_ *PreMatch, state models.PreMatchState) error {
			if !state.Expired() {
				return models.Invalid("pre-match is not expired")
			}
			return nil
		},
		func(c *closing) map[int64]bool {
			confirmed := c.confirmed()
			out := make(map[int64]bool)
			for _, l := range c.lobbies {
				all := true
				for _, p := range l.PlayerIDs {
					if !contains(confirmed, p) {
						all = false
						break
					}
				}
				out[l.ID] = all
			}
			return out
		})
	if err != nil {
		return err
	}

	confirmed := c.confirmed()
	var penalized []int64
	for _, p := range c.pm.PlayerIDs {
		if !contains(confirmed, p) {
			penalized = append(penalized, p)
		}
	}
	for _, p := range penalized {
		if s.penalties == nil {
			break
		}
		if _, err := s.penalties.DodgeAdd(ctx, p); err != nil {
			s.log.WithError(err).WithField("user_id", p).Warn("dodge not charged")
		}
	}

	metrics.PreMatchesClosed.WithLabelValues(string(c.state)).Inc()
	s.log.WithFields(logrus.Fields{
		"pre_match_id": id,
		"state":        c.state,
		"penalized":    penalized,
	}).Info("pre-match cancelled")

	s.notify(ctx, models.EventPreMatchDelete, c.pm.PlayerIDs, map[string]interface{}{"id": id, "status": c.state})
	for _, l := range c.lobbies {
		if c.requeued[l.ID] {
			s.notify(ctx, models.EventToast, l.PlayerIDs, models.Toast{
				Message: "a player did not accept the match, you are back in the queue",
				Variant: "info",
			})
			continue
		}
		s.notify(ctx, models.EventToast, l.PlayerIDs, models.Toast{
			Message: "the match was cancelled because a player of your lobby did not accept it",
			Variant: "warning",
		})
	}
	return nil
}

// confirmed lists the players that did their part before expiry.
func (c *closing) confirmed() []int64 {
	if c.state == models.StateIdle {
		return c.pm.InPlayerIDs
	}
	return c.pm.ReadyPlayerIDs
}

// Finalize hands a ready pre-match to the allocator. The pre-match is claimed
// first so one hand-off runs at a time. When no server can host the match the
// pre-match is cancelled without penalties, every lobby leaves the queue and
// the error wraps models.ErrUnavailable.
func (s *Service) Finalize(ctx context.Context, id string) (int64, error) {
	token := uuid.NewString()
	err := cache.ProtectedPre(ctx, s.store, []string{s.keys.PreMatch(id), s.keys.PreMatchReady(id), s.keys.PreMatchClaim(id)},
		func(ctx context.Context, tx *redis.Tx) error {
			pm, ok, err := read(ctx, tx, s.keys, id)
			if err != nil {
				return err
			}
			if !ok {
				return models.NotFound("pre-match", id)
			}
			if s.State(pm) != models.StateReady {
				return models.Invalid("pre-match is not ready")
			}
			if pm.Claimed {
				return models.Invalid("pre-match is already being finalized")
			}
			return nil
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.keys.PreMatchClaim(id), token, claimTTL)
			return nil
		},
		cache.Op("prematch.claim"))
	if err != nil {
		return 0, err
	}

	matchID, server, allocErr := s.allocate(ctx, id, token)
	if allocErr != nil && !errors.Is(allocErr, models.ErrUnavailable) {
		return 0, allocErr
	}
	claimed := func(pm *PreMatch, _ models.PreMatchState) error {
		if !pm.Claimed {
			return models.Invalid("pre-match claim expired")
		}
		return nil
	}

	if allocErr != nil {
		c, err := s.close(ctx, id, "prematch.unavailable", claimed, nil)
		if err != nil {
			return 0, fmt.Errorf("%v; teardown: %w", allocErr, err)
		}
		metrics.PreMatchesClosed.WithLabelValues("unavailable").Inc()
		s.log.WithError(allocErr).WithField("pre_match_id", id).Warn("no server for pre-match, cancelled")
		s.notify(ctx, models.EventPreMatchDelete, c.pm.PlayerIDs, map[string]interface{}{"id": id, "status": "unavailable"})
		s.notify(ctx, models.EventToast, c.pm.PlayerIDs, models.Toast{
			Message: "no server is available right now, the match was cancelled",
			Variant: "warning",
		})
		return 0, allocErr
	}

	c, err := s.close(ctx, id, "prematch.finalize", claimed, nil)
	if err != nil {
		return 0, err
	}
	metrics.PreMatchesClosed.WithLabelValues("match").Inc()
	s.log.WithFields(logrus.Fields{"pre_match_id": id, "match_id": matchID, "server": server.Name}).Info("match created")
	s.notify(ctx, models.EventMatchCreate, c.pm.PlayerIDs, map[string]interface{}{
		"match_id": matchID,
		"server":   server,
	})
	return matchID, nil
}

// allocate finds a server and creates the match of pre-match id. The claim
// is renewed right before the match is created; losing it is returned as is
// and every other failure wraps models.ErrUnavailable.
func (s *Service) allocate(ctx context.Context, id, token string) (int64, models.Server, error) {
	pm, err := s.Get(ctx, id)
	if err != nil {
		return 0, models.Server{}, fmt.Errorf("%w: %w", models.ErrUnavailable, err)
	}
	var rosters []models.Roster
	for _, tid := range pm.TeamIDs() {
		t, err := s.teams.Get(ctx, tid)
		if err != nil {
			return 0, models.Server{}, fmt.Errorf("%w: %w", models.ErrUnavailable, err)
		}
		rosters = append(rosters, roster(t))
	}

	findCtx, cancel := context.WithTimeout(ctx, allocTimeout)
	server, ok, err := s.allocator.FindIdleServer(findCtx)
	cancel()
	if err != nil {
		return 0, models.Server{}, fmt.Errorf("%w: find idle server: %w", models.ErrUnavailable, err)
	}
	if !ok {
		return 0, models.Server{}, fmt.Errorf("%w: no idle server", models.ErrUnavailable)
	}
	if err := s.renewClaim(ctx, id, token); err != nil {
		return 0, models.Server{}, err
	}
	createCtx, cancel := context.WithTimeout(ctx, allocTimeout)
	defer cancel()
	matchID, err := s.allocator.CreateMatch(createCtx, server, rosters[0], rosters[1])
	if err != nil {
		return 0, models.Server{}, fmt.Errorf("%w: create match: %w", models.ErrUnavailable, err)
	}
	return matchID, server, nil
}

// renewClaim extends the claim on pre-match id while token still holds it.
func (s *Service) renewClaim(ctx context.Context, id, token string) error {
	key := s.keys.PreMatchClaim(id)
	return cache.ProtectedPre(ctx, s.store, []string{key},
		func(ctx context.Context, tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) || (err == nil && cur != token) {
				return models.Invalid("pre-match claim expired")
			}
			return err
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.Expire(ctx, key, claimTTL)
			return nil
		},
		cache.Op("prematch.renew_claim"))
}

func roster(t *team.Team) models.Roster {
	name := "team"
	if len(t.LobbyIDs) > 0 {
		name = fmt.Sprintf("team %d", t.LobbyIDs[0])
	}
	return models.Roster{Name: name, PlayerIDs: t.PlayerIDs(), Mode: t.Mode(), Type: t.Type()}
}

func (s *Service) notify(ctx context.Context, typ models.EventType, userIDs []int64, payload interface{}) {
	if len(userIDs) == 0 {
		return
	}
	s.notifier.Notify(ctx, models.Event{
		Type:    typ,
		UserIDs: userIDs,
		Payload: payload,
		SentAt:  s.clock.Now(),
	})
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

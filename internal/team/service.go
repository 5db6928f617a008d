// internal/team/service.go
package team

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/config"
	"github.com/jason-s-yu/cambia-matchmaker/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaker/internal/metrics"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

type Deps struct {
	Store   *cache.Store
	Lobbies *lobby.Service
	Clock   clockwork.Clock
	Window  config.SkillWindow
	Log     logrus.FieldLogger
}

// Service builds and pairs teams of queued lobbies.
type Service struct {
	store   *cache.Store
	keys    cache.Keys
	lobbies *lobby.Service
	modes   models.Modes
	clock   clockwork.Clock
	window  config.SkillWindow
	log     logrus.FieldLogger
}

func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return &Service{
		store:   d.Store,
		keys:    d.Store.Keys(),
		lobbies: d.Lobbies,
		modes:   d.Lobbies.Modes(),
		clock:   d.Clock,
		window:  d.Window,
		log:     d.Log.WithField("component", "team"),
	}
}

// Load reads a team and its member lobbies through r. Member lobbies that no
// longer exist are left out of Lobbies but stay in LobbyIDs.
func (s *Service) Load(ctx context.Context, r cache.Reader, id string) (*Team, bool, error) {
	raw, err := r.SMembers(ctx, s.keys.Team(id)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read team %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	preMatchID, _, err := cache.GetString(ctx, r, s.keys.TeamPreMatch(id))
	if err != nil {
		return nil, false, err
	}
	created, err := r.ZScore(ctx, s.keys.Teams(), id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("read team %s creation: %w", id, err)
	}

	t, err := Decode(s.keys, id, raw, preMatchID, created)
	if err != nil {
		return nil, false, err
	}
	for _, lobbyID := range t.LobbyIDs {
		l, ok, err := s.lobbies.Load(ctx, r, lobbyID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			t.Lobbies = append(t.Lobbies, l)
		}
	}
	t.MaxPlayers = s.modes.Seats(t.Mode())
	return t, true, nil
}

// Get returns the team or a not-found error.
func (s *Service) Get(ctx context.Context, id string) (*Team, error) {
	t, ok, err := s.TryGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NotFound("team", id)
	}
	return t, nil
}

// TryGet returns the team; ok is false when it does not exist.
func (s *Service) TryGet(ctx context.Context, id string) (*Team, bool, error) {
	return s.Load(ctx, s.store.Client(), id)
}

// GetByLobby returns the team lobbyID belongs to.
func (s *Service) GetByLobby(ctx context.Context, lobbyID int64) (*Team, error) {
	l, err := s.lobbies.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if l.TeamID == "" {
		return nil, models.NotFound("team of lobby", lobbyID)
	}
	return s.Get(ctx, l.TeamID)
}

// All lists every team ordered by creation, oldest first. Index entries of
// vanished teams are dropped from the index.
func (s *Service) All(ctx context.Context) ([]*Team, error) {
	ids, err := s.store.Client().ZRange(ctx, s.keys.Teams(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read teams: %w", err)
	}
	out := make([]*Team, 0, len(ids))
	for _, id := range ids {
		t, ok, err := s.TryGet(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("team_id", id).Warn("skipping unreadable team")
			continue
		}
		if !ok {
			s.store.Client().ZRem(ctx, s.keys.Teams(), id)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// NotReady lists the teams still taking lobbies.
func (s *Service) NotReady(ctx context.Context) ([]*Team, error) {
	return s.filter(ctx, func(t *Team) bool { return !t.Ready() })
}

// Ready lists the full teams.
func (s *Service) Ready(ctx context.Context) ([]*Team, error) {
	return s.filter(ctx, func(t *Team) bool { return t.Ready() })
}

func (s *Service) filter(ctx context.Context, keep func(*Team) bool) ([]*Team, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Overall is the rounded up mean of the member lobbies overall. For a single
// lobby it is the lobby overall.
func (s *Service) Overall(ctx context.Context, t *Team) (int, error) {
	if len(t.Lobbies) == 0 {
		return 0, nil
	}
	total := 0
	for _, l := range t.Lobbies {
		o, err := s.lobbies.Overall(ctx, l)
		if err != nil {
			return 0, err
		}
		total += o
	}
	return int(math.Ceil(float64(total) / float64(len(t.Lobbies)))), nil
}

// SkillRange is the overall range the team accepts, widened by the mean
// queue time of its lobbies.
func (s *Service) SkillRange(ctx context.Context, t *Team) (lo, hi int, err error) {
	overall, err := s.Overall(ctx, t)
	if err != nil {
		return 0, 0, err
	}
	lo, hi = s.window.Range(overall, t.QueueTime(s.clock.Now()))
	return lo, hi, nil
}

// checkJoinable applies the rules a lobby must meet to enter a team.
func checkJoinable(l *lobby.Lobby) error {
	switch {
	case l.Frozen():
		return models.Invalid("lobby is in a pre-match")
	case !l.Queued():
		return models.Invalid("lobby is not queued")
	case l.TeamID != "":
		return models.Invalid("lobby already on a team")
	}
	return nil
}

// Create builds a team out of queued lobbies sharing one mode and type.
func (s *Service) Create(ctx context.Context, lobbyIDs ...int64) (*Team, error) {
	if len(lobbyIDs) == 0 {
		return nil, models.Invalid("a team needs at least one lobby")
	}

	id := uuid.NewString()
	var keys []string
	for _, lid := range lobbyIDs {
		keys = append(keys, s.keys.Lobby(lid), s.keys.LobbyPlayers(lid), s.keys.LobbyQueue(lid))
	}
	err := cache.ProtectedPre(ctx, s.store, keys,
		func(ctx context.Context, tx *redis.Tx) error {
			var first *lobby.Lobby
			players := 0
			for _, lid := range lobbyIDs {
				l, ok, err := s.lobbies.Load(ctx, tx, lid)
				if err != nil {
					return err
				}
				if !ok {
					return models.NotFound("lobby", lid)
				}
				if err := checkJoinable(l); err != nil {
					return err
				}
				if first == nil {
					first = l
				} else if l.Mode != first.Mode || l.Type != first.Type {
					return models.Invalid("lobbies mode and type must match")
				}
				players += l.PlayersCount()
			}
			if players > s.modes.Seats(first.Mode) {
				return models.Invalid("team players count exceeded")
			}
			return nil
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, s.keys.Team(id), cache.IDArgs(lobbyIDs)...)
			pipe.ZAdd(ctx, s.keys.Teams(), redis.Z{Score: float64(s.clock.Now().UnixMilli()), Member: id})
			for _, lid := range lobbyIDs {
				pipe.HSet(ctx, s.keys.Lobby(lid), cache.FieldTeamID, id)
			}
			return nil
		},
		cache.Op("team.create"))
	if err != nil {
		return nil, err
	}

	metrics.TeamsCreated.Inc()
	s.log.WithFields(logrus.Fields{"team_id": id, "lobbies": lobbyIDs}).Info("team created")
	return s.Get(ctx, id)
}

// AddLobby puts a queued lobby into a team that is not ready yet.
func (s *Service) AddLobby(ctx context.Context, teamID string, lobbyID int64) (*Team, error) {
	keys := []string{
		s.keys.Team(teamID),
		s.keys.TeamPreMatch(teamID),
		s.keys.Lobby(lobbyID),
		s.keys.LobbyPlayers(lobbyID),
		s.keys.LobbyQueue(lobbyID),
	}
	err := cache.ProtectedPre(ctx, s.store, keys,
		func(ctx context.Context, tx *redis.Tx) error {
			t, ok, err := s.Load(ctx, tx, teamID)
			if err != nil {
				return err
			}
			if !ok {
				return models.NotFound("team", teamID)
			}
			if t.Matched() {
				return models.Invalid("team is in a pre-match")
			}
			if t.Ready() {
				return models.Invalid("team is ready")
			}
			l, ok, err := s.lobbies.Load(ctx, tx, lobbyID)
			if err != nil {
				return err
			}
			if !ok {
				return models.NotFound("lobby", lobbyID)
			}
			if err := checkJoinable(l); err != nil {
				return err
			}
			if l.Mode != t.Mode() || l.Type != t.Type() {
				return models.Invalid("lobbies mode and type must match")
			}
			if !t.Accepts(l) {
				return models.Invalid("team players count exceeded")
			}
			return nil
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, s.keys.Team(teamID), cache.FormatID(lobbyID))
			pipe.HSet(ctx, s.keys.Lobby(lobbyID), cache.FieldTeamID, teamID)
			return nil
		},
		cache.Op("team.add_lobby"))
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"team_id": teamID, "lobby_id": lobbyID}).Info("lobby joined team")
	return s.Get(ctx, teamID)
}

// RemoveLobby takes lobbyID out of the team. A team left with a single lobby
// or none is deleted.
func (s *Service) RemoveLobby(ctx context.Context, teamID string, lobbyID int64) error {
	var members []int64
	err := cache.ProtectedPre(ctx, s.store, []string{s.keys.Team(teamID), s.keys.TeamPreMatch(teamID), s.keys.Lobby(lobbyID)},
		func(ctx context.Context, tx *redis.Tx) error {
			t, ok, err := s.Load(ctx, tx, teamID)
			if err != nil {
				return err
			}
			if !ok {
				return models.NotFound("team", teamID)
			}
			if t.Matched() {
				return models.Invalid("team is in a pre-match")
			}
			if !t.HasLobby(lobbyID) {
				return models.NotFound("team lobby", lobbyID)
			}
			members = t.LobbyIDs
			return nil
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			lobby.StageLeaveTeam(ctx, pipe, s.keys, teamID, lobbyID, members)
			return nil
		},
		cache.Op("team.remove_lobby"))
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"team_id": teamID, "lobby_id": lobbyID}).Info("lobby left team")
	return nil
}

// Delete removes a team that is not in a pre-match and releases its lobbies.
func (s *Service) Delete(ctx context.Context, teamID string) error {
	var members []int64
	err := cache.ProtectedPre(ctx, s.store, []string{s.keys.Team(teamID), s.keys.TeamPreMatch(teamID)},
		func(ctx context.Context, tx *redis.Tx) error {
			t, ok, err := s.Load(ctx, tx, teamID)
			if err != nil {
				return err
			}
			if !ok {
				return models.NotFound("team", teamID)
			}
			if t.Matched() {
				return models.Invalid("team is in a pre-match")
			}
			members = t.LobbyIDs
			return nil
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			StageDelete(ctx, pipe, s.keys, teamID, members)
			return nil
		},
		cache.Op("team.delete"))
	if err != nil {
		return err
	}
	s.log.WithField("team_id", teamID).Info("team deleted")
	return nil
}

// StageDelete queues the writes removing a team and the team reference of
// its lobbies.
func StageDelete(ctx context.Context, pipe redis.Pipeliner, keys cache.Keys, teamID string, lobbyIDs []int64) {
	pipe.Del(ctx, keys.Team(teamID), keys.TeamPreMatch(teamID))
	pipe.ZRem(ctx, keys.Teams(), teamID)
	for _, id := range lobbyIDs {
		pipe.HDel(ctx, keys.Lobby(id), cache.FieldTeamID)
	}
}

// FindForLobby puts a queued, unteamed lobby in the oldest compatible team
// that is not ready and whose skill range covers the lobby overall. ok is
// false when no team took it.
func (s *Service) FindForLobby(ctx context.Context, l *lobby.Lobby) (*Team, bool, error) {
	if err := checkJoinable(l); err != nil {
		return nil, false, err
	}
	overall, err := s.lobbies.Overall(ctx, l)
	if err != nil {
		return nil, false, err
	}

	candidates, err := s.NotReady(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, t := range candidates {
		if t.Matched() || !t.Accepts(l) {
			continue
		}
		lo, hi, err := s.SkillRange(ctx, t)
		if err != nil {
			return nil, false, err
		}
		if overall < lo || overall > hi {
			continue
		}

		joined, err := s.AddLobby(ctx, t.ID, l.ID)
		if err == nil {
			return joined, true, nil
		}
		if !skippable(err) {
			return nil, false, err
		}
		s.log.WithError(err).WithFields(logrus.Fields{"team_id": t.ID, "lobby_id": l.ID}).Debug("team moved while joining")
	}
	return nil, false, nil
}

// FindOpponent returns the oldest ready team t can play against: same mode
// and type, not matched, overlapping skill ranges.
func (s *Service) FindOpponent(ctx context.Context, t *Team) (*Team, bool, error) {
	if !t.Ready() {
		return nil, false, models.Invalid("team is not ready")
	}
	if t.Matched() {
		return nil, false, models.Invalid("team is in a pre-match")
	}
	lo, hi, err := s.SkillRange(ctx, t)
	if err != nil {
		return nil, false, err
	}

	ready, err := s.Ready(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, other := range ready {
		if other.ID == t.ID || other.Matched() || other.Mode() != t.Mode() || other.Type() != t.Type() {
			continue
		}
		olo, ohi, err := s.SkillRange(ctx, other)
		if err != nil {
			return nil, false, err
		}
		if lo <= ohi && olo <= hi {
			return other, true, nil
		}
	}
	return nil, false, nil
}

// RemoveNonQueued drops the member lobbies that vanished, left the queue or
// point at another team. ok is false when the team no longer exists.
func (s *Service) RemoveNonQueued(ctx context.Context, teamID string) (*Team, bool, error) {
	t, ok, err := s.TryGet(ctx, teamID)
	if err != nil || !ok {
		return nil, ok, err
	}
	if t.Matched() {
		return t, true, nil
	}

	loaded := make(map[int64]*lobby.Lobby, len(t.Lobbies))
	for _, l := range t.Lobbies {
		loaded[l.ID] = l
	}
	for _, id := range t.LobbyIDs {
		l, ok := loaded[id]
		if ok && l.Queued() && l.TeamID == teamID {
			continue
		}
		if err := s.RemoveLobby(ctx, teamID, id); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				break
			}
			return nil, false, err
		}
	}
	return s.TryGet(ctx, teamID)
}

// skippable reports errors meaning another writer got there first.
func skippable(err error) bool {
	return errors.Is(err, models.ErrValidation) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrConcurrency)
}

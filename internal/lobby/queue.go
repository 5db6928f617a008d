// internal/lobby/queue.go
package lobby

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// StartQueue puts the lobby in the matchmaking queue. Pending invites are
// dropped since invites and queueing exclude each other.
func (s *Service) StartQueue(ctx context.Context, lobbyID int64) (*Lobby, error) {
	var dropped []models.Invite
	err := cache.Replan(ctx, s.store, "lobby.start_queue", func(ctx context.Context) error {
		snap, err := s.Get(ctx, lobbyID)
		if err != nil {
			return err
		}
		if s.restrictions != nil {
			countdown, err := s.restrictions.RestrictionCountdown(ctx, snap.PlayerIDs)
			if err != nil {
				return err
			}
			if countdown > 0 {
				return models.Invalid("can't start queue due to player restriction (%d seconds left)",
					int(math.Ceil(countdown.Seconds())))
			}
		}

		keys := []string{
			s.keys.Lobby(lobbyID),
			s.keys.LobbyPlayers(lobbyID),
			s.keys.LobbyQueue(lobbyID),
			s.keys.LobbyInvites(lobbyID),
		}
		return cache.ProtectedPre(ctx, s.store, keys,
			func(ctx context.Context, tx *redis.Tx) error {
				l, err := s.readExisting(ctx, tx, lobbyID)
				if err != nil {
					return err
				}
				if !sameIDs(l.PlayerIDs, snap.PlayerIDs) {
					return cache.ErrStaleWatch
				}
				if err := checkMutable(l); err != nil {
					return err
				}
				if l.Queued() {
					return models.Invalid("lobby is queued")
				}
				settings, _ := s.modes.Lookup(l.Mode)
				if !settings.Queueable {
					return models.Invalid("lobby can't be queued in this mode")
				}
				if l.PlayersCount() == 0 {
					return models.Invalid("lobby is empty")
				}
				dropped = l.Invites
				return nil
			},
			func(ctx context.Context, pipe redis.Pipeliner) error {
				now := s.clock.Now()
				pipe.Set(ctx, s.keys.LobbyQueue(lobbyID), cache.FormatTime(now), 0)
				pipe.ZAdd(ctx, s.keys.QueuedLobbies(), redis.Z{
					Score:  float64(now.UnixMilli()),
					Member: cache.FormatID(lobbyID),
				})
				s.stageDropInvites(ctx, pipe, lobbyID, dropped)
				return nil
			},
			cache.Op("lobby.start_queue"))
	})
	if err != nil {
		return nil, err
	}

	l, err := s.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "players": l.PlayerIDs}).Info("lobby queued")
	s.notifyInvitesDropped(ctx, dropped)
	s.notify(ctx, models.EventQueueStart, l.PlayerIDs, l)
	return l, nil
}

// CancelQueue takes the lobby out of the queue and out of its team. It is a
// no-op for a lobby that is not queued.
func (s *Service) CancelQueue(ctx context.Context, lobbyID int64) (*Lobby, error) {
	changed := false
	err := cache.Replan(ctx, s.store, "lobby.cancel_queue", func(ctx context.Context) error {
		snap, err := s.Get(ctx, lobbyID)
		if err != nil {
			return err
		}

		var members []int64
		keys := []string{s.keys.Lobby(lobbyID), s.keys.LobbyQueue(lobbyID)}
		if snap.TeamID != "" {
			keys = append(keys, s.keys.Team(snap.TeamID))
		}
		return cache.ProtectedPre(ctx, s.store, keys,
			func(ctx context.Context, tx *redis.Tx) error {
				l, err := s.readExisting(ctx, tx, lobbyID)
				if err != nil {
					return err
				}
				if l.TeamID != snap.TeamID {
					return cache.ErrStaleWatch
				}
				if err := checkMutable(l); err != nil {
					return err
				}
				changed = l.Queued() || l.TeamID != ""
				if l.TeamID != "" {
					members, err = cache.Int64Members(ctx, tx, s.keys.Team(l.TeamID))
					return err
				}
				return nil
			},
			func(ctx context.Context, pipe redis.Pipeliner) error {
				StageDequeue(ctx, pipe, s.keys, lobbyID)
				if snap.TeamID != "" {
					StageLeaveTeam(ctx, pipe, s.keys, snap.TeamID, lobbyID, members)
				}
				return nil
			},
			cache.Op("lobby.cancel_queue"))
	})
	if err != nil {
		return nil, err
	}

	l, err := s.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.WithField("lobby_id", lobbyID).Info("lobby queue cancelled")
		s.notify(ctx, models.EventLobbyUpdate, l.PlayerIDs, l)
	}
	return l, nil
}

// CancelAllQueues cancels the queue of every queued lobby not held by a
// pre-match and returns how many were cancelled.
func (s *Service) CancelAllQueues(ctx context.Context) (int, error) {
	lobbies, err := s.QueuedLobbies(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range lobbies {
		if l.Frozen() {
			continue
		}
		if _, err := s.CancelQueue(ctx, l.ID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("cancel queue of lobby %d: %w", l.ID, err)
		}
		n++
	}
	return n, nil
}

// StageDequeue queues the writes clearing the queue marker of lobbyID.
func StageDequeue(ctx context.Context, pipe redis.Pipeliner, keys cache.Keys, lobbyID int64) {
	pipe.Del(ctx, keys.LobbyQueue(lobbyID))
	pipe.ZRem(ctx, keys.QueuedLobbies(), cache.FormatID(lobbyID))
}

// StageRequeue queues the writes putting lobbyID back in the queue with its
// original queue start, so the wait it already served still counts.
func StageRequeue(ctx context.Context, pipe redis.Pipeliner, keys cache.Keys, lobbyID int64, queuedAt time.Time) {
	pipe.Set(ctx, keys.LobbyQueue(lobbyID), cache.FormatTime(queuedAt), 0)
	pipe.ZAdd(ctx, keys.QueuedLobbies(), redis.Z{
		Score:  float64(queuedAt.UnixMilli()),
		Member: cache.FormatID(lobbyID),
	})
}

// StageRelease queues the writes clearing the team and pre-match references
// of lobbyID. Only pre-match teardown releases frozen lobbies.
func StageRelease(ctx context.Context, pipe redis.Pipeliner, keys cache.Keys, lobbyID int64) {
	pipe.HDel(ctx, keys.Lobby(lobbyID), cache.FieldTeamID, cache.FieldPreMatchID)
}

// StageLeaveTeam queues the writes detaching lobbyID from teamID. members is
// the team's lobby set read under watch. A team left with one lobby or less
// is deleted and its last lobby released back to team building.
func StageLeaveTeam(ctx context.Context, pipe redis.Pipeliner, keys cache.Keys, teamID string, lobbyID int64, members []int64) {
	pipe.HDel(ctx, keys.Lobby(lobbyID), cache.FieldTeamID)
	pipe.SRem(ctx, keys.Team(teamID), cache.FormatID(lobbyID))

	var remaining []int64
	for _, id := range members {
		if id != lobbyID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) > 1 {
		return
	}
	pipe.Del(ctx, keys.Team(teamID), keys.TeamPreMatch(teamID))
	pipe.ZRem(ctx, keys.Teams(), teamID)
	for _, id := range remaining {
		pipe.HDel(ctx, keys.Lobby(id), cache.FieldTeamID)
	}
}

// stageDropInvites queues the removal of invites from the lobby and from the
// received-invite index of each target.
func (s *Service) stageDropInvites(ctx context.Context, pipe redis.Pipeliner, lobbyID int64, invites []models.Invite) {
	for _, inv := range invites {
		pipe.ZRem(ctx, s.keys.LobbyInvites(lobbyID), inv.ID())
		pipe.HDel(ctx, s.keys.PlayerInvites(inv.ToID), inv.ID())
	}
}

func (s *Service) notifyInvitesDropped(ctx context.Context, invites []models.Invite) {
	for _, inv := range invites {
		s.notify(ctx, models.EventInviteDelete, []int64{inv.FromID, inv.ToID}, inv)
	}
}

func sameIDs(a, b []int64) bool {
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

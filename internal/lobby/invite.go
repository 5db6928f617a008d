// internal/lobby/invite.go
package lobby

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// Invite records an invitation from a member of lobbyID to toID.
func (s *Service) Invite(ctx context.Context, lobbyID, fromID, toID int64) (models.Invite, error) {
	if fromID == toID {
		return models.Invite{}, models.Invalid("cannot invite yourself")
	}

	now := s.clock.Now()
	inv := models.Invite{FromID: fromID, ToID: toID, LobbyID: lobbyID, CreatedAt: time.Unix(now.Unix(), 0).UTC()}
	keys := []string{
		s.keys.Lobby(lobbyID),
		s.keys.LobbyPlayers(lobbyID),
		s.keys.LobbyQueue(lobbyID),
		s.keys.LobbyInvites(lobbyID),
		s.keys.PlayerInvites(toID),
	}
	var members []int64
	err := cache.ProtectedPre(ctx, s.store, keys,
		func(ctx context.Context, tx *redis.Tx) error {
			l, err := s.readExisting(ctx, tx, lobbyID)
			if err != nil {
				return err
			}
			if err := checkMutable(l); err != nil {
				return err
			}
			if l.Seats() == 0 {
				return models.Invalid("lobby is full")
			}
			if l.Queued() {
				return models.Invalid("lobby is queued")
			}
			if !l.HasPlayer(fromID) {
				return fmt.Errorf("%w: only lobby players can invite", models.ErrForbidden)
			}
			if l.HasPlayer(toID) {
				return models.Invalid("invited user is already a lobby player")
			}
			if len(l.InvitesTo(toID)) > 0 {
				return models.Invalid("user already invited")
			}
			members = l.PlayerIDs
			return models.CheckPlayable(ctx, s.dir, toID)
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, s.keys.LobbyInvites(lobbyID), redis.Z{
				Score:  float64(inv.CreatedAt.Unix()),
				Member: inv.ID(),
			})
			pipe.HSet(ctx, s.keys.PlayerInvites(toID), inv.ID(), cache.FormatID(lobbyID))
			return nil
		},
		cache.Op("lobby.invite"))
	if err != nil {
		return models.Invite{}, err
	}

	s.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "invite_id": inv.ID()}).Info("invite created")
	s.notify(ctx, models.EventInviteCreate, []int64{toID}, inv)
	s.notify(ctx, models.EventLobbyUpdate, members, nil)
	return inv, nil
}

// DeleteInvite withdraws a pending invite of lobbyID.
func (s *Service) DeleteInvite(ctx context.Context, lobbyID int64, inviteID string) error {
	_, toID, err := models.ParseInviteID(inviteID)
	if err != nil {
		return err
	}

	keys := []string{s.keys.Lobby(lobbyID), s.keys.LobbyInvites(lobbyID)}
	err = cache.ProtectedPre(ctx, s.store, keys,
		func(ctx context.Context, tx *redis.Tx) error {
			l, err := s.readExisting(ctx, tx, lobbyID)
			if err != nil {
				return err
			}
			if err := checkMutable(l); err != nil {
				return err
			}
			_, err = tx.ZScore(ctx, s.keys.LobbyInvites(lobbyID), inviteID).Result()
			if errors.Is(err, redis.Nil) {
				return models.NotFound("invite", inviteID)
			}
			return err
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, s.keys.LobbyInvites(lobbyID), inviteID)
			pipe.HDel(ctx, s.keys.PlayerInvites(toID), inviteID)
			return nil
		},
		cache.Op("lobby.delete_invite"))
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "invite_id": inviteID}).Info("invite deleted")
	return nil
}

// GetInvite returns an invite that userID sent or received.
func (s *Service) GetInvite(ctx context.Context, userID int64, inviteID string) (models.Invite, error) {
	fromID, toID, err := models.ParseInviteID(inviteID)
	if err != nil {
		return models.Invite{}, err
	}
	if userID != fromID && userID != toID {
		return models.Invite{}, fmt.Errorf("%w: invite belongs to other players", models.ErrForbidden)
	}

	lobbyRaw, err := s.store.Client().HGet(ctx, s.keys.PlayerInvites(toID), inviteID).Result()
	if errors.Is(err, redis.Nil) {
		return models.Invite{}, models.NotFound("invite", inviteID)
	}
	if err != nil {
		return models.Invite{}, fmt.Errorf("read invite %s: %w", inviteID, err)
	}
	lobbyID, err := strconv.ParseInt(lobbyRaw, 10, 64)
	if err != nil {
		return models.Invite{}, models.Corrupt(s.keys.PlayerInvites(toID), "bad lobby id %q", lobbyRaw)
	}

	score, err := s.store.Client().ZScore(ctx, s.keys.LobbyInvites(lobbyID), inviteID).Result()
	if errors.Is(err, redis.Nil) {
		return models.Invite{}, models.NotFound("invite", inviteID)
	}
	if err != nil {
		return models.Invite{}, fmt.Errorf("read invite %s: %w", inviteID, err)
	}
	return models.Invite{
		FromID:    fromID,
		ToID:      toID,
		LobbyID:   lobbyID,
		CreatedAt: time.Unix(int64(score), 0).UTC(),
	}, nil
}

// InvitesFor lists the invites userID sent from its current lobby and the
// ones it received.
func (s *Service) InvitesFor(ctx context.Context, userID int64) (sent, received []models.Invite, err error) {
	index, err := s.store.Client().HGetAll(ctx, s.keys.PlayerInvites(userID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read invites of %d: %w", userID, err)
	}
	for inviteID := range index {
		inv, err := s.GetInvite(ctx, userID, inviteID)
		if errors.Is(err, models.ErrNotFound) {
			s.store.Client().HDel(ctx, s.keys.PlayerInvites(userID), inviteID)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		received = append(received, inv)
	}
	sort.Slice(received, func(i, j int) bool { return received[i].ID() < received[j].ID() })

	lobbyID, ok, err := s.CurrentLobbyID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		l, found, err := s.TryGet(ctx, lobbyID)
		if err != nil {
			return nil, nil, err
		}
		if found {
			sent = l.InvitesFrom(userID)
		}
	}
	return sent, received, nil
}

// AcceptInvite moves userID into the lobby that invited it.
func (s *Service) AcceptInvite(ctx context.Context, userID int64, inviteID string) (*Lobby, error) {
	inv, err := s.receivedInvite(ctx, userID, inviteID)
	if err != nil {
		return nil, err
	}

	current, ok, err := s.CurrentLobbyID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok && current == inv.LobbyID {
		return s.Get(ctx, inv.LobbyID)
	}

	if _, err := s.Move(ctx, userID, inv.LobbyID, false); err != nil {
		return nil, err
	}
	s.notify(ctx, models.EventInviteDelete, []int64{inv.FromID, inv.ToID},
		map[string]interface{}{"invite": inv, "status": "accepted"})
	return s.Get(ctx, inv.LobbyID)
}

// RefuseInvite drops an invite addressed to userID.
func (s *Service) RefuseInvite(ctx context.Context, userID int64, inviteID string) error {
	inv, err := s.receivedInvite(ctx, userID, inviteID)
	if err != nil {
		return err
	}
	if err := s.DeleteInvite(ctx, inv.LobbyID, inv.ID()); err != nil {
		return err
	}
	s.notify(ctx, models.EventInviteDelete, []int64{inv.FromID, inv.ToID},
		map[string]interface{}{"invite": inv, "status": "refused"})
	return nil
}

func (s *Service) receivedInvite(ctx context.Context, userID int64, inviteID string) (models.Invite, error) {
	inv, err := s.GetInvite(ctx, userID, inviteID)
	if err != nil {
		return models.Invite{}, err
	}
	if inv.ToID != userID {
		return models.Invite{}, fmt.Errorf("%w: invite is addressed to another player", models.ErrForbidden)
	}
	return inv, nil
}

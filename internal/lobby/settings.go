// internal/lobby/settings.go
package lobby

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// SetPublic lets any playable user join without an invite.
func (s *Service) SetPublic(ctx context.Context, lobbyID int64) (*Lobby, error) {
	return s.setFields(ctx, lobbyID, "lobby.set_public", nil, cache.FieldPublic, "1")
}

// SetPrivate restricts joining to invited users.
func (s *Service) SetPrivate(ctx context.Context, lobbyID int64) (*Lobby, error) {
	return s.setFields(ctx, lobbyID, "lobby.set_private", nil, cache.FieldPublic, "0")
}

// SetType changes the match type within the current mode.
func (s *Service) SetType(ctx context.Context, lobbyID int64, typ models.MatchType) (*Lobby, error) {
	check := func(l *Lobby) error {
		return s.modes.Validate(l.Mode, typ)
	}
	return s.setFields(ctx, lobbyID, "lobby.set_type", check, cache.FieldType, string(typ))
}

// setFields writes hash fields of an unqueued, unfrozen lobby.
func (s *Service) setFields(ctx context.Context, lobbyID int64, op string, check func(*Lobby) error, fieldValues ...string) (*Lobby, error) {
	keys := []string{s.keys.Lobby(lobbyID), s.keys.LobbyQueue(lobbyID)}
	err := cache.ProtectedPre(ctx, s.store, keys,
		func(ctx context.Context, tx *redis.Tx) error {
			l, err := s.readExisting(ctx, tx, lobbyID)
			if err != nil {
				return err
			}
			if err := checkMutable(l); err != nil {
				return err
			}
			if l.Queued() {
				return models.Invalid("lobby is queued")
			}
			if check != nil {
				return check(l)
			}
			return nil
		},
		func(ctx context.Context, pipe redis.Pipeliner) error {
			args := make([]interface{}, len(fieldValues))
			for i, v := range fieldValues {
				args[i] = v
			}
			pipe.HSet(ctx, s.keys.Lobby(lobbyID), args...)
			return nil
		},
		cache.Op(op))
	if err != nil {
		return nil, err
	}

	l, err := s.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, models.EventLobbyUpdate, l.PlayerIDs, l)
	return l, nil
}

// SetMode switches the lobby mode. When the new mode seats fewer players than
// the lobby holds, the surplus is spun out into solo lobbies: playersToDrop
// names them, otherwise they are drawn at random among non-owners. A type the
// new mode does not offer falls back to the default type. The evictions and
// the mode change commit together or not at all.
func (s *Service) SetMode(ctx context.Context, lobbyID int64, mode models.Mode, playersToDrop []int64) (*Lobby, error) {
	settings, ok := s.modes.Lookup(mode)
	if !ok {
		return nil, models.Invalid("the given mode is not valid")
	}

	var (
		evict    []int64
		outcomes []moveOutcome
	)
	err := cache.Replan(ctx, s.store, "lobby.set_mode", func(ctx context.Context) error {
		snap, err := s.Get(ctx, lobbyID)
		if err != nil {
			return err
		}
		if err := checkModeChange(snap, mode); err != nil {
			return err
		}
		if evict, err = s.pickEvictions(snap, settings.Seats, playersToDrop); err != nil {
			return err
		}

		keys := s.keys.LobbyFamily(lobbyID)
		plans := make([]movePlan, len(evict))
		for i, id := range evict {
			st, err := s.loadMove(ctx, s.store.Client(), id, id, false)
			if err != nil {
				return err
			}
			if st.fromID != lobbyID {
				return cache.ErrStaleWatch
			}
			plans[i] = st.plan
			keys = append(keys, st.plan.watch(s.keys, id)...)
		}

		outcomes, err = cache.Protected[[]*moveState, []moveOutcome](ctx, s.store, keys,
			func(ctx context.Context, tx *redis.Tx) ([]*moveState, error) {
				cur, err := s.readExisting(ctx, tx, lobbyID)
				if err != nil {
					return nil, err
				}
				if !sameIDs(cur.PlayerIDs, snap.PlayerIDs) {
					return nil, cache.ErrStaleWatch
				}
				if err := checkModeChange(cur, mode); err != nil {
					return nil, err
				}
				moves := make([]*moveState, len(evict))
				for i, id := range evict {
					st, err := s.loadMove(ctx, tx, id, id, false)
					if err != nil {
						return nil, err
					}
					if !st.plan.equal(plans[i]) {
						return nil, cache.ErrStaleWatch
					}
					if err := st.validate(moveOpts{}); err != nil {
						return nil, err
					}
					moves[i] = st
				}
				return moves, nil
			},
			func(ctx context.Context, pipe redis.Pipeliner, moves []*moveState) ([]moveOutcome, error) {
				out := make([]moveOutcome, 0, len(moves))
				for _, st := range moves {
					out = append(out, s.stageMove(ctx, pipe, st, moveOpts{}))
				}
				typ := snap.Type
				if !settings.AllowsType(typ) {
					typ = s.modes.DefaultType
				}
				pipe.HSet(ctx, s.keys.Lobby(lobbyID), cache.FieldMode, string(mode), cache.FieldType, string(typ))
				return out, nil
			},
			cache.Op("lobby.set_mode"))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "mode": mode, "evicted": evict}).Info("lobby mode changed")
	for i, out := range outcomes {
		s.notifyMove(ctx, evict[i], out, moveOpts{})
		s.notify(ctx, models.EventToast, []int64{evict[i]}, models.Toast{
			Message: "the lobby changed mode and you were moved to your own lobby",
			Variant: "warning",
		})
	}
	l, err := s.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, models.EventLobbyUpdate, l.PlayerIDs, l)
	return l, nil
}

func checkModeChange(l *Lobby, mode models.Mode) error {
	if err := checkMutable(l); err != nil {
		return err
	}
	if l.Queued() {
		return models.Invalid("lobby is queued")
	}
	if l.Mode == mode {
		return models.Invalid("mode already set")
	}
	return nil
}

// pickEvictions chooses which members leave so the lobby fits seats. The
// owner is never evicted.
func (s *Service) pickEvictions(l *Lobby, seats int, requested []int64) ([]int64, error) {
	over := l.PlayersCount() - seats
	if over <= 0 {
		return nil, nil
	}

	if len(requested) > 0 {
		seen := make(map[int64]bool, len(requested))
		for _, id := range requested {
			if id == l.OwnerID {
				return nil, models.Invalid("the lobby owner cannot be dropped")
			}
			if !l.HasPlayer(id) {
				return nil, models.Invalid("player %d is not in this lobby", id)
			}
			seen[id] = true
		}
		if len(seen) < over {
			return nil, models.Invalid("%d players must be dropped to change mode", over)
		}
		out := make([]int64, 0, len(seen))
		for id := range seen {
			out = append(out, id)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out, nil
	}

	candidates := l.NonOwnerIDs()
	s.rngMu.Lock()
	s.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	s.rngMu.Unlock()
	out := candidates[:over]
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

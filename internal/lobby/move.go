// internal/lobby/move.go
package lobby

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

type moveOpts struct {
	remove bool
}

// moveState is the state a move reads: the source lobby, the destination and
// the heir slot that receives the remaining members of a departing owner.
type moveState struct {
	playerID    int64
	fromID      int64
	from        *Lobby
	to          *Lobby // nil when the destination is the mover's own missing slot
	heir        *Lobby // nil when nobody relocates or the heir slot is missing
	received    map[string]string
	teamMembers []int64
	plan        movePlan
}

// movePlan is what decides the watch set of a move.
type movePlan struct {
	fromID    int64
	toID      int64
	toExists  bool
	heirID    int64
	relocated []int64
	targets   []int64
	teamID    string
}

func (p movePlan) equal(o movePlan) bool {
	return p.fromID == o.fromID && p.toID == o.toID && p.toExists == o.toExists &&
		p.heirID == o.heirID && p.teamID == o.teamID &&
		sameIDs(p.relocated, o.relocated) && sameIDs(p.targets, o.targets)
}

func (p movePlan) watch(k cache.Keys, playerID int64) []string {
	keys := k.LobbyFamily(p.fromID)
	if p.toID != p.fromID {
		keys = append(keys, k.LobbyFamily(p.toID)...)
	}
	keys = append(keys, k.PlayerLobby(playerID))
	if p.heirID != 0 && p.heirID != p.toID {
		keys = append(keys, k.LobbyFamily(p.heirID)...)
	}
	for _, t := range p.targets {
		keys = append(keys, k.PlayerInvites(t))
	}
	if p.teamID != "" {
		keys = append(keys, k.Team(p.teamID))
	}
	return keys
}

// loadMove reads everything a move of playerID into toID touches.
func (s *Service) loadMove(ctx context.Context, r cache.Reader, playerID, toID int64, remove bool) (*moveState, error) {
	fromID, ok, err := cache.GetInt64(ctx, r, s.keys.PlayerLobby(playerID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.Invalid("there is no lobby to move user from")
	}

	st := &moveState{playerID: playerID, fromID: fromID}
	if st.from, err = s.readExisting(ctx, r, fromID); err != nil {
		return nil, err
	}
	if toID == fromID {
		st.to = st.from
	} else {
		to, ok, err := s.read(ctx, r, toID)
		if err != nil {
			return nil, err
		}
		if !ok && toID != playerID {
			return nil, models.NotFound("lobby", toID)
		}
		st.to = to
	}

	plan := movePlan{fromID: fromID, toID: toID, toExists: st.to != nil}
	if playerID == st.from.OwnerID {
		if rest := st.from.NonOwnerIDs(); len(rest) > 0 {
			plan.heirID = rest[0]
			plan.relocated = rest
		}
	}
	if plan.heirID != 0 {
		if plan.heirID == toID {
			st.heir = st.to
		} else if st.heir, _, err = s.read(ctx, r, plan.heirID); err != nil {
			return nil, err
		}
	}

	targets := map[int64]bool{playerID: true}
	for _, id := range plan.relocated {
		targets[id] = true
	}
	for _, inv := range st.from.InvitesFrom(append([]int64{playerID}, plan.relocated...)...) {
		targets[inv.ToID] = true
	}
	for t := range targets {
		plan.targets = append(plan.targets, t)
	}
	sort.Slice(plan.targets, func(i, j int) bool { return plan.targets[i] < plan.targets[j] })

	if remove {
		plan.teamID = st.from.TeamID
		if plan.teamID != "" {
			if st.teamMembers, err = cache.Int64Members(ctx, r, s.keys.Team(plan.teamID)); err != nil {
				return nil, err
			}
		}
		if st.received, err = r.HGetAll(ctx, s.keys.PlayerInvites(playerID)).Result(); err != nil {
			return nil, fmt.Errorf("read invites of %d: %w", playerID, err)
		}
	}

	st.plan = plan
	return st, nil
}

// validate applies the membership rules of a move.
func (st *moveState) validate(opts moveOpts) error {
	p := st.playerID
	if err := checkMutable(st.from); err != nil {
		return err
	}
	if st.to != nil {
		if err := checkMutable(st.to); err != nil {
			return err
		}
	}
	if !st.from.HasPlayer(p) {
		return models.Invalid("player is not in this lobby")
	}
	if err := st.checkHeir(); err != nil {
		return err
	}
	if opts.remove {
		return nil
	}

	if st.from.Queued() || (st.to != nil && st.to.Queued()) {
		return models.Invalid("lobby is queued")
	}
	if st.to == nil || st.plan.toID == p {
		return nil
	}
	if st.plan.fromID == st.plan.toID {
		return models.Invalid("player is already in this lobby")
	}
	if st.plan.toID != st.plan.heirID && !st.to.HasPlayer(st.to.OwnerID) {
		return models.Invalid("lobby owner is not in the lobby")
	}
	if st.to.Seats() == 0 {
		return models.Invalid("lobby is full")
	}
	if !st.to.Public && len(st.to.InvitesTo(p)) == 0 {
		return models.Invalid("user must be invited")
	}
	return nil
}

// checkHeir requires the heir slot to hold nobody but the relocated group and
// to be idle.
func (st *moveState) checkHeir() error {
	h := st.heir
	if h == nil {
		return nil
	}
	if h.Frozen() {
		return models.Invalid("heir lobby is in a pre-match")
	}
	if h.Queued() {
		return models.Invalid("heir lobby is queued")
	}
	for _, id := range h.PlayerIDs {
		if !containsID(st.plan.relocated, id) {
			return models.Invalid("heir lobby is occupied")
		}
	}
	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// moveOutcome summarises a committed move for notifications.
type moveOutcome struct {
	fromID    int64
	toID      int64
	heirID    int64
	relocated []int64
	dropped   []models.Invite
}

// Move transfers playerID from its current lobby into toID.
//
// Moving a player into its own slot is how a player leaves a group. When the
// mover owns the source lobby and other members remain, those members move
// as a group into the slot of the lowest remaining id, taking the lobby
// settings and their pending invites with them. With remove set, the
// destination slot is purged afterwards, the source lobby leaves the queue
// and every invite the player received is dropped.
//
// The heir lobby is returned when a relocation happened.
func (s *Service) Move(ctx context.Context, playerID, toID int64, remove bool) (*Lobby, error) {
	if !remove {
		if err := models.CheckPlayable(ctx, s.dir, playerID); err != nil {
			return nil, err
		}
	}
	return s.move(ctx, playerID, toID, moveOpts{remove: remove})
}

func (s *Service) move(ctx context.Context, playerID, toID int64, opts moveOpts) (*Lobby, error) {
	var out moveOutcome
	err := cache.Replan(ctx, s.store, "lobby.move", func(ctx context.Context) error {
		snap, err := s.loadMove(ctx, s.store.Client(), playerID, toID, opts.remove)
		if err != nil {
			return err
		}

		_, err = cache.Protected[*moveState, moveOutcome](ctx, s.store, snap.plan.watch(s.keys, playerID),
			func(ctx context.Context, tx *redis.Tx) (*moveState, error) {
				st, err := s.loadMove(ctx, tx, playerID, toID, opts.remove)
				if err != nil {
					return nil, err
				}
				if !st.plan.equal(snap.plan) {
					return nil, cache.ErrStaleWatch
				}
				if err := st.validate(opts); err != nil {
					return nil, err
				}
				return st, nil
			},
			func(ctx context.Context, pipe redis.Pipeliner, st *moveState) (moveOutcome, error) {
				out = s.stageMove(ctx, pipe, st, opts)
				return out, nil
			},
			cache.Op("lobby.move"))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"player_id": playerID,
		"from":      out.fromID,
		"to":        out.toID,
		"heir":      out.heirID,
		"remove":    opts.remove,
	}).Info("player moved")
	s.notifyMove(ctx, playerID, out, opts)

	if out.heirID == 0 {
		return nil, nil
	}
	return s.Get(ctx, out.heirID)
}

func (s *Service) stageMove(ctx context.Context, pipe redis.Pipeliner, st *moveState, opts moveOpts) moveOutcome {
	p := st.playerID
	plan := st.plan
	pid := cache.FormatID(p)
	out := moveOutcome{fromID: plan.fromID, toID: plan.toID, heirID: plan.heirID, relocated: plan.relocated}

	if plan.fromID != plan.toID {
		pipe.SRem(ctx, s.keys.LobbyPlayers(plan.fromID), pid)
		if st.to == nil {
			pipe.HSet(ctx, s.keys.Lobby(plan.toID),
				cache.FieldMode, string(s.modes.Default),
				cache.FieldType, string(s.modes.DefaultType),
				cache.FieldPublic, "0")
		}
		pipe.SAdd(ctx, s.keys.LobbyPlayers(plan.toID), pid)
		pipe.Set(ctx, s.keys.PlayerLobby(p), cache.FormatID(plan.toID), 0)
		if st.to != nil {
			granted := st.to.InvitesTo(p)
			s.stageDropInvites(ctx, pipe, plan.toID, granted)
			out.dropped = append(out.dropped, granted...)
		}
	}

	if plan.heirID != 0 {
		heir := plan.heirID
		pipe.SRem(ctx, s.keys.LobbyPlayers(plan.fromID), cache.IDArgs(plan.relocated)...)
		pipe.HSet(ctx, s.keys.Lobby(heir),
			cache.FieldMode, string(st.from.Mode),
			cache.FieldType, string(st.from.Type),
			cache.FieldPublic, boolFlag(st.from.Public))
		pipe.SAdd(ctx, s.keys.LobbyPlayers(heir), cache.IDArgs(plan.relocated)...)
		for _, id := range plan.relocated {
			pipe.Set(ctx, s.keys.PlayerLobby(id), cache.FormatID(heir), 0)
		}
		if st.heir != nil {
			stale := st.heir.InvitesTo(plan.relocated...)
			s.stageDropInvites(ctx, pipe, heir, stale)
			out.dropped = append(out.dropped, stale...)
		}
		for _, inv := range st.from.InvitesFrom(plan.relocated...) {
			pipe.ZRem(ctx, s.keys.LobbyInvites(plan.fromID), inv.ID())
			pipe.ZAdd(ctx, s.keys.LobbyInvites(heir), redis.Z{Score: float64(inv.CreatedAt.Unix()), Member: inv.ID()})
			pipe.HSet(ctx, s.keys.PlayerInvites(inv.ToID), inv.ID(), cache.FormatID(heir))
		}
	}

	sent := st.from.InvitesFrom(p)
	s.stageDropInvites(ctx, pipe, plan.fromID, sent)
	out.dropped = append(out.dropped, sent...)

	if opts.remove {
		StageDequeue(ctx, pipe, s.keys, plan.fromID)
		if plan.teamID != "" {
			StageLeaveTeam(ctx, pipe, s.keys, plan.teamID, plan.fromID, st.teamMembers)
		}
		if st.to != nil {
			for _, inv := range st.to.Invites {
				pipe.HDel(ctx, s.keys.PlayerInvites(inv.ToID), inv.ID())
			}
		}
		pipe.Del(ctx, s.keys.LobbyFamily(plan.toID)...)
		pipe.ZRem(ctx, s.keys.QueuedLobbies(), cache.FormatID(plan.toID))
		pipe.Del(ctx, s.keys.PlayerLobby(p))
		for inviteID, lobbyRaw := range st.received {
			if lobbyID, err := strconv.ParseInt(lobbyRaw, 10, 64); err == nil {
				pipe.ZRem(ctx, s.keys.LobbyInvites(lobbyID), inviteID)
			}
		}
		pipe.Del(ctx, s.keys.PlayerInvites(p))
	}
	return out
}

func (s *Service) notifyMove(ctx context.Context, playerID int64, out moveOutcome, opts moveOpts) {
	s.notifyInvitesDropped(ctx, out.dropped)

	if out.heirID != 0 {
		for _, id := range out.relocated {
			s.notify(ctx, models.EventLobbyIDUpdate, []int64{id}, map[string]int64{"lobby_id": out.heirID})
		}
		s.notify(ctx, models.EventPlayerLeave, out.relocated, map[string]int64{"player_id": playerID, "lobby_id": out.heirID})
	}
	if out.fromID != out.toID {
		if from, ok, err := s.TryGet(ctx, out.fromID); err == nil && ok {
			s.notify(ctx, models.EventPlayerLeave, from.PlayerIDs, map[string]int64{"player_id": playerID, "lobby_id": out.fromID})
		}
		if !opts.remove {
			if to, ok, err := s.TryGet(ctx, out.toID); err == nil && ok {
				s.notify(ctx, models.EventPlayerJoin, to.PlayerIDs, map[string]int64{"player_id": playerID, "lobby_id": out.toID})
			}
		}
	}
	if !opts.remove {
		s.notify(ctx, models.EventLobbyIDUpdate, []int64{playerID}, map[string]int64{"lobby_id": out.toID})
	}

	ids := []int64{out.fromID, out.toID}
	if out.heirID != 0 {
		ids = append(ids, out.heirID)
	}
	s.broadcast(ctx, ids...)
}

// Leave takes playerID out of its group back into its own slot.
func (s *Service) Leave(ctx context.Context, playerID int64) (*Lobby, error) {
	return s.move(ctx, playerID, playerID, moveOpts{})
}

// Disconnect dissolves the player's presence: it leaves its group and its
// own slot is purged.
func (s *Service) Disconnect(ctx context.Context, playerID int64) error {
	_, err := s.move(ctx, playerID, playerID, moveOpts{remove: true})
	return err
}

// Kick removes playerID from lobbyID on behalf of requesterID. Owners may
// remove any member; any member may remove itself.
func (s *Service) Kick(ctx context.Context, requesterID, lobbyID, playerID int64) (*Lobby, error) {
	l, err := s.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if !l.HasPlayer(playerID) {
		return nil, models.Invalid("player is not in this lobby")
	}
	if requesterID != playerID && requesterID != l.OwnerID {
		return nil, fmt.Errorf("%w: only the lobby owner can remove players", models.ErrForbidden)
	}
	if requesterID == playerID && l.PlayersCount() == 1 {
		return l, nil
	}

	if _, err := s.move(ctx, playerID, playerID, moveOpts{}); err != nil {
		return nil, err
	}
	if requesterID != playerID {
		s.notify(ctx, models.EventToast, []int64{playerID}, models.Toast{
			Message: "you were removed from the lobby",
			Variant: "warning",
		})
	}
	return s.Get(ctx, lobbyID)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

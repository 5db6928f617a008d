// internal/lobby/lobby.go
package lobby

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// Lobby is a decoded snapshot of one lobby slot. The slot is keyed by the id
// of the player it was created for; ID and OwnerID are always equal.
type Lobby struct {
	ID         int64            `json:"id"`
	OwnerID    int64            `json:"owner_id"`
	Mode       models.Mode      `json:"mode"`
	Type       models.MatchType `json:"type"`
	Public     bool             `json:"is_public"`
	PlayerIDs  []int64          `json:"players_ids"`
	Invites    []models.Invite  `json:"invites"`
	QueuedAt   *time.Time       `json:"queue,omitempty"`
	TeamID     string           `json:"team_id,omitempty"`
	PreMatchID string           `json:"pre_match_id,omitempty"`
	MaxPlayers int              `json:"max_players"`
}

// Queued reports whether the lobby holds a queue marker.
func (l *Lobby) Queued() bool { return l.QueuedAt != nil }

// Frozen reports whether the lobby belongs to a pre-match. Frozen lobbies
// only change through pre-match teardown.
func (l *Lobby) Frozen() bool { return l.PreMatchID != "" }

func (l *Lobby) PlayersCount() int { return len(l.PlayerIDs) }

// Seats is the number of free seats left.
func (l *Lobby) Seats() int {
	if n := l.MaxPlayers - len(l.PlayerIDs); n > 0 {
		return n
	}
	return 0
}

// QueueTime is how long the lobby has been queued at now.
func (l *Lobby) QueueTime(now time.Time) time.Duration {
	if l.QueuedAt == nil {
		return 0
	}
	return now.Sub(*l.QueuedAt)
}

func (l *Lobby) HasPlayer(id int64) bool {
	for _, p := range l.PlayerIDs {
		if p == id {
			return true
		}
	}
	return false
}

// NonOwnerIDs lists the members other than the owner, ascending.
func (l *Lobby) NonOwnerIDs() []int64 {
	out := make([]int64, 0, len(l.PlayerIDs))
	for _, p := range l.PlayerIDs {
		if p != l.OwnerID {
			out = append(out, p)
		}
	}
	return out
}

// InvitesTo returns the pending invites addressed to any of toIDs.
func (l *Lobby) InvitesTo(toIDs ...int64) []models.Invite {
	var out []models.Invite
	for _, inv := range l.Invites {
		for _, id := range toIDs {
			if inv.ToID == id {
				out = append(out, inv)
				break
			}
		}
	}
	return out
}

// InvitesFrom returns the pending invites sent by any of fromIDs.
func (l *Lobby) InvitesFrom(fromIDs ...int64) []models.Invite {
	var out []models.Invite
	for _, inv := range l.Invites {
		for _, id := range fromIDs {
			if inv.FromID == id {
				out = append(out, inv)
				break
			}
		}
	}
	return out
}

// Record is the raw cache state of one lobby slot.
type Record struct {
	Hash    map[string]string
	Players []string
	Invites []redis.Z
	Queue   string
	Queued  bool
}

// Decode validates a raw record and builds the Lobby. Missing or malformed
// fields fail with models.ErrCorruptRecord.
func Decode(keys cache.Keys, modes models.Modes, id int64, rec Record) (*Lobby, error) {
	key := keys.Lobby(id)

	mode := models.Mode(rec.Hash[cache.FieldMode])
	settings, ok := modes.Lookup(mode)
	if !ok {
		return nil, models.Corrupt(key, "unknown mode %q", mode)
	}
	typ := models.MatchType(rec.Hash[cache.FieldType])
	if !settings.AllowsType(typ) {
		return nil, models.Corrupt(key, "type %q not valid for mode %s", typ, mode)
	}

	var public bool
	switch rec.Hash[cache.FieldPublic] {
	case "1":
		public = true
	case "0":
	default:
		return nil, models.Corrupt(key, "bad public flag %q", rec.Hash[cache.FieldPublic])
	}

	players, err := cache.ParseIDs(keys.LobbyPlayers(id), rec.Players)
	if err != nil {
		return nil, err
	}

	invites := make([]models.Invite, 0, len(rec.Invites))
	for _, z := range rec.Invites {
		member, _ := z.Member.(string)
		from, to, err := models.ParseInviteID(member)
		if err != nil {
			return nil, models.Corrupt(keys.LobbyInvites(id), "bad invite %q", member)
		}
		invites = append(invites, models.Invite{
			FromID:    from,
			ToID:      to,
			LobbyID:   id,
			CreatedAt: time.Unix(int64(z.Score), 0).UTC(),
		})
	}
	sort.Slice(invites, func(i, j int) bool { return invites[i].ID() < invites[j].ID() })

	l := &Lobby{
		ID:         id,
		OwnerID:    id,
		Mode:       mode,
		Type:       typ,
		Public:     public,
		PlayerIDs:  players,
		Invites:    invites,
		TeamID:     rec.Hash[cache.FieldTeamID],
		PreMatchID: rec.Hash[cache.FieldPreMatchID],
		MaxPlayers: settings.Seats,
	}
	if rec.Queued {
		at, err := cache.ParseTime(keys.LobbyQueue(id), rec.Queue)
		if err != nil {
			return nil, err
		}
		l.QueuedAt = &at
	}
	return l, nil
}

// read fetches and decodes one slot through r, which is either the plain
// client or a watched transaction. ok is false when the slot does not exist.
func read(ctx context.Context, r cache.Reader, keys cache.Keys, modes models.Modes, id int64) (*Lobby, bool, error) {
	hash, err := r.HGetAll(ctx, keys.Lobby(id)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read lobby %d: %w", id, err)
	}
	if len(hash) == 0 {
		return nil, false, nil
	}

	rec := Record{Hash: hash}
	if rec.Players, err = r.SMembers(ctx, keys.LobbyPlayers(id)).Result(); err != nil {
		return nil, false, fmt.Errorf("read lobby %d players: %w", id, err)
	}
	if rec.Invites, err = r.ZRangeWithScores(ctx, keys.LobbyInvites(id), 0, -1).Result(); err != nil {
		return nil, false, fmt.Errorf("read lobby %d invites: %w", id, err)
	}
	if rec.Queue, rec.Queued, err = cache.GetString(ctx, r, keys.LobbyQueue(id)); err != nil {
		return nil, false, err
	}

	l, err := Decode(keys, modes, id, rec)
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}

// internal/cache/keys.go
package cache

import (
	"sort"
	"strconv"

	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// Keys builds every key family of the matchmaking state.
//
//	[hash] lobby:<id>                    mode, type, public, team_id, pre_match_id
//	[set]  lobby:<id>:players            member player ids, owner included
//	[zset] lobby:<id>:invites            from:to -> unix time
//	[str]  lobby:<id>:queue              queue start, absent when not queued
//	[zset] lobbies:queued                lobby id -> queue start (ms)
//	[str]  player:<id>:lobby             current lobby id
//	[hash] player:<id>:invites           from:to -> lobby id (received invites)
//	[str]  player:<id>:pre_match         current pre-match id
//	[zset] player:<id>:dodges            timestamp -> unix time, TTL'd
//	[str]  player:<id>:queue_lock        lock-out end, TTL'd
//	[set]  players                       users with dodge records
//	[set]  team:<id>                     member lobby ids
//	[str]  team:<id>:pre_match           pre-match id
//	[zset] teams                         team id -> creation (ms)
//	[str]  prematch:<id>                 teamA:teamB
//	[set]  prematch:<id>:players         snapshot of every player
//	[set]  prematch:<id>:in_players_ids  locked-in players
//	[set]  prematch:<id>:ready_players_ids
//	[str]  prematch:<id>:ready_time      countdown start
//	[str]  prematch:<id>:created         creation time
//	[str]  prematch:<id>:claim           hand-off claim
//	[zset] prematches                    pre-match id -> creation (ms)
type Keys struct {
	prefix string
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

func (k Keys) Lobby(lobbyID int64) string        { return k.prefix + "lobby:" + id(lobbyID) }
func (k Keys) LobbyPlayers(lobbyID int64) string { return k.Lobby(lobbyID) + ":players" }
func (k Keys) LobbyInvites(lobbyID int64) string { return k.Lobby(lobbyID) + ":invites" }
func (k Keys) LobbyQueue(lobbyID int64) string   { return k.Lobby(lobbyID) + ":queue" }
func (k Keys) QueuedLobbies() string             { return k.prefix + "lobbies:queued" }

// LobbyFamily lists every key owned by a lobby slot.
func (k Keys) LobbyFamily(lobbyID int64) []string {
	return []string{k.Lobby(lobbyID), k.LobbyPlayers(lobbyID), k.LobbyInvites(lobbyID), k.LobbyQueue(lobbyID)}
}

func (k Keys) Player(userID int64) string          { return k.prefix + "player:" + id(userID) }
func (k Keys) PlayerLobby(userID int64) string     { return k.Player(userID) + ":lobby" }
func (k Keys) PlayerInvites(userID int64) string   { return k.Player(userID) + ":invites" }
func (k Keys) PlayerPreMatch(userID int64) string  { return k.Player(userID) + ":pre_match" }
func (k Keys) PlayerDodges(userID int64) string    { return k.Player(userID) + ":dodges" }
func (k Keys) PlayerQueueLock(userID int64) string { return k.Player(userID) + ":queue_lock" }
func (k Keys) Players() string                     { return k.prefix + "players" }

func (k Keys) Team(teamID string) string         { return k.prefix + "team:" + teamID }
func (k Keys) TeamPreMatch(teamID string) string { return k.Team(teamID) + ":pre_match" }
func (k Keys) Teams() string                     { return k.prefix + "teams" }

func (k Keys) PreMatch(preMatchID string) string { return k.prefix + "prematch:" + preMatchID }
func (k Keys) PreMatchPlayers(preMatchID string) string {
	return k.PreMatch(preMatchID) + ":players"
}
func (k Keys) PreMatchIn(preMatchID string) string {
	return k.PreMatch(preMatchID) + ":in_players_ids"
}
func (k Keys) PreMatchReady(preMatchID string) string {
	return k.PreMatch(preMatchID) + ":ready_players_ids"
}
func (k Keys) PreMatchReadyTime(preMatchID string) string {
	return k.PreMatch(preMatchID) + ":ready_time"
}
func (k Keys) PreMatchCreated(preMatchID string) string {
	return k.PreMatch(preMatchID) + ":created"
}
func (k Keys) PreMatchClaim(preMatchID string) string { return k.PreMatch(preMatchID) + ":claim" }
func (k Keys) PreMatches() string                     { return k.prefix + "prematches" }

// PreMatchFamily lists every key owned by a pre-match.
func (k Keys) PreMatchFamily(preMatchID string) []string {
	return []string{
		k.PreMatch(preMatchID),
		k.PreMatchPlayers(preMatchID),
		k.PreMatchIn(preMatchID),
		k.PreMatchReady(preMatchID),
		k.PreMatchReadyTime(preMatchID),
		k.PreMatchCreated(preMatchID),
		k.PreMatchClaim(preMatchID),
	}
}

// Lobby hash fields.
const (
	FieldMode       = "mode"
	FieldType       = "type"
	FieldPublic     = "public"
	FieldTeamID     = "team_id"
	FieldPreMatchID = "pre_match_id"
)

// FormatID renders an integer id as stored in sets and strings.
func FormatID(v int64) string { return id(v) }

// ParseIDs decodes integer set members, sorted ascending.
func ParseIDs(key string, raw []string) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		v, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			return nil, corrupt(key, "member %q is not an id", r)
		}
		ids = append(ids, v)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// IDArgs converts ids to variadic redis arguments.
func IDArgs(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, v := range ids {
		args[i] = id(v)
	}
	return args
}

var corrupt = models.Corrupt

// internal/team/team.go
package team

import (
	"math"
	"sort"
	"time"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// Team aggregates queued lobbies until they fill one side of a match.
type Team struct {
	ID         string         `json:"id"`
	LobbyIDs   []int64        `json:"lobbies_ids"`
	Lobbies    []*lobby.Lobby `json:"-"`
	PreMatchID string         `json:"pre_match_id,omitempty"`
	CreatedAt  time.Time      `json:"create_date"`
	MaxPlayers int            `json:"max_players"`
}

func (t *Team) PlayersCount() int {
	n := 0
	for _, l := range t.Lobbies {
		n += l.PlayersCount()
	}
	return n
}

// PlayerIDs lists every player of every member lobby, ascending.
func (t *Team) PlayerIDs() []int64 {
	var ids []int64
	for _, l := range t.Lobbies {
		ids = append(ids, l.PlayerIDs...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Ready reports whether the team filled every seat of its mode.
func (t *Team) Ready() bool {
	return t.MaxPlayers > 0 && t.PlayersCount() >= t.MaxPlayers
}

// Matched reports whether the team belongs to a pre-match.
func (t *Team) Matched() bool { return t.PreMatchID != "" }

func (t *Team) HasLobby(id int64) bool {
	for _, l := range t.LobbyIDs {
		if l == id {
			return true
		}
	}
	return false
}

// Mode is the mode shared by every member lobby.
func (t *Team) Mode() models.Mode {
	if len(t.Lobbies) == 0 {
		return ""
	}
	return t.Lobbies[0].Mode
}

// Type is the match type shared by every member lobby.
func (t *Team) Type() models.MatchType {
	if len(t.Lobbies) == 0 {
		return ""
	}
	return t.Lobbies[0].Type
}

// Accepts reports whether l could sit next to the current members.
func (t *Team) Accepts(l *lobby.Lobby) bool {
	return l.Mode == t.Mode() && l.Type == t.Type() &&
		t.PlayersCount()+l.PlayersCount() <= t.MaxPlayers
}

// QueueTime is the mean queue time of the member lobbies, rounded up to the
// second.
func (t *Team) QueueTime(now time.Time) time.Duration {
	if len(t.Lobbies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range t.Lobbies {
		total += l.QueueTime(now)
	}
	mean := total / time.Duration(len(t.Lobbies))
	return time.Duration(math.Ceil(mean.Seconds())) * time.Second
}

// Decode builds a Team from its raw member set, pre-match reference and
// creation score. Member lobbies are attached by the caller.
func Decode(keys cache.Keys, id string, members []string, preMatchID string, createdMs float64) (*Team, error) {
	ids, err := cache.ParseIDs(keys.Team(id), members)
	if err != nil {
		return nil, err
	}
	t := &Team{ID: id, LobbyIDs: ids, PreMatchID: preMatchID}
	if createdMs > 0 {
		t.CreatedAt = time.UnixMilli(int64(createdMs)).UTC()
	}
	return t, nil
}

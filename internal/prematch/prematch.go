// internal/prematch/prematch.go
package prematch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// Timing holds the deadlines of the ready check.
type Timing struct {
	// Countdown is the time players have to ready once everybody locked in.
	Countdown time.Duration
	// Gap is subtracted from Countdown to get the cancellation deadline.
	Gap time.Duration
	// LockInTimeout is how long a pre-match may wait for lock-ins.
	LockInTimeout time.Duration
}

// Deadline is the elapsed countdown after which a pre-match without quorum
// is cancelled.
func (t Timing) Deadline() time.Duration { return t.Countdown - t.Gap }

// PreMatch is the ready check between two paired teams.
type PreMatch struct {
	ID             string     `json:"id"`
	TeamAID        string     `json:"team_a_id"`
	TeamBID        string     `json:"team_b_id"`
	PlayerIDs      []int64    `json:"players_ids"`
	InPlayerIDs    []int64    `json:"in_players_ids"`
	ReadyPlayerIDs []int64    `json:"ready_players_ids"`
	ReadyTime      *time.Time `json:"ready_time,omitempty"`
	CreatedAt      time.Time  `json:"create_date"`
	Claimed        bool       `json:"-"`
}

func (p *PreMatch) HasPlayer(id int64) bool { return contains(p.PlayerIDs, id) }

func (p *PreMatch) LockedIn(id int64) bool { return contains(p.InPlayerIDs, id) }

func (p *PreMatch) IsReady(id int64) bool { return contains(p.ReadyPlayerIDs, id) }

// TeamIDs returns both team ids.
func (p *PreMatch) TeamIDs() []string { return []string{p.TeamAID, p.TeamBID} }

// State derives the ready-check state at now.
//
// A pre-match is ready once every player confirmed. Before the countdown
// starts it waits in pre_start and turns idle once the lock-in timeout has
// passed since creation. With the countdown running it stays in lock_in until
// the elapsed time is strictly greater than the deadline, then it is
// cancelled.
func (p *PreMatch) State(now time.Time, t Timing) models.PreMatchState {
	total := len(p.PlayerIDs)
	switch {
	case total > 0 && len(p.ReadyPlayerIDs) >= total:
		return models.StateReady
	case p.ReadyTime == nil:
		if t.LockInTimeout > 0 && now.Sub(p.CreatedAt) > t.LockInTimeout {
			return models.StateIdle
		}
		return models.StatePreStart
	case now.Sub(*p.ReadyTime) > t.Deadline():
		return models.StateCancelled
	default:
		return models.StateLockIn
	}
}

// Countdown is the time left to ready at now, zero when the countdown has not
// started or ran out.
func (p *PreMatch) Countdown(now time.Time, t Timing) time.Duration {
	if p.ReadyTime == nil {
		return 0
	}
	left := t.Countdown - now.Sub(*p.ReadyTime)
	if left < 0 {
		return 0
	}
	return left
}

// Record is the raw cache state of one pre-match.
type Record struct {
	Teams     string
	Players   []string
	In        []string
	Ready     []string
	ReadyTime string
	Started   bool
	Created   string
	Claimed   bool
}

// Decode validates a raw record and builds the PreMatch.
func Decode(keys cache.Keys, id string, rec Record) (*PreMatch, error) {
	a, b, ok := strings.Cut(rec.Teams, ":")
	if !ok || a == "" || b == "" {
		return nil, models.Corrupt(keys.PreMatch(id), "bad team pair %q", rec.Teams)
	}
	p := &PreMatch{ID: id, TeamAID: a, TeamBID: b, Claimed: rec.Claimed}

	var err error
	if p.PlayerIDs, err = cache.ParseIDs(keys.PreMatchPlayers(id), rec.Players); err != nil {
		return nil, err
	}
	if p.InPlayerIDs, err = cache.ParseIDs(keys.PreMatchIn(id), rec.In); err != nil {
		return nil, err
	}
	if p.ReadyPlayerIDs, err = cache.ParseIDs(keys.PreMatchReady(id), rec.Ready); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = cache.ParseTime(keys.PreMatchCreated(id), rec.Created); err != nil {
		return nil, err
	}
	if rec.Started {
		at, err := cache.ParseTime(keys.PreMatchReadyTime(id), rec.ReadyTime)
		if err != nil {
			return nil, err
		}
		p.ReadyTime = &at
	}
	return p, nil
}

func read(ctx context.Context, r cache.Reader, keys cache.Keys, id string) (*PreMatch, bool, error) {
	teams, ok, err := cache.GetString(ctx, r, keys.PreMatch(id))
	if err != nil || !ok {
		return nil, false, err
	}

	rec := Record{Teams: teams}
	if rec.Players, err = r.SMembers(ctx, keys.PreMatchPlayers(id)).Result(); err != nil {
		return nil, false, fmt.Errorf("read pre-match %s players: %w", id, err)
	}
	if rec.In, err = r.SMembers(ctx, keys.PreMatchIn(id)).Result(); err != nil {
		return nil, false, fmt.Errorf("read pre-match %s lock-ins: %w", id, err)
	}
	if rec.Ready, err = r.SMembers(ctx, keys.PreMatchReady(id)).Result(); err != nil {
		return nil, false, fmt.Errorf("read pre-match %s ready players: %w", id, err)
	}
	if rec.ReadyTime, rec.Started, err = cache.GetString(ctx, r, keys.PreMatchReadyTime(id)); err != nil {
		return nil, false, err
	}
	if rec.Created, _, err = cache.GetString(ctx, r, keys.PreMatchCreated(id)); err != nil {
		return nil, false, err
	}
	n, err := r.Exists(ctx, keys.PreMatchClaim(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("read pre-match %s claim: %w", id, err)
	}
	rec.Claimed = n > 0

	p, err := Decode(keys, id, rec)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

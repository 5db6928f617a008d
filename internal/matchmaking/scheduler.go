// internal/matchmaking/scheduler.go
package matchmaking

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaker/internal/metrics"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
	"github.com/jason-s-yu/cambia-matchmaker/internal/prematch"
	"github.com/jason-s-yu/cambia-matchmaker/internal/team"
)

// Tick stages, used as log and metric labels.
const (
	StageTeams    = "teams"
	StagePairing  = "pairing"
	StageExpiry   = "expiry"
	StageFinalize = "finalize"
)

// TickReport counts what one tick did.
type TickReport struct {
	TeamsCreated        int
	LobbiesJoined       int
	TeamsPruned         int
	PreMatchesCreated   int
	PreMatchesCancelled int
	MatchesCreated      int
	Errors              int
}

// Scheduler runs the queue tick: it builds teams out of queued lobbies, pairs
// ready teams into pre-matches and resolves pre-matches whose ready check is
// over. A tick only reads and writes the cache, so several processes may tick
// the same cache; every mutation is guarded by its own transaction.
type Scheduler struct {
	lobbies *lobby.Service
	teams   *team.Service
	pre     *prematch.Service
	clock   clockwork.Clock
	log     logrus.FieldLogger
}

func NewScheduler(lobbies *lobby.Service, teams *team.Service, pre *prematch.Service, clock clockwork.Clock, log logrus.FieldLogger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		lobbies: lobbies,
		teams:   teams,
		pre:     pre,
		clock:   clock,
		log:     log.WithField("component", "queuetick"),
	}
}

// Tick runs one queue tick. A failing item is logged and skipped; the rest
// of the tick goes on and the item is retried on the next tick.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	start := s.clock.Now()
	var r TickReport

	built := s.buildTeams(ctx, &r)
	s.pairTeams(ctx, &r, built)
	s.expire(ctx, &r)
	s.finalize(ctx, &r)

	metrics.TickDuration.Observe(s.clock.Since(start).Seconds())
	entry := s.log.WithFields(logrus.Fields{
		"teams_created":        r.TeamsCreated,
		"lobbies_joined":       r.LobbiesJoined,
		"pre_matches_created":  r.PreMatchesCreated,
		"pre_matches_canceled": r.PreMatchesCancelled,
		"matches_created":      r.MatchesCreated,
		"errors":               r.Errors,
	})
	if r.Errors > 0 {
		entry.Warn("queue tick finished with errors")
	} else {
		entry.Debug("queue tick finished")
	}
	return r
}

// fail records an item failure. Not-found means another writer resolved the
// item first and is not counted.
func (s *Scheduler) fail(r *TickReport, stage string, fields logrus.Fields, err error) {
	if errors.Is(err, models.ErrNotFound) {
		s.log.WithFields(fields).WithField("stage", stage).Debug("item already resolved")
		return
	}
	r.Errors++
	metrics.TickErrors.WithLabelValues(stage).Inc()
	s.log.WithError(err).WithFields(fields).WithField("stage", stage).Warn("queue tick item failed")
}

// buildTeams prunes stale teams, then puts every queued lobby without a team
// in the oldest compatible team or in a new one. Lobbies are visited by queue
// start, oldest first. It returns the ids of teams created during the stage.
func (s *Scheduler) buildTeams(ctx context.Context, r *TickReport) map[string]bool {
	built := make(map[string]bool)

	open, err := s.teams.NotReady(ctx)
	if err != nil {
		s.fail(r, StageTeams, nil, err)
		return built
	}
	for _, t := range open {
		before := len(t.LobbyIDs)
		pruned, ok, err := s.teams.RemoveNonQueued(ctx, t.ID)
		if err != nil {
			s.fail(r, StageTeams, logrus.Fields{"team_id": t.ID}, err)
			continue
		}
		if !ok || len(pruned.LobbyIDs) < before {
			r.TeamsPruned++
		}
	}

	queued, err := s.lobbies.QueuedLobbies(ctx)
	if err != nil {
		s.fail(r, StageTeams, nil, err)
		return built
	}
	for _, l := range queued {
		if l.TeamID != "" || l.Frozen() {
			continue
		}
		fields := logrus.Fields{"lobby_id": l.ID}

		joined, ok, err := s.teams.FindForLobby(ctx, l)
		if err != nil {
			s.fail(r, StageTeams, fields, err)
			continue
		}
		if ok {
			r.LobbiesJoined++
			s.log.WithFields(fields).WithField("team_id", joined.ID).Debug("lobby joined a team")
			continue
		}

		created, err := s.teams.Create(ctx, l.ID)
		if err != nil {
			if errors.Is(err, models.ErrValidation) {
				s.log.WithError(err).WithFields(fields).Debug("lobby changed before teaming")
				continue
			}
			s.fail(r, StageTeams, fields, err)
			continue
		}
		built[created.ID] = true
		r.TeamsCreated++
	}
	return built
}

// pairTeams looks for an opponent for every ready, unmatched team, oldest
// first. Teams built in this tick wait for the next one before searching, so
// they are seen settled by every other writer.
func (s *Scheduler) pairTeams(ctx context.Context, r *TickReport, built map[string]bool) {
	ready, err := s.teams.Ready(ctx)
	if err != nil {
		s.fail(r, StagePairing, nil, err)
		return
	}
	paired := make(map[string]bool)
	for _, t := range ready {
		if t.Matched() || built[t.ID] || paired[t.ID] {
			continue
		}
		fields := logrus.Fields{"team_id": t.ID}

		opponent, ok, err := s.teams.FindOpponent(ctx, t)
		if err != nil {
			s.fail(r, StagePairing, fields, err)
			continue
		}
		if !ok || paired[opponent.ID] {
			continue
		}

		pm, err := s.pre.Create(ctx, t.ID, opponent.ID)
		if err != nil {
			if errors.Is(err, models.ErrValidation) {
				s.log.WithError(err).WithFields(fields).Debug("teams changed before pairing")
				continue
			}
			s.fail(r, StagePairing, fields, err)
			continue
		}
		paired[t.ID] = true
		paired[opponent.ID] = true
		r.PreMatchesCreated++
		s.log.WithFields(fields).WithField("pre_match_id", pm.ID).Debug("teams paired")
	}
}

// expire runs the failure path of every pre-match whose ready check ran out.
func (s *Scheduler) expire(ctx context.Context, r *TickReport) {
	live, err := s.pre.All(ctx)
	if err != nil {
		s.fail(r, StageExpiry, nil, err)
		return
	}
	for _, pm := range live {
		if !s.pre.State(pm).Expired() {
			continue
		}
		if err := s.pre.Cancel(ctx, pm.ID); err != nil {
			if errors.Is(err, models.ErrValidation) {
				continue
			}
			s.fail(r, StageExpiry, logrus.Fields{"pre_match_id": pm.ID}, err)
			continue
		}
		r.PreMatchesCancelled++
	}
}

// finalize hands off ready pre-matches nobody claimed, e.g. when the request
// that completed the ready check failed before the hand-off.
func (s *Scheduler) finalize(ctx context.Context, r *TickReport) {
	live, err := s.pre.All(ctx)
	if err != nil {
		s.fail(r, StageFinalize, nil, err)
		return
	}
	for _, pm := range live {
		if pm.Claimed || s.pre.State(pm) != models.StateReady {
			continue
		}
		if _, err := s.pre.Finalize(ctx, pm.ID); err != nil {
			if errors.Is(err, models.ErrValidation) {
				continue
			}
			s.fail(r, StageFinalize, logrus.Fields{"pre_match_id": pm.ID}, err)
			continue
		}
		r.MatchesCreated++
	}
}

// internal/matchmaking/core.go
package matchmaking

import (
	"math/rand"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/config"
	"github.com/jason-s-yu/cambia-matchmaker/internal/events"
	"github.com/jason-s-yu/cambia-matchmaker/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
	"github.com/jason-s-yu/cambia-matchmaker/internal/player"
	"github.com/jason-s-yu/cambia-matchmaker/internal/prematch"
	"github.com/jason-s-yu/cambia-matchmaker/internal/team"
)

// Core holds the services shared by the API process and the queue tick.
type Core struct {
	Players    *player.Service
	Lobbies    *lobby.Service
	Teams      *team.Service
	PreMatches *prematch.Service
	Clock      clockwork.Clock
}

// NewCore wires the services on one store. Both processes must build their
// Core from the same configuration.
func NewCore(cfg config.Matchmaking, store *cache.Store, dir models.Directory, alloc models.Allocator, notifier events.Notifier, clock clockwork.Clock, log logrus.FieldLogger) *Core {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}

	players := player.NewService(store, clock, cfg.DodgesExpire, notifier, log)
	lobbies := lobby.New(lobby.Deps{
		Store:        store,
		Directory:    dir,
		Restrictions: players,
		Notifier:     notifier,
		Clock:        clock,
		Modes:        cfg.Modes(),
		Rand:         rand.New(rand.NewSource(seed)),
		Log:          log,
	})
	teams := team.New(team.Deps{
		Store:   store,
		Lobbies: lobbies,
		Clock:   clock,
		Window:  cfg.SkillWindow,
		Log:     log,
	})
	pre := prematch.New(prematch.Deps{
		Store:     store,
		Lobbies:   lobbies,
		Teams:     teams,
		Penalties: players,
		Allocator: alloc,
		Notifier:  notifier,
		Clock:     clock,
		Timing: prematch.Timing{
			Countdown:     cfg.ReadyCountdown,
			Gap:           cfg.ReadyCountdownGap,
			LockInTimeout: cfg.LockInTimeout,
		},
		Log: log,
	})

	return &Core{Players: players, Lobbies: lobbies, Teams: teams, PreMatches: pre, Clock: clock}
}

// Scheduler builds the queue tick on top of the core services.
func (c *Core) Scheduler(log logrus.FieldLogger) *Scheduler {
	return NewScheduler(c.Lobbies, c.Teams, c.PreMatches, c.Clock, log)
}

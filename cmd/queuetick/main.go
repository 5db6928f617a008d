// cmd/queuetick/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/config"
	"github.com/jason-s-yu/cambia-matchmaker/internal/database"
	"github.com/jason-s-yu/cambia-matchmaker/internal/events"
	"github.com/jason-s-yu/cambia-matchmaker/internal/matchmaking"
)

// queuetick runs the matchmaking scheduler. Exactly one instance should run
// against a given cache.
func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	store, err := cache.Connect(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer store.Close()

	db, err := database.Connect(ctx, cfg.Postgres.ConnString(), logger)
	if err != nil {
		logger.Fatalf("postgres: %v", err)
	}
	defer db.Close()

	clock := clockwork.NewRealClock()
	publisher := events.NewRedisPublisher(store.Client(), logger)
	core := matchmaking.NewCore(cfg.Matchmaking, store, db.Directory(),
		db.Allocator(cfg.Matchmaking.MatchesPerServer), publisher, clock, logger)

	runner, err := matchmaking.NewRunner(core.Scheduler(logger), core.Players, matchmaking.RunnerConfig{
		TickInterval:  cfg.Matchmaking.TickInterval,
		SweepInterval: cfg.Matchmaking.DodgeSweepInterval,
		Clock:         clock,
	}, logger)
	if err != nil {
		logger.Fatalf("scheduler: %v", err)
	}

	runner.Start()
	logger.WithField("interval", cfg.Matchmaking.TickInterval).Info("queue tick started")
	<-ctx.Done()

	if err := runner.Shutdown(); err != nil {
		logger.WithError(err).Error("scheduler shutdown failed")
	}
	logger.WithField("ticks", runner.Ticks()).Info("queue tick stopped")
}

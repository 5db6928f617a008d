// cmd/db/maintenance.go runs one-off maintenance against the database and the
// matchmaking cache, e.g. after a queue tick outage.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/config"
	"github.com/jason-s-yu/cambia-matchmaker/internal/database"
	"github.com/jason-s-yu/cambia-matchmaker/internal/events"
	"github.com/jason-s-yu/cambia-matchmaker/internal/matchmaking"
)

const usage = `usage: db <command>

commands:
  migrate         apply the schema
  cancel-queues   cancel the queue of every lobby not held by a pre-match
  sweep-dodges    forget dodges older than the dodge window`

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	logger := logrus.New()
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.Connect(ctx, cfg.Postgres.ConnString(), logger)
	if err != nil {
		logger.Fatalf("postgres: %v", err)
	}
	defer db.Close()

	if os.Args[1] == "migrate" {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatalf("migrate: %v", err)
		}
		logger.Info("schema applied")
		return
	}

	store, err := cache.Connect(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer store.Close()
	core := matchmaking.NewCore(cfg.Matchmaking, store, db.Directory(),
		db.Allocator(cfg.Matchmaking.MatchesPerServer),
		events.NewRedisPublisher(store.Client(), logger), clockwork.NewRealClock(), logger)

	switch os.Args[1] {
	case "cancel-queues":
		n, err := core.Lobbies.CancelAllQueues(ctx)
		if err != nil {
			logger.Fatalf("cancel queues: %v", err)
		}
		logger.WithField("lobbies", n).Info("queues cancelled")
	case "sweep-dodges":
		n, err := core.Players.ClearStaleDodges(ctx)
		if err != nil {
			logger.Fatalf("sweep dodges: %v", err)
		}
		logger.WithField("players", n).Info("stale dodges cleared")
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/auth"
	"github.com/jason-s-yu/cambia-matchmaker/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaker/internal/config"
	"github.com/jason-s-yu/cambia-matchmaker/internal/database"
	"github.com/jason-s-yu/cambia-matchmaker/internal/events"
	"github.com/jason-s-yu/cambia-matchmaker/internal/handlers"
	"github.com/jason-s-yu/cambia-matchmaker/internal/matchmaking"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

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
	if err := db.Migrate(ctx); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	clock := clockwork.NewRealClock()
	publisher := events.NewRedisPublisher(store.Client(), logger)
	core := matchmaking.NewCore(cfg.Matchmaking, store, db.Directory(),
		db.Allocator(cfg.Matchmaking.MatchesPerServer), publisher, clock, logger)

	var signer *auth.Signer
	if cfg.JWTPrivateKeyPath != "" {
		signer, err = auth.LoadSigner(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.TokenExpire, clock)
	} else {
		logger.Warn("JWT key paths not set, generating an ephemeral key pair")
		signer, err = auth.NewSigner(cfg.TokenExpire, clock)
	}
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	api := handlers.NewAPIServer(handlers.Deps{
		Lobbies:    core.Lobbies,
		PreMatches: core.PreMatches,
		Signer:     signer,
		Events:     publisher,
		Presence:   db.Directory(),
		Log:        logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Running on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server exited: %v", err)
	}
}

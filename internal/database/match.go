// internal/database/match.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// Match statuses of the matches table.
const (
	MatchLoading = "loading"
	MatchRunning = "running"
)

// MatchAllocator creates matches on the servers listed in the servers table.
// A server is idle while it hosts fewer unfinished matches than the limit.
type MatchAllocator struct {
	pool             *pgxpool.Pool
	matchesPerServer int
	log              logrus.FieldLogger
}

func NewMatchAllocator(pool *pgxpool.Pool, matchesPerServer int, log logrus.FieldLogger) *MatchAllocator {
	return &MatchAllocator{pool: pool, matchesPerServer: matchesPerServer, log: log}
}

// FindIdleServer returns the first server below its match limit.
func (a *MatchAllocator) FindIdleServer(ctx context.Context) (models.Server, bool, error) {
	var s models.Server
	q := `
	SELECT s.id, s.name, s.ip, s.port
	FROM servers s
	WHERE (
		SELECT count(*) FROM matches m
		WHERE m.server_id = s.id AND m.status IN ($1, $2)
	) < $3
	ORDER BY s.id
	LIMIT 1
	`
	err := a.pool.QueryRow(ctx, q, MatchLoading, MatchRunning, a.matchesPerServer).
		Scan(&s.ID, &s.Name, &s.IP, &s.Port)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Server{}, false, nil
	}
	if err != nil {
		return models.Server{}, false, fmt.Errorf("find idle server: %w", err)
	}
	return s, true, nil
}

// CreateMatch inserts the match, both teams and every player with the level
// they had when the match was created.
func (a *MatchAllocator) CreateMatch(ctx context.Context, server models.Server, teamA, teamB models.Roster) (int64, error) {
	var matchID int64
	err := pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
		INSERT INTO matches (server_id, status, game_mode, game_type)
		VALUES ($1, $2, $3, $4)
		RETURNING id
		`
		if err := tx.QueryRow(ctx, q, server.ID, MatchLoading, string(teamA.Mode), string(teamA.Type)).Scan(&matchID); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
		for _, r := range []models.Roster{teamA, teamB} {
			if err := insertTeam(ctx, tx, matchID, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create match on server %d: %w", server.ID, err)
	}

	a.log.WithFields(logrus.Fields{
		"match_id":  matchID,
		"server_id": server.ID,
		"mode":      teamA.Mode,
	}).Info("match created")
	return matchID, nil
}

func insertTeam(ctx context.Context, tx pgx.Tx, matchID int64, r models.Roster) error {
	var teamID int64
	q := `INSERT INTO match_teams (match_id, name) VALUES ($1, $2) RETURNING id`
	if err := tx.QueryRow(ctx, q, matchID, r.Name).Scan(&teamID); err != nil {
		return fmt.Errorf("insert team %q: %w", r.Name, err)
	}

	batch := &pgx.Batch{}
	for _, userID := range r.PlayerIDs {
		batch.Queue(`
		INSERT INTO match_players (team_id, user_id, level, level_points)
		SELECT $1, a.user_id, a.level, a.level_points
		FROM accounts a
		WHERE a.user_id = $2
		`, teamID, userID)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for _, userID := range r.PlayerIDs {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("insert player %d: %w", userID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("insert player %d: %w", userID, models.NotFound("account", userID))
		}
	}
	return nil
}

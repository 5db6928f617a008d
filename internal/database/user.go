// internal/database/user.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// StatusOffline is the users.status of a user without a live session.
const StatusOffline = "offline"

// UserDirectory answers the user questions of the matchmaking core from the
// users and accounts tables.
type UserDirectory struct {
	db Querier
}

func NewUserDirectory(db Querier) *UserDirectory {
	return &UserDirectory{db: db}
}

func (d *UserDirectory) Exists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM users WHERE id=$1)`
	if err := d.db.QueryRow(ctx, q, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check user %d: %w", userID, err)
	}
	return exists, nil
}

// IsOnline reports a verified user with a status other than offline.
func (d *UserDirectory) IsOnline(ctx context.Context, userID int64) (bool, error) {
	var online bool
	q := `
	SELECT a.is_verified AND u.status <> $2
	FROM users u
	JOIN accounts a ON a.user_id = u.id
	WHERE u.id=$1
	`
	err := d.db.QueryRow(ctx, q, userID, StatusOffline).Scan(&online)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read status of user %d: %w", userID, err)
	}
	return online, nil
}

func (d *UserDirectory) IsVerified(ctx context.Context, userID int64) (bool, error) {
	var verified bool
	err := d.db.QueryRow(ctx, `SELECT is_verified FROM accounts WHERE user_id=$1`, userID).Scan(&verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read account of user %d: %w", userID, err)
	}
	return verified, nil
}

// SkillLevel returns the account level, 0 for a user without an account.
func (d *UserDirectory) SkillLevel(ctx context.Context, userID int64) (int, error) {
	var level int
	err := d.db.QueryRow(ctx, `SELECT level FROM accounts WHERE user_id=$1`, userID).Scan(&level)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read level of user %d: %w", userID, err)
	}
	return level, nil
}

// SetStatus updates users.status, e.g. when an event stream opens or closes.
func (d *UserDirectory) SetStatus(ctx context.Context, userID int64, status string) error {
	if _, err := d.db.Exec(ctx, `UPDATE users SET status=$1 WHERE id=$2`, status, userID); err != nil {
		return fmt.Errorf("set status of user %d: %w", userID, err)
	}
	return nil
}

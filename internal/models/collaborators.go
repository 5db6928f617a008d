// internal/models/collaborators.go
package models

import "context"

// Directory is the read side of the user/account service.
type Directory interface {
	Exists(ctx context.Context, userID int64) (bool, error)
	IsOnline(ctx context.Context, userID int64) (bool, error)
	IsVerified(ctx context.Context, userID int64) (bool, error)
	SkillLevel(ctx context.Context, userID int64) (int, error)
}

// Server is a game server able to host a match.
type Server struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Roster is one side of a match handed to the allocator.
type Roster struct {
	Name      string    `json:"name"`
	PlayerIDs []int64   `json:"player_ids"`
	Mode      Mode      `json:"mode"`
	Type      MatchType `json:"type"`
}

// Allocator creates real matches on game servers.
type Allocator interface {
	// FindIdleServer returns ok=false when no server can take a match.
	FindIdleServer(ctx context.Context) (server Server, ok bool, err error)
	CreateMatch(ctx context.Context, server Server, teamA, teamB Roster) (matchID int64, err error)
}

// CheckPlayable verifies that a user exists, is verified and online.
func CheckPlayable(ctx context.Context, dir Directory, userID int64) error {
	exists, err := dir.Exists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return NotFound("user", userID)
	}
	verified, err := dir.IsVerified(ctx, userID)
	if err != nil {
		return err
	}
	if !verified {
		return Invalid("a verified account is required to perform this action")
	}
	online, err := dir.IsOnline(ctx, userID)
	if err != nil {
		return err
	}
	if !online {
		return Invalid("offline user")
	}
	return nil
}

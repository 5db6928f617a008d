// internal/models/invite.go
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Invite is a pending lobby invitation. Its id is the composite "from:to".
type Invite struct {
	FromID    int64     `json:"from_id"`
	ToID      int64     `json:"to_id"`
	LobbyID   int64     `json:"lobby_id"`
	CreatedAt time.Time `json:"create_date"`
}

// ID returns the composite invite id.
func (i Invite) ID() string {
	return InviteID(i.FromID, i.ToID)
}

// InviteID formats a composite invite id.
func InviteID(fromID, toID int64) string {
	return fmt.Sprintf("%d:%d", fromID, toID)
}

// ParseInviteID splits a composite invite id.
func ParseInviteID(id string) (fromID, toID int64, err error) {
	from, to, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, Invalid("invalid invite id")
	}
	fromID, err = strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, Invalid("invalid invite id")
	}
	toID, err = strconv.ParseInt(to, 10, 64)
	if err != nil {
		return 0, 0, Invalid("invalid invite id")
	}
	return fromID, toID, nil
}

// internal/models/event.go
package models

import "time"

// EventType names a notification pushed to players.
type EventType string

const (
	EventLobbyUpdate    EventType = "lobby_update"
	EventInviteCreate   EventType = "invite_create"
	EventInviteDelete   EventType = "invite_delete"
	EventPlayerJoin     EventType = "player_join"
	EventPlayerLeave    EventType = "player_leave"
	EventQueueStart     EventType = "queue_start"
	EventPreMatchCreate EventType = "pre_match_create"
	EventPreMatchUpdate EventType = "pre_match_update"
	EventPreMatchDelete EventType = "pre_match_delete"
	EventMatchCreate    EventType = "match_create"
	EventToast          EventType = "toast"
	EventRestrictionSet EventType = "restriction_set"
	EventLobbyIDUpdate  EventType = "lobby_id_update"
)

// Event is a fire-and-forget notification addressed to a group of users.
type Event struct {
	Type    EventType   `json:"type"`
	UserIDs []int64     `json:"-"`
	Payload interface{} `json:"payload,omitempty"`
	SentAt  time.Time   `json:"sent_at"`
}

// Toast is the payload of an EventToast.
type Toast struct {
	Message string `json:"message"`
	Variant string `json:"variant"`
}

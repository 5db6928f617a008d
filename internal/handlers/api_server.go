// internal/handlers/api_server.go
package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/auth"
	"github.com/jason-s-yu/cambia-matchmaker/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaker/internal/middleware"
	"github.com/jason-s-yu/cambia-matchmaker/internal/prematch"
)

// Subscriber opens the event stream of one user.
type Subscriber interface {
	Subscribe(ctx context.Context, userID int64) *redis.PubSub
}

// Presence records whether a user holds an open event stream.
type Presence interface {
	SetStatus(ctx context.Context, userID int64, status string) error
}

// Deps wires an APIServer.
type Deps struct {
	Lobbies    *lobby.Service
	PreMatches *prematch.Service
	Signer     *auth.Signer
	Events     Subscriber
	// Presence is optional.
	Presence Presence
	Log      logrus.FieldLogger
}

// APIServer serves the HTTP surface of the matchmaking core.
type APIServer struct {
	lobbies    *lobby.Service
	preMatches *prematch.Service
	signer     *auth.Signer
	events     Subscriber
	presence   Presence
	log        logrus.FieldLogger

	// conns counts open event streams per user. The last stream to close
	// disconnects the user from its lobby.
	connsMu sync.Mutex
	conns   map[int64]int
}

func NewAPIServer(d Deps) *APIServer {
	return &APIServer{
		lobbies:    d.Lobbies,
		preMatches: d.PreMatches,
		signer:     d.Signer,
		events:     d.Events,
		presence:   d.Presence,
		log:        d.Log,
		conns:      make(map[int64]int),
	}
}

// Handler returns the routed and logged HTTP handler.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// lobby endpoints
	mux.HandleFunc("POST /lobby/create", s.CreateLobbyHandler())
	mux.HandleFunc("GET /lobby/current", s.CurrentLobbyHandler())
	mux.HandleFunc("GET /lobby/{id}", s.GetLobbyHandler())
	mux.HandleFunc("PATCH /lobby/{id}", s.UpdateLobbyHandler())
	mux.HandleFunc("POST /lobby/{id}/move", s.MoveHandler())
	mux.HandleFunc("POST /lobby/{id}/queue", s.StartQueueHandler())
	mux.HandleFunc("DELETE /lobby/{id}/queue", s.CancelQueueHandler())
	mux.HandleFunc("DELETE /lobby/{id}/players/{playerID}", s.KickHandler())
	mux.HandleFunc("DELETE /lobby/{id}/invites/{inviteID}", s.DeleteInviteHandler())

	// invite endpoints
	mux.HandleFunc("POST /invites", s.CreateInviteHandler())
	mux.HandleFunc("GET /invites", s.ListInvitesHandler())
	mux.HandleFunc("POST /invites/{id}/accept", s.AcceptInviteHandler())
	mux.HandleFunc("POST /invites/{id}/refuse", s.RefuseInviteHandler())

	// pre-match endpoints
	mux.HandleFunc("GET /prematch", s.GetPreMatchHandler())
	mux.HandleFunc("POST /prematch/lock-in", s.LockInHandler())
	mux.HandleFunc("POST /prematch/ready", s.ReadyHandler())

	// event stream
	mux.HandleFunc("GET /events/ws", s.EventsWSHandler())

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return middleware.LogMiddleware(s.log)(mux)
}

// internal/handlers/invite.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

type createInviteRequest struct {
	LobbyID int64 `json:"lobby_id"`
	ToID    int64 `json:"to_id"`
}

type inviteResponse struct {
	models.Invite
	ID string `json:"id"`
}

func inviteJSON(invites []models.Invite) []inviteResponse {
	out := make([]inviteResponse, 0, len(invites))
	for _, inv := range invites {
		out = append(out, inviteResponse{Invite: inv, ID: inv.ID()})
	}
	return out
}

// CreateInviteHandler invites to_id into lobby_id on behalf of the caller.
func (s *APIServer) CreateInviteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		var req createInviteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		inv, err := s.lobbies.Invite(r.Context(), req.LobbyID, userID, req.ToID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, inviteResponse{Invite: inv, ID: inv.ID()})
	}
}

func (s *APIServer) ListInvitesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		sent, received, err := s.lobbies.InvitesFor(r.Context(), userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sent":     inviteJSON(sent),
			"received": inviteJSON(received),
		})
	}
}

func (s *APIServer) AcceptInviteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		l, err := s.lobbies.AcceptInvite(r.Context(), userID, r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.lobbyJSON(w, r, l)
	}
}

func (s *APIServer) RefuseInviteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		if err := s.lobbies.RefuseInvite(r.Context(), userID, r.PathValue("id")); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// internal/handlers/lobby.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/cambia-matchmaker/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

type createLobbyRequest struct {
	Mode models.Mode      `json:"mode"`
	Type models.MatchType `json:"type"`
}

// lobbyResponse adds the derived fields clients render next to the lobby.
type lobbyResponse struct {
	*lobby.Lobby
	Overall   int   `json:"overall"`
	QueueTime int64 `json:"queue_time"`
}

func (s *APIServer) lobbyJSON(w http.ResponseWriter, r *http.Request, l *lobby.Lobby) {
	overall, err := s.lobbies.Overall(r.Context(), l)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lobbyResponse{
		Lobby:     l,
		Overall:   overall,
		QueueTime: int64(s.lobbies.QueueTime(l).Seconds()),
	})
}

// CreateLobbyHandler opens the lobby slot of the caller.
func (s *APIServer) CreateLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		var req createLobbyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		l, err := s.lobbies.Create(r.Context(), userID, req.Mode, req.Type)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.lobbyJSON(w, r, l)
	}
}

func (s *APIServer) CurrentLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		l, err := s.lobbies.CurrentLobby(r.Context(), userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.lobbyJSON(w, r, l)
	}
}

func (s *APIServer) GetLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.authenticate(w, r); !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		l, err := s.lobbies.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.lobbyJSON(w, r, l)
	}
}

type updateLobbyRequest struct {
	Public        *bool             `json:"is_public"`
	Mode          *models.Mode      `json:"mode"`
	Type          *models.MatchType `json:"type"`
	PlayersToDrop []int64           `json:"players_to_drop"`
}

// UpdateLobbyHandler applies owner-only settings. Mode is applied before type
// so that a new pair can be set in one request.
func (s *APIServer) UpdateLobbyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := s.ownedLobby(w, r)
		if !ok {
			return
		}
		var req updateLobbyRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var err error
		ctx := r.Context()
		if req.Public != nil {
			if *req.Public {
				l, err = s.lobbies.SetPublic(ctx, l.ID)
			} else {
				l, err = s.lobbies.SetPrivate(ctx, l.ID)
			}
			if err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		if req.Mode != nil {
			if l, err = s.lobbies.SetMode(ctx, l.ID, *req.Mode, req.PlayersToDrop); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		if req.Type != nil {
			if l, err = s.lobbies.SetType(ctx, l.ID, *req.Type); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		s.lobbyJSON(w, r, l)
	}
}

// MoveHandler moves the caller into the lobby of the path.
func (s *APIServer) MoveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if _, err := s.lobbies.Move(r.Context(), userID, id, false); err != nil {
			s.writeError(w, r, err)
			return
		}
		l, err := s.lobbies.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.lobbyJSON(w, r, l)
	}
}

func (s *APIServer) StartQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := s.memberLobby(w, r)
		if !ok {
			return
		}
		l, err := s.lobbies.StartQueue(r.Context(), l.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.lobbyJSON(w, r, l)
	}
}

func (s *APIServer) CancelQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := s.memberLobby(w, r)
		if !ok {
			return
		}
		l, err := s.lobbies.CancelQueue(r.Context(), l.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.lobbyJSON(w, r, l)
	}
}

func (s *APIServer) KickHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		playerID, ok := pathID(w, r, "playerID")
		if !ok {
			return
		}
		l, err := s.lobbies.Kick(r.Context(), userID, id, playerID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.lobbyJSON(w, r, l)
	}
}

func (s *APIServer) DeleteInviteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := s.ownedLobby(w, r)
		if !ok {
			return
		}
		if err := s.lobbies.DeleteInvite(r.Context(), l.ID, r.PathValue("inviteID")); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// memberLobby loads the lobby of the path and requires the caller in it.
func (s *APIServer) memberLobby(w http.ResponseWriter, r *http.Request) (*lobby.Lobby, bool) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return nil, false
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	l, err := s.lobbies.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if !l.HasPlayer(userID) {
		s.writeError(w, r, models.ErrForbidden)
		return nil, false
	}
	return l, true
}

// ownedLobby loads the lobby of the path and requires the caller to own it.
func (s *APIServer) ownedLobby(w http.ResponseWriter, r *http.Request) (*lobby.Lobby, bool) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return nil, false
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	l, err := s.lobbies.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if l.OwnerID != userID {
		s.writeError(w, r, models.ErrForbidden)
		return nil, false
	}
	return l, true
}

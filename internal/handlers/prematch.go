// internal/handlers/prematch.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
	"github.com/jason-s-yu/cambia-matchmaker/internal/prematch"
)

type preMatchResponse struct {
	*prematch.PreMatch
	State     models.PreMatchState `json:"state"`
	Countdown float64              `json:"countdown"`
}

func (s *APIServer) preMatchJSON(w http.ResponseWriter, pm *prematch.PreMatch) {
	writeJSON(w, http.StatusOK, preMatchResponse{
		PreMatch:  pm,
		State:     s.preMatches.State(pm),
		Countdown: s.preMatches.Countdown(pm).Seconds(),
	})
}

// GetPreMatchHandler returns the pre-match the caller belongs to.
func (s *APIServer) GetPreMatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		pm, err := s.preMatches.ByPlayer(r.Context(), userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.preMatchJSON(w, pm)
	}
}

func (s *APIServer) LockInHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		pm, err := s.preMatches.LockIn(r.Context(), userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.preMatchJSON(w, pm)
	}
}

// ReadyHandler marks the caller ready. The last ready player triggers match
// creation before the response is written.
func (s *APIServer) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		pm, err := s.preMatches.Ready(r.Context(), userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.preMatchJSON(w, pm)
	}
}

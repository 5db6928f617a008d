// internal/handlers/utils.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jason-s-yu/cambia-matchmaker/internal/auth"
	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// extractCookieToken extracts a named cookie value from "Cookie" header, or returns empty if not found.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}

// authenticate resolves the caller from the auth_token cookie. On failure
// the response is already written.
func (s *APIServer) authenticate(w http.ResponseWriter, r *http.Request) (int64, bool) {
	cookie := r.Header.Get("Cookie")
	if !strings.Contains(cookie, auth.CookieName+"=") {
		http.Error(w, "missing auth_token", http.StatusUnauthorized)
		return 0, false
	}
	userID, err := s.signer.AuthenticateJWT(extractCookieToken(cookie, auth.CookieName))
	if err != nil {
		http.Error(w, "invalid token", http.StatusForbidden)
		return 0, false
	}
	return userID, true
}

// pathID parses an int64 path value.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decodeBody reads an optional JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Detail string `json:"detail"`
}

// writeError maps the error taxonomy of the core to HTTP statuses.
func (s *APIServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: models.Reason(err)})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Detail: err.Error()})
	case errors.Is(err, models.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Detail: err.Error()})
	case errors.Is(err, models.ErrConcurrency):
		writeJSON(w, http.StatusConflict, errorBody{Detail: "the server is busy, try again"})
	case errors.Is(err, models.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "no server is available right now"})
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal error"})
	}
}

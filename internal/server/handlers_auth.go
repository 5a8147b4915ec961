package server

import (
	"net/http"

	"airp/internal/auth"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, days int) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   days * 24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.auth.Register(req.Username, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	token, _, err := s.auth.CreateUserSession(user.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.setSessionCookie(w, token, s.cfgMgr.Get().Server.UserSessionDays)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	token, _, err := s.auth.CreateUserSession(user.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.setSessionCookie(w, token, s.cfgMgr.Get().Server.UserSessionDays)
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		if err := s.auth.RevokeSession(cookie.Value); err != nil {
			s.logger.Warn("session revoke failed", "error", err)
		}
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  actor.UserID,
		"username": actor.Username,
		"guest_id": actor.GuestID,
		"is_guest": actor.IsGuest(),
	})
}

func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	token, session, err := s.auth.CreateGuestSession()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.setSessionCookie(w, token, s.cfgMgr.Get().Server.GuestSessionDays)
	writeJSON(w, http.StatusCreated, map[string]string{"guest_id": session.GuestID})
}

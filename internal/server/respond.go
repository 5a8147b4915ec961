package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"airp/internal/auth"
	"airp/internal/jobs"
	"airp/internal/novels"
)

type actorKey struct{}

// withActor resolves the session cookie into an Actor and stores it on
// the request context. Requests without a live session pass through
// with a zero actor; handlers that need one use requireActor.
func (s *Server) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(auth.CookieName); err == nil {
			if actor, ok := s.auth.ActorFromToken(cookie.Value); ok {
				s.auth.TouchSession(cookie.Value)
				r = r.WithContext(context.WithValue(r.Context(), actorKey{}, actor))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(r *http.Request) (auth.Actor, bool) {
	actor, ok := r.Context().Value(actorKey{}).(auth.Actor)
	return actor, ok
}

// requireActor admits any live session, user or guest.
func (s *Server) requireActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := actorFrom(r); !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

// requireUser admits registered users only.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(r)
		if !ok || !actor.IsUser() {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service sentinel errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, novels.ErrNotFound) || errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, novels.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, novels.ErrInvalidInput) || errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrJobBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrUsernameTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrBadCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// readJSON decodes a bounded JSON body into v.
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

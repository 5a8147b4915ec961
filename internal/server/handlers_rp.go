package server

import (
	"net/http"

	"airp/internal/auth"
	"airp/internal/novels"
	"airp/internal/rp"
)

type rpQueryRequest struct {
	NovelID string `json:"novel_id"`
	rp.QueryRequest
}

type rpRespondRequest struct {
	NovelID string `json:"novel_id"`
	rp.RespondRequest
}

// rpAccess checks read access and returns the retrieval service plus
// the actor-scoped session store for one novel.
func (s *Server) rpAccess(w http.ResponseWriter, r *http.Request, novelID string) (*rp.Service, *rp.SessionStore, bool) {
	actor, _ := actorFrom(r)

	if novelID == "" {
		writeError(w, http.StatusBadRequest, "novel_id is required")
		return nil, nil, false
	}
	canRead, err := s.novels.CanRead(actor.UserID, novelID)
	if err != nil {
		writeServiceError(w, err)
		return nil, nil, false
	}
	if !canRead {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, nil, false
	}

	rec, err := s.novels.Get(novelID)
	if err != nil {
		writeServiceError(w, err)
		return nil, nil, false
	}
	if rec.Status != novels.StatusReady {
		writeError(w, http.StatusConflict, "novel is not ready for queries")
		return nil, nil, false
	}

	svc, err := s.rpCache.Get(novelID)
	if err != nil {
		writeServiceError(w, err)
		return nil, nil, false
	}
	sessions, ok := s.sessionStore(w, actor, novelID)
	if !ok {
		return nil, nil, false
	}
	return svc, sessions, true
}

func (s *Server) sessionStore(w http.ResponseWriter, actor auth.Actor, novelID string) (*rp.SessionStore, bool) {
	scopeDir, err := s.home.SessionScopeDir(actor.UserID, actor.GuestID, novelID)
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	sessions, err := rp.NewSessionStore(scopeDir)
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return sessions, true
}

func (s *Server) handleQueryContext(w http.ResponseWriter, r *http.Request) {
	var req rpQueryRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "message and session_id are required")
		return
	}

	svc, sessions, ok := s.rpAccess(w, r, req.NovelID)
	if !ok {
		return
	}
	result, err := svc.QueryContext(r.Context(), sessions, req.QueryRequest)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req rpRespondRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "message and session_id are required")
		return
	}

	svc, sessions, ok := s.rpAccess(w, r, req.NovelID)
	if !ok {
		return
	}
	result, err := svc.Respond(r.Context(), sessions, req.RespondRequest)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetSession inspects session state. It needs no retrieval
// service, only read access to the novel the session is scoped to.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	novelID := r.URL.Query().Get("novel_id")
	if novelID == "" {
		writeError(w, http.StatusBadRequest, "novel_id is required")
		return
	}
	canRead, err := s.novels.CanRead(actor.UserID, novelID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !canRead {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sessions, ok := s.sessionStore(w, actor, novelID)
	if !ok {
		return
	}
	state, err := sessions.Load(r.PathValue("session_id"), 0)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

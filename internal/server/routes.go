package server

import "net/http"

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/me", s.requireActor(s.handleMe))
	mux.HandleFunc("POST /auth/guest", s.handleGuest)

	mux.HandleFunc("GET /novels", s.requireUser(s.handleListNovels))
	mux.HandleFunc("POST /novels", s.requireUser(s.handleCreateNovel))
	mux.HandleFunc("GET /novels/{id}", s.requireUser(s.handleGetNovel))
	mux.HandleFunc("PATCH /novels/{id}", s.requireUser(s.handleUpdateNovel))
	mux.HandleFunc("DELETE /novels/{id}", s.requireUser(s.handleDeleteNovel))
	mux.HandleFunc("POST /novels/{id}/upload", s.requireUser(s.handleUpload))
	mux.HandleFunc("POST /novels/{id}/pipeline/run", s.requireUser(s.handleRunPipeline))

	mux.HandleFunc("GET /public/novels", s.handleListPublicNovels)
	mux.HandleFunc("GET /public/novels/{id}", s.handleGetPublicNovel)

	mux.HandleFunc("GET /jobs/{id}", s.requireUser(s.handleGetJob))
	mux.HandleFunc("GET /jobs/{id}/logs", s.requireUser(s.handleJobLogs))

	mux.HandleFunc("POST /rp/query-context", s.requireActor(s.handleQueryContext))
	mux.HandleFunc("POST /rp/respond", s.requireActor(s.handleRespond))
	mux.HandleFunc("GET /rp/session/{session_id}", s.requireActor(s.handleGetSession))

	return s.withActor(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

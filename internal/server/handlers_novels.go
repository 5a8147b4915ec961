package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"airp/internal/db"
	"airp/internal/novels"
	"airp/internal/textutil"
)

func (s *Server) handleListNovels(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	list, err := s.novels.ListByOwner(actor.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"novels": list})
}

func (s *Server) handleCreateNovel(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	var req struct {
		Title string `json:"title"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.novels.Create(actor.UserID, req.Title)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetNovel(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	rec, err := s.novels.AssertOwner(actor.UserID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateNovel(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	var req struct {
		Title      *string `json:"title"`
		Visibility *string `json:"visibility"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.novels.Update(actor.UserID, r.PathValue("id"), req.Title, req.Visibility)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteNovel(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	novelID := r.PathValue("id")
	if err := s.novels.Delete(actor.UserID, novelID, true); err != nil {
		writeServiceError(w, err)
		return
	}
	s.rpCache.Invalidate(novelID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListPublicNovels(w http.ResponseWriter, r *http.Request) {
	list, err := s.novels.ListPublic()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"novels": list})
}

func (s *Server) handleGetPublicNovel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.novels.Get(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if rec.Visibility != novels.VisibilityPublic {
		writeError(w, http.StatusNotFound, "novel not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUpload receives the novel source as a multipart .txt file. The
// file lands at the fixed source path regardless of its upload name.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	novelID := r.PathValue("id")

	if _, err := s.novels.AssertOwner(actor.UserID, novelID); err != nil {
		writeServiceError(w, err)
		return
	}

	maxBytes := int64(s.cfgMgr.Get().Server.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".txt") {
		writeError(w, http.StatusBadRequest, "only .txt files are accepted")
		return
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if _, err := textutil.DecodeText(raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("undecodable text: %v", err))
		return
	}

	paths, err := s.home.EnsureNovelDirs(actor.UserID, novelID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(paths.SourceFile), 0o755); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := os.WriteFile(paths.SourceFile, raw, 0o644); err != nil {
		writeServiceError(w, err)
		return
	}

	rec, err := s.novels.SetSource(actor.UserID, novelID, map[string]any{
		"filename":    header.Filename,
		"size_bytes":  len(raw),
		"uploaded_at": db.UTCNow(),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

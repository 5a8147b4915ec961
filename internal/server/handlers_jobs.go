package server

import (
	"net/http"
	"strconv"

	"airp/internal/pipeline"
)

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	novelID := r.PathValue("id")

	if _, err := s.novels.AssertOwner(actor.UserID, novelID); err != nil {
		writeServiceError(w, err)
		return
	}

	var spec pipeline.RunSpec
	if r.ContentLength != 0 {
		if err := readJSON(r, &spec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if spec.Step < 0 || spec.Step > 5 {
		writeError(w, http.StatusBadRequest, "step must be between 1 and 5")
		return
	}

	job, err := s.sched.Start(actor.UserID, novelID, spec)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	job, err := s.sched.Get(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if job.OwnerUserID != actor.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r)
	jobID := r.PathValue("id")

	lines := 0
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 2000 {
			writeError(w, http.StatusBadRequest, "lines must be between 1 and 2000")
			return
		}
		lines = n
	}

	job, err := s.sched.Get(jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if job.OwnerUserID != actor.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	tail, err := s.sched.TailLogs(jobID, lines)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"lines":  tail,
	})
}

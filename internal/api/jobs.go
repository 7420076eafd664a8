package api

import (
	"net/http"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "processing is not configured")
		return
	}
	in, err := s.readUpload(w, r)
	if err != nil {
		uploadFailed(w, r, err)
		return
	}
	info, err := s.jobs.Submit(in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+info.ID)
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "processing is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.jobs.List())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "processing is not configured")
		return
	}
	info, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "processing is not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.jobs.Cancel(id); err != nil {
		writeErr(w, r, err)
		return
	}
	info, err := s.jobs.Get(id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

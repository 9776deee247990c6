package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

type createJobRequest struct {
	JobType string          `json:"job_type"`
	Input   json.RawMessage `json:"input"`
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if strings.TrimSpace(req.JobType) == "" {
		writeErr(w, http.StatusUnprocessableEntity, fmt.Errorf("%w: job_type is required", model.ErrInvalidInput))
		return
	}
	job, err := s.Jobs.Submit(r.Context(), req.JobType, req.Input)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var f model.JobFilter
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(raw)
		if !parsed.Valid() {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
		f.Status = &parsed
	}
	f.Type = strings.TrimSpace(r.URL.Query().Get("job_type"))
	limit, err := queryInt(r, "limit", 25, 100)
	if err != nil || limit == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", r.URL.Query().Get("limit")))
		return
	}
	f.Limit = limit

	jobs, err := s.Jobs.List(r.Context(), f)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleJobLog pages through a job's log. Clients poll with after_seq set
// to the previous next_after_seq.
func (s Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	var afterSeq int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid after_seq: %s", raw))
			return
		}
		afterSeq = v
	}
	limit, err := queryInt(r, "limit", 200, 1000)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	entries, err := s.Jobs.Log(r.Context(), chi.URLParam(r, "id"), afterSeq, limit)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	next := afterSeq
	if n := len(entries); n > 0 {
		next = entries[n-1].Seq
	}
	if entries == nil {
		entries = []model.JobLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":          entries,
		"next_after_seq": next,
	})
}

func (s Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, requested, err := s.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"cancel_requested": requested,
		"job":              job,
	})
}

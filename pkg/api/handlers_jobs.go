package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/ciforge/pkg/apierr"
	"github.com/cuemby/ciforge/pkg/types"
)

// jobSummary is spec.md §6's JSON shape for both the list and detail
// endpoints: timestamps are RFC 3339 UTC with a trailing "Z", and absent
// timestamps/success are rendered as null rather than as zero values.
type jobSummary struct {
	JobID     string  `json:"job_id"`
	Status    string  `json:"status"`
	Success   *bool   `json:"success"`
	StartTime *string `json:"start_time"`
	EndTime   *string `json:"end_time"`
}

func newJobSummary(job *types.Job) jobSummary {
	return jobSummary{
		JobID:     job.ID,
		Status:    string(job.Status),
		Success:   job.Success,
		StartTime: formatTime(job.StartedAt),
		EndTime:   formatTime(job.FinishedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// handleListJobs implements GET /jobs: every job owned by the caller,
// newest-started first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	jobs, err := s.store.ListJobsByUser(user.ID)
	if err != nil {
		writeError(w, apierr.New(http.StatusInternalServerError, "failed to list jobs"))
		return
	}

	summaries := make([]jobSummary, len(jobs))
	for i, job := range jobs {
		summaries[i] = newJobSummary(job)
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleGetJob implements GET /jobs/{id}, checking existence before
// ownership per spec.md §7: 404 if the job does not exist, 403 if it
// belongs to another user.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	user := userFromContext(r.Context())

	job, err := s.store.GetJob(jobID)
	if err != nil {
		writeError(w, apierr.ErrNotFound)
		return
	}
	if job.UserID != user.ID {
		writeError(w, apierr.ErrForbidden)
		return
	}

	writeJSON(w, http.StatusOK, newJobSummary(job))
}

package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/ciforge/pkg/apierr"
	"github.com/cuemby/ciforge/pkg/metrics"
	"github.com/cuemby/ciforge/pkg/types"
)

type submitMode int

const (
	submitModeSSE submitMode = iota
	submitModeSSEWithJobID
	submitModeAsync
)

// handleSubmit implements all three submit variants from spec.md §4.4:
// stash the uploaded archive, create a queued Job, then either return the
// id (async) or open an SSE stream for it.
func (s *Server) handleSubmit(mode submitMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFromContext(r.Context())

		archivePath, err := s.stashUpload(r)
		if err != nil {
			writeError(w, apierr.Validation(err.Error()))
			return
		}

		job := &types.Job{
			ID:          uuid.NewString(),
			UserID:      user.ID,
			Status:      types.JobStatusQueued,
			ArchivePath: archivePath,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.CreateJob(job); err != nil {
			writeError(w, apierr.New(http.StatusInternalServerError, "failed to create job"))
			return
		}
		metrics.JobsSubmittedTotal.Inc()

		switch mode {
		case submitModeAsync:
			writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID})
		case submitModeSSEWithJobID:
			s.streamJob(w, r, job.ID, true)
		default:
			s.streamJob(w, r, job.ID, false)
		}
	}
}

// stashUpload reads the "file" multipart part into a uniquely named file
// under the process-wide scratch root, rejecting bodies over
// CI_MAX_ARCHIVE_BYTES.
func (s *Server) stashUpload(r *http.Request) (string, error) {
	file, _, err := r.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("missing multipart field \"file\": %w", err)
	}
	defer file.Close()

	scratchDir := os.TempDir()
	archivePath := filepath.Join(scratchDir, fmt.Sprintf("ci_job_%s_upload.zip", uuid.NewString()))

	dst, err := os.OpenFile(archivePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to stage archive: %w", err)
	}
	defer dst.Close()

	limited := io.LimitReader(file, s.cfg.MaxArchiveBytes+1)
	n, err := io.Copy(dst, limited)
	if err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if n > s.cfg.MaxArchiveBytes {
		os.Remove(archivePath)
		return "", fmt.Errorf("archive exceeds maximum size of %d bytes", s.cfg.MaxArchiveBytes)
	}

	return archivePath, nil
}

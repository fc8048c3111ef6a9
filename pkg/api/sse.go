package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/ciforge/pkg/apierr"
	"github.com/cuemby/ciforge/pkg/metrics"
	"github.com/cuemby/ciforge/pkg/types"
)

const (
	waitForStartGrace     = 30 * time.Second
	waitForStartPoll      = 500 * time.Millisecond
	finalizationWaitGrace = 15 * time.Second
	finalizationWaitPoll  = 500 * time.Millisecond
)

// sseWriter frames JSON payloads as text/event-stream and flushes after
// every write so the client sees bytes as soon as they're produced.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(event map[string]any) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

func (s *sseWriter) log(line string)      { s.send(map[string]any{"type": "log", "data": line}) }
func (s *sseWriter) jobID(id string)      { s.send(map[string]any{"type": "job_id", "job_id": id}) }
func (s *sseWriter) complete(success bool) { s.send(map[string]any{"type": "complete", "success": success}) }

// handleStream implements GET /jobs/{id}/stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	user := userFromContext(r.Context())

	// spec.md §7: 404-before-403 — 404 if the job does not exist, 403 if
	// it belongs to another user.
	job, err := s.store.GetJob(jobID)
	if err != nil {
		writeError(w, apierr.ErrNotFound)
		return
	}
	if job.UserID != user.ID {
		writeError(w, apierr.ErrForbidden)
		return
	}

	fromBeginning := r.URL.Query().Get("from_beginning") == "true"
	s.streamJobFrom(w, r, jobID, false, fromBeginning)
}

// streamJob is the entry point used by the submit handlers, which already
// own the job they just created; it streams with fromBeginning=true, so a
// job that is already terminal by the time it starts has its full log
// replayed.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request, jobID string, emitJobID bool) {
	s.streamJobFrom(w, r, jobID, emitJobID, true)
}

// streamJobFrom implements spec.md §4.4.1's algorithm: wait for the job to
// start, fast-path a terminal job, forward live output, then wait briefly
// for finalization after the sandbox log ends.
func (s *Server) streamJobFrom(w http.ResponseWriter, r *http.Request, jobID string, emitJobID, fromBeginning bool) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, apierr.New(http.StatusInternalServerError, "streaming unsupported"))
		return
	}

	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	if emitJobID {
		sse.jobID(jobID)
	}

	ctx := r.Context()

	job, err := s.store.GetJob(jobID)
	if err != nil {
		sse.log("Job not found.")
		sse.complete(false)
		return
	}

	job, ok = s.waitForStart(ctx, sse, jobID)
	if !ok {
		return
	}

	if job.Status.Terminal() {
		s.streamTerminal(ctx, sse, job, fromBeginning)
		return
	}

	if job.Status == types.JobStatusRunning && job.SandboxName != "" {
		if !s.streamLive(ctx, sse, job) {
			return // client disconnected; no complete event required
		}
		s.waitForFinalization(ctx, sse, jobID)
		return
	}

	// Running with no sandbox name yet is an internal invariant violation;
	// treat it the same as never having started.
	sse.complete(false)
}

// waitForStart polls until the job leaves queued, or the grace period
// elapses. Returns ok=false once a terminal response has already been
// written to the client (missing job).
func (s *Server) waitForStart(ctx context.Context, sse *sseWriter, jobID string) (*types.Job, bool) {
	deadline := time.Now().Add(waitForStartGrace)
	for {
		job, err := s.store.GetJob(jobID)
		if err != nil {
			sse.log("Job not found.")
			sse.complete(false)
			return nil, false
		}
		if job.Status != types.JobStatusQueued || time.Now().After(deadline) {
			return job, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(waitForStartPoll):
		}
	}
}

// streamTerminal implements the terminal fast path: either a single
// "already completed" notice, or the full historical log replay.
func (s *Server) streamTerminal(ctx context.Context, sse *sseWriter, job *types.Job, fromBeginning bool) {
	success := job.Success != nil && *job.Success

	if !fromBeginning {
		sse.log("Job already completed.")
		sse.complete(success)
		return
	}

	if job.SandboxName != "" {
		reader, err := s.driver.StreamLogs(ctx, job.SandboxName, false)
		if err != nil {
			sse.log("No logs available.")
		} else {
			defer reader.Close()
			forwardLines(sse, reader)
		}
	} else {
		sse.log("No logs available.")
	}
	sse.complete(success)
}

// streamLive forwards the sandbox's live output until it ends (the
// sandbox exited) or the client disconnects. Returns false on disconnect.
// It streams with follow=true, so the reader itself blocks for new output
// instead of returning early just because it caught up to what had been
// written so far.
func (s *Server) streamLive(ctx context.Context, sse *sseWriter, job *types.Job) bool {
	reader, err := s.driver.StreamLogs(ctx, job.SandboxName, true)
	if err != nil {
		sse.log("No logs available.")
		return true
	}
	defer reader.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return true
			}
			sse.log(line)
		}
	}
}

// waitForFinalization polls the store for up to finalizationWaitGrace for
// the controller to set Success, emitting the terminal complete event with
// whatever value is observed (false if still unset on timeout).
func (s *Server) waitForFinalization(ctx context.Context, sse *sseWriter, jobID string) {
	deadline := time.Now().Add(finalizationWaitGrace)
	for {
		job, err := s.store.GetJob(jobID)
		if err == nil && job.Success != nil {
			sse.complete(*job.Success)
			return
		}
		if time.Now().After(deadline) {
			sse.complete(false)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(finalizationWaitPoll):
		}
	}
}

func forwardLines(sse *sseWriter, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sse.log(scanner.Text())
	}
}

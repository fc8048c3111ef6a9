package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ciforge/pkg/config"
	"github.com/cuemby/ciforge/pkg/types"
)

func newUploadRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "archive.zip")
	require.NoError(t, err)
	_, err = part.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/submit-async", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func withUser(r *http.Request, user *types.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userCtxKey, user))
}

func TestHandleSubmitAsyncCreatesQueuedJob(t *testing.T) {
	store := newFakeStore()
	user := &types.User{ID: "user-1", IsActive: true}
	require.NoError(t, store.CreateUser(user))

	s := &Server{store: store, cfg: config.Config{MaxArchiveBytes: 1024}}

	req := withUser(newUploadRequest(t, []byte("pretend zip bytes")), user)
	w := httptest.NewRecorder()

	s.handleSubmit(submitModeAsync)(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	jobID := resp["job_id"]
	assert.NotEmpty(t, jobID)

	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	assert.Equal(t, user.ID, job.UserID)
	assert.NotEmpty(t, job.ArchivePath)
}

func TestHandleSubmitMissingFile(t *testing.T) {
	store := newFakeStore()
	user := &types.User{ID: "user-1", IsActive: true}
	require.NoError(t, store.CreateUser(user))

	s := &Server{store: store, cfg: config.Config{MaxArchiveBytes: 1024}}

	req := withUser(httptest.NewRequest(http.MethodPost, "/submit-async", nil), user)
	w := httptest.NewRecorder()

	s.handleSubmit(submitModeAsync)(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleSubmitRejectsOversizedArchive(t *testing.T) {
	store := newFakeStore()
	user := &types.User{ID: "user-1", IsActive: true}
	require.NoError(t, store.CreateUser(user))

	s := &Server{store: store, cfg: config.Config{MaxArchiveBytes: 4}}

	req := withUser(newUploadRequest(t, []byte("this is way more than four bytes")), user)
	w := httptest.NewRecorder()

	s.handleSubmit(submitModeAsync)(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	jobs, err := store.ListJobsByUser(user.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs, "an oversized upload must not leave behind a queued job")
}

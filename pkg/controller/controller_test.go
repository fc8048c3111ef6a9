package controller

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ciforge/pkg/sandbox"
	"github.com/cuemby/ciforge/pkg/storage"
	"github.com/cuemby/ciforge/pkg/types"
)

// fakeStore is an in-memory storage.Store used only by controller tests.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*types.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*types.Job{}}
}

func (s *fakeStore) CreateUser(*types.User) error                       { return nil }
func (s *fakeStore) GetUser(string) (*types.User, error)                { return nil, fmt.Errorf("not found") }
func (s *fakeStore) GetUserByEmail(string) (*types.User, error)         { return nil, fmt.Errorf("not found") }
func (s *fakeStore) ListUsers() ([]*types.User, error)                  { return nil, nil }
func (s *fakeStore) UpdateUser(*types.User) error                       { return nil }
func (s *fakeStore) CreateApiKey(*types.ApiKey) error                   { return nil }
func (s *fakeStore) GetApiKey(string) (*types.ApiKey, error)            { return nil, fmt.Errorf("not found") }
func (s *fakeStore) GetApiKeyByHash(string) (*types.ApiKey, error)      { return nil, fmt.Errorf("not found") }
func (s *fakeStore) ListApiKeysByUser(string) ([]*types.ApiKey, error)  { return nil, nil }
func (s *fakeStore) UpdateApiKey(*types.ApiKey) error                   { return nil }
func (s *fakeStore) DeleteApiKey(string) error                          { return nil }
func (s *fakeStore) Close() error                                       { return nil }

func (s *fakeStore) CreateJob(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) GetJob(id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	return j, nil
}

func (s *fakeStore) ListJobsByUser(userID string) ([]*types.Job, error) {
	return s.ListJobs()
}

func (s *fakeStore) ListJobs() ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Job
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *fakeStore) UpdateJob(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) Stats() (storage.Stats, error) {
	return storage.Stats{}, nil
}

// fakeDriver is an in-memory sandbox.Driver used only by controller tests.
type fakeDriver struct {
	mu        sync.Mutex
	sandboxes map[string]*types.SandboxInfo
	createErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{sandboxes: map[string]*types.SandboxInfo{}}
}

func (d *fakeDriver) Create(ctx context.Context, name, archivePath string) error {
	if d.createErr != nil {
		return d.createErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sandboxes[name] = &types.SandboxInfo{Name: name, State: types.SandboxStateRunning}
	return nil
}

func (d *fakeDriver) Start(ctx context.Context, name string) error {
	return nil
}

func (d *fakeDriver) Inspect(ctx context.Context, name string) (types.SandboxInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info, ok := d.sandboxes[name]; ok {
		return *info, nil
	}
	return types.SandboxInfo{Name: name, State: types.SandboxStateAbsent}, nil
}

func (d *fakeDriver) StreamLogs(ctx context.Context, name string, follow bool) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not supported in fake driver")
}

func (d *fakeDriver) Remove(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sandboxes, name)
	return nil
}

func (d *fakeDriver) ListOwned(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for name := range d.sandboxes {
		names = append(names, name)
	}
	return names, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) finish(name string, exitCode int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sandboxes[name] = &types.SandboxInfo{Name: name, State: types.SandboxStateExited, ExitCode: &exitCode}
}

func TestReconcileStartsQueuedJob(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	job := &types.Job{ID: uuid.NewString(), Status: types.JobStatusQueued, ArchivePath: "/tmp/archive"}
	require.NoError(t, store.CreateJob(job))

	c := New(store, driver, sandbox.DefaultPrefix, time.Hour, time.Hour)
	c.reconcile(context.Background())

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
	assert.NotEmpty(t, got.SandboxName)
}

func TestReconcileFinalizesSuccessfulJob(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	name := sandbox.NameFor(sandbox.DefaultPrefix, "job-1")
	started := time.Now().UTC().Add(-time.Minute)
	job := &types.Job{ID: "job-1", Status: types.JobStatusRunning, SandboxName: name, StartedAt: &started}
	require.NoError(t, store.CreateJob(job))
	driver.finish(name, 0)

	c := New(store, driver, sandbox.DefaultPrefix, time.Hour, time.Hour)
	c.reconcile(context.Background())

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Success)
	assert.True(t, *got.Success)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestReconcileFailsJobOnNonZeroExit(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	name := sandbox.NameFor(sandbox.DefaultPrefix, "job-2")
	job := &types.Job{ID: "job-2", Status: types.JobStatusRunning, SandboxName: name}
	require.NoError(t, store.CreateJob(job))
	driver.finish(name, 1)

	c := New(store, driver, sandbox.DefaultPrefix, time.Hour, time.Hour)
	c.reconcile(context.Background())

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
}

func TestReconcileMarksFailedWhenSandboxDisappears(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	name := sandbox.NameFor(sandbox.DefaultPrefix, "job-3")
	job := &types.Job{ID: "job-3", Status: types.JobStatusRunning, SandboxName: name}
	require.NoError(t, store.CreateJob(job))
	// never created in the driver -> reports absent

	c := New(store, driver, sandbox.DefaultPrefix, time.Hour, time.Hour)
	c.reconcile(context.Background())

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
}

func TestReconcileRemovesOrphanedSandbox(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	orphanID := uuid.NewString()
	orphanName := sandbox.NameFor(sandbox.DefaultPrefix, orphanID)
	driver.sandboxes[orphanName] = &types.SandboxInfo{Name: orphanName, State: types.SandboxStateExited}

	c := New(store, driver, sandbox.DefaultPrefix, time.Hour, time.Hour)
	c.reconcile(context.Background())

	owned, err := driver.ListOwned(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, owned, orphanName)
}

// TestReconcileDoesNotOrphanFinalizedJobSandbox reproduces the bug where a
// second reconcile cycle, run right after a job finalizes, treated its
// just-finalized sandbox as unclaimed and removed it before any late log
// reader got a chance to see it.
func TestReconcileDoesNotOrphanFinalizedJobSandbox(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	name := sandbox.NameFor(sandbox.DefaultPrefix, "job-1")
	started := time.Now().UTC().Add(-time.Minute)
	job := &types.Job{ID: "job-1", Status: types.JobStatusRunning, SandboxName: name, StartedAt: &started}
	require.NoError(t, store.CreateJob(job))
	driver.finish(name, 0)

	c := New(store, driver, sandbox.DefaultPrefix, time.Hour, time.Hour)
	c.reconcile(context.Background())
	c.reconcile(context.Background())

	owned, err := driver.ListOwned(context.Background())
	require.NoError(t, err)
	assert.Contains(t, owned, name, "a finalized job's sandbox must survive until its retention window passes")

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, name, got.SandboxName)
}

// TestReconcileReapsSandboxPastRetention verifies the explicit retention
// sweep, as opposed to the ordinary orphan sweep, is what eventually
// removes a finalized job's sandbox.
func TestReconcileReapsSandboxPastRetention(t *testing.T) {
	store := newFakeStore()
	driver := newFakeDriver()
	name := sandbox.NameFor(sandbox.DefaultPrefix, "job-1")
	finished := time.Now().UTC().Add(-time.Hour)
	success := true
	job := &types.Job{
		ID:          "job-1",
		Status:      types.JobStatusCompleted,
		SandboxName: name,
		FinishedAt:  &finished,
		Success:     &success,
	}
	require.NoError(t, store.CreateJob(job))
	driver.sandboxes[name] = &types.SandboxInfo{Name: name, State: types.SandboxStateExited}

	c := New(store, driver, sandbox.DefaultPrefix, time.Hour, time.Minute)
	c.reconcile(context.Background())

	owned, err := driver.ListOwned(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, owned, name, "a sandbox past its retention window should be reaped")

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SandboxName)
}

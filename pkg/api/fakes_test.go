package api

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cuemby/ciforge/pkg/storage"
	"github.com/cuemby/ciforge/pkg/types"
)

// fakeStore is an in-memory storage.Store used by the handler and SSE
// tests in this package.
type fakeStore struct {
	mu    sync.Mutex
	users map[string]*types.User
	keys  map[string]*types.ApiKey
	jobs  map[string]*types.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]*types.User{},
		keys:  map[string]*types.ApiKey{},
		jobs:  map[string]*types.Job{},
	}
}

func (s *fakeStore) CreateUser(u *types.User) error { s.mu.Lock(); defer s.mu.Unlock(); s.users[u.ID] = u; return nil }
func (s *fakeStore) GetUser(id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", id)
}
func (s *fakeStore) GetUserByEmail(string) (*types.User, error) { return nil, fmt.Errorf("not found") }
func (s *fakeStore) ListUsers() ([]*types.User, error)          { return nil, nil }
func (s *fakeStore) UpdateUser(u *types.User) error             { s.mu.Lock(); defer s.mu.Unlock(); s.users[u.ID] = u; return nil }

func (s *fakeStore) CreateApiKey(k *types.ApiKey) error { s.mu.Lock(); defer s.mu.Unlock(); s.keys[k.ID] = k; return nil }
func (s *fakeStore) GetApiKey(id string) (*types.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("key not found: %s", id)
}
func (s *fakeStore) GetApiKeyByHash(hash string) (*types.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return k, nil
		}
	}
	return nil, fmt.Errorf("key not found for hash")
}
func (s *fakeStore) ListApiKeysByUser(string) ([]*types.ApiKey, error) { return nil, nil }
func (s *fakeStore) UpdateApiKey(k *types.ApiKey) error                { s.mu.Lock(); defer s.mu.Unlock(); s.keys[k.ID] = k; return nil }
func (s *fakeStore) DeleteApiKey(id string) error                      { s.mu.Lock(); defer s.mu.Unlock(); delete(s.keys, id); return nil }

func (s *fakeStore) CreateJob(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}
func (s *fakeStore) GetJob(id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j, nil
	}
	return nil, fmt.Errorf("job not found: %s", id)
}
func (s *fakeStore) ListJobsByUser(userID string) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Job
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out, nil
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
func (s *fakeStore) Stats() (storage.Stats, error) { return storage.Stats{}, nil }
func (s *fakeStore) Close() error                  { return nil }

// fakeDriver is an in-memory sandbox.Driver used by the SSE tests.
type fakeDriver struct {
	mu   sync.Mutex
	logs map[string]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{logs: map[string]string{}}
}

func (d *fakeDriver) Create(ctx context.Context, name, archivePath string) error { return nil }
func (d *fakeDriver) Start(ctx context.Context, name string) error              { return nil }
func (d *fakeDriver) Inspect(ctx context.Context, name string) (types.SandboxInfo, error) {
	return types.SandboxInfo{Name: name, State: types.SandboxStateAbsent}, nil
}

// StreamLogs ignores follow: tests that exercise streamLive pre-populate
// the store's job with a terminal Success before calling in, so a finite
// reader correctly models "the tail caught up and the sandbox is gone" for
// the purposes of the SSE handler glue under test. The actual blocking
// tail behavior lives in pkg/sandbox and is tested there directly.
func (d *fakeDriver) StreamLogs(ctx context.Context, name string, follow bool) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.logs[name]
	if !ok {
		return nil, fmt.Errorf("no logs for sandbox %s", name)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (d *fakeDriver) Remove(ctx context.Context, name string) error           { return nil }
func (d *fakeDriver) ListOwned(ctx context.Context) ([]string, error)         { return nil, nil }
func (d *fakeDriver) Close() error                                            { return nil }

func (d *fakeDriver) setLog(name, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs[name] = content
}

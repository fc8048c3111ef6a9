package storage

import (
	"github.com/cuemby/ciforge/pkg/types"
)

// Store defines the interface for durable CI service state.
//
// Implementations must serialize each method to a single transaction;
// no caller-visible operation may span more than one.
type Store interface {
	// Users
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(user *types.User) error

	// API keys
	CreateApiKey(key *types.ApiKey) error
	GetApiKey(id string) (*types.ApiKey, error)
	GetApiKeyByHash(keyHash string) (*types.ApiKey, error)
	ListApiKeysByUser(userID string) ([]*types.ApiKey, error)
	UpdateApiKey(key *types.ApiKey) error
	DeleteApiKey(id string) error

	// Jobs. ListJobs and ListJobsByUser are ordered by start_time desc,
	// with not-yet-started (nil StartedAt) jobs sorted last.
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobsByUser(userID string) ([]*types.Job, error)
	ListJobs() ([]*types.Job, error)
	UpdateJob(job *types.Job) error

	// Stats reports user and key totals and per-status job counts, used by
	// the readiness check and by the metrics collector.
	Stats() (Stats, error)

	Close() error
}

// Stats is a point-in-time summary of stored job state.
type Stats struct {
	TotalUsers   int
	TotalApiKeys int
	JobsByStatus map[types.JobStatus]int
}

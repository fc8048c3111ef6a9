package types

import "time"

// User is an account that owns API keys and jobs.
type User struct {
	ID          string
	DisplayName string
	Email       string // unique
	IsActive    bool
	CreatedAt   time.Time
}

// ApiKey is a bearer credential belonging to exactly one User.
//
// Only KeyHash is ever persisted or compared against; the plaintext token
// is returned to the caller once, at creation time, and never stored.
type ApiKey struct {
	ID         string
	UserID     string
	KeyHash    string // sha256 hex digest of the plaintext token, unique
	Name       string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Job is a single test-run request submitted by a user.
type Job struct {
	ID          string
	UserID      string
	Status      JobStatus
	Success     *bool // nil until Status is terminal; immutable once set
	ArchivePath string
	SandboxName string // deterministic container name, set once the sandbox is created
	ExitCode    *int   // nil until the sandbox has exited
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status will never change again. cancelled is
// reserved for a future cancel API; nothing transitions a job into it yet.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// SandboxState is the observed state of a containerd sandbox, as reported
// by the SandboxDriver. It is never persisted directly; the controller
// folds it into Job.Status.
type SandboxState string

const (
	SandboxStateAbsent  SandboxState = "absent"
	SandboxStateRunning SandboxState = "running"
	SandboxStateExited  SandboxState = "exited"
	SandboxStateDead    SandboxState = "dead"
)

// SandboxInfo is what the SandboxDriver reports back about one sandbox.
type SandboxInfo struct {
	Name       string
	State      SandboxState
	ExitCode   *int
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Package controller reconciles the Job rows in the Store against the
// sandboxes the SandboxDriver actually has running, in a Kubernetes-style
// desired/actual loop. It is the only component allowed to call the
// SandboxDriver's mutating methods.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ciforge/pkg/log"
	"github.com/cuemby/ciforge/pkg/metrics"
	"github.com/cuemby/ciforge/pkg/sandbox"
	"github.com/cuemby/ciforge/pkg/storage"
	"github.com/cuemby/ciforge/pkg/types"
)

// Controller drives Job state toward completion by creating, observing,
// and tearing down sandboxes.
type Controller struct {
	store     storage.Store
	driver    sandbox.Driver
	prefix    string
	logger    zerolog.Logger
	mu        sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	tickDur   time.Duration
	retention time.Duration
}

// New constructs a Controller. tickInterval is how often a full
// reconciliation cycle runs; prefix is passed through to
// sandbox.NameFor/JobIDFromName. retention is how long a terminal job's
// sandbox is kept after it finishes before the explicit reap sweep removes
// it, giving late SSE joiners a window to replay its log.
func New(store storage.Store, driver sandbox.Driver, prefix string, tickInterval, retention time.Duration) *Controller {
	return &Controller{
		store:     store,
		driver:    driver,
		prefix:    prefix,
		logger:    log.WithComponent("controller"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		tickDur:   tickInterval,
		retention: retention,
	}
}

// Start begins the reconciliation loop, running one cycle immediately for
// crash recovery before the first tick.
func (c *Controller) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop signals the loop to exit and blocks until it has.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.doneCh)

	c.logger.Info().Msg("controller started")
	c.reconcile(ctx)

	ticker := time.NewTicker(c.tickDur)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reconcile(ctx)
		case <-c.stopCh:
			c.logger.Info().Msg("controller stopped")
			return
		case <-ctx.Done():
			c.logger.Info().Msg("controller stopped (context cancelled)")
			return
		}
	}
}

// reconcile performs one full cycle: desired state (jobs) vs actual state
// (sandboxes), per-job error isolation, then an orphan sweep.
func (c *Controller) reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	jobs, err := c.store.ListJobs()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list jobs")
		return
	}

	ownedSandboxes, err := c.driver.ListOwned(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list sandboxes")
		return
	}
	ownedSet := make(map[string]bool, len(ownedSandboxes))
	for _, name := range ownedSandboxes {
		ownedSet[name] = true
	}

	// Every job still on record claims its sandbox, terminal or not: a
	// finalized job's sandbox is retained for late log readers (see
	// reapRetained) and must never look like an orphan just because the
	// job reached a terminal status.
	claimedSandboxes := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		name := job.SandboxName
		if name == "" {
			name = sandbox.NameFor(c.prefix, job.ID)
		}
		claimedSandboxes[name] = true

		if job.Status.Terminal() {
			continue
		}
		if err := c.reconcileJob(ctx, job); err != nil {
			metrics.ReconciliationErrorsTotal.WithLabelValues("job_reconcile").Inc()
			c.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to reconcile job")
		}
	}

	c.cleanupOrphans(ctx, ownedSet, claimedSandboxes)
	c.reapRetained(ctx, jobs, ownedSet)
}

// reconcileJob brings a single job's sandbox state in line with its
// status, following the queued -> running -> terminal state table.
func (c *Controller) reconcileJob(ctx context.Context, job *types.Job) error {
	name := sandbox.NameFor(c.prefix, job.ID)
	info, err := c.driver.Inspect(ctx, name)
	if err != nil {
		return fmt.Errorf("inspecting sandbox %s: %w", name, err)
	}

	switch job.Status {
	case types.JobStatusQueued:
		return c.reconcileQueued(ctx, job, name, info)
	case types.JobStatusRunning:
		return c.reconcileRunning(ctx, job, name, info)
	default:
		return nil
	}
}

func (c *Controller) reconcileQueued(ctx context.Context, job *types.Job, name string, info types.SandboxInfo) error {
	if info.State != types.SandboxStateAbsent {
		// Unexpected: a sandbox already exists for a queued job. Clean it
		// up and leave the job queued for retry next tick rather than
		// adopting state we can't attribute to this job's archive.
		c.logger.Warn().Str("job_id", job.ID).Str("sandbox", name).
			Msg("sandbox present for queued job, cleaning up")
		return c.driver.Remove(ctx, name)
	}
	return c.startJob(ctx, job, name)
}

func (c *Controller) startJob(ctx context.Context, job *types.Job, name string) error {
	logger := log.WithJobID(job.ID)

	if job.ArchivePath == "" {
		return c.markFailed(job, "job has no archive path")
	}

	createTimer := metrics.NewTimer()
	if err := c.driver.Create(ctx, name, job.ArchivePath); err != nil {
		return c.markFailed(job, fmt.Sprintf("failed to create sandbox: %v", err))
	}
	createTimer.ObserveDuration(metrics.SandboxCreateDuration)

	startTimer := metrics.NewTimer()
	if err := c.driver.Start(ctx, name); err != nil {
		return c.markFailed(job, fmt.Sprintf("failed to start sandbox: %v", err))
	}
	startTimer.ObserveDuration(metrics.SandboxStartDuration)

	now := time.Now().UTC()
	job.SandboxName = name
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	if err := c.store.UpdateJob(job); err != nil {
		return fmt.Errorf("persisting running status: %w", err)
	}

	logger.Info().Msg("job started")
	return nil
}

func (c *Controller) reconcileRunning(ctx context.Context, job *types.Job, name string, info types.SandboxInfo) error {
	switch info.State {
	case types.SandboxStateAbsent:
		return c.markFailed(job, "sandbox disappeared during execution")
	case types.SandboxStateRunning:
		return nil
	case types.SandboxStateExited:
		return c.finalizeJob(job, info)
	case types.SandboxStateDead:
		return c.markFailed(job, "sandbox entered a dead state")
	default:
		return nil
	}
}

// finalizeJob completes a running job from its sandbox's exit code. success
// is true iff the exit code is exactly 0; once set it is immutable.
func (c *Controller) finalizeJob(job *types.Job, info types.SandboxInfo) error {
	now := time.Now().UTC()
	job.FinishedAt = &now
	job.ExitCode = info.ExitCode
	job.Status = types.JobStatusCompleted

	success := info.ExitCode != nil && *info.ExitCode == 0
	job.Success = &success

	if job.StartedAt != nil {
		metrics.JobDuration.Observe(now.Sub(*job.StartedAt).Seconds())
	}

	if err := c.store.UpdateJob(job); err != nil {
		return fmt.Errorf("persisting finalized job: %w", err)
	}

	log.WithJobID(job.ID).Info().
		Str("status", string(job.Status)).
		Bool("success", success).
		Msg("job finalized")
	return nil
}

// markFailed logs reason (never persisted, per the job model) and
// transitions the job to failed with success=false.
func (c *Controller) markFailed(job *types.Job, reason string) error {
	log.WithJobID(job.ID).Error().Str("reason", reason).Msg("job failed")

	now := time.Now().UTC()
	success := false
	job.Status = types.JobStatusFailed
	job.FinishedAt = &now
	job.Success = &success

	if err := c.store.UpdateJob(job); err != nil {
		return fmt.Errorf("persisting failed status: %w", err)
	}
	return nil
}

// cleanupOrphans removes sandboxes the driver owns that no job row claims
// at all: crash leftovers, or sandboxes left behind by a job record that
// no longer exists. A sandbox belonging to an existing job, terminal or
// not, is never touched here — reapRetained is the only thing allowed to
// remove a finalized job's sandbox, and only after its retention window.
func (c *Controller) cleanupOrphans(ctx context.Context, owned, claimed map[string]bool) {
	for name := range owned {
		if claimed[name] {
			continue
		}
		if _, ok := sandbox.JobIDFromName(c.prefix, name); !ok {
			continue
		}
		c.logger.Warn().Str("sandbox", name).Msg("removing orphaned sandbox")
		if err := c.driver.Remove(ctx, name); err != nil {
			c.logger.Error().Err(err).Str("sandbox", name).Msg("failed to remove orphaned sandbox")
			continue
		}
		metrics.SandboxesOrphanedTotal.Inc()
	}
}

// reapRetained removes a terminal job's sandbox once it has outlived
// c.retention, clearing Job.SandboxName so later SSE requests fall back to
// "no logs available" instead of repeatedly failing to inspect it. A
// terminal job whose sandbox the driver no longer owns (already reaped, or
// never existed) is left alone.
func (c *Controller) reapRetained(ctx context.Context, jobs []*types.Job, owned map[string]bool) {
	now := time.Now().UTC()
	for _, job := range jobs {
		if !job.Status.Terminal() || job.SandboxName == "" || job.FinishedAt == nil {
			continue
		}
		if !owned[job.SandboxName] {
			continue
		}
		if now.Sub(*job.FinishedAt) < c.retention {
			continue
		}

		name := job.SandboxName
		if err := c.driver.Remove(ctx, name); err != nil {
			c.logger.Error().Err(err).Str("job_id", job.ID).Str("sandbox", name).Msg("failed to reap retained sandbox")
			continue
		}

		job.SandboxName = ""
		if err := c.store.UpdateJob(job); err != nil {
			c.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist sandbox reap")
		}
	}
}

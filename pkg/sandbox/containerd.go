package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/ciforge/pkg/log"
	"github.com/cuemby/ciforge/pkg/types"
)

const (
	// DefaultNamespace isolates ciforge's sandboxes from anything else
	// running on the same containerd daemon.
	DefaultNamespace = "ciforge"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// stopGrace is how long Remove waits for SIGTERM before escalating
	// to SIGKILL.
	stopGrace = 10 * time.Second
)

// ContainerdDriver implements Driver using containerd.
type ContainerdDriver struct {
	client        *containerd.Client
	namespace     string
	prefix        string
	image         string
	logsDir       string
	workspacesDir string
}

// NewContainerdDriver connects to containerd over socketPath and returns a
// driver that creates sandboxes from baseImage, named with prefix, logging
// captured output under logsDir and extracting archives under
// workspacesDir.
func NewContainerdDriver(socketPath, prefix, baseImage, logsDir, workspacesDir string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdDriver{
		client:        client,
		namespace:     DefaultNamespace,
		prefix:        prefix,
		image:         baseImage,
		logsDir:       logsDir,
		workspacesDir: workspacesDir,
	}, nil
}

func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *ContainerdDriver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

// Create extracts archivePath (a ZIP) into a scratch workspace, pulls the
// base image if necessary, and creates (but does not start) the sandbox
// container. The entrypoint installs requirements.txt and runs pytest
// against the extracted tree, matching the original test runner's
// contract.
func (d *ContainerdDriver) Create(ctx context.Context, name string, archivePath string) error {
	jobID, _ := JobIDFromName(d.prefix, name)
	workspace, err := extractArchive(archivePath, d.workspacesDir, jobID)
	if err != nil {
		return fmt.Errorf("failed to extract archive for sandbox %s: %w", name, err)
	}

	ctx = d.ctx(ctx)

	image, err := d.client.GetImage(ctx, d.image)
	if err != nil {
		image, err = d.client.Pull(ctx, d.image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", d.image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs("sh", "-c", "pip install -q -r requirements.txt && python -m pytest -v"),
		oci.WithProcessCwd("/workspace"),
		oci.WithMounts([]specs.Mount{
			{
				Source:      workspace,
				Destination: "/workspace",
				Type:        "bind",
				Options:     []string{"rbind", "ro"},
			},
		}),
	}

	_, err = d.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("failed to create sandbox %s: %w", name, err)
	}

	return nil
}

// Start creates a containerd task for the sandbox and launches it, with
// stdout/stderr captured to a log file so StreamLogs can replay it.
func (d *ContainerdDriver) Start(ctx context.Context, name string) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load sandbox %s: %w", name, err)
	}

	creator := cio.NewCreator(cio.WithStreams(nil, d.logWriter(name), d.logWriter(name)))
	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("failed to create task for %s: %w", name, err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task for %s: %w", name, err)
	}

	return nil
}

// Inspect maps the containerd task status to a SandboxInfo.
func (d *ContainerdDriver) Inspect(ctx context.Context, name string) (types.SandboxInfo, error) {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, name)
	if err != nil {
		return types.SandboxInfo{Name: name, State: types.SandboxStateAbsent}, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.SandboxInfo{Name: name, State: types.SandboxStateAbsent}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.SandboxInfo{}, fmt.Errorf("failed to get task status for %s: %w", name, err)
	}

	switch status.Status {
	case containerd.Running, containerd.Created, containerd.Paused, containerd.Pausing:
		return types.SandboxInfo{Name: name, State: types.SandboxStateRunning}, nil
	case containerd.Stopped:
		code := int(status.ExitStatus)
		return types.SandboxInfo{Name: name, State: types.SandboxStateExited, ExitCode: &code}, nil
	default:
		// Unknown is a containerd-internal state observed briefly while a
		// task is being torn down; treat it the same as a dead sandbox so
		// reconciliation doesn't stall on it.
		return types.SandboxInfo{Name: name, State: types.SandboxStateDead}, nil
	}
}

// StreamLogs opens the sandbox's captured log file for reading from the
// start. With follow=false it is a single linear scan, suitable for
// replaying a terminal job's history. With follow=true the returned reader
// tails the file, blocking for new output until Inspect reports the
// sandbox is no longer running.
func (d *ContainerdDriver) StreamLogs(ctx context.Context, name string, follow bool) (io.ReadCloser, error) {
	if !follow {
		return openLogFile(d.logPath(name))
	}

	stopped := func() bool {
		info, err := d.Inspect(ctx, name)
		if err != nil {
			return true
		}
		return info.State != types.SandboxStateRunning
	}
	return followLogFile(ctx, d.logPath(name), stopped)
}

// Remove stops (SIGTERM, then SIGKILL on timeout) and deletes the sandbox.
// A missing sandbox is not an error.
func (d *ContainerdDriver) Remove(ctx context.Context, name string) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, name)
	if err != nil {
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, stopGrace)
		defer cancel()

		statusC, waitErr := task.Wait(stopCtx)
		if killErr := task.Kill(stopCtx, syscall.SIGTERM); killErr != nil {
			log.WithComponent("sandbox").Warn().Err(killErr).Str("sandbox", name).Msg("failed to send SIGTERM")
		}

		if waitErr == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				_ = task.Kill(ctx, syscall.SIGKILL)
			}
		}
		_, _ = task.Delete(ctx)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete sandbox %s: %w", name, err)
	}

	if jobID, ok := JobIDFromName(d.prefix, name); ok {
		workspace := filepath.Join(d.workspacesDir, "ci_job_"+jobID)
		if err := os.RemoveAll(workspace); err != nil {
			log.WithComponent("sandbox").Warn().Err(err).Str("sandbox", name).Msg("failed to remove workspace")
		}
	}

	return nil
}

// ListOwned returns the names of every container in ciforge's namespace
// whose name carries our prefix and a valid job-ID suffix.
func (d *ContainerdDriver) ListOwned(ctx context.Context) ([]string, error) {
	ctx = d.ctx(ctx)

	containers, err := d.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	var names []string
	for _, c := range containers {
		if _, ok := JobIDFromName(d.prefix, c.ID()); ok {
			names = append(names, c.ID())
		}
	}
	return names, nil
}

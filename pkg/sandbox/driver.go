// Package sandbox adapts containerd into the run-to-completion test
// sandboxes the controller reconciles against.
//
// A sandbox is a single container that runs over a job's archive, which the
// driver has extracted on the host and bind-mounted read-only; it installs
// the archive's dependencies and runs its test suite to completion. The driver
// never interprets exit status beyond passing it through; deciding what a
// given status means for a Job belongs to pkg/controller.
package sandbox

import (
	"context"
	"io"

	"github.com/cuemby/ciforge/pkg/types"
)

// Driver is the thin adapter over the local container runtime that
// pkg/controller drives. Every method is expected to be idempotent: calling
// Remove on an absent sandbox, or Create on one that already exists, must
// not be treated as an error by callers recovering from a crash.
type Driver interface {
	// Create stages archivePath into a scratch workspace and creates (but
	// does not start) a sandbox container named name. name must already
	// be deterministic (see NameFor) so a crash-recovering controller can
	// find it again.
	Create(ctx context.Context, name string, archivePath string) error

	// Start launches the sandbox's entrypoint.
	Start(ctx context.Context, name string) error

	// Inspect reports the current observed state of a sandbox. A sandbox
	// the driver has never heard of reports SandboxStateAbsent, not an
	// error.
	Inspect(ctx context.Context, name string) (types.SandboxInfo, error)

	// StreamLogs returns a reader over the sandbox's combined stdout and
	// stderr from the beginning of the stream. With follow=false the
	// reader returns io.EOF once it catches up to whatever has been
	// written so far. With follow=true it blocks for new output instead,
	// only returning io.EOF once the sandbox itself has stopped producing
	// any (i.e. it is no longer in SandboxStateRunning). Callers must
	// Close it, and should pass a context that is cancelled when they stop
	// reading so a follow=true reader doesn't block forever.
	StreamLogs(ctx context.Context, name string, follow bool) (io.ReadCloser, error)

	// Remove stops (if necessary) and deletes a sandbox and its
	// resources. It does not return an error if the sandbox is already
	// gone.
	Remove(ctx context.Context, name string) error

	// ListOwned returns the names of every sandbox belonging to this
	// driver's namespace and prefix, regardless of which process created
	// them — used by the controller's orphan sweep after a restart.
	ListOwned(ctx context.Context) ([]string, error)

	Close() error
}

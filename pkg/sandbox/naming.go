package sandbox

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultPrefix is prepended to every job ID to form a sandbox name,
// configurable via CI_CONTAINER_PREFIX so multiple ciforge instances can
// share one containerd daemon without name collisions.
const DefaultPrefix = "ciforge-"

// NameFor derives a sandbox's deterministic name from a job ID and prefix.
// The same job ID always yields the same name, so a controller that
// restarts mid-job can find its sandbox again instead of orphaning it.
func NameFor(prefix, jobID string) string {
	return prefix + jobID
}

// JobIDFromName recovers the job ID a sandbox name was derived from,
// validating that the suffix is a well-formed UUID. Sandboxes whose
// suffix doesn't parse are not ours to manage, even if the prefix
// matches — ok is false in that case.
func JobIDFromName(prefix, name string) (jobID string, ok bool) {
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	suffix := strings.TrimPrefix(name, prefix)
	if _, err := uuid.Parse(suffix); err != nil {
		return "", false
	}
	return suffix, true
}

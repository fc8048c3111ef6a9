package sandbox

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractArchive unpacks the ZIP at archivePath into a fresh directory
// under workspacesDir and returns that directory's path. It rejects
// archives whose root does not contain requirements.txt, matching the
// SandboxDriver.create contract.
func extractArchive(archivePath, workspacesDir, jobID string) (string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	workspace := filepath.Join(workspacesDir, "ci_job_"+jobID)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}

	hasRequirements := false
	for _, f := range r.File {
		// A ZIP's "root" may be a single top-level directory; normalize
		// paths relative to the first path segment when one top-level dir
		// wraps everything, following spec.md §6's "top-level directory
		// of the ZIP is the working directory inside the sandbox".
		name := stripTopLevelDir(r.File, f.Name)
		if name == "" {
			continue
		}
		if err := extractEntry(workspace, name, f); err != nil {
			return "", err
		}
		if name == "requirements.txt" {
			hasRequirements = true
		}
	}

	if !hasRequirements {
		return "", fmt.Errorf("archive is missing requirements.txt at its root")
	}
	return workspace, nil
}

func extractEntry(workspace, name string, f *zip.File) error {
	target := filepath.Join(workspace, name)
	if !strings.HasPrefix(target, filepath.Clean(workspace)+string(os.PathSeparator)) && target != workspace {
		return fmt.Errorf("archive entry escapes workspace: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("reading archive entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("writing workspace file %s: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	return nil
}

// stripTopLevelDir removes a single shared top-level directory component
// from name, if every entry in files shares one. Otherwise name is
// returned unchanged.
func stripTopLevelDir(files []*zip.File, name string) string {
	top := commonTopLevelDir(files)
	if top == "" {
		return name
	}
	if name == top {
		return ""
	}
	if rest, ok := strings.CutPrefix(name, top+"/"); ok {
		return rest
	}
	return name
}

func commonTopLevelDir(files []*zip.File) string {
	var top string
	for i, f := range files {
		parts := strings.SplitN(f.Name, "/", 2)
		if len(parts) < 2 || parts[0] == "" {
			return ""
		}
		if i == 0 {
			top = parts[0]
		} else if parts[0] != top {
			return ""
		}
	}
	return top
}

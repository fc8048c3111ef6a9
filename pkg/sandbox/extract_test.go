package sandbox

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "archive-*.zip")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("failed to add %s to archive: %v", name, err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close archive: %v", err)
	}
	return f.Name()
}

func TestExtractArchiveFlat(t *testing.T) {
	archivePath := writeZip(t, map[string]string{
		"requirements.txt": "pytest\n",
		"test_app.py":       "def test_ok():\n    assert True\n",
	})

	workspace, err := extractArchive(archivePath, t.TempDir(), "job-1")
	if err != nil {
		t.Fatalf("extractArchive failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(workspace, "requirements.txt")); err != nil {
		t.Errorf("requirements.txt not extracted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workspace, "test_app.py")); err != nil {
		t.Errorf("test_app.py not extracted: %v", err)
	}
}

func TestExtractArchiveWrappedInTopLevelDir(t *testing.T) {
	archivePath := writeZip(t, map[string]string{
		"myproject/requirements.txt": "pytest\n",
		"myproject/test_app.py":       "def test_ok():\n    assert True\n",
	})

	workspace, err := extractArchive(archivePath, t.TempDir(), "job-2")
	if err != nil {
		t.Fatalf("extractArchive failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(workspace, "requirements.txt")); err != nil {
		t.Errorf("requirements.txt should be stripped of its wrapping directory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workspace, "myproject")); err == nil {
		t.Errorf("wrapping directory myproject should not exist in workspace")
	}
}

func TestExtractArchiveMissingRequirements(t *testing.T) {
	archivePath := writeZip(t, map[string]string{
		"test_app.py": "def test_ok():\n    assert True\n",
	})

	if _, err := extractArchive(archivePath, t.TempDir(), "job-3"); err == nil {
		t.Error("expected an error for an archive missing requirements.txt")
	}
}

func TestExtractArchiveRejectsPathTraversal(t *testing.T) {
	archivePath := writeZip(t, map[string]string{
		"requirements.txt": "pytest\n",
		"../escape.txt":      "nope\n",
	})

	if _, err := extractArchive(archivePath, t.TempDir(), "job-4"); err == nil {
		t.Error("expected an error for an archive entry that escapes the workspace")
	}
}

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"discserver/internal/config"
	"discserver/internal/logger"
)

func testFileStore(t *testing.T) *FileStore {
	t.Helper()
	cfg := &config.Config{
		UploadDir:      filepath.Join(t.TempDir(), "uploads"),
		MaxUploadDirGB: 1,
	}
	return NewFileStore(cfg, logger.NewNop())
}

func TestSaveOriginal_Layout(t *testing.T) {
	f := testFileStore(t)

	path, err := f.SaveOriginal(42, 7, ".jpg", []byte("jpeg bytes"))
	if err != nil {
		t.Fatalf("SaveOriginal failed: %v", err)
	}

	want := filepath.Join(f.Root(), "42", "original-7.jpg")
	if path != want {
		t.Errorf("SaveOriginal path = %q, want %q", path, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Saved file unreadable: %v", err)
	}
	if string(data) != "jpeg bytes" {
		t.Errorf("File content mismatch: %q", data)
	}
}

func TestSaveCropped_Layout(t *testing.T) {
	f := testFileStore(t)

	path, err := f.SaveCropped(42, 7, ".png", []byte("png bytes"))
	if err != nil {
		t.Fatalf("SaveCropped failed: %v", err)
	}
	want := filepath.Join(f.Root(), "42", "cropped-7.png")
	if path != want {
		t.Errorf("SaveCropped path = %q, want %q", path, want)
	}
}

func TestRemoveDisc(t *testing.T) {
	f := testFileStore(t)

	if _, err := f.SaveOriginal(3, 1, ".jpg", []byte("a")); err != nil {
		t.Fatalf("SaveOriginal failed: %v", err)
	}
	if _, err := f.SaveCropped(3, 1, ".jpg", []byte("b")); err != nil {
		t.Fatalf("SaveCropped failed: %v", err)
	}

	if err := f.RemoveDisc(3); err != nil {
		t.Fatalf("RemoveDisc failed: %v", err)
	}
	if _, err := os.Stat(f.DiscDir(3)); !os.IsNotExist(err) {
		t.Error("Disc subtree survived RemoveDisc")
	}

	// Removing a missing subtree is fine.
	if err := f.RemoveDisc(3); err != nil {
		t.Errorf("Second RemoveDisc should be a no-op, got %v", err)
	}
}

func TestResolveArtifact(t *testing.T) {
	f := testFileStore(t)
	if _, err := f.SaveOriginal(5, 2, ".jpg", []byte("x")); err != nil {
		t.Fatalf("SaveOriginal failed: %v", err)
	}

	path, err := f.ResolveArtifact(5, "original-2.jpg")
	if err != nil {
		t.Fatalf("ResolveArtifact failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Resolved path does not exist: %v", err)
	}

	invalid := []string{
		"",
		"../5/original-2.jpg",
		"/etc/passwd",
		"sub/original-2.jpg",
		"..",
	}
	for _, name := range invalid {
		if _, err := f.ResolveArtifact(5, name); err == nil {
			t.Errorf("ResolveArtifact(%q) should fail", name)
		}
	}

	if _, err := f.ResolveArtifact(5, "original-99.jpg"); err == nil {
		t.Error("ResolveArtifact should fail for a missing file")
	}
}

func TestDirectorySize(t *testing.T) {
	f := testFileStore(t)

	if _, err := f.SaveOriginal(1, 1, ".jpg", make([]byte, 100)); err != nil {
		t.Fatalf("SaveOriginal failed: %v", err)
	}
	if _, err := f.SaveOriginal(2, 1, ".jpg", make([]byte, 50)); err != nil {
		t.Fatalf("SaveOriginal failed: %v", err)
	}

	size, err := f.DirectorySize()
	if err != nil {
		t.Fatalf("DirectorySize failed: %v", err)
	}
	if size != 150 {
		t.Errorf("DirectorySize = %d, want 150", size)
	}
}

func TestSweepOrphans(t *testing.T) {
	f := testFileStore(t)

	if _, err := f.SaveOriginal(10, 1, ".jpg", []byte("live")); err != nil {
		t.Fatalf("SaveOriginal failed: %v", err)
	}
	if _, err := f.SaveOriginal(11, 1, ".jpg", []byte("orphan")); err != nil {
		t.Fatalf("SaveOriginal failed: %v", err)
	}
	// A non-numeric directory is not ours and must survive.
	foreign := filepath.Join(f.Root(), "thumbnails")
	if err := os.MkdirAll(foreign, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	removed, err := f.SweepOrphans(map[int64]bool{10: true})
	if err != nil {
		t.Fatalf("SweepOrphans failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removal, got %d", removed)
	}

	if _, err := os.Stat(f.DiscDir(10)); err != nil {
		t.Error("Live subtree was swept")
	}
	if _, err := os.Stat(f.DiscDir(11)); !os.IsNotExist(err) {
		t.Error("Orphan subtree survived sweep")
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Error("Foreign directory was swept")
	}
}

func TestSweepOrphans_MissingRoot(t *testing.T) {
	f := testFileStore(t)

	removed, err := f.SweepOrphans(map[int64]bool{})
	if err != nil {
		t.Fatalf("SweepOrphans on missing root failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("Expected 0 removals, got %d", removed)
	}
}

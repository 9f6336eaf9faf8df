package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"discserver/internal/config"
	"discserver/internal/logger"
)

// FileStore owns the on-disk image layout. Each disc gets its own
// subtree under the upload root:
//
//	{root}/{disc_id}/original-{image_id}.{ext}
//	{root}/{disc_id}/cropped-{image_id}.{ext}
//
// Subtrees of different discs are disjoint, so concurrent writers to
// different discs never collide.
type FileStore struct {
	root        string
	maxDirBytes int64
	logger      *logger.Logger
}

func NewFileStore(cfg *config.Config, log *logger.Logger) *FileStore {
	return &FileStore{
		root:        cfg.UploadDir,
		maxDirBytes: cfg.MaxUploadDirGB * 1024 * 1024 * 1024,
		logger:      log,
	}
}

// Root returns the upload root directory.
func (f *FileStore) Root() string { return f.root }

// DiscDir returns the subtree owned by one disc.
func (f *FileStore) DiscDir(discID int64) string {
	return filepath.Join(f.root, strconv.FormatInt(discID, 10))
}

// SaveOriginal writes the original upload bytes for an image row.
func (f *FileStore) SaveOriginal(discID, imageID int64, ext string, data []byte) (string, error) {
	return f.save(discID, fmt.Sprintf("original-%d%s", imageID, ext), data)
}

// SaveCropped writes the cropped/masked raster for an image row.
func (f *FileStore) SaveCropped(discID, imageID int64, ext string, data []byte) (string, error) {
	return f.save(discID, fmt.Sprintf("cropped-%d%s", imageID, ext), data)
}

func (f *FileStore) save(discID int64, filename string, data []byte) (string, error) {
	dir := f.DiscDir(discID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create disc directory: %w", err)
	}

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save image %s: %w", filename, err)
	}
	return path, nil
}

// Remove deletes a single file, best effort.
func (f *FileStore) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		f.logger.Warning("Failed to remove file %s: %v", path, err)
	}
}

// RemoveDisc deletes a disc's whole subtree. Missing subtrees are fine:
// a disc registered without surviving files has nothing to clean.
func (f *FileStore) RemoveDisc(discID int64) error {
	dir := f.DiscDir(discID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove disc directory %s: %w", dir, err)
	}
	return nil
}

// ResolveArtifact maps a disc id and bare filename to an on-disk path,
// rejecting traversal attempts.
func (f *FileStore) ResolveArtifact(discID int64, filename string) (string, error) {
	if filename == "" || strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return "", fmt.Errorf("invalid artifact filename: %q", filename)
	}
	path := filepath.Join(f.DiscDir(discID), filename)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("artifact not found: %w", err)
	}
	return path, nil
}

// DirectorySize walks the upload root and sums file sizes.
func (f *FileStore) DirectorySize() (int64, error) {
	var total int64
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure upload directory: %w", err)
	}
	return total, nil
}

// SweepOrphans removes subtrees whose disc id is no longer live. Failed
// partial commits leave such residue; it is recoverable state, not an
// error, until this reclaims it.
func (f *FileStore) SweepOrphans(liveDiscIDs map[int64]bool) (int, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read upload root: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		discID, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			// Nie nasz katalog, zostawiamy
			continue
		}
		if liveDiscIDs[discID] {
			continue
		}
		if err := f.RemoveDisc(discID); err != nil {
			f.logger.Warning("Sweep could not remove orphan subtree %d: %v", discID, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		f.logger.Info("Swept %d orphaned disc directories", removed)
	}
	return removed, nil
}

// Run sweeps orphans on a fixed interval until stop is closed. listLive
// supplies the current set of disc ids from the database.
func (f *FileStore) Run(interval time.Duration, listLive func() (map[int64]bool, error), stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			live, err := listLive()
			if err != nil {
				f.logger.Error("Sweep could not list live discs: %v", err)
				continue
			}
			if _, err := f.SweepOrphans(live); err != nil {
				f.logger.Error("Sweep failed: %v", err)
			}

			if size, err := f.DirectorySize(); err == nil && f.maxDirBytes > 0 && size > f.maxDirBytes {
				f.logger.Warning("Upload directory size %d exceeds limit %d bytes", size, f.maxDirBytes)
			}
		}
	}
}

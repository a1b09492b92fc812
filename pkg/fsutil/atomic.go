// Package fsutil provides filesystem primitives for crash-safe timeline writes.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempPrefix marks in-progress writes; listings must skip names carrying it.
const TempPrefix = ".strata-tmp-"

// IsTemp reports whether name is an in-progress write left by this package.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// AtomicWrite writes data to a temporary file, fsyncs, then renames to target path.
// An existing target is replaced.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpPath, err := writeTemp(dir, data, perm)
	if err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic write rename: %w", err)
	}
	if err := FsyncDir(dir); err != nil {
		return fmt.Errorf("atomic write fsync dir: %w", err)
	}
	return nil
}

// AtomicCreate publishes data at path only if nothing exists there yet. The
// content is fully written and synced before the name becomes visible, so
// readers never observe a partial file. Returns an error satisfying
// os.IsExist when the path is already taken.
func AtomicCreate(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpPath, err := writeTemp(dir, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if err := os.Link(tmpPath, path); err != nil {
		return err
	}
	if err := FsyncDir(dir); err != nil {
		return fmt.Errorf("atomic create fsync dir: %w", err)
	}
	return nil
}

// RenameNoReplace moves oldpath to newpath, failing with an os.IsExist error
// when newpath is present instead of clobbering it.
func RenameNoReplace(oldpath, newpath string) error {
	if err := os.Link(oldpath, newpath); err != nil {
		return err
	}
	if err := os.Remove(oldpath); err != nil {
		return fmt.Errorf("rename remove source: %w", err)
	}
	if err := FsyncDir(filepath.Dir(newpath)); err != nil {
		return err
	}
	if filepath.Dir(oldpath) != filepath.Dir(newpath) {
		return FsyncDir(filepath.Dir(oldpath))
	}
	return nil
}

// FsyncDir fsyncs a directory to ensure rename visibility is durable.
func FsyncDir(dirPath string) error {
	d, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("fsync dir open: %w", err)
	}
	defer d.Close()
	return d.Sync()
}

func writeTemp(dir string, data []byte, perm os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("atomic write create tmp: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("atomic write: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return "", fmt.Errorf("atomic write chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("atomic write fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("atomic write close: %w", err)
	}

	success = true
	return tmpPath, nil
}

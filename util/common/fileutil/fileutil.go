// Package fileutil wraps the file operations shared by the tool cache
// and the package builder.
package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// validatePath checks if a path is valid and accessible. Returns an
// error if the path is empty or if the parent directory is not
// accessible.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	parent := filepath.Dir(path)
	if parent != "." {
		if _, err := os.Stat(parent); err != nil {
			return fmt.Errorf("access %s: %w", parent, err)
		}
	}
	return nil
}

// validateWritePermissions checks if a directory is writable by probing
// with a temporary file.
func validateWritePermissions(dir string) error {
	testFile := filepath.Join(dir, ".write_test")
	f, err := os.OpenFile(testFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	f.Close()
	os.Remove(testFile)
	return nil
}

// ResetDir removes a directory if it exists and creates a fresh empty
// one, verifying write permissions.
func ResetDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return validateWritePermissions(path)
}

// EnsureDir creates a directory (and parents) if missing.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// CopyFile copies src to dst, creating parent directories as needed and
// preserving the source mode bits.
func CopyFile(src, dst string) error {
	if err := validatePath(src); err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

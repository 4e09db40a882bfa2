package screenstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Filename suffixes signal the file's state: .enc is committed ciphertext,
// .enc.pending is ciphertext staged before OCR results arrive.
const (
	EncSuffix     = ".enc"
	PendingSuffix = ".enc.pending"
)

// ErrPathTraversal is returned when a stored relative path escapes the data
// root. Stored paths are our own, but the database is attacker-writable in
// some threat models, so file operations refuse to follow it outside root.
var ErrPathTraversal = errors.New("screenstore: path escapes data root")

// newShotPath returns a fresh data-root-relative path for a staged
// screenshot. UUIDv7 basenames sort by time within their month directory.
func newShotPath(now time.Time) string {
	return filepath.Join("shots", now.UTC().Format("2006-01"),
		uuid.Must(uuid.NewV7()).String()+PendingSuffix)
}

// absPath resolves a stored relative path under root, rejecting traversal.
func absPath(root, rel string) (string, error) {
	if strings.Contains(rel, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(root, filepath.Clean("/"+rel))
	base := filepath.Clean(root)
	if cleaned != base && !strings.HasPrefix(cleaned, base+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// writeShotFile writes ciphertext to rel under root, creating parents.
func writeShotFile(root, rel string, data []byte) error {
	abs, err := absPath(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return fmt.Errorf("screenstore: mkdir: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o600); err != nil {
		return fmt.Errorf("screenstore: write %s: %w", rel, err)
	}
	return nil
}

// removeShotFile deletes the file at rel. Missing files are not an error.
func removeShotFile(root, rel string) error {
	abs, err := absPath(root, rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("screenstore: remove %s: %w", rel, err)
	}
	return nil
}

// finalizePath renames a .enc.pending file to its .enc name and returns the
// new relative path.
func finalizePath(root, rel string) (string, error) {
	if !strings.HasSuffix(rel, PendingSuffix) {
		return rel, nil
	}
	final := strings.TrimSuffix(rel, PendingSuffix) + EncSuffix
	src, err := absPath(root, rel)
	if err != nil {
		return rel, err
	}
	dst, err := absPath(root, final)
	if err != nil {
		return rel, err
	}
	if err := os.Rename(src, dst); err != nil {
		return rel, fmt.Errorf("screenstore: rename %s: %w", rel, err)
	}
	return final, nil
}

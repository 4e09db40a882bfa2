package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hazyhaar/lucarne/screenstore"
)

// ErrRootOverlap is returned when the migration target is inside the current
// data root, or the other way around.
var ErrRootOverlap = errors.New("backfill: data roots overlap")

// MigrateRoot moves the entire data root — database, key file and encrypted
// shot files — to newRoot and rebinds the store there.
//
// Only one migration may run at a time; a concurrent call fails with
// screenstore.ErrMigrationRunning. The copy checks ctx between files, so a
// cancelled migration stops promptly. On any failure every file and directory
// created under newRoot is removed and the store is rebound to the original
// root. On success the old root's contents are removed best-effort; a leftover
// old file is logged, never fatal.
func MigrateRoot(ctx context.Context, store *screenstore.Store, newRoot string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	oldRoot := store.Root()
	if err := checkRoots(oldRoot, newRoot); err != nil {
		return err
	}
	if err := store.BeginRootMigration(); err != nil {
		return err
	}
	defer store.EndRootMigration()

	// The database file must be quiescent while it is copied.
	if err := store.Close(); err != nil {
		return fmt.Errorf("backfill: close before migration: %w", err)
	}

	copied, err := copyTree(ctx, oldRoot, newRoot)
	if err != nil {
		rollback(copied, log)
		if rbErr := store.Rebind(oldRoot); rbErr != nil {
			return fmt.Errorf("backfill: migration failed (%w) and rebind to old root failed: %w", err, rbErr)
		}
		return fmt.Errorf("backfill: copy data root: %w", err)
	}

	if err := store.Rebind(newRoot); err != nil {
		rollback(copied, log)
		if rbErr := store.Rebind(oldRoot); rbErr != nil {
			return fmt.Errorf("backfill: rebind to new root failed (%w) and rebind to old root failed: %w", err, rbErr)
		}
		return fmt.Errorf("backfill: rebind to new root: %w", err)
	}

	removeOldRoot(oldRoot, log)
	log.Info("backfill: data root migrated", "from", oldRoot, "to", newRoot)
	return nil
}

func checkRoots(oldRoot, newRoot string) error {
	a, err := filepath.Abs(oldRoot)
	if err != nil {
		return err
	}
	b, err := filepath.Abs(newRoot)
	if err != nil {
		return err
	}
	if a == b || within(a, b) || within(b, a) {
		return ErrRootOverlap
	}
	return nil
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// copyTree mirrors src under dst and returns every path it created, files and
// directories alike, for rollback. Cancellation is checked between files.
func copyTree(ctx context.Context, src, dst string) ([]string, error) {
	var created []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if err := os.Mkdir(target, 0o700); err != nil {
				if errors.Is(err, fs.ErrExist) {
					return nil
				}
				return err
			}
			created = append(created, target)
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		created = append(created, target)
		return nil
	})
	return created, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// rollback removes created paths, files before their parent directories.
func rollback(created []string, log *slog.Logger) {
	sort.Slice(created, func(i, j int) bool { return len(created[i]) > len(created[j]) })
	for _, p := range created {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("backfill: rollback leftover", "path", p, "error", err)
		}
	}
}

func removeOldRoot(root string, log *slog.Logger) {
	entries, err := os.ReadDir(root)
	if err != nil {
		log.Warn("backfill: old root not cleaned", "root", root, "error", err)
		return
	}
	for _, e := range entries {
		p := filepath.Join(root, e.Name())
		if err := os.RemoveAll(p); err != nil {
			log.Warn("backfill: old root entry not removed", "path", p, "error", err)
		}
	}
}

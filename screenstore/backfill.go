package screenstore

import (
	"context"
	"database/sql"
	"os"
	"strings"

	"github.com/hazyhaar/lucarne/vault"
)

// Backfill step functions. Each processes one bounded batch and returns how
// many rows it examined, so the caller can tell when the backlog is drained.
// Resumption is predicate-based: the WHERE clause of each step excludes rows
// already handled, so interrupting between batches loses nothing.
//
// Steps follow the same two-phase discipline as reads: row selection and
// updates run under the lock, Unwrap and file I/O run outside it.

// SweepPlaintextStep finds legacy records whose image file is still
// plaintext (no row key, no .enc suffix), encrypts each under a fresh row
// key, updates path and key, and deletes the plaintext original.
func (s *Store) SweepPlaintextStep(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	type target struct {
		id   int64
		path string
	}
	var targets []target
	err := s.locked(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, path FROM screenshots
			WHERE content_key_encrypted IS NULL AND path NOT LIKE '%.enc%'
			LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.id, &t.path); err != nil {
				return err
			}
			targets = append(targets, t)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	root := s.Root()
	for _, t := range targets {
		abs, err := absPath(root, t.path)
		if err != nil {
			s.log.Warn("backfill: sweep skipping bad path", "id", t.id, "error", err)
			continue
		}
		plaintext, err := os.ReadFile(abs)
		if err != nil {
			s.log.Warn("backfill: sweep cannot read plaintext file", "id", t.id, "error", err)
			continue
		}
		key, err := vault.NewRowKey()
		if err != nil {
			return 0, err
		}
		wrapped, err := s.gate.Wrap(key)
		if err != nil {
			return 0, err
		}
		ct, err := s.gate.Encrypt(key, plaintext)
		if err != nil {
			return 0, err
		}
		newPath := t.path + EncSuffix
		if err := writeShotFile(root, newPath, ct); err != nil {
			s.log.Warn("backfill: sweep write failed", "id", t.id, "error", err)
			continue
		}
		err = s.locked(func(db *sql.DB) error {
			_, err := db.ExecContext(ctx, `
				UPDATE screenshots SET path = ?, content_key_encrypted = ?
				WHERE id = ?`, newPath, wrapped, t.id)
			return err
		})
		if err != nil {
			return 0, err
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			s.log.Warn("backfill: sweep could not delete plaintext original", "id", t.id, "error", err)
		}
	}
	return len(targets), nil
}

// MigrateInlineStep converts legacy rows that carry an inline encrypted
// icon/link blob into dedup references and nulls the inline column.
func (s *Store) MigrateInlineStep(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	type target struct {
		id         int64
		keyWrapped []byte
		iconCT     []byte
		linksCT    []byte
	}
	var targets []target
	err := s.locked(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, content_key_encrypted, page_icon_encrypted, links_encrypted
			FROM screenshots
			WHERE content_key_encrypted IS NOT NULL
			  AND ((page_icon_encrypted IS NOT NULL AND page_icon_id IS NULL)
			    OR (links_encrypted IS NOT NULL AND link_set_id IS NULL))
			LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.id, &t.keyWrapped, &t.iconCT, &t.linksCT); err != nil {
				return err
			}
			targets = append(targets, t)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	for _, t := range targets {
		key, err := s.gate.Unwrap(ctx, t.keyWrapped)
		if err != nil {
			return 0, err // auth problem, let the runner pause
		}
		var iconEntry, linkEntry *dedupEntry
		if len(t.iconCT) > 0 {
			content, err := s.gate.Decrypt(key, t.iconCT)
			if err != nil {
				s.log.Warn("backfill: inline icon decrypt failed, skipping row", "id", t.id, "error", err)
				continue
			}
			if iconEntry, err = s.prepareDedup(content); err != nil {
				return 0, err
			}
		}
		if len(t.linksCT) > 0 {
			content, err := s.gate.Decrypt(key, t.linksCT)
			if err != nil {
				s.log.Warn("backfill: inline links decrypt failed, skipping row", "id", t.id, "error", err)
				continue
			}
			if linkEntry, err = s.prepareDedup(content); err != nil {
				return 0, err
			}
		}
		err = s.lockedTx(ctx, func(tx *sql.Tx) error {
			if iconEntry != nil {
				iconID, err := getOrCreateDedup(ctx, tx, "page_icons", iconEntry)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE screenshots SET page_icon_id = ?, page_icon_encrypted = NULL
					WHERE id = ?`, iconID, t.id); err != nil {
					return err
				}
			}
			if linkEntry != nil {
				linkID, err := getOrCreateDedup(ctx, tx, "link_sets", linkEntry)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE screenshots SET link_set_id = ?, links_encrypted = NULL
					WHERE id = ?`, linkID, t.id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// BackfillProcessStep decrypts legacy process-name fields and fills the
// plaintext aggregation column.
func (s *Store) BackfillProcessStep(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	type target struct {
		id         int64
		keyWrapped []byte
		procCT     []byte
	}
	var targets []target
	err := s.locked(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, content_key_encrypted, process_name_encrypted
			FROM screenshots
			WHERE process_name IS NULL AND process_name_encrypted IS NOT NULL
			  AND content_key_encrypted IS NOT NULL
			LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.id, &t.keyWrapped, &t.procCT); err != nil {
				return err
			}
			targets = append(targets, t)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	for _, t := range targets {
		key, err := s.gate.Unwrap(ctx, t.keyWrapped)
		if err != nil {
			return 0, err
		}
		name, err := s.gate.Decrypt(key, t.procCT)
		if err != nil {
			s.log.Warn("backfill: process name decrypt failed, skipping row", "id", t.id, "error", err)
			continue
		}
		proc := strings.TrimSpace(string(name))
		err = s.locked(func(db *sql.DB) error {
			_, err := db.ExecContext(ctx,
				`UPDATE screenshots SET process_name = ? WHERE id = ?`, proc, t.id)
			return err
		})
		if err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

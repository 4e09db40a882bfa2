package screenstore

import (
	"context"
	"database/sql"
	"errors"
)

// Delete removes a record, its OCR rows (cascade), and its backing file,
// decrements the corpus counter, and purges dedup entries the deletion
// orphaned. Postings bitmaps are not scrubbed: deleted text ids resolve to
// nothing at query time.
func (s *Store) Delete(ctx context.Context, id int64) error {
	var path string
	err := s.lockedTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT path FROM screenshots WHERE id = ?`, id).Scan(&path)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var anns int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ocr_texts WHERE screenshot_id = ?`, id).Scan(&anns); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM screenshots WHERE id = ?`, id); err != nil {
			return err
		}
		if err := s.index.NoteRemoved(ctx, tx, anns); err != nil {
			return err
		}
		return purgeOrphanDedup(ctx, tx)
	})
	if err != nil {
		return err
	}
	if rmErr := removeShotFile(s.Root(), path); rmErr != nil {
		s.log.Warn("screenstore: delete file cleanup failed", "id", id, "path", path, "error", rmErr)
	}
	return nil
}

// DeleteRange removes every record created within [from, to] (unix seconds
// bounds are inclusive) with the same cleanup as Delete. Returns the number
// of records removed.
func (s *Store) DeleteRange(ctx context.Context, from, to int64) (int, error) {
	var paths []string
	var deleted int
	err := s.lockedTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, path FROM screenshots WHERE created_at BETWEEN ? AND ?`, from, to)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			var path string
			if err := rows.Scan(&id, &path); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			paths = append(paths, path)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		var anns int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM ocr_texts WHERE screenshot_id IN (
				SELECT id FROM screenshots WHERE created_at BETWEEN ? AND ?
			)`, from, to).Scan(&anns); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM screenshots WHERE created_at BETWEEN ? AND ?`, from, to)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(n)
		if err := s.index.NoteRemoved(ctx, tx, anns); err != nil {
			return err
		}
		return purgeOrphanDedup(ctx, tx)
	})
	if err != nil {
		return 0, err
	}
	root := s.Root()
	for _, path := range paths {
		if rmErr := removeShotFile(root, path); rmErr != nil {
			s.log.Warn("screenstore: range delete file cleanup failed", "path", path, "error", rmErr)
		}
	}
	return deleted, nil
}

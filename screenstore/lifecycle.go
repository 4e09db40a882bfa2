package screenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hazyhaar/lucarne/vault"
)

// boxTolerance is the per-coordinate slack, in pixels, within which two OCR
// regions with the same text hash count as the same region.
const boxTolerance = 10.0

// Stage records a new captured screenshot as pending. The duplicate check
// runs before any encryption work; the image ciphertext lands in a
// .enc.pending file and one row is inserted. Encryption and the file write
// happen outside the store lock.
func (s *Store) Stage(ctx context.Context, in StageInput) (int64, error) {
	if in.Hash == "" {
		return 0, fmt.Errorf("screenstore: stage: empty content hash")
	}
	if len(in.Image) == 0 {
		return 0, fmt.Errorf("screenstore: stage: empty image")
	}

	dup, err := s.Exists(ctx, in.Hash)
	if err != nil {
		return 0, err
	}
	if dup {
		return 0, ErrDuplicate
	}

	key, err := vault.NewRowKey()
	if err != nil {
		return 0, err
	}
	wrappedKey, err := s.gate.Wrap(key)
	if err != nil {
		return 0, err
	}
	imageCT, err := s.gate.Encrypt(key, in.Image)
	if err != nil {
		return 0, err
	}
	titleCT, err := s.encField(key, in.WindowTitle)
	if err != nil {
		return 0, err
	}
	procCT, err := s.encField(key, in.ProcessName)
	if err != nil {
		return 0, err
	}
	metaCT, err := s.encField(key, in.Metadata)
	if err != nil {
		return 0, err
	}
	srcCT, err := s.encField(key, in.Source)
	if err != nil {
		return 0, err
	}
	urlCT, err := s.encField(key, in.PageURL)
	if err != nil {
		return 0, err
	}

	var iconEntry, linkEntry *dedupEntry
	if len(in.PageIcon) > 0 {
		if iconEntry, err = s.prepareDedup(in.PageIcon); err != nil {
			return 0, err
		}
	}
	if len(in.Links) > 0 {
		canon, err := canonicalLinks(in.Links)
		if err != nil {
			return 0, err
		}
		if linkEntry, err = s.prepareDedup(canon); err != nil {
			return 0, err
		}
	}

	now := time.Now()
	rel := newShotPath(now)
	root := s.Root()
	if err := writeShotFile(root, rel, imageCT); err != nil {
		return 0, err
	}

	var id int64
	err = s.lockedTx(ctx, func(tx *sql.Tx) error {
		var iconID, linkID any
		if iconEntry != nil {
			v, err := getOrCreateDedup(ctx, tx, "page_icons", iconEntry)
			if err != nil {
				return err
			}
			iconID = v
		}
		if linkEntry != nil {
			v, err := getOrCreateDedup(ctx, tx, "link_sets", linkEntry)
			if err != nil {
				return err
			}
			linkID = v
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO screenshots (
				content_hash, width, height, path, status, created_at,
				content_key_encrypted, window_title_encrypted,
				process_name_encrypted, process_name,
				metadata_encrypted, source_encrypted, page_url_encrypted,
				page_icon_id, link_set_id
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			in.Hash, in.Width, in.Height, rel, StatusPending, now.Unix(),
			wrappedKey, titleCT, procCT, nullable(in.ProcessName),
			metaCT, srcCT, urlCT, iconID, linkID)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		// The UNIQUE backstop catches a duplicate staged between the
		// pre-check and the insert.
		if strings.Contains(err.Error(), "UNIQUE constraint failed: screenshots.content_hash") {
			if rmErr := removeShotFile(root, rel); rmErr != nil {
				s.log.Warn("screenstore: orphan pending file cleanup failed", "path", rel, "error", rmErr)
			}
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return id, nil
}

// Commit attaches OCR results to a pending record, folds their tokens into
// the blind index in the same transaction as the text inserts, and marks the
// record committed. A failed rename of the pending file is logged but does
// not block OCR attachment.
func (s *Store) Commit(ctx context.Context, id int64, anns []AnnotationInput) (CommitResult, error) {
	var res CommitResult

	// Encrypt outside the lock; the row keys are fresh so nothing blocks.
	var kept []preparedAnnotation
	for _, in := range anns {
		textHash := s.gate.MAC("text", []byte(in.Text))
		if duplicateRegion(kept, textHash, in.Box) {
			res.Skipped++
			continue
		}
		key, err := vault.NewRowKey()
		if err != nil {
			return res, err
		}
		wrapped, err := s.gate.Wrap(key)
		if err != nil {
			return res, err
		}
		textCT, err := s.gate.Encrypt(key, []byte(in.Text))
		if err != nil {
			return res, err
		}
		kept = append(kept, preparedAnnotation{in: in, wrapped: wrapped, textCT: textCT, textHash: textHash})
	}

	root := s.Root()
	now := time.Now()
	err := s.lockedTx(ctx, func(tx *sql.Tx) error {
		var path, status string
		err := tx.QueryRowContext(ctx,
			`SELECT path, status FROM screenshots WHERE id = ?`, id).Scan(&path, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != StatusPending {
			return ErrNotPending
		}

		finalPath, renameErr := finalizePath(root, path)
		if renameErr != nil {
			s.log.Warn("screenstore: pending rename failed, committing anyway",
				"id", id, "path", path, "error", renameErr)
			finalPath = path
		}

		for _, p := range kept {
			b := p.in.Box
			r, err := tx.ExecContext(ctx, `
				INSERT INTO ocr_texts (
					screenshot_id, text_encrypted, text_key_encrypted, text_hash,
					confidence, x1, y1, x2, y2, x3, y3, x4, y4, created_at
				) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				id, p.textCT, p.wrapped, p.textHash, p.in.Confidence,
				b[0].X, b[0].Y, b[1].X, b[1].Y, b[2].X, b[2].Y, b[3].X, b[3].Y,
				now.Unix())
			if err != nil {
				return err
			}
			annID, err := r.LastInsertId()
			if err != nil {
				return err
			}
			if err := s.index.AddDocument(ctx, tx, annID, p.in.Text); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE screenshots SET status = ?, committed_at = ?, path = ?
			WHERE id = ?`, StatusCommitted, now.Unix(), finalPath, id)
		return err
	})
	if err != nil {
		return CommitResult{}, err
	}
	res.Added = len(kept)
	return res, nil
}

// Abort marks a pending record aborted and deletes its ciphertext file.
// File deletion is best-effort; the state transition is what matters.
func (s *Store) Abort(ctx context.Context, id int64, reason string) error {
	var path string
	err := s.lockedTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT path, status FROM screenshots WHERE id = ?`, id).Scan(&path, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != StatusPending {
			return ErrNotPending
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE screenshots SET status = ? WHERE id = ?`, StatusAborted, id)
		return err
	})
	if err != nil {
		return err
	}

	if rmErr := removeShotFile(s.Root(), path); rmErr != nil {
		s.log.Warn("screenstore: abort file cleanup failed", "id", id, "path", path, "error", rmErr)
	}
	s.log.Info("screenstore: capture aborted", "id", id, "reason", reason)
	return nil
}

// Exists reports whether a content hash is already stored, in any state.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.locked(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM screenshots WHERE content_hash = ?`, hash).Scan(&n)
	})
	return n > 0, err
}

func (s *Store) encField(key []byte, v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	return s.gate.Encrypt(key, []byte(v))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// preparedAnnotation is an annotation encrypted ahead of the commit
// transaction.
type preparedAnnotation struct {
	in       AnnotationInput
	wrapped  []byte
	textCT   []byte
	textHash []byte
}

// duplicateRegion reports whether an annotation with the same text hash and
// a box within tolerance was already prepared for this commit.
func duplicateRegion(kept []preparedAnnotation, hash []byte, box Box) bool {
	for _, p := range kept {
		if string(p.textHash) != string(hash) {
			continue
		}
		near := true
		for i := range box {
			if math.Abs(box[i].X-p.in.Box[i].X) > boxTolerance ||
				math.Abs(box[i].Y-p.in.Box[i].Y) > boxTolerance {
				near = false
				break
			}
		}
		if near {
			return true
		}
	}
	return false
}

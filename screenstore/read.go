package screenstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// rawRecord is a screenshot row as copied out under the lock in phase 1:
// ciphertext and wrapped key only, no decryption yet.
type rawRecord struct {
	id          int64
	contentHash string
	width       int
	height      int
	path        string
	status      string
	createdAt   int64
	committedAt sql.NullInt64
	keyWrapped  []byte
	titleCT     []byte
	procCT      []byte
	procPlain   sql.NullString
	metaCT      []byte
	srcCT       []byte
	urlCT       []byte
	pageIconID  sql.NullInt64
	linkSetID   sql.NullInt64
}

const recordColumns = `id, content_hash, width, height, path, status,
	created_at, committed_at, content_key_encrypted,
	window_title_encrypted, process_name_encrypted, process_name,
	metadata_encrypted, source_encrypted, page_url_encrypted,
	page_icon_id, link_set_id`

func scanRawRecord(scan func(dest ...any) error) (*rawRecord, error) {
	var r rawRecord
	err := scan(&r.id, &r.contentHash, &r.width, &r.height, &r.path, &r.status,
		&r.createdAt, &r.committedAt, &r.keyWrapped,
		&r.titleCT, &r.procCT, &r.procPlain,
		&r.metaCT, &r.srcCT, &r.urlCT,
		&r.pageIconID, &r.linkSetID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// decryptRecord is phase 2: unwrap the row key and decrypt the field
// ciphertexts, lock-free. Unwrap failures propagate (the caller decides
// whether to skip the row); individual field decrypt failures degrade to
// empty fields so one corrupted blob doesn't hide the whole record.
func (s *Store) decryptRecord(ctx context.Context, r *rawRecord) (*Record, error) {
	rec := &Record{
		ID:          r.id,
		ContentHash: r.contentHash,
		Width:       r.width,
		Height:      r.height,
		Path:        r.path,
		Status:      r.status,
		CreatedAt:   time.Unix(r.createdAt, 0),
		ProcessName: r.procPlain.String,
		PageIconID:  r.pageIconID.Int64,
		LinkSetID:   r.linkSetID.Int64,
	}
	if r.committedAt.Valid {
		rec.CommittedAt = time.Unix(r.committedAt.Int64, 0)
	}
	if len(r.keyWrapped) == 0 {
		return rec, nil
	}
	key, err := s.gate.Unwrap(ctx, r.keyWrapped)
	if err != nil {
		return nil, err
	}
	rec.WindowTitle = s.decField(key, r.titleCT, r.id, "window_title")
	if r.procPlain.String == "" {
		rec.ProcessName = s.decField(key, r.procCT, r.id, "process_name")
	}
	rec.Metadata = s.decField(key, r.metaCT, r.id, "metadata")
	rec.Source = s.decField(key, r.srcCT, r.id, "source")
	rec.PageURL = s.decField(key, r.urlCT, r.id, "page_url")
	return rec, nil
}

func (s *Store) decField(key, ct []byte, id int64, field string) string {
	if len(ct) == 0 {
		return ""
	}
	pt, err := s.gate.Decrypt(key, ct)
	if err != nil {
		s.log.Warn("screenstore: field decrypt failed, returning empty",
			"id", id, "field", field, "error", err)
		return ""
	}
	return string(pt)
}

// GetByID returns one decrypted record.
func (s *Store) GetByID(ctx context.Context, id int64) (*Record, error) {
	var raw *rawRecord
	err := s.locked(func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM screenshots WHERE id = ?`, id)
		var scanErr error
		raw, scanErr = scanRawRecord(row.Scan)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.decryptRecord(ctx, raw)
}

// GetByTimeRange returns decrypted records created within [from, to],
// newest first. Rows whose key cannot be unwrapped are skipped with a log
// line rather than failing the listing.
func (s *Store) GetByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var raws []*rawRecord
	err := s.locked(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM screenshots
			 WHERE created_at BETWEEN ? AND ? AND status = ?
			 ORDER BY created_at DESC LIMIT ?`,
			from.Unix(), to.Unix(), StatusCommitted, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRawRecord(rows.Scan)
			if err != nil {
				return err
			}
			raws = append(raws, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := s.decryptRecord(ctx, raw)
		if err != nil {
			s.log.Warn("screenstore: skipping undecryptable record", "id", raw.id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// rawAnnotation is an OCR row before decryption.
type rawAnnotation struct {
	id           int64
	screenshotID int64
	textCT       []byte
	keyWrapped   []byte
	confidence   float64
	box          Box
	createdAt    int64
}

func (s *Store) loadRawAnnotations(ctx context.Context, db *sql.DB, query string, args ...any) ([]*rawAnnotation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*rawAnnotation
	for rows.Next() {
		var a rawAnnotation
		if err := rows.Scan(&a.id, &a.screenshotID, &a.textCT, &a.keyWrapped,
			&a.confidence,
			&a.box[0].X, &a.box[0].Y, &a.box[1].X, &a.box[1].Y,
			&a.box[2].X, &a.box[2].Y, &a.box[3].X, &a.box[3].Y,
			&a.createdAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

const annotationColumns = `id, screenshot_id, text_encrypted, text_key_encrypted,
	confidence, x1, y1, x2, y2, x3, y3, x4, y4, created_at`

// decryptAnnotation unwraps the annotation's own row key and decrypts its
// text.
func (s *Store) decryptAnnotation(ctx context.Context, a *rawAnnotation) (*Annotation, error) {
	key, err := s.gate.Unwrap(ctx, a.keyWrapped)
	if err != nil {
		return nil, err
	}
	text, err := s.gate.Decrypt(key, a.textCT)
	if err != nil {
		return nil, err
	}
	return &Annotation{
		ID:           a.id,
		ScreenshotID: a.screenshotID,
		Text:         string(text),
		Confidence:   a.confidence,
		Box:          a.box,
		CreatedAt:    time.Unix(a.createdAt, 0),
	}, nil
}

// GetAnnotations returns the decrypted OCR regions of one record.
// Undecryptable rows are skipped with a log line.
func (s *Store) GetAnnotations(ctx context.Context, recordID int64) ([]*Annotation, error) {
	var raws []*rawAnnotation
	err := s.locked(func(db *sql.DB) error {
		var err error
		raws, err = s.loadRawAnnotations(ctx, db,
			`SELECT `+annotationColumns+` FROM ocr_texts WHERE screenshot_id = ? ORDER BY id`,
			recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Annotation, 0, len(raws))
	for _, raw := range raws {
		ann, err := s.decryptAnnotation(ctx, raw)
		if err != nil {
			s.log.Warn("screenstore: skipping undecryptable annotation", "id", raw.id, "error", err)
			continue
		}
		out = append(out, ann)
	}
	return out, nil
}

// ListDistinctProcesses aggregates over the plaintext process-name column.
// This column deliberately duplicates the encrypted one so the aggregation
// stays a cheap SQL GROUP BY; see the schema notes before changing this.
func (s *Store) ListDistinctProcesses(ctx context.Context) ([]ProcessCount, error) {
	var out []ProcessCount
	err := s.locked(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT process_name, COUNT(*) FROM screenshots
			WHERE process_name IS NOT NULL AND process_name != ''
			GROUP BY process_name ORDER BY COUNT(*) DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var pc ProcessCount
			if err := rows.Scan(&pc.Name, &pc.Count); err != nil {
				return err
			}
			out = append(out, pc)
		}
		return rows.Err()
	})
	return out, err
}

// GetStats returns store-wide counts. No decryption involved.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.locked(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT status, COUNT(*) FROM screenshots GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			switch status {
			case StatusPending:
				st.Pending = n
			case StatusCommitted:
				st.Committed = n
			case StatusAborted:
				st.Aborted = n
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ocr_texts`).Scan(&st.Annotations); err != nil {
			return err
		}
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_index`).Scan(&st.IndexTokens)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

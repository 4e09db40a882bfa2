package screenstore

import (
	"context"
	"database/sql"
	"sort"
	"strings"
)

const inChunk = 500

// Search executes a blind AND-query. Every whitespace-separated keyword must
// match, but different keywords may match different OCR regions of the same
// record — requiring all keywords in one region would miss legitimate
// multi-region matches. Pagination happens index-side, on the intersected
// record set ordered newest first; the process and time-range filters run
// after decryption because those fields are encrypted and cannot be pushed
// into the index query.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]*SearchResult, error) {
	keywords := strings.Fields(q.Query)
	if len(keywords) == 0 {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}

	// Phase 1, under the lock: resolve bitmaps to record ids and copy out
	// raw encrypted rows. No unwrap happens here.
	var (
		pageRecords []*rawRecord
		pageAnns    map[int64][]*rawAnnotation
	)
	err := s.locked(func(db *sql.DB) error {
		perKeyword := make([]map[int64][]int64, 0, len(keywords))
		for _, kw := range keywords {
			bm, err := s.index.KeywordBitmap(ctx, db, kw, q.Fuzzy)
			if err != nil {
				return err
			}
			if bm.IsEmpty() {
				// One keyword with no postings zeroes the whole query.
				return nil
			}
			annIDs := make([]int64, 0, bm.GetCardinality())
			it := bm.Iterator()
			for it.HasNext() {
				annIDs = append(annIDs, int64(it.Next()))
			}
			byRecord, err := annotationRecords(ctx, db, annIDs)
			if err != nil {
				return err
			}
			if len(byRecord) == 0 {
				return nil
			}
			perKeyword = append(perKeyword, byRecord)
		}

		// Intersect per-keyword record-id sets; collect the union of
		// matching annotation ids for surviving records.
		matched := make(map[int64][]int64)
		for recID, annIDs := range perKeyword[0] {
			all := append([]int64(nil), annIDs...)
			ok := true
			for _, other := range perKeyword[1:] {
				ids, hit := other[recID]
				if !hit {
					ok = false
					break
				}
				all = append(all, ids...)
			}
			if ok {
				matched[recID] = dedupInt64(all)
			}
		}
		if len(matched) == 0 {
			return nil
		}

		// Newest first, then index-side pagination.
		recIDs := make([]int64, 0, len(matched))
		for id := range matched {
			recIDs = append(recIDs, id)
		}
		sort.Slice(recIDs, func(i, j int) bool { return recIDs[i] > recIDs[j] })
		if q.Offset >= len(recIDs) {
			return nil
		}
		recIDs = recIDs[q.Offset:]
		if len(recIDs) > q.Limit {
			recIDs = recIDs[:q.Limit]
		}

		var err error
		pageRecords, err = loadRawRecords(ctx, db, recIDs)
		if err != nil {
			return err
		}
		pageAnns = make(map[int64][]*rawAnnotation, len(recIDs))
		for _, recID := range recIDs {
			raws, err := s.loadRawAnnotations(ctx, db,
				`SELECT `+annotationColumns+` FROM ocr_texts
				 WHERE screenshot_id = ? AND id IN (`+placeholders(len(matched[recID]))+`)`,
				append([]any{recID}, toAnys(matched[recID])...)...)
			if err != nil {
				return err
			}
			pageAnns[recID] = raws
		}
		return nil
	})
	if err != nil || pageRecords == nil {
		return nil, err
	}

	// Phase 2, lock-free: decrypt and apply secondary filters.
	out := make([]*SearchResult, 0, len(pageRecords))
	for _, raw := range pageRecords {
		rec, err := s.decryptRecord(ctx, raw)
		if err != nil {
			s.log.Warn("screenstore: skipping undecryptable search hit", "id", raw.id, "error", err)
			continue
		}
		if !matchesFilters(rec, q) {
			continue
		}
		res := &SearchResult{Record: *rec}
		for _, rawAnn := range pageAnns[raw.id] {
			ann, err := s.decryptAnnotation(ctx, rawAnn)
			if err != nil {
				s.log.Warn("screenstore: skipping undecryptable annotation", "id", rawAnn.id, "error", err)
				continue
			}
			res.Annotations = append(res.Annotations, *ann)
		}
		out = append(out, res)
	}
	return out, nil
}

func matchesFilters(rec *Record, q SearchQuery) bool {
	if len(q.Processes) > 0 {
		hit := false
		for _, p := range q.Processes {
			if strings.EqualFold(p, rec.ProcessName) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if !q.From.IsZero() && rec.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && rec.CreatedAt.After(q.To) {
		return false
	}
	return true
}

// annotationRecords maps annotation ids to their records in chunked IN
// queries. Ids that no longer exist (deleted records with stale postings)
// drop out here.
func annotationRecords(ctx context.Context, db *sql.DB, annIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64)
	for start := 0; start < len(annIDs); start += inChunk {
		end := min(start+inChunk, len(annIDs))
		chunk := annIDs[start:end]
		rows, err := db.QueryContext(ctx,
			`SELECT id, screenshot_id FROM ocr_texts WHERE id IN (`+placeholders(len(chunk))+`)`,
			toAnys(chunk)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var annID, recID int64
			if err := rows.Scan(&annID, &recID); err != nil {
				rows.Close()
				return nil, err
			}
			out[recID] = append(out[recID], annID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func loadRawRecords(ctx context.Context, db *sql.DB, ids []int64) ([]*rawRecord, error) {
	byID := make(map[int64]*rawRecord, len(ids))
	for start := 0; start < len(ids); start += inChunk {
		end := min(start+inChunk, len(ids))
		chunk := ids[start:end]
		rows, err := db.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM screenshots WHERE id IN (`+placeholders(len(chunk))+`)`,
			toAnys(chunk)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			r, err := scanRawRecord(rows.Scan)
			if err != nil {
				rows.Close()
				return nil, err
			}
			byID[r.id] = r
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	// Preserve the caller's ordering.
	out := make([]*rawRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	return "?" + strings.Repeat(",?", n-1)
}

func toAnys(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func dedupInt64(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

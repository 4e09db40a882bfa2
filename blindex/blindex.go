// Package blindex maintains the blind search index: a token-hash → postings
// table where tokens are HMACed before storage (the index never reveals
// indexed plaintext) and postings are compressed roaring bitmaps of OCR text
// ids.
//
// All mutating methods take the caller's transaction: an index mutation for a
// text row must commit or roll back together with that row's insert, so
// postings never reference a nonexistent row.
package blindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
)

// Schema holds the DDL for the index tables. The store includes it in its
// startup schema.
const Schema = `
CREATE TABLE IF NOT EXISTS search_index (
    token_hash  BLOB PRIMARY KEY,
    postings    BLOB NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS index_stats (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    doc_count   INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO index_stats (id, doc_count) VALUES (1, 0);
`

// MAC is the keyed one-way hash applied to tokens before they touch storage.
type MAC func(data []byte) []byte

// Querier is the subset of *sql.DB / *sql.Tx the index reads through.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Execer adds statement execution for the write path.
type Execer interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Index is the blind index handle. The corpus size is cached in memory and
// maintained incrementally; it is never recomputed by scanning.
type Index struct {
	mac      MAC
	docCount atomic.Int64
}

// New creates an index handle around the given token MAC.
func New(mac MAC) *Index {
	return &Index{mac: mac}
}

// Load primes the cached corpus size from index_stats. Call once after the
// schema is applied.
func (ix *Index) Load(ctx context.Context, q Querier) error {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT doc_count FROM index_stats WHERE id = 1`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		n = 0
	} else if err != nil {
		return fmt.Errorf("blindex: load stats: %w", err)
	}
	ix.docCount.Store(n)
	return nil
}

// DocCount returns the cached approximate corpus size (number of indexed
// text rows).
func (ix *Index) DocCount() int64 { return ix.docCount.Load() }

// HashToken returns the blind hash of a token.
func (ix *Index) HashToken(token string) []byte { return ix.mac([]byte(token)) }

// AddDocument folds every distinct token of text into the postings index
// under docID and bumps the corpus counter. Must run inside the same
// transaction as the text row insert.
func (ix *Index) AddDocument(ctx context.Context, tx Execer, docID int64, text string) error {
	for _, token := range IndexTokens(text) {
		if err := ix.addPosting(ctx, tx, ix.HashToken(token), uint32(docID)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE index_stats SET doc_count = doc_count + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("blindex: bump doc count: %w", err)
	}
	ix.docCount.Add(1)
	return nil
}

// NoteRemoved decrements the corpus counter by n after text rows were
// deleted. Postings bitmaps are left as-is: deleted ids simply resolve to
// nothing at query time, and the document-frequency figures they inflate are
// heuristic inputs, not correctness inputs.
func (ix *Index) NoteRemoved(ctx context.Context, tx Execer, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE index_stats SET doc_count = MAX(0, doc_count - ?) WHERE id = 1`, n); err != nil {
		return fmt.Errorf("blindex: drop doc count: %w", err)
	}
	for {
		cur := ix.docCount.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if ix.docCount.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

func (ix *Index) addPosting(ctx context.Context, tx Execer, hash []byte, id uint32) error {
	bm, found, err := ix.postings(ctx, tx, hash)
	if err != nil {
		return err
	}
	if !found {
		bm = roaring.New()
	}
	bm.Add(id)
	blob, err := bm.MarshalBinary()
	if err != nil {
		return fmt.Errorf("blindex: marshal postings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_index (token_hash, postings) VALUES (?, ?)
		ON CONFLICT(token_hash) DO UPDATE SET postings = excluded.postings`,
		hash, blob); err != nil {
		return fmt.Errorf("blindex: store postings: %w", err)
	}
	return nil
}

func (ix *Index) postings(ctx context.Context, q Querier, hash []byte) (*roaring.Bitmap, bool, error) {
	var blob []byte
	err := q.QueryRowContext(ctx,
		`SELECT postings FROM search_index WHERE token_hash = ?`, hash).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blindex: read postings: %w", err)
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(blob); err != nil {
		return nil, false, fmt.Errorf("blindex: corrupt postings: %w", err)
	}
	return bm, true, nil
}

// KeywordBitmap resolves one query keyword to the bitmap of text ids that
// contain every token of the keyword. A keyword with any token missing from
// the index yields an empty bitmap immediately.
func (ix *Index) KeywordBitmap(ctx context.Context, q Querier, keyword string, fuzzy bool) (*roaring.Bitmap, error) {
	tokens := QueryTokens(keyword, fuzzy)
	if len(tokens) == 0 {
		return roaring.New(), nil
	}
	var acc *roaring.Bitmap
	for _, token := range tokens {
		bm, found, err := ix.postings(ctx, q, ix.HashToken(token))
		if err != nil {
			return nil, err
		}
		if !found || bm.IsEmpty() {
			return roaring.New(), nil
		}
		if acc == nil {
			acc = bm
		} else {
			acc.And(bm)
			if acc.IsEmpty() {
				return acc, nil
			}
		}
	}
	return acc, nil
}

// DocFreqs returns postings cardinality per token in one batched query.
// Tokens absent from the index map to 0.
func (ix *Index) DocFreqs(ctx context.Context, q Querier, tokens []string) (map[string]uint64, error) {
	freqs := make(map[string]uint64, len(tokens))
	if len(tokens) == 0 {
		return freqs, nil
	}
	hashes := make(map[string]string, len(tokens)) // hex-free: raw hash bytes as map key
	args := make([]any, 0, len(tokens))
	for _, token := range tokens {
		h := ix.HashToken(token)
		hashes[string(h)] = token
		freqs[token] = 0
		args = append(args, h)
	}
	query := `SELECT token_hash, postings FROM search_index WHERE token_hash IN (?` +
		strings.Repeat(",?", len(args)-1) + `)`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("blindex: doc freqs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hash, blob []byte
		if err := rows.Scan(&hash, &blob); err != nil {
			return nil, fmt.Errorf("blindex: doc freqs scan: %w", err)
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(blob); err != nil {
			return nil, fmt.Errorf("blindex: corrupt postings: %w", err)
		}
		if token, ok := hashes[string(hash)]; ok {
			freqs[token] = bm.GetCardinality()
		}
	}
	return freqs, rows.Err()
}

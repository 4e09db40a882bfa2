package screenstore

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/lucarne/linkrank"
)

// ScoreLinks scores anchor/URL pairs against the index's document-frequency
// data. One batched lookup under the lock; the arithmetic is pure and runs
// outside it. No decryption is involved, so this never prompts.
func (s *Store) ScoreLinks(ctx context.Context, anchors []linkrank.Anchor) ([]linkrank.ScoredLink, error) {
	if len(anchors) == 0 {
		return nil, nil
	}
	tokens := linkrank.Tokens(anchors)
	var freqs map[string]uint64
	err := s.locked(func(db *sql.DB) error {
		var err error
		freqs, err = s.index.DocFreqs(ctx, db, tokens)
		return err
	})
	if err != nil {
		return nil, err
	}
	return linkrank.Score(anchors, freqs, s.index.DocCount()), nil
}

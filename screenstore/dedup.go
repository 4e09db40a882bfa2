package screenstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/lucarne/vault"
)

// Dedup tables are content-hash-addressed: many records share one row for a
// repeated payload (a site favicon, an unchanged link set). Reference counts
// are never stored — they are derived from screenshot foreign keys when
// orphans are purged.

// dedupTables is the whitelist of content-addressed tables, keyed by the
// screenshot column that references them.
var dedupTables = map[string]string{
	"page_icon_id": "page_icons",
	"link_set_id":  "link_sets",
}

// dedupEntry is a fully prepared (encrypted) dedup row. Prepared outside the
// store lock: a fresh row key is generated and wrapped for every attempt,
// even when the insert is later ignored because the hash already exists.
// Occasionally wrapping a key that is thrown away is the price of not
// holding a transaction-level lock across the race.
type dedupEntry struct {
	hash       []byte
	ciphertext []byte
	wrappedKey []byte
}

// prepareDedup encrypts content into an insert-ready entry.
func (s *Store) prepareDedup(content []byte) (*dedupEntry, error) {
	key, err := vault.NewRowKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := s.gate.Wrap(key)
	if err != nil {
		return nil, err
	}
	ct, err := s.gate.Encrypt(key, content)
	if err != nil {
		return nil, err
	}
	return &dedupEntry{
		hash:       s.gate.MAC("dedup", content),
		ciphertext: ct,
		wrappedKey: wrapped,
	}, nil
}

// canonicalLinks serializes a link set into its canonical byte form used for
// content addressing.
func canonicalLinks(links []Link) ([]byte, error) {
	data, err := json.Marshal(links)
	if err != nil {
		return nil, fmt.Errorf("screenstore: canonicalize links: %w", err)
	}
	return data, nil
}

// getOrCreateDedup inserts the entry if its hash is new and returns the row
// id either way. INSERT OR IGNORE followed by SELECT resolves creation races
// without any extra locking.
func getOrCreateDedup(ctx context.Context, tx *sql.Tx, table string, e *dedupEntry) (int64, error) {
	ok := false
	for _, t := range dedupTables {
		if t == table {
			ok = true
		}
	}
	if !ok {
		return 0, fmt.Errorf("screenstore: not a dedup table: %s", table)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (content_hash, data_encrypted, key_encrypted, created_at)
		VALUES (?, ?, ?, ?)`, table),
		e.hash, e.ciphertext, e.wrappedKey, time.Now().Unix()); err != nil {
		return 0, fmt.Errorf("screenstore: dedup insert %s: %w", table, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE content_hash = ?`, table), e.hash).Scan(&id); err != nil {
		return 0, fmt.Errorf("screenstore: dedup select %s: %w", table, err)
	}
	return id, nil
}

// purgeOrphanDedup removes dedup rows no screenshot references anymore.
// Called after record deletions, inside the caller's transaction.
func purgeOrphanDedup(ctx context.Context, tx *sql.Tx) error {
	for column, table := range dedupTables {
		stmt := fmt.Sprintf(`
			DELETE FROM %s WHERE id NOT IN (
				SELECT DISTINCT %s FROM screenshots WHERE %s IS NOT NULL
			)`, table, column, column)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("screenstore: purge %s: %w", table, err)
		}
	}
	return nil
}

// DedupContent returns the decrypted content of a dedup entry. Two-phase:
// ciphertext is copied out under the lock, decryption runs lock-free.
func (s *Store) DedupContent(ctx context.Context, table string, id int64) ([]byte, error) {
	found := false
	for _, t := range dedupTables {
		if t == table {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("screenstore: not a dedup table: %s", table)
	}

	var ct, wrapped []byte
	err := s.locked(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT data_encrypted, key_encrypted FROM %s WHERE id = ?`, table), id).
			Scan(&ct, &wrapped)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	key, err := s.gate.Unwrap(ctx, wrapped)
	if err != nil {
		return nil, err
	}
	return s.gate.Decrypt(key, ct)
}

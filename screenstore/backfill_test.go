package screenstore

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/lucarne/vault"
)

// insertLegacyRow plants a row shaped like a pre-encryption-era database
// entry, bypassing Stage.
func insertLegacyRow(t *testing.T, s *Store, hash, path string, cols map[string]any) int64 {
	t.Helper()
	var id int64
	err := s.locked(func(db *sql.DB) error {
		res, err := db.Exec(`
			INSERT INTO screenshots (content_hash, path, status, created_at)
			VALUES (?, ?, 'committed', ?)`, hash, path, time.Now().Unix())
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		for col, v := range cols {
			if _, err := db.Exec(`UPDATE screenshots SET `+col+` = ? WHERE id = ?`, v, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSweepPlaintextStep(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// A legacy plaintext image file alongside its unkeyed row.
	plaintext := []byte("legacy plaintext image content")
	rel := filepath.Join("shots", "legacy", "old-shot.png")
	abs := filepath.Join(s.Root(), rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, plaintext, 0o600); err != nil {
		t.Fatal(err)
	}
	insertLegacyRow(t, s, "legacy1", rel, nil)

	n, err := s.SweepPlaintextStep(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	// Plaintext original gone, encrypted replacement present and keyed.
	if _, err := os.Stat(abs); !os.IsNotExist(err) {
		t.Error("plaintext original still on disk")
	}
	var newPath string
	var wrapped []byte
	err = s.locked(func(db *sql.DB) error {
		return db.QueryRow(`SELECT path, content_key_encrypted FROM screenshots WHERE content_hash = 'legacy1'`).
			Scan(&newPath, &wrapped)
	})
	if err != nil {
		t.Fatal(err)
	}
	if newPath != rel+EncSuffix {
		t.Errorf("path = %q, want %q", newPath, rel+EncSuffix)
	}
	ct, err := os.ReadFile(filepath.Join(s.Root(), newPath))
	if err != nil {
		t.Fatal(err)
	}
	key, err := s.gate.Unwrap(ctx, wrapped)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.gate.Decrypt(key, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("swept file does not decrypt to the original plaintext")
	}

	// Predicate-based resumption: a second pass finds nothing.
	n, err = s.SweepPlaintextStep(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second pass processed = %d, want 0", n)
	}
}

func TestMigrateInlineStep(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Legacy row with an inline encrypted icon instead of a dedup reference.
	key, err := vault.NewRowKey()
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := s.gate.Wrap(key)
	if err != nil {
		t.Fatal(err)
	}
	icon := []byte("inline favicon bytes")
	iconCT, err := s.gate.Encrypt(key, icon)
	if err != nil {
		t.Fatal(err)
	}
	insertLegacyRow(t, s, "legacy1", "shots/x.enc", map[string]any{
		"content_key_encrypted": wrapped,
		"page_icon_encrypted":   iconCT,
	})

	n, err := s.MigrateInlineStep(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	var iconID sql.NullInt64
	var inline []byte
	err = s.locked(func(db *sql.DB) error {
		return db.QueryRow(`SELECT page_icon_id, page_icon_encrypted FROM screenshots WHERE content_hash = 'legacy1'`).
			Scan(&iconID, &inline)
	})
	if err != nil {
		t.Fatal(err)
	}
	if !iconID.Valid {
		t.Fatal("page_icon_id not set")
	}
	if inline != nil {
		t.Error("inline column not nulled")
	}
	got, err := s.DedupContent(ctx, "page_icons", iconID.Int64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, icon) {
		t.Error("dedup entry does not decrypt to the inline content")
	}

	if n, err = s.MigrateInlineStep(ctx, 100); err != nil || n != 0 {
		t.Errorf("second pass = %d, %v; want 0, nil", n, err)
	}
}

func TestBackfillProcessStep(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, err := vault.NewRowKey()
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := s.gate.Wrap(key)
	if err != nil {
		t.Fatal(err)
	}
	procCT, err := s.gate.Encrypt(key, []byte("legacybrowser"))
	if err != nil {
		t.Fatal(err)
	}
	insertLegacyRow(t, s, "legacy1", "shots/x.enc", map[string]any{
		"content_key_encrypted":  wrapped,
		"process_name_encrypted": procCT,
	})

	n, err := s.BackfillProcessStep(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	var proc sql.NullString
	err = s.locked(func(db *sql.DB) error {
		return db.QueryRow(`SELECT process_name FROM screenshots WHERE content_hash = 'legacy1'`).Scan(&proc)
	})
	if err != nil {
		t.Fatal(err)
	}
	if proc.String != "legacybrowser" {
		t.Errorf("process_name = %q, want legacybrowser", proc.String)
	}

	if n, err = s.BackfillProcessStep(ctx, 100); err != nil || n != 0 {
		t.Errorf("second pass = %d, %v; want 0, nil", n, err)
	}
}

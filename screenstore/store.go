// Package screenstore persists continuously captured screen content under
// envelope encryption while keeping it searchable through a blind index.
//
// One SQLite database plus ciphertext image files under a data root. All SQL
// runs through a single serialized connection guarded by one mutex. The one
// discipline everything else hangs on: the mutex is never held across
// Gate.Unwrap, because that call can block for a human-scale duration on the
// platform authentication prompt. Read paths therefore run in two phases —
// raw encrypted bytes are copied out under the lock, decryption happens
// lock-free afterwards.
package screenstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/hazyhaar/lucarne/blindex"
	"github.com/hazyhaar/lucarne/dbopen"
	"github.com/hazyhaar/lucarne/vault"
)

// DBFileName is the database file name inside the data root.
const DBFileName = "lucarne.db"

// Crypto is the envelope gate plus the keyed hash used for blind indexing
// and content addressing. *vault.FileGate satisfies it.
type Crypto interface {
	vault.Gate
	MAC(purpose string, data []byte) []byte
}

// Store is the encrypted record store. Safe for concurrent use.
type Store struct {
	gate    Crypto
	session *vault.Session
	log     *slog.Logger

	mu    sync.Mutex // serializes SQL; never held across Unwrap
	db    *sql.DB
	root  string
	index *blindex.Index

	migMu     sync.Mutex
	migrating bool
}

// Option configures Open.
type Option func(*Store)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// WithSession attaches the authentication session consulted by background
// jobs.
func WithSession(sess *vault.Session) Option { return func(s *Store) { s.session = sess } }

// Open initializes the store against the data root. A missing database is
// created; an older one is upgraded additively. Open fails hard on an
// unopenable database — the store never runs half-initialized.
func Open(root string, gate Crypto, opts ...Option) (*Store, error) {
	s := &Store{
		gate: gate,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.bind(root); err != nil {
		return nil, err
	}
	return s, nil
}

// bind opens the database under root and primes the index. Callers must not
// hold s.mu.
func (s *Store) bind(root string) error {
	db, err := dbopen.Open(filepath.Join(root, DBFileName),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(schemaDDL),
		dbopen.WithSchema(blindex.Schema),
	)
	if err != nil {
		return fmt.Errorf("screenstore: open %s: %w", root, err)
	}
	if err := migrateColumns(db); err != nil {
		db.Close()
		return err
	}
	index := blindex.New(func(b []byte) []byte { return s.gate.MAC("token", b) })
	if err := index.Load(context.Background(), db); err != nil {
		db.Close()
		return err
	}

	s.mu.Lock()
	s.db = db
	s.root = root
	s.index = index
	s.mu.Unlock()
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Root returns the current data root.
func (s *Store) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Session returns the authentication session, or nil when none is attached.
func (s *Store) Session() *vault.Session { return s.session }

// Rebind closes the database and reopens it under newRoot. On failure it
// re-opens against the original root, so the store is always left
// initialized against one of the two.
func (s *Store) Rebind(newRoot string) error {
	s.mu.Lock()
	old := s.root
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.mu.Unlock()

	if err := s.bind(newRoot); err != nil {
		if rerr := s.bind(old); rerr != nil {
			return fmt.Errorf("screenstore: rebind failed and rollback failed: %w (rollback: %v)", err, rerr)
		}
		return err
	}
	return nil
}

// BeginRootMigration marks a directory migration as in progress. A second
// concurrent migration is a concurrency conflict.
func (s *Store) BeginRootMigration() error {
	s.migMu.Lock()
	defer s.migMu.Unlock()
	if s.migrating {
		return ErrMigrationRunning
	}
	s.migrating = true
	return nil
}

// EndRootMigration clears the migration flag.
func (s *Store) EndRootMigration() {
	s.migMu.Lock()
	s.migrating = false
	s.migMu.Unlock()
}

// locked runs fn while holding the store mutex. fn must not call Unwrap.
func (s *Store) locked(fn func(db *sql.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("screenstore: store is closed")
	}
	return fn(s.db)
}

// lockedTx runs fn inside one transaction while holding the store mutex,
// retrying on SQLITE_BUSY. fn must not call Unwrap.
func (s *Store) lockedTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.locked(func(db *sql.DB) error {
		return dbopen.RunTx(ctx, db, fn)
	})
}

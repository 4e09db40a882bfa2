package screenstore

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/lucarne/vault"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func instantAuth() vault.Authorizer {
	return vault.AuthorizerFunc(func(ctx context.Context) ([]byte, error) {
		return testSecret, nil
	})
}

func testStoreWithAuth(t *testing.T, auth vault.Authorizer) *Store {
	t.Helper()
	root := t.TempDir()
	if err := vault.InitKeyFile(root, testSecret); err != nil {
		t.Fatal(err)
	}
	gate, err := vault.NewFileGate(root, auth, vault.NewSession(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(root, gate)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testStore(t *testing.T) *Store {
	t.Helper()
	return testStoreWithAuth(t, instantAuth())
}

func stageOne(t *testing.T, s *Store, hash string) int64 {
	t.Helper()
	id, err := s.Stage(context.Background(), StageInput{
		Image:       []byte("fake image bytes for " + hash),
		Hash:        hash,
		Width:       100,
		Height:      100,
		WindowTitle: "Test Window",
		ProcessName: "testproc",
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func commitOne(t *testing.T, s *Store, id int64, text string) {
	t.Helper()
	_, err := s.Commit(context.Background(), id, []AnnotationInput{{
		Text:       text,
		Confidence: 0.9,
		Box:        Box{{0, 0}, {10, 0}, {10, 10}, {0, 10}},
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func countShotFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(filepath.Join(root, "shots"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	return n
}

func TestStageDuplicateIsNoOp(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := stageOne(t, s, "h1")
	if id == 0 {
		t.Fatal("expected non-zero id")
	}
	files := countShotFiles(t, s.Root())

	_, err := s.Stage(ctx, StageInput{Image: []byte("x"), Hash: "h1"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if got := countShotFiles(t, s.Root()); got != files {
		t.Errorf("file count = %d, want %d (duplicate must not write)", got, files)
	}

	ok, err := s.Exists(ctx, "h1")
	if err != nil || !ok {
		t.Errorf("Exists(h1) = %v, %v; want true", ok, err)
	}
	ok, _ = s.Exists(ctx, "other")
	if ok {
		t.Error("Exists(other) = true, want false")
	}
}

func TestStagedFileIsPendingCiphertext(t *testing.T) {
	s := testStore(t)
	id := stageOne(t, s, "h1")

	rec, err := s.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusPending {
		t.Errorf("status = %q, want pending", rec.Status)
	}
	if !strings.HasSuffix(rec.Path, PendingSuffix) {
		t.Errorf("path = %q, want %s suffix", rec.Path, PendingSuffix)
	}
	abs := filepath.Join(s.Root(), rec.Path)
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "fake image bytes") {
		t.Error("staged file contains plaintext")
	}
}

func TestCommitIsOneWay(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := stageOne(t, s, "h1")
	commitOne(t, s, id, "hello world")

	rec, err := s.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusCommitted {
		t.Errorf("status = %q, want committed", rec.Status)
	}
	if rec.CommittedAt.IsZero() {
		t.Error("committed_at not set")
	}
	if !strings.HasSuffix(rec.Path, EncSuffix) || strings.HasSuffix(rec.Path, PendingSuffix) {
		t.Errorf("path = %q, want finalized .enc", rec.Path)
	}

	// No transition out of a terminal state.
	if err := s.Abort(ctx, id, "too late"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Abort after commit: err = %v, want ErrNotPending", err)
	}
	if _, err := s.Commit(ctx, id, nil); !errors.Is(err, ErrNotPending) {
		t.Errorf("double Commit: err = %v, want ErrNotPending", err)
	}

	// OCR rows are visible after commit.
	anns, err := s.GetAnnotations(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(anns) != 1 || anns[0].Text != "hello world" {
		t.Fatalf("annotations = %+v, want one 'hello world'", anns)
	}
	if anns[0].Box[2].X != 10 || anns[0].Box[2].Y != 10 {
		t.Errorf("box = %+v", anns[0].Box)
	}
}

func TestAbortLeavesNoFile(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := stageOne(t, s, "h1")

	rec, _ := s.GetByID(ctx, id)
	abs := filepath.Join(s.Root(), rec.Path)
	if _, err := os.Stat(abs); err != nil {
		t.Fatal("pending file should exist before abort")
	}

	if err := s.Abort(ctx, id, "window excluded"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(abs); !os.IsNotExist(err) {
		t.Error("ciphertext file still exists after abort")
	}
	rec, err := s.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusAborted {
		t.Errorf("status = %q, want aborted", rec.Status)
	}
	if _, err := s.Commit(ctx, id, nil); !errors.Is(err, ErrNotPending) {
		t.Errorf("Commit after abort: err = %v, want ErrNotPending", err)
	}
}

func TestCommitSkipsDuplicateRegions(t *testing.T) {
	s := testStore(t)
	id := stageOne(t, s, "h1")

	box := Box{{0, 0}, {50, 0}, {50, 20}, {0, 20}}
	nearBox := Box{{2, 1}, {52, 1}, {52, 22}, {2, 22}}
	farBox := Box{{0, 500}, {50, 500}, {50, 520}, {0, 520}}
	res, err := s.Commit(context.Background(), id, []AnnotationInput{
		{Text: "same text", Confidence: 0.9, Box: box},
		{Text: "same text", Confidence: 0.8, Box: nearBox}, // duplicate region
		{Text: "same text", Confidence: 0.8, Box: farBox},  // same text, elsewhere
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 2 || res.Skipped != 1 {
		t.Errorf("result = %+v, want Added=2 Skipped=1", res)
	}
}

func TestCommitUnknownID(t *testing.T) {
	s := testStore(t)
	if _, err := s.Commit(context.Background(), 9999, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.Abort(context.Background(), 9999, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("abort err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByID(context.Background(), 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("get err = %v, want ErrNotFound", err)
	}
}

func TestRecordFieldsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id, err := s.Stage(ctx, StageInput{
		Image:       []byte("img"),
		Hash:        "h1",
		Width:       1920,
		Height:      1080,
		WindowTitle: "Secret Document - Editor",
		ProcessName: "editor",
		Metadata:    `{"display":1}`,
		Source:      "fullscreen",
		PageURL:     "https://example.com/doc",
	})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.WindowTitle != "Secret Document - Editor" ||
		rec.ProcessName != "editor" ||
		rec.Metadata != `{"display":1}` ||
		rec.Source != "fullscreen" ||
		rec.PageURL != "https://example.com/doc" {
		t.Errorf("decrypted record = %+v", rec)
	}
	if rec.Width != 1920 || rec.Height != 1080 {
		t.Errorf("geometry = %dx%d", rec.Width, rec.Height)
	}

	// Sensitive fields must not appear in plaintext in the database, except
	// the documented process_name aggregation column.
	var title sql.NullString
	err = s.locked(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT process_name FROM screenshots WHERE id = ?`, id).Scan(&title)
	})
	if err != nil {
		t.Fatal(err)
	}
	if title.String != "editor" {
		t.Errorf("plaintext process_name = %q, want editor", title.String)
	}
}

func TestGetByTimeRange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id1 := stageOne(t, s, "h1")
	commitOne(t, s, id1, "first")
	id2 := stageOne(t, s, "h2")
	commitOne(t, s, id2, "second")
	stageOne(t, s, "h3") // stays pending, excluded

	recs, err := s.GetByTimeRange(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2 committed", len(recs))
	}

	recs, err = s.GetByTimeRange(ctx, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("future range returned %d records", len(recs))
	}
}

func TestDeleteCascadesAndKeepsSharedDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	icon := []byte("shared favicon bytes")

	mkRecord := func(hash string) int64 {
		id, err := s.Stage(ctx, StageInput{
			Image:    []byte("img " + hash),
			Hash:     hash,
			PageIcon: icon,
			Links:    []Link{{Text: "Home", URL: "https://example.com"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		commitOne(t, s, id, "text for "+hash)
		return id
	}
	id1 := mkRecord("h1")
	id2 := mkRecord("h2")

	rec1, _ := s.GetByID(ctx, id1)
	rec2, _ := s.GetByID(ctx, id2)
	if rec1.PageIconID == 0 || rec1.PageIconID != rec2.PageIconID {
		t.Fatalf("icon ids = %d, %d; want shared non-zero", rec1.PageIconID, rec2.PageIconID)
	}

	countRows := func(table string) int64 {
		var n int64
		if err := s.locked(func(db *sql.DB) error {
			return db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
		}); err != nil {
			t.Fatal(err)
		}
		return n
	}

	path1 := filepath.Join(s.Root(), rec1.Path)
	if err := s.Delete(ctx, id1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path1); !os.IsNotExist(err) {
		t.Error("deleted record's file still on disk")
	}
	if n := countRows("ocr_texts"); n != 1 {
		t.Errorf("ocr_texts = %d, want 1 (cascade)", n)
	}
	if n := countRows("page_icons"); n != 1 {
		t.Errorf("page_icons = %d, want 1 (still referenced by second record)", n)
	}

	if err := s.Delete(ctx, id2); err != nil {
		t.Fatal(err)
	}
	if n := countRows("page_icons"); n != 0 {
		t.Errorf("page_icons = %d, want 0 (orphan purged)", n)
	}
	if n := countRows("link_sets"); n != 0 {
		t.Errorf("link_sets = %d, want 0 (orphan purged)", n)
	}
	if err := s.Delete(ctx, id1); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestDeleteRange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, h := range []string{"h1", "h2", "h3"} {
		id := stageOne(t, s, h)
		commitOne(t, s, id, "content "+h)
	}
	n, err := s.DeleteRange(ctx, 0, time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Committed != 0 || st.Annotations != 0 {
		t.Errorf("stats after range delete = %+v", st)
	}
}

func TestListDistinctProcesses(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i, proc := range []string{"browser", "browser", "editor"} {
		_, err := s.Stage(ctx, StageInput{
			Image:       []byte{byte(i)},
			Hash:        string(rune('a' + i)),
			ProcessName: proc,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListDistinctProcesses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("processes = %+v, want 2", got)
	}
	if got[0].Name != "browser" || got[0].Count != 2 {
		t.Errorf("top process = %+v, want browser/2", got[0])
	}
}

// A blocked authentication prompt must not stall the write path: the store
// lock is never held across Unwrap.
func TestStageProceedsWhileUnwrapBlocked(t *testing.T) {
	release := make(chan struct{})
	auth := vault.AuthorizerFunc(func(ctx context.Context) ([]byte, error) {
		select {
		case <-release:
			return testSecret, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s := testStoreWithAuth(t, auth)
	ctx := context.Background()

	id := stageOne(t, s, "h1")

	readDone := make(chan error, 1)
	go func() {
		_, err := s.GetByID(ctx, id) // blocks in Unwrap on the fake prompt
		readDone <- err
	}()

	staged := make(chan error, 1)
	go func() {
		_, err := s.Stage(ctx, StageInput{Image: []byte("img2"), Hash: "h2"})
		staged <- err
	}()

	select {
	case err := <-staged:
		if err != nil {
			t.Fatalf("stage during blocked unwrap: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stage stalled behind a blocked authentication prompt")
	}

	close(release)
	if err := <-readDone; err != nil {
		t.Fatalf("read after release: %v", err)
	}
}

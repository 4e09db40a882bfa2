package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/lucarne/linkrank"
	"github.com/hazyhaar/lucarne/screenstore"
	"github.com/hazyhaar/lucarne/vault"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testHandler(t *testing.T) http.Handler {
	t.Helper()
	root := t.TempDir()
	if err := vault.InitKeyFile(root, testSecret); err != nil {
		t.Fatal(err)
	}
	auth := vault.AuthorizerFunc(func(ctx context.Context) ([]byte, error) {
		return testSecret, nil
	})
	gate, err := vault.NewFileGate(root, auth, vault.NewSession(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	store, err := screenstore.Open(root, gate)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, nil).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response: %v\n%s", method, path, err, rec.Body.String())
		}
	}
	return rec
}

func stageReq(hash string) StageRequest {
	return StageRequest{
		Image:       []byte("image bytes " + hash),
		Hash:        hash,
		Width:       100,
		Height:      100,
		WindowTitle: "Editor",
		ProcessName: "editor",
	}
}

var testBox = screenstore.Box{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}

func TestStageCommitSearchOverHTTP(t *testing.T) {
	h := testHandler(t)

	var staged StageResponse
	rec := doJSON(t, h, http.MethodPost, "/api/v1/records/stage", stageReq("h1"), &staged)
	if rec.Code != http.StatusCreated {
		t.Fatalf("stage status = %d: %s", rec.Code, rec.Body.String())
	}
	if staged.Duplicate || staged.ID == 0 {
		t.Fatalf("stage response = %+v", staged)
	}

	var committed CommitResponse
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/commit", staged.ID),
		CommitRequest{Annotations: []AnnotationJSON{{Text: "hello world", Confidence: 0.9, Box: testBox}}},
		&committed)
	if rec.Code != http.StatusOK {
		t.Fatalf("commit status = %d: %s", rec.Code, rec.Body.String())
	}
	if committed.Added != 1 || committed.Skipped != 0 {
		t.Fatalf("commit response = %+v", committed)
	}

	var found SearchResponse
	rec = doJSON(t, h, http.MethodPost, "/api/v1/search", SearchRequest{Query: "hello", Limit: 10}, &found)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(found.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(found.Results))
	}
	hit := found.Results[0]
	if hit.Record.ID != staged.ID {
		t.Errorf("hit id = %d, want %d", hit.Record.ID, staged.ID)
	}
	if len(hit.Annotations) != 1 || hit.Annotations[0].Text != "hello world" {
		t.Errorf("hit annotations = %+v", hit.Annotations)
	}
}

func TestStageDuplicate(t *testing.T) {
	h := testHandler(t)
	var first StageResponse
	doJSON(t, h, http.MethodPost, "/api/v1/records/stage", stageReq("dup"), &first)

	var second StageResponse
	rec := doJSON(t, h, http.MethodPost, "/api/v1/records/stage", stageReq("dup"), &second)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate stage status = %d", rec.Code)
	}
	if !second.Duplicate || second.ID != 0 {
		t.Fatalf("duplicate stage response = %+v", second)
	}

	var exists ExistsResponse
	doJSON(t, h, http.MethodGet, "/api/v1/records/exists/dup", nil, &exists)
	if !exists.Exists {
		t.Error("exists = false for staged hash")
	}
	doJSON(t, h, http.MethodGet, "/api/v1/records/exists/missing", nil, &exists)
	if exists.Exists {
		t.Error("exists = true for unknown hash")
	}
}

func TestAbortAndConflict(t *testing.T) {
	h := testHandler(t)
	var staged StageResponse
	doJSON(t, h, http.MethodPost, "/api/v1/records/stage", stageReq("ab1"), &staged)

	rec := doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/abort", staged.ID),
		AbortRequest{Reason: "test"}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("abort status = %d", rec.Code)
	}

	// Commit after abort is a lifecycle conflict.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/commit", staged.ID),
		CommitRequest{}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("commit-after-abort status = %d, want 409", rec.Code)
	}
}

func TestRecordEndpoints(t *testing.T) {
	h := testHandler(t)
	var staged StageResponse
	doJSON(t, h, http.MethodPost, "/api/v1/records/stage", stageReq("r1"), &staged)
	doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/commit", staged.ID),
		CommitRequest{Annotations: []AnnotationJSON{{Text: "annotation text", Confidence: 0.8, Box: testBox}}}, nil)

	var got RecordJSON
	rec := doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/records/%d", staged.ID), nil, &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got.ContentHash != "r1" || got.WindowTitle != "Editor" || got.Status != screenstore.StatusCommitted {
		t.Errorf("record = %+v", got)
	}

	var anns []AnnotationJSON
	doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/records/%d/annotations", staged.ID), nil, &anns)
	if len(anns) != 1 || anns[0].Text != "annotation text" {
		t.Errorf("annotations = %+v", anns)
	}

	var listed []RecordJSON
	now := time.Now().Unix()
	path := fmt.Sprintf("/api/v1/records?start=%d&end=%d&limit=10", now-3600, now+3600)
	doJSON(t, h, http.MethodGet, path, nil, &listed)
	if len(listed) != 1 || listed[0].ID != staged.ID {
		t.Errorf("time range = %+v", listed)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/records/99999", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestDeleteEndpoints(t *testing.T) {
	h := testHandler(t)
	var a, b StageResponse
	doJSON(t, h, http.MethodPost, "/api/v1/records/stage", stageReq("d1"), &a)
	doJSON(t, h, http.MethodPost, "/api/v1/records/stage", stageReq("d2"), &b)

	rec := doJSON(t, h, http.MethodDelete, fmt.Sprintf("/api/v1/records/%d", a.ID), nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/records/%d", a.ID), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted record status = %d, want 404", rec.Code)
	}

	now := time.Now().Unix()
	var dr DeleteRangeResponse
	doJSON(t, h, http.MethodPost, "/api/v1/records/delete-range",
		DeleteRangeRequest{Start: now - 3600, End: now + 3600}, &dr)
	if dr.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", dr.Deleted)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/records/delete-range",
		DeleteRangeRequest{Start: 10, End: 5}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", rec.Code)
	}
}

func TestScoreLinksAndAggregates(t *testing.T) {
	h := testHandler(t)
	var staged StageResponse
	doJSON(t, h, http.MethodPost, "/api/v1/records/stage", stageReq("agg1"), &staged)
	doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/commit", staged.ID),
		CommitRequest{Annotations: []AnnotationJSON{{Text: "release notes for the quarterly report", Confidence: 0.9, Box: testBox}}}, nil)

	var scored ScoreLinksResponse
	doJSON(t, h, http.MethodPost, "/api/v1/links/score", ScoreLinksRequest{Anchors: []linkrank.Anchor{
		{Text: "https://example.com", URL: "https://example.com"},
		{Text: "quarterly report release notes", URL: "https://example.com/report"},
	}}, &scored)
	if len(scored.Links) != 2 {
		t.Fatalf("links = %d, want 2", len(scored.Links))
	}
	if scored.Links[0].Score <= 0 {
		t.Errorf("prose anchor score = %v, want > 0", scored.Links[0].Score)
	}
	if scored.Links[1].Score != 0 {
		t.Errorf("raw URL score = %v, want 0", scored.Links[1].Score)
	}

	var procs []ProcessJSON
	doJSON(t, h, http.MethodGet, "/api/v1/processes", nil, &procs)
	if len(procs) != 1 || procs[0].Name != "editor" || procs[0].Count != 1 {
		t.Errorf("processes = %+v", procs)
	}

	var stats StatsResponse
	doJSON(t, h, http.MethodGet, "/api/v1/stats", nil, &stats)
	if stats.Committed != 1 || stats.Annotations != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBadRequests(t *testing.T) {
	h := testHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/records/stage", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}

	r2 := doJSON(t, h, http.MethodPost, "/api/v1/records/stage", StageRequest{Hash: "x"}, nil)
	if r2.Code != http.StatusBadRequest {
		t.Errorf("missing fields status = %d, want 400", r2.Code)
	}

	r3 := doJSON(t, h, http.MethodPost, "/api/v1/records/abc/commit", CommitRequest{}, nil)
	if r3.Code != http.StatusNotFound && r3.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id status = %d", r3.Code)
	}
}

package ipc

import (
	"time"

	"github.com/hazyhaar/lucarne/linkrank"
	"github.com/hazyhaar/lucarne/screenstore"
)

// The IPC boundary speaks a closed set of typed JSON shapes. Byte fields
// ([]byte) travel base64-encoded per encoding/json convention; timestamps
// travel as unix seconds.

// StageRequest is the body for POST /api/v1/records/stage.
type StageRequest struct {
	Image       []byte             `json:"image"`
	Hash        string             `json:"hash"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	WindowTitle string             `json:"window_title,omitempty"`
	ProcessName string             `json:"process_name,omitempty"`
	Metadata    string             `json:"metadata,omitempty"`
	Source      string             `json:"source,omitempty"`
	PageURL     string             `json:"page_url,omitempty"`
	PageIcon    []byte             `json:"page_icon,omitempty"`
	Links       []screenstore.Link `json:"links,omitempty"`
}

// StageResponse reports either the new pending id or that the content hash
// was already stored. Duplicate is a normal outcome, not an error.
type StageResponse struct {
	Duplicate bool  `json:"duplicate"`
	ID        int64 `json:"id,omitempty"`
}

// AnnotationJSON is one OCR region, in requests and responses alike.
type AnnotationJSON struct {
	ID         int64           `json:"id,omitempty"`
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Box        screenstore.Box `json:"box"`
	CreatedAt  int64           `json:"created_at,omitempty"`
}

// CommitRequest is the body for POST /api/v1/records/{id}/commit.
type CommitRequest struct {
	Annotations []AnnotationJSON `json:"annotations"`
}

// CommitResponse reports attached and duplicate-region-skipped counts.
type CommitResponse struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// AbortRequest is the body for POST /api/v1/records/{id}/abort.
type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ExistsResponse is the body for GET /api/v1/records/exists/{hash}.
type ExistsResponse struct {
	Exists bool `json:"exists"`
}

// RecordJSON is the decrypted view of one screenshot record.
type RecordJSON struct {
	ID          int64  `json:"id"`
	ContentHash string `json:"content_hash"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Path        string `json:"path"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	CommittedAt int64  `json:"committed_at,omitempty"`
	WindowTitle string `json:"window_title,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
	Source      string `json:"source,omitempty"`
	PageURL     string `json:"page_url,omitempty"`
	PageIconID  int64  `json:"page_icon_id,omitempty"`
	LinkSetID   int64  `json:"link_set_id,omitempty"`
}

// SearchRequest is the body for POST /api/v1/search.
type SearchRequest struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
	Fuzzy     bool     `json:"fuzzy,omitempty"`
	Processes []string `json:"processes,omitempty"`
	Start     int64    `json:"start,omitempty"`
	End       int64    `json:"end,omitempty"`
}

// SearchHit is one search result: the record plus the annotations that
// matched the query.
type SearchHit struct {
	Record      RecordJSON       `json:"record"`
	Annotations []AnnotationJSON `json:"annotations"`
}

// SearchResponse is the body returned by POST /api/v1/search.
type SearchResponse struct {
	Results []SearchHit `json:"results"`
}

// ScoreLinksRequest is the body for POST /api/v1/links/score.
type ScoreLinksRequest struct {
	Anchors []linkrank.Anchor `json:"anchors"`
}

// ScoreLinksResponse returns the anchors ranked by relevance.
type ScoreLinksResponse struct {
	Links []linkrank.ScoredLink `json:"links"`
}

// ProcessJSON is one row of GET /api/v1/processes.
type ProcessJSON struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// DeleteRangeRequest is the body for POST /api/v1/records/delete-range.
type DeleteRangeRequest struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// DeleteRangeResponse reports how many records were removed.
type DeleteRangeResponse struct {
	Deleted int `json:"deleted"`
}

// StatsResponse is the body for GET /api/v1/stats.
type StatsResponse struct {
	Pending     int64 `json:"pending"`
	Committed   int64 `json:"committed"`
	Aborted     int64 `json:"aborted"`
	Annotations int64 `json:"annotations"`
	IndexTokens int64 `json:"index_tokens"`
}

func recordJSON(r *screenstore.Record) RecordJSON {
	out := RecordJSON{
		ID:          r.ID,
		ContentHash: r.ContentHash,
		Width:       r.Width,
		Height:      r.Height,
		Path:        r.Path,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt.Unix(),
		WindowTitle: r.WindowTitle,
		ProcessName: r.ProcessName,
		Metadata:    r.Metadata,
		Source:      r.Source,
		PageURL:     r.PageURL,
		PageIconID:  r.PageIconID,
		LinkSetID:   r.LinkSetID,
	}
	if !r.CommittedAt.IsZero() {
		out.CommittedAt = r.CommittedAt.Unix()
	}
	return out
}

func annotationJSON(a *screenstore.Annotation) AnnotationJSON {
	return AnnotationJSON{
		ID:         a.ID,
		Text:       a.Text,
		Confidence: a.Confidence,
		Box:        a.Box,
		CreatedAt:  a.CreatedAt.Unix(),
	}
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

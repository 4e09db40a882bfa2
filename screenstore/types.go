package screenstore

import "time"

// Record lifecycle states. pending is the only non-terminal state; the only
// transitions out of it are commit and abort.
const (
	StatusPending   = "pending"
	StatusCommitted = "committed"
	StatusAborted   = "aborted"
)

// Point is one corner of an OCR quadrilateral.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is the quadrilateral of an OCR text region.
type Box [4]Point

// Link is one anchor-text/URL pair captured from a page.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// StageInput carries everything the capture pipeline hands over for a new
// screenshot. Hash is the capture-time content hash of the plaintext image.
type StageInput struct {
	Image       []byte
	Hash        string
	Width       int
	Height      int
	WindowTitle string
	ProcessName string
	Metadata    string
	Source      string
	PageURL     string
	PageIcon    []byte
	Links       []Link
}

// Record is a decrypted screenshot row. Encrypted fields that failed to
// decrypt are returned empty rather than failing the whole read.
type Record struct {
	ID          int64
	ContentHash string
	Width       int
	Height      int
	Path        string // relative to the data root
	Status      string
	CreatedAt   time.Time
	CommittedAt time.Time // zero unless committed
	WindowTitle string
	ProcessName string
	Metadata    string
	Source      string
	PageURL     string
	PageIconID  int64 // 0 when absent
	LinkSetID   int64 // 0 when absent
}

// AnnotationInput is one OCR text region attached at commit time.
type AnnotationInput struct {
	Text       string
	Confidence float64
	Box        Box
}

// Annotation is a decrypted OCR text region.
type Annotation struct {
	ID           int64
	ScreenshotID int64
	Text         string
	Confidence   float64
	Box          Box
	CreatedAt    time.Time
}

// CommitResult reports how many annotations were attached and how many were
// skipped as duplicate regions.
type CommitResult struct {
	Added   int
	Skipped int
}

// SearchQuery parameterizes Search. Processes and the time range are
// secondary filters applied after decryption.
type SearchQuery struct {
	Query     string
	Limit     int
	Offset    int
	Fuzzy     bool
	Processes []string
	From      time.Time
	To        time.Time
}

// SearchResult is one matching record with the annotations that matched.
type SearchResult struct {
	Record      Record
	Annotations []Annotation
}

// ProcessCount is one row of the distinct-process aggregation.
type ProcessCount struct {
	Name  string
	Count int64
}

// Stats summarizes store contents.
type Stats struct {
	Pending     int64
	Committed   int64
	Aborted     int64
	Annotations int64
	IndexTokens int64
}

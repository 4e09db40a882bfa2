package ipc

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/lucarne/screenstore"
)

// handleStage accepts a captured screenshot and opens its pending record.
// POST /api/v1/records/stage
func (s *Service) handleStage(w http.ResponseWriter, r *http.Request) {
	var req StageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Image) == 0 || req.Hash == "" || req.Width <= 0 || req.Height <= 0 {
		http.Error(w, "image, hash, width, height required", http.StatusBadRequest)
		return
	}
	id, err := s.store.Stage(r.Context(), screenstore.StageInput{
		Image:       req.Image,
		Hash:        req.Hash,
		Width:       req.Width,
		Height:      req.Height,
		WindowTitle: req.WindowTitle,
		ProcessName: req.ProcessName,
		Metadata:    req.Metadata,
		Source:      req.Source,
		PageURL:     req.PageURL,
		PageIcon:    req.PageIcon,
		Links:       req.Links,
	})
	if errors.Is(err, screenstore.ErrDuplicate) {
		writeJSON(w, http.StatusOK, StageResponse{Duplicate: true})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, StageResponse{ID: id})
}

// handleCommit attaches OCR annotations and finalizes the record.
// POST /api/v1/records/{id}/commit
func (s *Service) handleCommit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req CommitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	anns := make([]screenstore.AnnotationInput, 0, len(req.Annotations))
	for _, a := range req.Annotations {
		anns = append(anns, screenstore.AnnotationInput{
			Text:       a.Text,
			Confidence: a.Confidence,
			Box:        a.Box,
		})
	}
	res, err := s.store.Commit(r.Context(), id, anns)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CommitResponse{Added: res.Added, Skipped: res.Skipped})
}

// handleAbort discards a pending record and its ciphertext file.
// POST /api/v1/records/{id}/abort
func (s *Service) handleAbort(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req AbortRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.Abort(r.Context(), id, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExists is the capture pipeline's pre-upload duplicate check.
// GET /api/v1/records/exists/{hash}
func (s *Service) handleExists(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if hash == "" {
		http.Error(w, "hash required", http.StatusBadRequest)
		return
	}
	exists, err := s.store.Exists(r.Context(), hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExistsResponse{Exists: exists})
}

// handleGetRecord returns one decrypted record.
// GET /api/v1/records/{id}
func (s *Service) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordJSON(rec))
}

// handleGetAnnotations returns the decrypted OCR rows of one record.
// GET /api/v1/records/{id}/annotations
func (s *Service) handleGetAnnotations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	anns, err := s.store.GetAnnotations(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]AnnotationJSON, 0, len(anns))
	for _, a := range anns {
		out = append(out, annotationJSON(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTimeRange lists committed records, newest first.
// GET /api/v1/records?start=&end=&limit=
func (s *Service) handleTimeRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := strconv.ParseInt(q.Get("start"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid start", http.StatusBadRequest)
		return
	}
	end, err := strconv.ParseInt(q.Get("end"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid end", http.StatusBadRequest)
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}
	recs, err := s.store.GetByTimeRange(r.Context(), time.Unix(start, 0), time.Unix(end, 0), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]RecordJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordJSON(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDelete removes one record, its annotations and its file.
// DELETE /api/v1/records/{id}
func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteRange removes every record created inside [start, end].
// POST /api/v1/records/delete-range
func (s *Service) handleDeleteRange(w http.ResponseWriter, r *http.Request) {
	var req DeleteRangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.End < req.Start {
		http.Error(w, "end must not precede start", http.StatusBadRequest)
		return
	}
	n, err := s.store.DeleteRange(r.Context(), req.Start, req.End)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteRangeResponse{Deleted: n})
}

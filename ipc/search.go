package ipc

import (
	"net/http"

	"github.com/hazyhaar/lucarne/screenstore"
)

// handleSearch runs a blind-index keyword search with optional filters.
// POST /api/v1/search
func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results, err := s.store.Search(r.Context(), screenstore.SearchQuery{
		Query:     req.Query,
		Limit:     req.Limit,
		Offset:    req.Offset,
		Fuzzy:     req.Fuzzy,
		Processes: req.Processes,
		From:      unixOrZero(req.Start),
		To:        unixOrZero(req.End),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := SearchResponse{Results: make([]SearchHit, 0, len(results))}
	for _, res := range results {
		hit := SearchHit{
			Record:      recordJSON(&res.Record),
			Annotations: make([]AnnotationJSON, 0, len(res.Annotations)),
		}
		for i := range res.Annotations {
			hit.Annotations = append(hit.Annotations, annotationJSON(&res.Annotations[i]))
		}
		resp.Results = append(resp.Results, hit)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleScoreLinks ranks anchors by corpus relevance, without decryption.
// POST /api/v1/links/score
func (s *Service) handleScoreLinks(w http.ResponseWriter, r *http.Request) {
	var req ScoreLinksRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	scored, err := s.store.ScoreLinks(r.Context(), req.Anchors)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ScoreLinksResponse{Links: scored})
}

// handleProcesses aggregates record counts per process name.
// GET /api/v1/processes
func (s *Service) handleProcesses(w http.ResponseWriter, r *http.Request) {
	procs, err := s.store.ListDistinctProcesses(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]ProcessJSON, 0, len(procs))
	for _, p := range procs {
		out = append(out, ProcessJSON{Name: p.Name, Count: p.Count})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStats summarizes store contents.
// GET /api/v1/stats
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Pending:     st.Pending,
		Committed:   st.Committed,
		Aborted:     st.Aborted,
		Annotations: st.Annotations,
		IndexTokens: st.IndexTokens,
	})
}

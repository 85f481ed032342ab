package app

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"inkwell/api/internal/document"
)

func (s *HTTPServer) handleRecentDocuments(w http.ResponseWriter, r *http.Request) {
	clientID, ok := requireClientID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": s.service.RecentDocuments(r.Context(), clientID)})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}
	resp := s.service.Search(r.Context(), r.URL.Query().Get("q"), limit, queryInt(r, "offset", 0))
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.Header.Get(clientIDHeader))
	snap, err := s.service.OpenDocument(r.Context(), clientID, chi.URLParam(r, "documentID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteDocument(r.Context(), chi.URLParam(r, "documentID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	title, err := s.service.RenameDocument(r.Context(), chi.URLParam(r, "documentID"), body.Title)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"title": title})
}

func (s *HTTPServer) handleSteps(w http.ResponseWriter, r *http.Request) {
	clientID, ok := requireClientID(w, r)
	if !ok {
		return
	}
	var body struct {
		BaseRevision int             `json:"baseRevision"`
		Steps        []document.Step `json:"steps"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rev, applied, err := s.service.ApplySteps(r.Context(), clientID, chi.URLParam(r, "documentID"), body.BaseRevision, body.Steps)
	if err != nil && len(applied) == 0 {
		s.fail(w, err)
		return
	}
	resp := map[string]any{"revision": rev, "applied": len(applied)}
	if err != nil {
		_, code, message, _ := mapError(err)
		resp["error"] = message
		resp["code"] = code
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.Annotations(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleAccept(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.Header.Get(clientIDHeader))
	applied, err := s.service.assistant.Accept(r.Context(), clientID, chi.URLParam(r, "documentID"), chi.URLParam(r, "suggestionID"))
	if err != nil {
		s.fail(w, staleAs(err, "Could not apply (document may have changed)"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func (s *HTTPServer) handleReject(w http.ResponseWriter, r *http.Request) {
	removed, err := s.service.assistant.Reject(r.Context(), chi.URLParam(r, "documentID"), chi.URLParam(r, "suggestionID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.service.gateway.Serve(w, r, chi.URLParam(r, "documentID"))
}

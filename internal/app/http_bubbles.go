package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"inkwell/api/internal/assistant"
	"inkwell/api/internal/bubble"
	"inkwell/api/internal/room"
)

// bubbleRoute carries the ids every bubble route needs.
type bubbleRoute struct {
	client, document, bubble string
}

func (s *HTTPServer) bubbleRoute(w http.ResponseWriter, r *http.Request) (bubbleRoute, bool) {
	clientID, ok := requireClientID(w, r)
	if !ok {
		return bubbleRoute{}, false
	}
	documentID := chi.URLParam(r, "documentID")
	if !room.ValidDocumentID(documentID) {
		s.fail(w, room.ErrInvalidDocumentID)
		return bubbleRoute{}, false
	}
	return bubbleRoute{client: clientID, document: documentID, bubble: chi.URLParam(r, "bubbleID")}, true
}

func (s *HTTPServer) handleListBubbles(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.bubbleRoute(w, r)
	if !ok {
		return
	}
	ws, err := s.service.bubbles.List(r.Context(), rt.client, rt.document)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *HTTPServer) handleCreateBubble(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.bubbleRoute(w, r)
	if !ok {
		return
	}
	b, err := s.service.bubbles.Create(r.Context(), rt.client, rt.document)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *HTTPServer) handleUpdateBubble(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.bubbleRoute(w, r)
	if !ok {
		return
	}
	var patch bubble.Patch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	b, err := s.service.bubbles.Update(r.Context(), rt.client, rt.document, rt.bubble, patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *HTTPServer) handleRemoveBubble(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.bubbleRoute(w, r)
	if !ok {
		return
	}
	if _, err := s.service.RemoveBubble(r.Context(), rt.client, rt.document, rt.bubble); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleInlineSelection(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.bubbleRoute(w, r)
	if !ok {
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.bubbles.SetInlineSelectionMode(r.Context(), rt.client, rt.document, body.Enabled); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": body.Enabled})
}

func (s *HTTPServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.bubbleRoute(w, r)
	if !ok {
		return
	}
	var sel room.Selection
	if err := decodeBody(r, &sel); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	captured, ok, err := s.service.assistant.Capture(r.Context(), rt.client, rt.document, rt.bubble, sel)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"captured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"captured": true,
		"range":    captured.Range,
		"revision": captured.Revision,
		"text":     captured.Text,
	})
}

func (s *HTTPServer) handleSend(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.bubbleRoute(w, r)
	if !ok {
		return
	}
	var in assistant.SendInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.assistant.Send(r.Context(), rt.client, rt.document, rt.bubble, in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleInsert(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.bubbleRoute(w, r)
	if !ok {
		return
	}
	var cur room.Cursor
	if err := decodeBody(r, &cur); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rev, err := s.service.assistant.InsertAtCursor(r.Context(), rt.client, rt.document, rt.bubble, chi.URLParam(r, "messageID"), cur)
	if err != nil {
		s.fail(w, staleAs(err, "Could not insert (document may have changed)"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revision": rev})
}

func (s *HTTPServer) handleReplace(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.bubbleRoute(w, r)
	if !ok {
		return
	}
	rev, err := s.service.assistant.ReplaceSelection(r.Context(), rt.client, rt.document, rt.bubble, chi.URLParam(r, "messageID"))
	if err != nil {
		s.fail(w, staleAs(err, "Could not replace (document may have changed)"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revision": rev})
}

func (s *HTTPServer) handleSuggest(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.bubbleRoute(w, r)
	if !ok {
		return
	}
	item, err := s.service.assistant.Suggest(r.Context(), rt.client, rt.document, rt.bubble, chi.URLParam(r, "messageID"))
	if err != nil {
		s.fail(w, staleAs(err, "Could not add suggestion (document may have changed)"))
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

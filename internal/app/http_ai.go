package app

import (
	"encoding/json"
	"net/http"

	"inkwell/api/internal/provider"
)

type chatRequest struct {
	Provider        string             `json:"provider"`
	APIKey          string             `json:"apiKey"`
	Messages        []provider.Message `json:"messages"`
	DocumentContext string             `json:"documentContext"`
	Model           string             `json:"model"`
}

// handleChat is the stateless completion endpoint. Errors carry only the
// message the caller should show.
func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON", nil)
		return
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON", nil)
		return
	}

	content, err := s.service.Complete(r.Context(), provider.Request{
		Provider:        body.Provider,
		APIKey:          body.APIKey,
		Model:           body.Model,
		Messages:        body.Messages,
		DocumentContext: body.DocumentContext,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"inkwell/api/internal/assistant"
	"inkwell/api/internal/bubble"
	"inkwell/api/internal/document"
	"inkwell/api/internal/provider"
	"inkwell/api/internal/room"
	"inkwell/api/internal/session"
)

const clientIDHeader = "X-Client-ID"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: service.log}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Handle("/metrics", s.service.metrics.Handler())

	r.Post("/api/ai/chat", s.handleChat)
	r.Post("/api/identity", s.handleIdentity)
	r.Put("/api/credentials/{provider}", s.handlePutCredential)
	r.Delete("/api/credentials/{provider}", s.handleDeleteCredential)

	r.Get("/api/documents", s.handleRecentDocuments)
	r.Get("/api/documents/search", s.handleSearch)
	r.Get("/api/documents/{documentID}", s.handleGetDocument)
	r.Delete("/api/documents/{documentID}", s.handleDeleteDocument)
	r.Put("/api/documents/{documentID}/title", s.handleRename)
	r.Post("/api/documents/{documentID}/steps", s.handleSteps)
	r.Get("/api/documents/{documentID}/annotations", s.handleAnnotations)
	r.Post("/api/documents/{documentID}/suggestions/{suggestionID}/accept", s.handleAccept)
	r.Post("/api/documents/{documentID}/suggestions/{suggestionID}/reject", s.handleReject)
	r.Get("/api/documents/{documentID}/ws", s.handleWebSocket)

	r.Get("/api/documents/{documentID}/bubbles", s.handleListBubbles)
	r.Post("/api/documents/{documentID}/bubbles", s.handleCreateBubble)
	r.Patch("/api/documents/{documentID}/bubbles/{bubbleID}", s.handleUpdateBubble)
	r.Delete("/api/documents/{documentID}/bubbles/{bubbleID}", s.handleRemoveBubble)
	r.Put("/api/documents/{documentID}/inline-selection", s.handleInlineSelection)
	r.Post("/api/documents/{documentID}/bubbles/{bubbleID}/capture", s.handleCapture)
	r.Post("/api/documents/{documentID}/bubbles/{bubbleID}/send", s.handleSend)
	r.Post("/api/documents/{documentID}/bubbles/{bubbleID}/messages/{messageID}/insert", s.handleInsert)
	r.Post("/api/documents/{documentID}/bubbles/{bubbleID}/messages/{messageID}/replace", s.handleReplace)
	r.Post("/api/documents/{documentID}/bubbles/{bubbleID}/messages/{messageID}/suggest", s.handleSuggest)

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ready(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	who, err := s.service.IssueIdentity()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, who)
}

func (s *HTTPServer) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	clientID, ok := requireClientID(w, r)
	if !ok {
		return
	}
	var body struct {
		APIKey string `json:"apiKey"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.PutCredential(r.Context(), clientID, chi.URLParam(r, "provider"), body.APIKey); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	clientID, ok := requireClientID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteCredential(r.Context(), clientID, chi.URLParam(r, "provider")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail logs server-side failures and writes the mapped error.
func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
}

func requireClientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	clientID := strings.TrimSpace(r.Header.Get(clientIDHeader))
	if clientID == "" || len(clientID) > 128 {
		writeError(w, http.StatusBadRequest, "MISSING_CLIENT_ID", "X-Client-ID header is required", nil)
		return "", false
	}
	return clientID, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Client-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// staleAs gives a stale-range failure the message of the action that hit it.
func staleAs(err error, message string) error {
	if errors.Is(err, room.ErrStaleRange) {
		return &DomainError{Status: http.StatusConflict, Code: "STALE_RANGE", Message: message, Err: err}
	}
	return err
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var providerErr *provider.Error
	if errors.As(err, &providerErr) {
		return providerErr.Status, strings.ToUpper(string(providerErr.Kind)), providerErr.Message, nil
	}
	switch {
	case errors.Is(err, room.ErrInvalidDocumentID):
		return http.StatusBadRequest, "INVALID_DOCUMENT_ID", "Invalid document id", nil
	case errors.Is(err, room.ErrStaleRange):
		return http.StatusConflict, "STALE_RANGE", "Document may have changed", nil
	case errors.Is(err, room.ErrRoomElsewhere):
		return http.StatusConflict, "ROOM_ELSEWHERE", "Document is open on another server", nil
	case errors.Is(err, room.ErrAnnotationsUnavailable):
		return http.StatusServiceUnavailable, "ANNOTATIONS_UNAVAILABLE", "Edit was not applied, try again", nil
	case errors.Is(err, room.ErrClosed):
		return http.StatusGone, "ROOM_CLOSED", "Document was deleted", nil
	case errors.Is(err, document.ErrRevisionTooOld):
		return http.StatusConflict, "REVISION_TOO_OLD", "Revision is too old, reload the document", nil
	case errors.Is(err, document.ErrRevisionAhead):
		return http.StatusBadRequest, "REVISION_AHEAD", "Revision is ahead of the document", nil
	case errors.Is(err, document.ErrInvalidRange):
		return http.StatusConflict, "STEPS_REJECTED", err.Error(), nil
	case errors.Is(err, bubble.ErrNotFound):
		return http.StatusNotFound, "BUBBLE_NOT_FOUND", "Bubble not found", nil
	case errors.Is(err, bubble.ErrUnknownProvider):
		return http.StatusBadRequest, "UNKNOWN_PROVIDER", "Unknown provider", nil
	case errors.Is(err, bubble.ErrUnknownModel):
		return http.StatusBadRequest, "UNKNOWN_MODEL", "Unknown model for this provider", nil
	case errors.Is(err, assistant.ErrEmptyInput):
		return http.StatusBadRequest, "EMPTY_INPUT", "Message is empty", nil
	case errors.Is(err, assistant.ErrMissingCredential):
		return http.StatusBadRequest, "MISSING_CREDENTIAL", "Add an API key in settings", nil
	case errors.Is(err, assistant.ErrRequestInFlight):
		return http.StatusConflict, "REQUEST_IN_FLIGHT", "A request is already in flight for this bubble", nil
	case errors.Is(err, assistant.ErrInlineSelectionOff):
		return http.StatusConflict, "INLINE_SELECTION_OFF", "Turn on inline selection first", nil
	case errors.Is(err, assistant.ErrNoAnchor):
		return http.StatusBadRequest, "NO_SELECTION", "This reply has no selection to apply to", nil
	case errors.Is(err, assistant.ErrNotAssistantMessage):
		return http.StatusBadRequest, "NOT_ASSISTANT_MESSAGE", "Only assistant replies can be applied", nil
	case errors.Is(err, assistant.ErrMessageNotFound):
		return http.StatusNotFound, "MESSAGE_NOT_FOUND", "Message not found", nil
	case errors.Is(err, session.ErrCorruptCredential):
		return http.StatusBadRequest, "MISSING_CREDENTIAL", "Stored API key is unreadable, add it again", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// Package bubble holds the per-client assistant conversations ("bubbles")
// for a document and persists them through the session KV port.
package bubble

import (
	"errors"
	"slices"
)

var (
	ErrNotFound        = errors.New("bubble not found")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnknownModel    = errors.New("unknown model")
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Anchor pins an assistant response to the range that was selected when the
// request was sent. Revision is the document revision From/To refer to.
type Anchor struct {
	From         int    `json:"from"`
	To           int    `json:"to"`
	Revision     int    `json:"revision"`
	OriginalText string `json:"originalText"`
}

type Message struct {
	ID      string  `json:"id"`
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Anchor  *Anchor `json:"anchor,omitempty"`
}

type Session struct {
	ID                     string    `json:"id"`
	Position               Position  `json:"position"`
	Provider               string    `json:"provider"`
	Model                  string    `json:"model"`
	Messages               []Message `json:"messages"`
	InputDraft             string    `json:"inputDraft"`
	Loading                bool      `json:"loading"`
	Open                   bool      `json:"open"`
	IncludeDocumentContext bool      `json:"includeDocumentContext"`
}

// Message returns the message with id.
func (s Session) Message(id string) (Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

func (s Session) clone() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.Anchor != nil {
			a := *m.Anchor
			m.Anchor = &a
		}
		out.Messages[i] = m
	}
	return out
}

// Workspace is everything one client keeps for one document.
type Workspace struct {
	ClientID            string    `json:"clientId"`
	DocumentID          string    `json:"documentId"`
	InlineSelectionMode bool      `json:"inlineSelectionMode"`
	Bubbles             []Session `json:"bubbles"`
}

func (w *Workspace) index(id string) int {
	return slices.IndexFunc(w.Bubbles, func(s Session) bool { return s.ID == id })
}

func (w *Workspace) loading() bool {
	return slices.ContainsFunc(w.Bubbles, func(s Session) bool { return s.Loading })
}

func (w Workspace) clone() Workspace {
	out := w
	out.Bubbles = make([]Session, len(w.Bubbles))
	for i, b := range w.Bubbles {
		out.Bubbles[i] = b.clone()
	}
	return out
}

// Patch carries user-editable bubble settings. Nil fields are left alone.
type Patch struct {
	Position               *Position `json:"position"`
	Provider               *string   `json:"provider"`
	Model                  *string   `json:"model"`
	InputDraft             *string   `json:"inputDraft"`
	Open                   *bool     `json:"open"`
	IncludeDocumentContext *bool     `json:"includeDocumentContext"`
}

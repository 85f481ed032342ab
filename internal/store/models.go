package store

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	DefaultTitle = "Untitled document"
	MaxRecent    = 8
)

var ErrNotFound = errors.New("document not found")

// Document is the persisted snapshot of a room.
type Document struct {
	ID        string
	Title     string
	Content   json.RawMessage
	Text      string
	Revision  int
	UpdatedAt time.Time
}

type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func titleOrDefault(title string) string {
	if title == "" {
		return DefaultTitle
	}
	return title
}

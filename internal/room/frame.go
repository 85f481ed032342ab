package room

import (
	"inkwell/api/internal/annotation"
	"inkwell/api/internal/document"
	"inkwell/api/internal/identity"
	"inkwell/api/internal/richtext"
)

const (
	FrameSnapshot    = "snapshot"
	FrameSteps       = "steps"
	FrameAnnotations = "annotations"
	FramePresence    = "presence"
	FrameError       = "error"
	FrameDeleted     = "deleted"
)

// Frame is the server to collaborator message.
type Frame struct {
	Type        string              `json:"type"`
	Revision    int                 `json:"revision"`
	Origin      string              `json:"origin,omitempty"`
	Steps       []document.Step     `json:"steps,omitempty"`
	Annotations *annotation.State   `json:"annotations,omitempty"`
	Snapshot    *Snapshot           `json:"snapshot,omitempty"`
	Presence    []identity.Identity `json:"presence,omitempty"`
	Error       *FrameErr           `json:"error,omitempty"`
}

type FrameErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClientFrame is the collaborator to server message.
type ClientFrame struct {
	Type         string          `json:"type"`
	BaseRevision int             `json:"baseRevision"`
	Steps        []document.Step `json:"steps"`
}

// Snapshot is the full state of a room at one revision.
type Snapshot struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Revision    int              `json:"revision"`
	Text        string           `json:"text"`
	Cells       []document.Cell  `json:"cells"`
	Doc         richtext.Node    `json:"doc"`
	HTML        string           `json:"html"`
	Annotations annotation.State `json:"annotations"`
}

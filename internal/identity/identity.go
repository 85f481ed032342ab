// Package identity issues the display identities collaborators carry in a
// room.
package identity

import (
	"crypto/rand"
	"fmt"
	mathrand "math/rand/v2"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"
)

type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Color       string `json:"color"`
	Avatar      string `json:"avatar"`
}

// Provider hands out identities. Real authentication plugs in here.
type Provider interface {
	IssueIdentity() (Identity, error)
}

var (
	names  = []string{"Anonymous", "Guest", "Editor", "Viewer", "Collaborator"}
	colors = []string{"#D583F0", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7", "#DDA0DD"}
)

// Anonymous issues throwaway identities with a random name and color.
type Anonymous struct {
	now  func() time.Time
	pick func(n int) int
}

func NewAnonymous() *Anonymous {
	return &Anonymous{now: time.Now, pick: mathrand.IntN}
}

func (a *Anonymous) IssueIdentity() (Identity, error) {
	id, err := ulid.New(ulid.Timestamp(a.now().UTC()), rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity id: %w", err)
	}
	userID := "user-" + id.String()
	suffix := userID[len(userID)-4:]
	return Identity{
		ID:          userID,
		DisplayName: names[a.pick(len(names))] + " " + suffix,
		Color:       colors[a.pick(len(colors))],
		Avatar:      "https://api.dicebear.com/7.x/initials/svg?seed=" + url.QueryEscape(userID),
	}, nil
}

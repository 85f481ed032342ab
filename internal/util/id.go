// Package util holds small helpers shared by the room and bubble packages.
package util

import "github.com/google/uuid"

// NewID returns prefix_<uuid>. Version 7 ids sort by creation time, so
// messages and suggestions listed by id come out in the order they were made.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "_" + id.String()
}

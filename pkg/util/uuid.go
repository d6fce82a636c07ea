package util

import "github.com/google/uuid"

// NewUUID generates a new v7 uuid. v7 keeps identifiers roughly
// time-ordered, which makes stored keys scan nicely.
func NewUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

package utils

import "github.com/google/uuid"

// NewID returns a process-unique identifier string.
func NewID() string {
	return uuid.NewString()
}

// NewIDWithPrefix returns a prefixed identifier, e.g. "cap-2f9a...".
func NewIDWithPrefix(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

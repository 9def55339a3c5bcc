package domain

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string for application-owned entities.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewRequestID returns a random (v4) identifier for one request or one
// invocation of a deployed function.
func NewRequestID() string {
	return uuid.NewString()
}

package utils

import "github.com/google/uuid"

// NewID returns a random identifier used to tag locally-originated messages
// and STOMP receipts.
func NewID() string {
	return uuid.NewString()
}

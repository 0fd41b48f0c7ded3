package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random 32-character hex identifier.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Short returns 16 hex characters of randomness, enough to keep ids minted
// in the same millisecond apart.
func Short() string {
	return New()[:16]
}

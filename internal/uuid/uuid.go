// Package uuid generates identifiers for sync passes and event stream clients.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var canonical = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[47][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// New returns a random (v4) identifier.
func New() string {
	return uuid.New().String()
}

// NewPassID returns a time-ordered (v7) identifier for a sync pass, so pass
// ids sort by start time in logs. Falls back to v4 if the clock source fails.
func NewPassID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return New()
	}
	return id.String()
}

// Parse accepts v4 and v7 identifiers in canonical lowercase form.
func Parse(s string) (uuid.UUID, error) {
	if !canonical.MatchString(s) {
		return uuid.Nil, fmt.Errorf("invalid identifier %q", s)
	}
	return uuid.Parse(s)
}

// IsValid reports whether s is an identifier produced by this package.
func IsValid(s string) bool {
	return canonical.MatchString(s)
}

package fhir

import (
	"strings"
	"time"
)

// Meta carries resource versioning metadata.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
}

// Reference is a typed pointer to another resource, e.g. "Patient/123".
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Period is a bounded or half-open time window.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// FormatReference builds a "Type/id" reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// ParseReference splits a "Type/id" reference. A bare id parses with an
// empty type.
func ParseReference(ref string) (resourceType, id string) {
	if t, rest, ok := strings.Cut(ref, "/"); ok {
		return t, rest
	}
	return "", ref
}

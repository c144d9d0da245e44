package auth

import "strings"

// Action is an operation a caller may attempt on a resource.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionShare Action = "share"
)

// Scope-name forms of the resource types the gateway guards.
const (
	ResourcePatient      = "patient"
	ResourcePractitioner = "practitioner"
	ResourceEncounter    = "encounter"
	ResourceDocument     = "document"
	ResourceConsent      = "consent"
)

// Permission is the (resource, action) pair a scope string grants.
type Permission struct {
	Resource string
	Action   Action
}

// ScopeCatalog is the static mapping between permission strings of the form
// "resource:action" and (resource, action) pairs. It is built once at
// startup and never mutated.
type ScopeCatalog struct {
	byScope map[string]Permission
	byPerm  map[Permission]string
	aliases map[string]string
}

// NewScopeCatalog builds the catalog for the gateway's resource types.
func NewScopeCatalog() *ScopeCatalog {
	c := &ScopeCatalog{
		byScope: make(map[string]Permission),
		byPerm:  make(map[Permission]string),
		aliases: map[string]string{
			"Patient":           ResourcePatient,
			"Practitioner":      ResourcePractitioner,
			"Encounter":         ResourceEncounter,
			"DocumentReference": ResourceDocument,
			"Consent":           ResourceConsent,
		},
	}

	resources := []string{
		ResourcePatient, ResourcePractitioner, ResourceEncounter,
		ResourceDocument, ResourceConsent,
	}
	actions := []Action{ActionRead, ActionWrite, ActionShare}
	for _, res := range resources {
		for _, act := range actions {
			c.register(res + ":" + string(act))
		}
	}
	return c
}

func (c *ScopeCatalog) register(scope string) {
	perm, ok := splitScope(scope)
	if !ok {
		return
	}
	c.byScope[scope] = perm
	c.byPerm[perm] = scope
}

// RequiredScopes returns the scope strings a caller needs for the given
// resource type and action. At most one scope exists per pair; the slice
// return leaves room for compound requirements later. An empty result means
// the pair is not defined in the catalog.
func (c *ScopeCatalog) RequiredScopes(resourceType string, action Action) []string {
	perm := Permission{Resource: c.Normalize(resourceType), Action: action}
	scope, ok := c.byPerm[perm]
	if !ok {
		return nil
	}
	return []string{scope}
}

// Parse maps a scope string to its permission. Comparison is case-sensitive:
// "Patient:read" does not match the catalog entry "patient:read".
func (c *ScopeCatalog) Parse(scope string) (Permission, bool) {
	perm, ok := c.byScope[scope]
	return perm, ok
}

// Normalize maps a typed resource name (e.g. "DocumentReference") to its
// lowercase scope-name form. Unrecognized types fall back to a lowercased
// copy of their own name.
func (c *ScopeCatalog) Normalize(resourceType string) string {
	if name, ok := c.aliases[resourceType]; ok {
		return name
	}
	return strings.ToLower(resourceType)
}

// splitScope breaks "resource:action" into its parts.
func splitScope(scope string) (Permission, bool) {
	res, act, ok := strings.Cut(scope, ":")
	if !ok || res == "" || act == "" {
		return Permission{}, false
	}
	return Permission{Resource: res, Action: Action(act)}, true
}

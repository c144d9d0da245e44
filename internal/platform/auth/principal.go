package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Role is one of the closed set of access roles recognized by the gateway.
type Role string

const (
	RolePatient      Role = "patient"
	RolePractitioner Role = "practitioner"
	RoleViewer       Role = "viewer"
	RoleLab          Role = "lab"
	RoleInsurer      Role = "insurer"
	RoleSystem       Role = "system"
	RoleAdmin        Role = "admin"
	RoleAudit        Role = "audit"
)

var knownRoles = map[Role]bool{
	RolePatient:      true,
	RolePractitioner: true,
	RoleViewer:       true,
	RoleLab:          true,
	RoleInsurer:      true,
	RoleSystem:       true,
	RoleAdmin:        true,
	RoleAudit:        true,
}

// ParseRole maps a raw role claim value to a known Role. Unknown values are
// rejected rather than carried along.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, knownRoles[r]
}

// Principal is the authenticated caller for one request: identity, roles and
// granted scopes resolved from verified token claims. It is built once per
// request and must not be mutated afterwards.
type Principal struct {
	ID       string
	Username string

	// PatientContext, when non-empty, pins every access decision made with
	// this principal to a single clinical subject (SMART launch context).
	PatientContext string

	roles  map[Role]bool
	scopes map[string]bool
}

// NewPrincipal constructs a Principal directly. Intended for contexts where
// claims have already been resolved (and for tests).
func NewPrincipal(id string, roles []Role, scopes []string, patientContext string) *Principal {
	p := &Principal{
		ID:             id,
		Username:       id,
		PatientContext: patientContext,
		roles:          make(map[Role]bool, len(roles)),
		scopes:         make(map[string]bool, len(scopes)),
	}
	for _, r := range roles {
		p.roles[r] = true
	}
	for _, s := range scopes {
		p.scopes[s] = true
	}
	return p
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(r Role) bool {
	return p != nil && p.roles[r]
}

// HasScope reports whether the principal was granted the exact scope string.
// Comparison is case-sensitive.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && p.scopes[scope]
}

// IsAdmin reports whether the principal carries the admin role.
func (p *Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}

// Roles returns the principal's roles.
func (p *Principal) Roles() []Role {
	if p == nil {
		return nil
	}
	out := make([]Role, 0, len(p.roles))
	for r := range p.roles {
		out = append(out, r)
	}
	return out
}

// Scopes returns the principal's granted scope strings.
func (p *Principal) Scopes() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.scopes))
	for s := range p.scopes {
		out = append(out, s)
	}
	return out
}

// PatientFilter returns the subject identity that list queries must be
// narrowed to, if any. Admin principals are never narrowed.
func (p *Principal) PatientFilter() (string, bool) {
	if p == nil || p.IsAdmin() || p.PatientContext == "" {
		return "", false
	}
	return p.PatientContext, true
}

// TokenClaims are the verified claims the gateway consumes from an access
// token. Signature verification happens upstream (JWKS); this type only
// shapes the payload.
type TokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	RealmAccess       struct {
		Roles []string `json:"roles,omitempty"`
	} `json:"realm_access,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Scp      string `json:"scp,omitempty"`
	Patient  string `json:"patient,omitempty"`
	FHIRUser string `json:"fhirUser,omitempty"`
}

// NewPrincipalFromClaims resolves verified token claims into a Principal.
//
// Scopes come from the space-separated "scope" claim, falling back to "scp"
// when "scope" is empty. Roles come from the flat "roles" claim, falling back
// to the realm-style "realm_access.roles" list; unknown role names are
// dropped. Patient context resolution order: the "patient" claim
// ("Patient/<id>" or bare id), then "fhirUser" when it references a Patient,
// then a "patient/<id>.read"-style token embedded in the scope string.
func NewPrincipalFromClaims(c *TokenClaims) *Principal {
	username := c.PreferredUsername
	if username == "" {
		username = c.Subject
	}

	rawRoles := c.Roles
	if len(rawRoles) == 0 {
		rawRoles = c.RealmAccess.Roles
	}
	var roles []Role
	for _, raw := range rawRoles {
		if r, ok := ParseRole(raw); ok {
			roles = append(roles, r)
		}
	}

	rawScope := c.Scope
	if rawScope == "" {
		rawScope = c.Scp
	}
	scopes := strings.Fields(rawScope)

	p := NewPrincipal(c.Subject, roles, scopes, resolvePatientContext(c, scopes))
	p.Username = username
	return p
}

// resolvePatientContext extracts the SMART patient context from claims,
// trying the dedicated claims first and the scope string last.
func resolvePatientContext(c *TokenClaims, scopes []string) string {
	if c.Patient != "" {
		return ExtractPatientID(c.Patient)
	}
	if id, ok := strings.CutPrefix(c.FHIRUser, "Patient/"); ok && id != "" {
		return id
	}
	for _, s := range scopes {
		rest, ok := strings.CutPrefix(s, "patient/")
		if !ok {
			continue
		}
		id, _, found := strings.Cut(rest, ".")
		if found && id != "" && id != "*" {
			return id
		}
	}
	return ""
}

// ExtractPatientID strips a "Patient/"-style reference prefix, returning the
// bare subject identifier. An empty input yields an empty result.
func ExtractPatientID(ref string) string {
	if id, ok := strings.CutPrefix(ref, "Patient/"); ok {
		return id
	}
	return ref
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns a context carrying the request's principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the request's principal, or nil when the
// request was not authenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

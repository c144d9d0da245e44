package auth

import (
	"fmt"
	"strings"
)

// Resource is the minimal view of an accessible entity the decision engine
// needs: its type name and, when resolvable, its owning principal identity.
type Resource interface {
	ResourceType() string

	// Owner returns the owning patient/principal identity. ok is false when
	// no owner can be resolved for the resource.
	Owner() (owner string, ok bool)
}

// StatusBearer is implemented by resources that carry a lifecycle status
// (e.g. consents). Resources without a status are treated as always visible
// to practitioners.
type StatusBearer interface {
	ResourceStatus() string
}

// RuleKind tags which rule of the ordered decision sequence produced a
// decision.
type RuleKind string

const (
	RuleAdminBypass    RuleKind = "admin-bypass"
	RulePatientContext RuleKind = "patient-context"
	RuleOwnerMatch     RuleKind = "owner-match"
	RuleRoleGrant      RuleKind = "role-grant"
	RuleScopeGrant     RuleKind = "scope-grant"
	RuleDefaultDeny    RuleKind = "default-deny"
)

// Decision is the outcome of one access evaluation. Reason is safe to
// surface to the caller and never includes another user's data.
type Decision struct {
	Allowed bool
	Rule    RuleKind
	Reason  string
}

// AccessEngine resolves allow/deny for (principal, resource, action)
// triples. The rules run in a fixed order and the first match wins:
//
//  1. admin role allows unconditionally.
//  2. a SMART patient context pins access to the context's subject; it can
//     never be widened by role or scope.
//  3. the patient role allows access to resources the principal owns.
//  4. the practitioner role allows reads of active-status resources (and of
//     resources with no status at all).
//  5. blanket role grants allow specific (resource, action) pairs.
//  6. scope grants allow when the required scope is held; write and share
//     additionally require ownership unless the caller is a practitioner.
//  7. everything else is denied.
type AccessEngine struct {
	catalog    *ScopeCatalog
	roleGrants map[Role]map[Permission]bool
}

// NewAccessEngine creates an engine with the default role grants:
// practitioners read/write encounters and documents and read patients.
func NewAccessEngine(catalog *ScopeCatalog) *AccessEngine {
	return &AccessEngine{
		catalog: catalog,
		roleGrants: map[Role]map[Permission]bool{
			RolePractitioner: {
				{Resource: ResourceEncounter, Action: ActionRead}:  true,
				{Resource: ResourceEncounter, Action: ActionWrite}: true,
				{Resource: ResourceDocument, Action: ActionRead}:   true,
				{Resource: ResourceDocument, Action: ActionWrite}:  true,
				{Resource: ResourcePatient, Action: ActionRead}:    true,
			},
		},
	}
}

// CanAccess reports whether the principal may perform action on the
// resource.
func (e *AccessEngine) CanAccess(p *Principal, res Resource, action Action) bool {
	return e.Decide(p, res, action).Allowed
}

// Decide runs the ordered rule sequence and reports which rule matched.
func (e *AccessEngine) Decide(p *Principal, res Resource, action Action) Decision {
	if p == nil {
		return Decision{Rule: RuleDefaultDeny, Reason: "no authenticated principal"}
	}

	if p.HasRole(RoleAdmin) {
		return Decision{Allowed: true, Rule: RuleAdminBypass}
	}

	owner, ownerKnown := res.Owner()

	if p.PatientContext != "" {
		if ownerKnown && owner == p.PatientContext {
			return Decision{Allowed: true, Rule: RulePatientContext}
		}
		return Decision{Rule: RulePatientContext,
			Reason: "token is restricted to a different patient context"}
	}

	if p.HasRole(RolePatient) && ownerKnown && owner == p.ID {
		return Decision{Allowed: true, Rule: RuleOwnerMatch}
	}

	if p.HasRole(RolePractitioner) && action == ActionRead {
		if sb, hasStatus := res.(StatusBearer); !hasStatus || sb.ResourceStatus() == "active" {
			return Decision{Allowed: true, Rule: RuleRoleGrant}
		}
	}

	perm := Permission{Resource: e.catalog.Normalize(res.ResourceType()), Action: action}
	for role, grants := range e.roleGrants {
		if p.HasRole(role) && grants[perm] {
			return Decision{Allowed: true, Rule: RuleRoleGrant}
		}
	}

	required := e.catalog.RequiredScopes(res.ResourceType(), action)
	if len(required) == 0 {
		return Decision{Rule: RuleDefaultDeny,
			Reason: fmt.Sprintf("no permission defined for %s %s", action, perm.Resource)}
	}
	for _, scope := range required {
		if !p.HasScope(scope) {
			return Decision{Rule: RuleDefaultDeny,
				Reason: fmt.Sprintf("requires scope %q (granted: %s)",
					scope, strings.Join(p.Scopes(), " "))}
		}
	}

	if action == ActionWrite || action == ActionShare {
		// Ownership gates scope-granted mutations. When the resource has no
		// resolvable owner the grant stands as-is.
		if ownerKnown && owner != p.ID && !p.HasRole(RolePractitioner) {
			return Decision{Rule: RuleScopeGrant,
				Reason: fmt.Sprintf("scope-granted %s requires resource ownership", action)}
		}
	}

	return Decision{Allowed: true, Rule: RuleScopeGrant}
}

// ValidateOwnership enforces, at creation time, that the principal may
// create a resource owned by ownerRef. Admins may create on behalf of
// anyone; everyone else only for themselves. ownerRef accepts both
// "Patient/<id>" references and bare identifiers.
func (e *AccessEngine) ValidateOwnership(p *Principal, ownerRef string) error {
	if p == nil {
		return &ForbiddenError{Reason: "no authenticated principal"}
	}
	if p.HasRole(RoleAdmin) {
		return nil
	}
	if ExtractPatientID(ownerRef) == p.ID {
		return nil
	}
	return &ForbiddenError{Reason: "cannot create resources owned by another principal"}
}

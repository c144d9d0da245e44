package auth

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewPrincipalFromClaims_ScopeFallback(t *testing.T) {
	c := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
		Scp:              "consent:read consent:write",
	}
	p := NewPrincipalFromClaims(c)

	if !p.HasScope("consent:read") || !p.HasScope("consent:write") {
		t.Error("scp claim not used when scope claim is empty")
	}

	// scope wins over scp when both are present
	c = &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
		Scope:            "patient:read",
		Scp:              "consent:read",
	}
	p = NewPrincipalFromClaims(c)
	if !p.HasScope("patient:read") || p.HasScope("consent:read") {
		t.Error("scope claim should take precedence over scp")
	}
}

func TestNewPrincipalFromClaims_RoleFallback(t *testing.T) {
	c := &TokenClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}}
	c.RealmAccess.Roles = []string{"practitioner", "bogus-role"}

	p := NewPrincipalFromClaims(c)
	if !p.HasRole(RolePractitioner) {
		t.Error("realm_access.roles not used when roles claim is empty")
	}
	if len(p.Roles()) != 1 {
		t.Errorf("unknown role names must be dropped, got %v", p.Roles())
	}

	// flat roles claim wins over realm_access
	c = &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
		Roles:            []string{"patient"},
	}
	c.RealmAccess.Roles = []string{"admin"}
	p = NewPrincipalFromClaims(c)
	if !p.HasRole(RolePatient) || p.HasRole(RoleAdmin) {
		t.Error("roles claim should take precedence over realm_access.roles")
	}
}

func TestNewPrincipalFromClaims_PatientContext(t *testing.T) {
	tests := []struct {
		name  string
		claim func(*TokenClaims)
		want  string
	}{
		{"patient claim bare id", func(c *TokenClaims) { c.Patient = "p1" }, "p1"},
		{"patient claim reference", func(c *TokenClaims) { c.Patient = "Patient/p1" }, "p1"},
		{"fhirUser patient reference", func(c *TokenClaims) { c.FHIRUser = "Patient/p2" }, "p2"},
		{"fhirUser practitioner ignored", func(c *TokenClaims) { c.FHIRUser = "Practitioner/dr1" }, ""},
		{"scope-embedded context", func(c *TokenClaims) { c.Scope = "patient/p3.read" }, "p3"},
		{"wildcard scope ignored", func(c *TokenClaims) { c.Scope = "patient/*.read" }, ""},
		{"no context", func(c *TokenClaims) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &TokenClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}}
			tt.claim(c)
			p := NewPrincipalFromClaims(c)
			if p.PatientContext != tt.want {
				t.Errorf("PatientContext = %q, want %q", p.PatientContext, tt.want)
			}
		})
	}
}

func TestNewPrincipalFromClaims_PatientClaimWinsOverFHIRUser(t *testing.T) {
	c := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
		Patient:          "p1",
		FHIRUser:         "Patient/p2",
	}
	p := NewPrincipalFromClaims(c)
	if p.PatientContext != "p1" {
		t.Errorf("PatientContext = %q, want p1", p.PatientContext)
	}
}

func TestPrincipal_PatientFilter(t *testing.T) {
	if _, narrowed := NewPrincipal("u1", nil, nil, "").PatientFilter(); narrowed {
		t.Error("principal without context must not be narrowed")
	}

	id, narrowed := NewPrincipal("u1", nil, nil, "p1").PatientFilter()
	if !narrowed || id != "p1" {
		t.Errorf("PatientFilter = (%q, %v), want (p1, true)", id, narrowed)
	}

	// Admins see everything even with a context present.
	if _, narrowed := NewPrincipal("root", []Role{RoleAdmin}, nil, "p1").PatientFilter(); narrowed {
		t.Error("admin must never be narrowed")
	}
}

func TestExtractPatientID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Patient/p1", "p1"},
		{"p1", "p1"},
		{"Practitioner/dr1", "Practitioner/dr1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractPatientID(tt.in); got != tt.want {
			t.Errorf("ExtractPatientID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	p := NewPrincipal("u1", []Role{RolePatient}, []string{"consent:read"}, "")
	ctx := WithPrincipal(context.Background(), p)

	if got := PrincipalFromContext(ctx); got != p {
		t.Errorf("PrincipalFromContext = %v, want %v", got, p)
	}
	if got := PrincipalFromContext(context.Background()); got != nil {
		t.Errorf("empty context returned principal %v", got)
	}
}

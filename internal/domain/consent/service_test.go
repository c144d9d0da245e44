package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/platform/auth"
)

func testService(repo Repository, now time.Time) *Service {
	engine := auth.NewAccessEngine(auth.NewScopeCatalog())
	v := NewExpirationValidator(repo, zerolog.Nop())
	v.SetClock(func() time.Time { return now })
	return NewService(repo, engine, v, zerolog.Nop())
}

func seedConsent(t *testing.T, repo Repository, c *Consent) *Consent {
	t.Helper()
	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestServiceGet_ReconcilesBeforeAuthorizing(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	svc := testService(repo, now)

	// Active but lapsed consent owned by p1.
	seedConsent(t, repo, &Consent{
		FHIRID:       "c1",
		Status:       StatusActive,
		PatientRef:   strPtr("Patient/p1"),
		ProvisionEnd: timePtr(now.Add(-time.Hour)),
		VersionID:    "1",
	})

	// A practitioner without scopes can read active resources but not
	// inactive ones. Reconciliation must run first, so the read is denied.
	dr := auth.NewPrincipal("dr1", []auth.Role{auth.RolePractitioner}, nil, "")
	_, err := svc.Get(context.Background(), dr, "c1")
	var forbidden *auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want *ForbiddenError: the lapsed consent must read as inactive", err)
	}

	// The transition is durable.
	stored, err := repo.GetByFHIRID(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusInactive || stored.VersionID != "2" {
		t.Errorf("stored = status %q version %q, want inactive/2", stored.Status, stored.VersionID)
	}

	// The owner still sees it.
	owner := auth.NewPrincipal("p1", []auth.Role{auth.RolePatient}, nil, "")
	got, err := svc.Get(context.Background(), owner, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInactive {
		t.Errorf("owner read status = %q, want inactive", got.Status)
	}
}

func TestServiceGet_ReconcilePersistFailureServesStaleState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	svc := testService(repo, now)

	seedConsent(t, repo, &Consent{
		FHIRID:       "c1",
		Status:       StatusActive,
		PatientRef:   strPtr("Patient/p1"),
		ProvisionEnd: timePtr(now.Add(-time.Hour)),
		VersionID:    "1",
	})
	repo.updateErr = errors.New("connection lost")

	// The transition could not be persisted, so the read serves the
	// stored active state and the practitioner rule still matches.
	dr := auth.NewPrincipal("dr1", []auth.Role{auth.RolePractitioner}, nil, "")
	got, err := svc.Get(context.Background(), dr, "c1")
	if err != nil {
		t.Fatalf("read should fall back to the stored state: %v", err)
	}
	if got.Status != StatusActive || got.VersionID != "1" {
		t.Errorf("got status %q version %q, want the stored active/1", got.Status, got.VersionID)
	}
}

func TestServiceGet_Forbidden(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	svc := testService(repo, now)
	seedConsent(t, repo, &Consent{FHIRID: "c1", Status: StatusDraft, PatientRef: strPtr("Patient/p1")})

	stranger := auth.NewPrincipal("u2", nil, nil, "")
	_, err := svc.Get(context.Background(), stranger, "c1")
	var forbidden *auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want *ForbiddenError", err)
	}

	if _, err := svc.Get(context.Background(), stranger, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestServiceList_PatientContextNarrowing(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	svc := testService(repo, now)

	seedConsent(t, repo, &Consent{FHIRID: "mine", Status: StatusActive, PatientRef: strPtr("Patient/p1")})
	seedConsent(t, repo, &Consent{FHIRID: "other", Status: StatusActive, PatientRef: strPtr("Patient/p2")})

	// Context-bound token sees only its subject's consents.
	ctxToken := auth.NewPrincipal("u1", nil, []string{"consent:read"}, "p1")
	items, _, err := svc.List(context.Background(), ctxToken, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].FHIRID != "mine" {
		t.Fatalf("narrowed list = %v", fhirIDs(items))
	}

	// Admin sees everything.
	admin := auth.NewPrincipal("root", []auth.Role{auth.RoleAdmin}, nil, "")
	items, total, err := svc.List(context.Background(), admin, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || total != 2 {
		t.Errorf("admin list = %v (total %d), want both", fhirIDs(items), total)
	}
}

func TestServiceListByPatient_ContextMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	svc := testService(repo, now)

	p := auth.NewPrincipal("u1", nil, []string{"consent:read"}, "p1")
	_, _, err := svc.ListByPatient(context.Background(), p, "p2", 20, 0)
	var forbidden *auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want *ForbiddenError", err)
	}
}

func TestServiceCreate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("patient creates own consent", func(t *testing.T) {
		repo := newMemRepo()
		svc := testService(repo, now)
		p := auth.NewPrincipal("p1", []auth.Role{auth.RolePatient}, nil, "")

		c := &Consent{Status: StatusActive, PatientRef: strPtr("Patient/p1")}
		if err := svc.Create(context.Background(), p, c); err != nil {
			t.Fatal(err)
		}
		if c.VersionID != "1" {
			t.Errorf("version = %q, want 1", c.VersionID)
		}
	})

	t.Run("patient cannot create for another patient", func(t *testing.T) {
		repo := newMemRepo()
		svc := testService(repo, now)
		p := auth.NewPrincipal("p1", []auth.Role{auth.RolePatient}, []string{"consent:write"}, "")

		err := svc.Create(context.Background(), p, &Consent{Status: StatusActive, PatientRef: strPtr("Patient/p2")})
		var forbidden *auth.ForbiddenError
		if !errors.As(err, &forbidden) {
			t.Fatalf("err = %v, want *ForbiddenError", err)
		}
	})

	t.Run("practitioner creates for any patient", func(t *testing.T) {
		repo := newMemRepo()
		svc := testService(repo, now)
		dr := auth.NewPrincipal("dr1", []auth.Role{auth.RolePractitioner}, []string{"consent:write"}, "")

		if err := svc.Create(context.Background(), dr, &Consent{Status: StatusActive, PatientRef: strPtr("Patient/p2")}); err != nil {
			t.Fatalf("practitioner create failed: %v", err)
		}
	})

	t.Run("invalid status rejected", func(t *testing.T) {
		repo := newMemRepo()
		svc := testService(repo, now)
		admin := auth.NewPrincipal("root", []auth.Role{auth.RoleAdmin}, nil, "")

		if err := svc.Create(context.Background(), admin, &Consent{Status: "bogus"}); err == nil {
			t.Error("expected invalid status error")
		}
	})

	t.Run("inverted provision period rejected", func(t *testing.T) {
		repo := newMemRepo()
		svc := testService(repo, now)
		admin := auth.NewPrincipal("root", []auth.Role{auth.RoleAdmin}, nil, "")

		err := svc.Create(context.Background(), admin, &Consent{
			Status:         StatusActive,
			ProvisionStart: timePtr(now),
			ProvisionEnd:   timePtr(now.Add(-time.Hour)),
		})
		if err == nil {
			t.Error("expected provision period error")
		}
	})
}

func TestServiceUpdate_BumpsVersion(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	svc := testService(repo, now)
	seedConsent(t, repo, &Consent{FHIRID: "c1", Status: StatusDraft, PatientRef: strPtr("Patient/p1"), VersionID: "4"})

	owner := auth.NewPrincipal("p1", []auth.Role{auth.RolePatient}, nil, "")
	upd := &Consent{FHIRID: "c1", Status: StatusActive}
	if err := svc.Update(context.Background(), owner, upd); err != nil {
		t.Fatal(err)
	}
	if upd.VersionID != "5" {
		t.Errorf("version = %q, want 5", upd.VersionID)
	}
	if upd.PatientRef == nil || *upd.PatientRef != "Patient/p1" {
		t.Errorf("owner dropped on update: %v", upd.PatientRef)
	}
}

func TestServiceDelete(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepo()
	svc := testService(repo, now)
	seedConsent(t, repo, &Consent{FHIRID: "c1", Status: StatusDraft, PatientRef: strPtr("Patient/p1")})

	stranger := auth.NewPrincipal("u2", []auth.Role{auth.RolePatient}, nil, "")
	err := svc.Delete(context.Background(), stranger, "c1")
	var forbidden *auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want *ForbiddenError", err)
	}

	owner := auth.NewPrincipal("p1", []auth.Role{auth.RolePatient}, nil, "")
	if err := svc.Delete(context.Background(), owner, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetByFHIRID(context.Background(), "c1"); !errors.Is(err, ErrNotFound) {
		t.Error("consent survived delete")
	}
}

func fhirIDs(items []*Consent) []string {
	out := make([]string, 0, len(items))
	for _, c := range items {
		out = append(out, c.FHIRID)
	}
	return out
}

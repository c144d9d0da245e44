package consent

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/platform/auth"
)

func newTestHandler(now time.Time) (*Handler, *memRepo, *echo.Echo) {
	repo := newMemRepo()
	h := NewHandler(testService(repo, now), zerolog.Nop())
	e := echo.New()
	return h, repo, e
}

func requestWithPrincipal(method, target string, body string, p *auth.Principal) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if p != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	}
	return req
}

func TestHandler_GetConsent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, repo, e := newTestHandler(now)
	seedConsent(t, repo, &Consent{
		FHIRID:     "c1",
		Status:     StatusActive,
		PatientRef: strPtr("Patient/p1"),
		VersionID:  "1",
	})

	owner := auth.NewPrincipal("p1", []auth.Role{auth.RolePatient}, nil, "")
	req := requestWithPrincipal(http.MethodGet, "/fhir/Consent/c1", "", owner)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := h.GetConsent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["resourceType"] != "Consent" {
		t.Errorf("expected resourceType Consent, got %v", body["resourceType"])
	}
}

func TestHandler_GetConsent_Unauthenticated(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, _, e := newTestHandler(now)

	req := requestWithPrincipal(http.MethodGet, "/fhir/Consent/c1", "", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := h.GetConsent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_GetConsent_NotFound(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, _, e := newTestHandler(now)

	admin := auth.NewPrincipal("root", []auth.Role{auth.RoleAdmin}, nil, "")
	req := requestWithPrincipal(http.MethodGet, "/fhir/Consent/missing", "", admin)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	if err := h.GetConsent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetConsent_Forbidden(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, repo, e := newTestHandler(now)
	seedConsent(t, repo, &Consent{
		FHIRID:     "c1",
		Status:     StatusActive,
		PatientRef: strPtr("Patient/p1"),
		VersionID:  "1",
	})

	stranger := auth.NewPrincipal("p2", []auth.Role{auth.RolePatient}, nil, "")
	req := requestWithPrincipal(http.MethodGet, "/fhir/Consent/c1", "", stranger)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := h.GetConsent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome body, got %v", body["resourceType"])
	}
}

func TestHandler_GetConsent_StoreFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, repo, e := newTestHandler(now)
	repo.getErr = errors.New("pgx: connection refused host=db.internal")

	admin := auth.NewPrincipal("root", []auth.Role{auth.RoleAdmin}, nil, "")
	req := requestWithPrincipal(http.MethodGet, "/fhir/Consent/c1", "", admin)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := h.GetConsent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}

	// Store diagnostics stay out of the response body.
	if strings.Contains(rec.Body.String(), "pgx") || strings.Contains(rec.Body.String(), "db.internal") {
		t.Errorf("response leaks store error detail: %s", rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome body, got %v", body["resourceType"])
	}
}

func TestHandler_CreateConsent_InvalidStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, _, e := newTestHandler(now)

	admin := auth.NewPrincipal("root", []auth.Role{auth.RoleAdmin}, nil, "")
	body := `{"fhir_id":"c-bad","status":"bogus","patient_ref":"Patient/p1"}`
	req := requestWithPrincipal(http.MethodPost, "/fhir/Consent", body, admin)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateConsent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid status") {
		t.Errorf("expected validation diagnostics, got %s", rec.Body.String())
	}
}

func TestHandler_ListConsents_SearchsetBundle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, repo, e := newTestHandler(now)
	seedConsent(t, repo, &Consent{
		FHIRID:     "c1",
		Status:     StatusActive,
		PatientRef: strPtr("Patient/p1"),
		VersionID:  "1",
	})
	seedConsent(t, repo, &Consent{
		FHIRID:     "c2",
		Status:     StatusDraft,
		PatientRef: strPtr("Patient/p2"),
		VersionID:  "1",
	})

	admin := auth.NewPrincipal("root", []auth.Role{auth.RoleAdmin}, nil, "")
	req := requestWithPrincipal(http.MethodGet, "/fhir/Consent", "", admin)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/fhir/Consent")

	if err := h.ListConsents(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var bundle map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if bundle["resourceType"] != "Bundle" || bundle["type"] != "searchset" {
		t.Errorf("expected searchset Bundle, got %v/%v", bundle["resourceType"], bundle["type"])
	}
	if bundle["total"] != float64(2) {
		t.Errorf("expected total 2, got %v", bundle["total"])
	}
	entries, ok := bundle["entry"].([]interface{})
	if !ok || len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %v", bundle["entry"])
	}
	links, ok := bundle["link"].([]interface{})
	if !ok || len(links) == 0 {
		t.Fatalf("expected paging links, got %v", bundle["link"])
	}
}

func TestHandler_ListConsents_PatientQuery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, repo, e := newTestHandler(now)
	seedConsent(t, repo, &Consent{
		FHIRID:     "c1",
		Status:     StatusActive,
		PatientRef: strPtr("Patient/p1"),
		VersionID:  "1",
	})
	seedConsent(t, repo, &Consent{
		FHIRID:     "c2",
		Status:     StatusActive,
		PatientRef: strPtr("Patient/p2"),
		VersionID:  "1",
	})

	admin := auth.NewPrincipal("root", []auth.Role{auth.RoleAdmin}, nil, "")
	req := requestWithPrincipal(http.MethodGet, "/fhir/Consent?patient=Patient/p1", "", admin)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/fhir/Consent")

	if err := h.ListConsents(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var bundle map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if bundle["total"] != float64(1) {
		t.Errorf("expected total 1, got %v", bundle["total"])
	}
}

func TestHandler_CreateConsent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, _, e := newTestHandler(now)

	owner := auth.NewPrincipal("p1", []auth.Role{auth.RolePatient}, nil, "")
	body := `{"fhir_id":"c-new","status":"active","patient_ref":"Patient/p1"}`
	req := requestWithPrincipal(http.MethodPost, "/fhir/Consent", body, owner)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateConsent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_CreateConsent_InvalidBody(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, _, e := newTestHandler(now)

	owner := auth.NewPrincipal("p1", []auth.Role{auth.RolePatient}, nil, "")
	req := requestWithPrincipal(http.MethodPost, "/fhir/Consent", `{not json`, owner)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateConsent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_UpdateConsent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, repo, e := newTestHandler(now)
	seedConsent(t, repo, &Consent{
		FHIRID:     "c1",
		Status:     StatusActive,
		PatientRef: strPtr("Patient/p1"),
		VersionID:  "1",
	})

	owner := auth.NewPrincipal("p1", []auth.Role{auth.RolePatient}, nil, "")
	body := `{"scope":"patient-privacy"}`
	req := requestWithPrincipal(http.MethodPut, "/fhir/Consent/c1", body, owner)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := h.UpdateConsent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_DeleteConsent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, repo, e := newTestHandler(now)
	seedConsent(t, repo, &Consent{
		FHIRID:     "c1",
		Status:     StatusDraft,
		PatientRef: strPtr("Patient/p1"),
		VersionID:  "1",
	})

	owner := auth.NewPrincipal("p1", []auth.Role{auth.RolePatient}, nil, "")
	req := requestWithPrincipal(http.MethodDelete, "/fhir/Consent/c1", "", owner)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := h.DeleteConsent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

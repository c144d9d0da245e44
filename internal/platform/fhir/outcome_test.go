package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewOperationOutcome(t *testing.T) {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "bad input")

	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected resourceType OperationOutcome, got %s", oo.ResourceType)
	}
	if len(oo.Issue) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(oo.Issue))
	}
	if oo.Issue[0].Severity != IssueSeverityError {
		t.Errorf("expected severity %s, got %s", IssueSeverityError, oo.Issue[0].Severity)
	}
	if oo.Issue[0].Code != IssueTypeInvalid {
		t.Errorf("expected code %s, got %s", IssueTypeInvalid, oo.Issue[0].Code)
	}
	if oo.Issue[0].Diagnostics != "bad input" {
		t.Errorf("expected diagnostics 'bad input', got %s", oo.Issue[0].Diagnostics)
	}
}

func TestNotFoundOutcome(t *testing.T) {
	oo := NotFoundOutcome("Consent", "c-1")
	if oo.Issue[0].Code != IssueTypeNotFound {
		t.Errorf("expected code %s, got %s", IssueTypeNotFound, oo.Issue[0].Code)
	}
	if !strings.Contains(oo.Issue[0].Diagnostics, "Consent/c-1") {
		t.Errorf("expected diagnostics to mention Consent/c-1, got %s", oo.Issue[0].Diagnostics)
	}
}

func TestForbiddenOutcome(t *testing.T) {
	oo := ForbiddenOutcome("access denied")
	if oo.Issue[0].Code != IssueTypeForbidden {
		t.Errorf("expected code %s, got %s", IssueTypeForbidden, oo.Issue[0].Code)
	}
	if !oo.HasErrors() {
		t.Error("expected HasErrors to be true")
	}
}

func TestHasErrors(t *testing.T) {
	info := NewOperationOutcome(IssueSeverityInformation, IssueTypeProcessing, "all good")
	if info.HasErrors() {
		t.Error("expected HasErrors to be false for informational outcome")
	}

	warn := NewOperationOutcome(IssueSeverityWarning, IssueTypeProcessing, "heads up")
	if warn.HasErrors() {
		t.Error("expected HasErrors to be false for warning outcome")
	}

	fatal := NewOperationOutcome(IssueSeverityFatal, IssueTypeException, "crashed")
	if !fatal.HasErrors() {
		t.Error("expected HasErrors to be true for fatal outcome")
	}
}

func TestOutcomeBuilder(t *testing.T) {
	b := NewOutcomeBuilder()
	if !b.Empty() {
		t.Error("expected new builder to be empty")
	}

	oo := b.
		AddIssue(IssueSeverityError, IssueTypeRequired, "iss is required").
		AddIssueWithLocation(IssueSeverityError, IssueTypeValue, "redirect_uri must be absolute", "redirect_uri").
		Build()

	if b.Empty() {
		t.Error("expected builder to be non-empty after AddIssue")
	}
	if len(oo.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(oo.Issue))
	}
	if len(oo.Issue[1].Expression) != 1 || oo.Issue[1].Expression[0] != "redirect_uri" {
		t.Errorf("expected expression [redirect_uri], got %v", oo.Issue[1].Expression)
	}
}

func TestOperationOutcome_JSONShape(t *testing.T) {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeSecurity, "unknown client")

	data, err := json.Marshal(oo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["resourceType"] != "OperationOutcome" {
		t.Errorf("expected resourceType key, got %v", decoded["resourceType"])
	}
	issues, ok := decoded["issue"].([]interface{})
	if !ok || len(issues) != 1 {
		t.Fatalf("expected issue array with 1 element, got %v", decoded["issue"])
	}
}

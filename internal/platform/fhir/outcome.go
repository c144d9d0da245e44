package fhir

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the gateway.
const (
	IssueTypeInvalid    = "invalid"
	IssueTypeRequired   = "required"
	IssueTypeValue      = "value"
	IssueTypeNotFound   = "not-found"
	IssueTypeSecurity   = "security"
	IssueTypeForbidden  = "forbidden"
	IssueTypeLogin      = "login"
	IssueTypeProcessing = "processing"
	IssueTypeExpired    = "expired"
	IssueTypeException  = "exception"
)

// OperationOutcome is the structured multi-issue error document returned on
// the resource-API-shaped legs of the protocol.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is one issue inside an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOperationOutcome builds a single-issue outcome.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// NotFoundOutcome builds a not-found outcome for the given resource.
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// ForbiddenOutcome builds a security outcome with a caller-safe reason.
func ForbiddenOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeForbidden, diagnostics)
}

// HasErrors reports whether the outcome carries any error or fatal issue.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// OutcomeBuilder accumulates issues into an OperationOutcome.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

// NewOutcomeBuilder creates an empty builder.
func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{outcome: &OperationOutcome{ResourceType: "OperationOutcome"}}
}

// AddIssue appends one issue.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddIssueWithLocation appends one issue with an expression path.
func (b *OutcomeBuilder) AddIssueWithLocation(severity, code, diagnostics, location string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  []string{location},
	})
	return b
}

// Empty reports whether no issues were added.
func (b *OutcomeBuilder) Empty() bool {
	return len(b.outcome.Issue) == 0
}

// Build returns the accumulated outcome.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}

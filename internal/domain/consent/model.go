package consent

import (
	"time"

	"github.com/google/uuid"

	"github.com/caregate/caregate/internal/platform/auth"
	"github.com/caregate/caregate/internal/platform/fhir"
)

// Valid consent statuses per FHIR R4.
const (
	StatusDraft          = "draft"
	StatusProposed       = "proposed"
	StatusActive         = "active"
	StatusRejected       = "rejected"
	StatusInactive       = "inactive"
	StatusEnteredInError = "entered-in-error"
)

var validStatuses = map[string]bool{
	StatusDraft:          true,
	StatusProposed:       true,
	StatusActive:         true,
	StatusRejected:       true,
	StatusInactive:       true,
	StatusEnteredInError: true,
}

// Consent maps to the consent table (FHIR Consent resource). PatientRef is
// the owning patient as a reference string ("Patient/<id>") and is nullable:
// organization-level consents have no owner.
type Consent struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	FHIRID         string     `db:"fhir_id" json:"fhir_id"`
	Status         string     `db:"status" json:"status"`
	Scope          *string    `db:"scope" json:"scope,omitempty"`
	CategoryCode   *string    `db:"category_code" json:"category_code,omitempty"`
	PatientRef     *string    `db:"patient_ref" json:"patient_ref,omitempty"`
	PolicyURI      *string    `db:"policy_uri" json:"policy_uri,omitempty"`
	ProvisionStart *time.Time `db:"provision_start" json:"provision_start,omitempty"`
	ProvisionEnd   *time.Time `db:"provision_end" json:"provision_end,omitempty"`
	Note           *string    `db:"note" json:"note,omitempty"`
	VersionID      string     `db:"version_id" json:"version_id"`
	LastUpdated    time.Time  `db:"last_updated" json:"last_updated"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// ResourceType implements auth.Resource.
func (c *Consent) ResourceType() string { return "Consent" }

// Owner implements auth.Resource. The second return is false when the
// consent has no owning patient.
func (c *Consent) Owner() (string, bool) {
	if c.PatientRef == nil || *c.PatientRef == "" {
		return "", false
	}
	return auth.ExtractPatientID(*c.PatientRef), true
}

// ResourceStatus implements auth.StatusBearer.
func (c *Consent) ResourceStatus() string { return c.Status }

// Expirable reports whether the consent carries a provision period end to
// check expiration against.
func (c *Consent) Expirable() bool { return c.ProvisionEnd != nil }

func (c *Consent) ToFHIR() map[string]interface{} {
	versionID := c.VersionID
	if versionID == "" {
		versionID = "1"
	}
	result := map[string]interface{}{
		"resourceType": "Consent",
		"id":           c.FHIRID,
		"status":       c.Status,
		"meta": fhir.Meta{
			VersionID:   versionID,
			LastUpdated: c.LastUpdated,
		},
	}
	if c.PatientRef != nil {
		result["patient"] = fhir.Reference{Reference: *c.PatientRef}
	}
	if c.Scope != nil {
		result["scope"] = *c.Scope
	}
	if c.CategoryCode != nil {
		result["category"] = *c.CategoryCode
	}
	if c.PolicyURI != nil {
		result["policy"] = []map[string]string{{"uri": *c.PolicyURI}}
	}
	if c.ProvisionStart != nil || c.ProvisionEnd != nil {
		result["provision"] = map[string]interface{}{
			"period": fhir.Period{Start: c.ProvisionStart, End: c.ProvisionEnd},
		}
	}
	if c.Note != nil {
		result["note"] = []map[string]string{{"text": *c.Note}}
	}
	return result
}

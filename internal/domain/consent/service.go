package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/platform/auth"
)

// Service applies access control and expiration reconciliation around the
// repository. Every read reconciles the consent's expiration state before
// the access decision, so a consent that lapsed since its last write is
// seen as inactive by both the caller and the access rules.
type Service struct {
	repo      Repository
	engine    *auth.AccessEngine
	validator *ExpirationValidator
	logger    zerolog.Logger
}

func NewService(repo Repository, engine *auth.AccessEngine, validator *ExpirationValidator, logger zerolog.Logger) *Service {
	return &Service{repo: repo, engine: engine, validator: validator, logger: logger}
}

// Get returns the consent with the given FHIR id, after reconciling its
// expiration state and checking read access for the principal.
func (s *Service) Get(ctx context.Context, p *auth.Principal, fhirID string) (*Consent, error) {
	c, err := s.repo.GetByFHIRID(ctx, fhirID)
	if err != nil {
		return nil, err
	}

	// Expiration reconciliation runs before authorization: the decision
	// must see the consent's current status, not a stale "active".
	if _, err := s.validator.Reconcile(ctx, c); err != nil {
		s.logger.Error().Err(err).Str("fhir_id", fhirID).Msg("expiration reconcile failed on read")
	}

	if d := s.engine.Decide(p, c, auth.ActionRead); !d.Allowed {
		return nil, &auth.ForbiddenError{Reason: d.Reason}
	}
	return c, nil
}

// List returns the consents visible to the principal. Principals carrying
// a patient context are narrowed to that patient's consents at the query
// level; every item is still individually checked for read access.
func (s *Service) List(ctx context.Context, p *auth.Principal, limit, offset int) ([]*Consent, int, error) {
	var (
		items []*Consent
		total int
		err   error
	)
	if patientID, narrowed := p.PatientFilter(); narrowed {
		items, total, err = s.repo.ListByPatient(ctx, patientID, limit, offset)
	} else {
		items, total, err = s.repo.List(ctx, limit, offset)
	}
	if err != nil {
		return nil, 0, err
	}

	visible := make([]*Consent, 0, len(items))
	for _, c := range items {
		if _, rerr := s.validator.Reconcile(ctx, c); rerr != nil {
			s.logger.Error().Err(rerr).Str("fhir_id", c.FHIRID).Msg("expiration reconcile failed on list")
		}
		if s.engine.CanAccess(p, c, auth.ActionRead) {
			visible = append(visible, c)
		}
	}
	return visible, total, nil
}

// ListByPatient returns the given patient's consents, subject to the same
// narrowing and per-item checks as List.
func (s *Service) ListByPatient(ctx context.Context, p *auth.Principal, patientID string, limit, offset int) ([]*Consent, int, error) {
	if ctxPatient, narrowed := p.PatientFilter(); narrowed && ctxPatient != patientID {
		return nil, 0, &auth.ForbiddenError{Reason: "patient context does not cover the requested patient"}
	}

	items, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	visible := make([]*Consent, 0, len(items))
	for _, c := range items {
		if _, rerr := s.validator.Reconcile(ctx, c); rerr != nil {
			s.logger.Error().Err(rerr).Str("fhir_id", c.FHIRID).Msg("expiration reconcile failed on list")
		}
		if s.engine.CanAccess(p, c, auth.ActionRead) {
			visible = append(visible, c)
		}
	}
	return visible, total, nil
}

// Create stores a new consent on behalf of the principal. Writing a consent
// owned by another patient requires the practitioner or admin role.
func (s *Service) Create(ctx context.Context, p *auth.Principal, c *Consent) error {
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if !validStatuses[c.Status] {
		return fmt.Errorf("%w: invalid status: %s", ErrInvalid, c.Status)
	}
	if c.ProvisionStart != nil && c.ProvisionEnd != nil && c.ProvisionEnd.Before(*c.ProvisionStart) {
		return fmt.Errorf("%w: provision period end precedes start", ErrInvalid)
	}

	if c.PatientRef != nil && *c.PatientRef != "" && !p.HasRole(auth.RolePractitioner) {
		if err := s.engine.ValidateOwnership(p, *c.PatientRef); err != nil {
			return err
		}
	}
	if d := s.engine.Decide(p, c, auth.ActionWrite); !d.Allowed {
		return &auth.ForbiddenError{Reason: d.Reason}
	}

	c.VersionID = "1"
	c.LastUpdated = time.Now().UTC()
	if err := s.repo.Create(ctx, c); err != nil {
		return err
	}

	s.logger.Info().Str("fhir_id", c.FHIRID).Str("actor", p.ID).Msg("consent created")
	return nil
}

// Update applies changes to an existing consent and bumps its version.
func (s *Service) Update(ctx context.Context, p *auth.Principal, c *Consent) error {
	existing, err := s.repo.GetByFHIRID(ctx, c.FHIRID)
	if err != nil {
		return err
	}

	if c.Status != "" && !validStatuses[c.Status] {
		return fmt.Errorf("%w: invalid status: %s", ErrInvalid, c.Status)
	}
	if d := s.engine.Decide(p, existing, auth.ActionWrite); !d.Allowed {
		return &auth.ForbiddenError{Reason: d.Reason}
	}

	c.ID = existing.ID
	if c.Status == "" {
		c.Status = existing.Status
	}
	if c.PatientRef == nil {
		c.PatientRef = existing.PatientRef
	}
	c.VersionID = bumpVersion(existing.VersionID)
	c.LastUpdated = time.Now().UTC()

	if err := s.repo.Update(ctx, c); err != nil {
		return err
	}

	s.logger.Info().Str("fhir_id", c.FHIRID).Str("version_id", c.VersionID).
		Str("actor", p.ID).Msg("consent updated")
	return nil
}

// Delete removes a consent. Deletion is a write-level operation.
func (s *Service) Delete(ctx context.Context, p *auth.Principal, fhirID string) error {
	existing, err := s.repo.GetByFHIRID(ctx, fhirID)
	if err != nil {
		return err
	}
	if d := s.engine.Decide(p, existing, auth.ActionWrite); !d.Allowed {
		return &auth.ForbiddenError{Reason: d.Reason}
	}

	if err := s.repo.Delete(ctx, existing.ID); err != nil {
		return err
	}

	s.logger.Info().Str("fhir_id", fhirID).Str("actor", p.ID).Msg("consent deleted")
	return nil
}

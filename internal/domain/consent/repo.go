package consent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no consent matches the lookup.
var ErrNotFound = errors.New("consent not found")

// ErrInvalid marks a rejected payload. Errors wrapping it carry
// caller-safe diagnostics.
var ErrInvalid = errors.New("invalid consent")

type Repository interface {
	Create(ctx context.Context, c *Consent) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consent, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*Consent, error)
	Update(ctx context.Context, c *Consent) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Consent, int, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Consent, int, error)
	// ListActiveExpired returns active consents whose provision period
	// ended strictly before the given instant.
	ListActiveExpired(ctx context.Context, now time.Time) ([]*Consent, error)
}

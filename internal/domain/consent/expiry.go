package consent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ExpirationValidator checks consents against their provision period and
// transitions expired active consents to inactive.
type ExpirationValidator struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

// NewExpirationValidator creates a validator using the wall clock.
func NewExpirationValidator(repo Repository, logger zerolog.Logger) *ExpirationValidator {
	return &ExpirationValidator{repo: repo, logger: logger, now: time.Now}
}

// SetClock overrides the time source. Tests use this to pin the clock.
func (v *ExpirationValidator) SetClock(now func() time.Time) { v.now = now }

// IsExpired reports whether the consent's provision period has ended.
// A consent with no provision end never expires, and a period ending
// exactly now is not yet expired.
func (v *ExpirationValidator) IsExpired(c *Consent) bool {
	if c.ProvisionEnd == nil {
		return false
	}
	return v.now().After(*c.ProvisionEnd)
}

// Reconcile transitions an expired active consent to inactive, bumps its
// version and persists the change. Consents that are not active or not
// expired come back unchanged. The returned flag reports whether a
// transition happened.
//
// The transition is applied to the caller's entity only after the persist
// succeeds. On a persist failure the entity keeps its stored state, so
// callers serve the stale consent rather than an unpersisted version.
func (v *ExpirationValidator) Reconcile(ctx context.Context, c *Consent) (bool, error) {
	if c.Status != StatusActive || !v.IsExpired(c) {
		return false, nil
	}

	updated := *c
	updated.Status = StatusInactive
	updated.VersionID = bumpVersion(c.VersionID)
	updated.LastUpdated = v.now().UTC()

	if err := v.repo.Update(ctx, &updated); err != nil {
		return false, fmt.Errorf("persisting expiration of consent %s: %w", c.FHIRID, err)
	}
	*c = updated

	v.logger.Info().
		Str("fhir_id", c.FHIRID).
		Str("version_id", c.VersionID).
		Time("provision_end", *c.ProvisionEnd).
		Msg("consent expired, transitioned to inactive")

	return true, nil
}

// ReconcileAll sweeps every active consent whose provision period has
// ended. A failure on one consent is logged and does not stop the sweep;
// the consent stays in its stored state. Returns the number of consents
// transitioned.
func (v *ExpirationValidator) ReconcileAll(ctx context.Context) (int, error) {
	expired, err := v.repo.ListActiveExpired(ctx, v.now())
	if err != nil {
		return 0, fmt.Errorf("listing expired consents: %w", err)
	}

	transitioned := 0
	for _, c := range expired {
		ok, err := v.Reconcile(ctx, c)
		if err != nil {
			v.logger.Error().Err(err).Str("fhir_id", c.FHIRID).
				Msg("consent expiration reconcile failed")
			continue
		}
		if ok {
			transitioned++
		}
	}
	return transitioned, nil
}

// bumpVersion increments a string-encoded integer version. A missing or
// non-numeric version resets to "1" before incrementing.
func bumpVersion(version string) string {
	n, err := strconv.Atoi(version)
	if err != nil || n < 1 {
		n = 1
	}
	return strconv.Itoa(n + 1)
}

// StartSweeper runs ReconcileAll on the given interval until ctx is done.
func StartSweeper(ctx context.Context, v *ExpirationValidator, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := v.ReconcileAll(ctx); err != nil {
					v.logger.Error().Err(err).Msg("consent expiration sweep failed")
				}
			}
		}
	}()
}

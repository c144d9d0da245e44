package consent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryable is the subset of pgxpool.Pool used by the repository. Tests
// substitute a fake.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type repoPG struct{ db queryable }

// NewRepoPG creates a PostgreSQL-backed consent repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{db: pool} }

const consentCols = `id, fhir_id, status, scope, category_code, patient_ref,
	policy_uri, provision_start, provision_end, note,
	version_id, last_updated, created_at`

func (r *repoPG) scanConsent(row pgx.Row) (*Consent, error) {
	var c Consent
	err := row.Scan(&c.ID, &c.FHIRID, &c.Status, &c.Scope, &c.CategoryCode, &c.PatientRef,
		&c.PolicyURI, &c.ProvisionStart, &c.ProvisionEnd, &c.Note,
		&c.VersionID, &c.LastUpdated, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) Create(ctx context.Context, c *Consent) error {
	c.ID = uuid.New()
	if c.FHIRID == "" {
		c.FHIRID = c.ID.String()
	}
	if c.VersionID == "" {
		c.VersionID = "1"
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO consent (id, fhir_id, status, scope, category_code, patient_ref,
			policy_uri, provision_start, provision_end, note, version_id, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())`,
		c.ID, c.FHIRID, c.Status, c.Scope, c.CategoryCode, c.PatientRef,
		c.PolicyURI, c.ProvisionStart, c.ProvisionEnd, c.Note, c.VersionID)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consent, error) {
	return r.scanConsent(r.db.QueryRow(ctx, `SELECT `+consentCols+` FROM consent WHERE id = $1`, id))
}

func (r *repoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Consent, error) {
	return r.scanConsent(r.db.QueryRow(ctx, `SELECT `+consentCols+` FROM consent WHERE fhir_id = $1`, fhirID))
}

func (r *repoPG) Update(ctx context.Context, c *Consent) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE consent SET status=$2, scope=$3, category_code=$4, patient_ref=$5,
			policy_uri=$6, provision_start=$7, provision_end=$8, note=$9,
			version_id=$10, last_updated=$11
		WHERE id = $1`,
		c.ID, c.Status, c.Scope, c.CategoryCode, c.PatientRef,
		c.PolicyURI, c.ProvisionStart, c.ProvisionEnd, c.Note,
		c.VersionID, c.LastUpdated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM consent WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Consent, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM consent`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+consentCols+` FROM consent ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Consent, int, error) {
	ref := "Patient/" + patientID
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM consent WHERE patient_ref = $1`, ref).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+consentCols+` FROM consent WHERE patient_ref = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, ref, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) ListActiveExpired(ctx context.Context, now time.Time) ([]*Consent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+consentCols+` FROM consent
		WHERE status = $1 AND provision_end IS NOT NULL AND provision_end < $2
		ORDER BY provision_end`, StatusActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *repoPG) collect(rows pgx.Rows) ([]*Consent, error) {
	var items []*Consent
	for rows.Next() {
		c, err := r.scanConsent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/groupmarket/backend/internal/models"
)

// CompensationRepository is the Postgres CompensationStore.
type CompensationRepository struct {
	db *sql.DB
}

var _ CompensationStore = (*CompensationRepository)(nil)

func NewCompensationRepository(db *sql.DB) *CompensationRepository {
	return &CompensationRepository{db: db}
}

const compensationColumns = `id, reference, purchase_id, listing_id, account_id, amount, state, attempts, last_error, created_at, updated_at`

func scanCompensation(row rowScanner) (*models.Compensation, error) {
	var c models.Compensation
	if err := row.Scan(&c.ID, &c.Reference, &c.PurchaseID, &c.ListingID, &c.AccountID, &c.Amount,
		&c.State, &c.Attempts, &c.LastError, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateMarker inserts the refund marker, or returns the one already written for the reference.
func (r *CompensationRepository) CreateMarker(ctx context.Context, c *models.Compensation) (*models.Compensation, error) {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO compensations (reference, purchase_id, listing_id, account_id, amount, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6)
		ON CONFLICT (reference) DO NOTHING`,
		c.Reference, c.PurchaseID, c.ListingID, c.AccountID, c.Amount, now)
	if err != nil {
		return nil, fmt.Errorf("write compensation marker: %w", err)
	}
	return r.GetByReference(ctx, c.Reference)
}

func (r *CompensationRepository) GetByReference(ctx context.Context, ref string) (*models.Compensation, error) {
	c, err := scanCompensation(r.db.QueryRowContext(ctx, `
		SELECT `+compensationColumns+` FROM compensations WHERE reference = $1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (r *CompensationRepository) MarkCompleted(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE compensations SET state = 'completed', updated_at = $2
		WHERE id = $1`, id, time.Now())
	return err
}

func (r *CompensationRepository) RecordAttempt(ctx context.Context, id int64, attempts int, lastErr string, escalate bool) error {
	state := models.CompensationPending
	if escalate {
		state = models.CompensationEscalated
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE compensations SET attempts = $2, last_error = $3, state = $4, updated_at = $5
		WHERE id = $1 AND state <> 'completed'`, id, attempts, lastErr, string(state), time.Now())
	return err
}

func (r *CompensationRepository) ListPending(ctx context.Context) ([]models.Compensation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+compensationColumns+` FROM compensations
		WHERE state = 'pending'
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Compensation
	for rows.Next() {
		c, err := scanCompensation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CreateIntervention records an operator task. An open record of the same kind
// for the same listing is kept as is.
func (r *CompensationRepository) CreateIntervention(ctx context.Context, mi *models.ManualIntervention) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO manual_interventions (listing_id, purchase_id, account_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (listing_id, kind) WHERE resolved_at IS NULL AND listing_id IS NOT NULL DO NOTHING`,
		mi.ListingID, mi.PurchaseID, mi.AccountID, string(mi.Kind), mi.Detail, time.Now())
	if err != nil {
		return fmt.Errorf("write manual intervention: %w", err)
	}
	return nil
}

const interventionColumns = `id, listing_id, purchase_id, account_id, kind, detail, created_at, resolved_at, resolved_by`

func scanIntervention(row rowScanner) (*models.ManualIntervention, error) {
	var mi models.ManualIntervention
	if err := row.Scan(&mi.ID, &mi.ListingID, &mi.PurchaseID, &mi.AccountID, &mi.Kind, &mi.Detail,
		&mi.CreatedAt, &mi.ResolvedAt, &mi.ResolvedBy); err != nil {
		return nil, err
	}
	return &mi, nil
}

func (r *CompensationRepository) GetIntervention(ctx context.Context, id int64) (*models.ManualIntervention, error) {
	mi, err := scanIntervention(r.db.QueryRowContext(ctx, `
		SELECT `+interventionColumns+` FROM manual_interventions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrInterventionNotFound, id)
	}
	return mi, err
}

func (r *CompensationRepository) ResolveIntervention(ctx context.Context, id, adminID int64, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE manual_interventions SET resolved_at = $3, resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL`, id, adminID, now)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d already resolved", ErrInvalidResolution, id)
	}
	return nil
}

func (r *CompensationRepository) ListOpenInterventions(ctx context.Context) ([]models.ManualIntervention, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+interventionColumns+` FROM manual_interventions
		WHERE resolved_at IS NULL
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ManualIntervention
	for rows.Next() {
		mi, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *mi)
	}
	return out, rows.Err()
}

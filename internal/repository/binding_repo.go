package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

const bindingColumns = `
	id, external_subscription_id, subscription_id, user_id, status,
	last_checked_at, created_at, updated_at`

type BindingRepository struct {
	pool *pgxpool.Pool
}

func NewBindingRepository(pool *pgxpool.Pool) *BindingRepository {
	return &BindingRepository{pool: pool}
}

// Upsert keys on external_subscription_id. A nil UserID never clears a
// previously bound user.
func (r *BindingRepository) Upsert(ctx context.Context, b *models.EntitlementBinding) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	query := `
		INSERT INTO entitlement_bindings (id, external_subscription_id, subscription_id, user_id, status, last_checked_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (external_subscription_id) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			user_id = COALESCE(EXCLUDED.user_id, entitlement_bindings.user_id),
			status = EXCLUDED.status,
			last_checked_at = NOW(),
			updated_at = NOW()
		RETURNING ` + bindingColumns
	stored, err := scanBinding(r.pool.QueryRow(ctx, query,
		b.ID, b.ExternalSubscriptionID, b.SubscriptionID, b.UserID, b.Status,
	))
	if err != nil {
		return fmt.Errorf("upsert binding: %w", err)
	}
	*b = *stored
	return nil
}

func (r *BindingRepository) GetByExternalID(ctx context.Context, externalID string) (*models.EntitlementBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM entitlement_bindings WHERE external_subscription_id = $1`
	b, err := scanBinding(r.pool.QueryRow(ctx, query, externalID))
	if err != nil {
		return nil, mapNotFound(err, "binding", externalID)
	}
	return b, nil
}

func (r *BindingRepository) List(ctx context.Context) ([]*models.EntitlementBinding, error) {
	return r.query(ctx, `SELECT `+bindingColumns+` FROM entitlement_bindings ORDER BY created_at`)
}

func (r *BindingRepository) ListActiveByUser(ctx context.Context, userID int64) ([]*models.EntitlementBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM entitlement_bindings WHERE user_id = $1 AND status = 'active' ORDER BY created_at`
	return r.query(ctx, query, userID)
}

func (r *BindingRepository) UpdateStatus(ctx context.Context, id, status string, checkedAt time.Time) error {
	query := `UPDATE entitlement_bindings SET status = $2, last_checked_at = $3, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status, checkedAt)
	if err != nil {
		return fmt.Errorf("update binding status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("binding", id)
	}
	return nil
}

func (r *BindingRepository) query(ctx context.Context, query string, args ...any) ([]*models.EntitlementBinding, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*models.EntitlementBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

func scanBinding(row pgx.Row) (*models.EntitlementBinding, error) {
	b := &models.EntitlementBinding{}
	err := row.Scan(
		&b.ID, &b.ExternalSubscriptionID, &b.SubscriptionID, &b.UserID, &b.Status,
		&b.LastCheckedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

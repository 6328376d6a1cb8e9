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

const entitlementColumns = `
	id, user_id, subscription_id, source, status, expires_at, created_at, updated_at`

type EntitlementRepository struct {
	pool *pgxpool.Pool
}

func NewEntitlementRepository(pool *pgxpool.Pool) *EntitlementRepository {
	return &EntitlementRepository{pool: pool}
}

// Create inserts a new entitlement record
func (r *EntitlementRepository) Create(ctx context.Context, e *models.UserEntitlement) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	query := `
		INSERT INTO user_entitlements (id, user_id, subscription_id, source, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		e.ID, e.UserID, e.SubscriptionID, e.Source, e.Status, e.ExpiresAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

// GetByID retrieves an entitlement by ID
func (r *EntitlementRepository) GetByID(ctx context.Context, id string) (*models.UserEntitlement, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound("entitlement", id)
	}
	query := `SELECT ` + entitlementColumns + ` FROM user_entitlements WHERE id = $1`
	e, err := scanEntitlement(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapNotFound(err, "entitlement", id)
	}
	return e, nil
}

// ListActiveByUser returns entitlements that are active and not yet past expiry
func (r *EntitlementRepository) ListActiveByUser(ctx context.Context, userID int64, now time.Time) ([]*models.UserEntitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM user_entitlements
		WHERE user_id = $1 AND status = 'active' AND expires_at > $2
		ORDER BY expires_at DESC
	`
	return r.query(ctx, query, userID, now)
}

func (r *EntitlementRepository) ListActiveUserIDs(ctx context.Context, now time.Time) ([]int64, error) {
	query := `SELECT DISTINCT user_id FROM user_entitlements WHERE status = 'active' AND expires_at > $1 ORDER BY user_id`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("query entitlement users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// UpdateStatus updates the status of an entitlement
func (r *EntitlementRepository) UpdateStatus(ctx context.Context, id, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE user_entitlements SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update entitlement status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("entitlement", id)
	}
	return nil
}

func (r *EntitlementRepository) ExpireDue(ctx context.Context, now time.Time) ([]*models.UserEntitlement, error) {
	query := `
		UPDATE user_entitlements
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND expires_at <= $1
		RETURNING ` + entitlementColumns
	return r.query(ctx, query, now)
}

func (r *EntitlementRepository) query(ctx context.Context, query string, args ...any) ([]*models.UserEntitlement, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entitlements: %w", err)
	}
	defer rows.Close()

	var entitlements []*models.UserEntitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		entitlements = append(entitlements, e)
	}
	return entitlements, rows.Err()
}

func scanEntitlement(row pgx.Row) (*models.UserEntitlement, error) {
	e := &models.UserEntitlement{}
	err := row.Scan(&e.ID, &e.UserID, &e.SubscriptionID, &e.Source, &e.Status, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

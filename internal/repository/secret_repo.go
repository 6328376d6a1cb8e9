package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// PersonalSecretRepository stores per-(user, node) secrets. The partial
// unique index uq_personal_secrets_active backs the at-most-one-active rule.
type PersonalSecretRepository struct {
	pool *pgxpool.Pool
}

func NewPersonalSecretRepository(pool *pgxpool.Pool) *PersonalSecretRepository {
	return &PersonalSecretRepository{pool: pool}
}

func (r *PersonalSecretRepository) Create(ctx context.Context, s *models.PersonalSecret) error {
	query := `
		INSERT INTO personal_secrets (user_id, node_id, secret, obfuscated, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, created_at
	`
	err := r.pool.QueryRow(ctx, query, s.UserID, s.NodeID, s.Secret, s.Obfuscated).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("personal secret", pairKey(s.UserID, s.NodeID))
		}
		return fmt.Errorf("insert personal secret: %w", err)
	}
	s.IsActive = true
	return nil
}

func (r *PersonalSecretRepository) GetActive(ctx context.Context, userID, nodeID int64) (*models.PersonalSecret, error) {
	query := `
		SELECT id, user_id, node_id, secret, obfuscated, is_active, created_at, revoked_at
		FROM personal_secrets
		WHERE user_id = $1 AND node_id = $2 AND is_active
	`
	s, err := scanPersonalSecret(r.pool.QueryRow(ctx, query, userID, nodeID))
	if err != nil {
		return nil, mapNotFound(err, "personal secret", pairKey(userID, nodeID))
	}
	return s, nil
}

func (r *PersonalSecretRepository) ListActiveByUser(ctx context.Context, userID int64) ([]*models.PersonalSecret, error) {
	query := `
		SELECT id, user_id, node_id, secret, obfuscated, is_active, created_at, revoked_at
		FROM personal_secrets
		WHERE user_id = $1 AND is_active
		ORDER BY node_id
	`
	return r.query(ctx, query, userID)
}

func (r *PersonalSecretRepository) ListActiveByNode(ctx context.Context, nodeID int64) ([]*models.PersonalSecret, error) {
	query := `
		SELECT id, user_id, node_id, secret, obfuscated, is_active, created_at, revoked_at
		FROM personal_secrets
		WHERE node_id = $1 AND is_active
		ORDER BY id
	`
	return r.query(ctx, query, nodeID)
}

func (r *PersonalSecretRepository) ListActiveUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id FROM personal_secrets WHERE is_active ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query secret users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *PersonalSecretRepository) Deactivate(ctx context.Context, id int64) error {
	query := `UPDATE personal_secrets SET is_active = FALSE, revoked_at = NOW() WHERE id = $1 AND is_active`
	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("deactivate personal secret: %w", err)
	}
	return nil
}

func (r *PersonalSecretRepository) DeactivateAllForUser(ctx context.Context, userID int64) (int64, error) {
	query := `UPDATE personal_secrets SET is_active = FALSE, revoked_at = NOW() WHERE user_id = $1 AND is_active`
	tag, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("deactivate user secrets: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PersonalSecretRepository) query(ctx context.Context, query string, args ...any) ([]*models.PersonalSecret, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query personal secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*models.PersonalSecret
	for rows.Next() {
		s, err := scanPersonalSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("scan personal secret: %w", err)
		}
		secrets = append(secrets, s)
	}
	return secrets, rows.Err()
}

func scanPersonalSecret(row pgx.Row) (*models.PersonalSecret, error) {
	s := &models.PersonalSecret{}
	err := row.Scan(&s.ID, &s.UserID, &s.NodeID, &s.Secret, &s.Obfuscated, &s.IsActive, &s.CreatedAt, &s.RevokedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func pairKey(userID, nodeID int64) string {
	return strconv.FormatInt(userID, 10) + "@" + strconv.FormatInt(nodeID, 10)
}

// NodeSecretRepository stores the shared, non-personal secret pool.
type NodeSecretRepository struct {
	pool *pgxpool.Pool
}

func NewNodeSecretRepository(pool *pgxpool.Pool) *NodeSecretRepository {
	return &NodeSecretRepository{pool: pool}
}

func (r *NodeSecretRepository) Create(ctx context.Context, s *models.NodeSecret) error {
	query := `
		INSERT INTO node_secrets (node_id, secret, obfuscated, description, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, created_at
	`
	err := r.pool.QueryRow(ctx, query, s.NodeID, s.Secret, s.Obfuscated, s.Description).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("node secret", s.Secret)
		}
		return fmt.Errorf("insert node secret: %w", err)
	}
	s.IsActive = true
	return nil
}

func (r *NodeSecretRepository) GetActive(ctx context.Context, nodeID int64, secret string) (*models.NodeSecret, error) {
	query := `
		SELECT id, node_id, secret, obfuscated, description, is_active, created_at
		FROM node_secrets
		WHERE node_id = $1 AND lower(secret) = lower($2) AND is_active
	`
	s := &models.NodeSecret{}
	err := r.pool.QueryRow(ctx, query, nodeID, secret).Scan(
		&s.ID, &s.NodeID, &s.Secret, &s.Obfuscated, &s.Description, &s.IsActive, &s.CreatedAt,
	)
	if err != nil {
		return nil, mapNotFound(err, "node secret", secret)
	}
	return s, nil
}

func (r *NodeSecretRepository) ListActiveByNode(ctx context.Context, nodeID int64) ([]*models.NodeSecret, error) {
	query := `
		SELECT id, node_id, secret, obfuscated, description, is_active, created_at
		FROM node_secrets
		WHERE node_id = $1 AND is_active
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query node secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*models.NodeSecret
	for rows.Next() {
		s := &models.NodeSecret{}
		if err := rows.Scan(&s.ID, &s.NodeID, &s.Secret, &s.Obfuscated, &s.Description, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node secret: %w", err)
		}
		secrets = append(secrets, s)
	}
	return secrets, rows.Err()
}

func (r *NodeSecretRepository) Deactivate(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `UPDATE node_secrets SET is_active = FALSE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deactivate node secret: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

type Socks5AccountRepository struct {
	pool *pgxpool.Pool
}

func NewSocks5AccountRepository(pool *pgxpool.Pool) *Socks5AccountRepository {
	return &Socks5AccountRepository{pool: pool}
}

// Create inserts an account; a duplicate username on the node is a ConflictError
func (r *Socks5AccountRepository) Create(ctx context.Context, a *models.Socks5Account) error {
	query := `
		INSERT INTO socks5_accounts (node_id, username, password, is_active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING id, created_at
	`
	err := r.pool.QueryRow(ctx, query, a.NodeID, a.Username, a.Password).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("socks5 account", a.Username)
		}
		return fmt.Errorf("insert socks5 account: %w", err)
	}
	a.IsActive = true
	return nil
}

func (r *Socks5AccountRepository) GetActive(ctx context.Context, nodeID int64, username string) (*models.Socks5Account, error) {
	query := `
		SELECT id, node_id, username, password, is_active, created_at
		FROM socks5_accounts
		WHERE node_id = $1 AND username = $2 AND is_active
	`
	a := &models.Socks5Account{}
	err := r.pool.QueryRow(ctx, query, nodeID, username).Scan(
		&a.ID, &a.NodeID, &a.Username, &a.Password, &a.IsActive, &a.CreatedAt,
	)
	if err != nil {
		return nil, mapNotFound(err, "socks5 account", username)
	}
	return a, nil
}

func (r *Socks5AccountRepository) ListActiveByNode(ctx context.Context, nodeID int64) ([]*models.Socks5Account, error) {
	query := `
		SELECT id, node_id, username, password, is_active, created_at
		FROM socks5_accounts
		WHERE node_id = $1 AND is_active
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query socks5 accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Socks5Account
	for rows.Next() {
		a := &models.Socks5Account{}
		if err := rows.Scan(&a.ID, &a.NodeID, &a.Username, &a.Password, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan socks5 account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *Socks5AccountRepository) Deactivate(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `UPDATE socks5_accounts SET is_active = FALSE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deactivate socks5 account: %w", err)
	}
	return nil
}

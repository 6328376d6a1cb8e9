package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

const nodeColumns = `
	id, name, host, api_port, api_token, mtproto_port, socks5_port,
	workers, max_users, status, is_active, last_seen_at, last_error,
	created_at, updated_at`

type NodeRepository struct {
	pool *pgxpool.Pool
}

func NewNodeRepository(pool *pgxpool.Pool) *NodeRepository {
	return &NodeRepository{pool: pool}
}

// Create inserts a node and fills in its generated id
func (r *NodeRepository) Create(ctx context.Context, n *models.Node) error {
	if n.Status == "" {
		n.Status = models.NodeStatusUnknown
	}
	query := `
		INSERT INTO nodes (
			name, host, api_port, api_token, mtproto_port, socks5_port,
			workers, max_users, status, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		n.Name, n.Host, n.APIPort, n.APIToken, n.MTProtoPort, n.Socks5Port,
		n.Workers, n.MaxUsers, n.Status, n.IsActive,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("node", n.Name)
		}
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// GetByID retrieves a node by ID
func (r *NodeRepository) GetByID(ctx context.Context, id int64) (*models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	n, err := scanNode(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapNotFound(err, "node", strconv.FormatInt(id, 10))
	}
	return n, nil
}

func (r *NodeRepository) List(ctx context.Context) ([]*models.Node, error) {
	return r.query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
}

func (r *NodeRepository) ListActive(ctx context.Context) ([]*models.Node, error) {
	return r.query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE is_active ORDER BY id`)
}

// Update writes the admin-editable fields of a node
func (r *NodeRepository) Update(ctx context.Context, n *models.Node) error {
	query := `
		UPDATE nodes SET
			name = $2, host = $3, api_port = $4, api_token = $5,
			mtproto_port = $6, socks5_port = $7, workers = $8, max_users = $9,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		n.ID, n.Name, n.Host, n.APIPort, n.APIToken,
		n.MTProtoPort, n.Socks5Port, n.Workers, n.MaxUsers,
	).Scan(&n.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("node", n.Name)
		}
		return mapNotFound(err, "node", strconv.FormatInt(n.ID, 10))
	}
	return nil
}

// UpdateHealth records the outcome of a health check. A nil seenAt keeps
// the previous last_seen_at.
func (r *NodeRepository) UpdateHealth(ctx context.Context, id int64, status models.NodeStatus, seenAt *time.Time, lastError *string) error {
	query := `
		UPDATE nodes SET
			status = $2,
			last_seen_at = COALESCE($3, last_seen_at),
			last_error = $4,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, status, seenAt, lastError)
	if err != nil {
		return fmt.Errorf("update node health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("node", strconv.FormatInt(id, 10))
	}
	return nil
}

func (r *NodeRepository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE nodes SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("node", strconv.FormatInt(id, 10))
	}
	return nil
}

func (r *NodeRepository) query(ctx context.Context, query string, args ...any) ([]*models.Node, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func scanNode(row pgx.Row) (*models.Node, error) {
	n := &models.Node{}
	err := row.Scan(
		&n.ID, &n.Name, &n.Host, &n.APIPort, &n.APIToken, &n.MTProtoPort, &n.Socks5Port,
		&n.Workers, &n.MaxUsers, &n.Status, &n.IsActive, &n.LastSeenAt, &n.LastError,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}

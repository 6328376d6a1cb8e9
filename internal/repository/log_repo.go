package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// EventRepository stores diagnostic node events
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// Create creates a new node event
func (r *EventRepository) Create(ctx context.Context, ev *models.NodeEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	query := `
		INSERT INTO node_events (id, node_id, user_id, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.pool.QueryRow(ctx, query,
		ev.ID, ev.NodeID, ev.UserID, ev.Action, ev.Status, ev.Message, ev.Metadata,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert node event: %w", err)
	}

	return nil
}

// ListByNode retrieves the newest events for a node
func (r *EventRepository) ListByNode(ctx context.Context, nodeID int64, limit int) ([]*models.NodeEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, node_id, user_id, action, status, COALESCE(message, ''), metadata, created_at
		FROM node_events
		WHERE node_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query node events: %w", err)
	}
	defer rows.Close()

	var events []*models.NodeEvent
	for rows.Next() {
		ev := &models.NodeEvent{}
		err := rows.Scan(
			&ev.ID, &ev.NodeID, &ev.UserID, &ev.Action, &ev.Status,
			&ev.Message, &ev.Metadata, &ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan node event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

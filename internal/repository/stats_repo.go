package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

type StatsRepository struct {
	pool *pgxpool.Pool
}

func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{pool: pool}
}

func (r *StatsRepository) Insert(ctx context.Context, rec *models.NodeStatsRecord) error {
	query := `
		INSERT INTO node_stats (
			node_id, mtproto_running, socks5_running, mtproto_connections,
			cpu_percent, memory_percent, disk_percent, net_rx_bytes, net_tx_bytes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, recorded_at
	`
	err := r.pool.QueryRow(ctx, query,
		rec.NodeID, rec.MTProtoRunning, rec.Socks5Running, rec.MTProtoConnections,
		rec.CPUPercent, rec.MemoryPercent, rec.DiskPercent, int64(rec.NetRxBytes), int64(rec.NetTxBytes),
	).Scan(&rec.ID, &rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert node stats: %w", err)
	}
	return nil
}

// ListRecent returns the newest stats rows of a node
func (r *StatsRepository) ListRecent(ctx context.Context, nodeID int64, limit int) ([]*models.NodeStatsRecord, error) {
	if limit <= 0 {
		limit = 60
	}
	query := `
		SELECT id, node_id, mtproto_running, socks5_running, mtproto_connections,
		       cpu_percent, memory_percent, disk_percent, net_rx_bytes, net_tx_bytes, recorded_at
		FROM node_stats
		WHERE node_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query node stats: %w", err)
	}
	defer rows.Close()

	var records []*models.NodeStatsRecord
	for rows.Next() {
		rec := &models.NodeStatsRecord{}
		var rx, tx int64
		err := rows.Scan(
			&rec.ID, &rec.NodeID, &rec.MTProtoRunning, &rec.Socks5Running, &rec.MTProtoConnections,
			&rec.CPUPercent, &rec.MemoryPercent, &rec.DiskPercent, &rx, &tx, &rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan node stats: %w", err)
		}
		rec.NetRxBytes, rec.NetTxBytes = uint64(rx), uint64(tx)
		records = append(records, rec)
	}
	return records, rows.Err()
}

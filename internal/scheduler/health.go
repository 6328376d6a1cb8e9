package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"golang.org/x/sync/errgroup"
)

// HealthSweep checks every active node, records status and stats, and
// repairs the credential set of nodes that answered.
func (s *Scheduler) HealthSweep(ctx context.Context) (*Report, error) {
	nodes, err := s.stores.Nodes.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}

	report := &Report{Units: len(nodes)}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.opts.NodeConcurrency)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			changed, err := s.checkNode(ctx, node)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
			}
			if changed {
				report.Changed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// checkNode returns whether the node's credentials were repaired, and the
// health or sync error if any.
func (s *Scheduler) checkNode(ctx context.Context, node *models.Node) (bool, error) {
	log := s.log.WithFields(logrus.Fields{"node_id": node.ID, "node": node.Name})
	api := s.clients.Client(node)
	now := s.opts.Now()

	health, err := api.Health(ctx)
	if err != nil {
		s.markUnhealthy(ctx, node, err)
		return false, err
	}
	stats, err := api.Stats(ctx)
	if err != nil {
		// 统计失败不影响在线状态
		log.WithError(err).Warn("node stats unavailable")
		stats = &models.NodeStats{}
	}

	if err := s.stores.Nodes.UpdateHealth(ctx, node.ID, models.NodeStatusOnline, &now, nil); err != nil {
		log.WithError(err).Error("failed to record node health")
		return false, err
	}
	rec := &models.NodeStatsRecord{
		NodeID:             node.ID,
		MTProtoRunning:     health.MTProtoRunning,
		Socks5Running:      health.Socks5Running,
		MTProtoConnections: stats.MTProtoConnections,
		CPUPercent:         health.CPUPercent,
		MemoryPercent:      health.MemoryPercent,
		DiskPercent:        health.DiskPercent,
		NetRxBytes:         stats.NetRxBytes,
		NetTxBytes:         stats.NetTxBytes,
		RecordedAt:         now,
	}
	if err := s.stores.Stats.Insert(ctx, rec); err != nil {
		log.WithError(err).Warn("failed to record node stats")
	}
	if node.Status != models.NodeStatusOnline {
		log.WithField("previous", node.Status).Info("node is online")
		s.event(ctx, node.ID, models.EventNodeOnline, "ok", "")
	}

	node.Status = models.NodeStatusOnline
	node.LastSeenAt = &now
	result, err := s.nodes.SyncNode(ctx, node)
	if err != nil {
		log.WithError(err).Warn("node credential sync failed")
		s.event(ctx, node.ID, models.EventSyncFailed, "failed", err.Error())
		return result != nil && result.Changed(), err
	}
	if result.Changed() {
		s.event(ctx, node.ID, models.EventSyncRepaired, "ok",
			fmt.Sprintf("secrets +%d -%d, accounts +%d -%d, workers %t, port %t",
				result.SecretsAdded, result.SecretsRemoved, result.AccountsAdded, result.AccountsRemoved,
				result.WorkersUpdated, result.PortUpdated))
	}
	return result.Changed(), nil
}

// markUnhealthy sets error, or offline once the node has been unseen for
// longer than OfflineAfter.
func (s *Scheduler) markUnhealthy(ctx context.Context, node *models.Node, cause error) {
	status := models.NodeStatusError
	seen := node.CreatedAt
	if node.LastSeenAt != nil {
		seen = *node.LastSeenAt
	}
	if s.opts.OfflineAfter > 0 && s.opts.Now().Sub(seen) > s.opts.OfflineAfter {
		status = models.NodeStatusOffline
	}

	msg := cause.Error()
	log := s.log.WithFields(logrus.Fields{"node_id": node.ID, "node": node.Name, "status": status})
	if err := s.stores.Nodes.UpdateHealth(ctx, node.ID, status, nil, &msg); err != nil {
		log.WithError(err).Error("failed to record node health")
	}
	log.WithError(cause).Warn("node health check failed")

	s.event(ctx, node.ID, models.EventHealthFailed, "failed", msg)
	if status == models.NodeStatusOffline && node.Status != models.NodeStatusOffline {
		s.event(ctx, node.ID, models.EventNodeOffline, "failed", msg)
	}
}

func (s *Scheduler) event(ctx context.Context, nodeID int64, action, status, message string) {
	id := nodeID
	ev := &models.NodeEvent{NodeID: &id, Action: action, Status: status, Message: message}
	if err := s.stores.Events.Create(ctx, ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"node_id": nodeID, "action": action}).Warn("failed to record node event")
	}
}

package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository"
)

// SubscriptionService manages subscription bundles and derives their proxy
// lists from live node state. It never changes node credentials.
type SubscriptionService struct {
	log    logrus.FieldLogger
	stores *repository.Stores
}

func NewSubscriptionService(log logrus.FieldLogger, stores *repository.Stores) *SubscriptionService {
	return &SubscriptionService{
		log:    log.WithField("component", "subscriptions"),
		stores: stores,
	}
}

func (s *SubscriptionService) Create(ctx context.Context, req *models.CreateSubscriptionRequest) (*models.Subscription, error) {
	if !req.IncludeMTProto && !req.IncludeSocks5 {
		return nil, apperr.Validation("include_mtproto", "at least one relay kind must be included")
	}
	seen := make(map[int64]bool, len(req.NodeIDs))
	nodeIDs := make([]int64, 0, len(req.NodeIDs))
	for _, id := range req.NodeIDs {
		if seen[id] {
			continue
		}
		if _, err := s.stores.Nodes.GetByID(ctx, id); err != nil {
			return nil, err
		}
		seen[id] = true
		nodeIDs = append(nodeIDs, id)
	}

	sub := &models.Subscription{
		Name:           req.Name,
		NodeIDs:        nodeIDs,
		IncludeMTProto: req.IncludeMTProto,
		IncludeSocks5:  req.IncludeSocks5,
		IsActive:       true,
	}
	if err := s.stores.Subscriptions.Create(ctx, sub); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"subscription_id": sub.ID, "nodes": len(nodeIDs)}).Info("subscription created")
	return sub, nil
}

func (s *SubscriptionService) Get(ctx context.Context, id string) (*models.Subscription, error) {
	return s.stores.Subscriptions.GetByID(ctx, id)
}

func (s *SubscriptionService) List(ctx context.Context) ([]*models.Subscription, error) {
	return s.stores.Subscriptions.List(ctx)
}

// Toggle flips is_active and returns the updated subscription
func (s *SubscriptionService) Toggle(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := s.stores.Subscriptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.stores.Subscriptions.SetActive(ctx, id, !sub.IsActive); err != nil {
		return nil, err
	}
	sub.IsActive = !sub.IsActive
	s.log.WithFields(logrus.Fields{"subscription_id": id, "active": sub.IsActive}).Info("subscription toggled")
	return sub, nil
}

func (s *SubscriptionService) Delete(ctx context.Context, id string) error {
	if err := s.stores.Subscriptions.Delete(ctx, id); err != nil {
		return err
	}
	s.log.WithField("subscription_id", id).Info("subscription deleted")
	return nil
}

// GetProxies lists the shared credentials of every online node in the
// bundle, gated by the include flags. An inactive subscription has none.
func (s *SubscriptionService) GetProxies(ctx context.Context, id string) ([]models.Proxy, error) {
	sub, err := s.stores.Subscriptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	proxies := []models.Proxy{}
	if !sub.IsActive {
		return proxies, nil
	}

	for _, nodeID := range sub.NodeIDs {
		node, err := s.stores.Nodes.GetByID(ctx, nodeID)
		if err != nil {
			if apperr.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load node %d: %w", nodeID, err)
		}
		if !node.IsOnline() {
			continue
		}

		if sub.IncludeMTProto {
			secrets, err := s.stores.NodeSecrets.ListActiveByNode(ctx, nodeID)
			if err != nil {
				return nil, fmt.Errorf("list shared secrets of node %d: %w", nodeID, err)
			}
			for _, ns := range secrets {
				proxies = append(proxies, mtprotoProxy(node, ns.Secret, ns.Obfuscated))
			}
		}
		if sub.IncludeSocks5 {
			accounts, err := s.stores.Socks5.ListActiveByNode(ctx, nodeID)
			if err != nil {
				return nil, fmt.Errorf("list socks5 accounts of node %d: %w", nodeID, err)
			}
			for _, a := range accounts {
				proxies = append(proxies, socks5Proxy(node, a.Username, a.Password))
			}
		}
	}
	return proxies, nil
}

// Links is GetProxies followed by GenerateLinks
func (s *SubscriptionService) Links(ctx context.Context, id string) ([]models.ProxyLink, error) {
	proxies, err := s.GetProxies(ctx, id)
	if err != nil {
		return nil, err
	}
	return GenerateLinks(proxies), nil
}

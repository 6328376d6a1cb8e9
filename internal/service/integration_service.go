package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository"
)

// IntegrationService is the boundary used by external billing and
// subscription systems.
type IntegrationService struct {
	log           logrus.FieldLogger
	stores        *repository.Stores
	provisioner   *Provisioner
	subscriptions *SubscriptionService
	backend       client.SubscriptionBackend
	now           func() time.Time
}

func NewIntegrationService(
	log logrus.FieldLogger,
	stores *repository.Stores,
	provisioner *Provisioner,
	subscriptions *SubscriptionService,
	backend client.SubscriptionBackend,
) *IntegrationService {
	return &IntegrationService{
		log:           log.WithField("component", "integration"),
		stores:        stores,
		provisioner:   provisioner,
		subscriptions: subscriptions,
		backend:       backend,
		now:           time.Now,
	}
}

// BindSubscription records the external subscription's state. With a user
// the user is reconciled and their links on the bundle's nodes returned;
// without one the bundle's shared links are returned. Links are empty when
// the binding does not grant access.
func (s *IntegrationService) BindSubscription(ctx context.Context, req *models.BindingRequest) (*models.LinksResponse, error) {
	if !models.ValidEntitlementStatus(req.Status) {
		return nil, apperr.Validation("status", "unknown status %q", req.Status)
	}
	sub, err := s.stores.Subscriptions.GetByID(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}

	binding := &models.EntitlementBinding{
		ExternalSubscriptionID: req.ExternalSubscriptionID,
		SubscriptionID:         sub.ID,
		UserID:                 req.UserID,
		Status:                 req.Status,
	}
	if err := s.stores.Bindings.Upsert(ctx, binding); err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"external_subscription_id": binding.ExternalSubscriptionID,
		"subscription_id":          sub.ID,
		"status":                   binding.Status,
	})
	granted := binding.IsActive() && sub.IsActive
	resp := &models.LinksResponse{UserID: binding.UserID, Granted: granted, Links: []models.ProxyLink{}}

	if binding.UserID == nil {
		log.Info("binding recorded without user")
		if !granted {
			return resp, nil
		}
		links, err := s.subscriptions.Links(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		resp.Links = links
		return resp, nil
	}

	userID := *binding.UserID
	decision, err := s.provisioner.ReconcileUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reconcile user %d: %w", userID, err)
	}
	log.WithFields(logrus.Fields{"user_id": userID, "access": decision.Access}).Info("binding recorded")

	if !granted {
		return resp, nil
	}
	links, err := s.provisioner.UserLinks(ctx, userID)
	if err != nil {
		return nil, err
	}
	inBundle := make(map[int64]bool, len(sub.NodeIDs))
	for _, id := range sub.NodeIDs {
		inBundle[id] = true
	}
	for _, l := range links {
		if inBundle[l.NodeID] {
			resp.Links = append(resp.Links, l)
		}
	}
	return resp, nil
}

// Resolve maps a raw subscription link to its user through the backend and
// then behaves like BindSubscription for the stored binding.
func (s *IntegrationService) Resolve(ctx context.Context, link string) (*models.LinksResponse, error) {
	if link == "" {
		return nil, apperr.Validation("link", "is required")
	}
	if s.backend == nil {
		return nil, fmt.Errorf("no subscription backend configured")
	}

	user, err := s.backend.ResolveUser(ctx, link)
	if err != nil {
		return nil, err
	}
	binding, err := s.stores.Bindings.GetByExternalID(ctx, user.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}

	status, err := s.backend.GetStatus(ctx, binding.ExternalSubscriptionID)
	if err != nil {
		s.log.WithError(err).WithField("external_subscription_id", binding.ExternalSubscriptionID).
			Warn("status lookup failed, using stored status")
		status = binding.Status
	}

	userID := user.UserID
	return s.BindSubscription(ctx, &models.BindingRequest{
		ExternalSubscriptionID: binding.ExternalSubscriptionID,
		SubscriptionID:         binding.SubscriptionID,
		UserID:                 &userID,
		Status:                 status,
	})
}

// GrantEntitlement records a purchased access window and reconciles the user
func (s *IntegrationService) GrantEntitlement(ctx context.Context, req *models.GrantEntitlementRequest) (*models.UserEntitlement, *UserDecision, error) {
	if req.SubscriptionID != nil {
		if _, err := s.stores.Subscriptions.GetByID(ctx, *req.SubscriptionID); err != nil {
			return nil, nil, err
		}
	}
	source := req.Source
	if source == "" {
		source = models.EntitlementSourcePurchase
	}

	ent := &models.UserEntitlement{
		UserID:         req.UserID,
		SubscriptionID: req.SubscriptionID,
		Source:         source,
		Status:         models.EntitlementStatusActive,
		ExpiresAt:      s.now().Add(time.Duration(req.DurationDays) * 24 * time.Hour),
	}
	if err := s.stores.Entitlements.Create(ctx, ent); err != nil {
		return nil, nil, err
	}
	s.log.WithFields(logrus.Fields{"user_id": ent.UserID, "entitlement_id": ent.ID, "source": source}).Info("entitlement granted")

	decision, err := s.provisioner.ReconcileUser(ctx, ent.UserID)
	if err != nil {
		return ent, nil, fmt.Errorf("reconcile user %d: %w", ent.UserID, err)
	}
	return ent, decision, nil
}

// CancelEntitlement cancels an entitlement and reconciles the user; access
// from other sources is kept.
func (s *IntegrationService) CancelEntitlement(ctx context.Context, id string) (*models.UserEntitlement, *UserDecision, error) {
	ent, err := s.stores.Entitlements.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.stores.Entitlements.UpdateStatus(ctx, id, models.EntitlementStatusCancelled); err != nil {
		return nil, nil, err
	}
	ent.Status = models.EntitlementStatusCancelled
	s.log.WithFields(logrus.Fields{"user_id": ent.UserID, "entitlement_id": id}).Info("entitlement cancelled")

	decision, err := s.provisioner.ReconcileUser(ctx, ent.UserID)
	if err != nil {
		return ent, nil, fmt.Errorf("reconcile user %d: %w", ent.UserID, err)
	}
	return ent, decision, nil
}
